// Package ignore implements the pattern matching used to keep files and
// directories out of diffing, copying and deletion. Matching is
// case-insensitive and slash-normalized so the same config works against
// Windows shares and local paths.
package ignore

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/DiDaimon/prima-update/pkg/plog"
)

type matchKind int

const (
	literalKind matchKind = iota
	prefixKind
	suffixKind
	globKind
)

// pattern stores the pre-analyzed details of a single ignore entry.
type pattern struct {
	raw           string    // The original pattern for logging/debugging.
	clean         string    // The pattern without wildcards for prefix/suffix matching, or the full pattern for glob.
	kind          matchKind // The type of match to perform.
	matchBasename bool      // If true, match against the path's basename; otherwise the full relative path.
}

// patternSet holds categorized patterns for efficient matching.
type patternSet struct {
	// literals are exact full-path matches, the fastest to check.
	literals map[string]struct{}
	// basenameLiterals are exact basename matches (e.g. "unins000.exe").
	basenameLiterals map[string]struct{}
	// nonLiterals require wildcard logic.
	nonLiterals []pattern
}

// compilePatterns analyzes and categorizes patterns to enable optimized matching.
func compilePatterns(patterns []string) patternSet {
	set := patternSet{
		literals:         make(map[string]struct{}),
		basenameLiterals: make(map[string]struct{}),
		nonLiterals:      make([]pattern, 0, len(patterns)),
	}

	// A pattern without a path separator matches against the basename anywhere
	// in the tree, aligning with .gitignore behavior.
	basenameScoped := func(p string) bool { return !strings.Contains(p, "/") }

	for _, p := range patterns {
		p = normalizeKey(p)
		switch {
		case strings.ContainsAny(p, "*?[]"):
			switch {
			case strings.HasSuffix(p, "/*"):
				set.nonLiterals = append(set.nonLiterals, pattern{
					raw:   p,
					clean: strings.TrimSuffix(p, "/*"),
					kind:  prefixKind,
				})
			case strings.HasSuffix(p, "*") && !strings.ContainsAny(p[:len(p)-1], "*?[]"):
				// A pattern like "~*" or "temp_*".
				set.nonLiterals = append(set.nonLiterals, pattern{
					raw:           p,
					clean:         strings.TrimSuffix(p, "*"),
					kind:          prefixKind,
					matchBasename: basenameScoped(p),
				})
			case strings.HasPrefix(p, "*") && !strings.ContainsAny(p[1:], "*?[]"):
				// A pattern like "*.log" or "*.tmp".
				set.nonLiterals = append(set.nonLiterals, pattern{
					raw:           p,
					clean:         p[1:],
					kind:          suffixKind,
					matchBasename: basenameScoped(p),
				})
			default:
				set.nonLiterals = append(set.nonLiterals, pattern{
					raw: p, clean: p, kind: globKind, matchBasename: basenameScoped(p),
				})
			}
		case strings.HasSuffix(p, "/"):
			// A trailing slash makes the pattern an explicit directory prefix.
			set.nonLiterals = append(set.nonLiterals, pattern{
				raw:   p,
				clean: strings.TrimSuffix(p, "/"),
				kind:  prefixKind,
			})
		case basenameScoped(p):
			set.basenameLiterals[p] = struct{}{}
		default:
			set.literals[p] = struct{}{}
		}
	}
	return set
}

// matches checks whether the given relative path key matches any pattern.
func (ps *patternSet) matches(relPath string) bool {
	key := normalizeKey(relPath)
	base := normalizeKey(filepath.Base(relPath))

	if _, ok := ps.literals[key]; ok {
		return true
	}
	if _, ok := ps.basenameLiterals[base]; ok {
		return true
	}

	for _, p := range ps.nonLiterals {
		candidate := key
		if p.matchBasename {
			candidate = base
		}

		switch p.kind {
		case prefixKind:
			if strings.HasPrefix(candidate, p.clean) {
				// For directory prefixes ("build/") avoid false positives on
				// siblings like "build-tools".
				if !p.matchBasename && strings.HasSuffix(p.raw, "/") {
					if candidate != p.clean && !strings.HasPrefix(candidate, p.clean+"/") {
						continue
					}
				}
				return true
			}
		case suffixKind:
			if strings.HasSuffix(candidate, p.clean) {
				return true
			}
		case globKind:
			ok, err := filepath.Match(p.clean, candidate)
			if err != nil {
				plog.Warn("Invalid ignore pattern", "pattern", p.raw, "error", err)
				continue
			}
			if ok {
				return true
			}
		}
	}
	return false
}

// normalizeKey converts a path or pattern into a standardized,
// case-insensitive key format (forward slashes, lowercase).
func normalizeKey(p string) string {
	return strings.ToLower(filepath.ToSlash(p))
}

// Spec decides which files and directories are off-limits for diffing and
// transfer. File and directory patterns are kept separate so a name like
// "temp" can be ignored as a directory without hiding a file of the same name.
type Spec struct {
	filePatterns []string
	dirPatterns  []string
	files        patternSet
	dirs         patternSet
}

// New compiles file and directory patterns into a Spec.
func New(filePatterns, dirPatterns []string) *Spec {
	return &Spec{
		filePatterns: slices.Clone(filePatterns),
		dirPatterns:  slices.Clone(dirPatterns),
		files:        compilePatterns(filePatterns),
		dirs:         compilePatterns(dirPatterns),
	}
}

// MatchFile reports whether the relative file path is ignored.
func (s *Spec) MatchFile(relPath string) bool { return s.files.matches(relPath) }

// MatchDir reports whether the relative directory path is ignored.
func (s *Spec) MatchDir(relPath string) bool { return s.dirs.matches(relPath) }

// WithoutFiles returns a derived Spec with the named file patterns removed.
// It is used by the full-copy keep options, where files that are normally
// ignored must be transferred once. The receiver is not modified.
func (s *Spec) WithoutFiles(names ...string) *Spec {
	kept := make([]string, 0, len(s.filePatterns))
	for _, p := range s.filePatterns {
		drop := false
		for _, n := range names {
			if normalizeKey(p) == normalizeKey(n) {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, p)
		}
	}
	return New(kept, s.dirPatterns)
}

// FilePatterns returns a copy of the configured file patterns.
func (s *Spec) FilePatterns() []string { return slices.Clone(s.filePatterns) }

// DirPatterns returns a copy of the configured directory patterns.
func (s *Spec) DirPatterns() []string { return slices.Clone(s.dirPatterns) }
