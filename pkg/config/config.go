package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/DiDaimon/prima-update/pkg/buildinfo"
	"github.com/DiDaimon/prima-update/pkg/lockfile"
	"github.com/DiDaimon/prima-update/pkg/plog"
	"github.com/DiDaimon/prima-update/pkg/util"
)

// ConfigFileName is the name of the configuration file.
const ConfigFileName = "prima-update.config.json"

// systemIgnoreFilePatterns is a slice of file patterns that must
// always be ignored for the updater to function correctly.
var systemIgnoreFilePatterns = []string{ConfigFileName, lockfile.LockFileName}

// DiffConfig controls how the source and destination trees are compared.
type DiffConfig struct {
	ModTimeWindowSeconds int `json:"modTimeWindowSeconds" comment:"Time window in seconds to consider file modification times equal. Handles filesystem timestamp precision differences. Default is 2s for FAT/SMB shares. 0 means exact match."`
	// Note: omitempty is intentionally not used for user-configurable slices
	// so that they appear in the generated config file for better discoverability.
	UserIgnoreFiles    []string `json:"userIgnoreFiles"`
	UserIgnoreDirs     []string `json:"userIgnoreDirs"`
	DefaultIgnoreFiles []string `json:"defaultIgnoreFiles,omitempty"`
	DefaultIgnoreDirs  []string `json:"defaultIgnoreDirs,omitempty"`
}

// BackupConfig controls the rotating backups of the tracked executable.
type BackupConfig struct {
	// DirName is the backup directory, a direct child of the destination.
	DirName string `json:"dirName"`
	// TrackedFile is the basename of the executable that gets backed up
	// before every update.
	TrackedFile string `json:"trackedFile"`
	// WeeklyAgeLimitDays is the age at which retention switches from one
	// backup per week to one backup per month.
	WeeklyAgeLimitDays int `json:"weeklyAgeLimitDays"`
}

// TransferConfig controls the copy engine.
type TransferConfig struct {
	Workers          int `json:"workers"`
	BufferSizeKB     int `json:"bufferSizeKB" comment:"Size of the I/O buffer in kilobytes for file copies. Default is 256 (256KB)."`
	RetryCount       int `json:"retryCount"`
	RetryWaitSeconds int `json:"retryWaitSeconds"`
}

// ArchiveConfig controls the compressed safety archive taken of the
// destination before a destructive full copy.
type ArchiveConfig struct {
	Enabled bool   `json:"enabled"`
	Format  string `json:"format"`
	DirName string `json:"dirName"`
}

// ShortcutConfig controls desktop shortcut renaming after an update.
type ShortcutConfig struct {
	Enabled bool `json:"enabled"`
	// Dir is the directory searched for the shortcut. Empty means the
	// user's desktop folder.
	Dir string `json:"dir"`
}

// FullCopyConfig controls the overwrite-everything update path.
type FullCopyConfig struct {
	// KeepFiles are ignored files that are transferred anyway during a
	// full copy (typically machine-local configuration seeded once).
	KeepFiles []string `json:"keepFiles"`
}

// RuntimeConfig holds flag-only settings that never land in the config file.
type RuntimeConfig struct {
	DryRun    bool
	AssumeYes bool
}

type Config struct {
	Version     string         `json:"version"`
	Source      string         `json:"source"`
	Destination string         `json:"-"` // Never added to config file
	Runtime     RuntimeConfig  `json:"-"` // Never added to config file
	LogLevel    string         `json:"logLevel"`
	Metrics     bool           `json:"metrics"`
	Diff        DiffConfig     `json:"diff"`
	Backup      BackupConfig   `json:"backup"`
	Transfer    TransferConfig `json:"transfer"`
	Archive     ArchiveConfig  `json:"archive"`
	Shortcut    ShortcutConfig `json:"shortcut"`
	FullCopy    FullCopyConfig `json:"fullCopy"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:     buildinfo.Version,
		Source:      "", // Intentionally empty to force user configuration.
		Destination: "", // Intentionally empty to force user configuration.
		LogLevel:    "info",
		Metrics:     true,
		Runtime: RuntimeConfig{
			DryRun:    false,
			AssumeYes: false,
		},
		Diff: DiffConfig{
			ModTimeWindowSeconds: 2, // SMB shares and FAT volumes round timestamps to 2s.
			UserIgnoreFiles:      []string{},
			UserIgnoreDirs:       []string{},
			DefaultIgnoreFiles: []string{
				"PRIMA.ini",   // Machine-local settings, never overwritten by updates.
				"Servers.ini", // Machine-local server list.
				"*.tmp",
				"*.lnk",
				"~*",
				"desktop.ini",
				"Thumbs.db",
			},
			DefaultIgnoreDirs: []string{
				"$Recycle.Bin",
			},
		},
		Backup: BackupConfig{
			DirName:            "Backup",
			TrackedFile:        "prima.exe",
			WeeklyAgeLimitDays: 365,
		},
		Transfer: TransferConfig{
			Workers:          4, // Safe for HDDs, decent for SSDs and network shares.
			BufferSizeKB:     256,
			RetryCount:       3,
			RetryWaitSeconds: 5,
		},
		Archive: ArchiveConfig{
			Enabled: true,
			Format:  "tar.zst",
			DirName: "Archive",
		},
		Shortcut: ShortcutConfig{
			Enabled: true,
			Dir:     "",
		},
		FullCopy: FullCopyConfig{
			KeepFiles: []string{"PRIMA.ini", "Servers.ini"},
		},
	}
}

// Load attempts to load a configuration from "prima-update.config.json" in
// the destination directory. If the file doesn't exist, it returns the
// default config without an error. If the file exists but fails to parse,
// it returns an error and a zero-value config.
func Load(destination string) (Config, error) {
	absDestination, err := filepath.Abs(destination)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for load directory %s: %w", destination, err)
	}

	configPath := filepath.Join(absDestination, ConfigFileName)

	file, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := NewDefault()
			cfg.Destination = absDestination
			return cfg, nil // Config file doesn't exist, which is a normal case.
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", configPath, err)
	}
	defer file.Close()

	plog.Info("Loading configuration", "path", configPath)
	// Start with default values, then overwrite with the file's content.
	// This makes the config loading resilient to missing fields in the JSON file.
	config := NewDefault()
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}

	config.Destination = absDestination

	if config.Version != buildinfo.Version {
		config.Version = buildinfo.Version
	}
	return config, nil
}

// Generate creates or overwrites a prima-update.config.json file in the
// config's destination directory.
func Generate(configToGenerate Config) error {
	configPath := filepath.Join(configToGenerate.Destination, ConfigFileName)
	jsonData, err := json.MarshalIndent(configToGenerate, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}

	if err := os.WriteFile(configPath, jsonData, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", configPath)
	return nil
}

// Validate checks the configuration for logical errors and inconsistencies.
// When checkSource is true, the source path must be non-empty and exist.
func (c *Config) Validate(checkSource bool) error {
	if checkSource && c.Source == "" {
		return fmt.Errorf("source path cannot be empty")
	}
	if c.Destination == "" {
		return fmt.Errorf("destination path cannot be empty")
	}

	var err error

	if c.Source != "" {
		c.Source, err = util.ExpandPath(c.Source)
		if err != nil {
			return fmt.Errorf("could not expand source path: %w", err)
		}
		c.Source = filepath.Clean(c.Source)

		if checkSource {
			if _, err := os.Stat(c.Source); os.IsNotExist(err) {
				return fmt.Errorf("source path '%s' does not exist", c.Source)
			}
		}
	}

	c.Destination, err = util.ExpandPath(c.Destination)
	if err != nil {
		return fmt.Errorf("could not expand destination path: %w", err)
	}
	c.Destination = filepath.Clean(c.Destination)

	if c.Backup.DirName == "" {
		return fmt.Errorf("backup.dirName cannot be empty")
	}
	// Disallow path separators to keep the backup directory a direct child of
	// the destination. Creating a tracked backup uses os.Rename after staging,
	// which requires both paths on the same filesystem.
	if strings.ContainsAny(c.Backup.DirName, `\/`) {
		return fmt.Errorf("backup.dirName cannot contain path separators ('/' or '\\')")
	}
	if c.Backup.TrackedFile == "" {
		return fmt.Errorf("backup.trackedFile cannot be empty")
	}
	if strings.ContainsAny(c.Backup.TrackedFile, `\/`) {
		return fmt.Errorf("backup.trackedFile must be a basename, not a path")
	}
	if c.Backup.WeeklyAgeLimitDays < 1 {
		return fmt.Errorf("backup.weeklyAgeLimitDays must be at least 1")
	}

	if c.Diff.ModTimeWindowSeconds < 0 {
		return fmt.Errorf("diff.modTimeWindowSeconds cannot be negative")
	}

	if c.Transfer.Workers < 1 {
		return fmt.Errorf("transfer.workers must be at least 1")
	}
	if c.Transfer.BufferSizeKB <= 0 {
		return fmt.Errorf("transfer.bufferSizeKB must be greater than 0")
	}
	if c.Transfer.RetryCount < 0 {
		return fmt.Errorf("transfer.retryCount cannot be negative")
	}
	if c.Transfer.RetryWaitSeconds < 0 {
		return fmt.Errorf("transfer.retryWaitSeconds cannot be negative")
	}

	if c.Archive.Enabled {
		switch c.Archive.Format {
		case "tar.zst", "tar.gz":
		default:
			return fmt.Errorf("archive.format must be 'tar.zst' or 'tar.gz', got %q", c.Archive.Format)
		}
		if c.Archive.DirName == "" {
			return fmt.Errorf("archive.dirName cannot be empty")
		}
		if strings.ContainsAny(c.Archive.DirName, `\/`) {
			return fmt.Errorf("archive.dirName cannot contain path separators ('/' or '\\')")
		}
	}

	if err := validateGlobPatterns("defaultIgnoreFiles", c.Diff.DefaultIgnoreFiles); err != nil {
		return err
	}
	if err := validateGlobPatterns("userIgnoreFiles", c.Diff.UserIgnoreFiles); err != nil {
		return err
	}
	if err := validateGlobPatterns("defaultIgnoreDirs", c.Diff.DefaultIgnoreDirs); err != nil {
		return err
	}
	if err := validateGlobPatterns("userIgnoreDirs", c.Diff.UserIgnoreDirs); err != nil {
		return err
	}
	return nil
}

// IgnoreFiles returns the final, combined slice of file ignore patterns,
// including non-overridable system patterns, default patterns, and
// user-configured patterns. It automatically handles deduplication.
func (c *Config) IgnoreFiles() []string {
	return util.MergeAndDeduplicate(systemIgnoreFilePatterns, c.Diff.DefaultIgnoreFiles, c.Diff.UserIgnoreFiles)
}

// IgnoreDirs returns the final, combined slice of directory ignore patterns.
// The backup and archive directories are always ignored so an update never
// touches its own safety copies.
func (c *Config) IgnoreDirs() []string {
	system := []string{c.Backup.DirName}
	if c.Archive.Enabled {
		system = append(system, c.Archive.DirName)
	}
	return util.MergeAndDeduplicate(system, c.Diff.DefaultIgnoreDirs, c.Diff.UserIgnoreDirs)
}

// LogSummary prints a user-friendly summary of the configuration.
func (c *Config) LogSummary() {
	logArgs := []interface{}{
		"log_level", c.LogLevel,
		"source", c.Source,
		"destination", c.Destination,
		"dry_run", c.Runtime.DryRun,
		"tracked_file", c.Backup.TrackedFile,
		"backup_dir", c.Backup.DirName,
		"workers", c.Transfer.Workers,
		"buffer_size_kb", c.Transfer.BufferSizeKB,
		"metrics", c.Metrics,
	}
	if c.Archive.Enabled {
		logArgs = append(logArgs, "archive", fmt.Sprintf("enabled (f:%s)", c.Archive.Format))
	}
	if c.Shortcut.Enabled {
		logArgs = append(logArgs, "shortcut", "enabled")
	}
	if ignoreFiles := c.IgnoreFiles(); len(ignoreFiles) > 0 {
		logArgs = append(logArgs, "ignore_files", strings.Join(ignoreFiles, ", "))
	}
	if ignoreDirs := c.IgnoreDirs(); len(ignoreDirs) > 0 {
		logArgs = append(logArgs, "ignore_dirs", strings.Join(ignoreDirs, ", "))
	}
	plog.Info("Configuration loaded", logArgs...)
}

// validateGlobPatterns checks if a list of strings are valid glob patterns.
func validateGlobPatterns(fieldName string, patterns []string) error {
	for _, pattern := range patterns {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid glob pattern for %s: %q - %w", fieldName, pattern, err)
		}
	}
	return nil
}

// MergeConfigWithFlags overlays the configuration values from flags on top of
// a base configuration. It iterates over the setFlags map, which contains only
// the flags explicitly provided by the user on the command line.
func MergeConfigWithFlags(base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "source":
			merged.Source = value.(string)
		case "destination":
			merged.Destination = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "metrics":
			merged.Metrics = value.(bool)
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		case "yes":
			merged.Runtime.AssumeYes = value.(bool)
		case "tracked-file":
			merged.Backup.TrackedFile = value.(string)
		case "backup-dir":
			merged.Backup.DirName = value.(string)
		case "workers":
			merged.Transfer.Workers = value.(int)
		case "buffer-size-kb":
			merged.Transfer.BufferSizeKB = value.(int)
		case "retry-count":
			merged.Transfer.RetryCount = value.(int)
		case "retry-wait":
			merged.Transfer.RetryWaitSeconds = value.(int)
		case "archive":
			merged.Archive.Enabled = value.(bool)
		case "archive-format":
			merged.Archive.Format = value.(string)
		case "shortcut":
			merged.Shortcut.Enabled = value.(bool)
		case "shortcut-dir":
			merged.Shortcut.Dir = value.(string)
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
