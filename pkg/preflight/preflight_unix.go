//go:build !windows

package preflight

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// mountPrefixes are locations where a directory is expected to be a mounted
// volume rather than a plain folder on the system disk.
var mountPrefixes = []string{"/mnt/", "/media/", "/Volumes/"}

// platformValidateMountPoint guards against "ghost" directories: a path under
// a mount location that exists on the root filesystem because the actual
// volume is not mounted. Paths outside the usual mount locations are plain
// local directories and pass unchecked.
func platformValidateMountPoint(path string) error {
	underMount := false
	for _, prefix := range mountPrefixes {
		if strings.HasPrefix(path, prefix) {
			underMount = true
			break
		}
	}
	if !underMount {
		return nil
	}

	rootInfo, err := os.Stat("/")
	if err != nil {
		return fmt.Errorf("failed to stat root: %w", err)
	}
	rootStat, ok := rootInfo.Sys().(*unix.Stat_t)
	if !ok {
		return fmt.Errorf("unsupported platform for unix.Stat_t")
	}

	pathInfo, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat destination path: %w", err)
	}
	pathStat, ok := pathInfo.Sys().(*unix.Stat_t)
	if !ok {
		return fmt.Errorf("unsupported platform for unix.Stat_t")
	}

	if pathStat.Dev == rootStat.Dev {
		return fmt.Errorf("path '%s' is on the root filesystem (system disk); ensure the volume is mounted", path)
	}
	return nil
}
