// Package preflight validates the update environment before any mutating
// operation begins: the source share must be reachable, the destination must
// exist on a real volume and accept writes. These checks are stateless apart
// from a short-lived write probe and exist to produce friendlier errors than
// a failed copy mid-run would.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"
)

// CheckSourceAccessible validates that the source path exists and is a
// directory. For a network share this is the cheapest reachability probe
// available.
func CheckSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source directory %s does not exist", srcPath)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}
	return nil
}

// CheckDestinationAccessible ensures the destination directory is usable:
// its volume is present, the path exists (or its parent does) and it is a
// directory. It gives more user-friendly errors than letting the first copy
// fail.
func CheckDestinationAccessible(destPath string) error {
	info, err := os.Stat(destPath)
	if os.IsNotExist(err) {
		parentDir := filepath.Dir(destPath)
		if _, err := os.Stat(parentDir); os.IsNotExist(err) {
			return fmt.Errorf("destination path and its parent directory do not exist: %s", parentDir)
		} else if err != nil {
			return fmt.Errorf("cannot access parent directory %s: %w", parentDir, err)
		}
		if err := platformValidateMountPoint(parentDir); err != nil {
			return err
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("cannot access destination path: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("destination path exists but is not a directory: %s", destPath)
	}
	return platformValidateMountPoint(destPath)
}

// CheckDestinationWritable ensures the destination directory can be created
// and accepts writes, verified with a create-and-delete probe file.
func CheckDestinationWritable(destPath string) error {
	if err := os.MkdirAll(destPath, 0755); err != nil {
		return fmt.Errorf("failed to create destination directory %s: %w", destPath, err)
	}

	tempFile := filepath.Join(destPath, ".prima-update-writetest.tmp")
	f, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("destination directory %s is not writable: %w", destPath, err)
	}
	f.Close()
	_ = os.Remove(tempFile)
	return nil
}
