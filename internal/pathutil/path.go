// Package pathutil provides path validation and write-ahead helpers used
// by the Downloader (validating a download destination and naming each
// file's write-ahead temp path).
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CheckDirectoryWritable checks if a directory exists and is writable.
// If the directory doesn't exist, it attempts to create it.
func CheckDirectoryWritable(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(absPath, 0755); err != nil {
				return fmt.Errorf("directory %s does not exist and cannot be created: %w", absPath, err)
			}
		} else {
			return fmt.Errorf("cannot access directory %s: %w", absPath, err)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("path %s exists but is not a directory", absPath)
	}

	testFile := filepath.Join(absPath, ".usenetsync-write-test")
	file, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", absPath, err)
	}

	_, writeErr := file.Write([]byte("test"))
	file.Close()
	os.Remove(testFile)

	if writeErr != nil {
		return fmt.Errorf("directory %s is not writable: %w", absPath, writeErr)
	}

	return nil
}

// RemoveEmptyDirs recursively removes empty parent directories starting from
// 'path' up towards 'root' (exclusive). It stops at the first non-empty
// directory or once it reaches root.
func RemoveEmptyDirs(root, path string) {
	if root == "" || path == "" {
		return
	}

	root = filepath.Clean(root)
	path = filepath.Clean(path)

	if path == root || !strings.HasPrefix(path, root) {
		return
	}

	if err := os.Remove(path); err != nil {
		return
	}

	RemoveEmptyDirs(root, filepath.Dir(path))
}

// JoinAbsPath safely joins a base path with another path (which could be
// absolute or relative). If the second path is absolute and already rooted
// at basePath, it is returned unchanged.
func JoinAbsPath(basePath, otherPath string) string {
	if basePath == "" {
		return otherPath
	}

	cleanBase := strings.TrimSuffix(filepath.ToSlash(basePath), "/")
	cleanOther := filepath.ToSlash(otherPath)

	if filepath.IsAbs(cleanOther) && (cleanOther == cleanBase || strings.HasPrefix(cleanOther, cleanBase+"/")) {
		return filepath.FromSlash(cleanOther)
	}

	relOther := strings.TrimPrefix(cleanOther, "/")
	return filepath.Join(basePath, filepath.FromSlash(relOther))
}

// TempDownloadPath returns the write-ahead temp path for a file being
// reassembled by the Downloader: same directory, name prefixed with
// ".partial-", so an atomic rename completes the file in place.
func TempDownloadPath(destPath string) string {
	dir := filepath.Dir(destPath)
	base := filepath.Base(destPath)
	return filepath.Join(dir, ".partial-"+base)
}
