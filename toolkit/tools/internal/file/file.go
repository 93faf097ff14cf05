// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
)

// PathExists reports whether anything exists at path. Symlinks are not followed.
func PathExists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func DirExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// IsFile reports whether path is a regular file.
func IsFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func CommandExists(name string) (bool, error) {
	_, err := exec.LookPath(name)
	if errors.Is(err, exec.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateDestinationDir creates the parent directory of dst.
func CreateDestinationDir(dst string, dirFileMode os.FileMode) error {
	return os.MkdirAll(filepath.Dir(dst), dirFileMode)
}

// GlobSorted returns the matches of pattern in lexical order.
func GlobSorted(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern (%s):\n%w", pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// RemoveDirectoryContents deletes every entry inside dir but keeps dir itself.
func RemoveDirectoryContents(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		err = os.RemoveAll(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
	}
	return nil
}
