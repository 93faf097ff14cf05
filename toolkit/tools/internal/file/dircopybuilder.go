// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package file

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
)

type FileCopyUpdateMode int

const (
	// Overwrite any existing file.
	FileCopyUpdateModeOverwriteAll FileCopyUpdateMode = iota
	// Fail if there is a conflicting existing file.
	FileCopyUpdateModeFailExisting
	// Skip (leave alone) any conflicting existing files.
	FileCopyUpdateModeSkipExisting
)

type DirCopyBuilder struct {
	// Source directory
	Src string
	// Destination directory
	Dst string
	// How existing files should be handled.
	UpdateMode FileCopyUpdateMode
	// Permissions applied to every copied file. Nil keeps the source permissions.
	ChildFilePermissions *fs.FileMode
}

func NewDirCopyBuilder(src string, dst string) DirCopyBuilder {
	return DirCopyBuilder{
		Src: src,
		Dst: dst,
	}
}

func (b DirCopyBuilder) SetUpdateMode(updateMode FileCopyUpdateMode) DirCopyBuilder {
	b.UpdateMode = updateMode
	return b
}

// SetChildFilePermissions forces the mode of copied files. Read-only media such as an ISO otherwise yields
// read-only copies.
func (b DirCopyBuilder) SetChildFilePermissions(perm fs.FileMode) DirCopyBuilder {
	b.ChildFilePermissions = &perm
	return b
}

// Run copies the contents of Src into Dst. Dst is created if needed.
func (b DirCopyBuilder) Run() error {
	logger.Log.Debugf("Copying directory (%s) to (%s)", b.Src, b.Dst)

	return filepath.WalkDir(b.Src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("failed to walk (%s):\n%w", path, walkErr)
		}

		relPath, err := filepath.Rel(b.Src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(b.Dst, relPath)

		switch {
		case d.IsDir():
			// Directories from read-only media need to stay writable for the rest of the copy.
			err = os.MkdirAll(target, 0o755)
			if err != nil {
				return fmt.Errorf("failed to create directory (%s):\n%w", target, err)
			}
			return nil

		case d.Type()&fs.ModeSymlink != 0:
			return b.copySymlink(path, target)

		case d.Type().IsRegular():
			return b.copyFile(path, target)

		default:
			logger.Log.Warnf("Skipping special file (%s)", path)
			return nil
		}
	})
}

func (b DirCopyBuilder) copyFile(src string, dst string) error {
	skip, err := b.resolveExisting(dst)
	if err != nil || skip {
		return err
	}

	copier := NewFileCopyBuilder(src, dst).PreserveTimes()
	if b.ChildFilePermissions != nil {
		copier = copier.SetFileMode(*b.ChildFilePermissions)
	}
	return copier.Run()
}

func (b DirCopyBuilder) copySymlink(src string, dst string) error {
	skip, err := b.resolveExisting(dst)
	if err != nil || skip {
		return err
	}

	link, err := os.Readlink(src)
	if err != nil {
		return fmt.Errorf("failed to read symlink (%s):\n%w", src, err)
	}

	err = os.Remove(dst)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to replace (%s):\n%w", dst, err)
	}

	err = os.Symlink(link, dst)
	if err != nil {
		return fmt.Errorf("failed to copy symlink (%s):\n%w", src, err)
	}
	return nil
}

func (b DirCopyBuilder) resolveExisting(dst string) (skip bool, err error) {
	exists, err := PathExists(dst)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	switch b.UpdateMode {
	case FileCopyUpdateModeFailExisting:
		return false, fmt.Errorf("destination file (%s) already exists", dst)
	case FileCopyUpdateModeSkipExisting:
		return true, nil
	default:
		return false, nil
	}
}
