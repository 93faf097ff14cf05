// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package file

import (
	"fmt"
	"io"
	"os"

	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
)

// FileCopyBuilder copies one regular file. The copy is written next to the destination and renamed into place,
// so a failed copy never leaves a truncated file behind.
type FileCopyBuilder struct {
	src           string
	dst           string
	dirMode       os.FileMode
	fileMode      *os.FileMode
	preserveTimes bool
}

func NewFileCopyBuilder(src string, dst string) FileCopyBuilder {
	return FileCopyBuilder{
		src:     src,
		dst:     dst,
		dirMode: 0o755,
	}
}

// SetFileMode forces the permissions of the copy instead of keeping the source's.
func (b FileCopyBuilder) SetFileMode(fileMode os.FileMode) FileCopyBuilder {
	b.fileMode = &fileMode
	return b
}

// PreserveTimes gives the copy the source's modification time.
func (b FileCopyBuilder) PreserveTimes() FileCopyBuilder {
	b.preserveTimes = true
	return b
}

func (b FileCopyBuilder) Run() (err error) {
	logger.Log.Tracef("Copying (%s) to (%s)", b.src, b.dst)

	srcInfo, err := os.Stat(b.src)
	if err != nil {
		return fmt.Errorf("failed to read source file info (%s):\n%w", b.src, err)
	}
	if !srcInfo.Mode().IsRegular() {
		return fmt.Errorf("source (%s) is not a regular file", b.src)
	}

	mode := srcInfo.Mode().Perm()
	if b.fileMode != nil {
		mode = *b.fileMode
	}

	srcFile, err := os.Open(b.src)
	if err != nil {
		return fmt.Errorf("failed to open source file (%s):\n%w", b.src, err)
	}
	defer srcFile.Close()

	err = CreateDestinationDir(b.dst, b.dirMode)
	if err != nil {
		return fmt.Errorf("failed to create destination directory (%s):\n%w", b.dst, err)
	}

	tempPath := b.dst + ".partial"
	tempFile, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("failed to create destination file (%s):\n%w", tempPath, err)
	}
	defer func() {
		if tempFile != nil {
			tempFile.Close()
		}
		if err != nil {
			os.Remove(tempPath)
		}
	}()

	// OpenFile is subject to umask.
	err = tempFile.Chmod(mode)
	if err != nil {
		return fmt.Errorf("failed to set permissions of (%s):\n%w", tempPath, err)
	}

	_, err = io.Copy(tempFile, srcFile)
	if err != nil {
		return fmt.Errorf("failed to copy (%s):\n%w", b.src, err)
	}

	err = tempFile.Close()
	tempFile = nil
	if err != nil {
		return fmt.Errorf("failed to finalize (%s):\n%w", tempPath, err)
	}

	if b.preserveTimes {
		err = os.Chtimes(tempPath, srcInfo.ModTime(), srcInfo.ModTime())
		if err != nil {
			return fmt.Errorf("failed to set times of (%s):\n%w", tempPath, err)
		}
	}

	err = os.Rename(tempPath, b.dst)
	if err != nil {
		return fmt.Errorf("failed to move (%s) into place:\n%w", b.dst, err)
	}

	return nil
}
