// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package safechroot

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/file"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/shell"
)

// ChrootInterface runs programs against a root filesystem tree.
type ChrootInterface interface {
	RootDir() string
	Command(program string, args ...string) shell.ExecBuilder
}

// Chroot runs each program with its root directory switched to rootDir. The calling process's own root is never
// changed, so there is nothing to restore afterwards.
type Chroot struct {
	rootDir string
}

func NewChroot(rootDir string) (*Chroot, error) {
	exists, err := file.DirExists(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to check chroot directory (%s):\n%w", rootDir, err)
	}
	if !exists {
		return nil, fmt.Errorf("chroot directory (%s) does not exist", rootDir)
	}

	absRootDir, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path of (%s):\n%w", rootDir, err)
	}

	return &Chroot{rootDir: absRootDir}, nil
}

func (c *Chroot) RootDir() string {
	return c.rootDir
}

func (c *Chroot) Command(program string, args ...string) shell.ExecBuilder {
	return shell.NewExecBuilder(program, args...).Chroot(c.rootDir)
}

// DummyChroot runs programs on the host with the working directory set to the root. Used by tests that can't
// run as root.
type DummyChroot struct {
	rootDir string
}

func NewDummyChroot(rootDir string) *DummyChroot {
	return &DummyChroot{rootDir: rootDir}
}

func (d *DummyChroot) RootDir() string {
	return d.rootDir
}

func (d *DummyChroot) Command(program string, args ...string) shell.ExecBuilder {
	return shell.NewExecBuilder(program, args...).WorkingDirectory(d.rootDir)
}

// CopyFilesIn copies files into destDir, a path inside the chroot. It returns the in-chroot paths of the copies.
func CopyFilesIn(chroot ChrootInterface, destDir string, files []string) ([]string, error) {
	hostDestDir := filepath.Join(chroot.RootDir(), destDir)
	err := os.MkdirAll(hostDestDir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory (%s):\n%w", hostDestDir, err)
	}

	chrootPaths := make([]string, 0, len(files))
	for _, src := range files {
		name := filepath.Base(src)
		err = file.NewFileCopyBuilder(src, filepath.Join(hostDestDir, name)).Run()
		if err != nil {
			return nil, fmt.Errorf("failed to copy (%s) into chroot:\n%w", src, err)
		}
		chrootPaths = append(chrootPaths, filepath.Join(destDir, name))
	}

	return chrootPaths, nil
}
