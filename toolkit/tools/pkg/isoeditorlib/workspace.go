// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorlib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/file"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/prompt"
	"go.opentelemetry.io/otel"
)

// Workspace is the scratch directory that holds the unpacked ISO tree for one run.
type Workspace struct {
	rootDir    string
	mountPoint string
	mounter    Mounter
	prompter   prompt.Prompter
}

func NewWorkspace(rootDir string, mountPoint string, mounter Mounter, prompter prompt.Prompter) *Workspace {
	return &Workspace{
		rootDir:    rootDir,
		mountPoint: mountPoint,
		mounter:    mounter,
		prompter:   prompter,
	}
}

func (w *Workspace) RootDir() string {
	return w.rootDir
}

// Path joins elem onto the workspace root.
func (w *Workspace) Path(elem ...string) string {
	return filepath.Join(append([]string{w.rootDir}, elem...)...)
}

// Reset deletes any previous workspace and recreates it empty.
func (w *Workspace) Reset() error {
	err := checkNotFileSystemRoot(w.rootDir)
	if err != nil {
		return err
	}

	logger.Log.Debugf("Resetting workspace (%s)", w.rootDir)

	err = os.RemoveAll(w.rootDir)
	if err != nil {
		return fmt.Errorf("failed to delete workspace (%s):\n%w", w.rootDir, err)
	}

	err = os.MkdirAll(w.rootDir, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create workspace (%s):\n%w", w.rootDir, err)
	}

	return nil
}

// Populate copies the whole of the source ISO into the workspace.
func (w *Workspace) Populate(ctx context.Context, sourceImage string) error {
	_, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "populate_workspace")
	defer span.End()

	logger.Log.Infof("Mounting ISO and copying files")

	handle, err := w.mounter.MountImage(ctx, sourceImage, w.mountPoint, FileSystemTypeIso9660, true)
	if err != nil {
		return fmt.Errorf("failed to mount source ISO (%s):\n%w", sourceImage, err)
	}

	// ISO 9660 files are read-only, so the copies need to be made writable.
	copyErr := file.NewDirCopyBuilder(handle.Target(), w.rootDir).
		SetChildFilePermissions(0o644).
		Run()

	releaseErr := releaseMountWithRetry(ctx, handle, w.prompter)
	if releaseErr != nil {
		handle.ForceRelease()
	}

	if copyErr != nil {
		return fmt.Errorf("failed to copy ISO contents into workspace (%s):\n%w", w.rootDir, copyErr)
	}
	if releaseErr != nil {
		return fmt.Errorf("failed to unmount source ISO:\n%w", releaseErr)
	}

	return nil
}

// Destroy deletes the workspace unless preserve is set.
func (w *Workspace) Destroy(preserve bool) error {
	if preserve {
		logger.Log.Infof("Preserving workspace (%s)", w.rootDir)
		return nil
	}

	err := checkNotFileSystemRoot(w.rootDir)
	if err != nil {
		return err
	}

	logger.Log.Debugf("Deleting workspace (%s)", w.rootDir)

	err = os.RemoveAll(w.rootDir)
	if err != nil {
		return fmt.Errorf("failed to delete workspace (%s):\n%w", w.rootDir, err)
	}

	return nil
}

func checkNotFileSystemRoot(dir string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path of (%s):\n%w", dir, err)
	}

	resolved, err := filepath.EvalSymlinks(absDir)
	if err == nil {
		absDir = resolved
	}

	if absDir == "/" {
		return fmt.Errorf("%w (%s)", ErrWorkDirIsRoot, dir)
	}

	return nil
}
