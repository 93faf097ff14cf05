// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorlib

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/processes"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/prompt"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/safeloopback"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/safemount"
	"golang.org/x/sys/unix"
)

const (
	FileSystemTypeIso9660 = "iso9660"
)

// Mounter exposes disk images as directory trees.
type Mounter interface {
	MountImage(ctx context.Context, imagePath string, target string, fileSystemType string, readOnly bool,
	) (MountHandle, error)
	IsMounted(path string) (bool, error)
}

// MountHandle is one live mount.
type MountHandle interface {
	Target() string
	// Release unmounts. A still-busy mount returns an error wrapping ErrMountBusy and the handle stays live.
	Release() error
	// ForceRelease detaches lazily when the mount is busy. Errors are logged.
	ForceRelease()
}

// LoopMounter attaches images to loop devices and mounts them.
type LoopMounter struct{}

func NewLoopMounter() *LoopMounter {
	return &LoopMounter{}
}

func (m *LoopMounter) MountImage(ctx context.Context, imagePath string, target string, fileSystemType string,
	readOnly bool,
) (MountHandle, error) {
	loopback, err := safeloopback.NewLoopback(ctx, imagePath, readOnly)
	if err != nil {
		return nil, err
	}

	flags := uintptr(0)
	if readOnly {
		flags |= unix.MS_RDONLY
	}

	mount, err := safemount.NewMount(loopback.DevicePath(), target, fileSystemType, flags, "", false)
	if err != nil {
		loopback.Close()
		return nil, err
	}

	return &loopMountHandle{
		loopback: loopback,
		mount:    mount,
	}, nil
}

func (m *LoopMounter) IsMounted(path string) (bool, error) {
	return safemount.IsMounted(path)
}

type loopMountHandle struct {
	loopback *safeloopback.Loopback
	mount    *safemount.Mount
}

func (h *loopMountHandle) Target() string {
	return h.mount.Target()
}

func (h *loopMountHandle) Release() error {
	err := h.mount.CleanClose()
	if errors.Is(err, safemount.ErrBusy) {
		return fmt.Errorf("%w (%s):\n%w", ErrMountBusy, h.mount.Target(), err)
	}
	if err != nil {
		return err
	}

	return h.loopback.CleanClose()
}

func (h *loopMountHandle) ForceRelease() {
	h.mount.Close()
	h.loopback.Close()
}

// releaseMountWithRetry unmounts handle, asking the operator to close whatever holds the mount for as long as it
// stays busy. Only an interrupt or a non-busy failure ends the loop early.
func releaseMountWithRetry(ctx context.Context, handle MountHandle, prompter prompt.Prompter) error {
	for {
		err := handle.Release()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrMountBusy) {
			return err
		}

		logger.Log.Warnf("Mount point (%s) still in use", handle.Target())
		logProcessesUsingMount(ctx, handle.Target())

		if ctx.Err() != nil {
			return fmt.Errorf("%w:\n%w", err, ctx.Err())
		}

		err = prompter.Pause(ctx,
			fmt.Sprintf("mountpoint %s still in use.", handle.Target()),
			"press [enter] to try again",
		)
		if err != nil {
			return fmt.Errorf("%w (%s):\n%w", ErrMountBusy, handle.Target(), err)
		}
	}
}

func logProcessesUsingMount(ctx context.Context, target string) {
	records, err := processes.GetProcessesUsingPath(ctx, target)
	if err != nil {
		logger.Log.Debugf("Failed to list processes using (%s):\n%v", target, err)
		return
	}

	if len(records) == 0 {
		return
	}

	names := make([]string, 0, len(records))
	for _, record := range records {
		names = append(names, record.String())
	}
	logger.Log.Warnf("Processes using (%s): %s", target, strings.Join(names, ", "))
}
