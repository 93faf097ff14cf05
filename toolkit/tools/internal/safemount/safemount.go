// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package safemount

import (
	"errors"
	"fmt"
	"os"

	"github.com/moby/sys/mountinfo"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
	"golang.org/x/sys/unix"
)

// ErrBusy is returned by CleanClose when a process is still using the mount.
var ErrBusy = errors.New("mount point is busy")

// Mount is an active mount that remembers whether it created its target directory.
type Mount struct {
	source     string
	target     string
	isMounted  bool
	dirCreated bool
}

func NewMount(source string, target string, fstype string, flags uintptr, data string, makeAndDeleteDir bool,
) (*Mount, error) {
	mount := &Mount{
		source: source,
		target: target,
	}

	err := mount.attach(fstype, flags, data, makeAndDeleteDir)
	if err != nil {
		mount.Close()
		return nil, err
	}

	return mount, nil
}

func (m *Mount) attach(fstype string, flags uintptr, data string, makeAndDeleteDir bool) error {
	if makeAndDeleteDir {
		_, err := os.Stat(m.target)
		if errors.Is(err, os.ErrNotExist) {
			err = os.MkdirAll(m.target, 0o755)
			if err != nil {
				return fmt.Errorf("failed to create mount directory (%s):\n%w", m.target, err)
			}
			m.dirCreated = true
		} else if err != nil {
			return fmt.Errorf("failed to stat mount directory (%s):\n%w", m.target, err)
		}
	}

	logger.Log.Debugf("Mounting (%s) to (%s)", m.source, m.target)

	err := unix.Mount(m.source, m.target, fstype, flags, data)
	if err != nil {
		return fmt.Errorf("failed to mount (%s) to (%s):\n%w", m.source, m.target, err)
	}

	m.isMounted = true
	return nil
}

func (m *Mount) Source() string {
	return m.source
}

func (m *Mount) Target() string {
	return m.target
}

// CleanClose unmounts the target. If something is still holding the mount, the returned error wraps ErrBusy and
// the Mount stays valid so the caller can retry.
func (m *Mount) CleanClose() error {
	if m.isMounted {
		logger.Log.Debugf("Unmounting (%s)", m.target)

		err := unix.Unmount(m.target, 0)
		if errors.Is(err, unix.EBUSY) {
			return fmt.Errorf("failed to unmount (%s):\n%w", m.target, ErrBusy)
		}
		if err != nil {
			return fmt.Errorf("failed to unmount (%s):\n%w", m.target, err)
		}

		m.isMounted = false
	}

	if m.dirCreated {
		err := os.Remove(m.target)
		if err != nil {
			return fmt.Errorf("failed to delete mount directory (%s):\n%w", m.target, err)
		}

		m.dirCreated = false
	}

	return nil
}

// Close unmounts the target, falling back to a lazy unmount when the target is busy. Use in defer statements.
func (m *Mount) Close() {
	err := m.CleanClose()
	if err == nil {
		return
	}

	if errors.Is(err, ErrBusy) {
		logger.Log.Warnf("Mount (%s) is busy, detaching lazily", m.target)

		err = unix.Unmount(m.target, unix.MNT_DETACH)
		if err == nil {
			m.isMounted = false
			return
		}
	}

	logger.Log.Warnf("Failed to clean up mount (%s):\n%v", m.target, err)
}

// IsMounted reports whether path is the root of a mount.
func IsMounted(path string) (bool, error) {
	mounted, err := mountinfo.Mounted(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check whether (%s) is a mount point:\n%w", path, err)
	}
	return mounted, nil
}
