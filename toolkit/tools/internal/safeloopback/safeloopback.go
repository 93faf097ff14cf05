// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package safeloopback

import (
	"context"
	"fmt"
	"strings"

	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/shell"
	"github.com/sirupsen/logrus"
)

// Loopback is a loop device attached to a disk image file.
type Loopback struct {
	devicePath   string
	diskFilePath string
	isAttached   bool
}

// NewLoopback attaches diskFilePath to the first free loop device.
func NewLoopback(ctx context.Context, diskFilePath string, readOnly bool) (*Loopback, error) {
	args := []string{"--find", "--show"}
	if readOnly {
		args = append(args, "--read-only")
	}
	args = append(args, diskFilePath)

	stdout, _, err := shell.NewExecBuilder("losetup", args...).
		Context(ctx).
		LogLevel(logrus.DebugLevel, logrus.DebugLevel).
		ErrorStderrLines(1).
		ExecuteCaptureOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to attach loop device for (%s):\n%w", diskFilePath, err)
	}

	devicePath := strings.TrimSpace(stdout)
	if devicePath == "" {
		return nil, fmt.Errorf("losetup returned no device for (%s)", diskFilePath)
	}

	logger.Log.Debugf("Attached (%s) to (%s)", diskFilePath, devicePath)

	return &Loopback{
		devicePath:   devicePath,
		diskFilePath: diskFilePath,
		isAttached:   true,
	}, nil
}

func (l *Loopback) DevicePath() string {
	return l.devicePath
}

func (l *Loopback) DiskFilePath() string {
	return l.diskFilePath
}

// CleanClose detaches the loop device and reports any failure.
func (l *Loopback) CleanClose() error {
	if !l.isAttached {
		return nil
	}

	err := shell.NewExecBuilder("losetup", "--detach", l.devicePath).
		LogLevel(logrus.DebugLevel, logrus.DebugLevel).
		ErrorStderrLines(1).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to detach loop device (%s):\n%w", l.devicePath, err)
	}

	l.isAttached = false
	return nil
}

// Close detaches the loop device, logging instead of returning errors. Use in defer statements.
func (l *Loopback) Close() {
	err := l.CleanClose()
	if err != nil {
		logger.Log.Warnf("%v", err)
	}
}
