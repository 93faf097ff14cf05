// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorlib

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/prompt"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReleaseMountWithRetryWaitsForOperator(t *testing.T) {
	logs := logMessagesHook.AddSubHook()
	defer logs.Close()

	mounter := newFakeMounter()
	mounter.busyCount = 3

	handle, err := mounter.MountImage(context.Background(), "dom0.ext3", filepath.Join(newTestDir(t), "mnt"),
		"ext3", false)
	require.NoError(t, err)

	prompter := &scriptedPrompter{}
	err = releaseMountWithRetry(context.Background(), handle, prompter)
	assert.NoError(t, err)

	fakeHandle := handle.(*fakeMountHandle)
	assert.Equal(t, 4, fakeHandle.releaseCalls)
	assert.True(t, fakeHandle.released)
	assert.Len(t, prompter.pauses, 3)
	assert.Contains(t, prompter.pauses[0][0], "still in use")
	assert.True(t, logs.HasMessage(logrus.WarnLevel, "still in use"))
}

func TestReleaseMountWithRetryInterrupted(t *testing.T) {
	mounter := newFakeMounter()
	mounter.busyCount = 100

	handle, err := mounter.MountImage(context.Background(), "dom0.ext3", filepath.Join(newTestDir(t), "mnt"),
		"ext3", false)
	require.NoError(t, err)

	pauses := 0
	prompter := &scriptedPrompter{
		onPause: func(lines []string) error {
			pauses++
			if pauses == 2 {
				return prompt.ErrInterrupted
			}
			return nil
		},
	}

	err = releaseMountWithRetry(context.Background(), handle, prompter)
	assert.ErrorIs(t, err, ErrMountBusy)
	assert.ErrorIs(t, err, prompt.ErrInterrupted)
	assert.False(t, handle.(*fakeMountHandle).released)
}

func TestReleaseMountWithRetryCanceledContext(t *testing.T) {
	mounter := newFakeMounter()
	mounter.busyCount = 1

	handle, err := mounter.MountImage(context.Background(), "dom0.ext3", filepath.Join(newTestDir(t), "mnt"),
		"ext3", false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	prompter := &scriptedPrompter{}
	err = releaseMountWithRetry(ctx, handle, prompter)
	assert.ErrorIs(t, err, ErrMountBusy)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, prompter.pauses)
}
