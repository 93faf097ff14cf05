// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorlib

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/testutils"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/isoeditorapi"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigResolvesRelativeToConfigFile(t *testing.T) {
	testDir := newTestDir(t)
	configFile := filepath.Join(testDir, "config", "editor.yaml")
	testutils.WriteTree(t, testDir, map[string]string{
		"config/editor.yaml": "keyDir: keys\n" +
			"ipkStagingDir: /srv/ipks\n" +
			"volumeId: OpenXT Test\n" +
			"components:\n" +
			"  dom0:\n" +
			"    fileSystemType: ext4\n",
	})

	config, err := loadConfig(IsoEditorOptions{
		ConfigFile:   configFile,
		BuildDir:     filepath.Join(testDir, "build"),
		DebugWorkDir: true,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(testDir, "config", "keys"), config.KeyDir)
	assert.Equal(t, "/srv/ipks", config.IpkStagingDir)
	assert.Equal(t, filepath.Join(testDir, "build"), config.WorkDir)
	assert.Equal(t, "OpenXT Test", config.VolumeId)
	assert.Equal(t, "ext4", config.Components.Dom0.FileSystemType)
	assert.Equal(t, isoeditorapi.DefaultDom0ImageGlob, config.Components.Dom0.ImageGlob)
	assert.True(t, config.DebugWorkDir)
	assert.Equal(t, filepath.Join(workingDir, isoeditorapi.DefaultIsoHdpfxPath), config.IsoHdpfxPath)
}

func TestLoadConfigDefaults(t *testing.T) {
	config, err := loadConfig(IsoEditorOptions{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(workingDir, isoeditorapi.DefaultWorkDirName), config.WorkDir)
	assert.Equal(t, isoeditorapi.DefaultMountPoint, config.MountPoint)
	assert.False(t, config.DebugWorkDir)
}

func TestLoadConfigInvalidFile(t *testing.T) {
	testDir := newTestDir(t)
	testutils.WriteTree(t, testDir, map[string]string{
		"editor.yaml": "mountPoint: relative/mnt\n",
	})

	_, err := loadConfig(IsoEditorOptions{ConfigFile: filepath.Join(testDir, "editor.yaml")})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEditIsoInvalidOptions(t *testing.T) {
	fixture := newSessionFixture(t)

	err := editIso(context.Background(), fixture.config, IsoEditorOptions{OutputDir: "out"}, &scriptedPrompter{},
		fixture.backend)
	assert.ErrorIs(t, err, ErrInvalidOptions)
	assert.Equal(t, 0, fixture.mounter.mountCalls)
}

func TestEditIsoSucceeds(t *testing.T) {
	logs := logMessagesHook.AddSubHook()
	defer logs.Close()

	fixture := newSessionFixture(t)

	err := editIso(context.Background(), fixture.config, *fixture.options, &scriptedPrompter{selections: []int{3}},
		fixture.backend)
	require.NoError(t, err)
	assert.True(t, logs.HasMessage(logrus.InfoLevel, "Success!"))

	_, err = os.Stat(filepath.Join(fixture.options.OutputDir, OutputUpdateArchiveName))
	assert.NoError(t, err)
}

func TestIsoEditorOptionsOutputs(t *testing.T) {
	options := IsoEditorOptions{}
	assert.True(t, options.BuildIso())
	assert.False(t, options.BuildUpdateArchive())

	options.UpdateTar = true
	assert.True(t, options.BuildIso())
	assert.True(t, options.BuildUpdateArchive())

	options = IsoEditorOptions{UpdateOnly: true}
	assert.False(t, options.BuildIso())
	assert.True(t, options.BuildUpdateArchive())
}
