// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorlib

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/prompt"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/safechroot"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/testutils"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setUpIpkTest stages two packages for dom0 and puts a fake opkg on PATH that records its arguments and exits
// with exitCode.
func setUpIpkTest(t *testing.T, exitCode int) (stagingDir string, rootDir string, argsPath string) {
	testDir := newTestDir(t)
	stagingDir = filepath.Join(testDir, "staging")
	rootDir = filepath.Join(testDir, "rootfs")
	argsPath = filepath.Join(testDir, "opkg-args")
	binDir := filepath.Join(testDir, "bin")

	testutils.WriteTree(t, stagingDir, map[string]string{
		"dom0/b_2.0_core2-32.ipk": "b",
		"dom0/a_1.0_core2-32.ipk": "a",
		"dom0/README":             "not a package",
	})
	testutils.WriteTree(t, rootDir, map[string]string{
		"etc/opkg.conf": "",
	})

	testutils.WriteFakeProgram(t, binDir, "opkg",
		"echo \"$@\" > '"+argsPath+"'\n"+
			"ls tmp/ipks >> '"+argsPath+"'\n"+
			"echo 'Collected errors:' >&2\n"+
			"exit "+strconv.Itoa(exitCode))
	testutils.PrependPath(t, binDir)

	return stagingDir, rootDir, argsPath
}

func TestFindStagedIpks(t *testing.T) {
	stagingDir, _, _ := setUpIpkTest(t, 0)

	installer := NewIpkInstaller(stagingDir, true, &scriptedPrompter{})
	ipks, err := installer.FindStagedIpks(ComponentDom0)
	assert.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(stagingDir, "dom0", "a_1.0_core2-32.ipk"),
		filepath.Join(stagingDir, "dom0", "b_2.0_core2-32.ipk"),
	}, ipks)
}

func TestFindStagedIpksNoStagingDir(t *testing.T) {
	installer := NewIpkInstaller(filepath.Join(newTestDir(t), "missing"), true, &scriptedPrompter{})
	ipks, err := installer.FindStagedIpks(ComponentDom0)
	assert.NoError(t, err)
	assert.Empty(t, ipks)
}

func TestOfferInstallNothingStaged(t *testing.T) {
	prompter := &scriptedPrompter{}
	installer := NewIpkInstaller(filepath.Join(newTestDir(t), "missing"), true, prompter)

	err := installer.OfferInstall(context.Background(), ComponentDom0, safechroot.NewDummyChroot(newTestDir(t)))
	assert.NoError(t, err)
	assert.Empty(t, prompter.confirmTitles)
}

func TestOfferInstallDeclined(t *testing.T) {
	stagingDir, rootDir, argsPath := setUpIpkTest(t, 0)

	prompter := &scriptedPrompter{confirms: []bool{false}}
	installer := NewIpkInstaller(stagingDir, true, prompter)

	err := installer.OfferInstall(context.Background(), ComponentDom0, safechroot.NewDummyChroot(rootDir))
	assert.NoError(t, err)
	assert.Equal(t, []string{"install?"}, prompter.confirmTitles)
	assert.NoFileExists(t, argsPath)
	assert.NoDirExists(t, filepath.Join(rootDir, chrootIpkDir))
}

func TestOfferInstallInterrupted(t *testing.T) {
	stagingDir, rootDir, argsPath := setUpIpkTest(t, 0)

	installer := NewIpkInstaller(stagingDir, true, &scriptedPrompter{})

	err := installer.OfferInstall(context.Background(), ComponentDom0, safechroot.NewDummyChroot(rootDir))
	assert.ErrorIs(t, err, prompt.ErrInterrupted)
	assert.NoFileExists(t, argsPath)
}

func TestOfferInstallRunsOpkg(t *testing.T) {
	stagingDir, rootDir, argsPath := setUpIpkTest(t, 0)

	prompter := &scriptedPrompter{confirms: []bool{true}}
	installer := NewIpkInstaller(stagingDir, true, prompter)

	err := installer.OfferInstall(context.Background(), ComponentDom0, safechroot.NewDummyChroot(rootDir))
	require.NoError(t, err)

	expected := "install --force-downgrade --force-reinstall --force-depends " +
		"/tmp/ipks/a_1.0_core2-32.ipk /tmp/ipks/b_2.0_core2-32.ipk\n" +
		"a_1.0_core2-32.ipk\n" +
		"b_2.0_core2-32.ipk\n"
	assert.Equal(t, expected, readFile(t, argsPath))
	assert.NoDirExists(t, filepath.Join(rootDir, chrootIpkDir))
}

func TestOfferInstallWithoutForceDepends(t *testing.T) {
	stagingDir, rootDir, argsPath := setUpIpkTest(t, 0)

	installer := NewIpkInstaller(stagingDir, false, &scriptedPrompter{confirms: []bool{true}})

	err := installer.OfferInstall(context.Background(), ComponentDom0, safechroot.NewDummyChroot(rootDir))
	require.NoError(t, err)
	assert.NotContains(t, readFile(t, argsPath), "--force-depends")
}

func TestOfferInstallFailureIsOnlyAWarning(t *testing.T) {
	logs := logMessagesHook.AddSubHook()
	defer logs.Close()

	stagingDir, rootDir, argsPath := setUpIpkTest(t, 1)

	installer := NewIpkInstaller(stagingDir, true, &scriptedPrompter{confirms: []bool{true}})

	err := installer.OfferInstall(context.Background(), ComponentDom0, safechroot.NewDummyChroot(rootDir))
	assert.NoError(t, err)
	assert.FileExists(t, argsPath)
	assert.True(t, logs.HasMessage(logrus.WarnLevel, "unable to install ipks"))
	assert.NoDirExists(t, filepath.Join(rootDir, chrootIpkDir))

	// The rest of the rootfs is left alone.
	assert.FileExists(t, filepath.Join(rootDir, "etc", "opkg.conf"))
}
