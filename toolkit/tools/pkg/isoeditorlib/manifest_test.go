// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorlib

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/testutils"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	hashA = strings.Repeat("a", 64)
	hashB = strings.Repeat("b", 64)
	hashC = strings.Repeat("c", 64)
	hashE = strings.Repeat("e", 64)
)

func writeManifestFixture(t *testing.T, packagesDir string, packages string, repository string) {
	testutils.WriteTree(t, packagesDir, map[string]string{
		PackagesManifestName:   packages,
		RepositoryManifestName: repository,
	})
}

func readFile(t *testing.T, path string) string {
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(content)
}

func TestParseManifestEntry(t *testing.T) {
	entry, err := parseManifestEntry("dom0 12345 " + hashA + " ext3 required /\n")
	assert.NoError(t, err)
	assert.Equal(t, "dom0", entry.Name)
	assert.Equal(t, int64(12345), entry.Length)
	assert.Equal(t, hashA, entry.Hash)
	assert.Equal(t, []string{"ext3", "required", "/"}, entry.Rest)
}

func TestParseManifestEntryMalformed(t *testing.T) {
	_, err := parseManifestEntry("dom0 12345\n")
	assert.ErrorIs(t, err, ErrManifestMalformedEntry)

	_, err = parseManifestEntry("dom0 abc " + hashA + "\n")
	assert.ErrorIs(t, err, ErrManifestMalformedEntry)

	_, err = parseManifestEntry("dom0 12345 nothex\n")
	assert.ErrorIs(t, err, ErrManifestMalformedEntry)
}

func TestUpdateComponentRewritesMatchingLine(t *testing.T) {
	packagesDir := newTestDir(t)

	artifactPath := filepath.Join(packagesDir, "dom0-rootfs.i686.ext3.gz")
	err := os.WriteFile(artifactPath, []byte(strings.Repeat("x", 12400)), 0o644)
	require.NoError(t, err)

	newHash := sha256File(t, artifactPath)

	writeManifestFixture(t, packagesDir,
		"control 100 "+hashC+" tarbz2 required /\n"+
			"dom0 12345 "+hashA+" ext3 required /\n"+
			"uivm 555 "+hashE+" vhd none /storage/uivm/uivm.vhd\n",
		"packages: "+hashB+"\n")

	chain := NewManifestChain(packagesDir)
	entry, err := chain.UpdateComponent("dom0")
	require.NoError(t, err)
	assert.Equal(t, int64(12400), entry.Length)
	assert.Equal(t, newHash, entry.Hash)

	expected := "control 100 " + hashC + " tarbz2 required /\n" +
		"dom0 12400 " + newHash + " ext3 required /\n" +
		"uivm 555 " + hashE + " vhd none /storage/uivm/uivm.vhd\n"
	assert.Equal(t, expected, readFile(t, chain.PackagesManifestPath()))
}

func TestUpdateComponentMatchesArtifactOnDisk(t *testing.T) {
	packagesDir := newTestDir(t)

	controlPath := filepath.Join(packagesDir, "control.tar.bz2")
	err := os.WriteFile(controlPath, []byte("control archive contents"), 0o644)
	require.NoError(t, err)

	writeManifestFixture(t, packagesDir, "control 1 "+hashC+" tarbz2 required /\n", "packages: "+hashB+"\n")

	chain := NewManifestChain(packagesDir)
	_, err = chain.UpdateComponent("control")
	require.NoError(t, err)

	line := strings.TrimSpace(readFile(t, chain.PackagesManifestPath()))
	entry, err := parseManifestEntry(line)
	require.NoError(t, err)
	assert.Equal(t, fileSize(t, controlPath), entry.Length)
	assert.Equal(t, sha256File(t, controlPath), entry.Hash)
}

func TestUpdateComponentIsIdempotent(t *testing.T) {
	packagesDir := newTestDir(t)

	err := os.WriteFile(filepath.Join(packagesDir, "dom0-rootfs.ext3.gz"), []byte("dom0"), 0o644)
	require.NoError(t, err)

	writeManifestFixture(t, packagesDir, "dom0 1 "+hashA+" ext3 required /\nuivm 2 "+hashE+" vhd none /\n",
		"packages: "+hashB+"\n")

	chain := NewManifestChain(packagesDir)
	_, err = chain.UpdateComponent("dom0")
	require.NoError(t, err)
	first := readFile(t, chain.PackagesManifestPath())

	_, err = chain.UpdateComponent("dom0")
	require.NoError(t, err)
	assert.Equal(t, first, readFile(t, chain.PackagesManifestPath()))
}

func TestUpdateComponentLeavesOtherLinesAlone(t *testing.T) {
	packagesDir := newTestDir(t)

	err := os.WriteFile(filepath.Join(packagesDir, "dom0-rootfs.ext3.gz"), []byte("dom0"), 0o644)
	require.NoError(t, err)

	// The other lines carry the same old length and hash but a different key.
	otherLines := "uivm 12345 " + hashA + " vhd none /storage/uivm/uivm.vhd\n" +
		"ndvm   12345\t" + hashA + " vhd none /storage/ndvm/ndvm.vhd\n"
	writeManifestFixture(t, packagesDir, otherLines+"dom0 12345 "+hashA+" ext3 required /\n",
		"packages: "+hashB+"\n")

	chain := NewManifestChain(packagesDir)
	_, err = chain.UpdateComponent("dom0")
	require.NoError(t, err)

	content := readFile(t, chain.PackagesManifestPath())
	assert.True(t, strings.HasPrefix(content, otherLines))
	assert.NotContains(t, strings.TrimPrefix(content, otherLines), hashA)
}

func TestUpdateComponentNoArtifact(t *testing.T) {
	packagesDir := newTestDir(t)
	writeManifestFixture(t, packagesDir, "dom0 1 "+hashA+" ext3 required /\n", "packages: "+hashB+"\n")

	_, err := NewManifestChain(packagesDir).UpdateComponent("dom0")
	assert.ErrorIs(t, err, ErrManifestNoArtifact)
}

func TestUpdateComponentAmbiguousArtifact(t *testing.T) {
	packagesDir := newTestDir(t)
	testutils.WriteTree(t, packagesDir, map[string]string{
		"dom0-rootfs.ext3.gz":     "a",
		"dom0-rootfs.ext3.gz.bak": "b",
	})
	writeManifestFixture(t, packagesDir, "dom0 1 "+hashA+" ext3 required /\n", "packages: "+hashB+"\n")

	_, err := NewManifestChain(packagesDir).UpdateComponent("dom0")
	assert.ErrorIs(t, err, ErrManifestAmbiguousArtifact)
}

func TestUpdateComponentNoEntry(t *testing.T) {
	packagesDir := newTestDir(t)
	testutils.WriteTree(t, packagesDir, map[string]string{
		"control.tar.bz2": "control",
	})
	writeManifestFixture(t, packagesDir, "dom0 1 "+hashA+" ext3 required /\n", "packages: "+hashB+"\n")

	chain := NewManifestChain(packagesDir)
	before := readFile(t, chain.PackagesManifestPath())

	_, err := chain.UpdateComponent("control")
	assert.ErrorIs(t, err, ErrManifestNoEntry)
	assert.Equal(t, before, readFile(t, chain.PackagesManifestPath()))
}

func TestUpdateComponentWarnsOnTokenCollision(t *testing.T) {
	logs := logMessagesHook.AddSubHook()
	defer logs.Close()

	packagesDir := newTestDir(t)
	testutils.WriteTree(t, packagesDir, map[string]string{
		"dom0-rootfs.ext3.gz": "dom0",
	})
	writeManifestFixture(t, packagesDir, "dom0 7 "+hashA+" ext3 7 /\n", "packages: "+hashB+"\n")

	_, err := NewManifestChain(packagesDir).UpdateComponent("dom0")
	require.NoError(t, err)
	assert.True(t, logs.HasMessage(logrus.WarnLevel, "appears 2 times"))
}

func TestUpdateRepository(t *testing.T) {
	packagesDir := newTestDir(t)
	packages := "dom0 1 " + hashA + " ext3 required /\n"
	writeManifestFixture(t, packagesDir, packages,
		"name: xc-main\npackages: "+hashC+"\nother: "+hashC+"\n")

	chain := NewManifestChain(packagesDir)
	newHash, err := chain.UpdateRepository()
	require.NoError(t, err)

	expectedHash := sha256File(t, chain.PackagesManifestPath())
	assert.Equal(t, expectedHash, newHash)
	assert.Equal(t, "name: xc-main\npackages: "+expectedHash+"\nother: "+hashC+"\n",
		readFile(t, chain.RepositoryManifestPath()))
}

func TestUpdateRepositoryAfterComponentUpdates(t *testing.T) {
	packagesDir := newTestDir(t)
	testutils.WriteTree(t, packagesDir, map[string]string{
		"dom0-rootfs.ext3.gz": "new dom0",
		"control.tar.bz2":     "new control",
	})
	writeManifestFixture(t, packagesDir,
		"control 1 "+hashC+" tarbz2 required /\ndom0 1 "+hashA+" ext3 required /\n",
		"packages: "+hashB+"\n")

	chain := NewManifestChain(packagesDir)
	for _, key := range []string{"dom0", "control", "dom0"} {
		_, err := chain.UpdateComponent(key)
		require.NoError(t, err)

		_, err = chain.UpdateRepository()
		require.NoError(t, err)

		hash, err := readRepositoryPackagesHash(chain.RepositoryManifestPath())
		require.NoError(t, err)
		assert.Equal(t, sha256File(t, chain.PackagesManifestPath()), hash)
	}
}

func TestUpdateRepositoryNoPackagesLine(t *testing.T) {
	packagesDir := newTestDir(t)
	writeManifestFixture(t, packagesDir, "dom0 1 "+hashA+" ext3 required /\n", "name: xc-main\n")

	_, err := NewManifestChain(packagesDir).UpdateRepository()
	assert.ErrorIs(t, err, ErrManifestNoRepositoryLine)
}

func TestUpdateRepositoryMalformedHash(t *testing.T) {
	packagesDir := newTestDir(t)
	writeManifestFixture(t, packagesDir, "dom0 1 "+hashA+" ext3 required /\n", "packages: 1234\n")

	_, err := NewManifestChain(packagesDir).UpdateRepository()
	assert.ErrorIs(t, err, ErrManifestMalformedEntry)
}

func TestReplaceTokensKeepsSeparators(t *testing.T) {
	line := "dom0\t 5  " + hashA + " rest\n"
	replaced := replaceTokens(line, map[string]string{"5": "6", hashA: hashB})
	assert.Equal(t, "dom0\t 6  "+hashB+" rest\n", replaced)
}
