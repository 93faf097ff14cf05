// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package tarutils

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/dsnet/compress/bzip2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTarBz2RoundTrip(t *testing.T) {
	sourceDir := filepath.Join(t.TempDir(), "part2")
	assert.NoError(t, os.MkdirAll(filepath.Join(sourceDir, "scripts"), 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(sourceDir, "install.sh"), []byte("#!/bin/sh\n"), 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(sourceDir, "scripts", "01-disk"), []byte("disk"), 0o644))
	assert.NoError(t, os.Symlink("install.sh", filepath.Join(sourceDir, "run")))

	archivePath := filepath.Join(t.TempDir(), "control.tar.bz2")
	err := CreateTarBz2Archive(sourceDir, archivePath)
	assert.NoError(t, err)

	names := readBz2MemberNames(t, archivePath)
	assert.Equal(t, []string{"install.sh", "run", "scripts/", "scripts/01-disk"}, names)

	outputDir := t.TempDir()
	err = ExpandTarBz2Archive(archivePath, outputDir)
	assert.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(outputDir, "scripts", "01-disk"))
	assert.NoError(t, err)
	assert.Equal(t, "disk", string(content))

	info, err := os.Stat(filepath.Join(outputDir, "install.sh"))
	assert.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	link, err := os.Readlink(filepath.Join(outputDir, "run"))
	assert.NoError(t, err)
	assert.Equal(t, "install.sh", link)
}

func TestCreateTarArchiveKeepsMemberPrefix(t *testing.T) {
	baseDir := t.TempDir()
	assert.NoError(t, os.MkdirAll(filepath.Join(baseDir, "packages.main"), 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(baseDir, "packages.main", "XC-PACKAGES"), []byte("x"), 0o644))
	assert.NoError(t, os.WriteFile(filepath.Join(baseDir, "packages.main", "XC-REPOSITORY"), []byte("y"), 0o644))

	archivePath := filepath.Join(t.TempDir(), "update.tar")
	err := CreateTarArchive(baseDir,
		[]string{"packages.main/XC-REPOSITORY", "packages.main/XC-PACKAGES"}, archivePath)
	assert.NoError(t, err)

	f, err := os.Open(archivePath)
	assert.NoError(t, err)
	defer f.Close()

	names := readMemberNames(t, tar.NewReader(f))
	assert.Equal(t, []string{"packages.main/XC-PACKAGES", "packages.main/XC-REPOSITORY"}, names)
}

func TestExpandRejectsTraversal(t *testing.T) {
	archive := bytes.Buffer{}
	bzw, err := bzip2.NewWriter(&archive, nil)
	assert.NoError(t, err)

	tw := tar.NewWriter(bzw)
	assert.NoError(t, tw.WriteHeader(&tar.Header{Name: "../evil", Mode: 0o644, Size: 1, Typeflag: tar.TypeReg}))
	_, err = tw.Write([]byte("x"))
	assert.NoError(t, err)
	assert.NoError(t, tw.Close())
	assert.NoError(t, bzw.Close())

	archivePath := filepath.Join(t.TempDir(), "evil.tar.bz2")
	assert.NoError(t, os.WriteFile(archivePath, archive.Bytes(), 0o644))

	outputDir := filepath.Join(t.TempDir(), "out")
	err = ExpandTarBz2Archive(archivePath, outputDir)
	assert.True(t, errors.Is(err, ErrUnsafePath))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(outputDir), "evil"))
}

type testMember struct {
	header  tar.Header
	content string
}

func writeTestArchive(t *testing.T, members []testMember) string {
	archive := bytes.Buffer{}
	bzw, err := bzip2.NewWriter(&archive, nil)
	require.NoError(t, err)

	tw := tar.NewWriter(bzw)
	for _, member := range members {
		header := member.header
		header.Size = int64(len(member.content))
		require.NoError(t, tw.WriteHeader(&header))
		_, err = tw.Write([]byte(member.content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, bzw.Close())

	archivePath := filepath.Join(t.TempDir(), "control.tar.bz2")
	require.NoError(t, os.WriteFile(archivePath, archive.Bytes(), 0o644))
	return archivePath
}

func TestExpandRejectsWriteThroughEscapingSymlink(t *testing.T) {
	hostDir := t.TempDir()
	archivePath := writeTestArchive(t, []testMember{
		{header: tar.Header{Name: "link", Linkname: hostDir, Mode: 0o777, Typeflag: tar.TypeSymlink}},
		{header: tar.Header{Name: "link/evil", Mode: 0o644, Typeflag: tar.TypeReg}, content: "x"},
	})

	err := ExpandTarBz2Archive(archivePath, filepath.Join(t.TempDir(), "out"))
	assert.ErrorIs(t, err, ErrUnsafePath)
	assert.NoFileExists(t, filepath.Join(hostDir, "evil"))
}

func TestExpandRejectsWriteThroughRelativeEscapingSymlink(t *testing.T) {
	parentDir := t.TempDir()
	archivePath := writeTestArchive(t, []testMember{
		{header: tar.Header{Name: "up", Linkname: "..", Mode: 0o777, Typeflag: tar.TypeSymlink}},
		{header: tar.Header{Name: "up/evil", Mode: 0o644, Typeflag: tar.TypeReg}, content: "x"},
	})

	err := ExpandTarBz2Archive(archivePath, filepath.Join(parentDir, "out"))
	assert.ErrorIs(t, err, ErrUnsafePath)
	assert.NoFileExists(t, filepath.Join(parentDir, "evil"))
}

func TestExpandReplacesSymlinkWithFile(t *testing.T) {
	hostFile := filepath.Join(t.TempDir(), "passwd")
	require.NoError(t, os.WriteFile(hostFile, []byte("root"), 0o644))

	archivePath := writeTestArchive(t, []testMember{
		{header: tar.Header{Name: "passwd", Linkname: hostFile, Mode: 0o777, Typeflag: tar.TypeSymlink}},
		{header: tar.Header{Name: "passwd", Mode: 0o644, Typeflag: tar.TypeReg}, content: "replaced"},
	})

	outputDir := filepath.Join(t.TempDir(), "out")
	err := ExpandTarBz2Archive(archivePath, outputDir)
	require.NoError(t, err)

	content, err := os.ReadFile(hostFile)
	require.NoError(t, err)
	assert.Equal(t, "root", string(content))

	content, err = os.ReadFile(filepath.Join(outputDir, "passwd"))
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(content))
}

func TestExpandFollowsSymlinkInsideRoot(t *testing.T) {
	archivePath := writeTestArchive(t, []testMember{
		{header: tar.Header{Name: "./", Mode: 0o755, Typeflag: tar.TypeDir}},
		{header: tar.Header{Name: "./stages/", Mode: 0o755, Typeflag: tar.TypeDir}},
		{header: tar.Header{Name: "./current", Linkname: "stages", Mode: 0o777, Typeflag: tar.TypeSymlink}},
		{header: tar.Header{Name: "./current/Install-packages", Mode: 0o644, Typeflag: tar.TypeReg}, content: "i"},
	})

	outputDir := filepath.Join(t.TempDir(), "out")
	err := ExpandTarBz2Archive(archivePath, outputDir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(outputDir, "stages", "Install-packages"))
}

func TestCreateFailureKeepsPreviousArchive(t *testing.T) {
	baseDir := t.TempDir()
	archivePath := filepath.Join(t.TempDir(), "control.tar.bz2")
	require.NoError(t, os.WriteFile(archivePath, []byte("previous"), 0o644))

	err := CreateTarArchive(baseDir, []string{"missing"}, archivePath)
	assert.Error(t, err)

	content, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(content))
	assert.NoFileExists(t, archivePath+".partial")
}

func TestCreateReplacesPreviousArchive(t *testing.T) {
	sourceDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "install.sh"), []byte("#!/bin/sh\n"), 0o755))

	archivePath := filepath.Join(t.TempDir(), "control.tar.bz2")
	require.NoError(t, os.WriteFile(archivePath, []byte("previous"), 0o644))

	err := CreateTarBz2Archive(sourceDir, archivePath)
	require.NoError(t, err)
	assert.Equal(t, []string{"install.sh"}, readBz2MemberNames(t, archivePath))
	assert.NoFileExists(t, archivePath+".partial")
}

func TestSafeJoin(t *testing.T) {
	path, err := safeJoin("/root", "a/../b")
	assert.NoError(t, err)
	assert.Equal(t, "/root/b", path)

	path, err = safeJoin("/root", "..data")
	assert.NoError(t, err)
	assert.Equal(t, "/root/..data", path)

	_, err = safeJoin("/root", "/etc/passwd")
	assert.ErrorIs(t, err, ErrUnsafePath)
}

func readBz2MemberNames(t *testing.T, archivePath string) []string {
	f, err := os.Open(archivePath)
	assert.NoError(t, err)
	defer f.Close()

	bzr, err := bzip2.NewReader(f, nil)
	assert.NoError(t, err)
	defer bzr.Close()

	return readMemberNames(t, tar.NewReader(bzr))
}

func readMemberNames(t *testing.T, tr *tar.Reader) []string {
	names := []string(nil)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if !assert.NoError(t, err) {
			break
		}
		names = append(names, header.Name)
	}
	sort.Strings(names)
	return names
}
