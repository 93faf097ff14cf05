// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorlib

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kdomanski/iso9660"
	"github.com/klauspost/pgzip"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/file"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/prompt"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/safechroot"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/safemount"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/testutils"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/isoeditorapi"
	"github.com/stretchr/testify/require"
)

// fakeMounter "mounts" an ISO by copying a registered directory onto the target, and a block image by creating
// the target directory.
type fakeMounter struct {
	isoTrees    map[string]string
	occupied    map[string]bool
	busyCount   int
	mountCalls  int
	handles     []*fakeMountHandle
	failMountOn string
}

func newFakeMounter() *fakeMounter {
	return &fakeMounter{
		isoTrees: map[string]string{},
		occupied: map[string]bool{},
	}
}

func (m *fakeMounter) MountImage(ctx context.Context, imagePath string, target string, fileSystemType string,
	readOnly bool,
) (MountHandle, error) {
	m.mountCalls++

	if m.failMountOn == imagePath {
		return nil, fmt.Errorf("failed to mount (%s)", imagePath)
	}
	if m.occupied[target] {
		return nil, fmt.Errorf("target (%s) already mounted", target)
	}

	err := os.MkdirAll(target, 0o755)
	if err != nil {
		return nil, err
	}

	if fileSystemType == FileSystemTypeIso9660 {
		treeDir, ok := m.isoTrees[imagePath]
		if !ok {
			return nil, fmt.Errorf("no tree registered for (%s)", imagePath)
		}

		err = file.NewDirCopyBuilder(treeDir, target).Run()
		if err != nil {
			return nil, err
		}
	}

	m.occupied[target] = true
	handle := &fakeMountHandle{
		mounter:   m,
		imagePath: imagePath,
		target:    target,
		readOnly:  readOnly,
		busyLeft:  m.busyCount,
	}
	m.handles = append(m.handles, handle)
	return handle, nil
}

func (m *fakeMounter) IsMounted(path string) (bool, error) {
	return m.occupied[path], nil
}

type fakeMountHandle struct {
	mounter       *fakeMounter
	imagePath     string
	target        string
	readOnly      bool
	busyLeft      int
	releaseCalls  int
	released      bool
	forceReleased bool
}

func (h *fakeMountHandle) Target() string {
	return h.target
}

func (h *fakeMountHandle) Release() error {
	h.releaseCalls++
	if h.busyLeft > 0 {
		h.busyLeft--
		return fmt.Errorf("%w (%s):\n%w", ErrMountBusy, h.target, safemount.ErrBusy)
	}

	h.unmount()
	h.released = true
	return nil
}

func (h *fakeMountHandle) ForceRelease() {
	h.unmount()
	h.forceReleased = true
}

func (h *fakeMountHandle) unmount() {
	file.RemoveDirectoryContents(h.target)
	delete(h.mounter.occupied, h.target)
}

// scriptedPrompter answers prompts from fixed lists. Running out of answers behaves like Ctrl+C.
type scriptedPrompter struct {
	selections    []int
	confirms      []bool
	onPause       func(lines []string) error
	confirmTitles []string
	pauses        [][]string
}

var _ prompt.Prompter = (*scriptedPrompter)(nil)

func (p *scriptedPrompter) Select(ctx context.Context, title string, options []string) (int, error) {
	if ctx.Err() != nil || len(p.selections) == 0 {
		return 0, prompt.ErrInterrupted
	}

	choice := p.selections[0]
	p.selections = p.selections[1:]
	return choice, nil
}

func (p *scriptedPrompter) Confirm(ctx context.Context, title string, defaultYes bool) (bool, error) {
	p.confirmTitles = append(p.confirmTitles, title)
	if ctx.Err() != nil || len(p.confirms) == 0 {
		return false, prompt.ErrInterrupted
	}

	answer := p.confirms[0]
	p.confirms = p.confirms[1:]
	return answer, nil
}

func (p *scriptedPrompter) Pause(ctx context.Context, lines ...string) error {
	p.pauses = append(p.pauses, lines)
	if ctx.Err() != nil {
		return prompt.ErrInterrupted
	}
	if p.onPause != nil {
		return p.onPause(lines)
	}
	return nil
}

func dummyChrootFactory(rootDir string) (safechroot.ChrootInterface, error) {
	return safechroot.NewDummyChroot(rootDir), nil
}

// newTestDir returns an empty directory for the running test.
func newTestDir(t *testing.T) string {
	dir := filepath.Join(tmpDir, strings.ReplaceAll(t.Name(), "/", "_"))
	err := os.RemoveAll(dir)
	require.NoError(t, err)

	err = os.MkdirAll(dir, os.ModePerm)
	require.NoError(t, err)
	return dir
}

func writeGzipFile(t *testing.T, path string, content []byte) {
	err := os.MkdirAll(filepath.Dir(path), os.ModePerm)
	require.NoError(t, err)

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	writer := pgzip.NewWriter(f)
	_, err = writer.Write(content)
	require.NoError(t, err)

	err = writer.Close()
	require.NoError(t, err)
}

func sha256File(t *testing.T, path string) string {
	content, err := os.ReadFile(path)
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func fileSize(t *testing.T, path string) int64 {
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}

// writeTestIso writes an ISO 9660 image holding every regular file under treeDir.
func writeTestIso(t *testing.T, treeDir string, isoPath string) {
	writer, err := iso9660.NewWriter()
	require.NoError(t, err)
	defer writer.Cleanup()

	err = filepath.Walk(treeDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return err
		}

		relPath, err := filepath.Rel(treeDir, path)
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		return writer.AddFile(f, relPath)
	})
	require.NoError(t, err)

	isoFile, err := os.Create(isoPath)
	require.NoError(t, err)
	defer isoFile.Close()

	err = writer.WriteTo(isoFile, "OXT")
	require.NoError(t, err)
}

// sessionFixture is a complete, valid set of session inputs under one test directory. The source ISO is a real
// ISO 9660 image so preflight can parse it, while the fake mounter serves the same tree from disk.
type sessionFixture struct {
	testDir string
	isoTree string
	config  *isoeditorapi.Config
	options *IsoEditorOptions
	mounter *fakeMounter
	backend sessionBackend
}

func newSessionFixture(t *testing.T) *sessionFixture {
	testDir := newTestDir(t)
	isoTree := filepath.Join(testDir, "iso")
	isoPath := filepath.Join(testDir, "installer.iso")

	testutils.WriteTree(t, isoTree, map[string]string{
		"isolinux/isolinux.cfg": "default oxt\n",
		"isolinux/initrd.gz":    "initrd",
		"isolinux/rootfs.gz":    "rootfs",
		"packages.main/XC-PACKAGES": "control 100 " + strings.Repeat("c", 64) + " tarbz2 required /\n" +
			"dom0 10 " + strings.Repeat("a", 64) + " ext3 required /\n",
		"packages.main/XC-REPOSITORY":   "name: OpenXT\npackages: " + strings.Repeat("b", 64) + "\n",
		"packages.main/control.tar.bz2": "control",
	})
	writeGzipFile(t, filepath.Join(isoTree, PackagesDirName, "dom0-rootfs.i686.ext3.gz"), []byte("ext3 image"))
	writeTestIso(t, isoTree, isoPath)

	config := &isoeditorapi.Config{
		WorkDir:      filepath.Join(testDir, "work"),
		KeyDir:       filepath.Join(testDir, "keys"),
		IsoHdpfxPath: filepath.Join(testDir, "isohdpfx.bin"),
		MountPoint:   filepath.Join(testDir, "mnt"),
	}
	config.SetDefaults(testDir)

	testutils.GenerateSigningKeyPair(t, config.SigningCertPath(), config.SigningKeyPath())
	testutils.WriteTree(t, testDir, map[string]string{
		"isohdpfx.bin": "mbr",
	})

	// Writes a placeholder signature to the -out argument.
	testutils.WriteFakeProgram(t, filepath.Join(testDir, "bin"), "openssl",
		"while [ $# -gt 0 ]; do\n"+
			"  if [ \"$1\" = \"-out\" ]; then out=\"$2\"; fi\n"+
			"  shift\n"+
			"done\n"+
			"echo '-----BEGIN PKCS7-----' > \"$out\"")
	testutils.PrependPath(t, filepath.Join(testDir, "bin"))

	mounter := newFakeMounter()
	mounter.isoTrees[isoPath] = isoTree

	return &sessionFixture{
		testDir: testDir,
		isoTree: isoTree,
		config:  config,
		options: &IsoEditorOptions{
			InputIsoPath: isoPath,
			OutputDir:    filepath.Join(testDir, "out"),
			UpdateOnly:   true,
		},
		mounter: mounter,
		backend: sessionBackend{
			mounter:   mounter,
			newChroot: dummyChrootFactory,
		},
	}
}

func (f *sessionFixture) newSession(prompter prompt.Prompter) *Session {
	return newSession(f.config, f.options, prompter, f.backend)
}

func (f *sessionFixture) preflight() *preflight {
	return &preflight{
		config:  f.config,
		options: f.options,
		mounter: f.mounter,
	}
}
