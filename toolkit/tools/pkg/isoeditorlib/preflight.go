// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorlib

import (
	"context"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/kdomanski/iso9660"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/file"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/isogenerator"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/isoeditorapi"
	"go.opentelemetry.io/otel"
)

const (
	minimumKeyDirPemFiles     = 2
	sessionLockSuffix         = ".lock"
	isoLevel1DirNameMaxLength = 8
)

var requiredHostTools = []string{"losetup", "cpio", "openssl", "xorriso"}

// preflight checks everything that can be checked before the workspace is touched.
type preflight struct {
	config  *isoeditorapi.Config
	options *IsoEditorOptions
	mounter Mounter
	// Root and host tool checks. Off in unprivileged tests.
	checkHost bool
}

func (p *preflight) run(ctx context.Context) error {
	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "preflight")
	defer span.End()

	if p.checkHost {
		err := checkHostEnvironment(ctx, p.options.BuildIso())
		if err != nil {
			return err
		}
	}

	checks := []func() error{
		func() error { return checkSourceImage(p.options.InputIsoPath) },
		func() error { return checkOutputDir(p.options.OutputDir) },
		func() error { return checkNotFileSystemRoot(p.config.WorkDir) },
		func() error { return checkKeyDir(p.config) },
		func() error { return checkIsoHdpfx(p.config.IsoHdpfxPath) },
		func() error { return checkMountPoint(p.mounter, p.config.MountPoint) },
	}
	for _, check := range checks {
		err := check()
		if err != nil {
			return err
		}
	}

	return nil
}

func checkHostEnvironment(ctx context.Context, buildIso bool) error {
	if os.Geteuid() != 0 {
		return ErrToolNotRunAsRoot
	}

	for _, tool := range requiredHostTools {
		exists, err := file.CommandExists(tool)
		if err != nil {
			return fmt.Errorf("failed to look for (%s):\n%w", tool, err)
		}
		if !exists {
			return fmt.Errorf("%w (%s)", ErrToolMissing, tool)
		}
	}

	if !buildIso {
		return nil
	}

	xorrisoVersion, err := isogenerator.XorrisoVersion(ctx)
	if err != nil {
		return err
	}
	if xorrisoVersion.Lt(isogenerator.MinimumXorrisoVersion) {
		return fmt.Errorf("%w (xorriso %s is older than %s)", ErrToolMissing, xorrisoVersion,
			isogenerator.MinimumXorrisoVersion)
	}

	return nil
}

func checkSourceImage(isoPath string) error {
	isFile, err := file.IsFile(isoPath)
	if err != nil {
		return fmt.Errorf("failed to check source ISO (%s):\n%w", isoPath, err)
	}
	if !isFile {
		return fmt.Errorf("%w (%s)", ErrSourceImageMissing, isoPath)
	}

	f, err := os.Open(isoPath)
	if err != nil {
		return fmt.Errorf("%w (%s):\n%w", ErrSourceImageNotIso, isoPath, err)
	}
	defer f.Close()

	image, err := iso9660.OpenImage(f)
	if err != nil {
		return fmt.Errorf("%w (%s):\n%w", ErrSourceImageNotIso, isoPath, err)
	}

	root, err := image.RootDir()
	if err != nil {
		return fmt.Errorf("%w (%s):\n%w", ErrSourceImageNotIso, isoPath, err)
	}

	children, err := root.GetChildren()
	if err != nil {
		return fmt.Errorf("%w (%s):\n%w", ErrSourceImageNotIso, isoPath, err)
	}

	for _, child := range children {
		if child.IsDir() && isoNameEqual(child.Name(), PackagesDirName) {
			return nil
		}
	}

	return fmt.Errorf("%w (%s): no (%s) directory", ErrSourceImageNotInstaller, isoPath, PackagesDirName)
}

// isoNameEqual matches a directory name read from the image against name. Without Rock Ridge, the image only
// records the ISO 9660 level 1 form of the name.
func isoNameEqual(isoName string, name string) bool {
	return isoName == name || isoName == isoLevel1DirName(name)
}

// isoLevel1DirName returns name as upper case d-characters, cut to 8 characters.
func isoLevel1DirName(name string) string {
	builder := strings.Builder{}
	for _, r := range strings.ToUpper(name) {
		if builder.Len() == isoLevel1DirNameMaxLength {
			break
		}

		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			builder.WriteRune(r)
		} else {
			builder.WriteByte('_')
		}
	}
	return builder.String()
}

func checkOutputDir(outputDir string) error {
	exists, err := file.PathExists(outputDir)
	if err != nil {
		return fmt.Errorf("failed to check output directory (%s):\n%w", outputDir, err)
	}
	if !exists {
		return nil
	}

	isDir, err := file.DirExists(outputDir)
	if err != nil {
		return fmt.Errorf("failed to check output directory (%s):\n%w", outputDir, err)
	}
	if !isDir {
		return fmt.Errorf("%w (%s)", ErrOutputNotDirectory, outputDir)
	}

	return nil
}

func checkKeyDir(config *isoeditorapi.Config) error {
	pemFiles, err := file.GlobSorted(filepath.Join(config.KeyDir, "*.pem"))
	if err != nil {
		return err
	}
	if len(pemFiles) < minimumKeyDirPemFiles {
		return fmt.Errorf("%w (%s): copy %s and %s to the key directory", ErrKeyPairMissing, config.KeyDir,
			config.SigningCertFile, config.SigningKeyFile)
	}

	err = checkPemFile(config.SigningCertPath(), "CERTIFICATE")
	if err != nil {
		return err
	}

	err = checkPemFile(config.SigningKeyPath(), "PRIVATE KEY")
	if err != nil {
		return err
	}

	return nil
}

// checkPemFile checks that path holds a PEM block whose type ends with typeSuffix.
func checkPemFile(path string, typeSuffix string) error {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w (%s)", ErrKeyPairMissing, path)
	}
	if err != nil {
		return fmt.Errorf("%w (%s):\n%w", ErrKeyPairUnreadable, path, err)
	}

	rest := content
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return fmt.Errorf("%w (%s): no %s block", ErrKeyPairUnreadable, path, typeSuffix)
		}
		if strings.HasSuffix(block.Type, typeSuffix) {
			return nil
		}
	}
}

func checkIsoHdpfx(path string) error {
	isFile, err := file.IsFile(path)
	if err != nil {
		return fmt.Errorf("failed to check isohdpfx file (%s):\n%w", path, err)
	}
	if !isFile {
		return fmt.Errorf("%w (%s)", ErrIsoHdpfxMissing, path)
	}
	return nil
}

func checkMountPoint(mounter Mounter, mountPoint string) error {
	mounted, err := mounter.IsMounted(mountPoint)
	if err != nil {
		return err
	}
	if mounted {
		return fmt.Errorf("%w (%s): unmount it before running this tool", ErrMountPointBusy, mountPoint)
	}
	return nil
}

// acquireSessionLock takes an exclusive lock next to the workspace for the lifetime of the run.
func acquireSessionLock(workDir string) (*flock.Flock, error) {
	lockPath := filepath.Clean(workDir) + sessionLockSuffix

	err := os.MkdirAll(filepath.Dir(lockPath), 0o755)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory for session lock (%s):\n%w", lockPath, err)
	}

	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock (%s):\n%w", lockPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (%s)", ErrSessionLocked, lockPath)
	}

	logger.Log.Debugf("Acquired session lock (%s)", lockPath)
	return lock, nil
}

func releaseSessionLock(lock *flock.Flock) {
	err := lock.Unlock()
	if err != nil {
		logger.Log.Warnf("Failed to release session lock (%s):\n%v", lock.Path(), err)
	}
}
