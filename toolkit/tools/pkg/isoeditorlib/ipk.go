// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorlib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/file"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/prompt"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/safechroot"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	chrootIpkDir = "/tmp/ipks"
)

// IpkInstaller installs operator-staged .ipk packages into a mounted rootfs.
type IpkInstaller struct {
	stagingDir   string
	forceDepends bool
	prompter     prompt.Prompter
}

func NewIpkInstaller(stagingDir string, forceDepends bool, prompter prompt.Prompter) *IpkInstaller {
	return &IpkInstaller{
		stagingDir:   stagingDir,
		forceDepends: forceDepends,
		prompter:     prompter,
	}
}

// FindStagedIpks lists the .ipk files staged for component.
func (i *IpkInstaller) FindStagedIpks(component ComponentName) ([]string, error) {
	ipkDir := filepath.Join(i.stagingDir, string(component))
	exists, err := file.DirExists(ipkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to check ipk staging directory (%s):\n%w", ipkDir, err)
	}
	if !exists {
		return nil, nil
	}

	return file.GlobSorted(filepath.Join(ipkDir, "*.ipk"))
}

// OfferInstall asks the operator whether to install the staged packages and, if so, installs them inside
// chroot. A failed install is only a warning.
func (i *IpkInstaller) OfferInstall(ctx context.Context, component ComponentName,
	chroot safechroot.ChrootInterface,
) error {
	ipks, err := i.FindStagedIpks(component)
	if err != nil {
		return err
	}
	if len(ipks) == 0 {
		return nil
	}

	lines := []string{fmt.Sprintf("%d ipks found in %s staging dir:", len(ipks), component)}
	for _, ipk := range ipks {
		lines = append(lines, "- "+filepath.Base(ipk))
	}
	logger.Log.Info(strings.Join(lines, "\n"))

	install, err := i.prompter.Confirm(ctx, "install?", true)
	if err != nil {
		return err
	}
	if !install {
		return nil
	}

	return i.install(ctx, component, chroot, ipks)
}

func (i *IpkInstaller) install(ctx context.Context, component ComponentName, chroot safechroot.ChrootInterface,
	ipks []string,
) error {
	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "install_ipks")
	span.SetAttributes(
		attribute.String("component", string(component)),
		attribute.Int("ipk_count", len(ipks)),
	)
	defer span.End()

	hostIpkDir := filepath.Join(chroot.RootDir(), chrootIpkDir)
	defer func() {
		err := os.RemoveAll(hostIpkDir)
		if err != nil {
			logger.Log.Warnf("Failed to delete (%s):\n%v", hostIpkDir, err)
		}
	}()

	logger.Log.Infof("Staging ipks")

	chrootIpks, err := safechroot.CopyFilesIn(chroot, chrootIpkDir, ipks)
	if err != nil {
		return err
	}

	args := []string{"install", "--force-downgrade", "--force-reinstall"}
	if i.forceDepends {
		args = append(args, "--force-depends")
	}
	args = append(args, chrootIpks...)

	names := make([]string, 0, len(ipks))
	for _, ipk := range ipks {
		names = append(names, filepath.Base(ipk))
	}
	logger.Log.Infof("Installing: %s", strings.Join(names, " "))

	err = chroot.Command("opkg", args...).
		Context(ctx).
		LogLevel(logrus.InfoLevel, logrus.InfoLevel).
		ErrorStderrLines(3).
		Execute()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w:\n%w", ErrPackageInstallFailed, ctx.Err())
		}

		logger.Log.Warnf("%v:\n%v", ErrPackageInstallFailed, err)
		return nil
	}

	return nil
}
