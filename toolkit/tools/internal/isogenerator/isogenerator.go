// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isogenerator

import (
	"context"
	"fmt"
	"os"

	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/shell"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/version"
	"github.com/sirupsen/logrus"
)

const (
	DefaultVolumeId          = "OpenXT Custom"
	DefaultBiosBootImagePath = "isolinux/isolinux.bin"
	DefaultBootCatalogPath   = "isolinux/boot.cat"
	DefaultEfiBootImagePath  = "isolinux/efiboot.img"
	xorrisoProgram           = "xorriso"
	partialOutputFileSuffix  = ".partial"
)

// MinimumXorrisoVersion is the first release that understands -isohybrid-gpt-basdat.
var MinimumXorrisoVersion = version.Version{1, 2, 4}

type IsoGenConfig struct {
	// Directory whose contents become the root of the ISO. All boot paths are relative to it.
	StagingDirPath string
	// The path where the ISO file will be written.
	OutputFilePath string
	VolumeId       string

	// Hybrid MBR template that lets the ISO boot from a USB stick.
	IsoHdpfxPath      string
	BiosBootImagePath string
	BootCatalogPath   string
	EfiBootImagePath  string
}

func (c IsoGenConfig) withDefaults() IsoGenConfig {
	if c.VolumeId == "" {
		c.VolumeId = DefaultVolumeId
	}
	if c.BiosBootImagePath == "" {
		c.BiosBootImagePath = DefaultBiosBootImagePath
	}
	if c.BootCatalogPath == "" {
		c.BootCatalogPath = DefaultBootCatalogPath
	}
	if c.EfiBootImagePath == "" {
		c.EfiBootImagePath = DefaultEfiBootImagePath
	}
	return c
}

// BuildXorrisoArgs returns the mkisofs-emulation arguments for a hybrid BIOS and UEFI bootable ISO.
func BuildXorrisoArgs(config IsoGenConfig, outputFilePath string) []string {
	config = config.withDefaults()

	// For detailed parameter explanation see: https://www.gnu.org/software/xorriso/man_1_xorrisofs.html.
	return []string{
		"-as", "mkisofs",
		"-o", outputFilePath,
		"-isohybrid-mbr", config.IsoHdpfxPath,
		// BIOS bootloader.
		"-c", config.BootCatalogPath,
		"-b", config.BiosBootImagePath,
		"-no-emul-boot", "-boot-load-size", "4", "-boot-info-table",
		// UEFI bootloader.
		"-eltorito-alt-boot",
		"-e", config.EfiBootImagePath,
		"-no-emul-boot",
		"-isohybrid-gpt-basdat",
		// Rock Ridge, Joliet and long ISO-9660 names.
		"-r", "-J", "-l",
		"-V", config.VolumeId,
		"-f",
		".",
	}
}

// GenerateIso builds the ISO from the staging directory. The image only appears at OutputFilePath once xorriso
// has succeeded.
func GenerateIso(ctx context.Context, config IsoGenConfig) error {
	logger.Log.Infof("Generating ISO image (%s)", config.OutputFilePath)

	partialPath := config.OutputFilePath + partialOutputFileSuffix
	args := BuildXorrisoArgs(config, partialPath)

	// xorriso reports progress on stderr.
	err := shell.NewExecBuilder(xorrisoProgram, args...).
		Context(ctx).
		WorkingDirectory(config.StagingDirPath).
		LogLevel(logrus.DebugLevel, logrus.DebugLevel).
		ErrorStderrLines(3).
		Execute()
	if err != nil {
		os.Remove(partialPath)
		return fmt.Errorf("failed to generate ISO using xorriso:\n%w", err)
	}

	err = os.Rename(partialPath, config.OutputFilePath)
	if err != nil {
		os.Remove(partialPath)
		return fmt.Errorf("failed to move ISO into place (%s):\n%w", config.OutputFilePath, err)
	}

	return nil
}

// XorrisoVersion returns the version of the installed xorriso.
func XorrisoVersion(ctx context.Context) (version.Version, error) {
	stdout, _, err := shell.NewExecBuilder(xorrisoProgram, "-version").
		Context(ctx).
		LogLevel(logrus.TraceLevel, logrus.TraceLevel).
		ExecuteCaptureOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to get xorriso's version:\n%w", err)
	}

	return version.FindInText(stdout)
}
