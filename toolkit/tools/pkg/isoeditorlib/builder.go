// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorlib

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/file"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/isogenerator"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/tarutils"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/userutils"
	"go.opentelemetry.io/otel"
)

// ImageBuilder produces the run's output artifacts from the workspace tree.
type ImageBuilder struct {
	isoHdpfxPath string
	volumeId     string
}

func NewImageBuilder(isoHdpfxPath string, volumeId string) *ImageBuilder {
	return &ImageBuilder{
		isoHdpfxPath: isoHdpfxPath,
		volumeId:     volumeId,
	}
}

// BuildImage writes a hybrid BIOS/UEFI bootable ISO of treeDir to outputPath.
func (b *ImageBuilder) BuildImage(ctx context.Context, treeDir string, outputPath string) error {
	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "build_image")
	defer span.End()

	err := isogenerator.GenerateIso(ctx, isogenerator.IsoGenConfig{
		StagingDirPath: treeDir,
		OutputFilePath: outputPath,
		VolumeId:       b.volumeId,
		IsoHdpfxPath:   b.isoHdpfxPath,
	})
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrBuildImage, err)
	}

	err = userutils.ChownToInvokingUser(outputPath, false)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrBuildImage, err)
	}

	logger.Log.Infof("ISO successfully generated to (%s)", outputPath)
	return nil
}

// BuildUpdateArchive writes an uncompressed tar of the packages directory of treeDir to outputPath.
func (b *ImageBuilder) BuildUpdateArchive(ctx context.Context, treeDir string, outputPath string) error {
	_, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "build_update_archive")
	defer span.End()

	logger.Log.Infof("Generating update.tar")

	matches, err := file.GlobSorted(filepath.Join(treeDir, PackagesDirName, "*"))
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrBuildUpdateArchive, err)
	}

	members := make([]string, 0, len(matches))
	for _, match := range matches {
		member, err := filepath.Rel(treeDir, match)
		if err != nil {
			return fmt.Errorf("%w:\n%w", ErrBuildUpdateArchive, err)
		}
		members = append(members, member)
	}

	err = tarutils.CreateTarArchive(treeDir, members, outputPath)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrBuildUpdateArchive, err)
	}

	err = userutils.ChownToInvokingUser(outputPath, false)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrBuildUpdateArchive, err)
	}

	logger.Log.Infof("Update archive successfully generated to (%s)", outputPath)
	return nil
}
