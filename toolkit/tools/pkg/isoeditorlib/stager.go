// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorlib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/compressutils"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/file"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/initrdutils"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/prompt"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/tarutils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// StagedComponent is a component that has been extracted for editing.
type StagedComponent struct {
	Component Component
	// Where the operator makes changes.
	EditPath string

	imagePath  string
	mount      MountHandle
	scratchDir string
}

// ImageStager unpacks components out of the workspace and packs them back. At most one component is mounted at a
// time.
type ImageStager struct {
	workspace  *Workspace
	mountPoint string
	mounter    Mounter
	prompter   prompt.Prompter
	live       MountHandle
}

func NewImageStager(workspace *Workspace, mountPoint string, mounter Mounter, prompter prompt.Prompter,
) *ImageStager {
	return &ImageStager{
		workspace:  workspace,
		mountPoint: mountPoint,
		mounter:    mounter,
		prompter:   prompter,
	}
}

// Extract makes component editable and returns where it can be edited.
func (s *ImageStager) Extract(ctx context.Context, component Component) (*StagedComponent, error) {
	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "extract_component")
	span.SetAttributes(
		attribute.String("component", string(component.Name)),
	)
	defer span.End()

	logger.Log.Infof("Extracting %s rootfs", component.Name)

	var staged *StagedComponent
	var err error
	switch component.Kind {
	case ComponentKindBlockImage:
		staged, err = s.extractBlockImage(ctx, component)
	case ComponentKindArchive:
		staged, err = s.extractArchive(ctx, component)
	default:
		err = fmt.Errorf("unknown component kind (%d)", component.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w (%s):\n%w", ErrExtractComponent, component.Name, err)
	}

	return staged, nil
}

// Repackage writes the edited tree back to the component's original file and releases everything Extract set
// up.
func (s *ImageStager) Repackage(ctx context.Context, staged *StagedComponent) error {
	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "repackage_component")
	span.SetAttributes(
		attribute.String("component", string(staged.Component.Name)),
	)
	defer span.End()

	logger.Log.Infof("Re-packaging %s rootfs", staged.Component.Name)

	var err error
	switch staged.Component.Kind {
	case ComponentKindBlockImage:
		err = s.repackageBlockImage(ctx, staged)
	case ComponentKindArchive:
		err = s.repackageArchive(ctx, staged)
	default:
		err = fmt.Errorf("unknown component kind (%d)", staged.Component.Kind)
	}
	if err != nil {
		return fmt.Errorf("%w (%s):\n%w", ErrRepackageComponent, staged.Component.Name, err)
	}

	return nil
}

// ReleaseAll drops any mount left behind by a failed or interrupted edit.
func (s *ImageStager) ReleaseAll() {
	if s.live == nil {
		return
	}

	logger.Log.Debugf("Releasing mount (%s)", s.live.Target())
	s.live.ForceRelease()
	s.live = nil
}

func (s *ImageStager) extractBlockImage(ctx context.Context, component Component) (*StagedComponent, error) {
	if s.live != nil {
		return nil, fmt.Errorf("%w (%s)", ErrMountAlreadyActive, s.live.Target())
	}

	compressedPath, err := findUniqueFile(s.workspace.Path(component.ImageGlob))
	if err != nil {
		return nil, err
	}

	imagePath, err := compressutils.GunzipFile(compressedPath)
	if err != nil {
		return nil, err
	}

	logger.Log.Infof("Mounting %s rootfs", component.Name)

	handle, err := s.mounter.MountImage(ctx, imagePath, s.mountPoint, component.FileSystemType, false)
	if err != nil {
		return nil, err
	}
	s.live = handle

	return &StagedComponent{
		Component: component,
		EditPath:  handle.Target(),
		imagePath: imagePath,
		mount:     handle,
	}, nil
}

func (s *ImageStager) repackageBlockImage(ctx context.Context, staged *StagedComponent) error {
	err := releaseMountWithRetry(ctx, staged.mount, s.prompter)
	if err != nil {
		return err
	}
	s.live = nil

	_, err = compressutils.GzipFile(staged.imagePath)
	if err != nil {
		return err
	}

	return nil
}

func (s *ImageStager) extractArchive(ctx context.Context, component Component) (*StagedComponent, error) {
	scratchDir := s.workspace.Path(string(component.Name) + "fs")

	controlDir := ""
	if component.HasControlArchive() {
		var err error
		controlDir, err = controlDirPath(scratchDir, component)
		if err != nil {
			return nil, err
		}
	}

	err := os.RemoveAll(scratchDir)
	if err != nil {
		return nil, fmt.Errorf("failed to delete stale directory (%s):\n%w", scratchDir, err)
	}

	err = initrdutils.ExtractCpioGz(ctx, s.workspace.Path(component.ArchivePath), scratchDir)
	if err != nil {
		return nil, err
	}

	if component.HasControlArchive() {
		err = os.RemoveAll(controlDir)
		if err != nil {
			return nil, fmt.Errorf("failed to delete stale directory (%s):\n%w", controlDir, err)
		}

		err = os.MkdirAll(controlDir, 0o755)
		if err != nil {
			return nil, fmt.Errorf("failed to create directory (%s):\n%w", controlDir, err)
		}

		logger.Log.Infof("Extracting %s", filepath.Base(component.ControlArchivePath))

		err = tarutils.ExpandTarBz2Archive(s.workspace.Path(component.ControlArchivePath), controlDir)
		if err != nil {
			return nil, err
		}

		logger.Log.Infof("Control archive extracted to /%s of %s rootfs", component.ControlDir, component.Name)
	}

	return &StagedComponent{
		Component:  component,
		EditPath:   scratchDir,
		scratchDir: scratchDir,
	}, nil
}

func (s *ImageStager) repackageArchive(ctx context.Context, staged *StagedComponent) error {
	component := staged.Component

	if component.HasControlArchive() {
		controlDir, err := controlDirPath(staged.scratchDir, component)
		if err != nil {
			return err
		}

		logger.Log.Infof("Re-packaging %s", filepath.Base(component.ControlArchivePath))

		err = tarutils.CreateTarBz2Archive(controlDir, s.workspace.Path(component.ControlArchivePath))
		if err != nil {
			return err
		}

		err = os.RemoveAll(controlDir)
		if err != nil {
			return fmt.Errorf("failed to delete directory (%s):\n%w", controlDir, err)
		}
	}

	archivePath := s.workspace.Path(component.ArchivePath)
	err := initrdutils.CreateCpioGz(ctx, staged.scratchDir, archivePath)
	if err != nil {
		return err
	}

	entries, err := initrdutils.ListCpioGz(archivePath)
	if err != nil {
		return fmt.Errorf("failed to verify repackaged archive (%s):\n%w", archivePath, err)
	}
	logger.Log.Debugf("Repackaged (%s) with %d entries", archivePath, len(entries))

	err = os.RemoveAll(staged.scratchDir)
	if err != nil {
		return fmt.Errorf("failed to delete directory (%s):\n%w", staged.scratchDir, err)
	}

	return nil
}

// controlDirPath returns where the control archive is unpacked. It must be a subdirectory of the scratch tree,
// since it is deleted and recreated around the archive.
func controlDirPath(scratchDir string, component Component) (string, error) {
	controlDir := filepath.Join(scratchDir, component.ControlDir)
	rel, err := filepath.Rel(scratchDir, controlDir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("control directory (%s) of %s must be a subdirectory of its rootfs",
			component.ControlDir, component.Name)
	}
	return controlDir, nil
}

// findUniqueFile returns the single path that pattern matches.
func findUniqueFile(pattern string) (string, error) {
	matches, err := file.GlobSorted(pattern)
	if err != nil {
		return "", err
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w (%s)", ErrComponentImageMissing, pattern)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w (%s): %v", ErrComponentImageAmbiguous, pattern, matches)
	}
}
