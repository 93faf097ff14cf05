// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorlib

import (
	"fmt"

	"github.com/openxt/oxt-iso-editor/toolkit/tools/isoeditorapi"
)

type ComponentName string

const (
	ComponentDom0      ComponentName = "dom0"
	ComponentInitramfs ComponentName = "initramfs"
	ComponentInstaller ComponentName = "installer"
)

type ComponentKind int

const (
	// A gzip-compressed filesystem image that is loop-mounted for editing.
	ComponentKindBlockImage ComponentKind = iota
	// A gzip-compressed cpio archive that is unpacked into a directory.
	ComponentKindArchive
)

// Component describes where an editable filesystem lives inside the workspace. All paths are relative to the
// workspace root.
type Component struct {
	Name ComponentName
	Kind ComponentKind

	ImageGlob      string
	FileSystemType string

	ArchivePath        string
	ControlArchivePath string
	ControlDir         string

	// Prefix of the XC-PACKAGES line that tracks this component. Empty when the component's files are not
	// listed in the package manifest.
	ManifestKey string
}

// HasControlArchive reports whether a nested control archive is unpacked alongside the component's tree.
func (c Component) HasControlArchive() bool {
	return c.ControlArchivePath != ""
}

// ResolveComponent builds the description of name from the config.
func ResolveComponent(name ComponentName, components *isoeditorapi.Components) (Component, error) {
	switch name {
	case ComponentDom0:
		return Component{
			Name:           ComponentDom0,
			Kind:           ComponentKindBlockImage,
			ImageGlob:      components.Dom0.ImageGlob,
			FileSystemType: components.Dom0.FileSystemType,
			ManifestKey:    "dom0",
		}, nil

	case ComponentInitramfs:
		return Component{
			Name:               ComponentInitramfs,
			Kind:               ComponentKindArchive,
			ArchivePath:        components.Initramfs.ArchivePath,
			ControlArchivePath: components.Initramfs.ControlArchivePath,
			ControlDir:         components.Initramfs.ControlDir,
		}, nil

	case ComponentInstaller:
		return Component{
			Name:               ComponentInstaller,
			Kind:               ComponentKindArchive,
			ArchivePath:        components.Installer.ArchivePath,
			ControlArchivePath: components.Installer.ControlArchivePath,
			ControlDir:         components.Installer.ControlDir,
			ManifestKey:        "control",
		}, nil

	default:
		return Component{}, fmt.Errorf("unknown component (%s)", name)
	}
}
