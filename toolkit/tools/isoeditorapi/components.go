// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorapi

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

const (
	DefaultDom0ImageGlob        = "packages.main/dom0-rootfs*.ext*.gz"
	DefaultDom0FileSystemType   = "ext3"
	DefaultInitramfsArchivePath = "isolinux/initrd.gz"
	DefaultInstallerArchivePath = "isolinux/rootfs.gz"
	DefaultInstallerControlPath = "packages.main/control.tar.bz2"
	DefaultInstallerControlDir  = "install/part2"
)

var supportedFileSystemTypes = []string{"ext2", "ext3", "ext4"}

// Components overrides where each editable component lives inside the ISO tree. The set of components is fixed.
type Components struct {
	Dom0      BlockImageComponent `yaml:"dom0" json:"dom0,omitempty"`
	Initramfs ArchiveComponent    `yaml:"initramfs" json:"initramfs,omitempty"`
	Installer ArchiveComponent    `yaml:"installer" json:"installer,omitempty"`
}

func (c *Components) IsValid() error {
	err := c.Dom0.IsValid()
	if err != nil {
		return fmt.Errorf("invalid 'dom0' field:\n%w", err)
	}

	err = c.Initramfs.IsValid()
	if err != nil {
		return fmt.Errorf("invalid 'initramfs' field:\n%w", err)
	}

	// Only the installer has a default control directory.
	if c.Initramfs.ControlArchivePath != "" && c.Initramfs.ControlDir == "" {
		return fmt.Errorf("invalid 'initramfs' field:\n'controlArchivePath' requires 'controlDir'")
	}

	err = c.Installer.IsValid()
	if err != nil {
		return fmt.Errorf("invalid 'installer' field:\n%w", err)
	}

	return nil
}

func (c *Components) SetDefaults() {
	if c.Dom0.ImageGlob == "" {
		c.Dom0.ImageGlob = DefaultDom0ImageGlob
	}
	if c.Dom0.FileSystemType == "" {
		c.Dom0.FileSystemType = DefaultDom0FileSystemType
	}
	if c.Initramfs.ArchivePath == "" {
		c.Initramfs.ArchivePath = DefaultInitramfsArchivePath
	}
	if c.Installer.ArchivePath == "" {
		c.Installer.ArchivePath = DefaultInstallerArchivePath
	}
	if c.Installer.ControlArchivePath == "" {
		c.Installer.ControlArchivePath = DefaultInstallerControlPath
	}
	if c.Installer.ControlDir == "" {
		c.Installer.ControlDir = DefaultInstallerControlDir
	}
}

// BlockImageComponent is a gzip-compressed filesystem image that is loop-mounted for editing.
type BlockImageComponent struct {
	// Glob, relative to the ISO root, that must match exactly one image file.
	ImageGlob      string `yaml:"imageGlob" json:"imageGlob,omitempty"`
	FileSystemType string `yaml:"fileSystemType" json:"fileSystemType,omitempty" jsonschema:"enum=ext2,enum=ext3,enum=ext4"`
}

func (c *BlockImageComponent) IsValid() error {
	if c.ImageGlob != "" {
		err := isTreeRelativePath(c.ImageGlob)
		if err != nil {
			return fmt.Errorf("invalid 'imageGlob' value:\n%w", err)
		}

		_, err = filepath.Match(c.ImageGlob, "")
		if err != nil {
			return fmt.Errorf("invalid 'imageGlob' value (%s):\n%w", c.ImageGlob, err)
		}
	}

	if c.FileSystemType != "" && !slices.Contains(supportedFileSystemTypes, c.FileSystemType) {
		return fmt.Errorf("invalid 'fileSystemType' value (%s): must be one of (%s)", c.FileSystemType,
			strings.Join(supportedFileSystemTypes, ", "))
	}

	return nil
}

// ArchiveComponent is a gzip-compressed cpio archive, optionally carrying a bzip2-compressed tar control archive
// that is unpacked into ControlDir inside the extracted tree.
type ArchiveComponent struct {
	ArchivePath        string `yaml:"archivePath" json:"archivePath,omitempty"`
	ControlArchivePath string `yaml:"controlArchivePath" json:"controlArchivePath,omitempty"`
	ControlDir         string `yaml:"controlDir" json:"controlDir,omitempty"`
}

func (c *ArchiveComponent) IsValid() error {
	fields := []struct {
		name  string
		value string
	}{
		{"archivePath", c.ArchivePath},
		{"controlArchivePath", c.ControlArchivePath},
		{"controlDir", c.ControlDir},
	}

	for _, field := range fields {
		if field.value == "" {
			continue
		}

		err := isTreeRelativePath(field.value)
		if err != nil {
			return fmt.Errorf("invalid '%s' value:\n%w", field.name, err)
		}
	}

	if c.ControlDir != "" && c.ControlArchivePath == "" {
		return fmt.Errorf("'controlDir' requires 'controlArchivePath'")
	}

	if c.ControlDir != "" && filepath.Clean(c.ControlDir) == "." {
		return fmt.Errorf("invalid 'controlDir' value (%s): must name a subdirectory of the rootfs", c.ControlDir)
	}

	return nil
}

// isTreeRelativePath checks that path stays inside the tree it is relative to.
func isTreeRelativePath(path string) error {
	if filepath.IsAbs(path) {
		return fmt.Errorf("path (%s) must be relative", path)
	}

	cleaned := filepath.Clean(path)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("path (%s) must not leave its root directory", path)
	}

	return nil
}
