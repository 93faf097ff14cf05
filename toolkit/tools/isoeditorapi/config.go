// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorapi

import (
	"fmt"
	"path/filepath"

	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/ptrutils"
)

const (
	DefaultWorkDirName     = "work"
	DefaultKeyDirName      = "extra/keys"
	DefaultIpkStagingDir   = "staging"
	DefaultIsoHdpfxPath    = "extra/isohdpfx.bin"
	DefaultSigningCertFile = "dev-cacert.pem"
	DefaultSigningKeyFile  = "dev-cakey.pem"
	DefaultMountPoint      = "/mnt"
	DefaultVolumeId        = "OpenXT Custom"
	DefaultIpkForceDepends = true
	maxVolumeIdLength      = 32
)

// Config holds every setting an editing session reads. It is built once and passed to each component.
type Config struct {
	// Scratch directory holding the unpacked ISO. It is wiped at the start of every run.
	WorkDir string `yaml:"workDir" json:"workDir,omitempty"`
	// Directory holding the signing certificate and key.
	KeyDir          string `yaml:"keyDir" json:"keyDir,omitempty"`
	SigningCertFile string `yaml:"signingCertFile" json:"signingCertFile,omitempty"`
	SigningKeyFile  string `yaml:"signingKeyFile" json:"signingKeyFile,omitempty"`
	// Directory with one subdirectory of .ipk files per component.
	IpkStagingDir   string `yaml:"ipkStagingDir" json:"ipkStagingDir,omitempty"`
	IpkForceDepends *bool  `yaml:"ipkForceDepends" json:"ipkForceDepends,omitempty"`
	// Hybrid MBR template passed to xorriso.
	IsoHdpfxPath string `yaml:"isoHdpfxPath" json:"isoHdpfxPath,omitempty"`
	// Keep the workspace after the run, even when it succeeds.
	DebugWorkDir bool       `yaml:"debugWorkDir" json:"debugWorkDir,omitempty"`
	MountPoint   string     `yaml:"mountPoint" json:"mountPoint,omitempty"`
	VolumeId     string     `yaml:"volumeId" json:"volumeId,omitempty"`
	Components   Components `yaml:"components" json:"components,omitempty"`
}

func (c *Config) IsValid() error {
	if c.MountPoint != "" && !filepath.IsAbs(c.MountPoint) {
		return fmt.Errorf("invalid 'mountPoint' value (%s): must be an absolute path", c.MountPoint)
	}

	if len(c.VolumeId) > maxVolumeIdLength {
		return fmt.Errorf("invalid 'volumeId' value (%s): must be at most %d characters", c.VolumeId,
			maxVolumeIdLength)
	}

	if c.SigningCertFile != "" && c.SigningCertFile == c.SigningKeyFile {
		return fmt.Errorf("'signingCertFile' and 'signingKeyFile' must be different files")
	}

	err := c.Components.IsValid()
	if err != nil {
		return fmt.Errorf("invalid 'components' field:\n%w", err)
	}

	return nil
}

// ResolvePaths makes every relative host path in the config relative to baseDir. Paths inside the ISO tree are
// left alone.
func (c *Config) ResolvePaths(baseDir string) {
	c.WorkDir = resolvePath(baseDir, c.WorkDir)
	c.KeyDir = resolvePath(baseDir, c.KeyDir)
	c.IpkStagingDir = resolvePath(baseDir, c.IpkStagingDir)
	c.IsoHdpfxPath = resolvePath(baseDir, c.IsoHdpfxPath)
}

// SetDefaults fills unset fields. Host paths default to locations under baseDir, normally the current
// directory.
func (c *Config) SetDefaults(baseDir string) {
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(baseDir, DefaultWorkDirName)
	}
	if c.KeyDir == "" {
		c.KeyDir = filepath.Join(baseDir, DefaultKeyDirName)
	}
	if c.SigningCertFile == "" {
		c.SigningCertFile = DefaultSigningCertFile
	}
	if c.SigningKeyFile == "" {
		c.SigningKeyFile = DefaultSigningKeyFile
	}
	if c.IpkStagingDir == "" {
		c.IpkStagingDir = filepath.Join(baseDir, DefaultIpkStagingDir)
	}
	if c.IpkForceDepends == nil {
		c.IpkForceDepends = ptrutils.PtrTo(DefaultIpkForceDepends)
	}
	if c.IsoHdpfxPath == "" {
		c.IsoHdpfxPath = filepath.Join(baseDir, DefaultIsoHdpfxPath)
	}
	if c.MountPoint == "" {
		c.MountPoint = DefaultMountPoint
	}
	if c.VolumeId == "" {
		c.VolumeId = DefaultVolumeId
	}
	c.Components.SetDefaults()
}

// SigningCertPath is the certificate file inside KeyDir.
func (c *Config) SigningCertPath() string {
	return resolvePath(c.KeyDir, c.SigningCertFile)
}

// SigningKeyPath is the private key file inside KeyDir.
func (c *Config) SigningKeyPath() string {
	return resolvePath(c.KeyDir, c.SigningKeyFile)
}

func resolvePath(baseDir string, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
