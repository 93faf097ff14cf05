// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorlib

import (
	"fmt"
)

const (
	DefaultOutputDirName    = "out"
	OutputIsoFileName       = "installer.iso"
	OutputUpdateArchiveName = "update.tar"
)

type IsoEditorOptions struct {
	InputIsoPath string
	OutputDir    string
	// Also write update.tar next to the ISO.
	UpdateTar bool
	// Write update.tar and skip the ISO.
	UpdateOnly   bool
	ConfigFile   string
	BuildDir     string
	DebugWorkDir bool
}

func (o *IsoEditorOptions) IsValid() error {
	if o.InputIsoPath == "" {
		return fmt.Errorf("%w: input ISO must be specified with '-i'", ErrInvalidOptions)
	}

	if o.OutputDir == "" {
		return fmt.Errorf("%w: output directory must be specified with '-o'", ErrInvalidOptions)
	}

	return nil
}

// BuildIso reports whether the run produces an ISO image.
func (o *IsoEditorOptions) BuildIso() bool {
	return !o.UpdateOnly
}

// BuildUpdateArchive reports whether the run produces update.tar.
func (o *IsoEditorOptions) BuildUpdateArchive() bool {
	return o.UpdateTar || o.UpdateOnly
}
