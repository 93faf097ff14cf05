// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package osinfo

import (
	"gopkg.in/ini.v1"
)

const (
	osReleasePath = "/etc/os-release"

	unknownDistro  = "Unknown Distro"
	unknownVersion = "Unknown Version"
)

// GetDistroAndVersion returns the NAME and VERSION of the host from /etc/os-release.
func GetDistroAndVersion() (string, string) {
	return distroAndVersionFromFile(osReleasePath)
}

func distroAndVersionFromFile(path string) (string, string) {
	osRelease, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment:     true,
		SkipUnrecognizableLines: true,
	}, path)
	if err != nil {
		return unknownDistro, unknownVersion
	}

	section := osRelease.Section(ini.DefaultSection)
	distro := section.Key("NAME").MustString(unknownDistro)
	version := section.Key("VERSION").MustString(unknownVersion)
	return distro, version
}
