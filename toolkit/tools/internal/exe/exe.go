// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package exe defines QoL functions to simplify and unify creating kingpin based executables
package exe

import (
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
	"gopkg.in/alecthomas/kingpin.v2"
)

// ToolkitVersion is set at build time with -ldflags.
var ToolkitVersion = "dev"

func SetupLogFlags(k *kingpin.Application) *logger.LogFlags {
	lf := &logger.LogFlags{}
	lf.LogColor = k.Flag(logger.ColorFlag, logger.ColorFlagHelp).PlaceHolder(logger.ColorsPlaceholder).Enum(logger.Colors()...)
	lf.LogFile = k.Flag(logger.FileFlag, logger.FileFlagHelp).String()
	lf.LogLevel = k.Flag(logger.LevelsFlag, logger.LevelsHelp).PlaceHolder(logger.LevelsPlaceholder).Enum(logger.Levels()...)
	return lf
}

// OutputFlag registers the conventional required output file flag, "-o".
func OutputFlag(k *kingpin.Application, help string) *string {
	return k.Flag("output", help).Short('o').Required().String()
}
