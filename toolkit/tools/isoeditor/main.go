// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Tool to interactively edit an OpenXT installer ISO

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/exekong"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/telemetry"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/pkg/isoeditorlib"
)

type IsoEditorCmd struct {
	InputIso         string           `name:"input" short:"i" help:"Path of the OpenXT installer ISO to edit." required:""`
	OutputDir        string           `name:"output" short:"o" help:"Directory to write the edited ISO and update archive to." default:"${defaultoutput}"`
	UpdateTar        bool             `name:"update-tar" short:"u" help:"Also write update.tar next to the ISO."`
	UpdateOnly       bool             `name:"update-only" short:"U" help:"Only write update.tar. No ISO is built."`
	ConfigFile       string           `name:"config-file" help:"Path of the ISO editor config file." type:"existingfile"`
	BuildDir         string           `name:"build-dir" help:"Workspace directory. Overrides the config file's workDir. Its contents are deleted."`
	DebugWorkDir     bool             `name:"debug-workdir" help:"Keep the workspace after the run."`
	DisableTelemetry bool             `name:"disable-telemetry" help:"Disable telemetry collection of the tool."`
	Version          kong.VersionFlag `name:"version" help:"Print version information and quit."`
	exekong.LogFlags
}

func main() {
	cli := &IsoEditorCmd{}

	_ = kong.Parse(cli, kongOptions()...)

	logger.InitBestEffort(cli.LogFlags.AsLoggerFlags())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionId := isoeditorlib.NewSessionId()
	err := telemetry.InitTelemetry(cli.DisableTelemetry, isoeditorlib.ToolVersion, sessionId)
	if err != nil {
		logger.Log.Warnf("Failed to initialize telemetry:\n%v", err)
	}

	err = editIso(ctx, cli)

	shutdownErr := telemetry.ShutdownTelemetry(context.Background())
	if shutdownErr != nil {
		logger.Log.Warnf("Failed to shut down telemetry:\n%v", shutdownErr)
	}

	if err != nil {
		log.Fatalf("ISO editing failed:\n%v", err)
	}
}

func kongOptions() []kong.Option {
	vars := exekong.Vars(kong.Vars{
		"defaultoutput": isoeditorlib.DefaultOutputDirName,
		"version":       isoeditorlib.ToolVersion,
	})

	return []kong.Option{
		kong.Name("isoeditor"),
		kong.Description("Edits the root filesystems inside an OpenXT installer ISO and re-signs its packages"),
		vars,
		kong.HelpOptions{
			Compact:   true,
			FlagsLast: true,
		},
		kong.UsageOnError(),
	}
}

func editIso(ctx context.Context, cli *IsoEditorCmd) error {
	options := isoeditorlib.IsoEditorOptions{
		InputIsoPath: cli.InputIso,
		OutputDir:    cli.OutputDir,
		UpdateTar:    cli.UpdateTar,
		UpdateOnly:   cli.UpdateOnly,
		ConfigFile:   cli.ConfigFile,
		BuildDir:     cli.BuildDir,
		DebugWorkDir: cli.DebugWorkDir,
	}

	return isoeditorlib.EditIsoWithConfigFile(ctx, options)
}
