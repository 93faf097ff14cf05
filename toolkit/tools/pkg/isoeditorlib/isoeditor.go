// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorlib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/prompt"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/isoeditorapi"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	OtelTracerName = "isoeditorlib"
)

// ToolVersion is set at build time.
var ToolVersion = ""

// NewSessionId returns a fresh identifier for telemetry and logs.
func NewSessionId() string {
	return uuid.NewString()
}

// EditIsoWithConfigFile loads the optional config file and runs an interactive editing session. Relative paths
// in the config file are relative to the file; unset paths default to locations under the current directory.
func EditIsoWithConfigFile(ctx context.Context, options IsoEditorOptions) error {
	config, err := loadConfig(options)
	if err != nil {
		return err
	}

	return EditIso(ctx, config, options, prompt.NewPrompter())
}

func loadConfig(options IsoEditorOptions) (*isoeditorapi.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory:\n%w", err)
	}

	config := &isoeditorapi.Config{}
	if options.ConfigFile != "" {
		err = isoeditorapi.UnmarshalAndValidateYamlFile(options.ConfigFile, config)
		if err != nil {
			return nil, fmt.Errorf("%w (%s):\n%w", ErrInvalidConfig, options.ConfigFile, err)
		}

		absConfigFile, err := filepath.Abs(options.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path of config file (%s):\n%w", options.ConfigFile,
				err)
		}
		config.ResolvePaths(filepath.Dir(absConfigFile))
	}

	if options.BuildDir != "" {
		config.WorkDir, err = filepath.Abs(options.BuildDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path of build directory (%s):\n%w", options.BuildDir,
				err)
		}
	}

	if options.DebugWorkDir {
		config.DebugWorkDir = true
	}

	config.SetDefaults(cwd)
	return config, nil
}

// EditIso runs an editing session with an already loaded config.
func EditIso(ctx context.Context, config *isoeditorapi.Config, options IsoEditorOptions, prompter prompt.Prompter,
) (err error) {
	return editIso(ctx, config, options, prompter, defaultSessionBackend())
}

func editIso(ctx context.Context, config *isoeditorapi.Config, options IsoEditorOptions,
	prompter prompt.Prompter, backend sessionBackend,
) (err error) {
	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "edit_iso")
	span.SetAttributes(
		attribute.Bool("update_tar", options.BuildUpdateArchive()),
		attribute.Bool("update_only", options.UpdateOnly),
	)
	defer func() {
		if err != nil {
			errorNames := []string{"Unset"} // default
			if namedErrors := GetAllIsoEditorErrors(err); len(namedErrors) > 0 {
				errorNames = make([]string, len(namedErrors))
				for i, namedError := range namedErrors {
					errorNames[i] = namedError.Name()
				}
			}
			span.SetAttributes(
				attribute.StringSlice("errors.name", errorNames),
			)
			span.SetStatus(codes.Error, errorNames[len(errorNames)-1])
		}
		span.End()
	}()

	err = options.IsValid()
	if err != nil {
		return err
	}

	err = config.IsValid()
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrInvalidConfig, err)
	}

	options.InputIsoPath, err = filepath.Abs(options.InputIsoPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path of input ISO (%s):\n%w", options.InputIsoPath, err)
	}

	options.OutputDir, err = filepath.Abs(options.OutputDir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path of output directory (%s):\n%w", options.OutputDir, err)
	}

	err = newSession(config, &options, prompter, backend).Run(ctx)
	if err != nil {
		return err
	}

	logger.Log.Infof("Success!")

	return nil
}
