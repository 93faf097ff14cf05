// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/exe"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/isoeditorapi"
	"gopkg.in/alecthomas/kingpin.v2"
)

func main() {
	app := kingpin.New("isoeditorschemacli", "A CLI tool to generate JSON schema for the ISO editor config file.")
	outputFile := exe.OutputFlag(app, "Path to the output JSON schema file")
	logFlags := exe.SetupLogFlags(app)

	app.Version(exe.ToolkitVersion)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger.InitBestEffort(logFlags)

	if err := generateJSONSchema(*outputFile); err != nil {
		log.Fatalf("Error: %v", err)
	}

	logger.Log.Infof("JSON schema has been written to %s", *outputFile)
}

func generateJSONSchema(outputFile string) error {
	schemaJSON, err := marshalSchema()
	if err != nil {
		return err
	}

	if err := os.WriteFile(outputFile, schemaJSON, 0o644); err != nil {
		return fmt.Errorf("failed to write schema to file: %w", err)
	}

	return nil
}

func marshalSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
	}

	schema := reflector.Reflect(&isoeditorapi.Config{})
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	return schemaJSON, nil
}
