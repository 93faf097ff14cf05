// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorapi

import (
	"bytes"
	"os"

	"gopkg.in/yaml.v3"
)

type HasIsValid interface {
	IsValid() error
}

func UnmarshalAndValidateYamlFile[ValueType HasIsValid](yamlFilePath string, value ValueType) error {
	yamlFile, err := os.ReadFile(yamlFilePath)
	if err != nil {
		return err
	}

	return UnmarshalAndValidateYaml(yamlFile, value)
}

func UnmarshalAndValidateYaml[ValueType HasIsValid](yamlData []byte, value ValueType) error {
	err := UnmarshalYaml(yamlData, value)
	if err != nil {
		return err
	}

	return value.IsValid()
}

func UnmarshalYaml[ValueType any](yamlData []byte, value ValueType) error {
	decoder := yaml.NewDecoder(bytes.NewReader(yamlData))

	// Ensure unknown fields result in an error.
	decoder.KnownFields(true)

	return decoder.Decode(value)
}
