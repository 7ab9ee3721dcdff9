package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

// ConvertJSONFileToConfig opens a file.json and converts to Seasoning.
func ConvertJSONFileToConfig(fileNamePath string) (*Seasoning, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &Seasoning{}
	var json = jsoniter.ConfigFastest
	err = json.Unmarshal(byteValue, config)

	return config, err
}

// ConvertYAMLFileToConfig opens a file.yaml and converts to Seasoning.
func ConvertYAMLFileToConfig(fileNamePath string) (*Seasoning, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &Seasoning{}
	err = yaml.Unmarshal(byteValue, config)

	return config, err
}

// ConvertFileToConfig picks the decoder from the file extension.
func ConvertFileToConfig(fileNamePath string) (*Seasoning, error) {

	switch strings.ToLower(filepath.Ext(fileNamePath)) {
	case ".json":
		return ConvertJSONFileToConfig(fileNamePath)
	case ".yaml", ".yml":
		return ConvertYAMLFileToConfig(fileNamePath)
	default:
		return nil, fmt.Errorf("unsupported config file %q, expected .json, .yaml or .yml", fileNamePath)
	}
}

// ApplyEnvironment overrides seasoning with any SECUREDCOMM_* variables that are set.
func ApplyEnvironment(seasoning *Seasoning) error {

	seasoning.fill()

	if err := env.Parse(seasoning); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	return nil
}

// Load reads fileNamePath (when not empty) and applies the environment on top.
func Load(fileNamePath string) (*Seasoning, error) {

	seasoning := &Seasoning{}
	if fileNamePath != "" {
		var err error
		seasoning, err = ConvertFileToConfig(fileNamePath)
		if err != nil {
			return nil, err
		}
	}

	if err := ApplyEnvironment(seasoning); err != nil {
		return nil, err
	}

	return seasoning, nil
}
