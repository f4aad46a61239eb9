package config

import (
	"fmt"
	"os"

	"canvas_collab/src/model"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the structure of the optional collab config file
type YAMLConfig struct {
	Collab model.CollabConfig `yaml:"collab"`
}

// LoadConfig reads the config file at filepath and overlays it on base.
// Keys absent from the file keep the values of base.
func LoadConfig(filepath string, base model.CollabConfig) (model.CollabConfig, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return base, fmt.Errorf("error reading config file: %w", err)
	}

	config := YAMLConfig{Collab: base}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return base, fmt.Errorf("error parsing YAML: %w", err)
	}

	config.Collab.ConfigFile = base.ConfigFile
	return config.Collab, nil
}
