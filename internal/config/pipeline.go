package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"dsforge/internal/spec"
)

const SupportedSchema = "v1"

// LoadPipelineSpec parses a pipeline YAML, validates schema_version, and
// returns the pipeline with defaults applied.
func LoadPipelineSpec(path string) (spec.Pipeline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return spec.Pipeline{}, err
	}
	return ParsePipelineYAML(raw)
}

func ParsePipelineYAML(raw []byte) (spec.Pipeline, error) {
	var cfg spec.Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("pipeline yaml: %w", err)
	}
	return finish(cfg)
}

// ParsePipelineJSON accepts the same structure as JSON, as submitted over
// the control API and the intake topic.
func ParsePipelineJSON(raw []byte) (spec.Pipeline, error) {
	var cfg spec.Pipeline
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("pipeline json: %w", err)
	}
	return finish(cfg)
}

func finish(cfg spec.Pipeline) (spec.Pipeline, error) {
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SupportedSchema
	}
	if cfg.SchemaVersion != SupportedSchema {
		return cfg, fmt.Errorf("pipeline schema_version %q not supported (want %q)", cfg.SchemaVersion, SupportedSchema)
	}
	if len(cfg.Sources) == 0 {
		return cfg, errors.New("pipeline: at least one source is required")
	}
	if cfg.OutputGroupName == "" {
		return cfg, errors.New("pipeline: output_group_name is required")
	}
	cfg.ApplyDefaults()
	return cfg, nil
}
