package pipeline

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"maker/pkg/answer"
)

// Definition is a pipeline described in YAML:
//
//	name: train-schedule
//	margin: 3
//	max_attempts: 15
//	expected: "11:45 AM"
//	stages:
//	  - name: arrive-b
//	    task: "Depart Station A at 8:15 AM ..."
//	  - name: depart-b
//	    task: "Arrived at {{previous}} ..."
type Definition struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description,omitempty"`
	Placeholder string  `yaml:"placeholder,omitempty"`
	Margin      int     `yaml:"margin,omitempty"`
	MaxAttempts int     `yaml:"max_attempts,omitempty"`
	Expected    string  `yaml:"expected,omitempty"`
	Stages      []Stage `yaml:"stages"`
}

// LoadDefinition reads and validates a definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file %s: %w", path, err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline file %s: %w", path, err)
	}
	return def, nil
}

// ParseDefinition decodes YAML, rejecting unknown fields, and validates the result.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks parameters and stage wiring.
func (d *Definition) Validate() error {
	if d.Margin < 0 {
		return fmt.Errorf("margin must not be negative, got %d", d.Margin)
	}
	if d.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative, got %d", d.MaxAttempts)
	}
	if d.Expected != "" {
		if _, err := d.ExpectedKey(); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(d.Stages))
	for i, st := range d.Stages {
		if st.Name == "" {
			continue
		}
		if seen[st.Name] {
			return fmt.Errorf("duplicate stage name %q at stage %d", st.Name, i+1)
		}
		seen[st.Name] = true
	}
	return New(nil, d.Config()).Validate(d.Stages)
}

// ExpectedKey normalizes Expected. It returns answer.Unparseable when unset.
func (d *Definition) ExpectedKey() (answer.Key, error) {
	if d.Expected == "" {
		return answer.Unparseable, nil
	}
	key, err := answer.Normalize(d.Expected, false)
	if err != nil {
		return answer.Unparseable, fmt.Errorf("invalid expected answer: %w", err)
	}
	return key, nil
}

// Config returns the pipeline parameters declared by the definition.
func (d *Definition) Config() Config {
	return Config{
		Placeholder: d.Placeholder,
		Margin:      d.Margin,
		MaxAttempts: d.MaxAttempts,
	}
}
