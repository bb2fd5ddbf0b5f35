package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ehr/recordmerge/internal/domain/merge"
)

// LoadPolicy reads a YAML merge policy from path and overlays it on the
// built-in defaults. Fields left out keep their default; a map entry or list
// that is given replaces the default one whole. An empty path yields the
// defaults. Unknown keys are errors.
func LoadPolicy(path string) (merge.Policy, error) {
	p := merge.DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read merge policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy overlays a YAML document on the defaults and validates the
// result.
func ParsePolicy(data []byte) (merge.Policy, error) {
	p := merge.DefaultPolicy()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return p, fmt.Errorf("parse merge policy: %w", err)
		}
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// MarshalPolicy renders p as YAML, the format LoadPolicy reads.
func MarshalPolicy(p merge.Policy) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("encode merge policy: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
