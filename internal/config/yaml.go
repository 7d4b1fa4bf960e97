package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// IsYAML reports whether path has a YAML extension.
func IsYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// DecodeStrict decodes JSON or YAML (chosen by the path extension) into v.
// Unknown fields and trailing data are errors.
func DecodeStrict(path string, data []byte, v any) error {
	jb, err := coerceToJSONBytes(path, data)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("%s: trailing data", filepath.Base(path))
		}
		return err
	}
	return nil
}

// coerceToJSONBytes converts YAML to JSON so one strict JSON decoder serves
// both formats. JSON input is returned unchanged.
func coerceToJSONBytes(path string, data []byte) ([]byte, error) {
	if !IsYAML(path) {
		return data, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
