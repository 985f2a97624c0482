package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toJSON returns the document as JSON. A .json file, or one starting with
// '{' and not named .yaml/.yml, is taken as-is; everything else is YAML.
func toJSON(path string, data []byte) ([]byte, error) {
	body := bytes.TrimSpace(data)
	switch ext := strings.ToLower(filepath.Ext(path)); {
	case ext == ".json":
		return data, nil
	case ext != ".yaml" && ext != ".yml" && bytes.HasPrefix(body, []byte("{")):
		return data, nil
	case len(body) == 0:
		return []byte("{}"), nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return out, nil
}

// stringKeys rewrites non-string mapping keys (`1: x`) so the tree marshals
// as JSON.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = stringKeys(e)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = stringKeys(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = stringKeys(e)
		}
		return t
	}
	return v
}
