package main

import (
	"fmt"
	"strings"

	"github.com/gandaldf/shylock"
	"gopkg.in/yaml.v3"
)

// parseParams turns name=value flags into query parameters. Values are YAML
// scalars or flow sequences: 1 is an int, true a bool, null or an empty value
// NULL, '1' a string and [1, 2] a list expanded into placeholders.
func parseParams(flags []string) (shylock.P, error) {
	p := make(shylock.P, len(flags))
	for _, f := range flags {
		name, raw, ok := strings.Cut(f, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q: want name=value", f)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("invalid parameter %q: %w", name, err)
		}
		if _, ok := v.(map[string]any); ok {
			return nil, fmt.Errorf("invalid parameter %q: mappings are not supported", name)
		}
		p[name] = v
	}
	return p, nil
}
