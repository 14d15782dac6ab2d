package main

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dunamismax/pixelnorm/internal/policy"
)

// parseSets turns repeated --set key=value flags into an override. Values
// are read as YAML scalars or flow sequences, so "maxWidth=1200" is an int
// and "patternsToSkip=[a, b]" a list. Later flags win, except that
// patternsToSkip accumulates.
func parseSets(values []string) (policy.Override, error) {
	var (
		out      policy.Override
		patterns []string
	)
	for _, kv := range values {
		key, raw, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return policy.Override{}, fmt.Errorf("invalid --set %q: want key=value", kv)
		}
		f, err := policy.ParseField(key)
		if err != nil {
			return policy.Override{}, fmt.Errorf("invalid --set %q: %w", kv, err)
		}
		value := scalar(raw)
		if f == policy.FieldPatternsToSkip {
			var one policy.Override
			if err := one.Set(f, value); err != nil {
				return policy.Override{}, fmt.Errorf("invalid --set %q: %w", kv, err)
			}
			v, _ := one.Get(f)
			patterns = append(patterns, v.([]string)...)
			value = patterns
		}
		if err := out.Set(f, value); err != nil {
			return policy.Override{}, fmt.Errorf("invalid --set %q: %w", kv, err)
		}
	}
	return out, nil
}

func scalar(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	if _, isMap := v.(map[string]any); isMap {
		return raw
	}
	return v
}
