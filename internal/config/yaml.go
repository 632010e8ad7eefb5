// Package config loads command defaults from a YAML file.
package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// YAML is a kong.ConfigurationLoader for YAML files. Keys are flag names with
// dashes or underscores. A top-level mapping named after a command scopes its
// keys to that command, for example:
//
//	store: journal
//	worker:
//	  concurrency: 4
func YAML(r io.Reader) (kong.Resolver, error) {
	values := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&values); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return &yamlResolver{values: values}, nil
}

type yamlResolver struct {
	values map[string]any
}

func (y *yamlResolver) Validate(app *kong.Application) error {
	return nil
}

func (y *yamlResolver) Resolve(kctx *kong.Context, parent *kong.Path, flag *kong.Flag) (any, error) {
	if cmd := commandName(parent); cmd != "" {
		if section, ok := y.values[cmd].(map[string]any); ok {
			if v, ok := lookup(section, flag.Name); ok {
				return v, nil
			}
		}
	}
	if v, ok := lookup(y.values, flag.Name); ok {
		return v, nil
	}
	return nil, nil
}

func commandName(parent *kong.Path) string {
	if parent == nil || parent.Command == nil {
		return ""
	}
	return parent.Command.Name
}

func lookup(values map[string]any, name string) (string, bool) {
	for _, key := range []string{name, strings.ReplaceAll(name, "-", "_")} {
		v, ok := values[key]
		if !ok {
			continue
		}
		if _, isSection := v.(map[string]any); isSection {
			return "", false
		}
		return scalar(v), true
	}
	return "", false
}

// scalar renders a YAML value in the textual form kong parses. Lists become
// comma separated values for slice flags.
func scalar(v any) string {
	list, ok := v.([]any)
	if !ok {
		return fmt.Sprint(v)
	}
	parts := make([]string, 0, len(list))
	for _, item := range list {
		parts = append(parts, fmt.Sprint(item))
	}
	return strings.Join(parts, ",")
}
