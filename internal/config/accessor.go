package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// tree is the config as generic JSON, keyed by the json tags.
func tree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath returns the value at a dot path such as "kernel.model" or
// "delivery.cdnUrls.0".
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := tree(cfg)
	if err != nil {
		return nil, err
	}
	var cur any = m
	for _, key := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("invalid array index: %s", key)
			}
			cur = node[i]
		default:
			return nil, fmt.Errorf("%s: %q is not a section", path, key)
		}
	}
	return cur, nil
}

// SetByPath assigns value at a dot path. String values are coerced to bool or
// number when they parse as one; a comma-separated string assigned to a list
// becomes a list. Every section on the path must already exist and the key
// must be one the config understands.
func SetByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	m, err := tree(cfg)
	if err != nil {
		return err
	}

	keys := strings.Split(path, ".")
	section := m
	for _, key := range keys[:len(keys)-1] {
		child, ok := section[key].(map[string]any)
		if !ok {
			return fmt.Errorf("unknown section %q in %s", key, path)
		}
		section = child
	}

	leaf := keys[len(keys)-1]
	section[leaf] = coerce(section[leaf], value)

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var updated Config
	if err := json.Unmarshal(data, &updated); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	if _, err := GetByPath(&updated, path); err != nil {
		return fmt.Errorf("unknown key %s", path)
	}
	*cfg = updated
	return nil
}

// coerce converts a CLI string into the JSON type the current value suggests.
func coerce(current, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if _, isString := current.(string); isString {
		return s
	}
	if _, isList := current.([]any); isList || (current == nil && strings.Contains(s, ",")) {
		list := []any{}
		for _, item := range strings.Split(s, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
		return list
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a copy of cfg with every credential masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return cfg
	}
	for _, secret := range []*string{
		&out.Kernel.APIKey,
		&out.Kernel.TranscribeKey,
		&out.Notify.Token,
		&out.Notify.Slack.Token,
		&out.Notify.Discord.Token,
	} {
		if *secret != "" {
			*secret = maskString(*secret)
		}
	}
	return &out
}

// maskString keeps the first and last 4 characters.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths flattens the config into dot paths and their current values.
func ListPaths(cfg *Config) map[string]any {
	m, err := tree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for k, v := range node {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(p, child)
				continue
			}
			out[p] = v
		}
	}
	walk("", m)
	return out
}
