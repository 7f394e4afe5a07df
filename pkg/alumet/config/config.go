// Package config loads the process-level Alumet configuration file and
// exposes per-plugin subtrees to StartContext.PluginConfig: a path
// resolved from flags/env, and a Load function returning a typed tree
// everything downstream consumes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Tree is the fully parsed on-disk configuration: a `plugins.<name>.*`
// subtree per plugin, plus the top-level allow_no_metrics key that every
// agent reads directly.
type Tree struct {
	v *viper.Viper
}

// Default path for the agent's config file, matching the CLI surface's
// `--config` default.
const DefaultPath = "alumet-config.toml"

// Load reads the TOML configuration file at path (creating none if
// missing — callers wanting an on-disk default should call WriteDefault
// first) and layers environment variables and CLI overrides on top.
//
// overrides is the `--config-override key=value` list from the CLI,
// applied last so it always wins; keys use viper's dotted path syntax,
// e.g. "plugins.csv.output_path".
func Load(path string, overrides []string) (*Tree, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("ALUMET")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		// Missing file is not fatal: an agent run with only
		// --config-override and defaults is valid.
	}

	for _, kv := range overrides {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("config: invalid --config-override %q, expected key=value", kv)
		}
		v.Set(key, parseOverrideValue(val))
	}

	return &Tree{v: v}, nil
}

// parseOverrideValue applies the same coercions a TOML value would get:
// bare true/false become bool, bare integers become int64, everything
// else (including explicitly quoted strings) stays a string.
func parseOverrideValue(raw string) any {
	if len(raw) >= 2 && (raw[0] == '"' || raw[0] == '\'') && raw[len(raw)-1] == raw[0] {
		return raw[1 : len(raw)-1]
	}
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	return raw
}

// PluginConfig returns the plugins.<name> subtree as a generic map, the
// shape StartContext.PluginConfig hands to plugins.
func (t *Tree) PluginConfig(name string) map[string]any {
	sub := t.v.Sub("plugins." + name)
	if sub == nil {
		return map[string]any{}
	}
	return sub.AllSettings()
}

// AllowNoOutputs reads the top-level allow_no_metrics key, reused here
// for outputs since the two knobs are set together in practice.
func (t *Tree) AllowNoOutputs() bool {
	return t.v.GetBool("allow_no_metrics")
}

// Decode remarshals raw (as returned by PluginConfig) into out via YAML,
// so plugins that want a typed config struct instead of the generic map
// can opt in.
func Decode(raw map[string]any, out any) error {
	b, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config: remarshal: %w", err)
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return fmt.Errorf("config: decode: %w", err)
	}
	return nil
}

// WriteDefault writes a minimal configuration file (allow_no_metrics =
// false, nothing else) to path, for the --regen-config CLI flag. Existing
// files are overwritten.
func WriteDefault(path string) error {
	v := viper.New()
	v.SetConfigType("toml")
	v.Set("allow_no_metrics", false)
	v.SetConfigFile(path)
	if err := v.SafeWriteConfig(); err != nil {
		// SafeWriteConfig refuses to overwrite; WriteConfig always does.
		if err := v.WriteConfig(); err != nil {
			return fmt.Errorf("config: write default to %s: %w", path, err)
		}
	}
	return nil
}
