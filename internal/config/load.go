// Package config loads binary configuration from an optional YAML file and
// the command line.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Load fills dst from the YAML file at path, then reapplies every flag the
// user set explicitly so the command line wins over the file. Flags must be
// bound to fields of dst. An empty path only keeps the flag values.
func Load(path string, flags *pflag.FlagSet, dst any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	changed := make(map[string]string)
	flags.Visit(func(f *pflag.Flag) {
		changed[f.Name] = f.Value.String()
	})

	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	for name, value := range changed {
		if err := flags.Set(name, value); err != nil {
			return fmt.Errorf("config: reapply --%s: %w", name, err)
		}
	}
	return nil
}
