// Package config is used to load the configuration file
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type relocation struct {
	Disabled    bool     `json:"disabled"`
	BinaryGlobs []string `json:"binary_globs"`
	Rpaths      []string `json:"rpaths"`
	Allowlist   []string `json:"rpath_allowlist"`
}

type tools struct {
	Prefixes []string `json:"prefixes"`
}

// Config is the configuration struct
type Config struct {
	Relocation relocation `json:"relocation"`
	Tools      tools      `json:"tools"`
}

func (c *Config) verify() error {
	if c.Relocation.Disabled {
		if len(c.Relocation.Rpaths) > 0 || len(c.Relocation.BinaryGlobs) > 0 {
			return fmt.Errorf("config: relocation is disabled but rpaths/binary_globs are set")
		}
	}
	return nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	c := &Config{}

	if err := viper.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if err := c.verify(); err != nil {
		return nil, err
	}

	return c, nil
}
