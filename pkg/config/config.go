// Package config loads runtime settings from a JSON or TOML file and the
// environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tracejit/pkg/jit"

	"github.com/pelletier/go-toml/v2"
)

const (
	EnvMode    = "TRACEJIT_MODE"
	EnvVerbose = "TRACEJIT_VERBOSE"
)

// Config mirrors jit.Config. Sizes left zero take the runtime defaults.
type Config struct {
	CodeSize          int  `json:"code_size" toml:"code_size"`
	PageSize          int  `json:"page_size" toml:"page_size"`
	MaxFrameSlots     int  `json:"max_frame_slots" toml:"max_frame_slots"`
	MaxExchangeSlots  int  `json:"max_exchange_slots" toml:"max_exchange_slots"`
	NurserySize       int  `json:"nursery_size" toml:"nursery_size"`
	StackSize         int  `json:"stack_size" toml:"stack_size"`
	AssertNoException bool `json:"assert_no_exception" toml:"assert_no_exception"`
	Disabled          bool `json:"disabled" toml:"disabled"`
	Verbose           bool `json:"verbose" toml:"verbose"`
}

// Load reads path, choosing the codec by extension (.toml, otherwise JSON),
// then applies the environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// Parse decodes data. ext selects TOML when it is ".toml".
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	if strings.EqualFold(ext, ".toml") {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	} else if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv returns the zero config with the environment overrides applied.
func FromEnv() *Config {
	var cfg Config
	cfg.ApplyEnv(os.Getenv)
	return &cfg
}

// ApplyEnv sets Disabled when TRACEJIT_MODE is "interpreter" and Verbose
// when TRACEJIT_VERBOSE is "1" or "true".
func (c *Config) ApplyEnv(getenv func(string) string) {
	if strings.EqualFold(getenv(EnvMode), "interpreter") {
		c.Disabled = true
	}
	switch strings.ToLower(getenv(EnvVerbose)) {
	case "1", "true":
		c.Verbose = true
	}
}

func (c *Config) validate() error {
	for _, f := range []struct {
		name string
		v    int
	}{
		{"code_size", c.CodeSize},
		{"page_size", c.PageSize},
		{"max_frame_slots", c.MaxFrameSlots},
		{"max_exchange_slots", c.MaxExchangeSlots},
		{"nursery_size", c.NurserySize},
		{"stack_size", c.StackSize},
	} {
		if f.v < 0 {
			return fmt.Errorf("%s is negative: %d", f.name, f.v)
		}
	}
	if c.PageSize > 0 && c.CodeSize > 0 && c.PageSize > c.CodeSize {
		return fmt.Errorf("page_size %d exceeds code_size %d", c.PageSize, c.CodeSize)
	}
	return nil
}

// JIT converts c to the runtime's configuration.
func (c *Config) JIT() jit.Config {
	return jit.Config{
		CodeSize:          c.CodeSize,
		PageSize:          c.PageSize,
		MaxFrameSlots:     c.MaxFrameSlots,
		MaxExchangeSlots:  c.MaxExchangeSlots,
		NurserySize:       c.NurserySize,
		StackSize:         c.StackSize,
		AssertNoException: c.AssertNoException,
		Disabled:          c.Disabled,
		Verbose:           c.Verbose,
	}
}

// Save writes c as TOML or JSON, by path extension.
func (c *Config) Save(path string) error {
	var data []byte
	var err error
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		data, err = toml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
