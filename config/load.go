package config

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. LIFECYCLE_POOL_MAX_CONNECTIONS.
const EnvPrefix = "LIFECYCLE"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads defaults, then the TOML file at path if path is not empty, then environment
// overrides. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	// Seeding viper with the encoded defaults makes every key known, so AutomaticEnv can
	// override any of them.
	var defaults bytes.Buffer
	if err := Encode(&defaults, Default()); err != nil {
		return nil, err
	}
	if err := v.ReadConfig(&defaults); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	hook := viper.DecodeHook(mapstructure.TextUnmarshallerHookFunc())
	if err := v.UnmarshalExact(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Decode reads a TOML document over the defaults. Unknown keys are rejected.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(r).DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Encode writes cfg as TOML.
func Encode(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
