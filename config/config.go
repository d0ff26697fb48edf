// Package config loads the configuration files of the dispense server and
// client and maps them onto the options of the library packages.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (DISPENSE_*, e.g. DISPENSE_LISTEN_PORT=11020)
//  2. The configuration file (YAML)
//  3. Default values
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-dispense/logger"
)

// EnvPrefix prefixes the environment variables overriding file values.
const EnvPrefix = "DISPENSE"

// ErrNotFound is returned when an explicitly given configuration file does not exist.
var ErrNotFound = errors.New("config: file not found")

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR" yaml:"level"`

	// Console renders human friendly records instead of JSON lines.
	Console bool `mapstructure:"console" yaml:"console"`
}

// NewLogger builds the logger described by c.
func (c LoggingConfig) NewLogger() (logger.Logger, error) {
	level, err := logger.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	return logger.NewSlogWithWriter(os.Stderr, level, false, c.Console), nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the validate tags of cfg.
func Validate(cfg any) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	return nil
}

// newViper sets up a viper instance reading path, with environment overrides.
func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}

	return v
}

// load reads the file of v, if any, and decodes it into out.
func load(v *viper.Viper, path string, out any) error {
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(out, viper.DecodeHook(decodeHooks())); err != nil {
		return fmt.Errorf("config: decode: %w", err)
	}

	return Validate(out)
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

// write marshals cfg as YAML to path, creating the parent directory.
func write(path string, cfg any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	// seed passwords may be present
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}

	return nil
}
