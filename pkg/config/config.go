package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/blprov/internal/device"
	"github.com/srg/blprov/internal/provision"
)

// Supported radio backends.
const (
	BackendGoBLE  = "goble"
	BackendTinyGo = "tinygo"
)

// Config holds application configuration
type Config struct {
	LogLevel              string        `yaml:"log_level"` // empty keeps the CLI silent
	Backend               string        `yaml:"backend" default:"goble"`
	ServiceUUID           string        `yaml:"service_uuid" default:"193DB24F-E42E-49D2-9A70-6A5616863A9D"`
	CharacteristicUUID    string        `yaml:"characteristic_uuid" default:"43CDD5AB-3EF6-496A-A4CC-9933F5ADAF68"`
	ScanTimeout           time.Duration `yaml:"scan_timeout" default:"5s"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout" default:"30s"`
	Payload               string        `yaml:"payload"` // hex, empty by default
	RequireCharacteristic bool          `yaml:"require_characteristic" default:"true"`
	DisconnectOnAbort     bool          `yaml:"disconnect_on_abort" default:"false"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file on top of the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every value that can be checked without a radio.
func (c *Config) Validate() error {
	var errs []error

	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("log_level: %w", err))
		}
	}
	switch c.Backend {
	case BackendGoBLE, BackendTinyGo:
	default:
		errs = append(errs, fmt.Errorf("backend: unknown backend %q (want %s or %s)", c.Backend, BackendGoBLE, BackendTinyGo))
	}
	if _, err := c.Targets(); err != nil {
		errs = append(errs, err)
	}
	if c.ScanTimeout <= 0 {
		errs = append(errs, fmt.Errorf("scan_timeout: must be positive, got %s", c.ScanTimeout))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("connect_timeout: must be positive, got %s", c.ConnectTimeout))
	}
	if _, err := c.PayloadBytes(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Targets parses the configured identifiers.
func (c *Config) Targets() (provision.Targets, error) {
	ids, err := device.ValidateUUID(c.ServiceUUID, c.CharacteristicUUID)
	if err != nil {
		return provision.Targets{}, fmt.Errorf("targets: %w", err)
	}
	return provision.Targets{Service: ids[0], Characteristic: ids[1]}, nil
}

// Policy returns the session policy described by the configuration.
func (c *Config) Policy() provision.Policy {
	return provision.Policy{
		DisconnectOnAbort:     c.DisconnectOnAbort,
		RequireCharacteristic: c.RequireCharacteristic,
	}
}

// PayloadBytes decodes the hex payload. Spaces, colons and a 0x prefix are accepted.
func (c *Config) PayloadBytes() ([]byte, error) {
	s := strings.TrimSpace(c.Payload)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(" ", "", ":", "").Replace(s)

	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("payload: invalid hex: %w", err)
	}
	return b, nil
}

// Level returns the parsed log level. An empty level is PanicLevel, an unparsable one InfoLevel.
func (c *Config) Level() logrus.Level {
	if c.LogLevel == "" {
		return logrus.PanicLevel
	}
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
