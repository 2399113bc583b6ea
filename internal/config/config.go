// Package config loads the engine configuration from YAML with sane
// defaults for everything left unset.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/bleng/internal/central"
	"github.com/srg/bleng/internal/keystore"
	"github.com/srg/bleng/internal/security"
)

// Config is the full engine configuration.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// QueueCapacity bounds the event queue between transport and engine.
	QueueCapacity int `yaml:"queue_capacity" default:"256"`

	// Adapter selects the HCI device index (hci0, hci1, ...).
	Adapter int `yaml:"adapter" default:"0"`

	// KeystoreDir holds persisted key records. Empty keeps keys in memory.
	KeystoreDir string `yaml:"keystore_dir"`

	// CommandTimeout is the default budget for correlated commands.
	CommandTimeout time.Duration `yaml:"command_timeout" default:"10s"`

	// MTU offered to every peer after connect.
	MTU uint16 `yaml:"mtu" default:"247"`

	Connection ConnectionConfig `yaml:"connection"`
	Security   SecurityConfig   `yaml:"security"`
}

// ConnectionConfig tunes the link parameters.
type ConnectionConfig struct {
	MinInterval time.Duration `yaml:"min_interval" default:"10ms"`
	MaxInterval time.Duration `yaml:"max_interval" default:"15ms"`
	Latency     uint16        `yaml:"latency" default:"0"`
	// SupervisionTimeout of zero derives one from interval and latency.
	SupervisionTimeout time.Duration `yaml:"supervision_timeout"`
}

// SecurityConfig tunes pairing.
type SecurityConfig struct {
	// Level is the security demanded of every connection: none, encrypt,
	// or authenticate.
	Level string `yaml:"level" default:"none"`
	// IOCapability: display, display-yesno, keyboard, none, keyboard-display.
	IOCapability string `yaml:"io_capability" default:"keyboard-display"`
	Bonding      bool   `yaml:"bonding" default:"true"`
	OOB          bool   `yaml:"oob" default:"false"`
	MaxKeySize   uint8  `yaml:"max_key_size" default:"16"`
	// UserConfirmTimeout bounds how long a passkey or numeric-comparison
	// prompt stays open before it is auto-rejected.
	UserConfirmTimeout time.Duration `yaml:"user_confirm_timeout" default:"30s"`
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be positive, got %d", c.QueueCapacity)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if _, err := c.RequiredLevel(); err != nil {
		return err
	}
	if _, err := c.ioCapability(); err != nil {
		return err
	}
	return nil
}

// NewLogger builds the engine logger from the configured level.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger
}

// RequiredLevel maps the configured security level name.
func (c *Config) RequiredLevel() (keystore.SecurityLevel, error) {
	switch c.Security.Level {
	case "", "none":
		return keystore.LevelNone, nil
	case "encrypt":
		return keystore.LevelEncOnly, nil
	case "authenticate":
		return keystore.LevelEncAuth, nil
	default:
		return keystore.LevelNone, fmt.Errorf("unknown security level %q", c.Security.Level)
	}
}

func (c *Config) ioCapability() (uint8, error) {
	switch c.Security.IOCapability {
	case "display":
		return security.IOCapDisplayOnly, nil
	case "display-yesno":
		return security.IOCapDisplayYesNo, nil
	case "keyboard":
		return security.IOCapKeyboardOnly, nil
	case "none":
		return security.IOCapNone, nil
	case "", "keyboard-display":
		return security.IOCapKeyboardDisplay, nil
	default:
		return 0, fmt.Errorf("unknown io_capability %q", c.Security.IOCapability)
	}
}

// SecurityConfigFor assembles the pairing feature set.
func (c *Config) SecurityConfigFor() (security.Config, error) {
	io, err := c.ioCapability()
	if err != nil {
		return security.Config{}, err
	}
	return security.Config{
		IOCapability:       io,
		OOB:                c.Security.OOB,
		Bonding:            c.Security.Bonding,
		MaxKeySize:         c.Security.MaxKeySize,
		UserConfirmTimeout: c.Security.UserConfirmTimeout,
	}, nil
}

// Params assembles the connection parameters.
func (c *Config) Params() central.Params {
	return central.Params{
		MinInterval:        c.Connection.MinInterval,
		MaxInterval:        c.Connection.MaxInterval,
		Latency:            c.Connection.Latency,
		SupervisionTimeout: c.Connection.SupervisionTimeout,
	}
}
