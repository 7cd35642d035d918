package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/codec"
	"github.com/srg/blescope/internal/connection"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/registry"
	"github.com/srg/blescope/internal/session"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel    string           `yaml:"log_level" default:"panic"`
	Mode        string           `yaml:"mode" default:"client"`
	EventBuffer int              `yaml:"event_buffer" default:"256"`
	Scan        ScanConfig       `yaml:"scan"`
	Connection  ConnectionConfig `yaml:"connection"`
	GATT        GATTConfig       `yaml:"gatt"`
	Log         LogConfig        `yaml:"log"`
	Server      ServerConfig     `yaml:"server"`
}

// ScanConfig controls the device registry.
type ScanConfig struct {
	Staleness     time.Duration `yaml:"staleness" default:"30s"`
	PruneInterval time.Duration `yaml:"prune_interval" default:"1s"`
	ClearOnStop   bool          `yaml:"clear_on_stop"`
	Allow         []string      `yaml:"allow"`
	Block         []string      `yaml:"block"`
	Services      []string      `yaml:"services"`
}

// ConnectionConfig controls the connection manager.
type ConnectionConfig struct {
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"10s"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" default:"15s"`
	SettleDelay      time.Duration `yaml:"settle_delay" default:"1500ms"`
	Policy           string        `yaml:"policy" default:"reject"`
}

// GATTConfig controls client operations.
type GATTConfig struct {
	OperationTimeout time.Duration `yaml:"operation_timeout" default:"5s"`
}

// LogConfig bounds the notification log.
type LogConfig struct {
	MaxEntries int `yaml:"max_entries" default:"1000"`
}

// ServerConfig describes the simulated peripheral.
type ServerConfig struct {
	Name            string                 `yaml:"name" default:"blescope"`
	Service         string                 `yaml:"service" default:"6e400001-b5a3-f393-e0a9-e50e24dcca9e"`
	Characteristics []CharacteristicConfig `yaml:"characteristics"`
}

// CharacteristicConfig is one served characteristic. Value is hex.
type CharacteristicConfig struct {
	UUID       string `yaml:"uuid"`
	Properties string `yaml:"properties"`
	Value      string `yaml:"value"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Server.Characteristics = []CharacteristicConfig{{
		UUID:       "6e400003-b5a3-f393-e0a9-e50e24dcca9e",
		Properties: "read,write,notify",
	}}
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that cannot be expressed by the YAML types alone.
func (c *Config) Validate() error {
	positive := map[string]time.Duration{
		"scan.prune_interval":          c.Scan.PruneInterval,
		"connection.connect_timeout":   c.Connection.ConnectTimeout,
		"connection.discovery_timeout": c.Connection.DiscoveryTimeout,
		"gatt.operation_timeout":       c.GATT.OperationTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	if c.Scan.Staleness < 0 {
		return fmt.Errorf("scan.staleness must not be negative, got %s", c.Scan.Staleness)
	}
	if c.Connection.SettleDelay < 0 {
		return fmt.Errorf("connection.settle_delay must not be negative, got %s", c.Connection.SettleDelay)
	}
	if c.Log.MaxEntries < 0 {
		return fmt.Errorf("log.max_entries must not be negative, got %d", c.Log.MaxEntries)
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if _, err := session.ParseMode(c.Mode); err != nil {
		return fmt.Errorf("mode: %w", err)
	}
	if _, err := connection.ParsePolicy(c.Connection.Policy); err != nil {
		return fmt.Errorf("connection.policy: %w", err)
	}
	if len(c.Scan.Services) > 0 {
		if _, err := device.ValidateUUID(c.Scan.Services...); err != nil {
			return fmt.Errorf("scan.services: %w", err)
		}
	}
	_, err := c.Server.attributeSet()
	return err
}

func (s ServerConfig) attributeSet() (device.AttributeSet, error) {
	set := device.AttributeSet{Name: s.Name}
	svc, err := device.ValidateUUID(s.Service)
	if err != nil {
		return set, fmt.Errorf("server.service: %w", err)
	}
	set.Service = svc[0]
	if len(s.Characteristics) == 0 {
		return set, fmt.Errorf("server.characteristics: at least one characteristic is required")
	}

	for i, ch := range s.Characteristics {
		uuid, err := device.ValidateUUID(ch.UUID)
		if err != nil {
			return set, fmt.Errorf("server.characteristics[%d].uuid: %w", i, err)
		}
		props, err := device.ParseProperties(ch.Properties)
		if err != nil {
			return set, fmt.Errorf("server.characteristics[%d].properties: %w", i, err)
		}
		if props == 0 {
			return set, fmt.Errorf("server.characteristics[%d].properties: at least one property is required", i)
		}
		var value []byte
		if ch.Value != "" {
			if value, err = codec.DecodeHex(ch.Value); err != nil {
				return set, fmt.Errorf("server.characteristics[%d].value: %w", i, err)
			}
		}
		set.Characteristics = append(set.Characteristics, device.AttributeSpec{
			UUID:       uuid[0],
			Properties: props,
			Value:      value,
		})
	}
	return set, nil
}

// SessionOptions converts the configuration into session options.
func (c *Config) SessionOptions() (session.Options, error) {
	if err := c.Validate(); err != nil {
		return session.Options{}, err
	}
	mode, _ := session.ParseMode(c.Mode)
	policy, _ := connection.ParsePolicy(c.Connection.Policy)
	set, _ := c.Server.attributeSet()

	return session.Options{
		Staleness:     c.Scan.Staleness,
		PruneInterval: c.Scan.PruneInterval,
		ClearOnStop:   c.Scan.ClearOnStop,
		Filter: registry.Filter{
			AllowList: c.Scan.Allow,
			BlockList: c.Scan.Block,
			Services:  device.NormalizeUUIDs(c.Scan.Services),
		},
		Connection: connection.Options{
			ConnectTimeout:   c.Connection.ConnectTimeout,
			DiscoveryTimeout: c.Connection.DiscoveryTimeout,
			SettleDelay:      c.Connection.SettleDelay,
			Policy:           policy,
		},
		OperationTimeout: c.GATT.OperationTimeout,
		LogLimit:         c.Log.MaxEntries,
		EventBuffer:      c.EventBuffer,
		Server:           set,
		InitialMode:      mode,
	}, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.PanicLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
