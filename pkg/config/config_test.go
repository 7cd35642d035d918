package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/connection"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "panic", cfg.LogLevel)
	assert.Equal(t, "client", cfg.Mode)
	assert.Equal(t, 30*time.Second, cfg.Scan.Staleness)
	assert.Equal(t, time.Second, cfg.Scan.PruneInterval)
	assert.Equal(t, 10*time.Second, cfg.Connection.ConnectTimeout)
	assert.Equal(t, 15*time.Second, cfg.Connection.DiscoveryTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Connection.SettleDelay)
	assert.Equal(t, "reject", cfg.Connection.Policy)
	assert.Equal(t, 5*time.Second, cfg.GATT.OperationTimeout)
	assert.Equal(t, 1000, cfg.Log.MaxEntries)
	assert.Equal(t, 256, cfg.EventBuffer)
	assert.Equal(t, "blescope", cfg.Server.Name)
	require.Len(t, cfg.Server.Characteristics, 1)
	assert.NoError(t, cfg.Validate())
}

func TestSessionOptionsFromDefaults(t *testing.T) {
	opts, err := DefaultConfig().SessionOptions()
	require.NoError(t, err)

	def := session.DefaultOptions()
	assert.Equal(t, def.Staleness, opts.Staleness)
	assert.Equal(t, def.Connection, opts.Connection)
	assert.Equal(t, def.OperationTimeout, opts.OperationTimeout)
	assert.Equal(t, def.LogLimit, opts.LogLimit)
	assert.Equal(t, session.ModeClient, opts.InitialMode)

	assert.Equal(t, "6e400001b5a3f393e0a9e50e24dcca9e", opts.Server.Service)
	require.Len(t, opts.Server.Characteristics, 1)
	assert.Equal(t, "6e400003b5a3f393e0a9e50e24dcca9e", opts.Server.Characteristics[0].UUID)
	assert.Equal(t, device.PropRead|device.PropWrite|device.PropNotify, opts.Server.Characteristics[0].Properties)
}

func TestLoadOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blescope.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: server
scan:
  staleness: 1m
  services: ["180D"]
connection:
  policy: replace
server:
  name: thermo
  service: "181a"
  characteristics:
    - uuid: "2a6e"
      properties: read,notify
      value: "0a01"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.Scan.Staleness)
	assert.Equal(t, time.Second, cfg.Scan.PruneInterval, "keys missing from the file MUST keep their defaults")
	assert.Equal(t, 10*time.Second, cfg.Connection.ConnectTimeout)

	opts, err := cfg.SessionOptions()
	require.NoError(t, err)
	assert.Equal(t, session.ModeServer, opts.InitialMode)
	assert.Equal(t, connection.PolicyReplace, opts.Connection.Policy)
	assert.Equal(t, []string{"180d"}, opts.Filter.Services)
	assert.Equal(t, "thermo", opts.Server.Name)
	assert.Equal(t, "181a", opts.Server.Service)
	require.Len(t, opts.Server.Characteristics, 1)
	assert.Equal(t, []byte{0x0a, 0x01}, opts.Server.Characteristics[0].Value)
}

func TestLoadWithoutPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scan: [unclosed"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "zero prune interval",
			mutate:  func(c *Config) { c.Scan.PruneInterval = 0 },
			wantErr: "scan.prune_interval must be positive",
		},
		{
			name:    "negative staleness",
			mutate:  func(c *Config) { c.Scan.Staleness = -time.Second },
			wantErr: "scan.staleness must not be negative",
		},
		{
			name:   "zero staleness disables pruning",
			mutate: func(c *Config) { c.Scan.Staleness = 0 },
		},
		{
			name:    "unknown policy",
			mutate:  func(c *Config) { c.Connection.Policy = "queue" },
			wantErr: "connection.policy",
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Mode = "observer" },
			wantErr: "mode",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: "log_level",
		},
		{
			name:    "bad scan service",
			mutate:  func(c *Config) { c.Scan.Services = []string{"xyz"} },
			wantErr: "scan.services",
		},
		{
			name:    "bad server service",
			mutate:  func(c *Config) { c.Server.Service = "12345" },
			wantErr: "server.service",
		},
		{
			name:    "no characteristics",
			mutate:  func(c *Config) { c.Server.Characteristics = nil },
			wantErr: "at least one characteristic",
		},
		{
			name:    "no properties",
			mutate:  func(c *Config) { c.Server.Characteristics[0].Properties = "" },
			wantErr: "at least one property",
		},
		{
			name:    "malformed initial value",
			mutate:  func(c *Config) { c.Server.Characteristics[0].Value = "0x1" },
			wantErr: "server.characteristics[0].value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{
			name:     "creates logger with debug level",
			logLevel: "debug",
			want:     logrus.DebugLevel,
		},
		{
			name:     "creates logger with warn level",
			logLevel: "warn",
			want:     logrus.WarnLevel,
		},
		{
			name:     "falls back to panic level",
			logLevel: "loud",
			want:     logrus.PanicLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				LogLevel: tt.logLevel,
			}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}
