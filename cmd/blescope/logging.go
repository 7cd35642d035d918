package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blescope/pkg/config"
)

// loadConfig reads --config and applies the command line overrides on top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if f := cmd.Flags().Lookup("mode"); f != nil && f.Changed {
		cfg.Mode = f.Value.String()
	}
	if f := cmd.Flags().Lookup("policy"); f != nil && f.Changed {
		cfg.Connection.Policy = f.Value.String()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configureLogger creates a logger with the appropriate log level based on flags.
// --log-level takes precedence over --verbose, and both over the configured level.
// The returned closer releases the --log-file, if one was opened.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, func() error, error) {
	level := cfg.LogLevel

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr != "" {
		switch logLevelStr {
		case "debug", "info", "warn", "error":
			level = logLevelStr
		default:
			return nil, nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}

	withLevel := *cfg
	withLevel.LogLevel = level
	logger := withLevel.NewLogger()

	closer := func() error { return nil }
	if path, _ := cmd.Flags().GetString("log-file"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(f)
		closer = f.Close
	} else {
		var out io.Writer = cmd.ErrOrStderr()
		logger.SetOutput(out)
	}
	return logger, closer, nil
}
