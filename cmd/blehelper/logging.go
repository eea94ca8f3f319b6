package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/R1ick/BLEHelper/pkg/config"
)

// loadConfig resolves the effective configuration for a command: the
// defaults, layered under the file named by --config when one is given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadFile(path)
}

// configureLogger creates a logger for a command run. Precedence, highest
// first: --log-level, the verbose flag, the config file's logLevel.
// Returns the logger together with the resolved configuration so commands
// can pick up their timeout defaults from the same source.
func configureLogger(cmd *cobra.Command, verboseFlagName string) (*logrus.Logger, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	logLevel := cfg.Level()

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr != "" {
		parsed, err := logrus.ParseLevel(logLevelStr)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
		logLevel = parsed
	} else if verboseFlagName != "" {
		if verbose, _ := cmd.Flags().GetBool(verboseFlagName); verbose {
			logLevel = logrus.DebugLevel
		}
	}

	cfg.LogLevel = logLevel.String()
	return cfg.NewLogger(), cfg, nil
}
