package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
)

var configFilePath = flag.String("config_file", "config.yaml", "Path to the configuration file.")

// InitFlags initializes the flags from the config file specified by the -config_file flag.
// It should be called after defining all flags and before using them.
func InitFlags() {
	flag.Parse()

	if *configFilePath == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return
	}
	if err := loadConfigFile(flag.CommandLine, *configFilePath); errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", *configFilePath, "error", err)
	} else if err != nil { // If the config file cannot be applied, we keep the flag values.
		slog.Error("Failed to load config file.", "path", *configFilePath, "error", err)
	}
}

// loadConfigFile reads the config file at `path` and applies it to `flagSet`.
func loadConfigFile(flagSet *flag.FlagSet, path string) error {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	conf, err := parseConfig(configBytes)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := setConfigFlags(flagSet, conf); err != nil {
		return fmt.Errorf("failed to set flags from config file: %w", err)
	}
	return nil
}
