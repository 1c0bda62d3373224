package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// FilePermissions is the default permission mode for regular files (read/write for owner, read for others)
	FilePermissions = 0644
	// DirPermissions is the default permission mode for directories (rwxr-xr-x)
	DirPermissions = 0755

	// EnvPrefix prefixes every environment override (ECHOBENCH_ADDRESS, ...)
	EnvPrefix = "ECHOBENCH"
)

var (
	// ConfigDir is the global configuration directory (~/.echobench)
	ConfigDir string

	// ServersDir holds echo server configuration files
	ServersDir string

	// DatabasePath is the SQLite database file for saved configs and run history
	DatabasePath string

	// ConfigFile is the default layered configuration file
	ConfigFile string
)

// Initialize sets up the configuration directories
// It creates ~/.echobench/ if it doesn't exist
func Initialize() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	return InitializeAt(filepath.Join(homeDir, ".echobench"))
}

// InitializeAt sets up the configuration layout rooted at dir
func InitializeAt(dir string) error {
	ConfigDir = dir
	ServersDir = filepath.Join(ConfigDir, "servers")
	DatabasePath = filepath.Join(ConfigDir, "echobench.db")
	ConfigFile = filepath.Join(ConfigDir, "config.yaml")

	// Create directories if they don't exist
	for _, d := range []string{ConfigDir, ServersDir} {
		if err := os.MkdirAll(d, DirPermissions); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}

	return nil
}

// Load layers configFile and ECHOBENCH_* environment variables into v.
// An empty configFile falls back to ConfigFile, which may be absent.
func Load(v *viper.Viper, configFile string) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	explicit := configFile != ""
	if !explicit {
		configFile = ConfigFile
	}
	if configFile == "" {
		return nil
	}

	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !explicit && (errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	return nil
}

// ResolvePath expands a leading ~/ and makes relative paths relative to ConfigDir
func ResolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}

	if filepath.IsAbs(path) || ConfigDir == "" {
		return path, nil
	}

	// Paths that exist relative to the working directory win
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	return filepath.Join(ConfigDir, path), nil
}
