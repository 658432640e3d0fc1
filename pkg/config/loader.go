package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/armorclaw/keyguard/pkg/logger"
)

// Load loads configuration from a file path. An empty path searches
// ConfigPaths and falls back to defaults when no file exists.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		for _, p := range ConfigPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path == "" {
		logger.Debug("no configuration file found, using defaults", "checked", ConfigPaths())
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadOrDie loads configuration or exits on error
func LoadOrDie(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func envBool(name string, target *bool) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*target = b
	return nil
}

func envString(name string, target *string) {
	if v := os.Getenv(name); v != "" {
		*target = v
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	envString("KEYGUARD_LOG_LEVEL", &cfg.Logging.Level)
	envString("KEYGUARD_LOG_FORMAT", &cfg.Logging.Format)
	envString("KEYGUARD_LOG_OUTPUT", &cfg.Logging.Output)
	envString("KEYGUARD_LOG_FILE", &cfg.Logging.File)

	if err := envBool("KEYGUARD_SECURE_DESKTOP", &cfg.Desktop.Secure); err != nil {
		return err
	}
	if err := envBool("KEYGUARD_LOCK_MEMORY", &cfg.Desktop.LockMemory); err != nil {
		return err
	}

	envString("KEYGUARD_KEYFILE_FORMAT", &cfg.KeyFile.DefaultFormat)

	if err := envBool("KEYGUARD_REMEMBER", &cfg.Sources.Remember); err != nil {
		return err
	}
	envString("KEYGUARD_HISTORY_DB", &cfg.Sources.HistoryDB)

	envString("VAULT_ADDR", &cfg.Providers.Vault.Address)
	envString("VAULT_TOKEN", &cfg.Providers.Vault.Token)

	envString("KEYGUARD_METRICS_TEXTFILE", &cfg.Metrics.Textfile)

	return nil
}

// Save saves the configuration to a file
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Forward slashes keep Windows paths from being read as TOML escapes
	cfgCopy := *cfg
	cfgCopy.Sources.HistoryDB = filepath.ToSlash(cfg.Sources.HistoryDB)
	cfgCopy.Logging.File = filepath.ToSlash(cfg.Logging.File)
	cfgCopy.Metrics.Textfile = filepath.ToSlash(cfg.Metrics.Textfile)
	// Tokens belong in VAULT_TOKEN, not on disk
	cfgCopy.Providers.Vault.Token = ""

	data, err := toml.Marshal(&cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GenerateExampleConfig generates an example configuration file
func GenerateExampleConfig(path string) error {
	cfg := DefaultConfig()

	cfg.Logging.Level = "info"
	cfg.Desktop.Secure = true
	cfg.Files = []FileRule{
		{Pattern: "*-shared.kgdb", Password: true, OSAccount: false, KeyFile: "/media/usb/shared.keyx"},
	}
	cfg.Providers.Shamir.Enabled = true
	cfg.Providers.Vault.Address = "https://vault.example.com:8200"
	cfg.Metrics.Textfile = filepath.Join(keyguardDir(), "keyguard.prom")

	return Save(cfg, path)
}
