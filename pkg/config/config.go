// Package config provides configuration management for keyguard.
// Supports TOML configuration files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/armorclaw/keyguard/pkg/keyfile"
	"github.com/armorclaw/keyguard/pkg/keyprovider"
	"github.com/armorclaw/keyguard/pkg/keysource"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config holds all keyguard configuration
type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Desktop   DesktopConfig   `toml:"desktop"`
	KeyFile   KeyFileConfig   `toml:"keyfile"`
	Sources   SourcesConfig   `toml:"sources"`
	Files     []FileRule      `toml:"files"`
	Providers ProvidersConfig `toml:"providers"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// LoggingConfig holds logging-specific configuration
type LoggingConfig struct {
	Level string `toml:"level" env:"KEYGUARD_LOG_LEVEL"`

	// Format is "json" or "text"
	Format string `toml:"format" env:"KEYGUARD_LOG_FORMAT"`

	// Output is "stdout", "stderr" or "file"
	Output string `toml:"output" env:"KEYGUARD_LOG_OUTPUT"`

	// File is the log file path when Output is "file"
	File string `toml:"file" env:"KEYGUARD_LOG_FILE"`
}

// DesktopConfig controls how the credential dialog is isolated
type DesktopConfig struct {
	// Secure runs the dialog in an isolated session by default
	Secure bool `toml:"secure" env:"KEYGUARD_SECURE_DESKTOP"`

	// LockMemory locks process memory while the isolated session runs
	LockMemory bool `toml:"lock_memory" env:"KEYGUARD_LOCK_MEMORY"`

	// RetryInterval is the minimum delay between failed unlock attempts
	RetryInterval string `toml:"retry_interval"`

	// MaxAttempts bounds re-prompts after failures (0 = unlimited)
	MaxAttempts int `toml:"max_attempts"`
}

// KeyFileConfig holds key file defaults
type KeyFileConfig struct {
	// DefaultFormat is the format of newly created key files
	DefaultFormat string `toml:"default_format" env:"KEYGUARD_KEYFILE_FORMAT"`

	// AllowRaw offers loading non-container files as raw key material
	AllowRaw bool `toml:"allow_raw"`
}

// SourcesConfig holds global key source defaults
type SourcesConfig struct {
	// Remember stores the last successful key source choice per database
	Remember bool `toml:"remember" env:"KEYGUARD_REMEMBER"`

	// HistoryDB is the path of the remembered choices database
	HistoryDB string `toml:"history_db" env:"KEYGUARD_HISTORY_DB"`

	Password  bool   `toml:"password"`
	KeyFile   string `toml:"key_file"`
	OSAccount bool   `toml:"os_account"`
}

// FileRule enforces key source defaults for databases matching Pattern.
// Patterns use filepath.Match syntax against the full path and the base name.
type FileRule struct {
	Pattern   string `toml:"pattern"`
	Password  bool   `toml:"password"`
	KeyFile   string `toml:"key_file"`
	OSAccount bool   `toml:"os_account"`
}

// ProvidersConfig configures the built-in key providers
type ProvidersConfig struct {
	Vault  VaultProviderConfig  `toml:"vault"`
	Shamir ShamirProviderConfig `toml:"shamir"`
}

// VaultProviderConfig configures the HashiCorp Vault provider
type VaultProviderConfig struct {
	Enabled bool   `toml:"enabled"`
	Name    string `toml:"name"`
	Address string `toml:"address" env:"VAULT_ADDR"`
	Token   string `toml:"token" env:"VAULT_TOKEN"`
	Mount   string `toml:"mount"`
	Path    string `toml:"path"`
	Field   string `toml:"field"`
	Timeout string `toml:"timeout"`
}

// ShamirProviderConfig configures the Shamir share provider
type ShamirProviderConfig struct {
	Enabled   bool   `toml:"enabled"`
	Name      string `toml:"name"`
	Threshold int    `toml:"threshold"`
}

// MetricsConfig controls metrics export
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`

	// Textfile is written after each command for node_exporter's
	// textfile collector
	Textfile string `toml:"textfile" env:"KEYGUARD_METRICS_TEXTFILE"`
}

func keyguardDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".keyguard"
	}
	return filepath.Join(homeDir, ".keyguard")
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "text",
			Output: "stderr",
		},
		Desktop: DesktopConfig{
			Secure:        false,
			LockMemory:    true,
			RetryInterval: "1s",
			MaxAttempts:   5,
		},
		KeyFile: KeyFileConfig{
			DefaultFormat: keyfile.DefaultFormat.String(),
			AllowRaw:      true,
		},
		Sources: SourcesConfig{
			Remember:  true,
			HistoryDB: filepath.Join(keyguardDir(), "history.db"),
			Password:  true,
			KeyFile:   keysource.NoKeyFile,
		},
		Providers: ProvidersConfig{
			Vault: VaultProviderConfig{
				Name:    keyprovider.VaultProviderName,
				Mount:   "secret",
				Path:    "keyguard/{db}",
				Field:   "key",
				Timeout: "10s",
			},
			Shamir: ShamirProviderConfig{
				Name:      keyprovider.ShamirProviderName,
				Threshold: 3,
			},
		},
	}
}

// ConfigPaths returns the list of default configuration file paths to check
func ConfigPaths() []string {
	return []string{
		"./keyguard.toml",
		filepath.Join(keyguardDir(), "config.toml"),
		filepath.Join("/etc", "keyguard", "config.toml"),
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("%w: logging.level must be one of: debug, info, warn, error", ErrInvalidConfig)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("%w: logging.format must be one of: json, text", ErrInvalidConfig)
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("%w: logging.output must be one of: stdout, stderr, file", ErrInvalidConfig)
	}
	if c.Logging.Output == "file" && c.Logging.File == "" {
		return fmt.Errorf("%w: logging.file is required when logging.output is 'file'", ErrInvalidConfig)
	}

	if _, err := c.RetryInterval(); err != nil {
		return fmt.Errorf("%w: desktop.retry_interval: %w", ErrInvalidConfig, err)
	}
	if c.Desktop.MaxAttempts < 0 {
		return fmt.Errorf("%w: desktop.max_attempts cannot be negative", ErrInvalidConfig)
	}

	if _, err := c.KeyFileFormat(); err != nil {
		return fmt.Errorf("%w: keyfile.default_format: %w", ErrInvalidConfig, err)
	}

	if c.Sources.Remember && c.Sources.HistoryDB == "" {
		return fmt.Errorf("%w: sources.history_db is required when sources.remember is set", ErrInvalidConfig)
	}

	for i, rule := range c.Files {
		if rule.Pattern == "" {
			return fmt.Errorf("%w: files[%d].pattern is required", ErrInvalidConfig, i)
		}
		if _, err := filepath.Match(rule.Pattern, ""); err != nil {
			return fmt.Errorf("%w: files[%d].pattern %q: %w", ErrInvalidConfig, i, rule.Pattern, err)
		}
	}

	if v := c.Providers.Vault; v.Enabled {
		if v.Path == "" {
			return fmt.Errorf("%w: providers.vault.path is required when vault is enabled", ErrInvalidConfig)
		}
		if _, err := c.VaultTimeout(); err != nil {
			return fmt.Errorf("%w: providers.vault.timeout: %w", ErrInvalidConfig, err)
		}
	}
	if s := c.Providers.Shamir; s.Enabled && s.Threshold < 2 {
		return fmt.Errorf("%w: providers.shamir.threshold must be at least 2", ErrInvalidConfig)
	}
	if c.Providers.Vault.Enabled && c.Providers.Shamir.Enabled &&
		c.Providers.Vault.Name == c.Providers.Shamir.Name {
		return fmt.Errorf("%w: provider names must be unique", ErrInvalidConfig)
	}

	return nil
}

// RetryInterval returns the parsed minimum delay between failed attempts
func (c *Config) RetryInterval() (time.Duration, error) {
	if c.Desktop.RetryInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Desktop.RetryInterval)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("must not be negative")
	}
	return d, nil
}

// VaultTimeout returns the parsed Vault request timeout
func (c *Config) VaultTimeout() (time.Duration, error) {
	if c.Providers.Vault.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Providers.Vault.Timeout)
}

// KeyFileFormat returns the format for new key files
func (c *Config) KeyFileFormat() (keyfile.FormatVersion, error) {
	if c.KeyFile.DefaultFormat == "" {
		return keyfile.DefaultFormat, nil
	}
	return keyfile.ParseFormatVersion(c.KeyFile.DefaultFormat)
}

// DefaultsFor resolves the key source defaults for a database. Global
// defaults apply unless a [[files]] rule matches, in which case the last
// matching rule is enforced.
func (c *Config) DefaultsFor(contextPath string) keysource.Defaults {
	d := keysource.Defaults{
		Password:  c.Sources.Password,
		KeyFile:   c.Sources.KeyFile,
		OSAccount: c.Sources.OSAccount,
	}

	for _, rule := range c.Files {
		if !rule.Matches(contextPath) {
			continue
		}
		d = keysource.Defaults{
			Password:  rule.Password,
			KeyFile:   rule.KeyFile,
			OSAccount: rule.OSAccount,
			Enforced:  true,
		}
	}
	return d
}

// Matches reports whether the rule applies to a database path
func (r FileRule) Matches(contextPath string) bool {
	if ok, _ := filepath.Match(r.Pattern, contextPath); ok {
		return true
	}
	ok, _ := filepath.Match(r.Pattern, filepath.Base(contextPath))
	return ok
}

// ToVaultConfig converts the Vault section to a provider configuration
func (c *Config) ToVaultConfig() keyprovider.VaultConfig {
	timeout, _ := c.VaultTimeout()
	v := c.Providers.Vault
	return keyprovider.VaultConfig{
		Name:    v.Name,
		Address: v.Address,
		Token:   v.Token,
		Mount:   v.Mount,
		Path:    v.Path,
		Field:   v.Field,
		Timeout: timeout,
	}
}

// ToShamirConfig converts the Shamir section to a provider configuration
func (c *Config) ToShamirConfig() keyprovider.ShamirConfig {
	return keyprovider.ShamirConfig{
		Name:      c.Providers.Shamir.Name,
		Threshold: c.Providers.Shamir.Threshold,
	}
}

// LogOutput returns the logger output target
func (c *Config) LogOutput() string {
	if c.Logging.Output == "file" {
		return c.Logging.File
	}
	return c.Logging.Output
}
