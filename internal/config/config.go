// Package config loads runtime configuration from a TOML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigFileName = ".drivault.toml"
	DefaultDataDirName    = ".drivault"

	DefaultSyncPageSize      = 200
	DefaultSyncMissThreshold = 2
	DefaultSyncMaxRetries    = 5
	DefaultGCBatchSize       = 500
	DefaultGCQuarantineDays  = 30
	DefaultLogLevel          = "info"

	configDirEnvKey = "DRIVAULT_CONFIG_DIR"
	logLevelEnvKey  = "DRIVAULT_LOG_LEVEL"
)

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	PageSize      int `toml:"page_size"`
	MissThreshold int `toml:"miss_threshold"`
	MaxRetries    int `toml:"max_retries"`
}

// GCConfig tunes the retention collector.
type GCConfig struct {
	BatchSize      int `toml:"batch_size"`
	QuarantineDays int `toml:"quarantine_days"`
}

// Config defines runtime configuration for drivault.
type Config struct {
	BackupRoot        string     `toml:"backup_root"`
	DBPath            string     `toml:"db_path"`
	SecretsKeyPath    string     `toml:"secrets_key_path"`
	SecretsTokensPath string     `toml:"secrets_tokens_path"`
	LogLevel          string     `toml:"log_level"`
	Sync              SyncConfig `toml:"sync"`
	GC                GCConfig   `toml:"gc"`
}

// Default returns default configuration values. Paths default to
// subdirectories of ~/.drivault.
func Default() Config {
	return Config{
		LogLevel: DefaultLogLevel,
		Sync: SyncConfig{
			PageSize:      DefaultSyncPageSize,
			MissThreshold: DefaultSyncMissThreshold,
			MaxRetries:    DefaultSyncMaxRetries,
		},
		GC: GCConfig{
			BatchSize:      DefaultGCBatchSize,
			QuarantineDays: DefaultGCQuarantineDays,
		},
	}
}

// Load reads the config file and applies defaults and env overrides.
func Load() (*Config, error) {
	cfg := Default()

	path, err := Path()
	if err != nil {
		return nil, err
	}
	if err := loadFile(path, &cfg); err != nil {
		return nil, err
	}

	dataDir, err := dataDir()
	if err != nil {
		return nil, err
	}
	if cfg.BackupRoot == "" {
		cfg.BackupRoot = filepath.Join(dataDir, "backups")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(dataDir, "drivault.db")
	}
	if cfg.SecretsKeyPath == "" {
		cfg.SecretsKeyPath = filepath.Join(dataDir, "secrets.key")
	}
	if cfg.SecretsTokensPath == "" {
		cfg.SecretsTokensPath = filepath.Join(dataDir, "tokens.enc")
	}

	if level := strings.TrimSpace(os.Getenv(logLevelEnvKey)); level != "" {
		cfg.LogLevel = level
	}
	if cfg.Sync.MissThreshold < 1 {
		cfg.Sync.MissThreshold = DefaultSyncMissThreshold
	}
	if cfg.Sync.PageSize < 1 {
		cfg.Sync.PageSize = DefaultSyncPageSize
	}
	if cfg.GC.BatchSize < 1 {
		cfg.GC.BatchSize = DefaultGCBatchSize
	}
	return &cfg, nil
}

// Path returns the config file location, honoring the
// DRIVAULT_CONFIG_DIR override.
func Path() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(configDirEnvKey)); dir != "" {
		return filepath.Join(dir, DefaultConfigFileName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultConfigFileName), nil
}

func dataDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(configDirEnvKey)); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultDataDirName), nil
}

func loadFile(path string, cfg *Config) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}
