// Package config loads service configuration from an optional YAML file
// overridden by STASHGUARD_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stashguard/stashguard/internal/backup"
	"github.com/stashguard/stashguard/internal/models"
)

// Config holds all service settings.
type Config struct {
	ListenAddr         string                  `yaml:"listen_addr"`
	DataDir            string                  `yaml:"data_dir"`
	BackupDir          string                  `yaml:"backup_dir"`
	Roots              []string                `yaml:"roots"`
	Excludes           []string                `yaml:"excludes"`
	CompressionLevel   int                     `yaml:"compression_level"`
	MinFreeBytes       uint64                  `yaml:"min_free_bytes"`
	DatabaseDSN        string                  `yaml:"database_dsn"`
	EncryptionPassword string                  `yaml:"encryption_password"`
	AutoBackup         backup.AutoBackupConfig `yaml:"auto_backup"`
	S3                 backup.S3Config         `yaml:"s3"`
	LogLevel           string                  `yaml:"log_level"`
	LogPretty          bool                    `yaml:"log_pretty"`
}

// Load builds the configuration: defaults, then the YAML file named by
// STASHGUARD_CONFIG (if any), then environment overrides.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:       ":8337",
		DataDir:          "/var/lib/stashguard",
		BackupDir:        "/var/lib/stashguard/backups",
		CompressionLevel: backup.DefaultCompressionLevel,
		LogLevel:         "info",
	}

	if path := os.Getenv("STASHGUARD_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.ListenAddr = envStr("STASHGUARD_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DataDir = envStr("STASHGUARD_DATA_DIR", cfg.DataDir)
	cfg.BackupDir = envStr("STASHGUARD_BACKUP_DIR", cfg.BackupDir)
	cfg.Roots = envList("STASHGUARD_ROOTS", cfg.Roots)
	cfg.Excludes = envList("STASHGUARD_EXCLUDES", cfg.Excludes)
	cfg.CompressionLevel = envInt("STASHGUARD_COMPRESSION_LEVEL", cfg.CompressionLevel)
	cfg.MinFreeBytes = envUint("STASHGUARD_MIN_FREE_BYTES", cfg.MinFreeBytes)
	cfg.DatabaseDSN = envStr("STASHGUARD_DATABASE_DSN", cfg.DatabaseDSN)
	cfg.EncryptionPassword = envStr("STASHGUARD_ENCRYPTION_PASSWORD", cfg.EncryptionPassword)
	cfg.LogLevel = envStr("STASHGUARD_LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = envBool("STASHGUARD_LOG_PRETTY", cfg.LogPretty)

	cfg.AutoBackup.Enabled = envBool("STASHGUARD_AUTO_BACKUP", cfg.AutoBackup.Enabled)
	cfg.AutoBackup.RetentionDays = envInt("STASHGUARD_AUTO_RETENTION_DAYS", cfg.AutoBackup.RetentionDays)
	if v := os.Getenv("STASHGUARD_AUTO_FREQUENCY"); v != "" {
		cfg.AutoBackup.Frequency = modelsFrequency(v)
	}

	cfg.S3.Bucket = envStr("STASHGUARD_S3_BUCKET", cfg.S3.Bucket)
	cfg.S3.Prefix = envStr("STASHGUARD_S3_PREFIX", cfg.S3.Prefix)
	cfg.S3.Region = envStr("STASHGUARD_S3_REGION", cfg.S3.Region)
	cfg.S3.Endpoint = envStr("STASHGUARD_S3_ENDPOINT", cfg.S3.Endpoint)
	cfg.S3.AccessKeyID = envStr("STASHGUARD_S3_ACCESS_KEY_ID", cfg.S3.AccessKeyID)
	cfg.S3.SecretAccessKey = envStr("STASHGUARD_S3_SECRET_ACCESS_KEY", cfg.S3.SecretAccessKey)
	cfg.S3.UsePathStyle = envBool("STASHGUARD_S3_PATH_STYLE", cfg.S3.UsePathStyle)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.CompressionLevel < 0 || c.CompressionLevel > 9 {
		return fmt.Errorf("compression level %d outside 0-9", c.CompressionLevel)
	}
	if c.BackupDir == "" {
		return fmt.Errorf("backup directory is required")
	}
	return nil
}

// DatabasePath is the SQLite record store location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "stashguard.db")
}

func modelsFrequency(v string) models.Frequency {
	return models.Frequency(strings.ToLower(v))
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envUint(key string, fallback uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return fallback
}
