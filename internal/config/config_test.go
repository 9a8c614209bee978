package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8337" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.BackupDir != "/var/lib/stashguard/backups" {
		t.Errorf("BackupDir = %q", cfg.BackupDir)
	}
	if cfg.CompressionLevel != 6 {
		t.Errorf("CompressionLevel = %d", cfg.CompressionLevel)
	}
	if cfg.DatabasePath() != "/var/lib/stashguard/stashguard.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath())
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
listen_addr: ":9000"
backup_dir: /srv/backups
roots:
  - /srv/app
excludes:
  - node_modules
compression_level: 9
auto_backup:
  enabled: true
  frequency: weekly
  retention_days: 14
s3:
  bucket: stash-archives
  region: eu-west-1
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("STASHGUARD_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9000" || cfg.BackupDir != "/srv/backups" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if len(cfg.Roots) != 1 || cfg.Roots[0] != "/srv/app" {
		t.Errorf("Roots = %v", cfg.Roots)
	}
	if cfg.CompressionLevel != 9 {
		t.Errorf("CompressionLevel = %d", cfg.CompressionLevel)
	}
	if !cfg.AutoBackup.Enabled || cfg.AutoBackup.RetentionDays != 14 {
		t.Errorf("AutoBackup = %+v", cfg.AutoBackup)
	}
	if cfg.S3.Bucket != "stash-archives" {
		t.Errorf("S3 = %+v", cfg.S3)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":9000\"\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("STASHGUARD_CONFIG", path)
	t.Setenv("STASHGUARD_LISTEN_ADDR", ":7000")
	t.Setenv("STASHGUARD_ROOTS", "/a, /b ,")
	t.Setenv("STASHGUARD_AUTO_BACKUP", "true")
	t.Setenv("STASHGUARD_AUTO_FREQUENCY", "WEEKLY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7000" {
		t.Errorf("env override lost: ListenAddr = %q", cfg.ListenAddr)
	}
	if len(cfg.Roots) != 2 || cfg.Roots[0] != "/a" || cfg.Roots[1] != "/b" {
		t.Errorf("Roots = %v", cfg.Roots)
	}
	if !cfg.AutoBackup.Enabled || string(cfg.AutoBackup.Frequency) != "weekly" {
		t.Errorf("AutoBackup = %+v", cfg.AutoBackup)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("STASHGUARD_COMPRESSION_LEVEL", "12")
	if _, err := Load(); err == nil {
		t.Error("out-of-range compression level accepted")
	}
}
