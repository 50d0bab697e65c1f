package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Service.Name != "snapsync" {
		t.Errorf("service name = %s", cfg.Service.Name)
	}
	if cfg.Backup.ConcurrentFiles != 3 {
		t.Errorf("concurrent files = %d, want 3", cfg.Backup.ConcurrentFiles)
	}
	if cfg.Backup.MaxRetries != 3 {
		t.Errorf("max retries = %d, want 3", cfg.Backup.MaxRetries)
	}
	if cfg.Backup.RetryDelay != 5*time.Second {
		t.Errorf("retry delay = %v, want 5s", cfg.Backup.RetryDelay)
	}
	if !cfg.Backup.VerifyChecksums {
		t.Error("verify_checksums should default on")
	}
	if cfg.Files.MinSize != 1024 {
		t.Errorf("min size = %d, want 1024", cfg.Files.MinSize)
	}
	if len(cfg.Files.Extensions) == 0 {
		t.Error("default extension list empty")
	}
	if cfg.Immich.Enabled || cfg.Share.Enabled || cfg.Redis.Enabled {
		t.Error("destinations and redis should default off")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
service:
  name: snapsync-test
  database_path: /var/lib/snapsync/test.db
source:
  watch_roots: ["/run/media/pi"]
  auto_backup: false
immich:
  enabled: true
  url: http://immich.local:2283
  api_key: file-key
share:
  enabled: true
  mount_point: /mnt/tank/photos
  organize_by_date: false
backup:
  concurrent_files: 5
  max_retries: 1
  retry_delay: 2s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service.Name != "snapsync-test" {
		t.Errorf("service name = %s", cfg.Service.Name)
	}
	if got := cfg.Source.WatchRoots; len(got) != 1 || got[0] != "/run/media/pi" {
		t.Errorf("watch roots = %v", got)
	}
	if cfg.Source.AutoBackup {
		t.Error("auto_backup should be off")
	}
	if !cfg.Immich.Enabled || cfg.Immich.URL != "http://immich.local:2283" {
		t.Errorf("immich = %+v", cfg.Immich)
	}
	if cfg.Share.OrganizeByDate {
		t.Error("organize_by_date should be off")
	}
	if cfg.Backup.ConcurrentFiles != 5 || cfg.Backup.MaxRetries != 1 || cfg.Backup.RetryDelay != 2*time.Second {
		t.Errorf("backup = %+v", cfg.Backup)
	}
	// Untouched keys keep their defaults.
	if cfg.Share.Timeout != 120*time.Second {
		t.Errorf("share timeout = %v, want default 120s", cfg.Share.Timeout)
	}
}

func TestEnvOverridesAPIKey(t *testing.T) {
	t.Setenv("IMMICH_API_KEY", "env-key")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("immich:\n  api_key: file-key\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Immich.APIKey != "env-key" {
		t.Errorf("api key = %s, want env-key", cfg.Immich.APIKey)
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}

	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "no backup destinations enabled") {
		t.Errorf("validate with no destinations = %v", err)
	}

	cfg.Immich.Enabled = true
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "immich.url") {
		t.Errorf("validate without immich url = %v", err)
	}

	cfg.Immich.URL = "http://immich.local:2283"
	cfg.Immich.APIKey = "k"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	cfg.Share.Enabled = true
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "share.mount_point") {
		t.Errorf("validate without mount point = %v", err)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("service: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}
