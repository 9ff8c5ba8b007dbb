package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Engine.RevealDebounce = Duration{750 * time.Millisecond}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Engine.RevealDebounce.Duration != 750*time.Millisecond {
		t.Errorf("RevealDebounce = %v, want 750ms", loaded.Engine.RevealDebounce)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Engine.PageSize != 20 {
		t.Errorf("PageSize = %d, want 20", cfg.Engine.PageSize)
	}
}

func TestLoadOrDefaultPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "[engine]\npage_size = 5\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadOrDefault(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.PageSize != 5 {
		t.Errorf("PageSize = %d, want 5", cfg.Engine.PageSize)
	}
	if cfg.Engine.MaxWindow != 60 {
		t.Errorf("MaxWindow = %d, want default 60", cfg.Engine.MaxWindow)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MSGLIST_PAGE_SIZE":      "7",
		"MSGLIST_DB_PATH":        "/tmp/x.db",
		"MSGLIST_LOG_LEVEL":      "debug",
		"MSGLIST_METRICS_LISTEN": ":9100",
		"MSGLIST_SELF_ID":        "u42",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.PageSize != 7 || cfg.Storage.DBPath != "/tmp/x.db" || cfg.Log.Level != "debug" ||
		cfg.Metrics.Listen != ":9100" || cfg.SelfID != "u42" {
		t.Errorf("env not applied: %+v", cfg)
	}

	env["MSGLIST_PAGE_SIZE"] = "zero"
	if err := cfg.ApplyEnv(lookup); err == nil {
		t.Error("expected error for invalid page size")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
