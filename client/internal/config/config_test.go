package config

import (
	"os"
	"path/filepath"
	"testing"
)

func withTempConfigDir(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	if _, err := os.UserConfigDir(); err != nil {
		t.Skipf("no usable config dir in this environment: %v", err)
	}
}

func TestLoadMissingReturnsDefault(t *testing.T) {
	withTempConfigDir(t)
	cfg := Load()
	want := Default()
	if cfg.Volume != want.Volume || len(cfg.Servers) != len(want.Servers) {
		t.Errorf("expected default config, got %+v", cfg)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	withTempConfigDir(t)

	cfg := Config{
		DisplayName:    "nyan",
		InputDeviceID:  2,
		OutputDeviceID: 3,
		Volume:         0.75,
		Servers: []ServerEntry{
			{Name: "Home", Addr: "chat.example.com:8443", Password: "hunter2"},
			{Name: "Work", Addr: "10.0.0.5:8443"},
		},
	}
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got := Load()
	if got.DisplayName != cfg.DisplayName {
		t.Errorf("DisplayName: got %q, want %q", got.DisplayName, cfg.DisplayName)
	}
	if got.InputDeviceID != cfg.InputDeviceID || got.OutputDeviceID != cfg.OutputDeviceID {
		t.Errorf("device ids: got (%d,%d), want (%d,%d)", got.InputDeviceID, got.OutputDeviceID, cfg.InputDeviceID, cfg.OutputDeviceID)
	}
	if got.Volume != cfg.Volume {
		t.Errorf("Volume: got %v, want %v", got.Volume, cfg.Volume)
	}
	if len(got.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(got.Servers))
	}
	if got.Servers[0] != cfg.Servers[0] {
		t.Errorf("server[0]: got %+v, want %+v", got.Servers[0], cfg.Servers[0])
	}
	if got.Servers[1].Password != "" {
		t.Errorf("expected empty password for server[1], got %q", got.Servers[1].Password)
	}
}

func TestConfigFileIsEncryptedOnDisk(t *testing.T) {
	withTempConfigDir(t)

	cfg := Default()
	cfg.DisplayName = "plaintext-should-not-appear"
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path, err := Path()
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if filepath.Ext(path) != ".enc" {
		t.Errorf("expected .enc extension, got %s", path)
	}
	if containsPlaintext(raw, cfg.DisplayName) {
		t.Error("expected display name to not appear in plaintext on disk")
	}
}

func containsPlaintext(data []byte, s string) bool {
	for i := 0; i+len(s) <= len(data); i++ {
		if string(data[i:i+len(s)]) == s {
			return true
		}
	}
	return false
}

func TestKeyFileHasOwnerOnlyPermissions(t *testing.T) {
	withTempConfigDir(t)

	if err := Save(Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	path, err := keyPath()
	if err != nil {
		t.Fatalf("keyPath: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file perms: got %o, want 0600", info.Mode().Perm())
	}
}
