// Package config manages persistent user preferences and bookmarked server
// endpoints for the szechat client. Unlike the plaintext JSON a GUI settings
// dialog would normally own, the values here double as connection
// credentials (saved passwords, bookmarked addresses), so per spec.md §6
// they are stored as an encrypted line-oriented file: one AES-256-GCM
// sealed, base64-encoded line per field, under a per-install key file kept
// next to it with owner-only permissions.
package config

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/marci1175/szechat/internal/wire"
)

// Config holds all persistent user preferences.
type Config struct {
	ClientUUID     string
	DisplayName    string
	InputDeviceID  int
	OutputDeviceID int
	Volume         float64
	Servers        []ServerEntry
}

// ServerEntry is a saved server bookmark, potentially carrying a saved
// connect password.
type ServerEntry struct {
	Name     string
	Addr     string
	Password string
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Volume:         1.0,
		InputDeviceID:  -1,
		OutputDeviceID: -1,
		Servers: []ServerEntry{
			{Name: "Local Dev", Addr: "localhost:8443"},
		},
	}
}

func dir() (string, error) {
	d, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "szechat"), nil
}

// Path returns the absolute path to the encrypted config file.
func Path() (string, error) {
	d, err := dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "config.enc"), nil
}

// keyPath returns the absolute path to the per-install AES-256 key file.
func keyPath() (string, error) {
	d, err := dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "config.key"), nil
}

// loadOrCreateKey reads the per-install key, generating and persisting a
// fresh random one on first run. The key file is written with owner-only
// permissions, the same posture the teacher gives its TLS material.
func loadOrCreateKey() ([wire.KeySize]byte, error) {
	var key [wire.KeySize]byte

	path, err := keyPath()
	if err != nil {
		return key, err
	}

	data, err := os.ReadFile(path)
	if err == nil && len(data) == wire.KeySize {
		copy(key[:], data)
		return key, nil
	}

	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("config: generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return key, fmt.Errorf("config: create config dir: %w", err)
	}
	if err := os.WriteFile(path, key[:], 0o600); err != nil {
		return key, fmt.Errorf("config: write key file: %w", err)
	}
	return key, nil
}

// Load reads the config file and returns it. If the file or key is missing
// or unreadable, the default config is returned — never an error, matching
// the teacher's load-never-fails posture for a settings file.
func Load() Config {
	cfg := Default()

	key, err := loadOrCreateKey()
	if err != nil {
		return cfg
	}
	cipher, err := wire.NewCipher(key)
	if err != nil {
		return cfg
	}

	path, err := Path()
	if err != nil {
		return cfg
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg
	}
	defer f.Close()

	cfg.Servers = nil
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sealed, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			continue
		}
		plaintext, err := cipher.Open(sealed)
		if err != nil {
			continue
		}
		applyField(&cfg, string(plaintext))
	}
	if cfg.Servers == nil {
		cfg.Servers = Default().Servers
	}
	return cfg
}

// applyField parses one decrypted "key=value" line into cfg.
func applyField(cfg *Config, field string) {
	k, v, ok := strings.Cut(field, "=")
	if !ok {
		return
	}
	switch k {
	case "client_uuid":
		cfg.ClientUUID = v
	case "display_name":
		cfg.DisplayName = v
	case "input_device_id":
		if n, err := strconv.Atoi(v); err == nil {
			cfg.InputDeviceID = n
		}
	case "output_device_id":
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OutputDeviceID = n
		}
	case "volume":
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Volume = f
		}
	case "server":
		parts := strings.SplitN(v, "\x1f", 3)
		entry := ServerEntry{}
		if len(parts) > 0 {
			entry.Name = parts[0]
		}
		if len(parts) > 1 {
			entry.Addr = parts[1]
		}
		if len(parts) > 2 {
			entry.Password = parts[2]
		}
		cfg.Servers = append(cfg.Servers, entry)
	}
}

// Save encrypts and writes cfg to disk, one sealed line per field, creating
// the config directory if needed.
func Save(cfg Config) error {
	key, err := loadOrCreateKey()
	if err != nil {
		return err
	}
	cipher, err := wire.NewCipher(key)
	if err != nil {
		return err
	}

	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create config dir: %w", err)
	}

	var buf bytes.Buffer
	writeField := func(field string) error {
		sealed, err := cipher.Seal([]byte(field))
		if err != nil {
			return err
		}
		buf.WriteString(base64.StdEncoding.EncodeToString(sealed))
		buf.WriteByte('\n')
		return nil
	}

	if err := writeField("client_uuid=" + cfg.ClientUUID); err != nil {
		return err
	}
	if err := writeField("display_name=" + cfg.DisplayName); err != nil {
		return err
	}
	if err := writeField("input_device_id=" + strconv.Itoa(cfg.InputDeviceID)); err != nil {
		return err
	}
	if err := writeField("output_device_id=" + strconv.Itoa(cfg.OutputDeviceID)); err != nil {
		return err
	}
	if err := writeField("volume=" + strconv.FormatFloat(cfg.Volume, 'f', -1, 64)); err != nil {
		return err
	}
	for _, s := range cfg.Servers {
		if err := writeField("server=" + s.Name + "\x1f" + s.Addr + "\x1f" + s.Password); err != nil {
			return err
		}
	}

	return os.WriteFile(path, buf.Bytes(), 0o600)
}
