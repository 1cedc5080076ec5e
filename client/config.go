package main

import "github.com/marci1175/szechat/client/internal/config"

// Re-export types and functions from the config sub-package so the REPL in
// main.go can use them without importing the sub-package directly.

// Config holds all persistent user preferences.
type Config = config.Config

// ServerEntry is a saved server bookmark, optionally with its connect password.
type ServerEntry = config.ServerEntry

// LoadConfig loads the config from disk, returning defaults on any error.
func LoadConfig() Config { return config.Load() }

// SaveConfig persists cfg to disk.
func SaveConfig(cfg Config) error { return config.Save(cfg) }
