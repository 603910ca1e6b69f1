//go:build !darwin

package config

import (
	"os"
	"path/filepath"
)

// xdgDir resolves an XDG base directory: $env when set, else ~/fallback.
func xdgDir(env, fallback string) (string, bool) {
	if dir := os.Getenv(env); dir != "" {
		return dir, true
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	return filepath.Join(home, fallback), true
}

func defaultDataDir() string {
	dir, ok := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
	if !ok {
		return "conversa-data"
	}
	return filepath.Join(dir, "conversa")
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

func configFilePath() string {
	dir, ok := xdgDir("XDG_CONFIG_HOME", ".config")
	if !ok {
		dir = "."
	}
	return filepath.Join(dir, "conversa", "config.json")
}
