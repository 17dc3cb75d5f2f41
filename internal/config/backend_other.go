//go:build !darwin

package config

import (
	"os"
	"path/filepath"
)

// newPlatformBackend follows the XDG base directories:
// $XDG_CONFIG_HOME/ielts/config.json and $XDG_DATA_HOME/ielts/secrets.json.
func newPlatformBackend() Backend {
	return newFileBackend(xdgDir("XDG_CONFIG_HOME", ".config"), defaultDataDir())
}

func defaultDataDir() string {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// xdgDir returns $env/ielts, falling back to ~/fallback/ielts and then to
// a directory relative to the working directory.
func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, "ielts")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, fallback, "ielts")
	}
	return "ielts-data"
}
