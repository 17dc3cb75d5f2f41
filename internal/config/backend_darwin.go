//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	defaultsDomain  = "com.ielts.generator"
	keychainService = "ielts"

	// security(1) exits with 44 when no keychain item matches.
	keychainNotFound = 44
)

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Library", "Application Support", "ielts")
	}
	return "ielts-data"
}

// darwinBackend keeps values in UserDefaults and secrets in the login
// Keychain, both through their command line tools.
type darwinBackend struct {
	domain  string
	service string
	run     func(name string, args ...string) (string, error)
}

func newPlatformBackend() Backend {
	return &darwinBackend{domain: defaultsDomain, service: keychainService, run: runTool}
}

// runTool runs a command and returns its trimmed combined output.
func runTool(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func (b *darwinBackend) GetString(key string) (string, bool, error) {
	out, err := b.run("defaults", "read", b.domain, key)
	switch {
	case err == nil:
		return out, true, nil
	case exitCode(err) == 1:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("defaults read %s: %w: %s", key, err, out)
	}
}

func (b *darwinBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *darwinBackend) SetString(key, val string) error {
	return b.write(key, "-string", val)
}

func (b *darwinBackend) SetInt(key string, val int) error {
	return b.write(key, "-int", strconv.Itoa(val))
}

func (b *darwinBackend) write(key, typ, val string) error {
	if out, err := b.run("defaults", "write", b.domain, key, typ, val); err != nil {
		return fmt.Errorf("defaults write %s: %w: %s", key, err, out)
	}
	return nil
}

func (b *darwinBackend) Delete(key string) error {
	out, err := b.run("defaults", "delete", b.domain, key)
	if err != nil && exitCode(err) != 1 {
		return fmt.Errorf("defaults delete %s: %w: %s", key, err, out)
	}
	return nil
}

func (b *darwinBackend) Secret(account string) (string, error) {
	out, err := b.run("security", "find-generic-password", "-s", b.service, "-a", account, "-w")
	switch {
	case err == nil && out != "":
		return out, nil
	case err == nil, exitCode(err) == keychainNotFound:
		return "", ErrNoSecret
	default:
		return "", fmt.Errorf("keychain lookup %s: %w", account, err)
	}
}

func (b *darwinBackend) SetSecret(account, value string) error {
	if value == "" {
		out, err := b.run("security", "delete-generic-password", "-s", b.service, "-a", account)
		if err != nil && exitCode(err) != keychainNotFound {
			return fmt.Errorf("keychain delete %s: %w: %s", account, err, out)
		}
		return nil
	}
	if out, err := b.run("security", "add-generic-password", "-U", "-s", b.service, "-a", account, "-w", value); err != nil {
		return fmt.Errorf("keychain store %s: %w: %s", account, err, out)
	}
	return nil
}

func (b *darwinBackend) SecretLocation() string {
	return "macOS Keychain, service: " + b.service
}
