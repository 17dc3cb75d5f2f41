package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

const (
	valuesFile  = "config.json"
	secretsFile = "secrets.json"
)

// fileBackend keeps values and secrets in two flat JSON objects keyed by
// dotted names, e.g. {"backend.base_url": "http://127.0.0.1:5000"}.
// Values live under the config dir and are loaded once. Secrets live
// under the data dir and are read on every lookup so a `config set-secret`
// from another process is seen.
type fileBackend struct {
	mu          sync.Mutex
	valuesPath  string
	secretsPath string
	values      map[string]any
	loaded      bool
	loadErr     error
}

func newFileBackend(configDir, dataDir string) *fileBackend {
	return &fileBackend{
		valuesPath:  filepath.Join(configDir, valuesFile),
		secretsPath: filepath.Join(dataDir, secretsFile),
	}
}

// ensureLoaded reads the values file once. A missing file is an empty
// config; an unreadable or malformed one fails every later read.
func (b *fileBackend) ensureLoaded() error {
	if b.loaded {
		return b.loadErr
	}
	b.loaded = true
	b.values = make(map[string]any)
	if err := readJSONFile(b.valuesPath, &b.values); err != nil && !errors.Is(err, fs.ErrNotExist) {
		b.loadErr = fmt.Errorf("config file %s: %w", b.valuesPath, err)
	}
	return b.loadErr
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLoaded(); err != nil {
		return "", false, err
	}
	switch v := b.values[key].(type) {
	case nil:
		return "", false, nil
	case string:
		return v, true, nil
	case json.Number:
		return v.String(), true, nil
	default:
		return fmt.Sprint(v), true, nil
	}
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLoaded(); err != nil {
		return 0, false, err
	}
	var raw string
	switch v := b.values[key].(type) {
	case nil:
		return 0, false, nil
	case int:
		return v, true, nil
	case json.Number:
		raw = v.String()
	case string:
		raw = v
	default:
		return 0, true, fmt.Errorf("%s: expected an integer, got %T", key, v)
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *fileBackend) SetString(key, val string) error { return b.update(key, val) }

func (b *fileBackend) SetInt(key string, val int) error { return b.update(key, val) }

func (b *fileBackend) Delete(key string) error { return b.update(key, nil) }

// update applies one change and rewrites the values file. A nil value
// deletes the key.
func (b *fileBackend) update(key string, val any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLoaded(); err != nil {
		return err
	}
	if val == nil {
		delete(b.values, key)
	} else {
		b.values[key] = val
	}
	return writeJSONFile(b.valuesPath, b.values)
}

func (b *fileBackend) Secret(account string) (string, error) {
	secrets, err := b.readSecrets()
	if err != nil {
		return "", err
	}
	v, ok := secrets[account]
	if !ok || v == "" {
		return "", ErrNoSecret
	}
	return v, nil
}

func (b *fileBackend) SetSecret(account, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	secrets, err := b.readSecrets()
	if err != nil {
		return err
	}
	if value == "" {
		delete(secrets, account)
	} else {
		secrets[account] = value
	}
	return writeJSONFile(b.secretsPath, secrets)
}

func (b *fileBackend) SecretLocation() string { return b.secretsPath }

func (b *fileBackend) readSecrets() (map[string]string, error) {
	secrets := make(map[string]string)
	err := readJSONFile(b.secretsPath, &secrets)
	if errors.Is(err, fs.ErrNotExist) {
		return secrets, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets file %s: %w", b.secretsPath, err)
	}
	return secrets, nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("parsing: %w", err)
	}
	return nil
}

// writeJSONFile replaces path atomically with an owner-only file.
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
