package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Backend   BackendConfig
	Identity  IdentityConfig
	Poll      PollConfig
	OTP       OTPConfig
	Storage   StorageConfig
	Export    ExportConfig
	Log       LogConfig
	Telemetry TelemetryConfig

	secretLocation string
}

type BackendConfig struct {
	BaseURL       string
	Timeout       time.Duration
	StreamTimeout time.Duration
	OTPPath       string
}

type IdentityConfig struct {
	BaseURL              string
	FirestoreURL         string
	ProjectID            string
	APIKey               string
	GoogleClientID       string
	GoogleClientSecret   string
	FacebookClientID     string
	FacebookClientSecret string
}

type PollConfig struct {
	AudioInterval   time.Duration
	HistoryInterval time.Duration
	Jitter          time.Duration
	MaxAttempts     int
	MaxDuration     time.Duration
}

type OTPConfig struct {
	ResendCooldown time.Duration
}

type StorageConfig struct {
	DataDir string
}

type ExportConfig struct {
	Dir string
}

type LogConfig struct {
	Level string
}

type TelemetryConfig struct {
	TraceFile   string
	MetricsFile string
}

func defaults() Config {
	return Config{
		Backend: BackendConfig{
			BaseURL:       "http://127.0.0.1:5000",
			Timeout:       30 * time.Second,
			StreamTimeout: 30 * time.Minute,
			OTPPath:       "/forgot/send-otp",
		},
		Identity: IdentityConfig{
			BaseURL:      "https://identitytoolkit.googleapis.com/v1",
			FirestoreURL: "https://firestore.googleapis.com/v1",
		},
		Poll: PollConfig{
			AudioInterval:   2 * time.Second,
			HistoryInterval: 3 * time.Second,
		},
		OTP: OTPConfig{
			ResendCooldown: 60 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Export: ExportConfig{
			Dir: ".",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform backend, environment
// variables, and the platform secret store.
//
// On macOS values come from UserDefaults (domain: com.ielts.generator) and
// secrets from the login Keychain.
// Elsewhere values live in $XDG_CONFIG_HOME/ielts/config.json and secrets
// in $XDG_DATA_HOME/ielts/secrets.json.
//
// Environment variables (IELTS_*) override stored values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	if err := applySecrets(&cfg, b); err != nil {
		return Config{}, err
	}
	cfg.secretLocation = b.SecretLocation()

	return cfg, nil
}

// RequireIdentity reports a descriptive error when the identity provider
// cannot be reached because its API key is missing.
func (c Config) RequireIdentity() error {
	if c.Identity.APIKey != "" {
		return nil
	}
	hint := ""
	if c.secretLocation != "" {
		hint = " (stored in " + c.secretLocation + ")"
	}
	return fmt.Errorf("missing required config: identity API key. "+
		"Set it via environment variable IELTS_FIREBASE_API_KEY or `ielts config set-secret identity.api_key <key>`%s",
		hint)
}

// SetSecret stores a secret key in the platform secret store.
func SetSecret(key, value string) error {
	return setSecretIn(newPlatformBackend(), key, value)
}

func setSecretIn(b Backend, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if !s.secret {
			return fmt.Errorf("%q is not a secret; use `config set`", key)
		}
		return b.SetSecret(key, strings.TrimSpace(value))
	}
	return fmt.Errorf("unknown config key: %q", key)
}
