package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "backend.base_url", typ: kString, env: "IELTS_BACKEND_URL",
		apply:   func(cfg *Config, v any) { cfg.Backend.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.BaseURL },
	},
	{
		key: "backend.timeout", typ: kDuration, env: "IELTS_BACKEND_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Backend.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Backend.Timeout },
	},
	{
		key: "backend.stream_timeout", typ: kDuration, env: "IELTS_BACKEND_STREAM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Backend.StreamTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Backend.StreamTimeout },
	},
	{
		key: "backend.otp_path", typ: kString, env: "IELTS_BACKEND_OTP_PATH",
		apply:   func(cfg *Config, v any) { cfg.Backend.OTPPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.OTPPath },
	},
	{
		key: "identity.base_url", typ: kString, env: "IELTS_IDENTITY_URL",
		apply:   func(cfg *Config, v any) { cfg.Identity.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Identity.BaseURL },
	},
	{
		key: "identity.firestore_url", typ: kString, env: "IELTS_FIRESTORE_URL",
		apply:   func(cfg *Config, v any) { cfg.Identity.FirestoreURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Identity.FirestoreURL },
	},
	{
		key: "identity.project_id", typ: kString, env: "IELTS_FIREBASE_PROJECT_ID",
		apply:   func(cfg *Config, v any) { cfg.Identity.ProjectID = v.(string) },
		extract: func(cfg Config) any { return cfg.Identity.ProjectID },
	},
	{
		key: "identity.api_key", typ: kString, env: "IELTS_FIREBASE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Identity.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Identity.APIKey },
	},
	{
		key: "identity.google_client_id", typ: kString, env: "IELTS_GOOGLE_CLIENT_ID",
		apply:   func(cfg *Config, v any) { cfg.Identity.GoogleClientID = v.(string) },
		extract: func(cfg Config) any { return cfg.Identity.GoogleClientID },
	},
	{
		key: "identity.google_client_secret", typ: kString, env: "IELTS_GOOGLE_CLIENT_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Identity.GoogleClientSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Identity.GoogleClientSecret },
	},
	{
		key: "identity.facebook_client_id", typ: kString, env: "IELTS_FACEBOOK_CLIENT_ID",
		apply:   func(cfg *Config, v any) { cfg.Identity.FacebookClientID = v.(string) },
		extract: func(cfg Config) any { return cfg.Identity.FacebookClientID },
	},
	{
		key: "identity.facebook_client_secret", typ: kString, env: "IELTS_FACEBOOK_CLIENT_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Identity.FacebookClientSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Identity.FacebookClientSecret },
	},
	{
		key: "poll.audio_interval", typ: kDuration, env: "IELTS_POLL_AUDIO_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Poll.AudioInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Poll.AudioInterval },
	},
	{
		key: "poll.history_interval", typ: kDuration, env: "IELTS_POLL_HISTORY_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Poll.HistoryInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Poll.HistoryInterval },
	},
	{
		key: "poll.jitter", typ: kDuration, env: "IELTS_POLL_JITTER",
		apply:   func(cfg *Config, v any) { cfg.Poll.Jitter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Poll.Jitter },
	},
	{
		key: "poll.max_attempts", typ: kInt, env: "IELTS_POLL_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Poll.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Poll.MaxAttempts },
	},
	{
		key: "poll.max_duration", typ: kDuration, env: "IELTS_POLL_MAX_DURATION",
		apply:   func(cfg *Config, v any) { cfg.Poll.MaxDuration = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Poll.MaxDuration },
	},
	{
		key: "otp.resend_cooldown", typ: kDuration, env: "IELTS_OTP_RESEND_COOLDOWN",
		apply:   func(cfg *Config, v any) { cfg.OTP.ResendCooldown = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.OTP.ResendCooldown },
	},
	{
		key: "storage.data_dir", typ: kString, env: "IELTS_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "export.dir", typ: kString, env: "IELTS_EXPORT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Export.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Export.Dir },
	},
	{
		key: "log.level", typ: kString, env: "IELTS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "telemetry.trace_file", typ: kString, env: "IELTS_TRACE_FILE",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.TraceFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.TraceFile },
	},
	{
		key: "telemetry.metrics_file", typ: kString, env: "IELTS_METRICS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.MetricsFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.MetricsFile },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

// applySecrets fills secret keys that the environment left empty.
// A secret store that cannot be read is an error; a missing secret is not.
func applySecrets(cfg *Config, b Backend) error {
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if cur, _ := s.extract(*cfg).(string); cur != "" {
			continue
		}
		v, err := b.Secret(s.key)
		if errors.Is(err, ErrNoSecret) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading secret %s: %w", s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}
