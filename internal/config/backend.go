package config

import "errors"

// ErrNoSecret is returned by Backend.Secret when nothing is stored under
// the account.
var ErrNoSecret = errors.New("secret not stored")

// Backend persists config values and secrets for one platform.
// Values are what `config set` writes and `config show` lists. Secrets
// are kept in a separate store and only read when a key is marked secret.
type Backend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error

	Secret(account string) (string, error)
	// SetSecret stores value under account. An empty value removes it.
	SetSecret(account, value string) error
	// SecretLocation names the secret store in user-facing hints.
	SecretLocation() string
}
