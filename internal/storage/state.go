package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// SetValue stores a client state value, replacing any previous one.
func (s *Store) SetValue(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO client_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM client_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

func (s *Store) DeleteValue(key string) error {
	_, err := s.db.Exec("DELETE FROM client_state WHERE key = ?", key)
	return err
}

// ConsumeValues reads and deletes the given keys in one transaction. Keys
// that are not set are absent from the result.
func (s *Store) ConsumeValues(keys ...string) (map[string]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning consume transaction: %w", err)
	}
	defer tx.Rollback()

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		var v string
		err := tx.QueryRow("SELECT value FROM client_state WHERE key = ?", k).Scan(&v)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", k, err)
		}
		out[k] = v
		if _, err := tx.Exec("DELETE FROM client_state WHERE key = ?", k); err != nil {
			return nil, fmt.Errorf("deleting %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing consume: %w", err)
	}
	return out, nil
}

// --- Session ---

func (s *Store) SaveSession(sess Session) error {
	provider := sess.Provider
	if provider == "" {
		provider = "password"
	}
	_, err := s.db.Exec(`
		INSERT INTO session (id, uid, email, provider, id_token, refresh_token, expires_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			uid = excluded.uid, email = excluded.email, provider = excluded.provider,
			id_token = excluded.id_token, refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		sess.UID, sess.Email, provider, sess.IDToken, sess.RefreshToken,
		sess.ExpiresAt.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetSession() (Session, error) {
	var sess Session
	var expiresAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT uid, email, provider, id_token, refresh_token, expires_at, updated_at
		FROM session WHERE id = 1`,
	).Scan(&sess.UID, &sess.Email, &sess.Provider, &sess.IDToken, &sess.RefreshToken, &expiresAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if sess.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return Session{}, fmt.Errorf("parsing expires_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Session{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return sess, nil
}

// ClearSession removes the stored session. Clearing an empty store is not an error.
func (s *Store) ClearSession() error {
	_, err := s.db.Exec("DELETE FROM session WHERE id = 1")
	return err
}
