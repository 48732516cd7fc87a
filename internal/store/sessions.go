package store

import (
	"database/sql"
	"fmt"

	"github.com/wxagent/wxagent/internal/model"
)

// --- auth_sessions ---

// UpsertAuthSession inserts or overwrites the session record of a provider.
// Only non-sensitive metadata is stored here.
func (s *Store) UpsertAuthSession(sess model.AuthSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO auth_sessions (provider, metadata_json, expires_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			metadata_json = excluded.metadata_json,
			expires_at_ns = excluded.expires_at_ns,
			updated_at_ns = excluded.updated_at_ns
	`, sess.Provider, sess.MetadataJSON, sess.ExpiresAtNs, sess.UpdatedAtNs)
	return err
}

// GetAuthSession loads the session record of a provider. Returns nil if not found.
func (s *Store) GetAuthSession(provider string) (*model.AuthSession, error) {
	row := s.db.QueryRow(
		"SELECT id, provider, metadata_json, expires_at_ns, updated_at_ns FROM auth_sessions WHERE provider = ?",
		provider)
	var sess model.AuthSession
	err := row.Scan(&sess.ID, &sess.Provider, &sess.MetadataJSON, &sess.ExpiresAtNs, &sess.UpdatedAtNs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan auth_session: %w", err)
	}
	return &sess, nil
}

// DeleteAuthSession removes the session record of a provider.
func (s *Store) DeleteAuthSession(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM auth_sessions WHERE provider = ?", provider)
	return err
}
