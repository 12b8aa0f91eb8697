// Package secretstore implements the Secret Store: a persistent mapping
// from (provider, field) to secret value, scoped account-global or
// agent-scoped, age-encrypted at rest. Table layout grounded on
// apps/ReleaseParty/backend/internal/store/store.go's migration style.
package secretstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/seksbot/seks/internal/model"
)

// Store is the Secret Store. All secret values are encrypted before they
// touch the database and decrypted only in memory, on read.
type Store struct {
	db       *sql.DB
	identity *Identity
}

// New wraps db (the shared connection opened by internal/store) with the
// secret-encryption identity used for this process's lifetime.
func New(db *sql.DB, identity *Identity) *Store {
	return &Store{db: db, identity: identity}
}

// Put encrypts and upserts a secret.
func (s *Store) Put(ctx context.Context, secret model.Secret) error {
	cipher, err := s.identity.Encrypt(secret.Value)
	if err != nil {
		return fmt.Errorf("secretstore: encrypt: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO secrets (provider, field, scope, agent_id, ciphertext)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (provider, field, scope, agent_id) DO UPDATE SET ciphertext = excluded.ciphertext
	`, secret.Provider, secret.Field, string(secret.Scope), secret.AgentID, cipher)
	return err
}

// Get returns the decrypted value for (provider, field), preferring an
// agent-scoped secret over an account-global one on collision, per spec.md
// §4.6's resolveSecretsFor.
func (s *Store) Get(ctx context.Context, provider, field, agentID string) (string, bool, error) {
	if agentID != "" {
		if v, ok, err := s.lookup(ctx, provider, field, model.ScopeAgentScoped, agentID); err != nil || ok {
			return v, ok, err
		}
	}
	return s.lookup(ctx, provider, field, model.ScopeAccountGlobal, "")
}

func (s *Store) lookup(ctx context.Context, provider, field string, scope model.SecretScope, agentID string) (string, bool, error) {
	var cipher string
	err := s.db.QueryRowContext(ctx, `
		SELECT ciphertext FROM secrets WHERE provider = ? AND field = ? AND scope = ? AND agent_id = ?
	`, provider, field, string(scope), agentID).Scan(&cipher)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	plain, err := s.identity.Decrypt(cipher)
	if err != nil {
		return "", false, fmt.Errorf("secretstore: decrypt: %w", err)
	}
	return plain, true, nil
}

// Delete removes a secret.
func (s *Store) Delete(ctx context.Context, provider, field string, scope model.SecretScope, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM secrets WHERE provider = ? AND field = ? AND scope = ? AND agent_id = ?
	`, provider, field, string(scope), agentID)
	return err
}

// Hash returns a stable, non-reversible identifier for a secret value,
// suitable for audit records — spec.md §4.6/§4.9 require that only a hash of
// the value, never the value itself, ever appears in an audit event.
func Hash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
