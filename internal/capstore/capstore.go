// Package capstore implements the Capability Store: a persistent mapping
// from agent id to the set of capability grants that agent holds.
package capstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/seksbot/seks/internal/model"
)

// Store is the Capability Store.
type Store struct {
	db *sql.DB
}

// New wraps the shared database connection.
func New(db *sql.DB) *Store { return &Store{db: db} }

// Grant records a capability grant for an agent. Idempotent: granting the
// same capability twice is a no-op on the second call (the primary key is
// (agent_id, capability)).
func (s *Store) Grant(ctx context.Context, grant model.CapabilityGrant) error {
	scopeJSON, err := json.Marshal(grant.ScopeData)
	if err != nil {
		return err
	}
	if grant.GrantedAt.IsZero() {
		grant.GrantedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO capability_grants (agent_id, capability, scope_data, granted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (agent_id, capability) DO UPDATE SET scope_data = excluded.scope_data
	`, grant.AgentID, grant.Capability.String(), string(scopeJSON), grant.GrantedAt.Format(time.RFC3339Nano))
	return err
}

// Revoke removes a capability grant.
func (s *Store) Revoke(ctx context.Context, agentID string, cap model.Capability) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM capability_grants WHERE agent_id = ? AND capability = ?
	`, agentID, cap.String())
	return err
}

// ListForAgent returns every capability grant for an agent.
func (s *Store) ListForAgent(ctx context.Context, agentID string) ([]model.CapabilityGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT capability, scope_data, granted_at FROM capability_grants WHERE agent_id = ?
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CapabilityGrant
	for rows.Next() {
		var capStr, scopeJSON, grantedAt string
		if err := rows.Scan(&capStr, &scopeJSON, &grantedAt); err != nil {
			return nil, err
		}
		cap, ok := model.ParseCapability(capStr)
		if !ok {
			continue
		}
		var scopeData map[string]string
		_ = json.Unmarshal([]byte(scopeJSON), &scopeData)
		ts, _ := time.Parse(time.RFC3339Nano, grantedAt)
		out = append(out, model.CapabilityGrant{
			AgentID:    agentID,
			Capability: cap,
			ScopeData:  scopeData,
			GrantedAt:  ts,
		})
	}
	return out, rows.Err()
}

// HasCapability reports whether agentID holds cap, directly or because cap
// is implied by a held grant (exact match only — spec.md defines no
// capability hierarchy beyond the provider/endpoint and custom/key forms).
func (s *Store) HasCapability(ctx context.Context, agentID string, cap model.Capability) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM capability_grants WHERE agent_id = ? AND capability = ?
	`, agentID, cap.String()).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Subset reports whether every capability in want is held by agentID —
// used by the Token Issuer to enforce scoped-token non-escalation
// (invariant 7: returned scope ⊆ agent's current grants).
func (s *Store) Subset(ctx context.Context, agentID string, want []model.Capability) (bool, error) {
	for _, c := range want {
		ok, err := s.HasCapability(ctx, agentID, c)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
