// Package token implements the Token Issuer: minting and validating
// long-lived agent tokens and short-lived scoped tokens, each bound to a
// capability subset.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/seksbot/seks/internal/capstore"
	"github.com/seksbot/seks/internal/model"
)

// DefaultMaxScopedTTL bounds how long a scoped token may live, per
// spec.md §4.7 ("ttl is bounded by a configured maximum (default 15
// minutes)").
const DefaultMaxScopedTTL = 15 * time.Minute

// Errors returned by Issuer methods.
var (
	ErrTokenInvalid       = errors.New("token: invalid or unknown token")
	ErrTokenExpired       = errors.New("token: expired")
	ErrScopeExceedsGrants = errors.New("token: scope_exceeds_grants")
)

// Verified is the result of a successful Verify call.
type Verified struct {
	AgentID      string
	Capabilities []model.Capability // non-nil only for a scoped token
	SkillRunID   string
	TTLRemaining time.Duration
}

// Issuer mints and verifies tokens against the shared database.
type Issuer struct {
	db      *sql.DB
	caps    *capstore.Store
	maxTTL  time.Duration
}

// New returns an Issuer. maxTTL of zero uses DefaultMaxScopedTTL.
func New(db *sql.DB, caps *capstore.Store, maxTTL time.Duration) *Issuer {
	if maxTTL <= 0 {
		maxTTL = DefaultMaxScopedTTL
	}
	return &Issuer{db: db, caps: caps, maxTTL: maxTTL}
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

// MintAgentToken generates a new opaque, high-entropy token for agentID,
// stores only its hash, and returns the raw token (shown to the
// administrator exactly once — it is never retrievable again).
func (iss *Issuer) MintAgentToken(ctx context.Context, agentID string) (string, error) {
	raw, err := randomToken()
	if err != nil {
		return "", err
	}
	_, err = iss.db.ExecContext(ctx, `
		INSERT INTO agents (id, token_hash, created_at, revoked)
		VALUES (?, ?, ?, 0)
		ON CONFLICT (id) DO UPDATE SET token_hash = excluded.token_hash, revoked = 0
	`, agentID, hashToken(raw), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", err
	}
	return raw, nil
}

// Verify validates a bearer token and returns the identified agent (or
// scope, for a scoped token). Hash lookups use a constant-time comparison
// against the stored hash to avoid timing oracles on the token's valid
// prefix, per spec.md §4.7.
func (iss *Issuer) Verify(ctx context.Context, rawToken string) (Verified, error) {
	if rawToken == "" {
		return Verified{}, ErrTokenInvalid
	}
	h := hashToken(rawToken)

	if v, err := iss.verifyScoped(ctx, h); err == nil {
		return v, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return Verified{}, err
	}
	return iss.verifyAgent(ctx, h)
}

func (iss *Issuer) verifyAgent(ctx context.Context, hash string) (Verified, error) {
	rows, err := iss.db.QueryContext(ctx, `SELECT id, token_hash, revoked FROM agents`)
	if err != nil {
		return Verified{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var rid, rhash string
		var rrevoked int
		if err := rows.Scan(&rid, &rhash, &rrevoked); err != nil {
			return Verified{}, err
		}
		if subtle.ConstantTimeCompare([]byte(rhash), []byte(hash)) == 1 {
			if rrevoked != 0 {
				return Verified{}, ErrTokenInvalid
			}
			return Verified{AgentID: rid}, nil
		}
	}
	return Verified{}, ErrTokenInvalid
}

func (iss *Issuer) verifyScoped(ctx context.Context, hash string) (Verified, error) {
	rows, err := iss.db.QueryContext(ctx, `
		SELECT hash, agent_id, capabilities, skill_run_id, expires_at FROM scoped_tokens
	`)
	if err != nil {
		return Verified{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var rhash, agentID, capsJSON, runID, expiresAt string
		if err := rows.Scan(&rhash, &agentID, &capsJSON, &runID, &expiresAt); err != nil {
			return Verified{}, err
		}
		if subtle.ConstantTimeCompare([]byte(rhash), []byte(hash)) != 1 {
			continue
		}
		exp, _ := time.Parse(time.RFC3339Nano, expiresAt)
		now := time.Now().UTC()
		if !now.Before(exp) {
			return Verified{}, ErrTokenExpired
		}
		var capStrs []string
		if err := json.Unmarshal([]byte(capsJSON), &capStrs); err != nil {
			return Verified{}, fmt.Errorf("token: corrupt scope: %w", err)
		}
		caps := make([]model.Capability, 0, len(capStrs))
		for _, cs := range capStrs {
			if c, ok := model.ParseCapability(cs); ok {
				caps = append(caps, c)
			}
		}
		return Verified{
			AgentID:      agentID,
			Capabilities: caps,
			SkillRunID:   runID,
			TTLRemaining: exp.Sub(now),
		}, nil
	}
	return Verified{}, sql.ErrNoRows
}

// MintScoped mints a short-lived token bound to a capability subset of
// agentID's grants and a skill run id. Capabilities must be a subset of the
// agent's current grants (invariant 7); ttl is clamped to the configured
// maximum.
func (iss *Issuer) MintScoped(ctx context.Context, agentID string, caps []model.Capability, ttl time.Duration) (string, time.Time, error) {
	ok, err := iss.caps.Subset(ctx, agentID, caps)
	if err != nil {
		return "", time.Time{}, err
	}
	if !ok {
		return "", time.Time{}, ErrScopeExceedsGrants
	}
	if ttl <= 0 || ttl > iss.maxTTL {
		ttl = iss.maxTTL
	}

	raw, err := randomToken()
	if err != nil {
		return "", time.Time{}, err
	}
	capStrs := make([]string, len(caps))
	for i, c := range caps {
		capStrs[i] = c.String()
	}
	capsJSON, err := json.Marshal(capStrs)
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	runID := uuid.NewString()

	_, err = iss.db.ExecContext(ctx, `
		INSERT INTO scoped_tokens (hash, agent_id, capabilities, skill_run_id, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, hashToken(raw), agentID, string(capsJSON), runID, now.Format(time.RFC3339Nano), expiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", time.Time{}, err
	}
	return raw, expiresAt, nil
}
