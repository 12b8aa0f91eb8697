package token

import (
	"context"
	"testing"
	"time"

	"github.com/seksbot/seks/internal/capstore"
	"github.com/seksbot/seks/internal/model"
	"github.com/seksbot/seks/internal/store"
)

func newTestIssuer(t *testing.T) (*Issuer, *capstore.Store, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	caps := capstore.New(st.DB())
	return New(st.DB(), caps, 0), caps, st
}

func TestMintAndVerifyAgentToken(t *testing.T) {
	ctx := context.Background()
	iss, _, _ := newTestIssuer(t)

	raw, err := iss.MintAgentToken(ctx, "agent-1")
	if err != nil {
		t.Fatalf("MintAgentToken: %v", err)
	}
	v, err := iss.Verify(ctx, raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.AgentID != "agent-1" {
		t.Fatalf("AgentID = %q, want agent-1", v.AgentID)
	}

	if _, err := iss.Verify(ctx, "not-a-real-token"); err != ErrTokenInvalid {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

// TestS4ScopedTokenCannotExceedGrants is scenario S4 from the spec.
func TestS4ScopedTokenCannotExceedGrants(t *testing.T) {
	ctx := context.Background()
	iss, caps, _ := newTestIssuer(t)

	anthropic, _ := model.ParseCapability("anthropic/messages.create")
	discord, _ := model.ParseCapability("discord/messages.send")
	_ = caps.Grant(ctx, model.CapabilityGrant{AgentID: "agent-a", Capability: anthropic})
	_ = caps.Grant(ctx, model.CapabilityGrant{AgentID: "agent-a", Capability: discord})

	openai, _ := model.ParseCapability("openai/chat.completions")
	_, _, err := iss.MintScoped(ctx, "agent-a", []model.Capability{openai}, 5*time.Minute)
	if err != ErrScopeExceedsGrants {
		t.Fatalf("expected ErrScopeExceedsGrants, got %v", err)
	}
}

func TestMintScopedWithinGrantsSucceedsAndExpires(t *testing.T) {
	ctx := context.Background()
	iss, caps, _ := newTestIssuer(t)

	anthropic, _ := model.ParseCapability("anthropic/messages.create")
	_ = caps.Grant(ctx, model.CapabilityGrant{AgentID: "agent-a", Capability: anthropic})

	raw, expiresAt, err := iss.MintScoped(ctx, "agent-a", []model.Capability{anthropic}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("MintScoped: %v", err)
	}
	if expiresAt.IsZero() {
		t.Fatal("expected non-zero expiry")
	}
	v, err := iss.Verify(ctx, raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(v.Capabilities) != 1 || v.Capabilities[0] != anthropic {
		t.Fatalf("unexpected scope: %+v", v.Capabilities)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := iss.Verify(ctx, raw); err != ErrTokenExpired {
		t.Fatalf("expected ErrTokenExpired after TTL, got %v", err)
	}
}

func TestScopedTTLClampedToMax(t *testing.T) {
	ctx := context.Background()
	st, _ := store.Open(":memory:")
	t.Cleanup(func() { _ = st.Close() })
	caps := capstore.New(st.DB())
	iss := New(st.DB(), caps, 1*time.Second)

	anthropic, _ := model.ParseCapability("anthropic/messages.create")
	_ = caps.Grant(ctx, model.CapabilityGrant{AgentID: "agent-a", Capability: anthropic})

	_, expiresAt, err := iss.MintScoped(ctx, "agent-a", []model.Capability{anthropic}, time.Hour)
	if err != nil {
		t.Fatalf("MintScoped: %v", err)
	}
	if time.Until(expiresAt) > 2*time.Second {
		t.Fatalf("expected ttl clamped to ~1s, got %v", time.Until(expiresAt))
	}
}
