package secretstore

import (
	"context"
	"testing"

	"github.com/seksbot/seks/internal/model"
	"github.com/seksbot/seks/internal/store"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	cipher, err := id.Encrypt("sk-ant-SECRETVALUE")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if cipher == "sk-ant-SECRETVALUE" {
		t.Fatal("ciphertext must not equal plaintext")
	}
	plain, err := id.Decrypt(cipher)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "sk-ant-SECRETVALUE" {
		t.Fatalf("plain = %q, want sk-ant-SECRETVALUE", plain)
	}
}

func TestLoadIdentityRoundTrip(t *testing.T) {
	id, _ := GenerateIdentity()
	reloaded, err := LoadIdentity(id.String())
	if err != nil {
		t.Fatalf("LoadIdentity: %v", err)
	}
	cipher, _ := id.Encrypt("value")
	plain, err := reloaded.Decrypt(cipher)
	if err != nil || plain != "value" {
		t.Fatalf("round trip through reloaded identity failed: %q, %v", plain, err)
	}
}

func TestStorePutGetPrefersAgentScoped(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	id, _ := GenerateIdentity()
	s := New(st.DB(), id)

	_ = s.Put(ctx, model.Secret{Provider: "anthropic", Field: "anthropic.api_key", Value: "global-value", Scope: model.ScopeAccountGlobal})
	_ = s.Put(ctx, model.Secret{Provider: "anthropic", Field: "anthropic.api_key", Value: "agent-value", Scope: model.ScopeAgentScoped, AgentID: "agent-1"})

	v, ok, err := s.Get(ctx, "anthropic", "anthropic.api_key", "agent-1")
	if err != nil || !ok || v != "agent-value" {
		t.Fatalf("expected agent-scoped secret to win, got v=%q ok=%v err=%v", v, ok, err)
	}

	v, ok, err = s.Get(ctx, "anthropic", "anthropic.api_key", "agent-2")
	if err != nil || !ok || v != "global-value" {
		t.Fatalf("expected account-global fallback, got v=%q ok=%v err=%v", v, ok, err)
	}
}

func TestHashIsStableAndNonReversible(t *testing.T) {
	h1 := Hash("sk-ant-SECRETVALUE")
	h2 := Hash("sk-ant-SECRETVALUE")
	if h1 != h2 {
		t.Fatal("hash must be stable")
	}
	if h1 == "sk-ant-SECRETVALUE" {
		t.Fatal("hash must not equal plaintext")
	}
}
