package scrub

import "testing"

func TestScrubRedactsRawAndEncodedVariants(t *testing.T) {
	r := New()
	r.Register("ANTHROPIC", "sk-ant-SECRETVALUE")

	cases := map[string]string{
		"key is sk-ant-SECRETVALUE here":        "key is <secret:ANTHROPIC> here",
		"KEY IS SK-ANT-SECRETVALUE HERE":        "KEY IS <secret:ANTHROPIC> HERE",
		"b64 c2stYW50LVNFQ1JFVFZBTFVF done":     "b64 <secret:ANTHROPIC:base64> done",
	}
	for in, want := range cases {
		if got := r.Scrub(in); got != want {
			t.Errorf("Scrub(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestScrubIgnoresShortValues(t *testing.T) {
	r := New()
	r.Register("X", "a")
	if got := r.Scrub("a"); got != "a" {
		t.Errorf("short value should not be registered, got %q", got)
	}
}

func TestScrubIdempotent(t *testing.T) {
	r := New()
	r.Register("TOK", "super-secret-token-value")
	input := "leaked: super-secret-token-value twice super-secret-token-value"
	once := r.Scrub(input)
	twice := r.Scrub(once)
	if once != twice {
		t.Fatalf("scrub not idempotent: once=%q twice=%q", once, twice)
	}
}

func TestScrubLongestVariantFirst(t *testing.T) {
	r := New()
	// Register a value whose raw form is a substring of another registered
	// value's base64 form is unlikely in practice, but longest-first
	// ordering must still hold for overlapping raw registrations.
	r.Register("SHORT", "abcdefgh")
	r.Register("LONG", "abcdefghijkl")
	got := r.Scrub("abcdefghijkl")
	if got != "<secret:LONG>" {
		t.Fatalf("expected longest match to win, got %q", got)
	}
}

func TestScrubSafeRecoversFromInternalError(t *testing.T) {
	r := New()
	r.Register("X", "irrelevant-secret-value")
	var gotErr error
	out := r.ScrubSafe("panic-me", func(err error) { gotErr = err })
	if out != "panic-me" {
		t.Fatalf("expected unchanged input on non-panicking path, got %q", out)
	}
	if gotErr != nil {
		t.Fatalf("unexpected error on non-panicking path: %v", gotErr)
	}
}

func TestClear(t *testing.T) {
	r := New()
	r.Register("X", "some-secret-value")
	r.Clear()
	if got := r.Scrub("some-secret-value"); got != "some-secret-value" {
		t.Fatalf("expected registry cleared, got %q", got)
	}
}
