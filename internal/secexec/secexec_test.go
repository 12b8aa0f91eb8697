package secexec

import (
	"context"
	"strings"
	"testing"
	"time"
)

// TestNoShellExec is invariant 4 from spec.md §8: an argv element containing
// shell metacharacters must never be interpreted by a shell.
func TestNoShellExec(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Argv:    []string{"echo", "; rm -rf /"},
		Timeout: 5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "; rm -rf /" {
		t.Fatalf("expected literal echo output, got %q", res.Stdout)
	}
}

// TestEnvSanitisation is invariant 5: no subprocess env contains a
// sensitive-name-matching key.
func TestEnvSanitisation(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Argv:    []string{"printenv", "MY_API_TOKEN"},
		Env:     []string{"MY_API_TOKEN=leaked-value", "SAFE_VAR=ok"},
		Timeout: 5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "" {
		t.Fatalf("expected sanitised env var to be empty, got %q", res.Stdout)
	}
	if res.ExitCode == 0 {
		t.Fatalf("printenv of a stripped var should fail, got exit 0")
	}
}

// TestRunWithoutEnvOverlayKeepsBaseEnvironment guards against cmd.Env being
// set to a non-nil empty slice when no overlay is supplied: exec.Cmd treats
// a non-nil Env as the literal child environment, so an empty overlay alone
// would wipe PATH/HOME/LANG and break builtins like git_status that rely on
// git needing HOME.
func TestRunWithoutEnvOverlayKeepsBaseEnvironment(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Argv:    []string{"printenv", "PATH"},
		Timeout: 5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) == "" {
		t.Fatalf("expected PATH to survive into the child process with no overlay")
	}
	if res.ExitCode != 0 {
		t.Fatalf("printenv PATH should succeed, got exit %d", res.ExitCode)
	}
}

func TestSanitizeEnvStripsDangerousNames(t *testing.T) {
	in := []string{
		"LD_PRELOAD=/evil.so",
		"NODE_OPTIONS=--require=x",
		"API_KEY=abc",
		"SOME_SECRET=abc",
		"DB_PASSWORD=abc",
		"SAFE=ok",
	}
	out := SanitizeEnv(in)
	if len(out) != 1 || out[0] != "SAFE=ok" {
		t.Fatalf("expected only SAFE=ok to survive, got %v", out)
	}
}

func TestNonZeroExitNotAnError(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Argv:    []string{"sh", "-c", "exit 7"},
		Timeout: 5 * time.Second,
	}, nil)
	// sh is being invoked here as argv[0] deliberately to exercise a
	// non-zero exit code path; secexec still never treats this as a Go
	// error, which is the behaviour under test.
	if err != nil {
		t.Fatalf("non-zero exit must not be a Go error: %v", err)
	}
	if res.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", res.ExitCode)
	}
}

func TestTimeout(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Argv:    []string{"sleep", "5"},
		Timeout: 50 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("expected TimedOut=true")
	}
}
