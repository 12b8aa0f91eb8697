package skillrunner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seksbot/seks/internal/model"
)

type fakeBackend struct {
	networks   map[string]bool
	ranImage   string
	ranNetwork string
	ranEnv     []string
	exitCode   int
	stdout     string
	stderr     string
	runErr     error
}

func (f *fakeBackend) NetworkExists(_ context.Context, name string) (bool, error) {
	return f.networks[name], nil
}

func (f *fakeBackend) NetworkCreate(_ context.Context, name string, _ bool) error {
	if f.networks == nil {
		f.networks = make(map[string]bool)
	}
	f.networks[name] = true
	return nil
}

func (f *fakeBackend) RunContainer(_ context.Context, image, _, network string, _ int64, _ float64, env []string, _ time.Duration) (int, string, string, error) {
	f.ranImage = image
	f.ranNetwork = network
	f.ranEnv = env
	return f.exitCode, f.stdout, f.stderr, f.runErr
}

func (f *fakeBackend) Kill(_ context.Context, _ string) error { return nil }

type fakeMinter struct {
	token string
	err   error
}

func (m fakeMinter) MintScoped(_ context.Context, _ string, _ []model.Capability, _ time.Duration) (string, time.Time, error) {
	if m.err != nil {
		return "", time.Time{}, m.err
	}
	return m.token, time.Now().Add(time.Minute), nil
}

func TestRunLocalReturnsDescriptorWithoutBackend(t *testing.T) {
	r := New(nil, nil, "http://broker")
	m := model.SkillManifest{Name: "weather", Capabilities: []string{"anthropic/messages.create"}}
	res, err := r.Run(context.Background(), m, "instructions text", "what's the weather", "agent-1", ModeLocal)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.LocalDescriptor == nil {
		t.Fatal("expected a local descriptor")
	}
	if res.LocalDescriptor.Instructions != "instructions text" {
		t.Errorf("instructions = %q", res.LocalDescriptor.Instructions)
	}
}

func TestRunContainerWithoutBackendFails(t *testing.T) {
	r := New(nil, fakeMinter{token: "scoped"}, "http://broker")
	m := model.SkillManifest{Name: "weather", Capabilities: []string{"anthropic/messages.create"}}
	_, err := r.Run(context.Background(), m, "", "task", "agent-1", ModeContainer)
	if !errors.Is(err, ErrContainerUnavailable) {
		t.Fatalf("expected ErrContainerUnavailable, got %v", err)
	}
}

func TestRunContainerInjectsScopedTokenAndBrokerOnlyNetwork(t *testing.T) {
	backend := &fakeBackend{exitCode: 0, stdout: "done"}
	r := New(backend, fakeMinter{token: "scoped-tok"}, "http://broker:8443")
	m := model.SkillManifest{
		Name:         "weather",
		Capabilities: []string{"anthropic/messages.create"},
		Container:    &model.ContainerSpec{Image: "seks-skill-runner:weather", Network: model.NetworkBrokerOnly, TimeoutSeconds: 5},
	}
	res, err := r.Run(context.Background(), m, "", "task", "agent-1", ModeContainer)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected ok result, got %+v", res)
	}
	if res.Degraded {
		t.Error("expected non-degraded run when minting succeeds")
	}
	if backend.ranNetwork != brokerOnlyNetworkName {
		t.Errorf("network = %q", backend.ranNetwork)
	}
	found := false
	for _, e := range backend.ranEnv {
		if e == "SEKS_AGENT_TOKEN=scoped-tok" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected scoped token in env, got %v", backend.ranEnv)
	}
}

func TestRunContainerDegradesWhenMintFails(t *testing.T) {
	backend := &fakeBackend{exitCode: 0}
	r := New(backend, fakeMinter{err: errors.New("scope_exceeds_grants")}, "http://broker")
	m := model.SkillManifest{
		Name:         "weather",
		Capabilities: []string{"anthropic/messages.create"},
		Container:    &model.ContainerSpec{Network: model.NetworkNone, TimeoutSeconds: 5},
	}
	res, err := r.Run(context.Background(), m, "", "task", "agent-1", ModeContainer)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Degraded {
		t.Error("expected degraded result when scoped-token mint fails")
	}
	for _, e := range backend.ranEnv {
		if len(e) >= len("SEKS_AGENT_TOKEN=") && e[:len("SEKS_AGENT_TOKEN=")] == "SEKS_AGENT_TOKEN=" {
			t.Errorf("expected no SEKS_AGENT_TOKEN in degraded mode, got %v", backend.ranEnv)
		}
	}
	if backend.ranNetwork != "" {
		t.Errorf("expected no network for NetworkNone policy, got %q", backend.ranNetwork)
	}
}
