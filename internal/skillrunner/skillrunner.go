// Package skillrunner implements the Skill Container Runner: loading a
// skill manifest, requesting a scoped token from the broker's Token
// Issuer, preparing a container with restricted network and an env
// carrying the broker URL/scoped token/task, and supervising execution
// with a timeout. Structured the way
// agents/shared/docker/dyad.go assembles a container spec from a
// declarative options struct before handing it to the Engine API.
package skillrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/seksbot/seks/internal/model"
)

// Backend is the containerisation backend interface named in spec.md §6:
// networkExists, networkCreate(internal), runContainer, kill. Satisfied by
// *dockerbackend.Client; the core provides no implementation beyond this
// interface (spec.md §6).
type Backend interface {
	NetworkExists(ctx context.Context, name string) (bool, error)
	NetworkCreate(ctx context.Context, name string, internal bool) error
	RunContainer(ctx context.Context, image, name, network string, memoryMB int64, cpu float64, env []string, timeout time.Duration) (exitCode int, stdout, stderr string, err error)
	Kill(ctx context.Context, name string) error
}

// TokenMinter mints the short-lived scoped token a container run carries.
// Satisfied by *token.Issuer.
type TokenMinter interface {
	MintScoped(ctx context.Context, agentID string, caps []model.Capability, ttl time.Duration) (token string, expiresAt time.Time, err error)
}

// Mode selects between the deterministic local descriptor and a real
// sandboxed container run.
type Mode string

const (
	ModeLocal     Mode = "local"
	ModeContainer Mode = "container"
)

// ErrContainerUnavailable is returned when Mode is container but no Backend
// was configured.
var ErrContainerUnavailable = fmt.Errorf("skillrunner: container backend unavailable")

const (
	brokerOnlyNetworkName = "seks-broker-only"
	defaultImage          = "seks-skill-runner:latest"
)

// AuditFunc records one skill_run event. Kept as a function type (rather
// than importing the audit package's Sink interface) to avoid a dependency
// cycle between skillrunner and broker wiring.
type AuditFunc func(outcome string, err error)

// Runner is the Skill Container Runner.
type Runner struct {
	Backend      Backend // nil is valid: container mode then always fails ContainerUnavailable
	Tokens       TokenMinter
	BrokerURL    string
	DefaultImage string // used when a manifest declares no container.image
}

// New constructs a Runner. backend may be nil if only local mode will ever
// be used.
func New(backend Backend, tokens TokenMinter, brokerURL string) *Runner {
	return &Runner{Backend: backend, Tokens: tokens, BrokerURL: brokerURL}
}

// Result is the outcome of one skill run, per spec.md §4.10 step 5.
type Result struct {
	OK                bool
	Output            string
	Error             string
	DurationMS        int64
	CapabilitiesUsed  []string
	Degraded          bool
	LocalDescriptor   *LocalDescriptor
}

// LocalDescriptor is returned for ModeLocal: a deterministic description of
// what the skill would do, with no secret access and no network, per
// spec.md §4.10.
type LocalDescriptor struct {
	SkillName    string
	Task         string
	Capabilities []string
	Instructions string
}

// Run executes a skill, in either local or container mode.
func (r *Runner) Run(ctx context.Context, m model.SkillManifest, instructions, task, agentID string, mode Mode) (Result, error) {
	switch mode {
	case ModeLocal:
		return r.runLocal(m, instructions, task), nil
	case ModeContainer:
		return r.runContainer(ctx, m, task, agentID)
	default:
		return Result{}, fmt.Errorf("skillrunner: unknown mode %q", mode)
	}
}

func (r *Runner) runLocal(m model.SkillManifest, instructions, task string) Result {
	return Result{
		OK: true,
		LocalDescriptor: &LocalDescriptor{
			SkillName:    m.Name,
			Task:         task,
			Capabilities: append([]string(nil), m.Capabilities...),
			Instructions: instructions,
		},
	}
}

func (r *Runner) runContainer(ctx context.Context, m model.SkillManifest, task, agentID string) (Result, error) {
	if r.Backend == nil {
		return Result{}, ErrContainerUnavailable
	}

	spec := m.Container
	if spec == nil {
		spec = &model.ContainerSpec{Network: model.NetworkBrokerOnly}
	}
	image := spec.Image
	if image == "" {
		image = r.DefaultImage
	}
	if image == "" {
		image = defaultImage
	}
	timeout := time.Duration(spec.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	networkName, err := r.ensureNetwork(ctx, spec.Network)
	if err != nil {
		return Result{}, fmt.Errorf("skillrunner: network: %w", err)
	}

	caps := make([]model.Capability, 0, len(m.Capabilities))
	for _, c := range m.Capabilities {
		if cap, ok := model.ParseCapability(c); ok {
			caps = append(caps, cap)
		}
	}

	runID := runName(m.Name)
	env := []string{
		"SEKS_BROKER_URL=" + r.BrokerURL,
		"SEKS_SKILL_NAME=" + m.Name,
		"SEKS_SKILL_TASK=" + task,
	}
	degraded := false
	if r.Tokens != nil {
		scoped, _, mintErr := r.Tokens.MintScoped(ctx, agentID, caps, timeout)
		if mintErr == nil {
			env = append(env, "SEKS_AGENT_TOKEN="+scoped)
		} else {
			degraded = true
		}
	} else {
		degraded = true
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	started := time.Now()
	exitCode, stdout, stderr, err := r.Backend.RunContainer(ctx, image, runID, networkName, spec.MemoryLimitMB, spec.CPULimit, env, timeout)
	duration := time.Since(started)
	if err != nil {
		return Result{
			OK:               false,
			Error:            err.Error(),
			DurationMS:       duration.Milliseconds(),
			Degraded:         degraded,
			CapabilitiesUsed: m.Capabilities,
		}, nil
	}

	out := stdout
	if stderr != "" {
		out += "\n" + stderr
	}
	return Result{
		OK:               exitCode == 0,
		Output:           out,
		DurationMS:       duration.Milliseconds(),
		Degraded:         degraded,
		CapabilitiesUsed: m.Capabilities,
	}, nil
}

func (r *Runner) ensureNetwork(ctx context.Context, policy model.NetworkPolicy) (string, error) {
	if policy == model.NetworkNone {
		// "none" attaches to no network at all: Docker's own disconnected
		// network mode, not a managed bridge.
		return "", nil
	}
	return brokerOnlyNetworkName, r.ensureNamedNetwork(ctx, brokerOnlyNetworkName, true)
}

func (r *Runner) ensureNamedNetwork(ctx context.Context, name string, internal bool) error {
	exists, err := r.Backend.NetworkExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return r.Backend.NetworkCreate(ctx, name, internal)
}

func runName(skillName string) string {
	return "seks-skill-" + skillName + "-" + time.Now().UTC().Format("150405.000000000")
}
