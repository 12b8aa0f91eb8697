// Package config loads the broker process's startup configuration from the
// environment. Adapted from
// apps/ReleaseParty/backend/internal/config/config.go: a flat Config
// struct, a local env(key, def) helper, and explicit errors.New messages for
// missing required fields. Config loading is an external collaborator per
// spec.md §1 — this loader only exists to get the reference binary running.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every value the seks-broker binary needs at startup.
type Config struct {
	Addr string

	DatabasePath   string
	SecretIdentityPath string

	// PolicyMode is the enforcement profile (strict|moderate|permissive)
	// the broker applies to every exec request.
	PolicyMode string

	MaxScopedTTL time.Duration

	AuditLogPath string

	BrokerURL string

	// ContainerRunnerImage is the default image used for a skill run when
	// the manifest does not declare one.
	ContainerRunnerImage string
}

// Load populates Config from the environment, applying defaults and
// validating the scoped-token TTL and policy mode. The only required field
// is the identity path for the Secret Store; the database path has a default.
func Load() (Config, error) {
	cfg := Config{
		Addr:                  env("SEKS_ADDR", ":8443"),
		DatabasePath:          env("SEKS_DB_PATH", "data/seks.sqlite"),
		SecretIdentityPath:    env("SEKS_SECRET_IDENTITY_PATH", ""),
		PolicyMode:            env("SEKS_POLICY_MODE", "strict"),
		AuditLogPath:          env("SEKS_AUDIT_LOG_PATH", "data/audit.jsonl"),
		BrokerURL:             env("SEKS_BROKER_URL", "http://localhost:8443"),
		ContainerRunnerImage:  env("SEKS_RUNNER_IMAGE", "seks-skill-runner:latest"),
	}

	ttlSeconds := env("SEKS_MAX_SCOPED_TTL_SECONDS", "900")
	n, err := strconv.Atoi(ttlSeconds)
	if err != nil {
		return Config{}, errors.New("invalid SEKS_MAX_SCOPED_TTL_SECONDS: " + err.Error())
	}
	cfg.MaxScopedTTL = time.Duration(n) * time.Second

	switch cfg.PolicyMode {
	case "strict", "moderate", "permissive":
	default:
		return Config{}, errors.New("invalid SEKS_POLICY_MODE: must be strict, moderate, or permissive")
	}

	if strings.TrimSpace(cfg.SecretIdentityPath) == "" {
		return Config{}, errors.New("missing SEKS_SECRET_IDENTITY_PATH (age identity file for Secret Store encryption)")
	}

	return cfg, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}
