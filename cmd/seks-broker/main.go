// Command seks-broker runs the Credential Broker's HTTP surface: the
// Capability Store, Secret Store, Token Issuer, Proxy Engine, and Skill
// Runner wired together behind a chi router. Entrypoint shape adapted from
// apps/ReleaseParty/backend/cmd/releaseparty-api/main.go: a
// log.New(os.Stdout, ..., log.LstdFlags|log.LUTC) logger, config.Load()
// from the environment, an http.Server with a ReadHeaderTimeout, and a
// graceful shutdown on SIGTERM/SIGINT.
package main

import (
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/seksbot/seks/internal/audit"
	"github.com/seksbot/seks/internal/broker"
	"github.com/seksbot/seks/internal/capstore"
	"github.com/seksbot/seks/internal/config"
	"github.com/seksbot/seks/internal/dockerbackend"
	"github.com/seksbot/seks/internal/policy"
	"github.com/seksbot/seks/internal/provider"
	"github.com/seksbot/seks/internal/proxy"
	"github.com/seksbot/seks/internal/scrub"
	"github.com/seksbot/seks/internal/secretstore"
	"github.com/seksbot/seks/internal/skillrunner"
	"github.com/seksbot/seks/internal/store"
	"github.com/seksbot/seks/internal/template"
	"github.com/seksbot/seks/internal/token"
)

func main() {
	logger := log.New(os.Stdout, "seks-broker ", log.LstdFlags|log.LUTC)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	identity, err := loadOrGenerateIdentity(cfg.SecretIdentityPath)
	if err != nil {
		logger.Fatalf("secret identity: %v", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatalf("db: %v", err)
	}
	defer st.Close()

	caps := capstore.New(st.DB())
	secrets := secretstore.New(st.DB(), identity)
	tokens := token.New(st.DB(), caps, cfg.MaxScopedTTL)

	auditLog := audit.Multi{audit.NewJSONLAudit(cfg.AuditLogPath)}

	scrubReg := scrub.New()
	table := provider.NewTable()
	proxyEngine := proxy.NewEngine(table, caps, secrets, scrubReg, auditLog)

	templates := template.New()
	for _, t := range template.Builtins() {
		templates.Register(t)
	}

	var backend skillrunner.Backend
	if dc, derr := dockerbackend.New(); derr == nil {
		backend = dc
	} else {
		logger.Printf("docker backend unavailable, skill runs will be local-only: %v", derr)
	}
	runner := skillrunner.New(backend, tokens, cfg.BrokerURL)
	runner.DefaultImage = cfg.ContainerRunnerImage

	srv := broker.New(broker.Server{
		Tokens:    tokens,
		Caps:      caps,
		Secrets:   secrets,
		Proxy:     proxyEngine,
		Templates: templates,
		Runner:    runner,
		Audit:     auditLog,
		Mode:      policy.Mode(cfg.PolicyMode),
		Log:       logger,
		SkillsDir: "skills",
		Scrub:     scrubReg,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s (policy mode: %s)", cfg.Addr, cfg.PolicyMode)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Printf("shutting down...")
	_ = httpSrv.Close()
}

// loadOrGenerateIdentity reads the age identity used to encrypt Secret
// Store rows at rest, generating and persisting a fresh one on first run.
func loadOrGenerateIdentity(path string) (*secretstore.Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return secretstore.LoadIdentity(string(data))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	id, err := secretstore.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(id.String()), 0o600); err != nil {
		return nil, err
	}
	return id, nil
}
