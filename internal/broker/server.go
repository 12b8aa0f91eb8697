// Package broker implements the Broker HTTP Surface: the chi-routed
// request router that authenticates every call, dispatches to the
// capability listing, channel-token, custom-secret, scoped-token-mint,
// template-exec, and generic proxy endpoints, and wires the collaborators
// (stores, token issuer, proxy engine, audit sink) into one Server struct.
// Adapted from apps/ReleaseParty/backend/internal/api/server.go.
package broker

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seksbot/seks/internal/capstore"
	"github.com/seksbot/seks/internal/classify"
	"github.com/seksbot/seks/internal/model"
	"github.com/seksbot/seks/internal/policy"
	"github.com/seksbot/seks/internal/proxy"
	"github.com/seksbot/seks/internal/scrub"
	"github.com/seksbot/seks/internal/secretstore"
	"github.com/seksbot/seks/internal/skillrunner"
	"github.com/seksbot/seks/internal/template"
	"github.com/seksbot/seks/internal/token"
)

// maxBodyBytes caps inbound request bodies, per spec.md §4.8 ("request
// bodies are size-capped").
const maxBodyBytes = 1 << 20

// Server holds every collaborator the Broker HTTP Surface dispatches to.
type Server struct {
	Tokens    *token.Issuer
	Caps      *capstore.Store
	Secrets   *secretstore.Store
	Proxy     *proxy.Engine
	Templates *template.Registry
	Runner    *skillrunner.Runner
	Scrub     *scrub.Registry
	Audit     interface{ Log(model.AuditEvent) }
	Mode      policy.Mode
	Log       *log.Logger

	SkillsDir string // directory of skill subdirectories, each with its own manifest
}

// New constructs a Server. When srv.Log is nil it defaults to a logger
// writing to the standard logger's output (log.Writer()), matching the
// teacher's log.New(..., LstdFlags|LUTC) convention.
func New(srv Server) *Server {
	if srv.Log == nil {
		srv.Log = log.New(log.Writer(), "seks-broker ", log.LstdFlags|log.LUTC)
	}
	s := srv
	return &s
}

// Router builds the chi mux for every endpoint in spec.md §4.8.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(stripHopByHopHeaders)
	r.Use(capBody)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/verify", s.handleAuthVerify)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/agent/capabilities", s.handleCapabilities)
			r.Get("/tokens/channels", s.handleChannelTokens)
			r.Get("/secrets/custom/{key}", s.handleCustomSecret)
			r.Post("/tokens/scoped", s.handleMintScoped)
			r.Post("/exec", s.handleExec)
			r.Post("/skills/{name}/run", s.handleSkillRun)

			r.HandleFunc("/proxy/{provider}/*", s.handleProxy)
		})
	})

	return r
}

// --- middleware -------------------------------------------------------

func capBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// hopByHopHeaders are stripped on ingress, per spec.md §4.8.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailer", "Transfer-Encoding", "Upgrade",
}

func stripHopByHopHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, h := range hopByHopHeaders {
			r.Header.Del(h)
		}
		next.ServeHTTP(w, r)
	})
}

type ctxKey string

const (
	ctxAgentID ctxKey = "seks_agent_id"
	ctxScope   ctxKey = "seks_scope"
	ctxCorrID  ctxKey = "seks_correlation_id"
)

// authMiddleware verifies the bearer token (spec.md §6's Authorization
// scheme) and attaches the resolved agent id / scope to the request
// context, auditing every verify attempt per spec.md §4.11.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corrID := middleware.GetReqID(r.Context())
		raw := bearerToken(r)
		if raw == "" {
			s.audit(model.AuditEvent{Kind: model.AuditTokenVerify, Outcome: "missing_token", CorrelationID: corrID})
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		v, err := s.Tokens.Verify(r.Context(), raw)
		if err != nil {
			s.audit(model.AuditEvent{Kind: model.AuditTokenVerify, Outcome: "invalid", CorrelationID: corrID, Error: err.Error()})
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		s.audit(model.AuditEvent{AgentID: v.AgentID, Kind: model.AuditTokenVerify, Outcome: "ok", CorrelationID: corrID})

		ctx := context.WithValue(r.Context(), ctxAgentID, v.AgentID)
		ctx = context.WithValue(ctx, ctxScope, v.Capabilities)
		ctx = context.WithValue(ctx, ctxCorrID, corrID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func agentFrom(r *http.Request) string {
	v, _ := r.Context().Value(ctxAgentID).(string)
	return v
}

func scopeFrom(r *http.Request) []model.Capability {
	v, _ := r.Context().Value(ctxScope).([]model.Capability)
	return v
}

func corrIDFrom(r *http.Request) string {
	v, _ := r.Context().Value(ctxCorrID).(string)
	return v
}

func (s *Server) audit(e model.AuditEvent) {
	if s.Audit == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.Audit.Log(e)
}

// --- JSON helpers -------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody never discloses secret names, values, or other agents' grants
// (spec.md §7's user-visible-behaviour requirement).
type errorBody struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	SuggestedTemplate string `json:"suggested_template,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

// classifyArbitrary is a small indirection so handlers depend on the
// classify package through one call site.
func classifyArbitrary(raw string) model.Classification {
	return classify.Classify(raw)
}
