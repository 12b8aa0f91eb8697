package broker

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seksbot/seks/internal/manifest"
	"github.com/seksbot/seks/internal/model"
	"github.com/seksbot/seks/internal/policy"
	"github.com/seksbot/seks/internal/proxy"
	"github.com/seksbot/seks/internal/secexec"
	"github.com/seksbot/seks/internal/secretstore"
	"github.com/seksbot/seks/internal/skillrunner"
	"github.com/seksbot/seks/internal/template"
	"github.com/seksbot/seks/internal/token"
)

// handleAuthVerify implements POST /v1/auth/verify. Unlike the other
// endpoints it is not behind authMiddleware: a failed verify is the
// expected, non-exceptional response, not a 401.
func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	raw := bearerToken(r)
	v, err := s.Tokens.Verify(r.Context(), raw)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "agent_id": v.AgentID})
}

// handleCapabilities implements GET /v1/agent/capabilities.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	grants, err := s.Caps.ListForAgent(r.Context(), agentFrom(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed listing capabilities")
		return
	}
	out := make([]string, 0, len(grants))
	for _, g := range grants {
		out = append(out, g.Capability.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": out})
}

// handleChannelTokens implements GET /v1/tokens/channels. It never returns
// raw secret material (spec.md §4.8 reserves that for the custom-secrets
// endpoint alone): for each provider the agent holds at least one API
// capability for, it mints a scoped token carrying exactly that provider's
// granted capabilities, so a channel plugin can call the proxy on the
// agent's behalf without ever seeing a raw credential.
func (s *Server) handleChannelTokens(w http.ResponseWriter, r *http.Request) {
	agentID := agentFrom(r)
	grants, err := s.Caps.ListForAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed listing capabilities")
		return
	}
	byProvider := map[string][]model.Capability{}
	for _, g := range grants {
		if g.Capability.Kind != model.CapabilityAPI {
			continue
		}
		byProvider[g.Capability.Provider] = append(byProvider[g.Capability.Provider], g.Capability)
	}

	out := map[string]string{}
	for providerName, caps := range byProvider {
		tok, _, err := s.Tokens.MintScoped(r.Context(), agentID, caps, token.DefaultMaxScopedTTL)
		if err != nil {
			continue
		}
		out[providerName] = tok
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": out})
}

// handleCustomSecret implements GET /v1/secrets/custom/{key}: the only
// endpoint where an agent sees raw secret material, gated on holding the
// matching custom/{key} capability.
func (s *Server) handleCustomSecret(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	agentID := agentFrom(r)
	cap := model.Capability{Kind: model.CapabilityCustom, Key: key}

	if scope := scopeFrom(r); scope != nil {
		if !scopeContains(scope, cap) {
			writeError(w, http.StatusForbidden, "scope_violation", "capability not in scoped token")
			return
		}
	} else {
		ok, err := s.Caps.HasCapability(r.Context(), agentID, cap)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "lookup failed")
			return
		}
		if !ok {
			writeError(w, http.StatusForbidden, "capability_missing", "capability not granted")
			return
		}
	}

	value, found, err := s.Secrets.Get(r.Context(), "custom", key, agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "secret lookup failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "unknown_provider", "no secret configured for that key")
		return
	}
	s.audit(model.AuditEvent{
		AgentID: agentID, Kind: model.AuditSecretAccess, Subject: "custom/" + key,
		Outcome: "ok", CorrelationID: corrIDFrom(r), Error: "hash=" + secretstore.Hash(value),
	})
	writeJSON(w, http.StatusOK, map[string]string{"value": value})
}

// handleMintScoped implements POST /v1/tokens/scoped.
func (s *Server) handleMintScoped(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SkillName    string   `json:"skill_name"`
		Capabilities []string `json:"capabilities"`
		TTLSeconds   int      `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_path", "malformed request body")
		return
	}

	caps := make([]model.Capability, 0, len(body.Capabilities))
	for _, c := range body.Capabilities {
		parsed, ok := model.ParseCapability(c)
		if !ok {
			writeError(w, http.StatusBadRequest, "bad_path", "malformed capability: "+c)
			return
		}
		caps = append(caps, parsed)
	}

	agentID := agentFrom(r)
	tok, expiresAt, err := s.Tokens.MintScoped(r.Context(), agentID, caps, time.Duration(body.TTLSeconds)*time.Second)
	if err != nil {
		if errors.Is(err, token.ErrScopeExceedsGrants) {
			s.audit(model.AuditEvent{AgentID: agentID, Kind: model.AuditDeny, Subject: body.SkillName, Outcome: "scope_exceeds_grants", CorrelationID: corrIDFrom(r)})
			writeError(w, http.StatusForbidden, "scope_exceeds_grants", "requested capabilities exceed agent grants")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "mint failed")
		return
	}
	s.audit(model.AuditEvent{AgentID: agentID, Kind: model.AuditTokenMint, Subject: body.SkillName, Outcome: "ok", CorrelationID: corrIDFrom(r)})
	writeJSON(w, http.StatusOK, map[string]any{"token": tok, "expires_at": expiresAt.Format(time.RFC3339)})
}

// execRequestBody is the wire form named in spec.md §6: {"template": "<id>",
// "params": {...}}; raw_command and approved extend it for arbitrary-mode
// requests and the approval workflow, which spec.md's Policy (§4.4) assumes
// but does not itself wire-format.
type execRequestBody struct {
	Template   string            `json:"template"`
	Params     map[string]string `json:"params"`
	RawCommand string            `json:"raw_command"`
	Approved   bool              `json:"approved"`
}

// handleExec implements the Command-Template Executor's HTTP entrypoint.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var body execRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_path", "malformed request body")
		return
	}
	agentID := agentFrom(r)
	corrID := corrIDFrom(r)

	var (
		preq policy.Request
		argv []string
	)
	if body.Template != "" {
		t, ok := s.Templates.Get(body.Template)
		if !ok {
			writeError(w, http.StatusBadRequest, "bad_path", "unknown template")
			return
		}
		built, err := s.Templates.BuildArgv(template.Invocation{TemplateID: body.Template, Params: body.Params})
		if err != nil {
			s.audit(model.AuditEvent{AgentID: agentID, Kind: model.AuditDeny, Subject: body.Template, Outcome: "validation_error", CorrelationID: corrID, Error: err.Error()})
			writeError(w, http.StatusBadRequest, "bad_path", err.Error())
			return
		}
		argv = built
		preq = policy.Request{
			ExecMode: model.ExecTemplate, TemplateID: body.Template, TemplateClass: t.Class,
			TemplateAuto: t.AutoApprove, Argv: argv, ApprovalGranted: body.Approved,
		}
	} else {
		class := classifyArbitrary(body.RawCommand)
		preq = policy.Request{
			ExecMode: model.ExecArbitrary, RawCommand: body.RawCommand, RawClass: class,
			ApprovalGranted: body.Approved,
		}
	}

	outcome := policy.Evaluate(preq, s.Mode)
	if !outcome.Allowed {
		s.audit(model.AuditEvent{AgentID: agentID, Kind: model.AuditDeny, Subject: body.Template + body.RawCommand, Outcome: string(outcome.Mode), CorrelationID: corrID, Error: outcome.Reason})
		status := http.StatusForbidden
		if outcome.RequiresApproval {
			writeJSON(w, status, map[string]any{"error": "approval_required", "message": outcome.Reason})
			return
		}
		writeJSON(w, status, errorBody{Error: "denied", Message: outcome.Reason, SuggestedTemplate: outcome.SuggestedTemplate})
		return
	}

	if body.Template == "" {
		argv = strings.Fields(body.RawCommand)
	} else {
		argv = outcome.Argv
	}
	if len(argv) == 0 {
		writeError(w, http.StatusBadRequest, "bad_path", "empty command")
		return
	}

	result, err := secexec.Run(r.Context(), secexec.Request{Argv: argv, Timeout: 30 * time.Second}, s.Scrub)
	if err != nil {
		s.audit(model.AuditEvent{AgentID: agentID, Kind: model.AuditExec, Subject: argv[0], Outcome: "spawn_error", CorrelationID: corrID, Error: err.Error()})
		writeError(w, http.StatusInternalServerError, "internal", "failed to start process")
		return
	}
	s.audit(model.AuditEvent{AgentID: agentID, Kind: model.AuditExec, Subject: argv[0], Outcome: "ok", CorrelationID: corrID})
	writeJSON(w, http.StatusOK, map[string]any{
		"exit_code": result.ExitCode, "stdout": result.Stdout, "stderr": result.Stderr, "timed_out": result.TimedOut,
	})
}

// handleSkillRun implements the Skill Runner's HTTP entrypoint: load the
// named skill's manifest from SkillsDir and run it in the requested mode.
func (s *Server) handleSkillRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var body struct {
		Task string `json:"task"`
		Mode string `json:"mode"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	mode := skillrunner.Mode(body.Mode)
	if mode == "" {
		mode = skillrunner.ModeLocal
	}

	loaded, err := manifest.Load(filepath.Join(s.SkillsDir, name))
	if err != nil {
		writeError(w, http.StatusNotFound, "bad_path", "skill not found or invalid manifest")
		return
	}

	agentID := agentFrom(r)
	res, err := s.Runner.Run(r.Context(), loaded.Manifest, loaded.Instructions, body.Task, agentID, mode)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	} else if !res.OK {
		outcome = "failed"
	} else if res.Degraded {
		outcome = "degraded"
	}
	s.audit(model.AuditEvent{AgentID: agentID, Kind: model.AuditSkillRun, Subject: name, Outcome: outcome, CorrelationID: corrIDFrom(r)})
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleProxy implements the generic POST|GET|PUT|DELETE
// /v1/proxy/{provider}/{rest...} passthrough (spec.md §4.9).
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	rest := chi.URLParam(r, "*")
	if r.URL.RawQuery != "" {
		rest += "?" + r.URL.RawQuery
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_path", "failed reading request body")
		return
	}

	preq := proxy.Request{
		AgentID:       agentFrom(r),
		Scope:         scopeFrom(r),
		Provider:      providerName,
		Path:          rest,
		Method:        r.Method,
		Body:          bodyBytes,
		Headers:       r.Header.Clone(),
		CorrelationID: corrIDFrom(r),
	}

	resp, err := s.Proxy.Handle(r.Context(), preq)
	if err != nil {
		var perr *proxy.Error
		if errors.As(err, &perr) {
			writeError(w, perr.Status, string(perr.Code), perr.Msg)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "proxy failure")
		return
	}

	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	_, _ = io.Copy(w, bytes.NewReader(resp.Body))
}

func scopeContains(scope []model.Capability, cap model.Capability) bool {
	for _, c := range scope {
		if c == cap {
			return true
		}
	}
	return false
}
