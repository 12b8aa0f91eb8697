// Package proxy implements the Proxy Engine: resolves capability+path to an
// upstream URL, injects auth headers/fields, forwards the request, scrubs
// the response before it returns to the agent, and records an audit event.
// Request construction and retry/backoff are adapted from
// tools/si/internal/apibridge/client.go and tools/si/internal/netpolicy/retry.go.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/seksbot/seks/internal/audit"
	"github.com/seksbot/seks/internal/model"
	"github.com/seksbot/seks/internal/netpolicy"
	"github.com/seksbot/seks/internal/provider"
	"github.com/seksbot/seks/internal/scrub"
	"github.com/seksbot/seks/internal/secretstore"
)

// Code is a proxy-specific outcome code, matching spec.md §6's taxonomy.
type Code string

const (
	CodeUnauthorized     Code = "unauthorized"
	CodeCapabilityMissing Code = "capability_missing"
	CodeScopeViolation   Code = "scope_violation"
	CodeExpiredScope     Code = "expired_scope"
	CodeBadHeader        Code = "bad_header"
	CodeBadProvider      Code = "bad_provider"
	CodeBadPath          Code = "bad_path"
	CodeUnknownProvider  Code = "unknown_provider"
	CodeRequestTimeout   Code = "request_timeout"
	CodeUpstreamError    Code = "upstream_error"
	CodeUpstreamSaturated Code = "upstream_saturated"
	CodeUpstreamTimeout  Code = "upstream_timeout"
)

// Error carries the HTTP status and machine-readable code the Broker HTTP
// Surface should translate into a response.
type Error struct {
	Status int
	Code   Code
	Msg    string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Msg) }

func errOf(status int, code Code, msg string) error {
	return &Error{Status: status, Code: code, Msg: msg}
}

// blockedHeaders are credential-bearing headers an agent may never set on a
// proxied request, per spec.md §4.9 step 4.
var blockedHeaders = map[string]struct{}{
	"authorization":       {},
	"cookie":              {},
	"set-cookie":          {},
	"proxy-authorization": {},
	"x-api-key":           {},
	"api-key":             {},
	"x-auth-token":        {},
	"x-access-token":      {},
}

// Request is one inbound proxy call, already authenticated by the Broker
// HTTP Surface (AgentID/Scope resolved from the bearer token).
type Request struct {
	AgentID       string
	Scope         []model.Capability // nil means an unscoped agent token: full grants apply
	Provider      string
	Path          string
	Method        string
	Body          []byte
	Headers       http.Header
	CorrelationID string
}

// Response is what the Broker HTTP Surface streams back to the agent.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// GrantChecker reports whether an agent holds a capability — satisfied by
// *capstore.Store; kept as an interface here to avoid a store dependency in
// this package.
type GrantChecker interface {
	HasCapability(ctx context.Context, agentID string, cap model.Capability) (bool, error)
}

// SecretResolver resolves a secret value for a provider/field, preferring
// agent-scoped over account-global — satisfied by *secretstore.Store.
type SecretResolver interface {
	Get(ctx context.Context, provider, field, agentID string) (string, bool, error)
}

// Engine is the Proxy Engine.
type Engine struct {
	Table    *provider.Table
	Grants   GrantChecker
	Secrets  SecretResolver
	Scrub    *scrub.Registry
	Audit    audit.Sink
	Client   *http.Client
	MaxRetries int

	limiters sharedLimiters
}

// NewEngine constructs an Engine with sensible defaults matching
// tools/si/internal/apibridge's Config defaults (30s timeout).
func NewEngine(table *provider.Table, grants GrantChecker, secrets SecretResolver, scrubReg *scrub.Registry, sink audit.Sink) *Engine {
	return &Engine{
		Table:      table,
		Grants:     grants,
		Secrets:    secrets,
		Scrub:      scrubReg,
		Audit:      sink,
		Client:     &http.Client{Timeout: 30 * time.Second},
		MaxRetries: 1,
		limiters:   newSharedLimiters(),
	}
}

// sharedLimiters hands out one per-provider token-bucket limiter, used as
// the bounded-concurrency backpressure gate named in spec.md §5: "bounded
// concurrency per upstream provider; when saturated, the proxy returns
// 503 upstream_saturated rather than queueing unboundedly."
type sharedLimiters struct {
	byProvider map[string]*rate.Limiter
}

func newSharedLimiters() sharedLimiters {
	return sharedLimiters{byProvider: make(map[string]*rate.Limiter)}
}

func (s sharedLimiters) forProvider(p string) *rate.Limiter {
	l, ok := s.byProvider[p]
	if !ok {
		// Token bucket of 8 per provider, refilled at 8/s: up to 8
		// requests may start at once, then 8 per second. It limits the
		// start rate and does not count requests still in flight.
		l = rate.NewLimiter(rate.Limit(8), 8)
		s.byProvider[p] = l
	}
	return l
}

// Handle executes steps 1-9 of spec.md §4.9 (the caller has already
// performed step 1's bearer-token verification and passes the resolved
// AgentID/Scope in Request).
func (e *Engine) Handle(ctx context.Context, req Request) (Response, error) {
	cap, err := capabilityFor(e.Table, req.Provider, req.Method, req.Path)
	if err != nil {
		e.deny(req, "bad_path", err)
		return Response{}, errOf(http.StatusBadRequest, CodeBadPath, err.Error())
	}

	if req.Scope != nil {
		if !capabilityInSet(cap, req.Scope) {
			e.deny(req, "scope_violation", nil)
			return Response{}, errOf(http.StatusForbidden, CodeScopeViolation, "capability not in scoped token")
		}
	} else {
		ok, err := e.Grants.HasCapability(ctx, req.AgentID, cap)
		if err != nil {
			return Response{}, err
		}
		if !ok {
			e.deny(req, "capability_missing", nil)
			return Response{}, errOf(http.StatusForbidden, CodeCapabilityMissing, "capability not granted")
		}
	}

	if violation := findBlockedHeader(req.Headers); violation != "" {
		e.deny(req, "bad_header", nil)
		return Response{}, errOf(http.StatusBadRequest, CodeBadHeader, "blocked header: "+violation)
	}
	if containsCRLFOrNUL(req.Headers) {
		e.deny(req, "bad_header", nil)
		return Response{}, errOf(http.StatusBadRequest, CodeBadHeader, "header value contains control characters")
	}

	spec, ok := e.Table.Lookup(req.Provider)
	if !ok {
		e.deny(req, "unknown_provider", nil)
		return Response{}, errOf(http.StatusNotFound, CodeUnknownProvider, "provider not registered")
	}

	upstreamURL, err := e.Table.ResolveURL(req.Provider, req.Path)
	if err != nil {
		return Response{}, errOf(http.StatusInternalServerError, CodeBadProvider, err.Error())
	}

	limiter := e.limiters.forProvider(req.Provider)
	if !limiter.Allow() {
		e.deny(req, "upstream_saturated", nil)
		return Response{}, errOf(http.StatusServiceUnavailable, CodeUpstreamSaturated, "provider backpressure")
	}

	body := req.Body
	headers := cloneHeader(req.Headers)
	var secretHashes []string
	for _, inj := range spec.RequiredSecrets {
		value, found, err := e.Secrets.Get(ctx, req.Provider, inj.Field, req.AgentID)
		if err != nil {
			return Response{}, err
		}
		if !found {
			return Response{}, errOf(http.StatusInternalServerError, CodeUpstreamError, "missing configured secret "+inj.Field)
		}
		// Registration happens-before the request is sent, and therefore
		// happens-before any response bytes leave the proxy (ordering
		// guarantee in spec.md §4.9).
		e.Scrub.Register(scrubLabel(inj.Field), value)
		if err := injectSecret(inj, value, headers, &body, &upstreamURL); err != nil {
			return Response{}, errOf(http.StatusInternalServerError, CodeUpstreamError, err.Error())
		}
		secretHashes = append(secretHashes, secretstore.Hash(value))
	}
	for k, v := range spec.DefaultHeaders {
		if headers.Get(k) == "" {
			headers.Set(k, v)
		}
	}
	if spec.UserAgent != "" {
		headers.Set("User-Agent", spec.UserAgent)
	}

	resp, err := e.forwardWithRetry(ctx, req.Method, upstreamURL, headers, body)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			e.record(req, model.AuditProxyCall, "cancelled", secretHashes, err)
			return Response{}, errOf(http.StatusRequestTimeout, CodeRequestTimeout, "inbound deadline exceeded")
		}
		e.record(req, model.AuditProxyCall, "upstream_timeout", secretHashes, err)
		return Response{}, errOf(http.StatusGatewayTimeout, CodeUpstreamTimeout, "upstream did not respond in time")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		e.record(req, model.AuditProxyCall, "read_error", secretHashes, err)
		return Response{}, errOf(http.StatusBadGateway, CodeUpstreamError, "failed reading upstream response")
	}

	scrubbed := e.Scrub.ScrubSafe(string(raw), func(err error) {
		e.Audit.Log(model.AuditEvent{AgentID: req.AgentID, Kind: model.AuditScrubError, Outcome: "error", Error: err.Error(), CorrelationID: req.CorrelationID})
	})

	respHeaders := make(http.Header, len(resp.Header))
	for k, vs := range resp.Header {
		for _, v := range vs {
			respHeaders.Add(k, e.Scrub.Scrub(v))
		}
	}

	outcome := "ok"
	if resp.StatusCode >= 400 {
		outcome = "upstream_error"
	}
	e.record(req, model.AuditProxyCall, outcome, secretHashes, nil)

	return Response{Status: resp.StatusCode, Headers: respHeaders, Body: []byte(scrubbed)}, nil
}

func (e *Engine) forwardWithRetry(ctx context.Context, method, url string, headers http.Header, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= e.MaxRetries+1; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header = cloneHeader(headers)

		resp, err := e.Client.Do(httpReq)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		// spec.md §7: retry only for idempotent methods and connection-level
		// failures; never for 4xx (a non-nil err here is connection-level,
		// not an HTTP status, so only the method-safety check applies).
		if attempt > e.MaxRetries || !netpolicy.IsSafeMethod(method) {
			break
		}
		if sleepErr := netpolicy.SleepForRetry(ctx, attempt, nil); sleepErr != nil {
			return nil, sleepErr
		}
	}
	return nil, lastErr
}

func (e *Engine) deny(req Request, reason string, err error) {
	msg := reason
	if err != nil {
		msg = err.Error()
	}
	e.Audit.Log(model.AuditEvent{
		AgentID:       req.AgentID,
		Kind:          model.AuditDeny,
		Subject:       req.Provider + req.Path,
		Outcome:       reason,
		CorrelationID: req.CorrelationID,
		Error:         msg,
	})
}

func (e *Engine) record(req Request, kind model.AuditKind, outcome string, secretHashes []string, err error) {
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	e.Audit.Log(model.AuditEvent{
		AgentID:       req.AgentID,
		Kind:          kind,
		Subject:       req.Provider + req.Path + " secrets=" + strings.Join(secretHashes, ","),
		Outcome:       outcome,
		CorrelationID: req.CorrelationID,
		Error:         errStr,
	})
}

// capabilityFor maps a provider + HTTP method/path to the capability it
// implies, resolving the dotted endpoint name (e.g. "messages.create") via
// the provider's registered route table rather than the raw rest-path, so
// the result matches the endpoint-naming convention spec.md's examples use
// ("anthropic/messages.create") and can be checked against a CapabilityGrant
// issued in that form.
func capabilityFor(table *provider.Table, providerName, method, path string) (model.Capability, error) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" || providerName == "" {
		return model.Capability{}, fmt.Errorf("empty provider or path")
	}
	endpoint, ok := table.EndpointFor(providerName, method, trimmed)
	if !ok {
		return model.Capability{}, fmt.Errorf("no registered endpoint for %s %s %s", method, providerName, trimmed)
	}
	return model.Capability{Kind: model.CapabilityAPI, Provider: providerName, Endpoint: endpoint}, nil
}

func capabilityInSet(cap model.Capability, set []model.Capability) bool {
	for _, c := range set {
		if c == cap {
			return true
		}
	}
	return false
}

func findBlockedHeader(h http.Header) string {
	for name := range h {
		if _, blocked := blockedHeaders[strings.ToLower(name)]; blocked {
			return name
		}
	}
	return ""
}

func containsCRLFOrNUL(h http.Header) bool {
	for _, vs := range h {
		for _, v := range vs {
			if strings.ContainsAny(v, "\r\n\x00") {
				return true
			}
		}
	}
	return false
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func scrubLabel(field string) string {
	upper := strings.ToUpper(field)
	return strings.Map(func(r rune) rune {
		if r == '.' || r == '-' {
			return '_'
		}
		return r
	}, upper)
}

// injectSecret places a resolved secret value on the upstream request per
// its InjectionSite. Query and path injection rewrite *upstreamURL in place;
// body injection rewrites *body. Builtin provider specs only use
// SiteHeader today; SiteQuery/SitePath/SiteBody are exercised by
// proxy_test.go (see DESIGN.md).
func injectSecret(inj provider.SecretInjection, value string, headers http.Header, body *[]byte, upstreamURL *string) error {
	rendered := value
	if inj.Format != "" {
		rendered = fmt.Sprintf(inj.Format, value)
	}
	switch inj.Site {
	case provider.SiteHeader:
		headers.Set(inj.Name, rendered)
	case provider.SiteQuery:
		u, err := url.Parse(*upstreamURL)
		if err != nil {
			return fmt.Errorf("injectSecret: parsing upstream URL: %w", err)
		}
		q := u.Query()
		q.Set(inj.Name, rendered)
		u.RawQuery = q.Encode()
		*upstreamURL = u.String()
	case provider.SitePath:
		placeholder := "{" + inj.Name + "}"
		if !strings.Contains(*upstreamURL, placeholder) {
			return fmt.Errorf("injectSecret: upstream URL has no %s placeholder", placeholder)
		}
		*upstreamURL = strings.ReplaceAll(*upstreamURL, placeholder, url.PathEscape(rendered))
	case provider.SiteBody:
		if body == nil {
			return fmt.Errorf("injectSecret: no body to inject into")
		}
		placeholder := []byte("{" + inj.Name + "}")
		if !bytes.Contains(*body, placeholder) {
			return fmt.Errorf("injectSecret: request body has no %s placeholder", string(placeholder))
		}
		*body = bytes.ReplaceAll(*body, placeholder, []byte(rendered))
	}
	return nil
}
