// Package provider centralizes the Proxy Engine's routing table: per-provider
// upstream base URLs, default headers, and the secret-field injection rules
// the Proxy Engine applies before forwarding a request. Shape adopted
// directly from tools/si/internal/providers/specs.go, extended with the
// injection-site metadata spec.md §4.9 step 6 requires.
package provider

import "strings"

// InjectionSite names where a secret field is placed on the upstream
// request.
type InjectionSite string

const (
	SiteHeader InjectionSite = "header"
	SiteQuery  InjectionSite = "query"
	SitePath   InjectionSite = "path"
	SiteBody   InjectionSite = "body"
)

// SecretInjection describes how one required secret field is placed on the
// upstream request.
type SecretInjection struct {
	Field string // e.g. "anthropic.api_key"
	Site  InjectionSite
	Name  string // header/query/body key name, or path placeholder name
	Format string // e.g. "Bearer %s"; empty means the raw value
}

// EndpointRoute maps one upstream HTTP method+path shape to the dotted
// endpoint name used in a CapabilityGrant (spec.md §2: "an endpoint is a
// structured path like anthropic/messages.create"). Method "" matches any
// method. Path segments equal to "*" match exactly one path segment.
type EndpointRoute struct {
	Method   string
	Path     string // e.g. "v1/messages"
	Endpoint string // e.g. "messages.create"
}

// Spec is one provider's routing and injection configuration.
type Spec struct {
	BaseURL          string
	UserAgent        string
	Accept           string
	RequestIDHeaders []string
	DefaultHeaders   map[string]string
	RequiredSecrets  []SecretInjection
	// HostAllow defends against routing-table corruption (spec.md §4.9 step
	// 5): the resolved upstream host must also appear here.
	HostAllow []string
	// Endpoints maps the request's method+path to the dotted endpoint name a
	// CapabilityGrant names, per spec.md §2 and scenario S3. A request whose
	// method+path matches no route has no capability to check against and is
	// rejected as bad_path.
	Endpoints []EndpointRoute
}

// EndpointFor resolves the dotted endpoint name for a method+path against
// provider's registered routes, first exact-method match, then a
// method=="" wildcard route.
func (t *Table) EndpointFor(providerName, method, path string) (string, bool) {
	spec, ok := t.Lookup(providerName)
	if !ok {
		return "", false
	}
	trimmed := strings.Trim(path, "/")
	var fallback string
	var fallbackOK bool
	for _, r := range spec.Endpoints {
		if !matchPath(r.Path, trimmed) {
			continue
		}
		if strings.EqualFold(r.Method, method) {
			return r.Endpoint, true
		}
		if r.Method == "" {
			fallback, fallbackOK = r.Endpoint, true
		}
	}
	return fallback, fallbackOK
}

// matchPath compares pattern and path segment-by-segment; a pattern
// segment of "*" matches any single path segment.
func matchPath(pattern, path string) bool {
	pSegs := strings.Split(pattern, "/")
	segs := strings.Split(path, "/")
	if len(pSegs) != len(segs) {
		return false
	}
	for i, ps := range pSegs {
		if ps == "*" {
			continue
		}
		if ps != segs[i] {
			return false
		}
	}
	return true
}

// Table is the provider → Spec routing table, a DAG loaded at startup and
// safe to replace atomically on reload (spec.md §9).
type Table struct {
	specs map[string]Spec
}

// NewTable builds a routing table from the built-in specs, which callers may
// extend via Set before serving traffic.
func NewTable() *Table {
	t := &Table{specs: make(map[string]Spec)}
	for name, spec := range builtinSpecs {
		t.specs[name] = spec
	}
	return t
}

// Set registers or replaces a provider's spec.
func (t *Table) Set(name string, spec Spec) {
	t.specs[name] = spec
}

// Lookup returns the spec for a provider name, case-sensitive (providers are
// lowercase slugs by convention).
func (t *Table) Lookup(name string) (Spec, bool) {
	s, ok := t.specs[name]
	return s, ok
}

// ResolveURL builds the upstream URL for a provider + request path,
// rejecting hosts outside the provider's own allowlist as defence in depth
// against routing-table corruption.
func (t *Table) ResolveURL(provider, requestPath string) (string, error) {
	spec, ok := t.Lookup(provider)
	if !ok {
		return "", errUnknownProvider
	}
	full := strings.TrimRight(spec.BaseURL, "/") + "/" + strings.TrimLeft(requestPath, "/")
	if len(spec.HostAllow) > 0 {
		host := hostOf(spec.BaseURL)
		if !containsFold(spec.HostAllow, host) {
			return "", errRoutingTableCorrupt
		}
	}
	return full, nil
}

func hostOf(baseURL string) string {
	rest := strings.TrimPrefix(baseURL, "https://")
	rest = strings.TrimPrefix(rest, "http://")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func containsFold(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}

type routingError string

func (e routingError) Error() string { return string(e) }

const (
	errUnknownProvider     = routingError("provider not in routing table")
	errRoutingTableCorrupt = routingError("upstream host not in provider allowlist")
)

// builtinSpecs seeds a handful of common providers, following the shape of
// tools/si/internal/providers/specs.go.
var builtinSpecs = map[string]Spec{
	"anthropic": {
		BaseURL:   "https://api.anthropic.com",
		UserAgent: "seks-broker/1.0",
		Accept:    "application/json",
		HostAllow: []string{"api.anthropic.com"},
		RequiredSecrets: []SecretInjection{
			{Field: "anthropic.api_key", Site: SiteHeader, Name: "x-api-key"},
		},
		DefaultHeaders: map[string]string{"anthropic-version": "2023-06-01"},
		Endpoints: []EndpointRoute{
			{Method: "POST", Path: "v1/messages", Endpoint: "messages.create"},
			{Method: "GET", Path: "v1/models", Endpoint: "models.list"},
		},
	},
	"openai": {
		BaseURL:   "https://api.openai.com",
		UserAgent: "seks-broker/1.0",
		Accept:    "application/json",
		HostAllow: []string{"api.openai.com"},
		RequiredSecrets: []SecretInjection{
			{Field: "openai.api_key", Site: SiteHeader, Name: "authorization", Format: "Bearer %s"},
		},
		Endpoints: []EndpointRoute{
			{Method: "POST", Path: "v1/chat/completions", Endpoint: "chat.completions"},
			{Method: "POST", Path: "v1/embeddings", Endpoint: "embeddings.create"},
		},
	},
	"github": {
		BaseURL:          "https://api.github.com",
		UserAgent:        "seks-broker/1.0",
		Accept:           "application/vnd.github+json",
		RequestIDHeaders: []string{"X-GitHub-Request-Id"},
		HostAllow:        []string{"api.github.com"},
		DefaultHeaders:   map[string]string{"X-GitHub-Api-Version": "2022-11-28"},
		RequiredSecrets: []SecretInjection{
			{Field: "github.token", Site: SiteHeader, Name: "authorization", Format: "Bearer %s"},
		},
		Endpoints: []EndpointRoute{
			{Method: "GET", Path: "repos/*/*", Endpoint: "repos.get"},
			{Method: "POST", Path: "repos/*/*/issues", Endpoint: "issues.create"},
		},
	},
	"discord": {
		BaseURL:   "https://discord.com/api/v10",
		UserAgent: "seks-broker/1.0",
		Accept:    "application/json",
		HostAllow: []string{"discord.com"},
		RequiredSecrets: []SecretInjection{
			{Field: "discord.bot_token", Site: SiteHeader, Name: "authorization", Format: "Bot %s"},
		},
		Endpoints: []EndpointRoute{
			{Method: "POST", Path: "channels/*/messages", Endpoint: "messages.send"},
		},
	},
}
