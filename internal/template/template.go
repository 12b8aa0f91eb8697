// Package template implements the Template Registry and Argv Builder: an
// immutable, in-memory map of template ids to structured command specs, and
// the validator that turns a template invocation into a literal argv slice
// with no shell involved.
package template

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/seksbot/seks/internal/model"
)

// Error kinds named in spec.md §4.3.
type ErrorKind string

const (
	ErrUnknownTemplate           ErrorKind = "UnknownTemplate"
	ErrMissingRequiredParam      ErrorKind = "MissingRequiredParam"
	ErrParamTypeInvalid          ErrorKind = "ParamTypeInvalid"
	ErrParamTooLong              ErrorKind = "ParamTooLong"
	ErrParamPatternMismatch      ErrorKind = "ParamPatternMismatch"
	ErrParamNotAllowed           ErrorKind = "ParamNotAllowed"
	ErrParamContainsShellMeta    ErrorKind = "ParamContainsShellMetachar"
)

// BuildError is a typed validation failure from BuildArgv.
type BuildError struct {
	Kind  ErrorKind
	Param string
	Msg   string
}

func (e *BuildError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Param, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func fail(kind ErrorKind, param, msg string) error {
	return &BuildError{Kind: kind, Param: param, Msg: msg}
}

var placeholderToken = regexp.MustCompile(`^\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

var shellMetachars = regexp.MustCompile(`[;&|` + "`" + `$(){}\n\r\x00]`)

// Registry holds registered command templates by id. Templates are
// immutable after registration; the zero value is ready to use.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]model.CommandTemplate
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{templates: make(map[string]model.CommandTemplate)}
}

// Register stores a template by id. Registering the same id twice replaces
// the prior definition — callers are expected to register built-ins once at
// startup and extend via config before serving traffic.
func (r *Registry) Register(t model.CommandTemplate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.templates == nil {
		r.templates = make(map[string]model.CommandTemplate)
	}
	r.templates[t.ID] = t
}

// Get returns the template for id, if registered.
func (r *Registry) Get(id string) (model.CommandTemplate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	return t, ok
}

// List returns every registered template, in no particular order.
func (r *Registry) List() []model.CommandTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.CommandTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	return out
}

// Invocation is a template invocation's parameter values, as strings — the
// caller's JSON numbers/booleans are expected to already be stringified by
// the broker's request decoder; BuildArgv performs the type validation.
type Invocation struct {
	TemplateID string
	Params     map[string]string
}

// BuildArgv resolves a template invocation into a literal argv slice. Every
// placeholder value becomes exactly one argv element; it is never
// concatenated into a literal token. This is the central invariant of the
// Command-Template Executor.
func (r *Registry) BuildArgv(inv Invocation) ([]string, error) {
	t, ok := r.Get(inv.TemplateID)
	if !ok {
		return nil, fail(ErrUnknownTemplate, "", inv.TemplateID)
	}

	specByName := make(map[string]model.ParamSpec, len(t.Params))
	for _, p := range t.Params {
		specByName[p.Name] = p
	}

	for _, p := range t.Params {
		if p.Required {
			if _, ok := inv.Params[p.Name]; !ok {
				return nil, fail(ErrMissingRequiredParam, p.Name, "required parameter missing")
			}
		}
	}

	argv := make([]string, 0, len(t.Argv))
	for _, token := range t.Argv {
		m := placeholderToken.FindStringSubmatch(token)
		if m == nil {
			argv = append(argv, token)
			continue
		}
		name := m[1]
		spec, known := specByName[name]
		if !known {
			// A placeholder with no declared spec is a registration bug, not
			// caller input; treat its value as an opaque required string.
			spec = model.ParamSpec{Name: name, Type: model.ParamString, Required: true}
		}
		value, present := inv.Params[name]
		if !present {
			value = spec.Default
			present = value != ""
		}
		if !present {
			if spec.Required {
				return nil, fail(ErrMissingRequiredParam, name, "required parameter missing")
			}
			// Absent optional placeholder: drop the token entirely, never
			// leave it as an empty argv element.
			continue
		}
		validated, err := validateParam(spec, value)
		if err != nil {
			return nil, err
		}
		argv = append(argv, validated)
	}
	return argv, nil
}

func validateParam(spec model.ParamSpec, value string) (string, error) {
	switch spec.Type {
	case model.ParamNumber:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return "", fail(ErrParamTypeInvalid, spec.Name, "not a finite number")
		}
		if spec.HasMinMax && (n < spec.Min || n > spec.Max) {
			return "", fail(ErrParamTypeInvalid, spec.Name, "out of range")
		}
		return value, nil

	case model.ParamBoolean:
		if value != "true" && value != "false" {
			return "", fail(ErrParamTypeInvalid, spec.Name, "must be true or false")
		}
		return value, nil

	case model.ParamURL:
		u, err := url.Parse(value)
		if err != nil {
			return "", fail(ErrParamTypeInvalid, spec.Name, "invalid URL")
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", fail(ErrParamTypeInvalid, spec.Name, "scheme must be http or https")
		}
		if u.User != nil {
			return "", fail(ErrParamTypeInvalid, spec.Name, "userinfo not allowed in URL")
		}
		if !spec.AllowRawIP && net.ParseIP(u.Hostname()) != nil {
			return "", fail(ErrParamTypeInvalid, spec.Name, "raw IP hosts not allowed")
		}
		if len(spec.HostAllow) > 0 && !hostAllowed(u.Hostname(), spec.HostAllow) {
			return "", fail(ErrParamNotAllowed, spec.Name, "host not in allowlist")
		}
		return value, nil

	case model.ParamPath:
		if shellMetachars.MatchString(value) {
			return "", fail(ErrParamContainsShellMeta, spec.Name, "path contains shell metacharacters")
		}
		if strings.Contains(value, "..") {
			return "", fail(ErrParamContainsShellMeta, spec.Name, "path traversal not allowed")
		}
		return value, nil

	case model.ParamString, "":
		if spec.MaxLength > 0 && len(value) > spec.MaxLength {
			return "", fail(ErrParamTooLong, spec.Name, "exceeds max length")
		}
		if spec.Regex != "" {
			re, err := regexp.Compile(spec.Regex)
			if err != nil || !re.MatchString(value) {
				return "", fail(ErrParamPatternMismatch, spec.Name, "does not match pattern")
			}
		}
		if len(spec.Allowlist) > 0 && !contains(spec.Allowlist, value) {
			return "", fail(ErrParamNotAllowed, spec.Name, "not in allowlist")
		}
		return value, nil

	default:
		return "", fail(ErrParamTypeInvalid, spec.Name, "unknown param type")
	}
}

func hostAllowed(host string, allow []string) bool {
	for _, a := range allow {
		if strings.EqualFold(host, a) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Builtins returns the built-in templates seeded at startup, grounded in
// spec.md's S1/S2 scenarios and the Classifier's safe set.
func Builtins() []model.CommandTemplate {
	return []model.CommandTemplate{
		{
			ID:    "git_commit",
			Argv:  []string{"git", "commit", "-m", "{message}"},
			Class: model.ClassSensitive,
			Params: []model.ParamSpec{
				{Name: "message", Type: model.ParamString, Required: true, MaxLength: 4096},
			},
		},
		{
			ID:          "git_status",
			Argv:        []string{"git", "status"},
			Class:       model.ClassSafe,
			AutoApprove: true,
		},
		{
			ID:    "cat_file",
			Argv:  []string{"cat", "{path}"},
			Class: model.ClassSafe,
			Params: []model.ParamSpec{
				{Name: "path", Type: model.ParamPath, Required: true},
			},
			AutoApprove: true,
		},
		{
			ID:    "curl_get",
			Argv:  []string{"curl", "-sS", "{url}"},
			Class: model.ClassSensitive,
			Params: []model.ParamSpec{
				{Name: "url", Type: model.ParamURL, Required: true},
			},
		},
	}
}
