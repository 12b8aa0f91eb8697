// Package policy implements the enforcement mode that combines classifier
// output and template approval flags into an admit/deny/approval-required
// decision, following the action/reason-pair shape of
// tools/si/paas_agent_policy_engine.go's evaluatePaasRemediationPolicy, but
// keyed by classification and command mode rather than incident severity.
package policy

import (
	"github.com/seksbot/seks/internal/model"
)

// Mode is the enforcement profile.
type Mode string

const (
	Strict     Mode = "strict"
	Moderate   Mode = "moderate"
	Permissive Mode = "permissive"
)

// DefaultHost names the host class a mode runs commands on by default, per
// the table in spec.md §4.4. The core does not implement host selection
// itself, and Outcome does not carry the host; a caller that selects hosts
// reads it from the Mode.
func (m Mode) DefaultHost() string {
	if m == Permissive {
		return "gateway"
	}
	return "sandbox"
}

// OutcomeMode tags what kind of request was evaluated.
type OutcomeMode string

const (
	OutcomeTemplate  OutcomeMode = "template"
	OutcomeAllowlist OutcomeMode = "allowlist"
	OutcomeDenied    OutcomeMode = "denied"
)

// Outcome is the policy decision for one request.
type Outcome struct {
	Allowed          bool
	Mode             OutcomeMode
	RequiresApproval bool
	Argv             []string
	Reason           string
	SuggestedTemplate string
}

// Request is the input to Evaluate: either a template invocation (with its
// pre-built argv and declared classification/auto-approve flag) or an
// arbitrary raw command (classified by the caller via classify.Classify).
type Request struct {
	ExecMode        model.ExecMode
	TemplateID      string
	TemplateClass   model.Classification
	TemplateAuto    bool
	Argv            []string
	RawCommand      string
	RawClass        model.Classification
	ApprovalGranted bool
}

// Evaluate applies the table in spec.md §4.4.
func Evaluate(req Request, mode Mode) Outcome {
	if req.ExecMode == model.ExecTemplate {
		return evaluateTemplate(req, mode)
	}
	return evaluateArbitrary(req, mode)
}

func evaluateTemplate(req Request, mode Mode) Outcome {
	if req.TemplateAuto && req.TemplateClass == model.ClassSafe {
		return Outcome{Allowed: true, Mode: OutcomeTemplate, Argv: req.Argv}
	}
	if req.ApprovalGranted {
		return Outcome{Allowed: true, Mode: OutcomeTemplate, Argv: req.Argv}
	}
	if mode == Permissive {
		if req.TemplateClass == model.ClassDangerous {
			return Outcome{Mode: OutcomeTemplate, Reason: "dangerous templates are always denied"}
		}
		return Outcome{Allowed: true, Mode: OutcomeTemplate, Argv: req.Argv}
	}
	if mode == Moderate && req.TemplateClass != model.ClassSensitive {
		return Outcome{Allowed: true, Mode: OutcomeTemplate, Argv: req.Argv}
	}
	return Outcome{
		Mode:             OutcomeTemplate,
		RequiresApproval: true,
		Reason:           "template requires approval in " + string(mode) + " mode",
	}
}

func evaluateArbitrary(req Request, mode Mode) Outcome {
	switch mode {
	case Strict:
		return Outcome{
			Mode:              OutcomeDenied,
			Reason:            "arbitrary commands are not permitted in strict mode",
			SuggestedTemplate: suggestTemplate(req.RawCommand),
		}
	case Moderate:
		switch req.RawClass {
		case model.ClassDangerous:
			return Outcome{Mode: OutcomeAllowlist, Reason: "dangerous commands are denied"}
		case model.ClassSuspicious:
			if req.ApprovalGranted {
				return Outcome{Allowed: true, Mode: OutcomeAllowlist}
			}
			return Outcome{Mode: OutcomeAllowlist, RequiresApproval: true, Reason: "suspicious command requires approval"}
		default:
			return Outcome{Allowed: true, Mode: OutcomeAllowlist}
		}
	case Permissive:
		if req.RawClass == model.ClassDangerous {
			return Outcome{Mode: OutcomeAllowlist, Reason: "dangerous commands are denied"}
		}
		return Outcome{Allowed: true, Mode: OutcomeAllowlist}
	default:
		return Outcome{Mode: OutcomeDenied, Reason: "unknown policy mode"}
	}
}

// suggestTemplate maps a handful of common raw commands to their built-in
// template equivalent, per spec.md S2 ("denial with reason referencing
// git_status template").
func suggestTemplate(raw string) string {
	switch {
	case matchesPrefix(raw, "git status"):
		return "git_status"
	case matchesPrefix(raw, "git commit"):
		return "git_commit"
	case matchesPrefix(raw, "cat "):
		return "cat_file"
	case matchesPrefix(raw, "curl "):
		return "curl_get"
	default:
		return ""
	}
}

func matchesPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
