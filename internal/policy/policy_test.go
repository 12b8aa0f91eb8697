package policy

import (
	"testing"

	"github.com/seksbot/seks/internal/model"
)

// TestS2StrictDeniesArbitrarySuggestsTemplate is scenario S2 from the spec.
func TestS2StrictDeniesArbitrarySuggestsTemplate(t *testing.T) {
	out := Evaluate(Request{
		ExecMode:   model.ExecArbitrary,
		RawCommand: "git status",
		RawClass:   model.ClassSafe,
	}, Strict)
	if out.Allowed {
		t.Fatal("expected denial in strict mode")
	}
	if out.SuggestedTemplate != "git_status" {
		t.Fatalf("expected suggestion git_status, got %q", out.SuggestedTemplate)
	}
}

func TestModerateDangerousDenied(t *testing.T) {
	out := Evaluate(Request{ExecMode: model.ExecArbitrary, RawClass: model.ClassDangerous}, Moderate)
	if out.Allowed {
		t.Fatal("dangerous must be denied in moderate mode")
	}
}

func TestModerateSuspiciousRequiresApproval(t *testing.T) {
	out := Evaluate(Request{ExecMode: model.ExecArbitrary, RawClass: model.ClassSuspicious}, Moderate)
	if out.Allowed || !out.RequiresApproval {
		t.Fatalf("expected approval-required, got %+v", out)
	}
}

func TestPermissiveAllowsSuspiciousDeniesDangerous(t *testing.T) {
	suspicious := Evaluate(Request{ExecMode: model.ExecArbitrary, RawClass: model.ClassSuspicious}, Permissive)
	if !suspicious.Allowed {
		t.Fatal("permissive should allow suspicious")
	}
	dangerous := Evaluate(Request{ExecMode: model.ExecArbitrary, RawClass: model.ClassDangerous}, Permissive)
	if dangerous.Allowed {
		t.Fatal("permissive must still deny dangerous")
	}
}

func TestTemplateAutoApproveSafe(t *testing.T) {
	out := Evaluate(Request{
		ExecMode:      model.ExecTemplate,
		TemplateClass: model.ClassSafe,
		TemplateAuto:  true,
		Argv:          []string{"git", "status"},
	}, Strict)
	if !out.Allowed {
		t.Fatal("auto-approved safe template should be allowed even in strict mode")
	}
}

func TestTemplateRequiresApprovalWithoutAutoApprove(t *testing.T) {
	out := Evaluate(Request{
		ExecMode:      model.ExecTemplate,
		TemplateClass: model.ClassSensitive,
	}, Moderate)
	if out.Allowed || !out.RequiresApproval {
		t.Fatalf("expected approval required, got %+v", out)
	}
}

func TestModerateSafeTemplateWithoutAutoApproveIsAllowed(t *testing.T) {
	out := Evaluate(Request{
		ExecMode:      model.ExecTemplate,
		TemplateClass: model.ClassSafe,
		Argv:          []string{"cat", "README.md"},
	}, Moderate)
	if !out.Allowed || out.RequiresApproval {
		t.Fatalf("expected a non-sensitive template to be allowed without approval in moderate mode, got %+v", out)
	}
}

func TestStrictSafeTemplateWithoutAutoApproveStillRequiresApproval(t *testing.T) {
	out := Evaluate(Request{
		ExecMode:      model.ExecTemplate,
		TemplateClass: model.ClassSafe,
		Argv:          []string{"cat", "README.md"},
	}, Strict)
	if out.Allowed || !out.RequiresApproval {
		t.Fatalf("expected strict mode to still require approval without AutoApprove, got %+v", out)
	}
}
