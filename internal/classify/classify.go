// Package classify implements the Classifier: a pure function over raw
// command strings producing safe, suspicious, or dangerous.
package classify

import (
	"regexp"
	"strings"

	"github.com/seksbot/seks/internal/model"
)

// dangerousPatterns is evaluated first. Defense-in-depth catalogue covering
// network exfiltration, reverse shells, env/credential dumping, destructive
// file operations, privilege escalation, and shell-injection idioms.
var dangerousPatterns = []*regexp.Regexp{
	// network exfiltration
	regexp.MustCompile(`\bcurl\b.*(-d\b|-F\b|--data|--upload|--form|-T\b|-X\s*P(UT|OST|ATCH))`),
	regexp.MustCompile(`\bwget\b.*(--post-(data|file)|-O\s*-\s*\|)`),
	regexp.MustCompile(`\b(nc|ncat|netcat)\b`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\bsocat\b`),
	// env / credential-file reads
	regexp.MustCompile(`^\s*(env|printenv)\s*($|\||>)`),
	regexp.MustCompile(`\becho\s+\$`),
	regexp.MustCompile(`\bcat\b.*\.env\b`),
	regexp.MustCompile(`\b(id_rsa|id_ed25519|\.ssh/|\.aws/credentials|\.netrc)\b`),
	// destructive file ops
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b.*/`),
	regexp.MustCompile(`\bchmod\s+777\b`),
	// shell-spawning / injection idioms
	regexp.MustCompile(`\b(sh|bash)\s+-c\b`),
	regexp.MustCompile("`[^`]+`"),
	regexp.MustCompile(`\$\([^)]+\)`),
	regexp.MustCompile(`\beval\b`),
	// reverse shell idioms
	regexp.MustCompile(`\b(python[23]?|perl|ruby|node)\b.*\b(socket|TCPSocket|net\.connect)\b`),
	regexp.MustCompile(`>\s*/dev/tcp/`),
	regexp.MustCompile(`\bmkfifo\b`),
}

// safePatterns is evaluated second, only if no dangerous pattern matched.
// Anchored at the start of the trimmed command so a safe verb cannot be
// followed by a chained dangerous clause.
var safePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^ls(\s+\S+)?$`),
	regexp.MustCompile(`^cat\s+\S+$`),
	regexp.MustCompile(`^head(\s+-n\s*\d+)?\s+\S+$`),
	regexp.MustCompile(`^tail(\s+-n\s*\d+)?\s+\S+$`),
	regexp.MustCompile(`^grep\s+\S+\s+\S+$`),
	regexp.MustCompile(`^find\s+\S+(\s+-name\s+\S+)?$`),
	regexp.MustCompile(`^wc(\s+-[lwc])?\s+\S+$`),
	regexp.MustCompile(`^git\s+(status|log|diff|branch)(\s.*)?$`),
	regexp.MustCompile(`^pwd$`),
	regexp.MustCompile(`^echo\s+('[^'$` + "`" + `]*'|"[^"$` + "`" + `]*")$`),
}

// Classify returns the command's danger level. Empty or whitespace-only
// input is suspicious, not safe: an absent command tells us nothing.
func Classify(command string) model.Classification {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return model.ClassSuspicious
	}
	for _, p := range dangerousPatterns {
		if p.MatchString(trimmed) {
			return model.ClassDangerous
		}
	}
	for _, p := range safePatterns {
		if p.MatchString(trimmed) {
			return model.ClassSafe
		}
	}
	return model.ClassSuspicious
}
