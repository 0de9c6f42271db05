package shared

import (
	"regexp"
	"sort"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// minSecretLen keeps short env values like "1" from masking unrelated text.
const minSecretLen = 6

// secretPatterns catch credentials whose value is not known in advance.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password)(\s*[:=]\s*"?)([A-Za-z0-9_\-./+=]{8,})`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	regexp.MustCompile(`sk-(ant-)?[A-Za-z0-9_\-]{20,}`),
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`),
}

var sensitiveKeyParts = []string{"key", "secret", "token", "password", "passwd", "credential", "auth"}

// SensitiveKey reports whether an env var or config key name usually holds a
// credential.
func SensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

// MaskEnv returns a copy of env with sensitive values replaced.
func MaskEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if SensitiveKey(k) && v != "" {
			v = redactedPlaceholder
		}
		out[k] = v
	}
	return out
}

// Redactor masks credentials in text that leaves a component: tool server
// stderr, log attributes and audit rows. The zero value applies the
// built-in patterns only.
type Redactor struct {
	literals []string
}

// NewRedactor returns a Redactor that also masks the given literal values.
func NewRedactor(literals ...string) *Redactor {
	r := &Redactor{}
	for _, l := range literals {
		if len(l) >= minSecretLen {
			r.literals = append(r.literals, l)
		}
	}
	// Longest first so a secret containing another is masked whole.
	sort.Slice(r.literals, func(i, j int) bool { return len(r.literals[i]) > len(r.literals[j]) })
	return r
}

// ForEnv returns a Redactor for a tool server's environment: the values of
// its sensitive keys are masked wherever they appear.
func ForEnv(env map[string]string) *Redactor {
	var secrets []string
	for k, v := range env {
		if SensitiveKey(k) {
			secrets = append(secrets, v)
		}
	}
	return NewRedactor(secrets...)
}

// Redact returns input with every known secret replaced by [REDACTED].
func (r *Redactor) Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	if r != nil {
		for _, l := range r.literals {
			out = strings.ReplaceAll(out, l, redactedPlaceholder)
		}
	}
	for _, pat := range secretPatterns {
		out = pat.ReplaceAllStringFunc(out, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			switch len(sub) {
			case 4:
				return sub[1] + sub[2] + redactedPlaceholder
			case 3:
				return sub[1] + redactedPlaceholder
			default:
				return redactedPlaceholder
			}
		})
	}
	return out
}

// Redact applies the built-in patterns.
func Redact(input string) string {
	return (*Redactor)(nil).Redact(input)
}
