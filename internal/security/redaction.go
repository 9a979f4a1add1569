package security

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var (
	secretKeyExpr     = `(?:password|passwd|secret|api[_-]?key|nonce|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern   = regexp.MustCompile(`(?i)\b(` + secretKeyExpr + `)\s*=\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"';,]+)`)
	knockPattern      = regexp.MustCompile(`(?i)\b(KnockKnock)\s*=\s*(?:"(?:[^"\\]|\\.)*"|[^\s";,]+)`)
	urlUserPattern    = regexp.MustCompile(`(?i)((?:wss?|tcp)://)[^\s/@]+@`)
	secretLikePattern = regexp.MustCompile(`(?i)(` + secretKeyExpr + `\s*=|knockknock\s*=)`)
)

// RedactCommand masks credential values in command text or reply lines so
// they can be logged or journaled. Keyword layout is preserved.
func RedactCommand(input string) string {
	if input == "" {
		return ""
	}
	out := kvSecretPattern.ReplaceAllString(input, "${1}="+redacted)
	out = knockPattern.ReplaceAllString(out, "${1}="+redacted)
	out = urlUserPattern.ReplaceAllString(out, "${1}"+redacted+"@")
	return out
}

// RedactForStorage is RedactCommand that fails closed: if the text still
// looks like it carries a secret after redaction it returns "".
func RedactForStorage(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}
	out := RedactCommand(trimmed)
	if secretLikePattern.MatchString(trimmed) && !strings.Contains(out, redacted) {
		return ""
	}
	return out
}
