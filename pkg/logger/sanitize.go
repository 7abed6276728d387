package logger

import (
	"log/slog"
	"strings"
)

// MaskIdentity masks a login identity for logging.
// E-mail addresses become "u***@*******.com", anything else keeps its first character.
func MaskIdentity(identity string) string {
	if identity == "" {
		return ""
	}
	if strings.Count(identity, "@") == 1 {
		return maskEmail(identity)
	}
	return maskToken(identity)
}

func maskToken(s string) string {
	runes := []rune(s)
	if len(runes) <= 1 {
		return "*"
	}
	return string(runes[0]) + strings.Repeat("*", len(runes)-1)
}

func maskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	username, domain := email[:at], email[at+1:]
	if username == "" || domain == "" {
		return maskToken(email)
	}

	domainParts := strings.Split(domain, ".")
	for i := 0; i < len(domainParts)-1; i++ {
		domainParts[i] = strings.Repeat("*", len(domainParts[i]))
	}

	return maskToken(username) + "@" + strings.Join(domainParts, ".")
}

// RedactedAttr returns a redacted slog attribute for sensitive values.
// In production it returns "[REDACTED]"; in development it returns the value.
func RedactedAttr(key, value, env string) slog.Attr {
	if env == "production" {
		return slog.String(key, "[REDACTED]")
	}
	return slog.String(key, value)
}

var sensitiveParams = []string{
	"password", "token", "secret", "identity", "email", "account", "auth",
}

// SanitizeQueryString reports whether rawQuery carries a parameter that
// should keep the whole query string out of the logs
func SanitizeQueryString(rawQuery string) bool {
	query := strings.ToLower(rawQuery)
	for _, param := range sensitiveParams {
		if strings.Contains(query, param) {
			return true
		}
	}
	return false
}
