package sentry

import (
	"regexp"
	"strings"

	"github.com/getsentry/sentry-go"
)

var (
	tokenPattern   = regexp.MustCompile(`(?i)(token|jwt|bearer|auth|key|secret|password|pass)[:=]\s*['"]?([A-Za-z0-9._-]+)['"]?`)
	emailPattern   = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	homeDirPattern = regexp.MustCompile(`(/home/[^/\s]+|/Users/[^/\s]+|[A-Za-z]:\\Users\\[^\\]+)`)
	sqlPattern     = regexp.MustCompile(`(?i)(select|insert|update|delete)\s.+`)
	payloadPattern = regexp.MustCompile(`(?i)(payload|body|content|data)[:=]\s*\{.*\}`)
)

// sensitiveKeys are extra-data keys whose values never leave the machine.
// Entity payloads carry user data and are always redacted.
var sensitiveKeys = []string{
	"payload", "body", "content", "data",
	"token", "jwt", "bearer", "auth", "key", "secret", "password",
	"entity_id", "device_id", "email",
}

// SanitizeValue redacts sensitive material from a string
func SanitizeValue(value string) string {
	if value == "" {
		return value
	}

	value = tokenPattern.ReplaceAllString(value, "${1}: [REDACTED]")
	value = emailPattern.ReplaceAllString(value, "[EMAIL_REDACTED]")
	value = homeDirPattern.ReplaceAllString(value, "/[USER_HOME]")
	value = payloadPattern.ReplaceAllString(value, "${1}: [REDACTED]")
	if sqlPattern.MatchString(value) {
		value = "[SQL_REDACTED]"
	}

	return value
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if lower == s || strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func sanitizeMap(data map[string]interface{}) {
	for key, value := range data {
		if isSensitiveKey(key) {
			data[key] = "[REDACTED]"
			continue
		}
		if s, ok := value.(string); ok {
			data[key] = SanitizeValue(s)
		}
	}
}

func sanitizeEvent(event *sentry.Event) *sentry.Event {
	if event == nil {
		return nil
	}

	event.Message = SanitizeValue(event.Message)

	for i := range event.Exception {
		event.Exception[i].Value = SanitizeValue(event.Exception[i].Value)
	}

	if event.Extra != nil {
		sanitizeMap(event.Extra)
	}
	for key, value := range event.Tags {
		if isSensitiveKey(key) {
			event.Tags[key] = "[REDACTED]"
		} else {
			event.Tags[key] = SanitizeValue(value)
		}
	}

	// Server names can leak hostnames
	event.ServerName = ""

	return event
}

func sanitizeBreadcrumb(breadcrumb *sentry.Breadcrumb) *sentry.Breadcrumb {
	if breadcrumb == nil {
		return nil
	}

	breadcrumb.Message = SanitizeValue(breadcrumb.Message)
	if breadcrumb.Data != nil {
		sanitizeMap(breadcrumb.Data)
	}

	return breadcrumb
}
