package conversation

import (
	"strings"
	"unicode/utf8"

	"github.com/heartline/matchcore/internal/apperr"
)

const (
	MaxBodyChars = 5000
	PreviewChars = 100
)

// ValidateBody checks a sanitized message body.
func ValidateBody(body string) error {
	if !utf8.ValidString(body) {
		return apperr.Validation("message contains invalid UTF-8")
	}
	if strings.TrimSpace(body) == "" {
		return apperr.Validation("message is empty")
	}
	if utf8.RuneCountInString(body) > MaxBodyChars {
		return apperr.Validation("message exceeds %d character limit", MaxBodyChars)
	}
	return nil
}

// Preview truncates body to PreviewChars characters for notifications.
func Preview(body string) string {
	if utf8.RuneCountInString(body) <= PreviewChars {
		return body
	}
	runes := []rune(body)
	return string(runes[:PreviewChars-1]) + "…"
}
