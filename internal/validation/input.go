// Package validation bounds the visitor-supplied input the bridge forwards
// to Chatwoot.
package validation

import (
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Input length limits to prevent resource exhaustion
const (
	MaxNameLength    = 255
	MaxEmailLength   = 320    // RFC 5321: 64 (local) + 1 (@) + 255 (domain)
	MaxSessionLength = 128
	MaxMessageLength = 100000 // bytes
)

// Name checks the length of a visitor display name. Empty is allowed.
func Name(name string) error {
	if n := utf8.RuneCountInString(name); n > MaxNameLength {
		return fmt.Errorf("name exceeds maximum length of %d characters (got %d)", MaxNameLength, n)
	}
	return nil
}

// Email checks the length and format of a visitor email. Empty is allowed.
func Email(email string) error {
	if email == "" {
		return nil
	}
	if n := utf8.RuneCountInString(email); n > MaxEmailLength {
		return fmt.Errorf("email exceeds maximum length of %d characters (got %d)", MaxEmailLength, n)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return fmt.Errorf("invalid email format: %w", err)
	}
	// Display-name forms like "Jane <jane@x.io>" parse but are not bare addresses.
	if addr.Address != email {
		return fmt.Errorf("invalid email format: expected a bare address")
	}
	return nil
}

// Session checks a client-held session token. Empty is allowed; a token is
// minted for it.
func Session(session string) error {
	if len(session) > MaxSessionLength {
		return fmt.Errorf("session exceeds maximum length of %d bytes (got %d)", MaxSessionLength, len(session))
	}
	for _, r := range session {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("session contains control characters")
		}
	}
	return nil
}

// MessageContent checks message content size. Callers check emptiness.
func MessageContent(content string) error {
	if n := len(content); n > MaxMessageLength {
		return fmt.Errorf("message content exceeds maximum size of %d bytes (got %d)", MaxMessageLength, n)
	}
	return nil
}

// ParsePositiveInt parses a positive integer id. A leading '#' is accepted.
func ParsePositiveInt(s string, fieldName string) (int, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	id64, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", fieldName, s)
	}
	if id64 <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", fieldName)
	}
	return int(id64), nil
}
