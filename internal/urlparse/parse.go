// Package urlparse extracts connection details from Chatwoot dashboard URLs.
package urlparse

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Dashboard is a parsed Chatwoot dashboard URL.
type Dashboard struct {
	BaseURL        string
	AccountID      int
	InboxID        int // 0 if the URL does not name an inbox
	ConversationID int // 0 if the URL does not name a conversation
}

// dashboardPattern matches /app/accounts/{account_id} followed by an optional
// resource path.
var dashboardPattern = regexp.MustCompile(`^/app/accounts/(\d+)(/.*)?$`)

var (
	inboxPattern        = regexp.MustCompile(`^/(?:inbox|settings/inboxes)/(\d+)(?:/|$)`)
	conversationPattern = regexp.MustCompile(`(?:^|/)conversations/(\d+)(?:/|$)`)
)

// IsDashboard reports whether rawURL points into the Chatwoot web app rather
// than at the installation root.
func IsDashboard(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.HasPrefix(u.Path, "/app/accounts/")
}

// Parse extracts the installation base URL and the ids named by a dashboard
// URL such as https://chat.example.com/app/accounts/1/inbox/7 or
// https://chat.example.com/app/accounts/1/conversations/123.
func Parse(rawURL string) (*Dashboard, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("URL cannot be empty")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL scheme %q: expected http or https", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("invalid URL: missing host")
	}

	matches := dashboardPattern.FindStringSubmatch(strings.TrimSuffix(parsed.Path, "/"))
	if matches == nil {
		return nil, fmt.Errorf("invalid Chatwoot URL format: expected /app/accounts/{account_id}[/...]")
	}
	accountID, err := strconv.Atoi(matches[1])
	if err != nil || accountID <= 0 {
		return nil, fmt.Errorf("invalid account ID %q", matches[1])
	}

	d := &Dashboard{
		BaseURL:   fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host),
		AccountID: accountID,
	}
	rest := matches[2]
	if m := inboxPattern.FindStringSubmatch(rest); m != nil {
		d.InboxID, _ = strconv.Atoi(m[1])
	}
	if m := conversationPattern.FindStringSubmatch(rest); m != nil {
		d.ConversationID, _ = strconv.Atoi(m[1])
	}
	return d, nil
}
