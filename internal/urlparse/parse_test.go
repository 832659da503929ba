package urlparse

import (
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantBase string
		wantAcct int
		wantIbx  int
		wantConv int
	}{
		{"account root", "https://chat.example.com/app/accounts/3", "https://chat.example.com", 3, 0, 0},
		{"trailing slash", "https://chat.example.com/app/accounts/3/", "https://chat.example.com", 3, 0, 0},
		{"inbox view", "https://chat.example.com/app/accounts/1/inbox/7", "https://chat.example.com", 1, 7, 0},
		{"inbox settings", "http://localhost:3000/app/accounts/2/settings/inboxes/9/settings", "http://localhost:3000", 2, 9, 0},
		{"conversation", "https://app.chatwoot.com/app/accounts/1/conversations/123", "https://app.chatwoot.com", 1, 0, 123},
		{"conversation within inbox", "https://app.chatwoot.com/app/accounts/1/inbox/4/conversations/55", "https://app.chatwoot.com", 1, 4, 55},
		{"query ignored", "https://app.chatwoot.com/app/accounts/1/inbox/4?tab=all", "https://app.chatwoot.com", 1, 4, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.url)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.url, err)
			}
			if got.BaseURL != tt.wantBase || got.AccountID != tt.wantAcct || got.InboxID != tt.wantIbx || got.ConversationID != tt.wantConv {
				t.Errorf("Parse(%q) = %+v", tt.url, got)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr string
	}{
		{"empty", "", "cannot be empty"},
		{"no scheme", "chat.example.com/app/accounts/1", "scheme"},
		{"ftp", "ftp://chat.example.com/app/accounts/1", "scheme"},
		{"root url", "https://chat.example.com", "expected /app/accounts"},
		{"api url", "https://chat.example.com/api/v1/accounts/1", "expected /app/accounts"},
		{"zero account", "https://chat.example.com/app/accounts/0", "invalid account ID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.url)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse(%q) error = %v, want containing %q", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestIsDashboard(t *testing.T) {
	if !IsDashboard("https://chat.example.com/app/accounts/1/inbox/2") {
		t.Error("expected dashboard URL")
	}
	if IsDashboard("https://chat.example.com") || IsDashboard("https://chat.example.com/chatwoot") {
		t.Error("root URLs are not dashboard URLs")
	}
}
