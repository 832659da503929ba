package bridge

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/chatwoot/chatbridge/internal/api"
	"github.com/chatwoot/chatbridge/internal/config"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"bridge error", &Error{Kind: KindSendFailed}, KindSendFailed},
		{"wrapped bridge error", fmt.Errorf("handler: %w", &Error{Kind: KindResolveFailed}), KindResolveFailed},
		{"incomplete config", &config.IncompleteError{Missing: []string{"CHATWOOT_BASE_URL"}}, KindConfigIncomplete},
		{"plain error", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
	if !IsKind(&Error{Kind: KindSendFailed}, KindSendFailed) {
		t.Error("IsKind mismatch")
	}
}

func TestRemoteError(t *testing.T) {
	apiErr := &api.APIError{StatusCode: http.StatusBadGateway, Body: "bad gateway", Snippet: `{"error":"upstream"}`}
	err := remoteError(KindMessagesListFailed, "list messages", fmt.Errorf("page: %w", apiErr))

	if err.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d", err.StatusCode)
	}
	if err.Body != `{"error":"upstream"}` {
		t.Errorf("body = %q", err.Body)
	}
	if !errors.Is(err, apiErr) {
		t.Error("expected the API error to stay reachable")
	}
	want := "list messages: messages_list_failed (status 502): page: " + apiErr.Error()
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	plain := remoteError(KindSendFailed, "send", errors.New("dial tcp: refused"))
	if plain.StatusCode != 0 || plain.Body != "" {
		t.Errorf("expected no remote details, got %d %q", plain.StatusCode, plain.Body)
	}
}
