package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwoot/chatbridge/internal/api"
	"github.com/chatwoot/chatbridge/internal/bridge"
	"github.com/chatwoot/chatbridge/internal/cache"
	"github.com/chatwoot/chatbridge/internal/config"
	"github.com/chatwoot/chatbridge/internal/fakechatwoot"
)

const (
	testAccount = 1
	testInbox   = 7
	testToken   = "tok"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	fake *fakechatwoot.Server
	http *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := fakechatwoot.New(t, testAccount, testToken)
	client := api.New(fake.URL, testToken, testAccount)
	client.SetRetryConfig(api.RetryConfig{
		MaxRateLimitRetries:     1,
		Max5xxRetries:           1,
		RateLimitBaseDelay:      time.Millisecond,
		ServerErrorRetryDelay:   time.Millisecond,
		CircuitBreakerThreshold: 100,
		CircuitBreakerResetTime: time.Millisecond,
	})
	store := cache.New(cache.NewMemory(), quietLogger())
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	b := bridge.New(client, store, bridge.Options{InboxID: testInbox, Logger: quietLogger()})
	srv := New(b, Options{
		Health: Health{BaseURL: fake.URL, InboxID: testInbox, CacheBackend: "memory"},
		Remote: client,
		Logger: quietLogger(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{fake: fake, http: ts}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch v := body.(type) {
		case string:
			rd = strings.NewReader(v)
		default:
			data, err := json.Marshal(v)
			require.NoError(t, err)
			rd = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, f.http.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "widget-test/1.0")
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decodeAs[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), "body: %s", data)
	return v
}

func TestVisitorFlow(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/chat/api/start", map[string]any{"name": "Jane"})
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	start := decodeAs[startResponse](t, body)
	require.NotEmpty(t, start.ContactSource)
	require.NotZero(t, start.ConversationID)

	// A repeated start with the returned values is idempotent; the id may
	// arrive as a string.
	status, body = f.do(t, http.MethodPost, "/chat/api/start", map[string]any{
		"contactSource":  start.ContactSource,
		"conversationId": itoa(start.ConversationID),
	})
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	again := decodeAs[startResponse](t, body)
	assert.Equal(t, start, again)

	status, body = f.do(t, http.MethodPost, "/chat/api/messages", map[string]any{
		"conversation": start.ConversationID,
		"content":      "Hello",
		"contact":      start.ContactSource,
	})
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	sent := decodeAs[sendResponse](t, body)
	assert.Equal(t, "Hello", sent.Content)
	assert.Equal(t, bridge.SideVisitor, sent.Side)
	assert.Equal(t, "incoming", sent.MessageType)
	assert.Equal(t, start.ConversationID, sent.Conversation)

	f.fake.Reply(start.ConversationID, "Sam", "Hi, how can I help?")

	status, body = f.do(t, http.MethodGet, "/chat/api/messages?conversation="+itoa(start.ConversationID)+"&contact="+start.ContactSource, nil)
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	msgs := decodeAs[[]bridge.Message](t, body)
	require.Len(t, msgs, 2)
	assert.Equal(t, "You", msgs[0].SenderName)
	assert.Equal(t, "incoming", msgs[0].Direction)
	assert.Equal(t, "Sam", msgs[1].SenderName)
	assert.Equal(t, bridge.SideAgent, msgs[1].Side)

	status, body = f.do(t, http.MethodPost, "/chat/api/resolve", map[string]any{"conversation": start.ConversationID})
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	assert.Equal(t, resolveResponse{Resolved: true, Conversation: start.ConversationID}, decodeAs[resolveResponse](t, body))

	// Resolving twice still succeeds.
	status, _ = f.do(t, http.MethodPost, "/chat/api/resolve", map[string]any{"conversation": start.ConversationID})
	assert.Equal(t, http.StatusOK, status)

	status, body = f.do(t, http.MethodPost, "/chat/api/start", map[string]any{
		"contactSource":  start.ContactSource,
		"conversationId": start.ConversationID,
	})
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	next := decodeAs[startResponse](t, body)
	assert.Equal(t, start.ContactSource, next.ContactSource)
	assert.NotEqual(t, start.ConversationID, next.ConversationID)
}

func TestSendRollsOverResolvedConversation(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodPost, "/chat/api/start", map[string]any{"session": "sess-roll"})
	start := decodeAs[startResponse](t, body)
	f.fake.SetStatus(start.ConversationID, api.StatusResolved)

	status, body := f.do(t, http.MethodPost, "/chat/api/messages", map[string]any{
		"conversation": start.ConversationID,
		"content":      "Still there?",
		"contact":      "sess-roll",
	})
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	sent := decodeAs[sendResponse](t, body)
	assert.NotEqual(t, start.ConversationID, sent.Conversation)
	assert.Len(t, f.fake.Messages(sent.Conversation), 1)
}

func TestSendWithoutContactRollsOverResolvedConversation(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodPost, "/chat/api/start", map[string]any{"session": "sess-plain"})
	start := decodeAs[startResponse](t, body)
	f.fake.SetStatus(start.ConversationID, api.StatusResolved)

	status, body := f.do(t, http.MethodPost, "/chat/api/messages", map[string]any{
		"conversation": start.ConversationID,
		"content":      "Back again",
	})
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	sent := decodeAs[sendResponse](t, body)
	assert.NotEqual(t, start.ConversationID, sent.Conversation)
	assert.Empty(t, f.fake.Messages(start.ConversationID))
	assert.Len(t, f.fake.Messages(sent.Conversation), 1)

	old, ok := f.fake.Conversation(start.ConversationID)
	require.True(t, ok)
	assert.Equal(t, api.StatusResolved, old.Status)
}

func TestAgentConsole(t *testing.T) {
	f := newFixture(t)
	f.fake.AddAgent(fakechatwoot.Agent{ID: 4, Name: "Sam Rivera", AvailabilityStatus: "online"})

	_, body := f.do(t, http.MethodPost, "/chat/api/start", map[string]any{"session": "sess-admin", "name": "Jane"})
	start := decodeAs[startResponse](t, body)
	f.do(t, http.MethodPost, "/chat/api/messages", map[string]any{"conversation": start.ConversationID, "content": "Hello"})

	status, body := f.do(t, http.MethodGet, "/admin/chatwoot/api/conversations", nil)
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	convs := decodeAs[[]bridge.ConversationSummary](t, body)
	require.Len(t, convs, 1)
	assert.Equal(t, start.ConversationID, convs[0].ID)
	assert.Equal(t, testInbox, convs[0].InboxID)

	path := "/admin/chatwoot/api/conversations/" + itoa(start.ConversationID) + "/messages"
	status, body = f.do(t, http.MethodPost, path, map[string]any{"content": "Hi Jane"})
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	reply := decodeAs[sendResponse](t, body)
	assert.Equal(t, bridge.SideAgent, reply.Side)
	assert.Equal(t, "outgoing", reply.MessageType)

	status, body = f.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	msgs := decodeAs[[]bridge.Message](t, body)
	require.Len(t, msgs, 2)
	assert.NotEqual(t, "You", msgs[0].SenderName, "agent view never labels the visitor as You")
	assert.Equal(t, bridge.SideAgent, msgs[1].Side)

	status, body = f.do(t, http.MethodGet, "/admin/chatwoot/api/agents", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decodeAs[[]agentResponse](t, body), "directory is empty before the first refresh")
}

func TestErrorResponses(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodPost, "/chat/api/start", map[string]any{"session": "sess-err"})
	start := decodeAs[startResponse](t, body)
	conv := itoa(start.ConversationID)

	tests := []struct {
		name       string
		fail       fakechatwoot.Route
		failStatus int
		method     string
		path       string
		body       any
		wantStatus int
		wantKind   bridge.Kind
	}{
		{"missing conversation", "", 0, http.MethodGet, "/chat/api/messages", nil, http.StatusBadRequest, bridge.KindInvalidRequest},
		{"bad conversation", "", 0, http.MethodGet, "/chat/api/messages?conversation=abc", nil, http.StatusBadRequest, bridge.KindInvalidRequest},
		{"invalid json", "", 0, http.MethodPost, "/chat/api/messages", "{not json", http.StatusBadRequest, bridge.KindInvalidRequest},
		{"empty content", "", 0, http.MethodPost, "/chat/api/messages", map[string]any{"conversation": start.ConversationID}, http.StatusBadRequest, bridge.KindInvalidRequest},
		{"resolve without id", "", 0, http.MethodPost, "/chat/api/resolve", map[string]any{}, http.StatusBadRequest, bridge.KindInvalidRequest},
		{"bad admin path", "", 0, http.MethodGet, "/admin/chatwoot/api/conversations/0/messages", nil, http.StatusBadRequest, bridge.KindInvalidRequest},
		{"bad limit", "", 0, http.MethodGet, "/admin/chatwoot/api/conversations?limit=-1", nil, http.StatusBadRequest, bridge.KindInvalidRequest},
		{"list upstream failure", fakechatwoot.RouteListMessages, http.StatusServiceUnavailable, http.MethodGet, "/chat/api/messages?conversation=" + conv, nil, http.StatusServiceUnavailable, bridge.KindMessagesListFailed},
		{"send rejected", fakechatwoot.RouteCreateMessage, http.StatusUnprocessableEntity, http.MethodPost, "/chat/api/messages", map[string]any{"conversation": start.ConversationID, "content": "hi"}, http.StatusUnprocessableEntity, bridge.KindSendFailed},
		{"resolve failure", fakechatwoot.RouteToggleStatus, http.StatusInternalServerError, http.MethodPost, "/chat/api/resolve", map[string]any{"conversation": start.ConversationID}, http.StatusInternalServerError, bridge.KindResolveFailed},
		{"contact failure", fakechatwoot.RouteAccountInboxContacts, http.StatusForbidden, http.MethodPost, "/chat/api/start", map[string]any{"session": "sess-new"}, http.StatusForbidden, bridge.KindContactCreateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.fail != "" {
				f.fake.Fail(tt.fail, tt.failStatus)
				if tt.fail == fakechatwoot.RouteAccountInboxContacts {
					for _, r := range []fakechatwoot.Route{fakechatwoot.RouteInboxContacts, fakechatwoot.RouteAccountContacts} {
						f.fake.Fail(r, tt.failStatus)
						defer f.fake.Recover(r)
					}
				}
				defer f.fake.Recover(tt.fail)
			}
			status, body := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, status, "body: %s", body)
			got := decodeAs[errorBody](t, body)
			assert.Equal(t, string(tt.wantKind), got.Error)
			assert.NotEmpty(t, got.Message)
			if tt.fail != "" {
				assert.Equal(t, tt.failStatus, got.Status)
				assert.Contains(t, got.Response, "injected failure")
			}
		})
	}
}

func TestListMessagesNotFoundIsEmpty(t *testing.T) {
	f := newFixture(t)
	f.fake.Fail(fakechatwoot.RouteListMessages, http.StatusNotFound)

	status, body := f.do(t, http.MethodGet, "/chat/api/messages?conversation=99", nil)
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	assert.JSONEq(t, `[]`, string(body))
}

func TestConfigIncomplete(t *testing.T) {
	cfgErr := &config.IncompleteError{Missing: []string{"CHATWOOT_BASE_URL", "CHATWOOT_INBOX_ID"}}
	srv := New(nil, Options{ConfigErr: cfgErr, Logger: quietLogger()})

	for _, path := range []string{"/chat/api/start", "/chat/api/messages", "/chat/api/resolve"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`)))
		assert.Equal(t, http.StatusInternalServerError, rec.Code, path)
		got := decodeAs[errorBody](t, rec.Body.Bytes())
		assert.Equal(t, string(bridge.KindConfigIncomplete), got.Error, path)
		assert.Contains(t, got.Message, "CHATWOOT_BASE_URL")
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeAs[healthResponse](t, rec.Body.Bytes())
	assert.False(t, health.OK)
	assert.False(t, health.InboxIDSet)
	assert.Contains(t, health.Error, "CHATWOOT_INBOX_ID")
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/chat/api/health", "/chat/api/status"} {
		status, body := f.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, status)
		health := decodeAs[healthResponse](t, body)
		assert.True(t, health.OK)
		assert.True(t, health.InboxIDSet)
		assert.Equal(t, "memory", health.CacheBackend)
		assert.Equal(t, f.fake.URL, health.BaseURL)
		require.NotNil(t, health.RemoteReachable)
		assert.True(t, *health.RemoteReachable)
	}
}

func TestHealthReportsUnreachableRemote(t *testing.T) {
	f := newFixture(t)
	f.fake.Fail(fakechatwoot.RouteHealth, http.StatusServiceUnavailable)

	status, body := f.do(t, http.MethodGet, "/chat/api/health", nil)
	require.Equal(t, http.StatusOK, status)
	health := decodeAs[healthResponse](t, body)
	assert.True(t, health.OK)
	require.NotNil(t, health.RemoteReachable)
	assert.False(t, *health.RemoteReachable)
	assert.Equal(t, 1, f.fake.Calls(fakechatwoot.RouteHealth))
}

func TestHealthWithoutRemote(t *testing.T) {
	cfgErr := &config.IncompleteError{Missing: []string{"CHATWOOT_BASE_URL"}}
	srv := New(nil, Options{ConfigErr: cfgErr, Logger: quietLogger()})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "remoteReachable")
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, http.MethodDelete, "/chat/api/start", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

type panicService struct{ Service }

func (panicService) FindAgents(string) []api.Agent { panic("boom") }

func TestRecoverer(t *testing.T) {
	srv := New(panicService{}, Options{Logger: quietLogger()})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/chatwoot/api/agents", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, string(bridge.KindInternal), decodeAs[errorBody](t, rec.Body.Bytes()).Error)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind   bridge.Kind
		remote int
		want   int
	}{
		{bridge.KindInvalidRequest, 0, http.StatusBadRequest},
		{bridge.KindInvalidRequest, 502, http.StatusBadRequest},
		{bridge.KindSendFailed, 422, 422},
		{bridge.KindSendFailed, 503, 503},
		{bridge.KindSendFailed, 0, http.StatusInternalServerError},
		{bridge.KindSendFailed, 302, http.StatusInternalServerError},
		{bridge.KindConfigIncomplete, 0, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.kind, tt.remote); got != tt.want {
			t.Errorf("statusFor(%s, %d) = %d, want %d", tt.kind, tt.remote, got, tt.want)
		}
	}
}

func TestFlexInt(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{`12`, 12, false},
		{`"34"`, 34, false},
		{`null`, 0, false},
		{`""`, 0, false},
		{`"abc"`, 0, true},
		{`1.5`, 0, true},
	}
	for _, tt := range tests {
		var f flexInt
		err := json.Unmarshal([]byte(tt.in), &f)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, int(f), tt.in)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	srv := New(nil, Options{ConfigErr: &config.IncompleteError{Missing: []string{"CHATWOOT_API_TOKEN"}}, Logger: quietLogger()})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/chat/api/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
