package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateContact_FallsBackThroughStrategies(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/public/api/v1/inboxes/widget-abc/contacts":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
		case "/api/v1/accounts/1/inboxes/widget-abc/contacts":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"payload":{"contact":{"id":77,"name":"Visitor"}}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL, "token", 1)
	strategies, err := BuildStrategies(nil, 5, "widget-abc")
	if err != nil {
		t.Fatalf("BuildStrategies: %v", err)
	}

	contact, attempts, err := client.Contacts().Create(context.Background(), CreateContactRequest{Name: "Visitor"}, strategies)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if contact.ID != 77 {
		t.Errorf("Expected contact 77, got %d", contact.ID)
	}
	if len(attempts) != 1 || attempts[0].Strategy != StrategyPublicInbox {
		t.Errorf("Expected one failed public attempt, got %+v", attempts)
	}
	if len(paths) != 2 {
		t.Errorf("Expected 2 requests, got %v", paths)
	}
}

func TestCreateContact_SkipsPublicWithoutIdentifier(t *testing.T) {
	var bodies []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		if r.URL.Path != "/api/v1/accounts/1/inboxes/5/contacts" {
			t.Errorf("Expected account inbox path first, got %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":9,"source_id":"src-9"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, "token", 1)
	strategies, _ := BuildStrategies(nil, 5, "")
	contact, attempts, err := client.Contacts().Create(context.Background(), CreateContactRequest{
		Name:       "Visitor",
		Identifier: "sess-1",
		InboxID:    5,
	}, strategies)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if contact.ID != 9 || contact.SourceID != "src-9" {
		t.Errorf("Unexpected contact %+v", contact)
	}
	if len(attempts) != 0 {
		t.Errorf("Expected no failed attempts, got %+v", attempts)
	}
	if bodies[0]["identifier"] != "sess-1" {
		t.Errorf("Expected identifier in body, got %v", bodies[0])
	}
}

func TestCreateContact_AllStrategiesFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Inbox is required"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, "token", 1)
	strategies, _ := BuildStrategies(nil, 5, "abc")
	_, attempts, err := client.Contacts().Create(context.Background(), CreateContactRequest{Name: "V"}, strategies)

	var createErr *ContactCreateError
	if !errors.As(err, &createErr) {
		t.Fatalf("Expected *ContactCreateError, got %T %v", err, err)
	}
	want := []string{StrategyPublicInbox, StrategyAccountInbox, StrategyInbox, StrategyAccountContacts}
	got := createErr.Strategies()
	if len(got) != len(want) {
		t.Fatalf("Expected %d attempts, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("attempt %d: got %s, want %s", i, got[i], want[i])
		}
	}
	if len(attempts) != len(want) {
		t.Errorf("Expected attempts to be returned too, got %d", len(attempts))
	}
	status, snippet := StatusAndSnippet(err)
	if status != http.StatusUnprocessableEntity || snippet == "" {
		t.Errorf("Expected last attempt status and snippet, got %d %q", status, snippet)
	}
}

func TestCreateContact_UnrecognizedShapeIsAFailedAttempt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"payload":{"something":"else"}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, "token", 1)
	strategies := []ContactStrategy{AccountContactsStrategy{InboxID: 5}}
	_, _, err := client.Contacts().Create(context.Background(), CreateContactRequest{Name: "V"}, strategies)
	if !errors.Is(err, ErrUnrecognizedShape) {
		t.Errorf("Expected ErrUnrecognizedShape in chain, got %v", err)
	}
}

func TestBuildStrategies(t *testing.T) {
	if _, err := BuildStrategies([]string{"nope"}, 1, ""); err == nil {
		t.Error("Expected error for unknown strategy")
	}
	strategies, err := BuildStrategies([]string{" Account_Contacts ", "inbox"}, 3, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strategies[0].Name() != StrategyAccountContacts || strategies[1].Name() != StrategyInbox {
		t.Errorf("Unexpected order %s, %s", strategies[0].Name(), strategies[1].Name())
	}
	if ref := strategies[1].(InboxStrategy).InboxRef; ref != "3" {
		t.Errorf("Expected numeric inbox ref, got %q", ref)
	}
}

func TestSearchContacts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/accounts/1/contacts/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if q := r.URL.Query().Get("q"); q != "visitor-a@example.com" {
			t.Errorf("unexpected query %q", q)
		}
		_, _ = w.Write([]byte(`{"meta":{"count":1},"payload":[{"id":3,"email":"visitor-a@example.com"}]}`))
	}))
	defer server.Close()

	contacts, err := newTestClient(server.URL, "token", 1).Contacts().Search(context.Background(), "visitor-a@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contacts) != 1 || contacts[0].ID != 3 {
		t.Errorf("Unexpected contacts %+v", contacts)
	}
}

func TestContactConversations_NotFoundIsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	convs, err := newTestClient(server.URL, "token", 1).Contacts().Conversations(context.Background(), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(convs) != 0 {
		t.Errorf("Expected empty list, got %d", len(convs))
	}
}
