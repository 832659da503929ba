// Package fakechatwoot is an in-process fake of the support platform's
// account-scoped and public REST APIs, for tests.
//
// It keeps contacts, conversations, messages and agents in memory, answers in
// the same payload shapes the real server uses, and lets a test fail any
// route with a chosen status code.
package fakechatwoot

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Route names one endpoint of the fake.
type Route string

const (
	RoutePublicContacts       Route = "public_contacts"
	RouteAccountInboxContacts Route = "account_inbox_contacts"
	RouteInboxContacts        Route = "inbox_contacts"
	RouteAccountContacts      Route = "account_contacts"
	RouteContactSearch        Route = "contact_search"
	RouteContactConversations Route = "contact_conversations"
	RouteListConversations    Route = "list_conversations"
	RouteGetConversation      Route = "get_conversation"
	RouteCreateConversation   Route = "create_conversation"
	RouteToggleStatus         Route = "toggle_status"
	RouteListMessages         Route = "list_messages"
	RouteCreateMessage        Route = "create_message"
	RouteAgents               Route = "agents"
	RouteHealth               Route = "health"
)

// DefaultPageSize is the number of messages returned per page.
const DefaultPageSize = 20

// Message types as the account API encodes them.
const (
	TypeIncoming = 0
	TypeOutgoing = 1
	TypeActivity = 2
)

// Contact is a stored contact.
type Contact struct {
	ID               int            `json:"id"`
	Name             string         `json:"name"`
	Email            string         `json:"email,omitempty"`
	Identifier       string         `json:"identifier,omitempty"`
	SourceID         string         `json:"source_id,omitempty"`
	CustomAttributes map[string]any `json:"custom_attributes,omitempty"`
	CreatedAt        int64          `json:"created_at"`
}

// Conversation is a stored conversation.
type Conversation struct {
	ID               int            `json:"id"`
	AccountID        int            `json:"account_id"`
	InboxID          int            `json:"inbox_id"`
	ContactID        int            `json:"contact_id"`
	Status           string         `json:"status"`
	CustomAttributes map[string]any `json:"custom_attributes,omitempty"`
	LastActivityAt   int64          `json:"last_activity_at"`
	CreatedAt        int64          `json:"created_at"`
}

// Message is a stored message.
type Message struct {
	ID             int    `json:"id"`
	ConversationID int    `json:"conversation_id"`
	Content        string `json:"content"`
	MessageType    int    `json:"message_type"`
	Private        bool   `json:"private"`
	CreatedAt      int64  `json:"created_at"`
	SenderName     string `json:"-"`
	Token          string `json:"-"`
}

// Agent is a stored agent.
type Agent struct {
	ID                 int    `json:"id"`
	Name               string `json:"name"`
	AvailableName      string `json:"available_name,omitempty"`
	Email              string `json:"email"`
	Role               string `json:"role"`
	AvailabilityStatus string `json:"availability_status"`
}

// Server is the fake. Create it with New; it is closed with the test.
type Server struct {
	*httptest.Server

	AccountID int
	Token     string

	mu            sync.Mutex
	now           func() time.Time
	nextContact   int
	nextConv      int
	nextMessage   int
	pageSize      int
	contacts      []*Contact
	conversations map[int]*Conversation
	messages      map[int][]*Message
	agents        []Agent
	failures      map[Route]int
	calls         map[Route]int
	tokens        map[string]bool
}

// TB is the subset of testing.TB used by New.
type TB interface {
	Helper()
	Cleanup(func())
}

// New starts a fake for account accountID that requires token on
// account-scoped routes when token is non-empty.
func New(t TB, accountID int, token string) *Server {
	t.Helper()
	s := &Server{
		AccountID:     accountID,
		Token:         token,
		now:           time.Now,
		pageSize:      DefaultPageSize,
		conversations: map[int]*Conversation{},
		messages:      map[int][]*Message{},
		failures:      map[Route]int{},
		calls:         map[Route]int{},
		tokens:        map[string]bool{token: true},
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	account := fmt.Sprintf("/api/v1/accounts/%d", s.AccountID)

	mux.HandleFunc("GET /health", s.handle(RouteHealth, false, s.health))
	mux.HandleFunc("POST /public/api/v1/inboxes/{inbox}/contacts", s.handle(RoutePublicContacts, false, s.createContactPublic))
	mux.HandleFunc("POST "+account+"/inboxes/{inbox}/contacts", s.handle(RouteAccountInboxContacts, true, s.createContactWrapped))
	mux.HandleFunc("POST /api/v1/inboxes/{inbox}/contacts", s.handle(RouteInboxContacts, true, s.createContactWrapped))
	mux.HandleFunc("POST "+account+"/contacts", s.handle(RouteAccountContacts, true, s.createContactWrapped))
	mux.HandleFunc("GET "+account+"/contacts/search", s.handle(RouteContactSearch, true, s.searchContacts))
	mux.HandleFunc("GET "+account+"/contacts/{id}/conversations", s.handle(RouteContactConversations, true, s.contactConversations))
	mux.HandleFunc("GET "+account+"/conversations", s.handle(RouteListConversations, true, s.listConversations))
	mux.HandleFunc("POST "+account+"/conversations", s.handle(RouteCreateConversation, true, s.createConversation))
	mux.HandleFunc("GET "+account+"/conversations/{id}", s.handle(RouteGetConversation, true, s.getConversation))
	mux.HandleFunc("POST "+account+"/conversations/{id}/toggle_status", s.handle(RouteToggleStatus, true, s.toggleStatus))
	mux.HandleFunc("GET "+account+"/conversations/{id}/messages", s.handle(RouteListMessages, true, s.listMessages))
	mux.HandleFunc("POST "+account+"/conversations/{id}/messages", s.handle(RouteCreateMessage, true, s.createMessage))
	mux.HandleFunc("GET "+account+"/agents", s.handle(RouteAgents, true, s.listAgents))
	return mux
}

// handle counts the call, applies injected failures and the token check.
func (s *Server) handle(route Route, authenticated bool, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[route]++
		status := s.failures[route]
		s.mu.Unlock()

		if status != 0 {
			writeJSON(w, status, map[string]any{"message": fmt.Sprintf("injected failure on %s", route)})
			return
		}
		if authenticated && s.Token != "" && !s.tokenAccepted(r.Header.Get("api_access_token")) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "You need to sign in or sign up before continuing."})
			return
		}
		fn(w, r)
	}
}

func (s *Server) tokenAccepted(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[token]
}

// AllowToken accepts token on authenticated routes in addition to Token.
func (s *Server) AllowToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = true
}

// Fail makes route answer status until Recover is called.
func (s *Server) Fail(route Route, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = status
}

// Recover clears an injected failure.
func (s *Server) Recover(route Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, route)
}

// Calls returns how often route was hit.
func (s *Server) Calls(route Route) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// SetPageSize changes the message page size.
func (s *Server) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = n
}

// AddAgent registers an agent.
func (s *Server) AddAgent(a Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = append(s.agents, a)
}

// Contacts returns a copy of the stored contacts.
func (s *Server) Contacts() []Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, *c)
	}
	return out
}

// AddContact stores a contact as if it had been created earlier.
func (s *Server) AddContact(c Contact) Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.storeContact(c)
}

// Conversation returns a stored conversation.
func (s *Server) Conversation(id int) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// ConversationCount returns the number of stored conversations.
func (s *Server) ConversationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// SetStatus changes a conversation's status, as an agent would.
func (s *Server) SetStatus(id int, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[id]; ok {
		c.Status = status
	}
}

// Reply stores an outgoing message from an agent.
func (s *Server) Reply(conversationID int, agentName, content string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.storeMessage(conversationID, Message{Content: content, MessageType: TypeOutgoing, SenderName: agentName})
}

// AddMessage stores an arbitrary message.
func (s *Server) AddMessage(conversationID int, m Message) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.storeMessage(conversationID, m)
}

// Messages returns the stored messages of a conversation in id order.
func (s *Server) Messages(conversationID int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.messages[conversationID]))
	for _, m := range s.messages[conversationID] {
		out = append(out, *m)
	}
	return out
}

func (s *Server) storeContact(c Contact) *Contact {
	s.nextContact++
	c.ID = s.nextContact
	if c.SourceID == "" {
		c.SourceID = fmt.Sprintf("src-%d", c.ID)
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = s.now().Unix()
	}
	stored := c
	s.contacts = append(s.contacts, &stored)
	return &stored
}

func (s *Server) storeMessage(conversationID int, m Message) *Message {
	s.nextMessage++
	m.ID = s.nextMessage
	m.ConversationID = conversationID
	if m.CreatedAt == 0 {
		m.CreatedAt = s.now().Unix()
	}
	stored := m
	s.messages[conversationID] = append(s.messages[conversationID], &stored)
	if c, ok := s.conversations[conversationID]; ok {
		c.LastActivityAt = m.CreatedAt
	}
	return &stored
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type contactBody struct {
	Name             string         `json:"name"`
	Email            string         `json:"email"`
	Identifier       string         `json:"identifier"`
	InboxID          int            `json:"inbox_id"`
	CustomAttributes map[string]any `json:"custom_attributes"`
}

func (s *Server) decodeContact(w http.ResponseWriter, r *http.Request) (*Contact, bool) {
	var body contactBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid JSON"})
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if body.Email != "" && strings.EqualFold(c.Email, body.Email) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"message": "Email has already been taken"})
			return nil, false
		}
	}
	return s.storeContact(Contact{
		Name:             body.Name,
		Email:            body.Email,
		Identifier:       body.Identifier,
		CustomAttributes: body.CustomAttributes,
	}), true
}

// createContactPublic answers with the bare contact, like the widget API.
func (s *Server) createContactPublic(w http.ResponseWriter, r *http.Request) {
	if c, ok := s.decodeContact(w, r); ok {
		writeJSON(w, http.StatusOK, c)
	}
}

// createContactWrapped answers with payload.contact, like the account API.
func (s *Server) createContactWrapped(w http.ResponseWriter, r *http.Request) {
	if c, ok := s.decodeContact(w, r); ok {
		writeJSON(w, http.StatusOK, map[string]any{"payload": map[string]any{"contact": c}})
	}
}

func (s *Server) searchContacts(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))
	s.mu.Lock()
	var found []Contact
	for _, c := range s.contacts {
		session, _ := c.CustomAttributes["session_id"].(string)
		if q != "" && (strings.Contains(strings.ToLower(c.Email), q) ||
			strings.ToLower(c.Identifier) == q || strings.ToLower(session) == q ||
			strings.Contains(strings.ToLower(c.Name), q)) {
			found = append(found, *c)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"meta": map[string]any{"count": len(found)}, "payload": nonNil(found)})
}

func (s *Server) contactConversations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	known := false
	for _, c := range s.contacts {
		if c.ID == id {
			known = true
		}
	}
	var list []Conversation
	for _, c := range s.conversations {
		if c.ContactID == id {
			list = append(list, *c)
		}
	}
	s.mu.Unlock()
	if !known {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Resource could not be found"})
		return
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{"payload": nonNil(list)})
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	s.mu.Lock()
	var list []Conversation
	for _, c := range s.conversations {
		if status == "" || status == "all" || c.Status == status {
			list = append(list, *c)
		}
	}
	s.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"meta":    map[string]any{"all_count": len(list)},
			"payload": nonNil(list),
		},
	})
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InboxID          int            `json:"inbox_id"`
		ContactID        int            `json:"contact_id"`
		SourceID         string         `json:"source_id"`
		Status           string         `json:"status"`
		CustomAttributes map[string]any `json:"custom_attributes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid JSON"})
		return
	}
	if body.InboxID == 0 || body.ContactID == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"message": "inbox_id and contact_id are required"})
		return
	}
	s.mu.Lock()
	s.nextConv++
	status := body.Status
	if status == "" {
		status = "open"
	}
	now := s.now().Unix()
	c := &Conversation{
		ID:               s.nextConv,
		AccountID:        s.AccountID,
		InboxID:          body.InboxID,
		ContactID:        body.ContactID,
		Status:           status,
		CustomAttributes: body.CustomAttributes,
		LastActivityAt:   now,
		CreatedAt:        now,
	}
	s.conversations[c.ID] = c
	out := *c
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) conversation(w http.ResponseWriter, r *http.Request) (*Conversation, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return nil, false
	}
	c, found := s.conversations[id]
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Resource could not be found"})
		return nil, false
	}
	return c, true
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	c, ok := s.conversation(w, r)
	var out Conversation
	if ok {
		out = *c
	}
	s.mu.Unlock()
	if ok {
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) toggleStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	c, ok := s.conversation(w, r)
	if !ok {
		s.mu.Unlock()
		return
	}
	switch {
	case body.Status != "":
		c.Status = body.Status
	case c.Status == "resolved":
		c.Status = "open"
	default:
		c.Status = "resolved"
	}
	id, status := c.ID, c.Status
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"meta":    map[string]any{},
		"payload": map[string]any{"success": true, "conversation_id": id, "current_status": status},
	})
}

type messageView struct {
	ID             int            `json:"id"`
	ConversationID int            `json:"conversation_id"`
	Content        string         `json:"content"`
	MessageType    int            `json:"message_type"`
	Private        bool           `json:"private"`
	CreatedAt      int64          `json:"created_at"`
	Sender         map[string]any `json:"sender,omitempty"`
}

func view(m *Message) messageView {
	v := messageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		MessageType:    m.MessageType,
		Private:        m.Private,
		CreatedAt:      m.CreatedAt,
	}
	if m.SenderName != "" {
		v.Sender = map[string]any{"name": m.SenderName}
	}
	return v
}

// listMessages pages backwards from before, returning each page oldest first.
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	before, _ := strconv.Atoi(r.URL.Query().Get("before"))
	s.mu.Lock()
	if _, ok := s.conversation(w, r); !ok {
		s.mu.Unlock()
		return
	}
	id, _ := strconv.Atoi(r.PathValue("id"))
	var page []messageView
	all := s.messages[id]
	for i := len(all) - 1; i >= 0 && len(page) < s.pageSize; i-- {
		if before > 0 && all[i].ID >= before {
			continue
		}
		page = append(page, view(all[i]))
	}
	s.mu.Unlock()
	sort.Slice(page, func(i, j int) bool { return page[i].ID < page[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{"meta": map[string]any{}, "payload": nonNil(page)})
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content     string `json:"content"`
		MessageType string `json:"message_type"`
		Private     bool   `json:"private"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid JSON"})
		return
	}
	typ := TypeOutgoing
	if body.MessageType == "incoming" {
		typ = TypeIncoming
	}
	s.mu.Lock()
	c, ok := s.conversation(w, r)
	if !ok {
		s.mu.Unlock()
		return
	}
	if typ == TypeIncoming && c.Status == "resolved" {
		c.Status = "open"
	}
	m := s.storeMessage(c.ID, Message{
		Content:     body.Content,
		MessageType: typ,
		Private:     body.Private,
		Token:       r.Header.Get("api_access_token"),
	})
	out := view(m)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listAgents(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := append([]Agent(nil), s.agents...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, nonNil(out))
}

func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Resource could not be found"})
		return 0, false
	}
	return id, true
}

func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
