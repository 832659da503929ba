// Package cache keeps a process-wide snapshot of known contacts, conversations
// and messages, persisted through a pluggable Backend.
//
// The snapshot is advisory. Every mutation updates memory synchronously and
// schedules a full-snapshot persist on a single background writer, so the last
// persist to run always reflects the latest in-memory state. Persist failures
// are logged and never returned to callers of the mutating methods.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/chatwoot/chatbridge/internal/debug"
)

// Contact is the cached view of a remote contact.
type Contact struct {
	ID        int    `json:"id"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	SourceID  string `json:"source_id,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

// Conversation is the cached view of a remote conversation.
type Conversation struct {
	ID                 int            `json:"id"`
	InboxID            int            `json:"inbox_id,omitempty"`
	ContactID          int            `json:"contact_id,omitempty"`
	Status             string         `json:"status,omitempty"`
	LastMessageContent string         `json:"last_message_content,omitempty"`
	UpdatedAt          int64          `json:"updated_at,omitempty"`
	Session            string         `json:"session,omitempty"`
	Meta               map[string]any `json:"meta,omitempty"`
}

// Message is a normalized message as last synchronized.
type Message struct {
	ID          int    `json:"id"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
	CreatedAt   int64  `json:"created_at"`
	Side        string `json:"side"`
	SenderName  string `json:"sender_name,omitempty"`
}

// Snapshot is the persisted document. Unknown fields are ignored on load.
type Snapshot struct {
	Conversations []Conversation       `json:"conversations"`
	Messages      map[string][]Message `json:"messages"`
	Contacts      map[string]Contact   `json:"contacts"`
}

func (s *Snapshot) normalize() {
	if s.Messages == nil {
		s.Messages = map[string][]Message{}
	}
	if s.Contacts == nil {
		s.Contacts = map[string]Contact{}
	}
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{
		Conversations: append([]Conversation(nil), s.Conversations...),
		Messages:      make(map[string][]Message, len(s.Messages)),
		Contacts:      make(map[string]Contact, len(s.Contacts)),
	}
	for k, v := range s.Messages {
		out.Messages[k] = append([]Message(nil), v...)
	}
	for k, v := range s.Contacts {
		out.Contacts[k] = v
	}
	return out
}

// Stats summarizes a snapshot.
type Stats struct {
	Conversations int `json:"conversations"`
	MessageLists  int `json:"message_lists"`
	Messages      int `json:"messages"`
	Contacts      int `json:"contacts"`
}

// Stats counts the entries of the snapshot.
func (s Snapshot) Stats() Stats {
	st := Stats{
		Conversations: len(s.Conversations),
		MessageLists:  len(s.Messages),
		Contacts:      len(s.Contacts),
	}
	for _, msgs := range s.Messages {
		st.Messages += len(msgs)
	}
	return st
}

// Store is the in-memory snapshot plus its persister.
type Store struct {
	backend Backend
	logger  *slog.Logger

	mu   sync.RWMutex
	snap Snapshot
	gen  uint64

	persistMu sync.Mutex
	saved     uint64

	kick      chan struct{}
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New starts a Store over backend with an empty snapshot. Call Load to
// populate it from the backend.
func New(backend Backend, logger *slog.Logger) *Store {
	if backend == nil {
		backend = NewMemory()
	}
	s := &Store{
		backend: backend,
		logger:  debug.Component(logger, "cache").With("backend", backend.Name()),
		kick:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.snap.normalize()
	go s.persistLoop()
	return s
}

// Backend returns the backend name.
func (s *Store) Backend() string {
	return s.backend.Name()
}

// Load replaces the in-memory snapshot with the persisted one. On error the
// current snapshot is kept.
func (s *Store) Load(ctx context.Context) error {
	snap, err := s.backend.Load(ctx)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	snap.normalize()
	s.mu.Lock()
	s.snap = *snap
	s.mu.Unlock()

	st := snap.Stats()
	s.logger.Debug("snapshot loaded", "conversations", st.Conversations, "messages", st.Messages, "contacts", st.Contacts)
	return nil
}

func (s *Store) persistLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.kick:
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Warn("cache persist failed", "error", err)
			}
		case <-s.quit:
			return
		}
	}
}

// touch must be called with mu held for writing.
func (s *Store) touch() {
	s.gen++
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Flush writes the current snapshot if it changed since the last write.
func (s *Store) Flush(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	gen := s.gen
	if gen == s.saved {
		s.mu.RUnlock()
		return nil
	}
	snap := s.snap.clone()
	s.mu.RUnlock()

	if err := s.backend.Save(ctx, snap); err != nil {
		return err
	}
	s.saved = gen
	return nil
}

// Close stops the persister, flushes pending changes and closes the backend.
func (s *Store) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.done
		err = errors.Join(s.Flush(ctx), s.backend.Close())
	})
	return err
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

// Clear empties the in-memory snapshot and removes the persisted copy.
func (s *Store) Clear(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	s.snap = Snapshot{}
	s.snap.normalize()
	s.gen++
	s.saved = s.gen
	s.mu.Unlock()

	return s.backend.Clear(ctx)
}

// Contact returns the contact bound to session.
func (s *Store) Contact(session string) (Contact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.snap.Contacts[session]
	return c, ok
}

// PutContact binds session to contact.
func (s *Store) PutContact(session string, c Contact) {
	if session == "" || c.ID == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Contacts[session] = c
	s.touch()
}

// Conversation returns a cached conversation by id.
func (s *Store) Conversation(id int) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.snap.Conversations {
		if c.ID == id {
			return c, true
		}
	}
	return Conversation{}, false
}

// LatestConversation returns the newest conversation recorded for session.
func (s *Store) LatestConversation(session string) (Conversation, bool) {
	if session == "" {
		return Conversation{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  Conversation
		found bool
	)
	for _, c := range s.snap.Conversations {
		if c.Session == session && (!found || c.ID > best.ID) {
			best, found = c, true
		}
	}
	return best, found
}

// Conversations returns every cached conversation, newest activity first.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	out := append([]Conversation(nil), s.snap.Conversations...)
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// PutConversation inserts or updates a conversation. Empty fields of c keep
// the previously cached values.
func (s *Store) PutConversation(c Conversation) {
	if c.ID == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertConversation(c)
	s.touch()
}

// MergeConversations upserts every conversation in list.
func (s *Store) MergeConversations(list []Conversation) {
	if len(list) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range list {
		if c.ID != 0 {
			s.upsertConversation(c)
		}
	}
	s.touch()
}

// ClearConversations drops every cached conversation.
func (s *Store) ClearConversations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snap.Conversations) == 0 {
		return
	}
	s.snap.Conversations = nil
	s.touch()
}

func (s *Store) upsertConversation(c Conversation) {
	for i, existing := range s.snap.Conversations {
		if existing.ID != c.ID {
			continue
		}
		s.snap.Conversations[i] = mergeConversation(existing, c)
		return
	}
	s.snap.Conversations = append(s.snap.Conversations, c)
}

func mergeConversation(old, c Conversation) Conversation {
	if c.InboxID == 0 {
		c.InboxID = old.InboxID
	}
	if c.ContactID == 0 {
		c.ContactID = old.ContactID
	}
	if c.Status == "" {
		c.Status = old.Status
	}
	if c.LastMessageContent == "" {
		c.LastMessageContent = old.LastMessageContent
	}
	if c.UpdatedAt == 0 {
		c.UpdatedAt = old.UpdatedAt
	}
	if c.Session == "" {
		c.Session = old.Session
	}
	if c.Meta == nil {
		c.Meta = old.Meta
	}
	return c
}

// SetConversationStatus updates the status of a cached conversation.
func (s *Store) SetConversationStatus(id int, status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.snap.Conversations {
		if s.snap.Conversations[i].ID == id {
			s.snap.Conversations[i].Status = status
			s.touch()
			return true
		}
	}
	return false
}

func messagesKey(conversationID int) string {
	return strconv.Itoa(conversationID)
}

// Messages returns the cached messages of a conversation.
func (s *Store) Messages(conversationID int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.snap.Messages[messagesKey(conversationID)]...)
}

// ReplaceMessages stores msgs as the full list for a conversation. An empty
// list removes the entry.
func (s *Store) ReplaceMessages(conversationID int, msgs []Message) {
	key := messagesKey(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(msgs) == 0 {
		if _, ok := s.snap.Messages[key]; !ok {
			return
		}
		delete(s.snap.Messages, key)
	} else {
		s.snap.Messages[key] = append([]Message(nil), msgs...)
	}
	s.touch()
}

// AddMessage inserts m into a conversation's list, replacing any message with
// the same id and keeping the list ordered by id.
func (s *Store) AddMessage(conversationID int, m Message) {
	if m.ID == 0 {
		return
	}
	key := messagesKey(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.snap.Messages[key]
	i := sort.Search(len(list), func(i int) bool { return list[i].ID >= m.ID })
	switch {
	case i < len(list) && list[i].ID == m.ID:
		list[i] = m
	default:
		list = append(list, Message{})
		copy(list[i+1:], list[i:])
		list[i] = m
	}
	s.snap.Messages[key] = list
	s.touch()
}
