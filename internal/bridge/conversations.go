package bridge

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatwoot/chatbridge/internal/api"
	"github.com/chatwoot/chatbridge/internal/cache"
	"github.com/chatwoot/chatbridge/internal/validation"
)

// StartRequest is an inbound session start.
type StartRequest struct {
	// Session is the client-held token. When empty, ContactSource is used,
	// and when both are empty a new token is minted.
	Session        string
	ContactSource  string
	ConversationID int
	Visitor        Visitor
}

// StartResult binds a session to its current conversation.
type StartResult struct {
	Session        string
	ContactID      int
	ConversationID int
	// Created is true when a new conversation was opened for this call.
	Created bool
}

// Start resolves the contact of a session and returns its open conversation,
// rolling over to a new conversation when the previous one was resolved.
func (b *Bridge) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	session := strings.TrimSpace(req.Session)
	if session == "" {
		session = strings.TrimSpace(req.ContactSource)
	}
	if err := validateStart(session, req.Visitor); err != nil {
		return nil, err
	}
	if session == "" {
		session = uuid.NewString()
	}

	contact, err := b.ResolveContact(ctx, session, req.Visitor)
	if err != nil {
		return nil, err
	}
	conv, created, err := b.EnsureConversation(ctx, session, contact, req.ConversationID)
	if err != nil {
		return nil, err
	}
	return &StartResult{
		Session:        session,
		ContactID:      contact.ID,
		ConversationID: conv.ID,
		Created:        created,
	}, nil
}

func validateStart(session string, v Visitor) error {
	if err := validation.Session(session); err != nil {
		return invalidRequest("contactSource: %v", err)
	}
	if err := validation.Name(strings.TrimSpace(v.Name)); err != nil {
		return invalidRequest("%v", err)
	}
	if err := validation.Email(strings.TrimSpace(v.Email)); err != nil {
		return invalidRequest("%v", err)
	}
	return nil
}

// EnsureConversation returns an open conversation for the session's contact.
// A supplied conversation id is reused when it is still open and belongs to
// the contact. Otherwise the contact's conversations tagged with the session
// are searched, and a new conversation is created when none is open.
func (b *Bridge) EnsureConversation(ctx context.Context, session string, contact cache.Contact, supplied int) (cache.Conversation, bool, error) {
	if supplied > 0 {
		if conv, ok := b.reusable(ctx, session, contact, supplied); ok {
			return conv, false, nil
		}
	}
	if conv, ok := b.findTagged(ctx, session, contact); ok {
		return conv, false, nil
	}
	conv, err := b.createConversation(ctx, session, contact)
	if err != nil {
		return cache.Conversation{}, false, err
	}
	return conv, true, nil
}

// reusable checks a supplied conversation against the remote backend, falling
// back to the cached status when the lookup fails for another reason than 404.
func (b *Bridge) reusable(ctx context.Context, session string, contact cache.Contact, id int) (cache.Conversation, bool) {
	remote, err := b.client.Conversations().Get(ctx, id)
	switch {
	case err == nil:
		conv := b.toCacheConversation(*remote)
		owner := remote.OwnerContactID()
		if owner == 0 || owner == contact.ID {
			conv.Session = session
		}
		b.cache.PutConversation(conv)
		if remote.IsResolved() {
			b.logger.Info("conversation resolved, rolling over", "session", session, "conversation_id", id)
			return cache.Conversation{}, false
		}
		if owner != 0 && owner != contact.ID {
			b.logger.Warn("conversation belongs to another contact", "conversation_id", id, "owner", owner, "contact_id", contact.ID)
			return cache.Conversation{}, false
		}
		return conv, true
	case api.IsNotFoundError(err):
		b.logger.Info("supplied conversation not found", "conversation_id", id)
		return cache.Conversation{}, false
	default:
		b.logger.Warn("conversation lookup failed, using cache", "conversation_id", id, "error", err)
		cached, ok := b.cache.Conversation(id)
		if !ok || cached.Status == api.StatusResolved {
			return cache.Conversation{}, false
		}
		if cached.ContactID != 0 && cached.ContactID != contact.ID {
			return cache.Conversation{}, false
		}
		return cached, true
	}
}

// findTagged looks for the newest open conversation of the contact carrying
// the session in its tag attribute. The cached latest conversation for the
// session also counts when the remote listing still has it.
func (b *Bridge) findTagged(ctx context.Context, session string, contact cache.Contact) (cache.Conversation, bool) {
	cached, hasCached := b.cache.LatestConversation(session)

	remote, err := b.client.Contacts().Conversations(ctx, contact.ID)
	if err != nil {
		b.logger.Warn("contact conversations lookup failed, using cache", "contact_id", contact.ID, "error", err)
		if hasCached && cached.Status != api.StatusResolved {
			return cached, true
		}
		return cache.Conversation{}, false
	}

	var best *api.Conversation
	for i := range remote {
		c := &remote[i]
		tagged := b.sessionTag(c) == session
		if !tagged && !(hasCached && c.ID == cached.ID) {
			continue
		}
		conv := b.toCacheConversation(*c)
		conv.Session = session
		b.cache.PutConversation(conv)
		if c.IsResolved() || (c.InboxID != 0 && b.inboxID != 0 && c.InboxID != b.inboxID) {
			continue
		}
		if best == nil || c.ID > best.ID {
			best = c
		}
	}
	if best == nil {
		return cache.Conversation{}, false
	}
	conv, _ := b.cache.Conversation(best.ID)
	return conv, true
}

func (b *Bridge) sessionTag(c *api.Conversation) string {
	if s, ok := c.CustomAttributes[b.tag].(string); ok {
		return s
	}
	return ""
}

func (b *Bridge) createConversation(ctx context.Context, session string, contact cache.Contact) (cache.Conversation, error) {
	req := api.CreateConversationRequest{
		InboxID:          b.inboxID,
		ContactID:        contact.ID,
		SourceID:         contact.SourceID,
		Status:           api.StatusOpen,
		CustomAttributes: map[string]any{b.tag: session},
	}
	created, err := b.client.Conversations().Create(ctx, req)
	if err != nil {
		b.logger.Error("conversation creation failed", "session", session, "contact_id", contact.ID, "error", err)
		return cache.Conversation{}, remoteError(KindConversationUnresolved, "create conversation", err)
	}
	if created.ID <= 0 {
		return cache.Conversation{}, &Error{Kind: KindConversationCreateFailed, Op: "create conversation"}
	}
	conv := b.toCacheConversation(*created)
	conv.Session = session
	if conv.Status == "" || conv.Status == api.StatusResolved {
		conv.Status = api.StatusOpen
	}
	if conv.UpdatedAt == 0 {
		conv.UpdatedAt = b.now().Unix()
	}
	b.cache.PutConversation(conv)
	b.logger.Info("conversation created", "session", session, "conversation_id", conv.ID, "contact_id", contact.ID)
	return conv, nil
}

func (b *Bridge) toCacheConversation(c api.Conversation) cache.Conversation {
	var updated int64
	if t := c.ActivityTime(); !t.IsZero() {
		updated = t.Unix()
	}
	return cache.Conversation{
		ID:                 c.ID,
		InboxID:            c.InboxID,
		ContactID:          c.OwnerContactID(),
		Status:             c.NormalizedStatus(),
		LastMessageContent: c.Preview(),
		UpdatedAt:          updated,
		Session:            b.sessionTag(&c),
		Meta:               c.Meta,
	}
}

// ConversationSummary is a conversation as shown in the agent console.
type ConversationSummary struct {
	ID                 int            `json:"id"`
	InboxID            int            `json:"inbox_id"`
	ContactID          int            `json:"contact_id"`
	LastMessageContent string         `json:"last_message_content"`
	UpdatedAt          string         `json:"updated_at"`
	Status             string         `json:"status"`
	Meta               map[string]any `json:"meta"`
}

// ListConversations returns the newest remote conversations and reconciles
// the cache with them. An empty remote list clears the cached conversations.
func (b *Bridge) ListConversations(ctx context.Context, limit int) ([]ConversationSummary, error) {
	if limit <= 0 {
		limit = DefaultConversationLimit
	}
	remote, err := b.client.Conversations().List(ctx, api.ListConversationsParams{Status: "all"})
	if err != nil {
		return nil, remoteError(KindConversationsListFailed, "list conversations", err)
	}
	if len(remote) == 0 {
		b.cache.ClearConversations()
		return []ConversationSummary{}, nil
	}

	list := make([]cache.Conversation, 0, len(remote))
	for _, c := range remote {
		list = append(list, b.toCacheConversation(c))
	}
	b.cache.MergeConversations(list)

	out := make([]ConversationSummary, 0, len(remote))
	for _, c := range b.cache.Conversations() {
		if !containsID(remote, c.ID) {
			continue
		}
		out = append(out, summarize(c))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func containsID(list []api.Conversation, id int) bool {
	for _, c := range list {
		if c.ID == id {
			return true
		}
	}
	return false
}

func summarize(c cache.Conversation) ConversationSummary {
	s := ConversationSummary{
		ID:                 c.ID,
		InboxID:            c.InboxID,
		ContactID:          c.ContactID,
		LastMessageContent: c.LastMessageContent,
		Status:             c.Status,
		Meta:               c.Meta,
	}
	if c.UpdatedAt > 0 {
		s.UpdatedAt = time.Unix(c.UpdatedAt, 0).UTC().Format(time.RFC3339)
	}
	if s.Meta == nil {
		s.Meta = map[string]any{}
	}
	return s
}
