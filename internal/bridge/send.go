package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/chatwoot/chatbridge/internal/api"
	"github.com/chatwoot/chatbridge/internal/cache"
	"github.com/chatwoot/chatbridge/internal/validation"
)

// SendRequest is a message sent into a conversation.
type SendRequest struct {
	ConversationID int
	Content        string
	Side           Side
	// Session, when set on a visitor send, lets a resolved conversation roll
	// over to a new one instead of failing.
	Session string
}

// SendResult is the sent message and the conversation it landed in.
type SendResult struct {
	Message        Message
	ConversationID int
}

// Send posts a single message. Visitor messages go out as incoming, agent
// messages as outgoing. There is no retry; the caller decides whether to
// offer a resend.
func (b *Bridge) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, invalidRequest("content is required")
	}
	if err := validation.MessageContent(req.Content); err != nil {
		return nil, invalidRequest("%v", err)
	}
	side := req.Side
	if side == "" {
		side = SideVisitor
	}
	if side != SideVisitor && side != SideAgent {
		return nil, invalidRequest("unknown side %q", side)
	}

	convID := req.ConversationID
	session := strings.TrimSpace(req.Session)
	if err := validation.Session(session); err != nil {
		return nil, invalidRequest("contact: %v", err)
	}
	if convID <= 0 && (side == SideAgent || session == "") {
		return nil, invalidRequest("conversation is required")
	}
	if side == SideVisitor {
		id, err := b.visitorConversation(ctx, session, convID)
		if err != nil {
			return nil, err
		}
		convID = id
	}

	params := api.CreateMessageParams{
		Content: req.Content,
		EchoID:  "echo-" + uuid.NewString(),
	}
	client := b.client
	view := ViewVisitor
	if side == SideVisitor {
		params.MessageType = api.MessageTypeIncoming
	} else {
		params.MessageType = api.MessageTypeOutgoing
		client = b.agentAPI
		view = ViewAgent
		if agent, ok := b.agents.FirstAvailable(); ok {
			b.logger.Info("agent reply", "conversation_id", convID, "agent_id", agent.ID, "agent", agent.DisplayName())
		}
	}

	sent, err := client.Messages().Create(ctx, convID, params)
	if err != nil {
		b.logger.Error("send failed", "conversation_id", convID, "side", side, "error", err)
		return nil, remoteError(KindSendFailed, "send message", err)
	}
	if sent.MessageType == "" {
		sent.MessageType = params.MessageType
	}
	if sent.Content == "" {
		sent.Content = req.Content
	}
	msg := normalize(*sent, view)
	if msg.CreatedAt == 0 {
		msg.CreatedAt = b.now().Unix()
	}

	b.cache.AddMessage(convID, toCacheMessage(msg))
	b.touchConversation(convID, msg)
	return &SendResult{Message: msg, ConversationID: convID}, nil
}

// visitorConversation returns the open conversation a visitor message goes
// into. Without an explicit session the one recorded for the conversation is
// used, so a resolved conversation still rolls over. A resolved conversation
// with no known session is never written to.
func (b *Bridge) visitorConversation(ctx context.Context, session string, convID int) (int, error) {
	if session == "" {
		if cached, ok := b.cache.Conversation(convID); ok {
			session = cached.Session
		}
	}
	if session != "" {
		return b.currentConversation(ctx, session, convID)
	}

	remote, err := b.client.Conversations().Get(ctx, convID)
	switch {
	case err == nil:
		if !remote.IsResolved() {
			return convID, nil
		}
		if tag := b.sessionTag(remote); tag != "" {
			return b.currentConversation(ctx, tag, convID)
		}
	case api.IsNotFoundError(err):
		// The send reports the missing conversation.
		return convID, nil
	default:
		b.logger.Warn("conversation lookup failed, using cache", "conversation_id", convID, "error", err)
		if cached, ok := b.cache.Conversation(convID); !ok || cached.Status != api.StatusResolved {
			return convID, nil
		}
	}
	b.logger.Warn("visitor send into resolved conversation without a session", "conversation_id", convID)
	return 0, &Error{
		Kind: KindConversationUnresolved,
		Op:   "send message",
		Err:  fmt.Errorf("conversation %d is resolved and has no session to roll over", convID),
	}
}

// currentConversation resolves the session's open conversation, rolling over
// when supplied was resolved in the meantime.
func (b *Bridge) currentConversation(ctx context.Context, session string, supplied int) (int, error) {
	contact, err := b.ResolveContact(ctx, session, Visitor{})
	if err != nil {
		return 0, err
	}
	conv, created, err := b.EnsureConversation(ctx, session, contact, supplied)
	if err != nil {
		return 0, err
	}
	if created && supplied > 0 {
		b.logger.Info("send rolled over to a new conversation", "session", session, "from", supplied, "to", conv.ID)
	}
	return conv.ID, nil
}

func (b *Bridge) touchConversation(id int, m Message) {
	c, ok := b.cache.Conversation(id)
	if !ok {
		c = cache.Conversation{ID: id, InboxID: b.inboxID}
	}
	c.LastMessageContent = m.Content
	c.UpdatedAt = m.CreatedAt
	b.cache.PutConversation(c)
}

// Resolve ensures the conversation is resolved. Resolving an already
// resolved conversation succeeds.
func (b *Bridge) Resolve(ctx context.Context, conversationID int) (bool, error) {
	if conversationID <= 0 {
		return false, invalidRequest("conversation is required")
	}
	_, err := b.client.Conversations().ToggleStatus(ctx, conversationID, api.StatusResolved)
	if err != nil {
		// Some backend versions reject a no-op transition.
		if conv, getErr := b.client.Conversations().Get(ctx, conversationID); getErr == nil && conv.IsResolved() {
			b.cache.SetConversationStatus(conversationID, api.StatusResolved)
			return true, nil
		}
		b.logger.Error("resolve failed", "conversation_id", conversationID, "error", err)
		return false, remoteError(KindResolveFailed, "resolve conversation", err)
	}
	if !b.cache.SetConversationStatus(conversationID, api.StatusResolved) {
		b.cache.PutConversation(cache.Conversation{ID: conversationID, Status: api.StatusResolved, InboxID: b.inboxID})
	}
	return true, nil
}
