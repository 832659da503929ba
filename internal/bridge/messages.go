package bridge

import (
	"context"
	"sort"
	"strings"

	"github.com/chatwoot/chatbridge/internal/api"
	"github.com/chatwoot/chatbridge/internal/cache"
)

// Side is the normalized origin of a message.
type Side string

const (
	SideVisitor Side = "visitor"
	SideAgent   Side = "agent"
)

// View selects whose viewpoint sender labels are rendered from.
type View int

const (
	ViewVisitor View = iota
	ViewAgent
)

// Message is a normalized message.
type Message struct {
	ID          int    `json:"id"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
	CreatedAt   int64  `json:"created_at"`
	Direction   string `json:"direction"`
	Side        Side   `json:"side"`
	SenderName  string `json:"sender_name"`
	Private     bool   `json:"-"`
}

// SideOf maps a remote message type to a side. Only incoming messages are
// the visitor's; everything else, notes and activity included, is agent side.
func SideOf(t api.MessageType) Side {
	if t == api.MessageTypeIncoming {
		return SideVisitor
	}
	return SideAgent
}

func direction(s Side) string {
	if s == SideVisitor {
		return "incoming"
	}
	return "outgoing"
}

// label returns the sender label for a message as seen from view.
func label(s Side, senderName string, view View) string {
	if s == SideVisitor {
		if view == ViewVisitor {
			return "You"
		}
		if senderName != "" {
			return senderName
		}
		return "Visitor"
	}
	if senderName != "" {
		return senderName
	}
	if view == ViewVisitor {
		return "Support"
	}
	return "Agent"
}

func normalize(m api.Message, view View) Message {
	side := SideOf(m.MessageType)
	var sender string
	if m.Sender != nil {
		sender = strings.TrimSpace(m.Sender.Name)
	}
	return Message{
		ID:          m.ID,
		Content:     m.Content,
		MessageType: direction(side),
		CreatedAt:   m.CreatedAt.Unix(),
		Direction:   direction(side),
		Side:        side,
		SenderName:  label(side, sender, view),
		Private:     m.Private,
	}
}

// byID orders by id. byTime orders by timestamp with id as the tie-break,
// and is used for the whole list as soon as any message lacks an id.
func byID(a, b Message) bool { return a.ID < b.ID }

func byTime(a, b Message) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

// orderMessages sorts msgs and drops repeated ids, keeping the last copy seen.
func orderMessages(msgs []Message) []Message {
	latest := make(map[int]int, len(msgs))
	out := make([]Message, 0, len(msgs))
	less := byID
	for _, m := range msgs {
		if m.ID <= 0 {
			less = byTime
		} else {
			if i, ok := latest[m.ID]; ok {
				out[i] = m
				continue
			}
			latest[m.ID] = len(out)
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// ListMessages fetches up to limit of the newest messages of a conversation,
// ordered by ascending id without duplicates. The result replaces the cached
// list; an empty remote result clears it. Private notes are left out of the
// visitor view.
func (b *Bridge) ListMessages(ctx context.Context, conversationID, limit int, view View) ([]Message, error) {
	if conversationID <= 0 {
		return nil, invalidRequest("conversation is required")
	}
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	remote, err := b.client.Messages().ListWithLimit(ctx, conversationID, limit)
	if err != nil {
		return nil, remoteError(KindMessagesListFailed, "list messages", err)
	}

	all := make([]Message, 0, len(remote))
	for _, m := range remote {
		all = append(all, normalize(m, view))
	}
	all = orderMessages(all)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	b.cache.ReplaceMessages(conversationID, toCacheMessages(all))

	out := make([]Message, 0, len(all))
	for _, m := range all {
		if view == ViewVisitor && m.Private {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func toCacheMessage(m Message) cache.Message {
	return cache.Message{
		ID:          m.ID,
		Content:     m.Content,
		MessageType: m.MessageType,
		CreatedAt:   m.CreatedAt,
		Side:        string(m.Side),
		SenderName:  m.SenderName,
	}
}

func toCacheMessages(msgs []Message) []cache.Message {
	out := make([]cache.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Private {
			continue
		}
		out = append(out, toCacheMessage(m))
	}
	return out
}
