package api

import (
	"context"
	"fmt"
	"net/http"
)

const maxPaginationIterations = 50

// listMessagesBefore retrieves one page of messages older than before. A zero
// before returns the newest page.
func listMessagesBefore(ctx context.Context, r Requester, conversationID, before int) ([]Message, error) {
	path := fmt.Sprintf("/conversations/%d/messages", conversationID)
	if before > 0 {
		path = fmt.Sprintf("%s?before=%d", path, before)
	}
	raw, err := r.doRaw(ctx, http.MethodGet, r.accountPath(path), nil)
	if err != nil {
		return nil, err
	}
	messages, _, err := decodeList[Message](raw, messageListShapes)
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func minMessageID(messages []Message) int {
	if len(messages) == 0 {
		return 0
	}
	minID := messages[0].ID
	for _, m := range messages[1:] {
		if m.ID < minID {
			minID = m.ID
		}
	}
	return minID
}

// ListWithLimit walks the before cursor until limit messages are collected,
// the history is exhausted, or the page cap is hit. A conversation that does
// not exist yields an empty list.
func (s MessagesService) ListWithLimit(ctx context.Context, conversationID, limit int) ([]Message, error) {
	return listMessagesWithLimit(ctx, s, conversationID, limit)
}

func listMessagesWithLimit(ctx context.Context, r Requester, conversationID, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}

	var allMessages []Message
	before := 0
	lastMinID := 0

	for iteration := 0; iteration < maxPaginationIterations; iteration++ {
		messages, err := listMessagesBefore(ctx, r, conversationID, before)
		if err != nil {
			if IsNotFoundError(err) {
				return allMessages, nil
			}
			return nil, fmt.Errorf("failed to fetch messages page (before=%d): %w", before, err)
		}
		if len(messages) == 0 {
			break
		}

		allMessages = append(allMessages, messages...)
		if len(allMessages) >= limit {
			break
		}

		// The same oldest id twice means the server ignored the cursor.
		minID := minMessageID(messages)
		if minID == lastMinID || minID <= 1 {
			break
		}
		before = minID
		lastMinID = minID
	}

	return allMessages, nil
}

// Create posts a message into a conversation.
func (s MessagesService) Create(ctx context.Context, conversationID int, params CreateMessageParams) (*Message, error) {
	return createMessage(ctx, s, conversationID, params)
}

func createMessage(ctx context.Context, r Requester, conversationID int, params CreateMessageParams) (*Message, error) {
	if params.Content == "" {
		return nil, fmt.Errorf("content cannot be empty")
	}
	path := fmt.Sprintf("/conversations/%d/messages", conversationID)
	raw, err := r.doRaw(ctx, http.MethodPost, r.accountPath(path), params)
	if err != nil {
		return nil, err
	}
	message, _, err := decodeObject[Message](raw, messageShapes)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if message.ConversationID == 0 {
		message.ConversationID = conversationID
	}
	return &message, nil
}
