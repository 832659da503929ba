package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// ListConversationsParams defines filters for listing conversations
type ListConversationsParams struct {
	Status       string
	AssigneeType string
	Sort         string
	Order        string
	Page         int
	PerPage      int
	Query        string
}

func buildConversationQuery(params ListConversationsParams) url.Values {
	query := url.Values{}
	if params.AssigneeType != "" {
		query.Set("assignee_type", params.AssigneeType)
	}
	if params.Status != "" {
		query.Set("status", params.Status)
	}
	if params.Sort != "" {
		query.Set("sort", params.Sort)
	}
	if params.Order != "" {
		query.Set("order", params.Order)
	}
	if params.Query != "" {
		query.Set("q", params.Query)
	}
	if params.Page > 0 {
		query.Set("page", strconv.Itoa(params.Page))
	}
	if params.PerPage > 0 {
		query.Set("per_page", strconv.Itoa(params.PerPage))
	}
	return query
}

// List retrieves conversations filtered by params. A 404 is an empty result.
func (s ConversationsService) List(ctx context.Context, params ListConversationsParams) ([]Conversation, error) {
	return listConversations(ctx, s, params)
}

func listConversations(ctx context.Context, r Requester, params ListConversationsParams) ([]Conversation, error) {
	path := "/conversations"
	if query := buildConversationQuery(params); len(query) > 0 {
		path += "?" + query.Encode()
	}
	raw, err := r.doRaw(ctx, http.MethodGet, r.accountPath(path), nil)
	if err != nil {
		if IsNotFoundError(err) {
			return nil, nil
		}
		return nil, err
	}
	convs, _, err := decodeList[Conversation](raw, conversationListShapes)
	if err != nil {
		return nil, err
	}
	return convs, nil
}

// Get retrieves a specific conversation by ID.
func (s ConversationsService) Get(ctx context.Context, id int) (*Conversation, error) {
	return getConversation(ctx, s, id)
}

func getConversation(ctx context.Context, r Requester, id int) (*Conversation, error) {
	raw, err := r.doRaw(ctx, http.MethodGet, r.accountPath(fmt.Sprintf("/conversations/%d", id)), nil)
	if err != nil {
		return nil, err
	}
	conv, _, err := decodeObject[Conversation](raw, conversationShapes)
	if err != nil {
		return nil, fmt.Errorf("conversation %d: %w", id, err)
	}
	return &conv, nil
}

// Create creates a new conversation.
func (s ConversationsService) Create(ctx context.Context, req CreateConversationRequest) (*Conversation, error) {
	return createConversation(ctx, s, req)
}

func createConversation(ctx context.Context, r Requester, req CreateConversationRequest) (*Conversation, error) {
	raw, err := r.doRaw(ctx, http.MethodPost, r.accountPath("/conversations"), req)
	if err != nil {
		return nil, err
	}
	conv, _, err := decodeObject[Conversation](raw, conversationShapes)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if conv.ContactID == 0 {
		conv.ContactID = req.ContactID
	}
	if conv.InboxID == 0 {
		conv.InboxID = req.InboxID
	}
	return &conv, nil
}

// ToggleStatus sets the status of a conversation. Passing an explicit status
// makes the call idempotent: resolving a resolved conversation is a no-op.
func (s ConversationsService) ToggleStatus(ctx context.Context, id int, status string) (*ToggleStatusResponse, error) {
	return toggleConversationStatus(ctx, s, id, status)
}

func toggleConversationStatus(ctx context.Context, r Requester, id int, status string) (*ToggleStatusResponse, error) {
	payload := map[string]any{"status": status}
	var result ToggleStatusResponse
	if err := r.do(ctx, http.MethodPost, r.accountPath(fmt.Sprintf("/conversations/%d/toggle_status", id)), payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
