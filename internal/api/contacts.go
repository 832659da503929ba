package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

// Create tries each strategy in order and returns the first contact created.
// Failed attempts preceding the success are returned alongside it; when all
// strategies fail the error is a *ContactCreateError listing every attempt.
func (s ContactsService) Create(ctx context.Context, req CreateContactRequest, strategies []ContactStrategy) (*Contact, []Attempt, error) {
	return createContactWithStrategies(ctx, s, req, strategies)
}

func createContactWithStrategies(ctx context.Context, r Requester, req CreateContactRequest, strategies []ContactStrategy) (*Contact, []Attempt, error) {
	var attempts []Attempt
	for _, strategy := range strategies {
		if err := ctx.Err(); err != nil {
			return nil, attempts, err
		}
		contact, target, err := strategy.Attempt(ctx, r, req)
		if errors.Is(err, ErrStrategyNotApplicable) {
			continue
		}
		if err != nil {
			slog.Debug("contact strategy failed", "strategy", strategy.Name(), "url", target, "error", err)
			attempts = append(attempts, Attempt{Strategy: strategy.Name(), URL: target, Err: err})
			continue
		}
		slog.Debug("contact strategy succeeded", "strategy", strategy.Name(), "url", target, "contact_id", contact.ID)
		return contact, attempts, nil
	}
	return nil, attempts, &ContactCreateError{Attempts: attempts}
}

// postContact posts a create request and decodes whichever contact shape comes back.
func postContact(ctx context.Context, r Requester, target string, req CreateContactRequest) (*Contact, error) {
	raw, err := r.doRaw(ctx, http.MethodPost, target, req)
	if err != nil {
		return nil, err
	}
	contact, _, err := decodeObject[Contact](raw, contactShapes)
	if err != nil {
		return nil, fmt.Errorf("contact response: %w", err)
	}
	return &contact, nil
}

// Search searches account contacts by query string. A 404 is an empty result.
func (s ContactsService) Search(ctx context.Context, query string) ([]Contact, error) {
	return searchContacts(ctx, s, query)
}

func searchContacts(ctx context.Context, r Requester, query string) ([]Contact, error) {
	path := fmt.Sprintf("/contacts/search?q=%s", url.QueryEscape(query))
	raw, err := r.doRaw(ctx, http.MethodGet, r.accountPath(path), nil)
	if err != nil {
		if IsNotFoundError(err) {
			return nil, nil
		}
		return nil, err
	}
	contacts, _, err := decodeList[Contact](raw, contactListShapes)
	if err != nil {
		return nil, err
	}
	return contacts, nil
}

// Conversations lists the conversations of a contact. A 404 is an empty result.
func (s ContactsService) Conversations(ctx context.Context, contactID int) ([]Conversation, error) {
	return listContactConversations(ctx, s, contactID)
}

func listContactConversations(ctx context.Context, r Requester, contactID int) ([]Conversation, error) {
	path := fmt.Sprintf("/contacts/%d/conversations", contactID)
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
