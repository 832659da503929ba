package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrStrategyNotApplicable is returned by a strategy that cannot run with the
// current configuration. It is skipped without being recorded as an attempt.
var ErrStrategyNotApplicable = errors.New("strategy not applicable")

// ContactStrategy is one way of creating a contact. The remote backend has
// exposed contact creation under several URL shapes over its history.
type ContactStrategy interface {
	Name() string
	// Attempt creates the contact and returns it with the URL that was used.
	Attempt(ctx context.Context, r Requester, req CreateContactRequest) (*Contact, string, error)
}

// Strategy names accepted by StrategyByName.
const (
	StrategyPublicInbox     = "public_inbox"
	StrategyAccountInbox    = "account_inbox"
	StrategyInbox           = "inbox"
	StrategyAccountContacts = "account_contacts"
)

// PublicInboxStrategy posts to the public widget API of an inbox.
type PublicInboxStrategy struct {
	InboxIdentifier string
}

func (PublicInboxStrategy) Name() string { return StrategyPublicInbox }

func (s PublicInboxStrategy) Attempt(ctx context.Context, r Requester, req CreateContactRequest) (*Contact, string, error) {
	if s.InboxIdentifier == "" {
		return nil, "", ErrStrategyNotApplicable
	}
	target := r.publicPath(fmt.Sprintf("/inboxes/%s/contacts", s.InboxIdentifier))
	req.InboxID = 0
	c, err := postContact(ctx, r, target, req)
	return c, target, err
}

// AccountInboxStrategy posts to the account-scoped inbox contacts endpoint.
type AccountInboxStrategy struct {
	InboxRef string
}

func (AccountInboxStrategy) Name() string { return StrategyAccountInbox }

func (s AccountInboxStrategy) Attempt(ctx context.Context, r Requester, req CreateContactRequest) (*Contact, string, error) {
	if s.InboxRef == "" {
		return nil, "", ErrStrategyNotApplicable
	}
	target := r.accountPath(fmt.Sprintf("/inboxes/%s/contacts", s.InboxRef))
	c, err := postContact(ctx, r, target, req)
	return c, target, err
}

// InboxStrategy posts to the legacy unscoped inbox contacts endpoint.
type InboxStrategy struct {
	InboxRef string
}

func (InboxStrategy) Name() string { return StrategyInbox }

func (s InboxStrategy) Attempt(ctx context.Context, r Requester, req CreateContactRequest) (*Contact, string, error) {
	if s.InboxRef == "" {
		return nil, "", ErrStrategyNotApplicable
	}
	target := r.rootPath(fmt.Sprintf("/inboxes/%s/contacts", s.InboxRef))
	c, err := postContact(ctx, r, target, req)
	return c, target, err
}

// AccountContactsStrategy posts to the canonical account contacts endpoint.
type AccountContactsStrategy struct {
	InboxID int
}

func (AccountContactsStrategy) Name() string { return StrategyAccountContacts }

func (s AccountContactsStrategy) Attempt(ctx context.Context, r Requester, req CreateContactRequest) (*Contact, string, error) {
	target := r.accountPath("/contacts")
	if s.InboxID > 0 {
		req.InboxID = s.InboxID
	}
	c, err := postContact(ctx, r, target, req)
	return c, target, err
}

// DefaultStrategyOrder is the order used when none is configured.
var DefaultStrategyOrder = []string{
	StrategyPublicInbox,
	StrategyAccountInbox,
	StrategyInbox,
	StrategyAccountContacts,
}

// StrategyByName builds a strategy for the given inbox. inboxIdentifier is
// preferred over the numeric id wherever an inbox reference is needed.
func StrategyByName(name string, inboxID int, inboxIdentifier string) (ContactStrategy, error) {
	ref := inboxIdentifier
	if ref == "" && inboxID > 0 {
		ref = strconv.Itoa(inboxID)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case StrategyPublicInbox:
		return PublicInboxStrategy{InboxIdentifier: inboxIdentifier}, nil
	case StrategyAccountInbox:
		return AccountInboxStrategy{InboxRef: ref}, nil
	case StrategyInbox:
		return InboxStrategy{InboxRef: ref}, nil
	case StrategyAccountContacts:
		return AccountContactsStrategy{InboxID: inboxID}, nil
	default:
		return nil, fmt.Errorf("unknown contact strategy %q", name)
	}
}

// BuildStrategies resolves an ordered list of strategy names. An empty list
// yields DefaultStrategyOrder.
func BuildStrategies(names []string, inboxID int, inboxIdentifier string) ([]ContactStrategy, error) {
	if len(names) == 0 {
		names = DefaultStrategyOrder
	}
	out := make([]ContactStrategy, 0, len(names))
	for _, n := range names {
		s, err := StrategyByName(n, inboxID, inboxIdentifier)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
