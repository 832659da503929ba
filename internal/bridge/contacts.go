package bridge

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/chatwoot/chatbridge/internal/api"
	"github.com/chatwoot/chatbridge/internal/cache"
)

// Visitor describes the person behind a session as far as the widget knows.
type Visitor struct {
	Name      string
	Email     string
	UserAgent string
}

// ResolveContact returns the contact bound to session. It consults the cache,
// then searches the remote contacts, and creates a contact only when both miss.
func (b *Bridge) ResolveContact(ctx context.Context, session string, v Visitor) (cache.Contact, error) {
	session = strings.TrimSpace(session)
	if session == "" {
		return cache.Contact{}, invalidRequest("session is required")
	}
	if c, ok := b.cache.Contact(session); ok {
		return c, nil
	}

	if c, ok := b.findContact(ctx, session, v.Email); ok {
		b.logger.Debug("contact found by lookup", "session", session, "contact_id", c.ID)
		b.cache.PutContact(session, c)
		return c, nil
	}

	req := api.CreateContactRequest{
		Name:       visitorName(v.Name, session),
		Email:      v.Email,
		Identifier: session,
		InboxID:    b.inboxID,
		CustomAttributes: map[string]any{
			"session_id":  session,
			"user_agent":  orUnknown(v.UserAgent),
			"created_via": createdVia,
			"first_seen":  b.now().UTC().Format(time.RFC3339),
		},
	}
	if req.Email == "" {
		req.Email = b.placeholderEmail(session)
	}
	created, attempts, err := b.client.Contacts().Create(ctx, req, b.strategies)
	if err != nil {
		b.logger.Error("contact creation failed", "session", session, "attempts", len(attempts), "error", err)
		return cache.Contact{}, remoteError(KindContactCreateFailed, "create contact", err)
	}
	if len(attempts) > 0 {
		b.logger.Info("contact created after fallback", "session", session, "failed_attempts", len(attempts))
	}
	c := toCacheContact(*created)
	b.cache.PutContact(session, c)
	return c, nil
}

// findContact searches remote contacts by email and then by session. An exact
// email match wins over an identifier or session attribute match. Lookup
// failures are logged and treated as a miss.
func (b *Bridge) findContact(ctx context.Context, session, email string) (cache.Contact, bool) {
	queries := []string{session}
	if email != "" {
		queries = []string{email, session}
	}
	for _, q := range queries {
		found, err := b.client.Contacts().Search(ctx, q)
		if err != nil {
			b.logger.Debug("contact search failed", "query", q, "error", err)
			continue
		}
		if c, ok := matchContact(found, session, email); ok {
			return toCacheContact(c), true
		}
	}
	return cache.Contact{}, false
}

func matchContact(list []api.Contact, session, email string) (api.Contact, bool) {
	if email != "" {
		for _, c := range list {
			if c.ID > 0 && strings.EqualFold(c.Email, email) {
				return c, true
			}
		}
	}
	for _, c := range list {
		if c.ID <= 0 {
			continue
		}
		if c.Identifier == session {
			return c, true
		}
		if s, ok := c.CustomAttributes["session_id"].(string); ok && s == session {
			return c, true
		}
	}
	return api.Contact{}, false
}

// placeholderEmail derives a stable address from the session. Some backend
// versions reject contacts without an email.
func (b *Bridge) placeholderEmail(session string) string {
	local := strings.Map(func(r rune) rune {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			return unicode.ToLower(r)
		case r == '-' || r == '_' || r == '.':
			return r
		}
		return -1
	}, session)
	local = strings.Trim(local, ".")
	if local == "" {
		local = uuid.NewString()
	}
	if len(local) > 48 {
		local = local[:48]
	}
	return "visitor-" + local + "@" + b.domain
}

func visitorName(name, session string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	suffix := session
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return "Visitor " + suffix
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}

func toCacheContact(c api.Contact) cache.Contact {
	return cache.Contact{
		ID:        c.ID,
		Name:      c.Name,
		Email:     c.Email,
		SourceID:  c.SourceID,
		CreatedAt: c.CreatedAt.Unix(),
	}
}
