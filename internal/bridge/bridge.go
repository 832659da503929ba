// Package bridge maps anonymous visitor sessions to remote contacts and
// conversations and keeps the message stream of each conversation normalized.
//
// A Bridge is shared by every inbound request. It holds no per-session state
// of its own: what it remembers lives in the injected Cache, and the remote
// backend stays the source of truth.
package bridge

import (
	"log/slog"
	"strings"
	"time"

	"github.com/chatwoot/chatbridge/internal/api"
	"github.com/chatwoot/chatbridge/internal/cache"
	"github.com/chatwoot/chatbridge/internal/debug"
)

const (
	// DefaultMessageLimit bounds the visitor message list.
	DefaultMessageLimit = 100
	// AgentMessageLimit bounds the agent console message list.
	AgentMessageLimit = 80
	// DefaultConversationLimit bounds the agent console conversation list.
	DefaultConversationLimit = 30

	defaultEmailDomain     = "example.com"
	defaultConversationTag = "chatbridge_session"
	createdVia             = "chatbridge"
)

// Cache is the advisory store the bridge reads and writes through.
// *cache.Store implements it.
type Cache interface {
	Contact(session string) (cache.Contact, bool)
	PutContact(session string, c cache.Contact)
	Conversation(id int) (cache.Conversation, bool)
	LatestConversation(session string) (cache.Conversation, bool)
	Conversations() []cache.Conversation
	PutConversation(c cache.Conversation)
	MergeConversations(list []cache.Conversation)
	ClearConversations()
	SetConversationStatus(id int, status string) bool
	Messages(conversationID int) []cache.Message
	ReplaceMessages(conversationID int, msgs []cache.Message)
	AddMessage(conversationID int, m cache.Message)
}

var _ Cache = (*cache.Store)(nil)

// Options configures a Bridge.
type Options struct {
	InboxID int
	// Strategies is the ordered list of contact creation strategies.
	// Empty means api.DefaultStrategyOrder for InboxID.
	Strategies []api.ContactStrategy
	// EmailDomain is used for placeholder visitor emails.
	EmailDomain string
	// ConversationTag names the conversation custom attribute holding the session.
	ConversationTag string
	// AgentToken, when set, authenticates agent-side sends instead of the
	// account token.
	AgentToken string
	Logger     *slog.Logger
	Now        func() time.Time
}

// Bridge composes the contact resolver, conversation registry, message
// synchronizer and agent directory.
type Bridge struct {
	client     *api.Client
	agentAPI   *api.Client
	cache      Cache
	agents     *Directory
	strategies []api.ContactStrategy
	inboxID    int
	domain     string
	tag        string
	logger     *slog.Logger
	now        func() time.Time
}

// New returns a Bridge over client and store.
func New(client *api.Client, store Cache, opts Options) *Bridge {
	logger := debug.Component(opts.Logger, "bridge")
	strategies := opts.Strategies
	if len(strategies) == 0 {
		strategies, _ = api.BuildStrategies(nil, opts.InboxID, "")
	}
	domain := strings.TrimPrefix(strings.TrimSpace(opts.EmailDomain), "@")
	if domain == "" {
		domain = defaultEmailDomain
	}
	tag := strings.TrimSpace(opts.ConversationTag)
	if tag == "" {
		tag = defaultConversationTag
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	agentAPI := client
	if opts.AgentToken != "" {
		agentAPI = client.WithToken(opts.AgentToken)
	}
	return &Bridge{
		client:     client,
		agentAPI:   agentAPI,
		cache:      store,
		agents:     NewDirectory(client.Agents(), opts.Logger),
		strategies: strategies,
		inboxID:    opts.InboxID,
		domain:     domain,
		tag:        tag,
		logger:     logger,
		now:        now,
	}
}

// Agents returns the agent directory.
func (b *Bridge) Agents() *Directory { return b.agents }

// InboxID returns the configured inbox.
func (b *Bridge) InboxID() int { return b.inboxID }
