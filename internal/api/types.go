package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MessageType is the remote message type normalized to its string name.
// The remote backend encodes it as an integer on account endpoints and as a
// string on some widget endpoints; both decode to the same value.
type MessageType string

const (
	MessageTypeIncoming MessageType = "incoming" // Customer message
	MessageTypeOutgoing MessageType = "outgoing" // Agent reply
	MessageTypeActivity MessageType = "activity" // System activity (status changes, assignments)
	MessageTypeTemplate MessageType = "template" // Template message (WhatsApp, etc.)
)

var messageTypeCodes = map[int]MessageType{
	0: MessageTypeIncoming,
	1: MessageTypeOutgoing,
	2: MessageTypeActivity,
	3: MessageTypeTemplate,
}

func (t *MessageType) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = ""
		return nil
	}
	var code int
	if err := json.Unmarshal(data, &code); err == nil {
		*t = messageTypeCodes[code]
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("cannot unmarshal %s into MessageType", data)
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if code, err := strconv.Atoi(s); err == nil {
		*t = messageTypeCodes[code]
		return nil
	}
	*t = MessageType(s)
	return nil
}

// millisThreshold separates millisecond epochs from second epochs.
const millisThreshold = 1e12

// Timestamp is a lenient epoch timestamp. It accepts seconds or milliseconds
// as numbers or numeric strings, and RFC 3339 strings. Anything else decodes
// to the zero value rather than failing the surrounding document.
type Timestamp float64

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*ts = Timestamp(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*ts = 0
		return nil
	}
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*ts = Timestamp(f)
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		*ts = Timestamp(float64(t.UnixMilli()) / 1000)
		return nil
	}
	*ts = 0
	return nil
}

// Time converts the timestamp, treating values above 1e12 as milliseconds.
func (ts Timestamp) Time() time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	v := float64(ts)
	if v > millisThreshold {
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.UnixMilli(int64(v * 1000)).UTC()
}

// Unix returns the timestamp as whole seconds.
func (ts Timestamp) Unix() int64 {
	t := ts.Time()
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// Contact represents a remote contact
type Contact struct {
	ID               int            `json:"id"`
	SourceID         string         `json:"source_id,omitempty"`
	Name             string         `json:"name"`
	Email            string         `json:"email,omitempty"`
	Identifier       string         `json:"identifier,omitempty"`
	CustomAttributes map[string]any `json:"custom_attributes,omitempty"`
	CreatedAt        Timestamp      `json:"created_at"`
}

// CreateContactRequest is the body sent by every contact creation strategy.
type CreateContactRequest struct {
	Name             string         `json:"name,omitempty"`
	Email            string         `json:"email,omitempty"`
	Identifier       string         `json:"identifier,omitempty"`
	InboxID          int            `json:"inbox_id,omitempty"`
	CustomAttributes map[string]any `json:"custom_attributes,omitempty"`
}

// Conversation status values
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
	StatusPending  = "pending"
	StatusSnoozed  = "snoozed"
)

// Conversation represents a remote conversation
type Conversation struct {
	ID                     int                  `json:"id"`
	AccountID              int                  `json:"account_id,omitempty"`
	InboxID                int                  `json:"inbox_id"`
	Status                 string               `json:"status"`
	Resolved               bool                 `json:"resolved,omitempty"`
	ContactID              int                  `json:"contact_id,omitempty"`
	Contact                *Contact             `json:"contact,omitempty"`
	SourceID               string               `json:"source_id,omitempty"`
	CreatedAt              Timestamp            `json:"created_at"`
	UpdatedAt              Timestamp            `json:"updated_at,omitempty"`
	LastActivityAt         Timestamp            `json:"last_activity_at,omitempty"`
	LastMessageContent     string               `json:"last_message_content,omitempty"`
	LastMessage            *ConversationPreview `json:"last_message,omitempty"`
	LastNonActivityMessage *ConversationPreview `json:"last_non_activity_message,omitempty"`
	Meta                   map[string]any       `json:"meta,omitempty"`
	CustomAttributes       map[string]any       `json:"custom_attributes,omitempty"`
}

// ConversationPreview is the embedded latest-message summary of a conversation.
type ConversationPreview struct {
	Content   string    `json:"content"`
	Message   string    `json:"message,omitempty"`
	CreatedAt Timestamp `json:"created_at"`
}

// NormalizedStatus returns the status, deriving it from the resolved flag
// when the payload omits it.
func (c *Conversation) NormalizedStatus() string {
	if c.Status != "" {
		return c.Status
	}
	if c.Resolved {
		return StatusResolved
	}
	return StatusOpen
}

// IsResolved reports whether the conversation is closed for new messages.
func (c *Conversation) IsResolved() bool {
	return c.Resolved || c.NormalizedStatus() == StatusResolved
}

// OwnerContactID returns the contact id from contact_id, the embedded contact
// or meta.sender, in that order.
func (c *Conversation) OwnerContactID() int {
	if c.ContactID != 0 {
		return c.ContactID
	}
	if c.Contact != nil && c.Contact.ID != 0 {
		return c.Contact.ID
	}
	if sender, ok := c.Meta["sender"].(map[string]any); ok {
		if id, ok := sender["id"].(float64); ok {
			return int(id)
		}
	}
	return 0
}

// Preview returns the last message content with the same fallbacks the
// console has always used.
func (c *Conversation) Preview() string {
	if c.LastMessage != nil {
		if c.LastMessage.Content != "" {
			return c.LastMessage.Content
		}
		if c.LastMessage.Message != "" {
			return c.LastMessage.Message
		}
	}
	if c.LastMessageContent != "" {
		return c.LastMessageContent
	}
	if c.LastNonActivityMessage != nil {
		return c.LastNonActivityMessage.Content
	}
	return ""
}

// ActivityTime returns last_activity_at, then updated_at, then the last message time.
func (c *Conversation) ActivityTime() time.Time {
	for _, ts := range []Timestamp{c.LastActivityAt, c.UpdatedAt} {
		if t := ts.Time(); !t.IsZero() {
			return t
		}
	}
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt.Time()
	}
	return time.Time{}
}

// CreateConversationRequest represents a request to create a conversation
type CreateConversationRequest struct {
	InboxID          int            `json:"inbox_id"`
	ContactID        int            `json:"contact_id"`
	SourceID         string         `json:"source_id,omitempty"`
	Status           string         `json:"status,omitempty"`
	CustomAttributes map[string]any `json:"custom_attributes,omitempty"`
}

// MessageSender represents the sender of a message
type MessageSender struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Message represents a message in a conversation
type Message struct {
	ID             int            `json:"id"`
	ConversationID int            `json:"conversation_id,omitempty"`
	Content        string         `json:"content"`
	MessageType    MessageType    `json:"message_type"`
	Private        bool           `json:"private"`
	SenderID       *int           `json:"sender_id,omitempty"`
	SenderType     string         `json:"sender_type,omitempty"`
	Sender         *MessageSender `json:"sender,omitempty"`
	CreatedAt      Timestamp      `json:"created_at"`
	EchoID         string         `json:"echo_id,omitempty"`
}

// CreateMessageParams holds parameters for creating a message
type CreateMessageParams struct {
	Content     string      `json:"content"`
	MessageType MessageType `json:"message_type"`
	Private     bool        `json:"private"`
	EchoID      string      `json:"echo_id,omitempty"`
}

// Agent represents an agent/user of the account
type Agent struct {
	ID                 int    `json:"id"`
	Name               string `json:"name"`
	AvailableName      string `json:"available_name,omitempty"`
	Email              string `json:"email"`
	Role               string `json:"role"`
	AvailabilityStatus string `json:"availability_status,omitempty"`
}

// DisplayName prefers the agent's public display name.
func (a Agent) DisplayName() string {
	if a.AvailableName != "" {
		return a.AvailableName
	}
	return a.Name
}

// ToggleStatusResponse represents the response from toggling a conversation's status
type ToggleStatusResponse struct {
	Meta    map[string]any `json:"meta"`
	Payload struct {
		Success        bool   `json:"success"`
		ConversationID int    `json:"conversation_id"`
		CurrentStatus  string `json:"current_status"`
	} `json:"payload"`
}
