package bridge

import (
	"errors"
	"fmt"

	"github.com/chatwoot/chatbridge/internal/api"
	"github.com/chatwoot/chatbridge/internal/config"
)

// Kind classifies a bridge failure. Kinds are stable strings used as the
// "error" field of HTTP error responses.
type Kind string

const (
	KindConfigIncomplete         Kind = "config_incomplete"
	KindContactCreateFailed      Kind = "contact_create_failed"
	KindConversationCreateFailed Kind = "conversation_create_failed"
	KindConversationUnresolved   Kind = "conversation_unresolved"
	KindConversationsListFailed  Kind = "conversations_list_failed"
	KindMessagesListFailed       Kind = "messages_list_failed"
	KindSendFailed               Kind = "send_failed"
	KindResolveFailed            Kind = "resolve_failed"
	KindInvalidRequest           Kind = "invalid_request"
	KindInternal                 Kind = "internal_error"
)

// Error is a classified failure carrying the remote status code and a
// truncated response body when the remote backend produced one.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// remoteError wraps err as kind, copying the remote status and body snippet.
func remoteError(kind Kind, op string, err error) *Error {
	status, body := api.StatusAndSnippet(err)
	return &Error{Kind: kind, Op: op, StatusCode: status, Body: body, Err: err}
}

func invalidRequest(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err. Configuration incompleteness maps to
// KindConfigIncomplete; unclassified errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if config.IsIncomplete(err) {
		return KindConfigIncomplete
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
