package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/chatwoot/chatbridge/internal/api"
	"github.com/chatwoot/chatbridge/internal/bridge"
	"github.com/chatwoot/chatbridge/internal/validation"
)

// flexInt accepts a JSON number, a numeric string, or null.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("expected a numeric id, got %s", string(data))
	}
	*f = flexInt(n)
	return nil
}

type startRequest struct {
	ContactSource  string  `json:"contactSource"`
	ConversationID flexInt `json:"conversationId"`
	Name           string  `json:"name"`
	Email          string  `json:"email"`
	Session        string  `json:"session"`
}

type startResponse struct {
	ContactSource  string `json:"contactSource"`
	ConversationID int    `json:"conversationId"`
}

type sendRequest struct {
	Conversation flexInt `json:"conversation"`
	Content      string  `json:"content"`
	Contact      string  `json:"contact"`
}

type sendResponse struct {
	ID           int         `json:"id"`
	Content      string      `json:"content"`
	MessageType  string      `json:"message_type"`
	Side         bridge.Side `json:"side"`
	SenderName   string      `json:"sender_name"`
	Conversation int         `json:"conversation"`
}

type resolveRequest struct {
	Conversation flexInt `json:"conversation"`
	Contact      string  `json:"contact"`
}

type resolveResponse struct {
	Resolved     bool `json:"resolved"`
	Conversation int  `json:"conversation"`
}

type healthResponse struct {
	OK           bool   `json:"ok"`
	InboxIDSet   bool   `json:"inboxIdSet"`
	BaseURL      string `json:"baseUrl"`
	CacheBackend string `json:"cacheBackend"`
	Error        string `json:"error,omitempty"`
	// RemoteReachable is omitted when no remote is configured.
	RemoteReachable *bool  `json:"remoteReachable,omitempty"`
	RemoteError     string `json:"remoteError,omitempty"`
}

type agentResponse struct {
	ID                 int    `json:"id"`
	Name               string `json:"name"`
	Email              string `json:"email,omitempty"`
	AvailabilityStatus string `json:"availability_status,omitempty"`
}

type errorBody struct {
	Error    string `json:"error"`
	Status   int    `json:"status,omitempty"`
	Response string `json:"response,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		OK:           s.opts.ConfigErr == nil,
		InboxIDSet:   s.opts.Health.InboxID > 0,
		BaseURL:      s.opts.Health.BaseURL,
		CacheBackend: s.opts.Health.CacheBackend,
	}
	if s.opts.ConfigErr != nil {
		resp.Error = s.opts.ConfigErr.Error()
	}
	if s.opts.Remote != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		reachable, err := s.opts.Remote.HealthCheck(ctx)
		cancel()
		resp.RemoteReachable = &reachable
		if err != nil {
			resp.RemoteError = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.Start(r.Context(), bridge.StartRequest{
		Session:        req.Session,
		ContactSource:  req.ContactSource,
		ConversationID: int(req.ConversationID),
		Visitor: bridge.Visitor{
			Name:      req.Name,
			Email:     req.Email,
			UserAgent: r.UserAgent(),
		},
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{
		ContactSource:  res.Session,
		ConversationID: res.ConversationID,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, err := queryID(r, "conversation")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs, err := s.svc.ListMessages(r.Context(), id, bridge.DefaultMessageLimit, bridge.ViewVisitor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(msgs))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.send(w, r, bridge.SendRequest{
		ConversationID: int(req.Conversation),
		Content:        req.Content,
		Side:           bridge.SideVisitor,
		Session:        req.Contact,
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := int(req.Conversation)
	if id <= 0 {
		s.writeError(w, r, &bridge.Error{Kind: bridge.KindInvalidRequest, Err: errors.New("conversation is required")})
		return
	}
	resolved, err := s.svc.Resolve(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{Resolved: resolved, Conversation: id})
}

func (s *Server) handleAdminConversations(w http.ResponseWriter, r *http.Request) {
	limit := bridge.DefaultConversationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, &bridge.Error{Kind: bridge.KindInvalidRequest, Err: fmt.Errorf("invalid limit %q", raw)})
			return
		}
		limit = n
	}
	list, err := s.svc.ListConversations(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (s *Server) handleAdminMessages(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs, err := s.svc.ListMessages(r.Context(), id, bridge.AgentMessageLimit, bridge.ViewAgent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(msgs))
}

func (s *Server) handleAdminSend(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req sendRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.send(w, r, bridge.SendRequest{
		ConversationID: id,
		Content:        req.Content,
		Side:           bridge.SideAgent,
	})
}

func (s *Server) handleAdminAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.svc.FindAgents(r.URL.Query().Get("q"))
	out := make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentResponse{
			ID:                 a.ID,
			Name:               a.DisplayName(),
			Email:              a.Email,
			AvailabilityStatus: a.AvailabilityStatus,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) send(w http.ResponseWriter, r *http.Request, req bridge.SendRequest) {
	res, err := s.svc.Send(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{
		ID:           res.Message.ID,
		Content:      res.Message.Content,
		MessageType:  res.Message.MessageType,
		Side:         res.Message.Side,
		SenderName:   res.Message.SenderName,
		Conversation: res.ConversationID,
	})
}

// decode reads a JSON body into dst. An empty body leaves dst zero.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, &bridge.Error{Kind: bridge.KindInvalidRequest, Err: fmt.Errorf("invalid JSON body: %w", err)})
		return false
	}
	return true
}

func queryID(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, &bridge.Error{Kind: bridge.KindInvalidRequest, Err: fmt.Errorf("%s is required", name)}
	}
	return parseID(name, raw)
}

func pathID(r *http.Request) (int, error) {
	return parseID("conversation id", r.PathValue("id"))
}

func parseID(name, raw string) (int, error) {
	n, err := validation.ParsePositiveInt(raw, name)
	if err != nil {
		return 0, &bridge.Error{Kind: bridge.KindInvalidRequest, Err: err}
	}
	return n, nil
}

func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}

// statusFor maps a classified error to the HTTP status returned to the caller.
func statusFor(kind bridge.Kind, remote int) int {
	switch {
	case kind == bridge.KindInvalidRequest:
		return http.StatusBadRequest
	case remote >= 400 && remote <= 599:
		return remote
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Error: string(bridge.KindOf(err)), Message: err.Error()}
	var be *bridge.Error
	if errors.As(err, &be) {
		body.Status = be.StatusCode
		body.Response = be.Body
	} else if status, snippet := api.StatusAndSnippet(err); status != 0 {
		body.Status = status
		body.Response = snippet
	}
	code := statusFor(bridge.Kind(body.Error), body.Status)

	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "kind", body.Error, "status", body.Status, "error", err)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "kind", body.Error, "error", err)
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
