package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"crabstack.local/projects/crab-care/internal/gateway"
	"crabstack.local/projects/crab-care/internal/session"
)

const (
	maxRequestBytes   int64 = 1 << 20
	maxChatFrameBytes int64 = 64 << 10
)

// Conversations runs user turns.
type Conversations interface {
	HandleTurn(ctx context.Context, sessionID, text string) (gateway.TurnResult, error)
}

type server struct {
	logger        *log.Logger
	conversations Conversations
	sessions      session.Store
}

// NewServer wires the HTTP surface. mcpHandler is mounted at /v1/mcp when
// non-nil.
func NewServer(logger *log.Logger, addr string, conversations Conversations, sessions session.Store, mcpHandler http.Handler) *http.Server {
	if logger == nil {
		logger = log.Default()
	}
	h := &server{
		logger:        logger,
		conversations: conversations,
		sessions:      sessions,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/v1/conversation", h.handleConversation)
	mux.HandleFunc("/v1/sessions", h.handleSessions)
	mux.HandleFunc("/v1/sessions/{id}", h.handleSession)
	mux.HandleFunc("/v1/chat/ws", h.handleChatWS)
	if mcpHandler != nil {
		mux.Handle("/v1/mcp", mcpHandler)
	}

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	count, err := s.sessions.Count(r.Context())
	if err != nil {
		s.logger.Printf("health check failed err=%v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": count})
}

func (s *server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	defer r.Body.Close()
	var req conversationRequest
	if err := decodeStrict(io.LimitReader(r.Body, maxRequestBytes), &req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}

	result, err := s.conversations.HandleTurn(r.Context(), req.SessionID, req.Message)
	if err != nil {
		status, message := s.turnError(req.SessionID, err)
		http.Error(w, message, status)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{
		Response:  result.Reply,
		SessionID: result.SessionID,
	})
}

// turnError maps HandleTurn errors to a status and a message safe to show.
func (s *server) turnError(sessionID string, err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrEmptyMessage),
		errors.Is(err, gateway.ErrMessageTooLong),
		errors.Is(err, session.ErrInvalidID):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict, "session is busy with another request"
	default:
		s.logger.Printf("conversation failed session_id=%s err=%v", sessionID, err)
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, err := s.sessions.CreateSession(r.Context())
	if err != nil {
		s.logger.Printf("create session failed err=%v", err)
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionSummary(rec))
}

func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := session.ValidateID(id); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, err := s.sessions.GetSession(r.Context(), id)
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		if err != nil {
			s.logger.Printf("get session failed session_id=%s err=%v", id, err)
			http.Error(w, "failed to load session", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, toSessionSummary(rec))
	case http.MethodDelete:
		err := s.sessions.DeleteSession(r.Context(), id)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, session.ErrNotFound):
			http.Error(w, "session not found", http.StatusNotFound)
		case errors.Is(err, session.ErrBusy):
			http.Error(w, "session is busy with another request", http.StatusConflict)
		default:
			s.logger.Printf("delete session failed session_id=%s err=%v", id, err)
			http.Error(w, "failed to delete session", http.StatusInternalServerError)
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleChatWS runs one turn per inbound frame until the client hangs up.
func (s *server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: isWebSocketOriginAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("chat ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxChatFrameBytes)

	for {
		var frame chatFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				var syntaxErr *json.SyntaxError
				var typeErr *json.UnmarshalTypeError
				if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
					_ = conn.WriteJSON(chatReply{Error: fmt.Sprintf("invalid request: %v", err)})
					continue
				}
				s.logger.Printf("chat ws read failed: %v", err)
			}
			return
		}

		result, err := s.conversations.HandleTurn(r.Context(), frame.SessionID, frame.Message)
		if err != nil {
			_, message := s.turnError(frame.SessionID, err)
			if writeErr := conn.WriteJSON(chatReply{SessionID: frame.SessionID, Error: message}); writeErr != nil {
				return
			}
			continue
		}
		if err := conn.WriteJSON(chatReply{SessionID: result.SessionID, Response: result.Reply}); err != nil {
			s.logger.Printf("chat ws write failed session_id=%s err=%v", result.SessionID, err)
			return
		}
	}
}

func decodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing content")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsedOrigin.Host) == "" {
		return false
	}
	return strings.EqualFold(parsedOrigin.Host, r.Host)
}

type conversationRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

type conversationResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

type sessionSummary struct {
	SessionID           string    `json:"session_id"`
	Verified            bool      `json:"verified"`
	MessageCount        int       `json:"message_count"`
	FailedVerifications int       `json:"failed_verifications"`
	CreatedAt           time.Time `json:"created_at"`
	LastActiveAt        time.Time `json:"last_active_at"`
}

func toSessionSummary(rec session.Record) sessionSummary {
	return sessionSummary{
		SessionID:           rec.ID,
		Verified:            rec.Verified(),
		MessageCount:        len(rec.Messages),
		FailedVerifications: rec.FailedVerifications,
		CreatedAt:           rec.CreatedAt,
		LastActiveAt:        rec.LastActiveAt,
	}
}

// chatFrame and chatReply are the websocket wire format.
type chatFrame struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

type chatReply struct {
	SessionID string `json:"session_id,omitempty"`
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}
