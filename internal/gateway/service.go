package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"crabstack.local/projects/crab-care/internal/chat"
	"crabstack.local/projects/crab-care/internal/dispatch"
	"crabstack.local/projects/crab-care/internal/ids"
	"crabstack.local/projects/crab-care/internal/llm"
	"crabstack.local/projects/crab-care/internal/model"
	"crabstack.local/projects/crab-care/internal/session"
	"crabstack.local/projects/crab-care/internal/subscribers"
	"crabstack.local/projects/crab-care/internal/tools"
)

const (
	defaultMaxIterations   = 10
	defaultMaxMessageChars = 4000
)

var (
	ErrTurnBudgetExceeded = errors.New("turn budget exceeded")
	ErrMessageTooLong     = errors.New("message too long")
	ErrEmptyMessage       = errors.New("message is empty")
)

// Converser produces the next assistant message for a history.
type Converser interface {
	Converse(ctx context.Context, history []chat.Message, tools []model.ToolDefinition, status string) (llm.Reply, error)
}

type Config struct {
	MaxIterations   int
	MaxMessageChars int
}

type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeFailed         Outcome = "failed"
	OutcomeBudgetExceeded Outcome = "budget_exceeded"
)

type TurnResult struct {
	SessionID  string
	TurnID     string
	Reply      string
	Outcome    Outcome
	Iterations int
	ToolCalls  int
	Usage      model.Usage
}

// Service is the conversation orchestrator.
type Service struct {
	logger     *log.Logger
	store      session.Store
	registry   *tools.Registry
	converser  Converser
	dispatcher *dispatch.Dispatcher
	cfg        Config
	now        func() time.Time
}

func NewService(logger *log.Logger, store session.Store, registry *tools.Registry, converser Converser, dispatcher *dispatch.Dispatcher, cfg Config) *Service {
	if store == nil || registry == nil || converser == nil {
		panic("gateway: service requires a session store, tool registry and converser")
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = defaultMaxMessageChars
	}
	return &Service{
		logger:     logger,
		store:      store,
		registry:   registry,
		converser:  converser,
		dispatcher: dispatcher,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ValidateMessage rejects empty and oversized user messages.
func (s *Service) ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if n := utf8.RuneCountInString(text); n > s.cfg.MaxMessageChars {
		return fmt.Errorf("%w: %d characters, limit is %d", ErrMessageTooLong, n, s.cfg.MaxMessageChars)
	}
	return nil
}

// HandleTurn runs one user turn. An empty sessionID starts a new session and
// an unknown one is created under that id. Gateway failures and exhausted
// budgets are answered with an apology rather than an error; errors are
// returned only for invalid input, busy sessions and storage failures.
func (s *Service) HandleTurn(ctx context.Context, sessionID, text string) (TurnResult, error) {
	if err := s.ValidateMessage(text); err != nil {
		return TurnResult{}, err
	}

	turn, err := s.store.StartTurn(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return TurnResult{}, err
	}
	defer turn.Release()

	rec := turn.Session
	start := rec.Clone()
	result := TurnResult{SessionID: rec.ID, TurnID: ids.NewPrefixed("turn")}
	s.logger.Printf("turn start session_id=%s turn_id=%s new_session=%t history=%d", rec.ID, result.TurnID, turn.Created, len(rec.Messages))
	s.dispatch(ctx, subscribers.EventTypeTurnStarted, result, map[string]any{
		"new_session": turn.Created,
		"verified":    rec.Verified(),
	})

	rec.Messages = append(rec.Messages, chat.User(text))
	defs := s.registry.Definitions()

	for {
		if result.Iterations >= s.cfg.MaxIterations {
			return s.finishBudgetExceeded(ctx, turn, rec, result)
		}
		result.Iterations++

		reply, err := s.converser.Converse(ctx, rec.Messages, defs, statusBlock(rec, s.now()))
		if err != nil {
			return s.finishFailed(ctx, turn, start, text, result, err)
		}
		result.Usage.Add(reply.Usage)

		message := reply.Message
		calls := message.ToolCalls()
		if len(calls) == 0 {
			if strings.TrimSpace(message.Content()) == "" {
				message = chat.AssistantText(emptyReply)
			}
			rec.Messages = append(rec.Messages, message)
			result.Reply = message.Content()
			return s.finishCompleted(ctx, turn, rec, result)
		}

		rec.Messages = append(rec.Messages, message)
		for _, call := range calls {
			rec = s.runToolCall(ctx, rec, result.TurnID, call)
			result.ToolCalls++
		}
	}
}

func (s *Service) runToolCall(ctx context.Context, rec session.Record, turnID string, call chat.ToolCall) session.Record {
	s.logger.Printf("tool call start session_id=%s turn_id=%s tool_name=%s call_id=%s", rec.ID, turnID, call.Name, call.ID)
	outcome := s.registry.Execute(ctx, tools.Invocation{
		SessionID: rec.ID,
		PatientID: rec.PatientID,
		Now:       s.now(),
	}, call)
	rec = applyOutcome(rec, outcome)
	rec.Messages = append(rec.Messages, chat.ToolResultMessage(chat.ToolResult{
		CallID:  call.ID,
		Content: outcome.Content(),
		IsError: outcome.IsError(),
	}))
	s.logger.Printf("tool call result session_id=%s turn_id=%s tool_name=%s call_id=%s status=%s code=%s", rec.ID, turnID, call.Name, call.ID, outcome.Envelope.Status, outcome.Code())
	return rec
}

// applyOutcome folds tool side effects into the session. A bound patient is
// never replaced.
func applyOutcome(rec session.Record, outcome tools.Outcome) session.Record {
	if outcome.BindPatientID != "" && rec.PatientID == "" {
		rec.PatientID = outcome.BindPatientID
	}
	if outcome.FailedVerification {
		rec.FailedVerifications++
	}
	return rec
}

func (s *Service) finishCompleted(ctx context.Context, turn *session.Turn, rec session.Record, result TurnResult) (TurnResult, error) {
	if err := s.commit(ctx, turn, rec); err != nil {
		s.reportFailure(ctx, result, err)
		return TurnResult{}, err
	}
	result.Outcome = OutcomeCompleted
	s.logger.Printf("turn complete session_id=%s turn_id=%s iterations=%d tool_calls=%d input_tokens=%d output_tokens=%d cache_read_tokens=%d",
		result.SessionID, result.TurnID, result.Iterations, result.ToolCalls, result.Usage.InputTokens, result.Usage.OutputTokens, result.Usage.CacheReadInputTokens)
	s.dispatch(ctx, subscribers.EventTypeTurnCompleted, result, s.turnPayload(rec, result))
	return result, nil
}

func (s *Service) finishBudgetExceeded(ctx context.Context, turn *session.Turn, rec session.Record, result TurnResult) (TurnResult, error) {
	apology := chat.AssistantText(budgetReply)
	rec.Messages = append(rec.Messages, apology)
	if err := s.commit(ctx, turn, rec); err != nil {
		s.reportFailure(ctx, result, err)
		return TurnResult{}, err
	}
	result.Reply = apology.Content()
	result.Outcome = OutcomeBudgetExceeded
	s.logger.Printf("turn budget exceeded session_id=%s turn_id=%s iterations=%d tool_calls=%d err=%v",
		result.SessionID, result.TurnID, result.Iterations, result.ToolCalls, ErrTurnBudgetExceeded)
	s.dispatch(ctx, subscribers.EventTypeTurnBudgetExceeded, result, s.turnPayload(rec, result))
	return result, nil
}

// finishFailed rolls the session back to its state at the start of the turn
// plus the inbound user message, then answers with an apology.
func (s *Service) finishFailed(ctx context.Context, turn *session.Turn, start session.Record, text string, result TurnResult, cause error) (TurnResult, error) {
	rollback := start.Clone()
	rollback.Messages = append(rollback.Messages, chat.User(text))
	if err := s.commit(ctx, turn, rollback); err != nil {
		s.reportFailure(ctx, result, fmt.Errorf("%v; rollback: %w", cause, err))
		return TurnResult{}, err
	}
	s.reportFailure(ctx, result, cause)
	result.Reply = failureReply
	result.Outcome = OutcomeFailed
	result.ToolCalls = 0
	return result, nil
}

func (s *Service) reportFailure(ctx context.Context, result TurnResult, err error) {
	kind := "internal"
	var gwErr *llm.GatewayError
	switch {
	case errors.As(err, &gwErr):
		kind = string(gwErr.Kind)
	case errors.Is(err, chat.ErrProtocol):
		kind = "protocol"
	}
	s.logger.Printf("turn failed session_id=%s turn_id=%s iterations=%d kind=%s err=%v", result.SessionID, result.TurnID, result.Iterations, kind, err)
	s.dispatch(ctx, subscribers.EventTypeTurnFailed, result, map[string]any{
		"iterations": result.Iterations,
		"kind":       kind,
		"error":      err.Error(),
	})
}

// commit persists rec even when the caller has gone away, so a turn is never
// half applied.
func (s *Service) commit(ctx context.Context, turn *session.Turn, rec session.Record) error {
	if err := chat.CheckHistory(rec.Messages); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	if err := s.store.CompleteTurn(context.WithoutCancel(ctx), turn, rec); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	return nil
}

func (s *Service) turnPayload(rec session.Record, result TurnResult) map[string]any {
	return map[string]any{
		"iterations":         result.Iterations,
		"tool_calls":         result.ToolCalls,
		"verified":           rec.Verified(),
		"messages":           len(rec.Messages),
		"input_tokens":       result.Usage.InputTokens,
		"output_tokens":      result.Usage.OutputTokens,
		"cache_read_tokens":  result.Usage.CacheReadInputTokens,
		"cache_write_tokens": result.Usage.CacheCreationInputTokens,
	}
}

func (s *Service) dispatch(ctx context.Context, eventType subscribers.EventType, result TurnResult, payload map[string]any) {
	s.dispatcher.Dispatch(ctx, subscribers.Event{
		EventID:    ids.New(),
		EventType:  eventType,
		OccurredAt: s.now(),
		SessionID:  result.SessionID,
		TurnID:     result.TurnID,
		Payload:    payload,
	})
}

// RunTool executes one tool directly against an existing session, outside of
// any model turn. Verification binds the session exactly as it would during a
// turn; the conversation history is left untouched.
func (s *Service) RunTool(ctx context.Context, sessionID, name string, args json.RawMessage) (tools.Outcome, error) {
	sessionID = strings.TrimSpace(sessionID)
	if err := session.ValidateID(sessionID); err != nil {
		return tools.Outcome{}, err
	}
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return tools.Outcome{}, err
	}
	turn, err := s.store.StartTurn(ctx, sessionID)
	if err != nil {
		return tools.Outcome{}, err
	}
	if turn.Created {
		// Reaped between the lookup and the lock.
		turn.Release()
		_ = s.store.DeleteSession(context.WithoutCancel(ctx), sessionID)
		return tools.Outcome{}, session.ErrNotFound
	}
	defer turn.Release()

	rec := turn.Session
	callID := ids.NewPrefixed("call")
	s.logger.Printf("direct tool call session_id=%s tool_name=%s call_id=%s", rec.ID, name, callID)
	outcome := s.registry.Execute(ctx, tools.Invocation{
		SessionID: rec.ID,
		PatientID: rec.PatientID,
		Now:       s.now(),
	}, chat.ToolCall{ID: callID, Name: name, Input: args})

	rec = applyOutcome(rec, outcome)
	if err := s.commit(ctx, turn, rec); err != nil {
		return tools.Outcome{}, err
	}
	return outcome, nil
}
