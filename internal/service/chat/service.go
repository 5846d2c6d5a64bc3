package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/careline-health/careline/internal/config"
	"github.com/careline-health/careline/internal/model/chat"
	"github.com/careline-health/careline/internal/service/ai"
	"github.com/careline-health/careline/internal/store"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidInput    = errors.New("invalid input")
)

// defaultUserName labels users the calling system never named.
const defaultUserName = "کاربر"

// Service orchestrates conversational turns: it owns session lifecycle,
// bounds the history sent to generation, and persists both sides of every
// turn. It never retries a generation call.
type Service struct {
	store     store.Store
	generator ai.Generator
	cfg       config.EngineConfig
}

// NewService wires the engine from its collaborators.
func NewService(st store.Store, generator ai.Generator, cfg config.EngineConfig) *Service {
	return &Service{store: st, generator: generator, cfg: cfg}
}

// StartSessionResult reports a freshly created session and, when requested,
// its opening educational document.
type StartSessionResult struct {
	Session chat.Session
	Opening *chat.Message
}

// StartSession resolves the user and condition (creating either on first
// reference), creates a session, and optionally generates the opening
// educational document as the session's first assistant message.
func (s *Service) StartSession(ctx context.Context, userID, conditionName string, patientData json.RawMessage, generateOpening bool) (StartSessionResult, error) {
	if userID == "" || conditionName == "" {
		return StartSessionResult{}, fmt.Errorf("%w: user id and condition name are required", ErrInvalidInput)
	}

	user, err := s.store.GetOrCreateUser(ctx, userID, defaultUserName)
	if err != nil {
		return StartSessionResult{}, err
	}

	cond, err := s.resolveCondition(ctx, user.ID, conditionName, patientData)
	if err != nil {
		return StartSessionResult{}, err
	}

	session, err := s.store.CreateSession(ctx, user.ID, cond.ID, "گفتگو درباره "+cond.Name)
	if err != nil {
		return StartSessionResult{}, err
	}
	log.Printf("[engine] session %s started for user=%s condition=%q", session.ID, user.ID, cond.Name)

	result := StartSessionResult{Session: session}
	if !generateOpening {
		return result, nil
	}

	opening, err := s.generateEducational(ctx, session.ID, cond.Name, cond.Data)
	if err != nil {
		return StartSessionResult{}, err
	}
	result.Opening = &opening
	return result, nil
}

// resolveCondition reuses the user's existing condition of the same name
// unless the caller supplied different data. Conditions are immutable, so
// changed data means a new condition rather than an edit.
func (s *Service) resolveCondition(ctx context.Context, userID, name string, data json.RawMessage) (chat.Condition, error) {
	existing, found, err := s.store.FindCondition(ctx, userID, name)
	if err != nil {
		return chat.Condition{}, err
	}
	if found && (len(data) == 0 || sameDocument(existing.Data, data)) {
		return existing, nil
	}
	return s.store.CreateCondition(ctx, userID, name, data)
}

// SendMessage runs one chat turn: persist the user's question, assemble the
// bounded context, generate a reply, persist and return it. On generation
// failure the user message stays so the caller can retry without re-input.
func (s *Service) SendMessage(ctx context.Context, sessionID, text string) (chat.Message, error) {
	if text == "" {
		return chat.Message{}, fmt.Errorf("%w: message text is required", ErrInvalidInput)
	}

	session, cond, err := s.sessionContext(ctx, sessionID)
	if err != nil {
		return chat.Message{}, err
	}

	history, err := s.store.ListMessages(ctx, session.ID, 0)
	if err != nil {
		return chat.Message{}, err
	}

	if _, err := s.store.AppendMessage(ctx, session.ID, chat.RoleUser, text); err != nil {
		return chat.Message{}, err
	}

	prompt, err := s.assembleTurn(ctx, cond, history, text)
	if err != nil {
		return chat.Message{}, err
	}

	answer, err := s.complete(ctx, prompt, s.cfg.ChatTimeout)
	if err != nil {
		return chat.Message{}, err
	}

	return s.store.AppendMessage(ctx, session.ID, chat.RoleAssistant, answer)
}

// StreamMessage starts a streaming chat turn. The user's question is
// persisted before the stream opens; the caller consumes the reader and then
// records the concatenated reply via FinishStreamedMessage. Stopping
// consumption (closing the reader) is cancellation.
func (s *Service) StreamMessage(ctx context.Context, sessionID, text string) (*schema.StreamReader[*schema.Message], error) {
	if text == "" {
		return nil, fmt.Errorf("%w: message text is required", ErrInvalidInput)
	}

	session, cond, err := s.sessionContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	history, err := s.store.ListMessages(ctx, session.ID, 0)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.AppendMessage(ctx, session.ID, chat.RoleUser, text); err != nil {
		return nil, err
	}

	prompt, err := s.assembleTurn(ctx, cond, history, text)
	if err != nil {
		return nil, err
	}

	return s.generator.Stream(ctx, prompt)
}

// FinishStreamedMessage persists the assistant reply a stream consumer
// assembled from chunks.
func (s *Service) FinishStreamedMessage(ctx context.Context, sessionID, content string) (chat.Message, error) {
	msg, err := s.store.AppendMessage(ctx, sessionID, chat.RoleAssistant, content)
	if err != nil {
		return chat.Message{}, s.mapSessionErr(err)
	}
	return msg, nil
}

// GenerateContent (re)generates the educational document for an existing
// session. Overrides carry per-call domain data; empty values fall back to
// the session's stored condition.
func (s *Service) GenerateContent(ctx context.Context, sessionID, nameOverride string, dataOverride json.RawMessage) (chat.Message, error) {
	session, cond, err := s.sessionContext(ctx, sessionID)
	if err != nil {
		return chat.Message{}, err
	}

	name := cond.Name
	if nameOverride != "" {
		name = nameOverride
	}
	data := cond.Data
	if len(dataOverride) > 0 {
		data = dataOverride
	}

	return s.generateEducational(ctx, session.ID, name, data)
}

// ListMessages returns the session transcript oldest-first. System-role
// bookkeeping never reaches the transcript by construction; the filter here
// keeps that guarantee even against foreign rows.
func (s *Service) ListMessages(ctx context.Context, sessionID string) ([]chat.Message, error) {
	messages, err := s.store.ListMessages(ctx, sessionID, 0)
	if err != nil {
		return nil, s.mapSessionErr(err)
	}

	transcript := make([]chat.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == chat.RoleSystem {
			continue
		}
		transcript = append(transcript, msg)
	}
	return transcript, nil
}

// ListSessions returns a user's sessions newest-first, optionally filtered
// by condition.
func (s *Service) ListSessions(ctx context.Context, userID, conditionID string) ([]chat.Session, error) {
	return s.store.ListSessions(ctx, userID, conditionID)
}

// ListConditions returns a user's conditions.
func (s *Service) ListConditions(ctx context.Context, userID string) ([]chat.Condition, error) {
	return s.store.ListConditions(ctx, userID)
}

// DeleteSession removes a session and its messages.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	return s.mapSessionErr(s.store.DeleteSession(ctx, sessionID))
}

func (s *Service) sessionContext(ctx context.Context, sessionID string) (chat.Session, chat.Condition, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return chat.Session{}, chat.Condition{}, s.mapSessionErr(err)
	}

	cond, err := s.store.GetCondition(ctx, session.ConditionID)
	if err != nil {
		return chat.Session{}, chat.Condition{}, err
	}
	return session, cond, nil
}

// assembleTurn builds the generation prompt for a chat turn from the bounded
// history and the condition's domain data.
func (s *Service) assembleTurn(ctx context.Context, cond chat.Condition, history []chat.Message, question string) (ai.Prompt, error) {
	window, err := BuildWindow(ctx, history, s.cfg.HistoryWindow, s.summarize)
	if err != nil {
		return ai.Prompt{}, err
	}

	return ai.Prompt{
		System:  ai.ConversationSystemPrompt(cond.Name, cond.Data),
		History: historyMessages(window),
		Query:   question,
	}, nil
}

func (s *Service) generateEducational(ctx context.Context, sessionID, conditionName string, data json.RawMessage) (chat.Message, error) {
	content, err := s.complete(ctx, ai.Prompt{
		Query: ai.EducationalPrompt(conditionName, data),
		Long:  true,
	}, s.cfg.EducationalTimeout)
	if err != nil {
		return chat.Message{}, err
	}

	return s.store.AppendMessage(ctx, sessionID, chat.RoleAssistant, content)
}

// summarize folds an overflowing history prefix into one summary using the
// chat budget and timeout; it counts toward the current turn's latency.
func (s *Service) summarize(ctx context.Context, overflow []chat.Message) (string, error) {
	return s.complete(ctx, ai.Prompt{Query: ai.SummarizationPrompt(overflow)}, s.cfg.ChatTimeout)
}

func (s *Service) complete(ctx context.Context, p ai.Prompt, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.generator.Complete(ctx, p)
}

func (s *Service) mapSessionErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	return err
}

// historyMessages converts transcript entries to model messages. System rows
// never occur in transcripts; the switch simply drops anything unexpected.
func historyMessages(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	history := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}

// sameDocument compares two JSON documents ignoring formatting.
func sameDocument(a, b json.RawMessage) bool {
	var compactA, compactB bytes.Buffer
	if err := json.Compact(&compactA, a); err != nil {
		return bytes.Equal(a, b)
	}
	if err := json.Compact(&compactB, b); err != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(compactA.Bytes(), compactB.Bytes())
}
