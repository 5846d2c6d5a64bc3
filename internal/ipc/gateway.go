// Package ipc exposes the session engine to out-of-process callers: one
// JSON request read from stdin, one JSON response written to stdout, per
// process invocation.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/careline-health/careline/internal/service/ai"
	chatservice "github.com/careline-health/careline/internal/service/chat"
	"github.com/careline-health/careline/internal/store"
)

var errProtocol = errors.New("protocol error")

// Gateway parses one request envelope, dispatches it to the engine, and maps
// any failure to the uniform error shape. It enforces its own wall-clock
// timeout so a stuck backend still produces a structured error before the
// host kills the process.
type Gateway struct {
	engine  *chatservice.Service
	timeout time.Duration
}

// New creates a gateway around the engine. The timeout must exceed the
// longest generation timeout by a safety margin.
func New(engine *chatservice.Service, timeout time.Duration) *Gateway {
	return &Gateway{engine: engine, timeout: timeout}
}

// envelope carries the command discriminator; command payloads are decoded
// from the same bytes a second time.
type envelope struct {
	Command string `json:"command"`
}

type startSessionRequest struct {
	UserID                 flexID          `json:"user_id"`
	ConditionName          string          `json:"condition_name"`
	PatientData            json.RawMessage `json:"patient_data"`
	GenerateInitialContent bool            `json:"generate_initial_content"`
}

type chatRequest struct {
	SessionID flexID `json:"session_id"`
	Question  string `json:"question"`
}

type generateEducationalRequest struct {
	SessionID     flexID          `json:"session_id"`
	ConditionName string          `json:"condition_name"`
	ConditionData json.RawMessage `json:"condition_data"`
}

type getMessagesRequest struct {
	SessionID flexID `json:"session_id"`
}

type transcriptMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Run executes exactly one request/response exchange and returns the process
// exit code: 0 when the response carries success:true, 1 otherwise.
func (g *Gateway) Run(ctx context.Context, in io.Reader, out io.Writer) int {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type outcome struct {
		payload any
		ok      bool
	}
	done := make(chan outcome, 1)

	go func() {
		payload, ok := g.dispatch(ctx, in)
		done <- outcome{payload: payload, ok: ok}
	}()

	select {
	case result := <-done:
		writeResponse(out, result.payload)
		if result.ok {
			return 0
		}
		return 1
	case <-ctx.Done():
		log.Printf("[ipc] invocation exceeded %v, emitting timeout error", g.timeout)
		writeResponse(out, errorResponse("engine timed out, please retry"))
		return 1
	}
}

func (g *Gateway) dispatch(ctx context.Context, in io.Reader) (any, bool) {
	raw, err := io.ReadAll(in)
	if err != nil {
		return errorResponse("failed to read request"), false
	}
	if len(raw) == 0 {
		return errorResponse("no input provided"), false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return errorResponse("invalid JSON request"), false
	}
	if env.Command == "" {
		return errorResponse("command field is required"), false
	}

	payload, err := g.handle(ctx, env.Command, raw)
	if err != nil {
		log.Printf("[ipc] command %s failed: %v", env.Command, err)
		return errorResponse(publicError(err)), false
	}
	return payload, true
}

func (g *Gateway) handle(ctx context.Context, command string, raw []byte) (any, error) {
	switch command {
	case "health":
		return map[string]any{"success": true}, nil
	case "start_session":
		return g.handleStartSession(ctx, raw)
	case "chat", "send_message":
		return g.handleChat(ctx, raw)
	case "generate_educational":
		return g.handleGenerateEducational(ctx, raw)
	case "get_messages":
		return g.handleGetMessages(ctx, raw)
	default:
		return nil, fmt.Errorf("%w: unknown command %q", errProtocol, command)
	}
}

func (g *Gateway) handleStartSession(ctx context.Context, raw []byte) (any, error) {
	var req startSessionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: invalid start_session request", errProtocol)
	}
	if req.UserID == "" || req.ConditionName == "" {
		return nil, fmt.Errorf("%w: user_id and condition_name are required", errProtocol)
	}

	result, err := g.engine.StartSession(ctx, string(req.UserID), req.ConditionName, req.PatientData, req.GenerateInitialContent)
	if err != nil {
		return nil, err
	}

	resp := map[string]any{
		"success":         true,
		"session_id":      result.Session.ID,
		"initial_message": nil,
	}
	if result.Opening != nil {
		resp["initial_message"] = result.Opening.Content
	}
	return resp, nil
}

func (g *Gateway) handleChat(ctx context.Context, raw []byte) (any, error) {
	var req chatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: invalid chat request", errProtocol)
	}
	if req.SessionID == "" || req.Question == "" {
		return nil, fmt.Errorf("%w: session_id and question are required", errProtocol)
	}

	reply, err := g.engine.SendMessage(ctx, string(req.SessionID), req.Question)
	if err != nil {
		return nil, err
	}

	return map[string]any{"success": true, "answer": reply.Content}, nil
}

func (g *Gateway) handleGenerateEducational(ctx context.Context, raw []byte) (any, error) {
	var req generateEducationalRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: invalid generate_educational request", errProtocol)
	}
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", errProtocol)
	}

	msg, err := g.engine.GenerateContent(ctx, string(req.SessionID), req.ConditionName, req.ConditionData)
	if err != nil {
		return nil, err
	}

	return map[string]any{"success": true, "message": msg.Content}, nil
}

func (g *Gateway) handleGetMessages(ctx context.Context, raw []byte) (any, error) {
	var req getMessagesRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: invalid get_messages request", errProtocol)
	}
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", errProtocol)
	}

	messages, err := g.engine.ListMessages(ctx, string(req.SessionID))
	if err != nil {
		return nil, err
	}

	transcript := make([]transcriptMessage, 0, len(messages))
	for _, msg := range messages {
		transcript = append(transcript, transcriptMessage{
			Role:      string(msg.Role),
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		})
	}
	return map[string]any{"success": true, "messages": transcript}, nil
}

// publicError maps an engine failure onto a caller-facing message. Transient
// failures say so explicitly so the caller knows a retry is reasonable;
// nothing internal leaks.
func publicError(err error) string {
	switch {
	case errors.Is(err, errProtocol), errors.Is(err, chatservice.ErrInvalidInput):
		return err.Error()
	case errors.Is(err, chatservice.ErrSessionNotFound):
		return "session not found"
	case errors.Is(err, store.ErrNotFound):
		return "referenced record not found"
	case errors.Is(err, ai.ErrGenerationTimeout):
		return "generation timed out, please retry"
	case errors.Is(err, ai.ErrGeneration):
		return "generation backend failed, please retry"
	case errors.Is(err, store.ErrUnavailable):
		return "storage unavailable, please retry"
	default:
		return "internal error"
	}
}

func writeResponse(out io.Writer, payload any) {
	enc := json.NewEncoder(out)
	// Persian payloads must round-trip untouched.
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		log.Printf("[ipc] failed to encode response: %v", err)
	}
}

func errorResponse(message string) map[string]any {
	return map[string]any{"success": false, "error": message}
}

// flexID accepts both JSON strings and numbers, since callers address users
// and sessions with whatever opaque key their system uses.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}
