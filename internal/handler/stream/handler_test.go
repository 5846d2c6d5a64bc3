package stream_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/careline-health/careline/internal/config"
	streamhandler "github.com/careline-health/careline/internal/handler/stream"
	"github.com/careline-health/careline/internal/model/chat"
	"github.com/careline-health/careline/internal/service/ai"
	chatservice "github.com/careline-health/careline/internal/service/chat"
	"github.com/careline-health/careline/internal/store"
)

// fakeGenerator serves one reply, either whole or chopped into stream chunks.
type fakeGenerator struct {
	reply  string
	chunks []string
}

func (f *fakeGenerator) Complete(context.Context, ai.Prompt) (string, error) {
	return f.reply, nil
}

func (f *fakeGenerator) Stream(context.Context, ai.Prompt) (*schema.StreamReader[*schema.Message], error) {
	if len(f.chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunks configured", ai.ErrGeneration)
	}

	reader, writer := schema.Pipe[*schema.Message](len(f.chunks))
	for _, chunk := range f.chunks {
		writer.Send(&schema.Message{Role: schema.Assistant, Content: chunk}, nil)
	}
	writer.Close()
	return reader, nil
}

func newTestEngine(t *testing.T, gen ai.Generator) *chatservice.Service {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "stream_test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return chatservice.NewService(st, gen, config.EngineConfig{
		HistoryWindow:      20,
		ChatTimeout:        5 * time.Second,
		EducationalTimeout: 5 * time.Second,
		IPCTimeout:         10 * time.Second,
	})
}

func seedSession(t *testing.T, engine *chatservice.Service) string {
	t.Helper()

	result, err := engine.StartSession(context.Background(), "u1", "آسم", nil, false)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	return result.Session.ID
}

func TestStreamingTurnEmitsDeltas(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"پاسخ ", "کامل"}}
	engine := newTestEngine(t, gen)
	sessionID := seedSession(t, engine)

	h := streamhandler.New(engine, true)
	rec := httptest.NewRecorder()
	if err := h.HandleStreamRequest(context.Background(), rec, sessionID, "سوال"); err != nil {
		t.Fatalf("HandleStreamRequest: %v", err)
	}

	body := rec.Body.String()
	if strings.Count(body, `"event":"delta"`) != 2 {
		t.Fatalf("expected 2 delta events:\n%s", body)
	}
	for _, event := range []string{`"event":"start"`, `"event":"message"`, `"event":"end"`} {
		if !strings.Contains(body, event) {
			t.Fatalf("missing %s event:\n%s", event, body)
		}
	}

	messages, err := engine.ListMessages(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected user + assistant messages, got %d", len(messages))
	}
	if messages[1].Role != chat.RoleAssistant || messages[1].Content != "پاسخ کامل" {
		t.Fatalf("persisted reply = (%s, %q), want concatenated chunks", messages[1].Role, messages[1].Content)
	}
}

func TestSynchronousTurnWhenStreamingDisabled(t *testing.T) {
	gen := &fakeGenerator{reply: "پاسخ یکجا"}
	engine := newTestEngine(t, gen)
	sessionID := seedSession(t, engine)

	h := streamhandler.New(engine, false)
	rec := httptest.NewRecorder()
	if err := h.HandleStreamRequest(context.Background(), rec, sessionID, "سوال"); err != nil {
		t.Fatalf("HandleStreamRequest: %v", err)
	}

	body := rec.Body.String()
	if strings.Contains(body, `"event":"delta"`) {
		t.Fatalf("synchronous turn must not emit deltas:\n%s", body)
	}
	if !strings.Contains(body, `"event":"message"`) || !strings.Contains(body, "پاسخ یکجا") {
		t.Fatalf("missing full message event:\n%s", body)
	}
	if !strings.Contains(body, `"event":"end"`) {
		t.Fatalf("missing end event:\n%s", body)
	}

	messages, err := engine.ListMessages(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 2 || messages[1].Content != "پاسخ یکجا" {
		t.Fatalf("unexpected transcript: %+v", messages)
	}
}

func TestStreamStartFailureEmitsError(t *testing.T) {
	gen := &fakeGenerator{}
	engine := newTestEngine(t, gen)
	sessionID := seedSession(t, engine)

	h := streamhandler.New(engine, true)
	rec := httptest.NewRecorder()
	if err := h.HandleStreamRequest(context.Background(), rec, sessionID, "سوال"); err == nil {
		t.Fatal("expected error from failed stream start")
	}

	if !strings.Contains(rec.Body.String(), `"event":"error"`) {
		t.Fatalf("missing error event:\n%s", rec.Body.String())
	}
}
