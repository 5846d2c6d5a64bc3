package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/careline-health/careline/internal/config"
	"github.com/careline-health/careline/internal/model/chat"
	"github.com/careline-health/careline/internal/service/ai"
	chatservice "github.com/careline-health/careline/internal/service/chat"
	"github.com/careline-health/careline/internal/store"
)

// fakeGenerator replays queued replies and records every prompt it saw.
type fakeGenerator struct {
	replies []string
	err     error
	prompts []ai.Prompt
}

func (f *fakeGenerator) Complete(_ context.Context, p ai.Prompt) (string, error) {
	f.prompts = append(f.prompts, p)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "پاسخ آزمایشی", nil
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, nil
}

func (f *fakeGenerator) Stream(context.Context, ai.Prompt) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("%w: streaming not supported by fake", ai.ErrGeneration)
}

func testConfig() config.EngineConfig {
	return config.EngineConfig{
		HistoryWindow:      20,
		ChatTimeout:        time.Second,
		EducationalTimeout: time.Second,
		IPCTimeout:         5 * time.Second,
	}
}

func newTestService(t *testing.T, generator ai.Generator) *chatservice.Service {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "careline.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore err: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return chatservice.NewService(st, generator, testConfig())
}

func TestStartSessionWithoutOpening(t *testing.T) {
	gen := &fakeGenerator{}
	svc := newTestService(t, gen)
	ctx := context.Background()

	result, err := svc.StartSession(ctx, "42", "دیابت نوع 2", json.RawMessage(`{"age":45}`), false)
	if err != nil {
		t.Fatalf("StartSession err: %v", err)
	}
	if result.Opening != nil {
		t.Fatalf("unexpected opening message: %+v", result.Opening)
	}
	if len(gen.prompts) != 0 {
		t.Fatalf("generator invoked %d times, want 0", len(gen.prompts))
	}

	messages, err := svc.ListMessages(ctx, result.Session.ID)
	if err != nil {
		t.Fatalf("ListMessages err: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected empty transcript, got %d messages", len(messages))
	}
}

func TestStartSessionWithOpening(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"متن آموزشی درباره دیابت"}}
	svc := newTestService(t, gen)
	ctx := context.Background()

	result, err := svc.StartSession(ctx, "42", "دیابت نوع 2", json.RawMessage(`{"age":45}`), true)
	if err != nil {
		t.Fatalf("StartSession err: %v", err)
	}
	if result.Opening == nil || result.Opening.Content == "" {
		t.Fatal("expected non-empty opening message")
	}

	if len(gen.prompts) != 1 {
		t.Fatalf("generator invoked %d times, want 1", len(gen.prompts))
	}
	prompt := gen.prompts[0]
	if !prompt.Long {
		t.Fatal("opening generation should use the long budget")
	}
	if !strings.Contains(prompt.Query, "دیابت نوع 2") || !strings.Contains(prompt.Query, "age") {
		t.Fatalf("educational prompt missing condition or data: %q", prompt.Query)
	}

	messages, err := svc.ListMessages(ctx, result.Session.ID)
	if err != nil {
		t.Fatalf("ListMessages err: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected exactly one message, got %d", len(messages))
	}
	if messages[0].Role != chat.RoleAssistant {
		t.Fatalf("opening message role = %s, want assistant", messages[0].Role)
	}
}

func TestSendMessageUnknownSession(t *testing.T) {
	gen := &fakeGenerator{}
	svc := newTestService(t, gen)

	_, err := svc.SendMessage(context.Background(), "999999", "سوال من چیست؟")
	if !errors.Is(err, chatservice.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if len(gen.prompts) != 0 {
		t.Fatal("generator must not run for a missing session")
	}
}

func TestSendMessageTwoTurns(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"A1", "A2"}}
	svc := newTestService(t, gen)
	ctx := context.Background()

	result, err := svc.StartSession(ctx, "42", "آسم", nil, false)
	if err != nil {
		t.Fatalf("StartSession err: %v", err)
	}

	if _, err := svc.SendMessage(ctx, result.Session.ID, "Q1"); err != nil {
		t.Fatalf("SendMessage Q1 err: %v", err)
	}
	if _, err := svc.SendMessage(ctx, result.Session.ID, "Q2"); err != nil {
		t.Fatalf("SendMessage Q2 err: %v", err)
	}

	messages, err := svc.ListMessages(ctx, result.Session.ID)
	if err != nil {
		t.Fatalf("ListMessages err: %v", err)
	}

	want := []struct {
		role    chat.Role
		content string
	}{
		{chat.RoleUser, "Q1"},
		{chat.RoleAssistant, "A1"},
		{chat.RoleUser, "Q2"},
		{chat.RoleAssistant, "A2"},
	}
	if len(messages) != len(want) {
		t.Fatalf("got %d messages, want %d", len(messages), len(want))
	}
	for i, w := range want {
		if messages[i].Role != w.role || messages[i].Content != w.content {
			t.Fatalf("message %d = (%s, %q), want (%s, %q)",
				i, messages[i].Role, messages[i].Content, w.role, w.content)
		}
	}

	// Second turn's prompt carries the first turn in its history.
	second := gen.prompts[1]
	if len(second.History) != 2 {
		t.Fatalf("second turn history has %d entries, want 2", len(second.History))
	}
	if second.Query != "Q2" {
		t.Fatalf("second turn query = %q, want Q2", second.Query)
	}
}

func TestSendMessageGenerationTimeout(t *testing.T) {
	gen := &fakeGenerator{err: fmt.Errorf("%w: deadline exceeded", ai.ErrGenerationTimeout)}
	svc := newTestService(t, gen)
	ctx := context.Background()

	result, err := svc.StartSession(ctx, "42", "آسم", nil, false)
	if err != nil {
		t.Fatalf("StartSession err: %v", err)
	}

	_, err = svc.SendMessage(ctx, result.Session.ID, "سوال بی‌پاسخ")
	if !errors.Is(err, ai.ErrGenerationTimeout) {
		t.Fatalf("expected ErrGenerationTimeout, got %v", err)
	}

	// The user's question survives the failed turn; no assistant reply does.
	messages, err := svc.ListMessages(ctx, result.Session.ID)
	if err != nil {
		t.Fatalf("ListMessages err: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}
	if messages[0].Role != chat.RoleUser || messages[0].Content != "سوال بی‌پاسخ" {
		t.Fatalf("unexpected surviving message: %+v", messages[0])
	}
}

func TestSendMessageAttachesConditionData(t *testing.T) {
	gen := &fakeGenerator{}
	svc := newTestService(t, gen)
	ctx := context.Background()

	result, err := svc.StartSession(ctx, "42", "دیابت نوع 2", json.RawMessage(`{"age":45,"hba1c":"7.2"}`), false)
	if err != nil {
		t.Fatalf("StartSession err: %v", err)
	}

	if _, err := svc.SendMessage(ctx, result.Session.ID, "رژیم غذایی؟"); err != nil {
		t.Fatalf("SendMessage err: %v", err)
	}

	system := gen.prompts[0].System
	if !strings.Contains(system, "دیابت نوع 2") {
		t.Fatalf("system prompt missing condition name: %q", system)
	}
	if !strings.Contains(system, "hba1c: 7.2") {
		t.Fatalf("system prompt missing patient data: %q", system)
	}
}

func TestGenerateContentOverrides(t *testing.T) {
	gen := &fakeGenerator{}
	svc := newTestService(t, gen)
	ctx := context.Background()

	result, err := svc.StartSession(ctx, "42", "آسم", nil, false)
	if err != nil {
		t.Fatalf("StartSession err: %v", err)
	}

	msg, err := svc.GenerateContent(ctx, result.Session.ID, "میگرن", json.RawMessage(`{"triggers":"نور"}`))
	if err != nil {
		t.Fatalf("GenerateContent err: %v", err)
	}
	if msg.Role != chat.RoleAssistant {
		t.Fatalf("generated message role = %s, want assistant", msg.Role)
	}

	prompt := gen.prompts[0]
	if !strings.Contains(prompt.Query, "میگرن") {
		t.Fatalf("prompt %q missing overridden condition name", prompt.Query)
	}
	if !strings.Contains(prompt.Query, "نور") {
		t.Fatalf("prompt %q missing overridden data", prompt.Query)
	}
}

func TestGenerateContentUnknownSession(t *testing.T) {
	svc := newTestService(t, &fakeGenerator{})

	_, err := svc.GenerateContent(context.Background(), "missing", "", nil)
	if !errors.Is(err, chatservice.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStartSessionReusesCondition(t *testing.T) {
	gen := &fakeGenerator{}
	svc := newTestService(t, gen)
	ctx := context.Background()

	data := json.RawMessage(`{"age":45}`)
	first, err := svc.StartSession(ctx, "42", "دیابت نوع 2", data, false)
	if err != nil {
		t.Fatalf("StartSession err: %v", err)
	}
	second, err := svc.StartSession(ctx, "42", "دیابت نوع 2", data, false)
	if err != nil {
		t.Fatalf("StartSession second call err: %v", err)
	}
	if first.Session.ConditionID != second.Session.ConditionID {
		t.Fatal("same name and data should reuse the condition")
	}

	// Different data means a new condition: the old one stays immutable.
	third, err := svc.StartSession(ctx, "42", "دیابت نوع 2", json.RawMessage(`{"age":46}`), false)
	if err != nil {
		t.Fatalf("StartSession third call err: %v", err)
	}
	if third.Session.ConditionID == first.Session.ConditionID {
		t.Fatal("changed data must create a new condition")
	}

	conditions, err := svc.ListConditions(ctx, "42")
	if err != nil {
		t.Fatalf("ListConditions err: %v", err)
	}
	if len(conditions) != 2 {
		t.Fatalf("got %d conditions, want 2", len(conditions))
	}
}

func TestSummarizationOnLongHistory(t *testing.T) {
	gen := &fakeGenerator{}
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "careline.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore err: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := testConfig()
	cfg.HistoryWindow = 4
	svc := chatservice.NewService(st, gen, cfg)
	ctx := context.Background()

	result, err := svc.StartSession(ctx, "42", "آسم", nil, false)
	if err != nil {
		t.Fatalf("StartSession err: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.SendMessage(ctx, result.Session.ID, fmt.Sprintf("Q%d", i)); err != nil {
			t.Fatalf("SendMessage %d err: %v", i, err)
		}
	}

	// Six stored messages exceed the window of four: the next turn makes
	// one summarization call before the reply call.
	gen.prompts = nil
	if _, err := svc.SendMessage(ctx, result.Session.ID, "QX"); err != nil {
		t.Fatalf("SendMessage err: %v", err)
	}

	if len(gen.prompts) != 2 {
		t.Fatalf("generator invoked %d times, want 2 (summary + reply)", len(gen.prompts))
	}
	if !strings.Contains(gen.prompts[0].Query, "خلاصه") {
		t.Fatalf("first call should be the summarization prompt, got %q", gen.prompts[0].Query)
	}
	final := gen.prompts[1]
	if len(final.History) != 5 {
		t.Fatalf("reply history has %d entries, want 5 (summary + window)", len(final.History))
	}
}
