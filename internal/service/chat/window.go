package chat

import (
	"context"
	"fmt"

	"github.com/careline-health/careline/internal/model/chat"
)

// SummarizeFunc condenses a transcript prefix into one piece of text. It is
// only invoked when history overflows the window.
type SummarizeFunc func(ctx context.Context, history []chat.Message) (string, error)

// BuildWindow bounds a session's full history for a generation call. Up to
// window messages pass through verbatim; anything older is folded into a
// single synthetic assistant entry produced by summarize. The input is never
// mutated.
func BuildWindow(ctx context.Context, history []chat.Message, window int, summarize SummarizeFunc) ([]chat.Message, error) {
	if len(history) == 0 {
		return nil, nil
	}
	if len(history) <= window {
		return history, nil
	}

	overflow := history[:len(history)-window]
	recent := history[len(history)-window:]

	summary, err := summarize(ctx, overflow)
	if err != nil {
		return nil, fmt.Errorf("summarize %d overflow messages: %w", len(overflow), err)
	}

	result := make([]chat.Message, 0, window+1)
	result = append(result, chat.Message{
		Role:    chat.RoleAssistant,
		Content: "خلاصه گفتگوهای پیشین:\n" + summary,
	})
	result = append(result, recent...)
	return result, nil
}
