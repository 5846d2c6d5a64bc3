// Package ai abstracts the text-generation backend behind a small
// capability interface so the conversational core never depends on a vendor.
package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/schema"
)

var (
	// ErrGeneration signals a backend failure (rejection, malformed
	// response, transport error).
	ErrGeneration = errors.New("generation failed")
	// ErrGenerationTimeout signals that a backend call exceeded its
	// deadline.
	ErrGenerationTimeout = errors.New("generation timed out")
)

// Prompt is a fully assembled generation request: a role instruction, the
// bounded conversation window, and the current query.
type Prompt struct {
	System  string
	History []*schema.Message
	Query   string
	// Long selects the larger completion budget used for educational
	// documents instead of chat replies.
	Long bool
}

// Generator produces text from a prompt. Both operations honor the deadline
// on ctx; neither retries. A stream is a lazy single-pass sequence of chunks
// whose concatenation equals the full response; closing it early is
// cancellation.
type Generator interface {
	Complete(ctx context.Context, p Prompt) (string, error)
	Stream(ctx context.Context, p Prompt) (*schema.StreamReader[*schema.Message], error)
}

// Disabled stands in when no backend is configured: every call fails with
// ErrGeneration so the rest of the service keeps serving reads.
type Disabled struct{}

func (Disabled) Complete(context.Context, Prompt) (string, error) {
	return "", fmt.Errorf("%w: generation backend not configured", ErrGeneration)
}

func (Disabled) Stream(context.Context, Prompt) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("%w: generation backend not configured", ErrGeneration)
}
