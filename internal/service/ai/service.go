package ai

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/careline-health/careline/internal/config"
)

// Service implements Generator on top of an eino chain. Two runnables share
// the same prompt template but carry different completion budgets: short for
// chat replies, long for educational documents.
type Service struct {
	chatChain        compose.Runnable[map[string]any, *schema.Message]
	educationalChain compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates the generation service from configuration.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatChain, err := buildChain(ctx, cfg, cfg.ChatMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("build chat chain: %w", err)
	}

	educationalChain, err := buildChain(ctx, cfg, cfg.EducationalMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("build educational chain: %w", err)
	}

	return &Service{chatChain: chatChain, educationalChain: educationalChain}, nil
}

func buildChain(ctx context.Context, cfg config.AIConfig, maxTokens int) (compose.Runnable[map[string]any, *schema.Message], error) {
	chatModel, err := cfg.NewChatModel(ctx, maxTokens)
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile chain: %w", err)
	}
	return runnable, nil
}

// Complete runs one synchronous generation call.
func (s *Service) Complete(ctx context.Context, p Prompt) (string, error) {
	response, err := s.chain(p).Invoke(ctx, chainInput(p))
	if err != nil {
		return "", classify(err)
	}

	log.Printf("[ai] generated response, length=%d", len(response.Content))
	return response.Content, nil
}

// Stream starts an incremental generation call. The reader is pull-driven;
// the caller closes it to cancel.
func (s *Service) Stream(ctx context.Context, p Prompt) (*schema.StreamReader[*schema.Message], error) {
	stream, err := s.chain(p).Stream(ctx, chainInput(p))
	if err != nil {
		return nil, classify(err)
	}
	return stream, nil
}

func (s *Service) chain(p Prompt) compose.Runnable[map[string]any, *schema.Message] {
	if p.Long {
		return s.educationalChain
	}
	return s.chatChain
}

func chainInput(p Prompt) map[string]any {
	return map[string]any{
		"system":  p.System,
		"history": p.History,
		"query":   p.Query,
	}
}

// classify maps a backend failure onto the gateway error taxonomy.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrGenerationTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrGeneration, err)
}
