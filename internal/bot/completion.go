package bot

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nkoval/empathy-study/internal/domain"
)

// Completer is the external completion collaborator: a synchronous model
// call that may fail. The core does not interpret provider-specific errors;
// they surface as ErrCompletionFailure.
type Completer interface {
	Complete(ctx context.Context, messages []domain.Turn, model string, temperature float32, maxTokens int) (string, error)
}

// OpenAICompleter implements Completer against the OpenAI chat completions
// API.
type OpenAICompleter struct {
	client *openai.Client
}

// NewOpenAICompleter creates a completion client from an API key.
func NewOpenAICompleter(apiKey string) (*OpenAICompleter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	return &OpenAICompleter{client: openai.NewClient(apiKey)}, nil
}

// Complete sends the payload to the chat completions endpoint and returns
// the assistant reply text.
func (c *OpenAICompleter) Complete(ctx context.Context, messages []domain.Turn, model string, temperature float32, maxTokens int) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, turn := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
