package openai

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/square-key-labs/phoneline-ai/src/services"
	"github.com/square-key-labs/phoneline-ai/src/session"
)

// Generation parameters for phone replies: a little creative, but short
// enough to speak without dragging.
const (
	llmTemperature = 0.8
	llmMaxTokens   = 200
)

// LLMService generates agent replies with a chat-completion model in
// JSON mode.
type LLMService struct {
	client *openai.Client
	model  string
}

// LLMConfig holds configuration for the reply generator.
type LLMConfig struct {
	Config
	Model string // e.g. "gpt-4o-mini"
}

// NewLLMService creates a new LLM service.
func NewLLMService(config LLMConfig) *LLMService {
	return &LLMService{
		client: newClient(config.Config),
		model:  config.Model,
	}
}

// Respond sends the system prompt plus the conversation to the model
// and parses the structured reply. Any failure degrades to the canned
// fallback so a single bad turn never kills the call.
func (s *LLMService) Respond(ctx context.Context, messages []session.Message) (services.AgentReply, error) {
	chat := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	chat = append(chat, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: services.SystemPrompt,
	})
	for _, msg := range messages {
		chat = append(chat, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model,
		Messages:    chat,
		Temperature: llmTemperature,
		MaxTokens:   llmMaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		if isRateLimited(err) {
			return services.FallbackReply(), services.ErrRateLimited
		}
		return services.FallbackReply(), fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return services.FallbackReply(), fmt.Errorf("chat completion returned no choices")
	}

	reply, err := services.ParseAgentReply(resp.Choices[0].Message.Content)
	if err != nil {
		return services.FallbackReply(), err
	}
	return reply, nil
}
