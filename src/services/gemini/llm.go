// Package gemini implements the Responder contract against the Google
// Gemini generateContent REST API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/square-key-labs/phoneline-ai/src/services"
	"github.com/square-key-labs/phoneline-ai/src/session"
)

const defaultEndpoint = "https://generativelanguage.googleapis.com/v1beta"

// LLMService generates agent replies using Google Gemini.
type LLMService struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// LLMConfig holds configuration for Gemini.
type LLMConfig struct {
	APIKey   string
	Model    string // e.g. "gemini-1.5-flash"
	Endpoint string // optional API base override
}

// NewLLMService creates a new Gemini LLM service.
func NewLLMService(config LLMConfig) *LLMService {
	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &LLMService{
		apiKey:   config.APIKey,
		model:    config.Model,
		endpoint: endpoint,
		client:   &http.Client{},
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  geminiGenConfig `json:"generationConfig"`
}

type geminiGenConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"responseMimeType"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// Respond sends the conversation to Gemini and parses the structured
// reply, degrading to the canned fallback on any failure.
func (s *LLMService) Respond(ctx context.Context, messages []session.Message) (services.AgentReply, error) {
	contents := make([]geminiContent, 0, len(messages))
	for _, msg := range messages {
		// Gemini calls the assistant role "model"
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}

	body, err := json.Marshal(geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: services.SystemPrompt}}},
		Contents:          contents,
		GenerationConfig: geminiGenConfig{
			Temperature:      0.8,
			MaxOutputTokens:  200,
			ResponseMimeType: "application/json",
		},
	})
	if err != nil {
		return services.FallbackReply(), err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", s.endpoint, s.model, s.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return services.FallbackReply(), err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return services.FallbackReply(), fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return services.FallbackReply(), services.ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return services.FallbackReply(), fmt.Errorf("gemini API error: %s", string(detail))
	}

	var parsed geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return services.FallbackReply(), fmt.Errorf("decoding gemini response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return services.FallbackReply(), fmt.Errorf("gemini returned no candidates")
	}

	reply, err := services.ParseAgentReply(parsed.Candidates[0].Content.Parts[0].Text)
	if err != nil {
		return services.FallbackReply(), err
	}
	return reply, nil
}
