// Package openai implements the STT, LLM and TTS collaborators against
// the OpenAI API (or any compatible endpoint via a base URL override).
package openai

import (
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// Config holds the shared client configuration for all OpenAI-backed
// services.
type Config struct {
	APIKey  string
	BaseURL string // optional, for OpenAI-compatible providers
}

func newClient(config Config) *openai.Client {
	if config.BaseURL == "" {
		return openai.NewClient(config.APIKey)
	}
	clientConfig := openai.DefaultConfig(config.APIKey)
	clientConfig.BaseURL = config.BaseURL
	return openai.NewClientWithConfig(clientConfig)
}

// isRateLimited reports whether err is an HTTP 429 from the API.
func isRateLimited(err error) bool {
	var apiErr *openai.APIError
	return errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests
}
