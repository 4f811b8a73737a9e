package openai

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/square-key-labs/phoneline-ai/src/services"
)

// STTService transcribes WAV audio with a Whisper-family model.
type STTService struct {
	client *openai.Client
	model  string
}

// STTConfig holds configuration for the transcription service.
type STTConfig struct {
	Config
	Model string // e.g. "whisper-1"
}

// NewSTTService creates a new transcription service.
func NewSTTService(config STTConfig) *STTService {
	return &STTService{
		client: newClient(config.Config),
		model:  config.Model,
	}
}

// Transcribe sends the WAV payload to the transcription endpoint and
// returns the trimmed transcript. Empty audio transcribes to "".
func (s *STTService) Transcribe(ctx context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", nil
	}

	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    s.model,
		Prompt:   services.STTPrompt,
		Reader:   bytes.NewReader(wav),
		FilePath: "audio.wav", // name only; the payload comes from Reader
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		if isRateLimited(err) {
			return "", services.ErrRateLimited
		}
		return "", fmt.Errorf("transcription failed: %w", err)
	}

	return strings.TrimSpace(resp.Text), nil
}
