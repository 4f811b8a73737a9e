package openai

import (
	"context"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/square-key-labs/phoneline-ai/src/audio"
	"github.com/square-key-labs/phoneline-ai/src/services"
)

// TTSService synthesizes speech and returns telephony-rate PCM.
type TTSService struct {
	client     *openai.Client
	model      string
	voice      string
	sampleRate int
}

// TTSConfig holds configuration for the synthesis service.
type TTSConfig struct {
	Config
	Model      string // e.g. "tts-1"
	Voice      string // e.g. "nova"
	SampleRate int    // output rate, 8000 for telephony
}

// NewTTSService creates a new synthesis service.
func NewTTSService(config TTSConfig) *TTSService {
	return &TTSService{
		client:     newClient(config.Config),
		model:      config.Model,
		voice:      config.Voice,
		sampleRate: config.SampleRate,
	}
}

// Synthesize converts text to 16-bit mono PCM at the configured sample
// rate. The interrupted probe is consulted before and after the network
// round trip; an interrupted synthesis returns nil audio without error.
func (s *TTSService) Synthesize(ctx context.Context, text string, interrupted func() bool) ([]byte, error) {
	if interrupted != nil && interrupted() {
		return nil, nil
	}

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.model),
		Input:          text,
		Voice:          openai.SpeechVoice(s.voice),
		ResponseFormat: openai.SpeechResponseFormatWav,
	})
	if err != nil {
		if isRateLimited(err) {
			return nil, services.ErrRateLimited
		}
		return nil, fmt.Errorf("speech synthesis failed: %w", err)
	}
	defer resp.Close()

	wav, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("reading speech response: %w", err)
	}

	if interrupted != nil && interrupted() {
		return nil, nil
	}

	pcmBytes, rate, err := audio.ParseWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("decoding speech response: %w", err)
	}

	// Providers return whatever rate the voice model runs at; bring it
	// down to the telephony rate before it hits the wire.
	if rate != s.sampleRate {
		pcm, err := audio.BytesToPCM(pcmBytes)
		if err != nil {
			return nil, err
		}
		pcmBytes = audio.PCMToBytes(audio.Resample(pcm, rate, s.sampleRate))
	}

	return pcmBytes, nil
}
