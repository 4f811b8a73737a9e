package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration for the phone agent.
// Required settings come from the environment; tunables fall back to
// defaults suited for 8kHz telephony audio.
type Config struct {
	// Twilio credentials
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioNumber     string

	// AI provider
	AIAPIKey    string
	AIBaseURL   string // optional OpenAI-compatible endpoint override
	LLMProvider string // "openai" (default) or "gemini"
	LLMModel    string
	STTModel    string
	TTSModel    string
	TTSVoice    string

	// Server
	ServerURL  string // public base URL, e.g. https://agent.example.com
	ServerPort int

	// Audio
	SampleRate             int
	FrameMillis            int
	VADAggressiveness      int
	MinAudioLevelThreshold float64

	// Timing
	VADSilence         time.Duration
	VADMinSpeech       time.Duration
	MaxUtteranceLength time.Duration
	EchoCancellation   time.Duration
	AgentResponseDelay time.Duration
	MinMeaningfulWords int

	// Call limits
	MaxCallDuration         time.Duration
	MaxConcurrentCalls      int
	RateLimitWindow         time.Duration
	RateLimitCallsPerWindow int
}

// Load builds a Config from the environment. It returns an error when a
// required variable is missing or a tunable fails to parse.
func Load() (*Config, error) {
	cfg := &Config{
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioNumber:     os.Getenv("TWILIO_PHONE_NUMBER"),
		AIAPIKey:         os.Getenv("AI_API_KEY"),
		AIBaseURL:        os.Getenv("AI_BASE_URL"),
		LLMProvider:      getString("LLM_PROVIDER", "openai"),
		LLMModel:         getString("LLM_MODEL", "gpt-4o-mini"),
		STTModel:         getString("STT_MODEL", "whisper-1"),
		TTSModel:         getString("TTS_MODEL", "tts-1"),
		TTSVoice:         getString("TTS_VOICE", "nova"),
		ServerURL:        os.Getenv("SERVER_URL"),

		SampleRate:  8000,
		FrameMillis: 20,
	}

	for name, val := range map[string]string{
		"TWILIO_ACCOUNT_SID":  cfg.TwilioAccountSID,
		"TWILIO_AUTH_TOKEN":   cfg.TwilioAuthToken,
		"TWILIO_PHONE_NUMBER": cfg.TwilioNumber,
		"AI_API_KEY":          cfg.AIAPIKey,
		"SERVER_URL":          cfg.ServerURL,
	} {
		if val == "" {
			return nil, fmt.Errorf("missing required environment variable %s", name)
		}
	}

	var err error
	if cfg.ServerPort, err = getInt("PORT", 8080); err != nil {
		return nil, err
	}
	if cfg.VADAggressiveness, err = getInt("VAD_AGGRESSIVENESS", 1); err != nil {
		return nil, err
	}
	if cfg.VADAggressiveness < 1 || cfg.VADAggressiveness > 3 {
		return nil, fmt.Errorf("VAD_AGGRESSIVENESS must be 1..3, got %d", cfg.VADAggressiveness)
	}
	if cfg.MinAudioLevelThreshold, err = getFloat("MIN_AUDIO_LEVEL_THRESHOLD", 0.015); err != nil {
		return nil, err
	}
	if cfg.VADSilence, err = getMillis("VAD_SILENCE_MS", 600); err != nil {
		return nil, err
	}
	if cfg.VADMinSpeech, err = getMillis("VAD_MIN_SPEECH_MS", 150); err != nil {
		return nil, err
	}
	if cfg.MaxUtteranceLength, err = getMillis("MAX_UTTERANCE_LENGTH_MS", 10000); err != nil {
		return nil, err
	}
	if cfg.EchoCancellation, err = getMillis("ECHO_CANCELLATION_MS", 100); err != nil {
		return nil, err
	}
	if cfg.AgentResponseDelay, err = getMillis("AGENT_RESPONSE_DELAY_MS", 100); err != nil {
		return nil, err
	}
	if cfg.MinMeaningfulWords, err = getInt("MIN_MEANINGFUL_WORDS", 2); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentCalls, err = getInt("MAX_CONCURRENT_CALLS", 5); err != nil {
		return nil, err
	}
	if cfg.RateLimitCallsPerWindow, err = getInt("RATE_LIMIT_CALLS_PER_WINDOW", 10); err != nil {
		return nil, err
	}

	seconds, err := getInt("MAX_CALL_DURATION_S", 600)
	if err != nil {
		return nil, err
	}
	cfg.MaxCallDuration = time.Duration(seconds) * time.Second

	minutes, err := getInt("RATE_LIMIT_WINDOW_MINUTES", 1)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitWindow = time.Duration(minutes) * time.Minute

	return cfg, nil
}

// FrameBytes returns the size of one PCM frame in bytes (16-bit mono).
func (c *Config) FrameBytes() int {
	return c.SampleRate * 2 * c.FrameMillis / 1000
}

func getString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func getInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func getFloat(name string, fallback float64) (float64, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return f, nil
}

func getMillis(name string, fallback int) (time.Duration, error) {
	n, err := getInt(name, fallback)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}
