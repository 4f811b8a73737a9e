package config

import (
	"testing"
	"time"

	"github.com/matryer/is"
)

func setRequired(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "secret")
	t.Setenv("TWILIO_PHONE_NUMBER", "+15550009999")
	t.Setenv("AI_API_KEY", "sk-test")
	t.Setenv("SERVER_URL", "https://agent.example.com")
}

func TestLoadDefaults(t *testing.T) {
	is := is.New(t)
	setRequired(t)

	cfg, err := Load()
	is.NoErr(err)

	is.Equal(cfg.SampleRate, 8000)
	is.Equal(cfg.FrameMillis, 20)
	is.Equal(cfg.FrameBytes(), 320)
	is.Equal(cfg.LLMProvider, "openai")
	is.Equal(cfg.VADAggressiveness, 1)
	is.Equal(cfg.VADSilence, 600*time.Millisecond)
	is.Equal(cfg.MaxUtteranceLength, 10*time.Second)
	is.Equal(cfg.AgentResponseDelay, 100*time.Millisecond)
	is.Equal(cfg.MaxCallDuration, 10*time.Minute)
	is.Equal(cfg.MaxConcurrentCalls, 5)
	is.Equal(cfg.RateLimitWindow, time.Minute)
	is.Equal(cfg.RateLimitCallsPerWindow, 10)
}

func TestLoadMissingRequired(t *testing.T) {
	is := is.New(t)
	setRequired(t)
	t.Setenv("AI_API_KEY", "")

	_, err := Load()
	is.True(err != nil)
}

func TestLoadRejectsBadAggressiveness(t *testing.T) {
	is := is.New(t)
	setRequired(t)
	t.Setenv("VAD_AGGRESSIVENESS", "7")

	_, err := Load()
	is.True(err != nil)
}

func TestLoadParsesOverrides(t *testing.T) {
	is := is.New(t)
	setRequired(t)
	t.Setenv("VAD_SILENCE_MS", "800")
	t.Setenv("MAX_CALL_DURATION_S", "120")
	t.Setenv("LLM_PROVIDER", "gemini")

	cfg, err := Load()
	is.NoErr(err)
	is.Equal(cfg.VADSilence, 800*time.Millisecond)
	is.Equal(cfg.MaxCallDuration, 2*time.Minute)
	is.Equal(cfg.LLMProvider, "gemini")
}
