// Command phoneline runs the phone voice agent: a Twilio webhook plus
// media stream websocket wired to STT, LLM and TTS providers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/square-key-labs/phoneline-ai/src/config"
	"github.com/square-key-labs/phoneline-ai/src/logger"
	"github.com/square-key-labs/phoneline-ai/src/ratelimit"
	"github.com/square-key-labs/phoneline-ai/src/services"
	"github.com/square-key-labs/phoneline-ai/src/services/gemini"
	"github.com/square-key-labs/phoneline-ai/src/services/openai"
	"github.com/square-key-labs/phoneline-ai/src/transport"
)

func main() {
	logger.Init()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration: %v", err)
		os.Exit(1)
	}

	var llm services.Responder
	switch cfg.LLMProvider {
	case "gemini":
		llm = gemini.NewLLMService(gemini.LLMConfig{
			APIKey: cfg.AIAPIKey,
			Model:  cfg.LLMModel,
		})
	case "openai":
		llm = openai.NewLLMService(openai.LLMConfig{
			Config: openai.Config{APIKey: cfg.AIAPIKey, BaseURL: cfg.AIBaseURL},
			Model:  cfg.LLMModel,
		})
	default:
		logger.Error("unknown LLM_PROVIDER %q", cfg.LLMProvider)
		os.Exit(1)
	}

	stt := openai.NewSTTService(openai.STTConfig{
		Config: openai.Config{APIKey: cfg.AIAPIKey, BaseURL: cfg.AIBaseURL},
		Model:  cfg.STTModel,
	})
	tts := openai.NewTTSService(openai.TTSConfig{
		Config:     openai.Config{APIKey: cfg.AIAPIKey, BaseURL: cfg.AIBaseURL},
		Model:      cfg.TTSModel,
		Voice:      cfg.TTSVoice,
		SampleRate: cfg.SampleRate,
	})

	limiter := ratelimit.New(cfg.MaxConcurrentCalls, cfg.RateLimitWindow, cfg.RateLimitCallsPerWindow)
	handler := transport.NewHandler(cfg, limiter, stt, llm, tts)

	mux := http.NewServeMux()
	mux.HandleFunc("/voice", handler.HandleVoice)
	mux.HandleFunc("/ws", handler.HandleMediaStream)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok, %d active calls\n", limiter.ActiveCalls())
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServerPort),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("phone agent listening on %s (public URL %s)", server.Addr, cfg.ServerURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown: %v", err)
	}
}
