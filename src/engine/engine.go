// Package engine drives the conversation: it consumes utterances from
// the audio pipeline, runs them through the STT, LLM and TTS
// collaborators, and speaks the replies.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/square-key-labs/phoneline-ai/src/audio"
	"github.com/square-key-labs/phoneline-ai/src/logger"
	"github.com/square-key-labs/phoneline-ai/src/pipeline"
	"github.com/square-key-labs/phoneline-ai/src/services"
	"github.com/square-key-labs/phoneline-ai/src/session"
)

// Greeting is spoken as soon as the media stream opens.
const Greeting = "Hello, this is Jennifer. How can I help you today?"

const (
	// How long an incomplete utterance is held for a follow-up before
	// it is flushed through the reply path on its own.
	utteranceTimeout = 3 * time.Second

	// Delay between the LLM asking to hang up and the call ending, so
	// the goodbye audio reaches the caller first.
	defaultHangupDelay = 3 * time.Second

	// How long the interruption flag stays raised after a barge-in.
	interruptHold = 100 * time.Millisecond

	pollInterval = 100 * time.Millisecond

	// Fragments shorter than this are stashed as pending rather than
	// answered immediately, unless they end like a full sentence.
	completeMinWords = 5
)

// Transcription models reliably invent these phrases on silence or
// line noise; none of them are things a caller says.
var hallucinations = []string{
	"thank you for calling",
	"how may i help you today",
	"is there anything else i can help you with",
	"end of call",
	"call ended",
	"system message",
	"automated response",
	"have a great day and thank you for calling",
}

// Single-word acknowledgements that carry no content worth answering.
var fillerWords = map[string]bool{
	"hmm": true, "um": true, "uh": true, "ah": true, "eh": true, "oh": true,
}

// Config carries the engine tunables and collaborators.
type Config struct {
	STT services.Transcriber
	LLM services.Responder
	TTS services.Synthesizer

	SampleRate         int
	ResponseDelay      time.Duration
	MinMeaningfulWords int
	HangupDelay        time.Duration // defaults to 3s when zero
}

// Engine owns the dialogue loop for one call. It implements
// pipeline.InterruptionSink so barge-ins cancel whatever turn is in
// flight.
type Engine struct {
	session  *session.CallSession
	pipeline *pipeline.AudioPipeline
	stt      services.Transcriber
	llm      services.Responder
	tts      services.Synthesizer
	config   Config
	log      *logger.Logger

	interrupted atomic.Bool

	mu            sync.Mutex
	pending       string
	lastUtterance time.Time
	hangupTimer   *time.Timer

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates an engine bound to one call's session and pipeline.
func New(sess *session.CallSession, p *pipeline.AudioPipeline, config Config) *Engine {
	if config.HangupDelay == 0 {
		config.HangupDelay = defaultHangupDelay
	}
	return &Engine{
		session:  sess,
		pipeline: p,
		stt:      config.STT,
		llm:      config.LLM,
		tts:      config.TTS,
		config:   config,
		log:      logger.WithPrefix("engine"),
		stopped:  make(chan struct{}),
	}
}

// Interrupt implements pipeline.InterruptionSink. The flag is held
// briefly so a turn already past its own checks still sees it, then
// cleared so the next turn starts clean.
func (e *Engine) Interrupt() {
	e.interrupted.Store(true)
	e.session.SetState(session.StateListening)
	time.AfterFunc(interruptHold, func() {
		e.interrupted.Store(false)
	})
}

// Stop ends the dialogue loop. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		if e.hangupTimer != nil {
			e.hangupTimer.Stop()
		}
		e.mu.Unlock()
		close(e.stopped)
	})
}

// Done is closed once the engine has decided the call is over.
func (e *Engine) Done() <-chan struct{} {
	return e.stopped
}

// Run greets the caller and then serves utterances until the call ends
// or the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.speak(ctx, Greeting)
	e.session.SetState(session.StateListening)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopped:
			return nil
		case utterance := <-e.pipeline.Utterances():
			e.handleUtterance(ctx, utterance)
		case <-ticker.C:
			e.handleIdle(ctx)
		}
	}
}

func (e *Engine) handleUtterance(ctx context.Context, utterance []byte) {
	e.session.SetState(session.StateThinking)

	wav := audio.NewWAV(utterance, e.config.SampleRate)
	text, err := e.stt.Transcribe(ctx, wav)
	if err != nil {
		if errors.Is(err, services.ErrRateLimited) {
			e.log.Warn("transcription rate limited, dropping turn")
		} else {
			e.log.Error("transcription failed: %v", err)
		}
		e.session.SetState(session.StateListening)
		return
	}

	if !e.acceptTranscript(text) {
		e.session.SetState(session.StateListening)
		return
	}
	e.log.Info("caller: %q", text)

	// Fragments arriving close together are one thought split by a
	// breath; join them before answering.
	e.mu.Lock()
	now := time.Now()
	if now.Sub(e.lastUtterance) < utteranceTimeout {
		if e.pending != "" {
			text = e.pending + " " + text
			e.pending = ""
		}
	} else if !looksComplete(text) {
		e.pending = text
		e.lastUtterance = now
		e.mu.Unlock()
		e.log.Debug("holding incomplete fragment: %q", text)
		e.session.SetState(session.StateListening)
		return
	}
	e.lastUtterance = now
	e.mu.Unlock()

	if e.interrupted.CompareAndSwap(true, false) {
		e.session.SetState(session.StateListening)
		return
	}

	e.respond(ctx, text)
}

// respond runs one full turn: LLM, history update, pacing delay, TTS
// and playback.
func (e *Engine) respond(ctx context.Context, text string) {
	messages := append(e.session.Context(), session.Message{Role: "user", Content: text})
	reply, err := e.llm.Respond(ctx, messages)
	if err != nil {
		if errors.Is(err, services.ErrRateLimited) {
			e.log.Warn("reply generation rate limited, using fallback")
		} else {
			e.log.Error("reply generation failed: %v", err)
		}
	}
	e.session.AddExchange(text, reply.Text)
	e.log.Info("agent: %q (action=%s)", reply.Text, reply.Action)

	// Small pause before answering so the agent does not talk over the
	// caller's final syllable.
	time.Sleep(e.config.ResponseDelay)

	if e.interrupted.CompareAndSwap(true, false) {
		e.session.SetState(session.StateListening)
		return
	}

	if len(reply.Text) > 2 {
		pcm, err := e.tts.Synthesize(ctx, reply.Text, e.interrupted.Load)
		if err != nil {
			if errors.Is(err, services.ErrRateLimited) {
				e.log.Warn("synthesis rate limited, skipping audio")
			} else {
				e.log.Error("synthesis failed: %v", err)
			}
			e.session.SetState(session.StateListening)
		} else if pcm != nil && !e.interrupted.Load() {
			if err := e.pipeline.Speak(pcm); err != nil {
				e.log.Warn("sending agent audio: %v", err)
				e.session.SetState(session.StateListening)
			}
		} else {
			e.session.SetState(session.StateListening)
		}
	} else {
		e.session.SetState(session.StateListening)
	}

	if reply.Action == services.ActionHangup {
		e.scheduleHangup()
	}
}

func (e *Engine) handleIdle(ctx context.Context) {
	e.mu.Lock()
	text := ""
	if e.pending != "" && time.Since(e.lastUtterance) > utteranceTimeout {
		text = e.pending
		e.pending = ""
	}
	e.mu.Unlock()

	if text != "" {
		e.log.Debug("flushing stale pending fragment: %q", text)
		e.session.SetState(session.StateThinking)
		e.respond(ctx, text)
	}

	if e.session.ShouldEnd() {
		e.log.Info("max call duration reached, ending call")
		e.Stop()
	}
}

// scheduleHangup ends the call after a short delay so the goodbye has
// time to play out.
func (e *Engine) scheduleHangup() {
	e.log.Info("hangup requested, ending call in %s", e.config.HangupDelay)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hangupTimer != nil {
		return
	}
	e.hangupTimer = time.AfterFunc(e.config.HangupDelay, e.Stop)
}

// speak synthesizes and plays a line outside the normal reply path,
// used for the greeting.
func (e *Engine) speak(ctx context.Context, text string) {
	pcm, err := e.tts.Synthesize(ctx, text, e.interrupted.Load)
	if err != nil {
		if errors.Is(err, services.ErrRateLimited) {
			e.log.Warn("synthesis rate limited, skipping audio")
		} else {
			e.log.Error("synthesis failed: %v", err)
		}
		return
	}
	if pcm == nil || e.interrupted.Load() {
		return
	}
	if err := e.pipeline.Speak(pcm); err != nil {
		e.log.Warn("sending agent audio: %v", err)
	}
}

// acceptTranscript filters out transcripts not worth a reply: silence,
// stub fragments, known model hallucinations and bare fillers.
func (e *Engine) acceptTranscript(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if len(trimmed) < 3 {
		e.log.Debug("ignoring short transcript: %q", trimmed)
		return false
	}

	lower := strings.ToLower(trimmed)
	for _, phrase := range hallucinations {
		if strings.Contains(lower, phrase) {
			e.log.Debug("ignoring hallucinated transcript: %q", trimmed)
			return false
		}
	}

	words := strings.Fields(lower)
	if len(words) == 1 && fillerWords[strings.Trim(words[0], ".,!?")] {
		e.log.Debug("ignoring filler: %q", trimmed)
		return false
	}
	if len(words) < e.config.MinMeaningfulWords {
		e.log.Debug("ignoring low-content transcript: %q", trimmed)
		return false
	}

	return true
}

// looksComplete reports whether a transcript reads like a finished
// thought rather than a fragment cut off mid-sentence.
func looksComplete(text string) bool {
	trimmed := strings.TrimSpace(text)
	if strings.HasSuffix(trimmed, ".") || strings.HasSuffix(trimmed, "!") || strings.HasSuffix(trimmed, "?") {
		return true
	}
	return len(strings.Fields(trimmed)) >= completeMinWords
}
