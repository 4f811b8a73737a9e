// Package transport exposes the HTTP surface of the agent: the Twilio
// voice webhook and the bidirectional media stream websocket.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/square-key-labs/phoneline-ai/src/audio"
	"github.com/square-key-labs/phoneline-ai/src/audio/vad"
	"github.com/square-key-labs/phoneline-ai/src/config"
	"github.com/square-key-labs/phoneline-ai/src/engine"
	"github.com/square-key-labs/phoneline-ai/src/logger"
	"github.com/square-key-labs/phoneline-ai/src/pipeline"
	"github.com/square-key-labs/phoneline-ai/src/ratelimit"
	"github.com/square-key-labs/phoneline-ai/src/services"
	"github.com/square-key-labs/phoneline-ai/src/session"
)

// Handler serves the webhook and websocket endpoints for all calls.
type Handler struct {
	config   *config.Config
	limiter  *ratelimit.Limiter
	stt      services.Transcriber
	llm      services.Responder
	tts      services.Synthesizer
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewHandler creates the HTTP handler shared by all calls.
func NewHandler(cfg *config.Config, limiter *ratelimit.Limiter, stt services.Transcriber, llm services.Responder, tts services.Synthesizer) *Handler {
	return &Handler{
		config:  cfg,
		limiter: limiter,
		stt:     stt,
		llm:     llm,
		tts:     tts,
		upgrader: websocket.Upgrader{
			// Twilio's media stream client sends no Origin header worth
			// checking; auth happens at the webhook.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger.WithPrefix("transport"),
	}
}

// activeCall bundles the per-call machinery created on the stream's
// start event.
type activeCall struct {
	session   *session.CallSession
	pipeline  *pipeline.AudioPipeline
	engine    *engine.Engine
	cancel    context.CancelFunc
	workers   *errgroup.Group
	remainder []byte
	log       *logger.Logger
}

// HandleMediaStream upgrades the connection and runs the read loop for
// one call until the stream stops or the engine ends the call.
func (h *Handler) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	connID := uuid.NewString()[:8]
	log := logger.WithPrefix("call:" + connID)
	log.Debug("media stream connected")

	var call *activeCall
	defer func() {
		if call != nil {
			call.shutdown()
			h.limiter.Release()
			log.Info("call finished after %s", call.session.Duration().Round(time.Second))
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("media stream closed: %v", err)
			return
		}

		var msg twilioMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("unparseable stream message: %v", err)
			continue
		}

		switch msg.Event {
		case eventConnected:
			// Protocol handshake, nothing to do yet.

		case eventStart:
			if msg.Start == nil || call != nil {
				continue
			}
			call = h.startCall(r.Context(), conn, msg.Start, log)
			if call == nil {
				return
			}

		case eventMedia:
			if call == nil || msg.Media == nil {
				continue
			}
			call.ingest(msg.Media.Payload)

		case eventMark:
			if call == nil || msg.Mark == nil {
				continue
			}
			// Playback reached the end of an agent utterance (or its
			// interruption point); the agent is listening again.
			if msg.Mark.Name == pipeline.MarkSpeechComplete || msg.Mark.Name == pipeline.MarkSpeechStopped {
				call.session.SetState(session.StateListening)
			}

		case eventStop:
			log.Info("media stream stopped by carrier")
			return

		default:
			log.Debug("ignoring stream event %q", msg.Event)
		}
	}
}

// startCall wires up session, pipeline and engine for a started stream
// and launches the workers.
func (h *Handler) startCall(parent context.Context, conn *websocket.Conn, start *twilioStart, log *logger.Logger) *activeCall {
	detector, err := vad.New(h.config.VADAggressiveness, h.config.SampleRate)
	if err != nil {
		log.Error("voice activity detector: %v", err)
		return nil
	}

	caller := start.CustomParameters["caller"]
	sess := session.New(start.CallSID, caller, h.config.TwilioNumber, h.config.MaxCallDuration)
	log.Info("call %s started (from %s)", start.CallSID, caller)

	writer := &mediaConn{conn: conn, streamSID: start.StreamSID}
	pipe := pipeline.New(sess, writer, detector, pipeline.Config{
		FrameBytes:         h.config.FrameBytes(),
		FrameDuration:      time.Duration(h.config.FrameMillis) * time.Millisecond,
		MinAudioLevel:      h.config.MinAudioLevelThreshold,
		VADSilence:         h.config.VADSilence,
		VADMinSpeech:       h.config.VADMinSpeech,
		MaxUtteranceLength: h.config.MaxUtteranceLength,
		EchoCancellation:   h.config.EchoCancellation,
	})

	eng := engine.New(sess, pipe, engine.Config{
		STT:                h.stt,
		LLM:                h.llm,
		TTS:                h.tts,
		SampleRate:         h.config.SampleRate,
		ResponseDelay:      h.config.AgentResponseDelay,
		MinMeaningfulWords: h.config.MinMeaningfulWords,
	})
	pipe.SetInterruptionSink(eng)

	ctx, cancel := context.WithCancel(parent)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipe.Run(ctx) })
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error {
		// When the engine decides the call is over, tear the socket
		// down so the read loop unblocks.
		select {
		case <-ctx.Done():
		case <-eng.Done():
			conn.Close()
		}
		return nil
	})

	return &activeCall{
		session:  sess,
		pipeline: pipe,
		engine:   eng,
		cancel:   cancel,
		workers:  g,
		log:      log,
	}
}

// ingest decodes one media payload and re-frames it into fixed-size
// PCM frames, carrying any partial tail over to the next payload.
func (c *activeCall) ingest(payload string) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		c.log.Warn("bad media payload: %v", err)
		return
	}

	frameBytes := c.pipeline.FrameBytes()
	c.remainder = append(c.remainder, audio.MulawToPCMBytes(raw)...)
	for len(c.remainder) >= frameBytes {
		frame := make([]byte, frameBytes)
		copy(frame, c.remainder[:frameBytes])
		c.remainder = c.remainder[frameBytes:]
		c.pipeline.EnqueueFrame(frame)
	}
}

func (c *activeCall) shutdown() {
	c.engine.Stop()
	c.cancel()
	if err := c.workers.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Debug("worker exit: %v", err)
	}
}
