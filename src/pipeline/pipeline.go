// Package pipeline turns raw telephony frames into utterances and
// streams synthesized speech back out, handling interruption in both
// directions.
package pipeline

import (
	"context"
	"encoding/base64"
	"sync/atomic"
	"time"

	"github.com/square-key-labs/phoneline-ai/src/audio"
	"github.com/square-key-labs/phoneline-ai/src/audio/vad"
	"github.com/square-key-labs/phoneline-ai/src/logger"
	"github.com/square-key-labs/phoneline-ai/src/session"
)

// Mark names echoed back by the carrier once playback reaches them.
const (
	MarkSpeechComplete = "agent_speech_complete"
	MarkSpeechStopped  = "agent_speech_stopped"
)

const (
	frameQueueSize    = 100
	utteranceQueue    = 4
	utteranceSendWait = 500 * time.Millisecond
	idlePollInterval  = 100 * time.Millisecond

	// Outbound audio is paced in ~20ms mulaw chunks with a short sleep
	// between sends so a barge-in can cut playback mid-reply.
	outChunkBytes    = 160
	outChunkInterval = 10 * time.Millisecond

	// Frames of silence flushed after an interruption so the carrier's
	// playback buffer drains to quiet before the clear lands.
	silenceFlushFrames = 5
)

// MediaWriter sends protocol events back to the caller. Implementations
// must serialize concurrent writes.
type MediaWriter interface {
	WriteMedia(payload string) error
	WriteMark(name string) error
	WriteClear() error
}

// InterruptionSink is notified when the caller barges in over agent
// speech.
type InterruptionSink interface {
	Interrupt()
}

// Config carries the pipeline tunables.
type Config struct {
	FrameBytes         int
	FrameDuration      time.Duration
	MinAudioLevel      float64
	VADSilence         time.Duration
	VADMinSpeech       time.Duration
	MaxUtteranceLength time.Duration
	EchoCancellation   time.Duration
}

// AudioPipeline owns the inbound frame queue, voice activity gating,
// utterance segmentation and the outbound speech path for one call.
type AudioPipeline struct {
	session  *session.CallSession
	writer   MediaWriter
	detector *vad.Detector
	sink     InterruptionSink
	config   Config
	log      *logger.Logger

	frames     chan []byte
	utterances chan []byte

	stopTransmission atomic.Bool
	sending          atomic.Bool
	lastAgentAudio   atomic.Int64 // unix nanos of the last outbound chunk
}

// New creates a pipeline for one call.
func New(sess *session.CallSession, writer MediaWriter, detector *vad.Detector, config Config) *AudioPipeline {
	return &AudioPipeline{
		session:    sess,
		writer:     writer,
		detector:   detector,
		config:     config,
		log:        logger.WithPrefix("pipeline"),
		frames:     make(chan []byte, frameQueueSize),
		utterances: make(chan []byte, utteranceQueue),
	}
}

// SetInterruptionSink registers the barge-in listener. Must be called
// before Run.
func (p *AudioPipeline) SetInterruptionSink(sink InterruptionSink) {
	p.sink = sink
}

// Utterances returns the channel of completed utterances as raw 16-bit
// PCM at the telephony rate.
func (p *AudioPipeline) Utterances() <-chan []byte {
	return p.utterances
}

// EnqueueFrame hands one inbound PCM frame to the pipeline. When the
// queue is full the oldest frame is dropped so the call stays live.
func (p *AudioPipeline) EnqueueFrame(frame []byte) {
	select {
	case p.frames <- frame:
		return
	default:
	}
	select {
	case <-p.frames:
	default:
	}
	select {
	case p.frames <- frame:
	default:
		p.log.Debug("frame dropped, queue full")
	}
}

// Run consumes inbound frames until the context is cancelled. A quiet
// queue flushes any utterance still in flight so trailing speech is not
// stranded waiting for silence frames that never arrive.
func (p *AudioPipeline) Run(ctx context.Context) error {
	seg := newSegmenter(
		p.config.FrameBytes,
		p.config.FrameDuration,
		p.config.VADMinSpeech,
		p.config.VADSilence,
		p.config.MaxUtteranceLength,
	)

	idle := time.NewTimer(idlePollInterval)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-p.frames:
			p.processFrame(seg, frame)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idlePollInterval)
		case <-idle.C:
			if seg.active() {
				if utterance, ok := seg.flush(); ok {
					p.emit(utterance)
				}
			}
			idle.Reset(idlePollInterval)
		}
	}
}

func (p *AudioPipeline) processFrame(seg *segmenter, frame []byte) {
	now := time.Now()
	meaningful := p.isMeaningfulSpeech(frame)

	// A single meaningful frame over agent speech is a barge-in.
	if meaningful && p.session.State() == session.StateSpeaking {
		p.log.Info("caller barge-in, stopping agent speech")
		if err := p.StopSpeaking(); err != nil {
			p.log.Warn("stop speaking: %v", err)
		}
		if p.sink != nil {
			p.sink.Interrupt()
		}
	}

	// The caller's line echoes our own audio back for a short window
	// after we send; those frames must not count as caller speech.
	if p.withinEchoWindow(now) {
		return
	}

	if utterance, ok := seg.feed(frame, meaningful, now); ok {
		p.emit(utterance)
	}
}

// isMeaningfulSpeech requires both enough energy and a positive VAD
// verdict, so line noise alone cannot trigger a barge-in.
func (p *AudioPipeline) isMeaningfulSpeech(frame []byte) bool {
	if audio.CalculateRMS(frame) < p.config.MinAudioLevel {
		return false
	}
	return p.detector.IsSpeech(frame)
}

func (p *AudioPipeline) withinEchoWindow(now time.Time) bool {
	last := p.lastAgentAudio.Load()
	if last == 0 {
		return false
	}
	return now.Sub(time.Unix(0, last)) < p.config.EchoCancellation
}

func (p *AudioPipeline) emit(utterance []byte) {
	select {
	case p.utterances <- utterance:
		return
	default:
	}
	select {
	case p.utterances <- utterance:
	case <-time.After(utteranceSendWait):
		p.log.Warn("utterance dropped, consumer not keeping up")
	}
}

// Speak streams synthesized PCM to the caller in paced mulaw chunks.
// It returns once playback has been fully handed to the carrier, or
// early when an interruption raises the stop flag.
func (p *AudioPipeline) Speak(pcm []byte) error {
	p.stopTransmission.Store(false)
	p.sending.Store(true)
	defer p.sending.Store(false)

	p.session.SetState(session.StateSpeaking)
	p.touchAgentAudio()

	encoded := audio.PCMBytesToMulaw(pcm)
	for i := 0; i < len(encoded); i += outChunkBytes {
		if p.stopTransmission.Load() {
			p.log.Debug("transmission stopped mid-utterance")
			return nil
		}

		end := i + outChunkBytes
		if end > len(encoded) {
			end = len(encoded)
		}
		payload := base64.StdEncoding.EncodeToString(encoded[i:end])
		if err := p.writer.WriteMedia(payload); err != nil {
			return err
		}
		p.touchAgentAudio()
		time.Sleep(outChunkInterval)
	}

	// The mark comes back from the carrier when playback finishes and
	// flips the session back to listening.
	return p.writer.WriteMark(MarkSpeechComplete)
}

// StopSpeaking aborts in-flight playback: it raises the stop flag,
// pushes a short run of silence to drain the carrier's jitter buffer,
// clears the remote queue and drops the session back to listening.
func (p *AudioPipeline) StopSpeaking() error {
	p.stopTransmission.Store(true)
	p.sending.Store(false)

	silence := make([]byte, p.config.FrameBytes/2)
	for i := range silence {
		silence[i] = audio.MulawSilence
	}
	payload := base64.StdEncoding.EncodeToString(silence)
	for i := 0; i < silenceFlushFrames; i++ {
		if err := p.writer.WriteMedia(payload); err != nil {
			return err
		}
	}

	if err := p.writer.WriteClear(); err != nil {
		return err
	}
	if err := p.writer.WriteMark(MarkSpeechStopped); err != nil {
		return err
	}

	p.session.SetState(session.StateListening)
	return nil
}

// FrameBytes returns the configured inbound frame size in bytes.
func (p *AudioPipeline) FrameBytes() int {
	return p.config.FrameBytes
}

// Sending reports whether an outbound utterance is currently streaming.
func (p *AudioPipeline) Sending() bool {
	return p.sending.Load()
}

func (p *AudioPipeline) touchAgentAudio() {
	p.lastAgentAudio.Store(time.Now().UnixNano())
}
