package pipeline

import (
	"bytes"
	"time"
)

// segmenter builds utterances from a stream of classified 20ms frames.
// It tolerates short pauses inside an utterance, then watches silence
// until the utterance is considered finished.
type segmenter struct {
	frameBytes     int
	frameDuration  time.Duration
	minSpeech      time.Duration
	maxSilence     time.Duration
	maxUtterance   time.Duration
	maxPauseFrames int

	buf            bytes.Buffer
	inSpeech       bool
	utteranceStart time.Time
	silenceStart   time.Time
	pauseFrames    int
}

func newSegmenter(frameBytes int, frameDuration, minSpeech, maxSilence, maxUtterance time.Duration) *segmenter {
	return &segmenter{
		frameBytes:     frameBytes,
		frameDuration:  frameDuration,
		minSpeech:      minSpeech,
		maxSilence:     maxSilence,
		maxUtterance:   maxUtterance,
		maxPauseFrames: 10,
	}
}

// feed advances the state machine with one frame. When an utterance
// completes it is returned with ok=true.
func (g *segmenter) feed(frame []byte, speech bool, now time.Time) (utterance []byte, ok bool) {
	if speech {
		g.pauseFrames = 0
		g.silenceStart = time.Time{}
		if !g.inSpeech {
			g.inSpeech = true
			g.utteranceStart = now
		}
		g.buf.Write(frame)

		// Force-flush runaway utterances even without a pause
		if now.Sub(g.utteranceStart) >= g.maxUtterance {
			return g.flush()
		}
		return nil, false
	}

	if !g.inSpeech {
		return nil, false
	}

	// Tolerate brief pauses within an utterance
	if g.pauseFrames < g.maxPauseFrames {
		g.pauseFrames++
		g.buf.Write(frame)
		return nil, false
	}

	if g.silenceStart.IsZero() {
		g.silenceStart = now
	}
	if now.Sub(g.silenceStart) > g.maxSilence || now.Sub(g.utteranceStart) > g.maxUtterance {
		return g.flush()
	}
	return nil, false
}

// flush ends the current utterance, returning it only when it meets the
// minimum speech duration. Used both at silence boundaries and when the
// inbound queue goes idle mid-speech.
func (g *segmenter) flush() (utterance []byte, ok bool) {
	duration := time.Duration(g.buf.Len()/g.frameBytes) * g.frameDuration
	if duration > g.minSpeech {
		utterance = make([]byte, g.buf.Len())
		copy(utterance, g.buf.Bytes())
		ok = true
	}

	g.buf.Reset()
	g.inSpeech = false
	g.silenceStart = time.Time{}
	g.utteranceStart = time.Time{}
	g.pauseFrames = 0
	return utterance, ok
}

// active reports whether an utterance is currently being buffered.
func (g *segmenter) active() bool {
	return g.inSpeech
}
