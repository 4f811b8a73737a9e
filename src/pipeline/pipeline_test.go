package pipeline

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/square-key-labs/phoneline-ai/src/audio"
	"github.com/square-key-labs/phoneline-ai/src/audio/vad"
	"github.com/square-key-labs/phoneline-ai/src/session"
)

type fakeWriter struct {
	mu     sync.Mutex
	media  []string
	marks  []string
	clears int
}

func (w *fakeWriter) WriteMedia(payload string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.media = append(w.media, payload)
	return nil
}

func (w *fakeWriter) WriteMark(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.marks = append(w.marks, name)
	return nil
}

func (w *fakeWriter) WriteClear() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clears++
	return nil
}

func (w *fakeWriter) mediaCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.media)
}

func (w *fakeWriter) markNames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.marks))
	copy(out, w.marks)
	return out
}

func (w *fakeWriter) clearCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clears
}

type fakeSink struct {
	mu    sync.Mutex
	count int
}

func (s *fakeSink) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
}

func (s *fakeSink) interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func newTestPipeline(t *testing.T) (*AudioPipeline, *fakeWriter, *session.CallSession) {
	t.Helper()
	detector, err := vad.New(1, 8000)
	if err != nil {
		t.Fatal(err)
	}
	sess := session.New("CA123", "+15550001111", "+15550002222", time.Minute)
	writer := &fakeWriter{}
	p := New(sess, writer, detector, Config{
		FrameBytes:         320,
		FrameDuration:      20 * time.Millisecond,
		MinAudioLevel:      0.015,
		VADSilence:         600 * time.Millisecond,
		VADMinSpeech:       150 * time.Millisecond,
		MaxUtteranceLength: 10 * time.Second,
		EchoCancellation:   100 * time.Millisecond,
	})
	return p, writer, sess
}

// speechFrame is a loud 200Hz tone: high energy, low crossing rate.
func speechFrame() []byte {
	out := make([]byte, 320)
	for i := 0; i < 160; i++ {
		v := int16(9000 * math.Sin(2*math.Pi*200*float64(i)/8000))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func TestMeaningfulSpeechGate(t *testing.T) {
	is := is.New(t)
	p, _, _ := newTestPipeline(t)

	is.True(p.isMeaningfulSpeech(speechFrame()))
	is.True(!p.isMeaningfulSpeech(make([]byte, 320)))

	// A tone the VAD accepts but that sits under the level threshold
	// must not count; both gates have to agree
	faint := make([]byte, 320)
	for i := 0; i < 160; i++ {
		v := int16(550 * math.Sin(2*math.Pi*200*float64(i)/8000))
		binary.LittleEndian.PutUint16(faint[i*2:], uint16(v))
	}
	is.True(!p.isMeaningfulSpeech(faint))
}

func TestSpeakStreamsChunksThenMark(t *testing.T) {
	is := is.New(t)
	p, writer, sess := newTestPipeline(t)

	// Three frames of PCM become three mulaw chunks
	err := p.Speak(make([]byte, 960))
	is.NoErr(err)

	is.Equal(writer.mediaCount(), 3)
	is.Equal(writer.markNames(), []string{MarkSpeechComplete})
	// Still speaking until the carrier echoes the mark back
	is.Equal(sess.State(), session.StateSpeaking)
}

func TestStopSpeakingFlushesSilenceAndClears(t *testing.T) {
	is := is.New(t)
	p, writer, sess := newTestPipeline(t)
	sess.SetState(session.StateSpeaking)

	is.NoErr(p.StopSpeaking())

	silence := make([]byte, 160)
	for i := range silence {
		silence[i] = audio.MulawSilence
	}
	expected := base64.StdEncoding.EncodeToString(silence)

	is.Equal(writer.mediaCount(), 5)
	for _, payload := range writer.media {
		is.Equal(payload, expected)
	}
	is.Equal(writer.clearCount(), 1)
	is.Equal(writer.markNames(), []string{MarkSpeechStopped})
	is.Equal(sess.State(), session.StateListening)
}

func TestBargeInWhileSpeaking(t *testing.T) {
	is := is.New(t)
	p, writer, sess := newTestPipeline(t)
	sink := &fakeSink{}
	p.SetInterruptionSink(sink)
	sess.SetState(session.StateSpeaking)

	seg := newTestSegmenter()
	p.processFrame(seg, speechFrame())

	is.Equal(sink.interrupts(), 1)
	is.Equal(writer.clearCount(), 1)
	is.Equal(sess.State(), session.StateListening)
}

func TestQuietFrameDoesNotBargeIn(t *testing.T) {
	is := is.New(t)
	p, _, sess := newTestPipeline(t)
	sink := &fakeSink{}
	p.SetInterruptionSink(sink)
	sess.SetState(session.StateSpeaking)

	seg := newTestSegmenter()
	p.processFrame(seg, make([]byte, 320))

	is.Equal(sink.interrupts(), 0)
	is.Equal(sess.State(), session.StateSpeaking)
}

func TestEchoWindowSuppressesBuffering(t *testing.T) {
	is := is.New(t)
	p, _, _ := newTestPipeline(t)

	seg := newTestSegmenter()
	p.touchAgentAudio()
	p.processFrame(seg, speechFrame())
	is.True(!seg.active()) // frame inside the echo window is not buffered

	p.lastAgentAudio.Store(0)
	p.processFrame(seg, speechFrame())
	is.True(seg.active())
}

func TestEnqueueFrameDropsOldestWhenFull(t *testing.T) {
	is := is.New(t)
	p, _, _ := newTestPipeline(t)

	for i := 0; i < frameQueueSize+1; i++ {
		frame := make([]byte, 320)
		frame[0] = byte(i)
		p.EnqueueFrame(frame)
	}

	is.Equal(len(p.frames), frameQueueSize)
	first := <-p.frames
	is.Equal(first[0], byte(1)) // frame 0 was sacrificed
}

func TestSpeakAbortsOnStop(t *testing.T) {
	is := is.New(t)
	p, writer, _ := newTestPipeline(t)

	done := make(chan error, 1)
	go func() {
		// 50 chunks, around half a second of pacing
		done <- p.Speak(make([]byte, 16000))
	}()

	for writer.mediaCount() < 3 {
		time.Sleep(time.Millisecond)
	}
	is.NoErr(p.StopSpeaking())
	is.NoErr(<-done)

	marks := writer.markNames()
	is.Equal(marks, []string{MarkSpeechStopped})
}
