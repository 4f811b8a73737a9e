package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/square-key-labs/phoneline-ai/src/audio/vad"
	"github.com/square-key-labs/phoneline-ai/src/pipeline"
	"github.com/square-key-labs/phoneline-ai/src/services"
	"github.com/square-key-labs/phoneline-ai/src/session"
)

type fakeSTT struct {
	texts []string
	calls int
}

func (f *fakeSTT) Transcribe(ctx context.Context, wav []byte) (string, error) {
	text := f.texts[f.calls]
	f.calls++
	return text, nil
}

type fakeLLM struct {
	mu    sync.Mutex
	reply services.AgentReply
	err   error
	calls [][]session.Message
}

func (f *fakeLLM) Respond(ctx context.Context, messages []session.Message) (services.AgentReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, messages)
	if f.err != nil {
		return services.FallbackReply(), f.err
	}
	return f.reply, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeTTS struct {
	mu    sync.Mutex
	pcm   []byte
	texts []string
}

func (f *fakeTTS) Synthesize(ctx context.Context, text string, interrupted func() bool) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return f.pcm, nil
}

type nullWriter struct{}

func (nullWriter) WriteMedia(string) error { return nil }
func (nullWriter) WriteMark(string) error  { return nil }
func (nullWriter) WriteClear() error       { return nil }

func newTestEngine(t *testing.T, stt *fakeSTT, llm *fakeLLM, tts *fakeTTS) (*Engine, *session.CallSession) {
	t.Helper()
	detector, err := vad.New(1, 8000)
	if err != nil {
		t.Fatal(err)
	}
	sess := session.New("CA123", "+15550001111", "+15550002222", time.Minute)
	pipe := pipeline.New(sess, nullWriter{}, detector, pipeline.Config{
		FrameBytes:    320,
		FrameDuration: 20 * time.Millisecond,
	})
	eng := New(sess, pipe, Config{
		STT:                stt,
		LLM:                llm,
		TTS:                tts,
		SampleRate:         8000,
		MinMeaningfulWords: 2,
		HangupDelay:        20 * time.Millisecond,
	})
	return eng, sess
}

func utteranceAudio() []byte {
	return make([]byte, 320*25) // half a second of silence-shaped PCM
}

func TestHallucinationFiltered(t *testing.T) {
	is := is.New(t)
	stt := &fakeSTT{texts: []string{"Thank you for calling, have a great day!"}}
	llm := &fakeLLM{reply: services.AgentReply{Action: services.ActionRespond, Text: "hi"}}
	eng, sess := newTestEngine(t, stt, llm, &fakeTTS{})

	eng.handleUtterance(context.Background(), utteranceAudio())

	is.Equal(llm.callCount(), 0)
	is.Equal(sess.State(), session.StateListening)
	is.Equal(len(sess.Context()), 0)
}

func TestFillerAndStubsFiltered(t *testing.T) {
	is := is.New(t)
	stt := &fakeSTT{texts: []string{"Um.", "hi", "yes"}}
	llm := &fakeLLM{reply: services.AgentReply{Action: services.ActionRespond, Text: "hi"}}
	eng, _ := newTestEngine(t, stt, llm, &fakeTTS{})

	eng.handleUtterance(context.Background(), utteranceAudio()) // filler
	eng.handleUtterance(context.Background(), utteranceAudio()) // too short
	eng.handleUtterance(context.Background(), utteranceAudio()) // below word minimum

	is.Equal(llm.callCount(), 0)
}

func TestFragmentsCoalesced(t *testing.T) {
	is := is.New(t)
	stt := &fakeSTT{texts: []string{"what is", "your name"}}
	llm := &fakeLLM{reply: services.AgentReply{Action: services.ActionRespond, Text: "I'm Jennifer."}}
	tts := &fakeTTS{pcm: make([]byte, 320)}
	eng, sess := newTestEngine(t, stt, llm, tts)

	eng.handleUtterance(context.Background(), utteranceAudio())
	is.Equal(llm.callCount(), 0) // incomplete fragment held back

	eng.handleUtterance(context.Background(), utteranceAudio())
	is.Equal(llm.callCount(), 1)

	turn := llm.calls[0]
	is.Equal(turn[len(turn)-1].Content, "what is your name")

	history := sess.Context()
	is.Equal(history[0].Content, "what is your name")
	is.Equal(history[1].Content, "I'm Jennifer.")
}

func TestCompleteSentenceAnsweredImmediately(t *testing.T) {
	is := is.New(t)
	stt := &fakeSTT{texts: []string{"Where are you located?"}}
	llm := &fakeLLM{reply: services.AgentReply{Action: services.ActionRespond, Text: "Good question."}}
	tts := &fakeTTS{pcm: make([]byte, 320)}
	eng, _ := newTestEngine(t, stt, llm, tts)

	eng.handleUtterance(context.Background(), utteranceAudio())
	is.Equal(llm.callCount(), 1)
	is.Equal(tts.texts, []string{"Good question."})
}

func TestHangupEndsCallAfterDelay(t *testing.T) {
	is := is.New(t)
	stt := &fakeSTT{texts: []string{"Okay, goodbye then."}}
	llm := &fakeLLM{reply: services.AgentReply{Action: services.ActionHangup, Text: "Goodbye!"}}
	tts := &fakeTTS{pcm: make([]byte, 320)}
	eng, _ := newTestEngine(t, stt, llm, tts)

	eng.handleUtterance(context.Background(), utteranceAudio())

	// The goodbye is spoken before the deferred stop fires
	is.Equal(llm.callCount(), 1)
	is.Equal(tts.texts, []string{"Goodbye!"})

	select {
	case <-eng.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("call did not end after hangup reply")
	}
}

func TestLLMFailureSpeaksFallback(t *testing.T) {
	is := is.New(t)
	stt := &fakeSTT{texts: []string{"Can you help me out?"}}
	llm := &fakeLLM{err: context.DeadlineExceeded}
	tts := &fakeTTS{pcm: make([]byte, 320)}
	eng, sess := newTestEngine(t, stt, llm, tts)

	eng.handleUtterance(context.Background(), utteranceAudio())

	fallback := services.FallbackReply().Text
	is.Equal(tts.texts, []string{fallback})
	history := sess.Context()
	is.Equal(history[len(history)-1].Content, fallback)
}

func TestInterruptFlagAutoClears(t *testing.T) {
	is := is.New(t)
	eng, sess := newTestEngine(t, &fakeSTT{}, &fakeLLM{}, &fakeTTS{})
	sess.SetState(session.StateSpeaking)

	eng.Interrupt()
	is.True(eng.interrupted.Load())
	is.Equal(sess.State(), session.StateListening)

	time.Sleep(150 * time.Millisecond)
	is.True(!eng.interrupted.Load())
}

func TestInterruptionDropsTurn(t *testing.T) {
	is := is.New(t)
	stt := &fakeSTT{texts: []string{"Tell me a long story."}}
	llm := &fakeLLM{reply: services.AgentReply{Action: services.ActionRespond, Text: "Once upon a time."}}
	tts := &fakeTTS{pcm: make([]byte, 320)}
	eng, sess := newTestEngine(t, stt, llm, tts)

	eng.interrupted.Store(true)
	eng.handleUtterance(context.Background(), utteranceAudio())

	is.Equal(llm.callCount(), 0)
	is.Equal(sess.State(), session.StateListening)
}
