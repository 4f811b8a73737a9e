package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matryer/is"

	"github.com/square-key-labs/phoneline-ai/src/services"
	"github.com/square-key-labs/phoneline-ai/src/session"
)

func TestRespondParsesCandidate(t *testing.T) {
	is := is.New(t)

	var got geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.NoErr(json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"action\":\"respond\",\"text\":\"Hi there!\"}"}]}}]}`)
	}))
	defer srv.Close()

	svc := NewLLMService(LLMConfig{APIKey: "test", Model: "gemini-1.5-flash", Endpoint: srv.URL})
	reply, err := svc.Respond(context.Background(), []session.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
		{Role: "user", Content: "who are you"},
	})
	is.NoErr(err)
	is.Equal(reply.Action, services.ActionRespond)
	is.Equal(reply.Text, "Hi there!")

	// The assistant role travels as "model" on this API
	is.Equal(len(got.Contents), 3)
	is.Equal(got.Contents[1].Role, "model")
	is.True(got.SystemInstruction != nil)
}

func TestRespondRateLimited(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	svc := NewLLMService(LLMConfig{APIKey: "test", Model: "gemini-1.5-flash", Endpoint: srv.URL})
	reply, err := svc.Respond(context.Background(), nil)
	is.True(errors.Is(err, services.ErrRateLimited))
	is.Equal(reply, services.FallbackReply())
}

func TestRespondMalformedReplyFallsBack(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"not json at all"}]}}]}`)
	}))
	defer srv.Close()

	svc := NewLLMService(LLMConfig{APIKey: "test", Model: "gemini-1.5-flash", Endpoint: srv.URL})
	reply, err := svc.Respond(context.Background(), nil)
	is.True(err != nil)
	is.Equal(reply, services.FallbackReply())
}
