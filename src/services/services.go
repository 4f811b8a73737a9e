// Package services defines the contracts for the AI collaborators the
// dialogue engine talks to: speech-to-text, response generation and
// text-to-speech. Implementations live in subpackages.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/square-key-labs/phoneline-ai/src/session"
)

// ErrRateLimited marks a provider-side rate limit. Callers treat it as
// a benign per-turn failure rather than a call-ending error.
var ErrRateLimited = errors.New("provider rate limit exceeded")

// Transcriber converts spoken audio (a WAV payload) to text. Silent or
// unintelligible input yields an empty string, not an error.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// Responder produces the agent's next reply from the conversation so
// far. The user's newest utterance is the last message.
type Responder interface {
	Respond(ctx context.Context, messages []session.Message) (AgentReply, error)
}

// Synthesizer converts text to 16-bit mono PCM at the telephony sample
// rate. The interrupted probe is checked around network steps so a
// barge-in aborts synthesis early; an aborted synthesis returns nil
// audio and nil error.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, interrupted func() bool) ([]byte, error)
}

// Reply actions the LLM may request.
const (
	ActionRespond = "respond"
	ActionHangup  = "hangup"
)

// AgentReply is the structured reply the LLM returns.
type AgentReply struct {
	Action string `json:"action"`
	Text   string `json:"text"`
}

// FallbackReply is spoken when the LLM fails or returns malformed JSON.
func FallbackReply() AgentReply {
	return AgentReply{Action: ActionRespond, Text: "Sorry, could you repeat that?"}
}

// ParseAgentReply decodes the LLM's JSON content. Replies with an
// unknown action degrade to "respond".
func ParseAgentReply(raw string) (AgentReply, error) {
	var reply AgentReply
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &reply); err != nil {
		return AgentReply{}, fmt.Errorf("malformed agent reply: %w", err)
	}
	if reply.Action != ActionHangup {
		reply.Action = ActionRespond
	}
	reply.Text = strings.TrimSpace(reply.Text)
	return reply, nil
}

// SystemPrompt steers the LLM for phone conversations. The JSON shape
// it mandates is what ParseAgentReply expects.
const SystemPrompt = `You are Jennifer, a helpful AI assistant for phone conversations.

Be warm, natural, and conversational. Keep responses concise and human-like.
Use contractions and natural speech patterns.

Always respond in JSON format: {"action": "respond" or "hangup", "text": "your response"}

IMPORTANT:
- Always provide a text response, never return null or empty text.
- If you don't know something, say so clearly instead of making things up.
- If the user asks about "our website" or "our company", ask them to clarify what they're referring to.
- Keep responses relevant to what the user actually asked.
- If ending the call, still provide a polite goodbye message in the text field.

Be helpful, ask for clarification when needed, and end calls naturally when appropriate.`

// STTPrompt guides the transcription model.
const STTPrompt = "Transcribe exactly what is spoken in this phone conversation. " +
	"Be accurate and natural. If unclear or just noise, return empty string."
