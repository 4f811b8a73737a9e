package session

import (
	"sync"
	"time"
)

// AgentState is the agent's position in the conversation loop.
type AgentState string

const (
	StateListening AgentState = "LISTENING"
	StateThinking  AgentState = "THINKING"
	StateSpeaking  AgentState = "SPEAKING"
)

// Message is one turn of the conversation history.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// maxHistory caps the conversation history kept per call.
const maxHistory = 10

// CallSession tracks one phone call: identity, conversation history and
// the agent state machine. All mutable fields are guarded by the mutex;
// Context returns a snapshot so the lock is never held across network
// calls.
type CallSession struct {
	CallSID    string
	FromNumber string
	ToNumber   string
	StartTime  time.Time

	maxDuration time.Duration

	mu      sync.Mutex
	state   AgentState
	history []Message
}

// New creates a CallSession in the LISTENING state.
func New(callSID, from, to string, maxDuration time.Duration) *CallSession {
	return &CallSession{
		CallSID:     callSID,
		FromNumber:  from,
		ToNumber:    to,
		StartTime:   time.Now(),
		maxDuration: maxDuration,
		state:       StateListening,
	}
}

// State returns the current agent state.
func (s *CallSession) State() AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the agent state. Setting the current state is a
// no-op.
func (s *CallSession) SetState(state AgentState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != state {
		s.state = state
	}
}

// AddExchange appends a user turn and, when non-empty, the paired
// assistant turn, trimming the history to the most recent entries.
func (s *CallSession) AddExchange(userInput, agentResponse string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, Message{Role: "user", Content: userInput})
	if agentResponse != "" {
		s.history = append(s.history, Message{Role: "assistant", Content: agentResponse})
	}
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
}

// Context returns a snapshot copy of the conversation history.
func (s *CallSession) Context() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// Duration reports how long the call has been running.
func (s *CallSession) Duration() time.Duration {
	return time.Since(s.StartTime)
}

// ShouldEnd reports whether the call has exceeded its maximum duration.
func (s *CallSession) ShouldEnd() bool {
	return s.Duration() >= s.maxDuration
}
