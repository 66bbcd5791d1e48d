package protocol

import (
	"encoding/json"

	"github.com/codefionn/orbit/internal/state"
)

// Inbound command types
const (
	TypeHaltSignal   = "HALT_SIGNAL"
	TypeResumeSignal = "RESUME_SIGNAL"
	TypeApproveCmd   = "APPROVE_CMD"
	TypeAIPrompt     = "AI_PROMPT"
	TypeGetState     = "GET_STATE"
)

// Outbound event types
const (
	EventInit            = "INIT"
	EventStateUpdate     = "STATE_UPDATE"
	EventAlert           = "ALERT"
	EventLog             = "LOG"
	EventAIResponse      = "AI_RESPONSE"
	EventAIResponseChunk = "AI_RESPONSE_CHUNK"
	EventError           = "ERROR"
)

// Operator-facing texts
const (
	AlertHalted      = "SYSTEM FROZEN BY PANIC SIGNAL"
	msgApproved      = "Command %s approved by %s."
	msgResumed       = "System resumed by %s."
	msgRateLimited   = "rate limit exceeded"
	msgQueueFull     = "AI prompt queue full, try again later"
	msgHaltedRefusal = "agent is halted; send RESUME_SIGNAL before prompting"
	msgCancelled     = "AI request cancelled: agent halted"
	msgTimedOut      = "AI request timed out"
	msgShutdown      = "AI request cancelled: server shutting down"
	msgAborted       = "AI request cancelled"
)

// Event is an outbound notification. Events are values; the engine encodes
// each one once and hands the same bytes to every recipient.
type Event struct {
	Type    string      `json:"type"`
	Data    interface{} `json:"data,omitempty"`
	Msg     string      `json:"msg,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// AIResponse is the data of an AI_RESPONSE event
type AIResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
	Done  bool   `json:"done,omitempty"`
}

// AIChunk is the data of an AI_RESPONSE_CHUNK event
type AIChunk struct {
	Delta string `json:"delta"`
}

// Encode returns the wire form of the event
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// InitEvent carries the snapshot sent to a newly admitted session
func InitEvent(s state.AgentState) Event {
	return Event{Type: EventInit, Data: s.Clone()}
}

// StateUpdateEvent carries a full state snapshot
func StateUpdateEvent(s state.AgentState) Event {
	return Event{Type: EventStateUpdate, Data: s.Clone()}
}

// AlertEvent is an operator-facing warning
func AlertEvent(msg string) Event {
	return Event{Type: EventAlert, Msg: msg}
}

// LogEvent is an informational notice
func LogEvent(msg string) Event {
	return Event{Type: EventLog, Msg: msg}
}

// AIResponseEvent carries the complete response text. When streaming it
// follows the last chunk.
func AIResponseEvent(text string) Event {
	return Event{Type: EventAIResponse, Data: AIResponse{Text: text, Done: true}}
}

// AIFailureEvent reports a failed completion in-band
func AIFailureEvent(text string, err error) Event {
	resp := AIResponse{Text: text, Done: true}
	if err != nil {
		resp.Error = err.Error()
	}
	return Event{Type: EventAIResponse, Data: resp}
}

// AIChunkEvent carries one streamed fragment
func AIChunkEvent(delta string) Event {
	return Event{Type: EventAIResponseChunk, Data: AIChunk{Delta: delta}}
}

// ErrorEvent reports a rejected frame to its sender
func ErrorEvent(msg string, details interface{}) Event {
	return Event{Type: EventError, Msg: msg, Details: details}
}
