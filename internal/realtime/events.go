// Package realtime consumes the realtime conversation event stream in order,
// drives the session state machine and dispatches tool calls.
package realtime

import (
	"encoding/json"
	"fmt"
)

// Inbound event types.
const (
	EventSessionCreated          = "session.created"
	EventSessionUpdated          = "session.updated"
	EventSpeechStarted           = "input_audio_buffer.speech_started"
	EventSpeechStopped           = "input_audio_buffer.speech_stopped"
	EventTranscriptDelta         = "response.audio_transcript.delta"
	EventTranscriptDone          = "response.audio_transcript.done"
	EventInputTranscription      = "conversation.item.input_audio_transcription.completed"
	EventFunctionCallArgsDone    = "response.function_call_arguments.done"
	EventResponseDone            = "response.done"
	EventError                   = "error"
	ErrorCodeSessionExpired      = "session_expired"
	clientSessionUpdate          = "session.update"
	clientConversationItemCreate = "conversation.item.create"
	clientResponseCreate         = "response.create"
)

// Event is one decoded server event. Only the fields relevant to Type are set.
type Event struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	ResponseID string          `json:"response_id,omitempty"`
	ItemID     string          `json:"item_id,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	CallID     string          `json:"call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Arguments  string          `json:"arguments,omitempty"`
	Session    json.RawMessage `json:"session,omitempty"`
	Response   *ResponseBody   `json:"response,omitempty"`
	Error      *ErrorBody      `json:"error,omitempty"`
}

type ResponseBody struct {
	ID     string         `json:"id"`
	Status string         `json:"status"`
	Usage  *ResponseUsage `json:"usage,omitempty"`
}

type ResponseUsage struct {
	TotalTokens  int64 `json:"total_tokens"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type ErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeEvent parses one server frame.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("realtime.DecodeEvent: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("realtime.DecodeEvent: missing event type")
	}
	return ev, nil
}

// ClientEvent is an outbound frame.
type ClientEvent struct {
	Type     string            `json:"type"`
	Session  *SessionUpdate    `json:"session,omitempty"`
	Item     *ConversationItem `json:"item,omitempty"`
	Response *ResponseCreate   `json:"response,omitempty"`
}

type SessionUpdate struct {
	Modalities              []string          `json:"modalities,omitempty"`
	Voice                   string            `json:"voice,omitempty"`
	Instructions            string            `json:"instructions,omitempty"`
	Tools                   []FunctionTool    `json:"tools"`
	ToolChoice              string            `json:"tool_choice,omitempty"`
	InputAudioTranscription *TranscriptionCfg `json:"input_audio_transcription,omitempty"`
}

type TranscriptionCfg struct {
	Model string `json:"model"`
}

type FunctionTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ConversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

type ResponseCreate struct {
	Instructions string `json:"instructions,omitempty"`
}

func functionCallOutput(callID string, output []byte) ClientEvent {
	return ClientEvent{
		Type: clientConversationItemCreate,
		Item: &ConversationItem{Type: "function_call_output", CallID: callID, Output: string(output)},
	}
}

func responseCreate(instructions string) ClientEvent {
	ev := ClientEvent{Type: clientResponseCreate}
	if instructions != "" {
		ev.Response = &ResponseCreate{Instructions: instructions}
	}
	return ev
}
