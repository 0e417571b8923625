// Package chat holds conversation rooms and their transcripts. Loading
// placeholders are replaced in place so a tool call occupies one slot.
package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type State string

const (
	StateLoading State = "loading"
	StateDone    State = "done"
	StateError   State = "error"
)

type Message struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"room_id"`
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	ToolID    string          `json:"tool_id,omitempty"`
	State     State           `json:"state"`
	Data      json.RawMessage `json:"data,omitempty"`
	TxID      string          `json:"txid,omitempty"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

func NewMessage(role Role, content string) Message {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		State:     StateDone,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Loading returns a placeholder for a tool call in flight.
func Loading(toolID string) Message {
	m := NewMessage(RoleTool, "")
	m.ToolID = toolID
	m.State = StateLoading
	return m
}

// SetData marshals v into Data. Marshal failures leave Data empty.
func (m *Message) SetData(v any) {
	if v == nil {
		m.Data = nil
		return
	}
	buf, err := json.Marshal(v)
	if err != nil {
		m.Data = nil
		return
	}
	m.Data = buf
}
