package chat

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrMessageNotFound = errors.New("chat: message not found")

// MessageSink persists transcript writes. *Store satisfies it.
type MessageSink interface {
	SaveMessage(msg Message) error
}

// Room is one conversation. All methods are safe for concurrent use.
type Room struct {
	id string

	mu       sync.Mutex
	messages []Message
	index    map[string]int
	sink     MessageSink
	onChange func(Message)
}

func newRoom(id string, history []Message, sink MessageSink, onChange func(Message)) *Room {
	r := &Room{id: id, index: make(map[string]int, len(history)), sink: sink, onChange: onChange}
	for _, m := range history {
		r.index[m.ID] = len(r.messages)
		r.messages = append(r.messages, m)
	}
	return r
}

func (r *Room) ID() string { return r.id }

// Append adds a message and returns it with room id and timestamps filled.
func (r *Room) Append(msg Message) (Message, error) {
	msg.RoomID = r.id
	if msg.CreatedAt == "" {
		msg.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if msg.UpdatedAt == "" {
		msg.UpdatedAt = msg.CreatedAt
	}
	r.mu.Lock()
	if _, exists := r.index[msg.ID]; exists {
		r.mu.Unlock()
		return Message{}, fmt.Errorf("chat: duplicate message id %s", msg.ID)
	}
	r.index[msg.ID] = len(r.messages)
	r.messages = append(r.messages, msg)
	r.mu.Unlock()

	return msg, r.written(msg)
}

// Update mutates a message in place. The id and room cannot change.
func (r *Room) Update(id string, fn func(*Message)) (Message, error) {
	r.mu.Lock()
	idx, ok := r.index[id]
	if !ok {
		r.mu.Unlock()
		return Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	msg := r.messages[idx]
	fn(&msg)
	msg.ID = id
	msg.RoomID = r.id
	msg.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	r.messages[idx] = msg
	r.mu.Unlock()

	return msg, r.written(msg)
}

func (r *Room) written(msg Message) error {
	if r.onChange != nil {
		r.onChange(msg)
	}
	if r.sink == nil {
		return nil
	}
	if err := r.sink.SaveMessage(msg); err != nil {
		return fmt.Errorf("chat.Room.persist: %w", err)
	}
	return nil
}

func (r *Room) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r *Room) Get(id string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.index[id]
	if !ok {
		return Message{}, false
	}
	return r.messages[idx], true
}

// Recent returns up to n finished user and assistant messages, oldest first.
func (r *Room) Recent(n int) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, 0, n)
	for i := len(r.messages) - 1; i >= 0 && len(out) < n; i-- {
		m := r.messages[i]
		if m.State != StateDone || (m.Role != RoleUser && m.Role != RoleAssistant) {
			continue
		}
		out = append(out, m)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// AbortLoading fails placeholders still in flight, except those already
// tracking a submitted transaction.
func (r *Room) AbortLoading(reason string) int {
	return r.clearLoading(reason, func(m Message) bool { return m.TxID == "" })
}

// clearLoading marks matching placeholders as interrupted and returns how
// many were changed. A nil match clears every placeholder.
func (r *Room) clearLoading(reason string, match func(Message) bool) int {
	r.mu.Lock()
	var ids []string
	for _, m := range r.messages {
		if m.State == StateLoading && (match == nil || match(m)) {
			ids = append(ids, m.ID)
		}
	}
	r.mu.Unlock()
	for _, id := range ids {
		_, _ = r.Update(id, func(m *Message) {
			m.State = StateError
			m.Content = reason
		})
	}
	return len(ids)
}
