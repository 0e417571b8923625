package chat

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Persistence is the storage a Manager writes through to. *Store satisfies it.
type Persistence interface {
	MessageSink
	SaveRoom(id, title string) error
	Messages(roomID string) ([]Message, error)
}

const interruptedReason = "interrupted by room switch"

// Manager owns the active room. Switching rooms runs teardown hooks and
// clears in-flight placeholders before the next room is loaded.
type Manager struct {
	store    Persistence
	logger   zerolog.Logger
	onChange func(Message)

	mu       sync.Mutex
	active   *Room
	teardown []func(roomID string)
}

type ManagerOption func(*Manager)

func WithManagerLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithMessageHook observes every append and in-place update.
func WithMessageHook(fn func(Message)) ManagerOption {
	return func(m *Manager) { m.onChange = fn }
}

func NewManager(store Persistence, opts ...ManagerOption) *Manager {
	m := &Manager{store: store, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnTeardown registers fn to run synchronously whenever a room is left.
func (m *Manager) OnTeardown(fn func(roomID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardown = append(m.teardown, fn)
}

// Active returns the current room or nil.
func (m *Manager) Active() *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// EnsureRoom returns the active room, creating one if none exists.
func (m *Manager) EnsureRoom(title string) (*Room, error) {
	if r := m.Active(); r != nil {
		return r, nil
	}
	return m.NewRoom(title)
}

// NewRoom leaves the current room and starts an empty one.
func (m *Manager) NewRoom(title string) (*Room, error) {
	id := uuid.NewString()
	if m.store != nil {
		if err := m.store.SaveRoom(id, title); err != nil {
			return nil, fmt.Errorf("chat.Manager.NewRoom: %w", err)
		}
	}
	room := newRoom(id, nil, m.sink(), m.onChange)
	m.replace(room)
	m.logger.Info().Str("room_id", id).Msg("room created")
	return room, nil
}

// Switch leaves the current room and loads roomID from storage.
func (m *Manager) Switch(roomID string) (*Room, error) {
	if cur := m.Active(); cur != nil && cur.ID() == roomID {
		return cur, nil
	}
	m.leave()

	var history []Message
	if m.store != nil {
		msgs, err := m.store.Messages(roomID)
		if err != nil {
			return nil, fmt.Errorf("chat.Manager.Switch: %w", err)
		}
		history = msgs
	}
	room := newRoom(roomID, history, m.sink(), m.onChange)
	m.mu.Lock()
	m.active = room
	m.mu.Unlock()
	m.logger.Info().Str("room_id", roomID).Int("messages", len(history)).Msg("room loaded")
	return room, nil
}

// Close tears down the active room.
func (m *Manager) Close() {
	m.leave()
}

func (m *Manager) replace(room *Room) {
	m.leave()
	m.mu.Lock()
	m.active = room
	m.mu.Unlock()
}

func (m *Manager) leave() {
	m.mu.Lock()
	prev := m.active
	m.active = nil
	hooks := append([]func(string){}, m.teardown...)
	m.mu.Unlock()
	if prev == nil {
		return
	}
	for _, fn := range hooks {
		fn(prev.ID())
	}
	prev.clearLoading(interruptedReason, nil)
}

func (m *Manager) sink() MessageSink {
	if m.store == nil {
		return nil
	}
	return m.store
}
