package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// RoomInfo summarises a stored room.
type RoomInfo struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	Messages  int    `json:"messages"`
}

// Store persists rooms and messages in sqlite, guarded by a file lock for
// writers in other processes.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create chat store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create chat lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open chat sqlite: %w", err)
	}
	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS rooms (
			room_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_messages_room_seq ON messages(room_id, seq);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init chat schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) withLock(fn func() error) error {
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock chat store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock chat store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

func (s *Store) SaveRoom(id, title string) error {
	now := time.Now().UTC().Unix()
	return s.withLock(func() error {
		_, err := s.db.Exec(`
			INSERT INTO rooms (room_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(room_id) DO UPDATE SET
				title=CASE WHEN excluded.title = '' THEN rooms.title ELSE excluded.title END,
				updated_at=excluded.updated_at
		`, id, title, now, now)
		if err != nil {
			return fmt.Errorf("save room: %w", err)
		}
		return nil
	})
}

// SaveMessage upserts a message, keeping its original position in the room.
func (s *Store) SaveMessage(msg Message) error {
	if strings.TrimSpace(msg.ID) == "" || strings.TrimSpace(msg.RoomID) == "" {
		return fmt.Errorf("save message: missing message or room id")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	now := time.Now().UTC()
	return s.withLock(func() error {
		_, err := s.db.Exec(`
			INSERT INTO messages (message_id, room_id, seq, updated_at, payload)
			VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE room_id = ?), ?, ?)
			ON CONFLICT(message_id) DO UPDATE SET
				updated_at=excluded.updated_at,
				payload=excluded.payload
		`, msg.ID, msg.RoomID, msg.RoomID, now.UnixNano(), payload)
		if err != nil {
			return fmt.Errorf("save message: %w", err)
		}
		_, err = s.db.Exec("UPDATE rooms SET updated_at = ? WHERE room_id = ?", now.Unix(), msg.RoomID)
		if err != nil {
			return fmt.Errorf("touch room: %w", err)
		}
		return nil
	})
}

func (s *Store) Messages(roomID string) ([]Message, error) {
	rows, err := s.db.Query("SELECT payload FROM messages WHERE room_id = ? ORDER BY seq ASC", roomID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("decode message row: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

func (s *Store) Rooms(limit int) ([]RoomInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT r.room_id, r.title, r.created_at, r.updated_at, COUNT(m.message_id)
		FROM rooms r LEFT JOIN messages m ON m.room_id = r.room_id
		GROUP BY r.room_id
		ORDER BY r.updated_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	out := make([]RoomInfo, 0)
	for rows.Next() {
		var (
			info             RoomInfo
			created, updated int64
		)
		if err := rows.Scan(&info.ID, &info.Title, &created, &updated, &info.Messages); err != nil {
			return nil, fmt.Errorf("scan room row: %w", err)
		}
		info.CreatedAt = time.Unix(created, 0).UTC().Format(time.RFC3339)
		info.UpdatedAt = time.Unix(updated, 0).UTC().Format(time.RFC3339)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room rows: %w", err)
	}
	return out, nil
}
