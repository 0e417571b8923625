package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// ErrRecordNotFound is returned by Get for unknown record ids.
var ErrRecordNotFound = errors.New("transaction record not found")

type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create transaction store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create transaction lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open transaction sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS transactions (
			record_id TEXT PRIMARY KEY,
			tool_id TEXT NOT NULL,
			room_id TEXT NOT NULL,
			txid TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_transactions_status_updated ON transactions(status, updated_at DESC);",
		"CREATE INDEX IF NOT EXISTS idx_transactions_txid ON transactions(txid);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init transaction schema: %w", err)
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

func (s *Store) Save(record TransactionRecord) error {
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("save transaction: missing record id")
	}
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock transaction store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock transaction store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}
	createdUnix, _ := parseRFC3339Unix(record.CreatedAt)
	updatedUnix, _ := parseRFC3339Unix(record.UpdatedAt)
	if createdUnix == 0 {
		createdUnix = time.Now().UTC().Unix()
	}
	if updatedUnix == 0 {
		updatedUnix = time.Now().UTC().Unix()
	}

	_, err = s.db.Exec(`
		INSERT INTO transactions (record_id, tool_id, room_id, txid, status, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			txid=excluded.txid,
			status=excluded.status,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, record.ID, record.ToolID, record.RoomID, record.TxID, record.Status, createdUnix, updatedUnix, payload)
	if err != nil {
		return fmt.Errorf("save transaction: %w", err)
	}
	return nil
}

func (s *Store) Get(id string) (TransactionRecord, error) {
	return s.getOne("SELECT payload FROM transactions WHERE record_id = ?", id)
}

// GetByTxID looks a record up by its on-chain signature.
func (s *Store) GetByTxID(txid string) (TransactionRecord, error) {
	return s.getOne("SELECT payload FROM transactions WHERE txid = ? ORDER BY updated_at DESC LIMIT 1", txid)
}

func (s *Store) getOne(query, arg string) (TransactionRecord, error) {
	var payload []byte
	err := s.db.QueryRow(query, arg).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TransactionRecord{}, fmt.Errorf("%w: %s", ErrRecordNotFound, arg)
		}
		return TransactionRecord{}, fmt.Errorf("read transaction: %w", err)
	}
	var record TransactionRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return TransactionRecord{}, fmt.Errorf("decode transaction payload: %w", err)
	}
	return record, nil
}

func (s *Store) List(status string, limit int) ([]TransactionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(status) == "" {
		rows, err = s.db.Query("SELECT payload FROM transactions ORDER BY updated_at DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.Query("SELECT payload FROM transactions WHERE status = ? ORDER BY updated_at DESC LIMIT ?", status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	records := make([]TransactionRecord, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		var record TransactionRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			return nil, fmt.Errorf("decode transaction row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction rows: %w", err)
	}
	return records, nil
}

func parseRFC3339Unix(v string) (int64, bool) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, false
	}
	return t.UTC().Unix(), true
}
