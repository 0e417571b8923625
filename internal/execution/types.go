package execution

import "time"

type RecordStatus string

const (
	RecordStatusPending RecordStatus = "pending"
	RecordStatusSuccess RecordStatus = "success"
	RecordStatusError   RecordStatus = "error"
)

// TransactionRecord tracks one submitted transaction from signature to finality.
type TransactionRecord struct {
	ID                    string       `json:"id"`
	ToolID                string       `json:"tool_id"`
	RoomID                string       `json:"room_id,omitempty"`
	SerializedTransaction string       `json:"serialized_transaction,omitempty"`
	TxID                  string       `json:"txid,omitempty"`
	Status                RecordStatus `json:"status"`
	Error                 string       `json:"error,omitempty"`
	Attempts              int          `json:"attempts"`
	LastCheckedAt         string       `json:"last_checked_at,omitempty"`
	CreatedAt             string       `json:"created_at"`
	UpdatedAt             string       `json:"updated_at"`
}

func NewRecord(id, toolID, roomID string) TransactionRecord {
	now := time.Now().UTC().Format(time.RFC3339)
	return TransactionRecord{
		ID:        id,
		ToolID:    toolID,
		RoomID:    roomID,
		Status:    RecordStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r *TransactionRecord) Touch() {
	r.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

func (r TransactionRecord) Terminal() bool {
	return r.Status == RecordStatusSuccess || r.Status == RecordStatusError
}
