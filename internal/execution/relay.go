package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/httpx"
)

// Relay submits signed transactions and reports their on-chain status.
type Relay interface {
	Send(ctx context.Context, serializedTx string) (string, error)
	Status(ctx context.Context, signature string) (StatusResult, error)
}

// StatusResult is the relay's view of one signature. A nil Transaction means
// the signature has not been observed yet.
type StatusResult struct {
	Status      string          `json:"status"`
	Transaction json.RawMessage `json:"transaction,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
}

// Observed reports whether the relay has seen the transaction on chain.
func (r StatusResult) Observed() bool {
	raw := strings.TrimSpace(string(r.Transaction))
	return raw != "" && raw != "null"
}

// Failed reports whether the observed transaction carries an on-chain error.
func (r StatusResult) Failed() bool {
	raw := strings.TrimSpace(string(r.Error))
	hasErr := raw != "" && raw != "null" && raw != `""`
	return hasErr || strings.EqualFold(r.Status, "error")
}

func (r StatusResult) ErrorText() string {
	raw := strings.TrimSpace(string(r.Error))
	var s string
	if err := json.Unmarshal(r.Error, &s); err == nil && s != "" {
		return s
	}
	if raw == "" || raw == "null" {
		return "transaction failed on chain"
	}
	return raw
}

type RelayOptions struct {
	SkipPreflight bool
	MaxRetries    int
	Commitment    string
	MaxTxVersion  int
}

// HTTPRelay talks to the data backend's transaction endpoints.
type HTTPRelay struct {
	client *httpx.Client
	opts   RelayOptions
}

func NewHTTPRelay(client *httpx.Client, opts RelayOptions) *HTTPRelay {
	if strings.TrimSpace(opts.Commitment) == "" {
		opts.Commitment = "confirmed"
	}
	return &HTTPRelay{client: client, opts: opts}
}

type sendRequest struct {
	SerializedTransaction string      `json:"serializedTransaction"`
	Options               sendOptions `json:"options"`
}

type sendOptions struct {
	SkipPreflight bool `json:"skipPreflight"`
	MaxRetries    int  `json:"maxRetries"`
}

type sendResponse struct {
	TxID string `json:"txid"`
}

func (r *HTTPRelay) Send(ctx context.Context, serializedTx string) (string, error) {
	resp, err := httpx.Request[sendResponse](ctx, r.client, http.MethodPost, httpx.BackendData, "/transactions/send", sendRequest{
		SerializedTransaction: serializedTx,
		Options: sendOptions{
			SkipPreflight: r.opts.SkipPreflight,
			MaxRetries:    r.opts.MaxRetries,
		},
	})
	if err != nil {
		return "", fmt.Errorf("submit transaction: %w", err)
	}
	if strings.TrimSpace(resp.TxID) == "" {
		return "", clierr.New(clierr.CodeBackend, "submit transaction: relay returned no txid")
	}
	return resp.TxID, nil
}

type statusRequest struct {
	Signature string        `json:"signature"`
	Options   statusOptions `json:"options"`
}

type statusOptions struct {
	MaxSupportedTransactionVersion int    `json:"maxSupportedTransactionVersion"`
	Commitment                     string `json:"commitment"`
}

func (r *HTTPRelay) Status(ctx context.Context, signature string) (StatusResult, error) {
	resp, err := httpx.Request[StatusResult](ctx, r.client, http.MethodPost, httpx.BackendData, "/transactions/status", statusRequest{
		Signature: signature,
		Options: statusOptions{
			MaxSupportedTransactionVersion: r.opts.MaxTxVersion,
			Commitment:                     r.opts.Commitment,
		},
	})
	if err != nil {
		return StatusResult{}, fmt.Errorf("transaction status: %w", err)
	}
	return resp, nil
}
