package execution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ggonzalez94/defi-voice/internal/httpx"
)

func TestHTTPRelaySendAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		switch r.URL.Path {
		case "/transactions/send":
			if body["serializedTransaction"] != "AQID" {
				t.Fatalf("unexpected serialized transaction: %v", body["serializedTransaction"])
			}
			opts := body["options"].(map[string]any)
			if opts["skipPreflight"] != true || opts["maxRetries"].(float64) != 3 {
				t.Fatalf("unexpected send options: %v", opts)
			}
			_, _ = w.Write([]byte(`{"txid":"abc123"}`))
		case "/transactions/status":
			if body["signature"] != "abc123" {
				t.Fatalf("unexpected signature: %v", body["signature"])
			}
			opts := body["options"].(map[string]any)
			if opts["commitment"] != "confirmed" || opts["maxSupportedTransactionVersion"].(float64) != 0 {
				t.Fatalf("unexpected status options: %v", opts)
			}
			_, _ = w.Write([]byte(`{"status":"success","transaction":{"slot":42}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := httpx.New(2*time.Second, 0, httpx.WithBackend(httpx.BackendData, httpx.BackendConfig{BaseURL: srv.URL}))
	relay := NewHTTPRelay(client, RelayOptions{SkipPreflight: true, MaxRetries: 3})

	txid, err := relay.Send(context.Background(), "AQID")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if txid != "abc123" {
		t.Fatalf("unexpected txid %q", txid)
	}
	status, err := relay.Status(context.Background(), txid)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.Observed() || status.Failed() {
		t.Fatalf("expected observed success, got %+v", status)
	}
}

func TestHTTPRelayEmptyTxID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := httpx.New(2*time.Second, 0, httpx.WithBackend(httpx.BackendData, httpx.BackendConfig{BaseURL: srv.URL}))
	if _, err := NewHTTPRelay(client, RelayOptions{}).Send(context.Background(), "AQID"); err == nil {
		t.Fatal("expected missing txid error")
	}
}

func TestStatusResultClassification(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		observed bool
		failed   bool
	}{
		{name: "missing transaction", raw: `{"status":"success"}`, observed: false},
		{name: "null transaction", raw: `{"status":"success","transaction":null}`, observed: false},
		{name: "success", raw: `{"status":"success","transaction":{}}`, observed: true},
		{name: "on-chain error", raw: `{"status":"success","transaction":{},"error":{"InstructionError":[0,"Custom"]}}`, observed: true, failed: true},
		{name: "error status", raw: `{"status":"error","transaction":{}}`, observed: true, failed: true},
	}
	for _, tc := range cases {
		var res StatusResult
		if err := json.Unmarshal([]byte(tc.raw), &res); err != nil {
			t.Fatalf("%s: unmarshal: %v", tc.name, err)
		}
		if res.Observed() != tc.observed {
			t.Fatalf("%s: observed=%v want %v", tc.name, res.Observed(), tc.observed)
		}
		if tc.observed && res.Failed() != tc.failed {
			t.Fatalf("%s: failed=%v want %v", tc.name, res.Failed(), tc.failed)
		}
	}
}
