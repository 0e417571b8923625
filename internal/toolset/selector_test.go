package toolset_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/httpx"
	"github.com/ggonzalez94/defi-voice/internal/toolset"
)

func newSelector(t *testing.T, handler http.HandlerFunc) *toolset.Selector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := httpx.New(2*time.Second, 0, httpx.WithBackend(httpx.BackendData, httpx.BackendConfig{BaseURL: srv.URL}))
	return toolset.NewSelector(client, zerolog.Nop())
}

func TestSelectSendsContextAndDecodesSelection(t *testing.T) {
	t.Parallel()

	sel := newSelector(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/toolset/select", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "wallet-1", body["walletPublicKey"])
		assert.Equal(t, "swap 1 SOL to USDC", body["message"])
		assert.Equal(t, "room-1", body["currentRoomID"])
		assert.Len(t, body["previousMessages"], 1)
		_, _ = w.Write([]byte(`{"selectedToolset":["token.swap"],"usageLimit":{"usageLimitUSD":5,"percentageUsed":40},"toolArguments":{"token.swap":{"amount":1}}}`))
	})

	got, err := sel.Select(context.Background(), toolset.Request{
		WalletPublicKey:  "wallet-1",
		Message:          "swap 1 SOL to USDC",
		PreviousMessages: []toolset.PreviousMessage{{Role: "user", Content: "hi"}},
		CurrentRoomID:    "room-1",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"token.swap"}, got.ToolIDs)
	require.NotNil(t, got.UsageLimit)
	assert.InDelta(t, 40, got.UsageLimit.PercentageUsed, 1e-9)

	args, ok := got.Arguments("token.swap")
	require.True(t, ok)
	assert.JSONEq(t, `{"amount":1}`, string(args))
	_, ok = got.Arguments("token.quote")
	assert.False(t, ok)
}

func TestSelectQuotaExceeded(t *testing.T) {
	t.Parallel()

	sel := newSelector(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"usage limit reached"}`))
	})

	_, err := sel.Select(context.Background(), toolset.Request{Message: "swap"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, toolset.ErrQuotaExceeded))
	assert.True(t, clierr.HasCode(err, clierr.CodeQuotaExceeded))
}

func TestSelectBackendError(t *testing.T) {
	t.Parallel()

	sel := newSelector(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"data_error","errors":["bad message"]}`))
	})

	_, err := sel.Select(context.Background(), toolset.Request{Message: "swap"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, toolset.ErrQuotaExceeded))
	assert.True(t, clierr.HasCode(err, clierr.CodeBackend))
}

func TestSelectRequiresMessage(t *testing.T) {
	t.Parallel()

	sel := newSelector(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := sel.Select(context.Background(), toolset.Request{Message: "  "})
	assert.True(t, clierr.HasCode(err, clierr.CodeUsage))
}

func TestExtractArguments(t *testing.T) {
	t.Parallel()

	sel := newSelector(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/toolset/parameters", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "token.swap", body["toolId"])
		assert.NotNil(t, body["schema"])
		_, _ = w.Write([]byte(`{"arguments":{"inputToken":"SOL","outputToken":"USDC","amount":1}}`))
	})

	args, err := sel.ExtractArguments(context.Background(), "token.swap", "swap 1 SOL to USDC", map[string]any{"type": "object"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"inputToken":"SOL","outputToken":"USDC","amount":1}`, string(args))
}
