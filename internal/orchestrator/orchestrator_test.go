package orchestrator_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggonzalez94/defi-voice/internal/chat"
	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/execution"
	"github.com/ggonzalez94/defi-voice/internal/execution/signer"
	"github.com/ggonzalez94/defi-voice/internal/notify"
	"github.com/ggonzalez94/defi-voice/internal/orchestrator"
	"github.com/ggonzalez94/defi-voice/internal/tools"
	"github.com/ggonzalez94/defi-voice/internal/toolset"
	"github.com/ggonzalez94/defi-voice/internal/usage"
)

type fakeClassifier struct {
	mu         sync.Mutex
	sel        toolset.Selection
	err        error
	extracted  json.RawMessage
	extractErr error
	requests   []toolset.Request
	extracts   []string
}

func (f *fakeClassifier) Select(_ context.Context, req toolset.Request) (toolset.Selection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.sel, f.err
}

func (f *fakeClassifier) ExtractArguments(_ context.Context, toolID, _ string, _ map[string]any, _ []toolset.PreviousMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extracts = append(f.extracts, toolID)
	if f.extractErr != nil {
		return nil, f.extractErr
	}
	return f.extracted, nil
}

type fakeSubmitter struct {
	txid  string
	err   error
	calls int
}

func (f *fakeSubmitter) SignAndSubmit(_ context.Context, record *execution.TransactionRecord) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	record.TxID = f.txid
	return nil
}

type fakeRelay struct {
	mu       sync.Mutex
	statuses []execution.StatusResult
	checks   int
	sent     int
}

func (f *fakeRelay) Send(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	return "sig-relay", nil
}

func (f *fakeRelay) Status(context.Context, string) (execution.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.checks
	f.checks++
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	return f.statuses[idx], nil
}

type staticWallet string

func (w staticWallet) Address() string { return string(w) }

const owner = "7vfCXTUXx5WJV5JADk17DUJ4ksgau7utNKj4b963voxs"

var amountSchema = tools.Schema{
	Properties: map[string]tools.Property{
		"amount": {Type: tools.TypeNumber, Minimum: tools.Min(0)},
	},
	Required: []string{"amount"},
}

func testRegistry(executed *[]string) *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(tools.Descriptor{
		ID:         "token.quote",
		Parameters: amountSchema,
		Cost:       0.001,
		Execute: func(_ context.Context, p tools.Params, tc tools.Context) tools.Result {
			*executed = append(*executed, "token.quote")
			return tools.OK(map[string]any{"amount": p.Float("amount"), "owner": tc.PublicKey})
		},
	})
	reg.Register(tools.Descriptor{
		ID:         "token.swap",
		Parameters: amountSchema,
		Cost:       0.002,
		Execute: func(context.Context, tools.Params, tools.Context) tools.Result {
			*executed = append(*executed, "token.swap")
			return tools.SignAndSend("AQID", map[string]any{"quote": "q"})
		},
	})
	reg.Register(tools.Descriptor{
		ID: "wallet.crash",
		Execute: func(context.Context, tools.Params, tools.Context) tools.Result {
			panic("boom")
		},
	})
	return reg
}

type harness struct {
	orch       *orchestrator.Orchestrator
	classifier *fakeClassifier
	submitter  *fakeSubmitter
	relay      *fakeRelay
	poller     *execution.Poller
	rooms      *chat.Manager
	usage      *usage.Accumulator
	notices    *notify.Recorder
	executed   []string
}

func newHarness(t *testing.T, sel toolset.Selection) *harness {
	t.Helper()
	h := &harness{
		classifier: &fakeClassifier{sel: sel},
		submitter:  &fakeSubmitter{txid: "5sig"},
		relay:      &fakeRelay{statuses: []execution.StatusResult{{Status: "pending"}}},
		rooms:      chat.NewManager(nil),
		usage:      usage.NewAccumulator(),
		notices:    &notify.Recorder{},
	}
	h.poller = execution.NewPoller(h.relay, nil, execution.PollConfig{Interval: time.Millisecond, MaxAttempts: 1000})
	t.Cleanup(h.poller.CancelAll)
	h.orch = orchestrator.New(orchestrator.Deps{
		Registry:   testRegistry(&h.executed),
		Classifier: h.classifier,
		Submitter:  h.submitter,
		Poller:     h.poller,
		Rooms:      h.rooms,
		Usage:      h.usage,
		Notifier:   h.notices,
		Wallet:     staticWallet(owner),
		Logger:     zerolog.Nop(),
	}, orchestrator.Config{QuotaURL: "https://example.com/upgrade"})
	return h
}

func (h *harness) messages() []chat.Message {
	return h.rooms.Active().Messages()
}

func TestHandleTurnQuoteSucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, toolset.Selection{
		ToolIDs:       []string{"token.quote"},
		ToolArguments: map[string]json.RawMessage{"token.quote": json.RawMessage(`{"amount":"2"}`)},
	})

	out, err := h.orch.HandleTurn(context.Background(), "quote 2 SOL to USDC")
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.True(t, out.Success())
	assert.Equal(t, []string{"token.quote"}, h.executed)
	assert.Empty(t, h.classifier.extracts)
	assert.InDelta(t, 0.001, h.usage.Totals().CostUSD, 1e-9)

	msgs := h.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
	assert.Equal(t, chat.RoleTool, msgs[1].Role)
	assert.Equal(t, chat.StateDone, msgs[1].State)
	assert.JSONEq(t, `{"amount":2,"owner":"`+owner+`"}`, string(msgs[1].Data))
}

func TestHandleTurnExtractsMissingArguments(t *testing.T) {
	t.Parallel()

	h := newHarness(t, toolset.Selection{ToolIDs: []string{"token.quote"}})
	h.classifier.extracted = json.RawMessage(`{"amount":1}`)

	out, err := h.orch.HandleTurn(context.Background(), "quote one SOL")
	require.NoError(t, err)
	assert.True(t, out.Success())
	assert.Equal(t, []string{"token.quote"}, h.classifier.extracts)
}

func TestHandleTurnNoToolsAppendsFallback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, toolset.Selection{FallbackResponse: "I can help with swaps and transfers."})

	out, err := h.orch.HandleTurn(context.Background(), "tell me a joke")
	require.NoError(t, err)
	assert.Empty(t, out.Results)
	assert.Equal(t, "I can help with swaps and transfers.", out.Fallback)

	msgs := h.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
	assert.Equal(t, chat.RoleAssistant, msgs[1].Role)
	assert.Equal(t, out.Fallback, msgs[1].Content)
	assert.Empty(t, h.executed)
}

func TestHandleTurnSendsHistoryToClassifier(t *testing.T) {
	t.Parallel()

	h := newHarness(t, toolset.Selection{FallbackResponse: "ok"})
	_, err := h.orch.HandleTurn(context.Background(), "first")
	require.NoError(t, err)
	_, err = h.orch.HandleTurn(context.Background(), "second")
	require.NoError(t, err)

	require.Len(t, h.classifier.requests, 2)
	second := h.classifier.requests[1]
	assert.Equal(t, owner, second.WalletPublicKey)
	assert.Equal(t, h.rooms.Active().ID(), second.CurrentRoomID)
	assert.Equal(t, []toolset.PreviousMessage{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "ok"},
	}, second.PreviousMessages)
	assert.Contains(t, second.AvailableToolIDs, "token.swap")
}

func TestHandleTurnSwapPollsToSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, toolset.Selection{
		ToolIDs:       []string{"token.swap"},
		ToolArguments: map[string]json.RawMessage{"token.swap": json.RawMessage(`{"amount":1}`)},
	})
	h.relay.statuses = []execution.StatusResult{
		{Status: "pending"},
		{Status: "confirmed", Transaction: json.RawMessage(`{"slot":1}`)},
	}

	out, err := h.orch.HandleTurn(context.Background(), "swap 1 SOL to USDC")
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	res := out.Results[0]
	require.True(t, res.Success)
	require.NotNil(t, res.Task)
	assert.Equal(t, 1, h.submitter.calls)

	final, err := res.Task.Wait()
	require.NoError(t, err)
	assert.Equal(t, execution.RecordStatusSuccess, final.Status)
	assert.Equal(t, "5sig", final.TxID)

	msg, ok := h.rooms.Active().Get(res.MessageID)
	require.True(t, ok)
	assert.Equal(t, chat.StateDone, msg.State)
	assert.Equal(t, "5sig", msg.TxID)
}

func TestHandleTurnOnChainFailureMarksMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, toolset.Selection{
		ToolIDs:       []string{"token.swap"},
		ToolArguments: map[string]json.RawMessage{"token.swap": json.RawMessage(`{"amount":1}`)},
	})
	h.relay.statuses = []execution.StatusResult{
		{Status: "confirmed", Transaction: json.RawMessage(`{"slot":1}`), Error: json.RawMessage(`{"InstructionError":[0,"Custom"]}`)},
	}

	out, err := h.orch.HandleTurn(context.Background(), "swap 1 SOL to USDC")
	require.NoError(t, err)
	_, err = out.Results[0].Task.Wait()
	require.Error(t, err)
	assert.True(t, clierr.HasCode(err, clierr.CodeTxFailed))

	msg, ok := h.rooms.Active().Get(out.Results[0].MessageID)
	require.True(t, ok)
	assert.Equal(t, chat.StateError, msg.State)
	assert.NotEmpty(t, msg.Content)
}

func TestHandleTurnUserRejectionSkipsRelay(t *testing.T) {
	t.Parallel()

	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	local, err := signer.NewLocalSigner(signer.LocalSignerConfig{PrivateKey: key.String()})
	require.NoError(t, err)
	rejecting := signer.ConfirmSigner{Inner: local, Prompt: promptFunc(func() bool { return false })}

	relay := &fakeRelay{statuses: []execution.StatusResult{{Status: "pending"}}}
	rooms := chat.NewManager(nil)
	poller := execution.NewPoller(relay, nil, execution.PollConfig{Interval: time.Millisecond})
	reg := tools.NewRegistry()
	reg.Register(tools.Descriptor{
		ID: "token.transfer",
		Execute: func(context.Context, tools.Params, tools.Context) tools.Result {
			return tools.SignAndSend(unsignedTransfer(t, local.PublicKey()), nil)
		},
	})
	orch := orchestrator.New(orchestrator.Deps{
		Registry:   reg,
		Classifier: &fakeClassifier{sel: toolset.Selection{ToolIDs: []string{"token.transfer"}}},
		Submitter:  execution.NewSubmitter(rejecting, relay, nil, zerolog.Nop()),
		Poller:     poller,
		Rooms:      rooms,
		Logger:     zerolog.Nop(),
	}, orchestrator.Config{})

	out, err := orch.HandleTurn(context.Background(), "send 0.001 SOL")
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	res := out.Results[0]
	assert.False(t, res.Success)
	assert.True(t, res.Rejected)
	assert.Nil(t, res.Task)
	assert.Zero(t, relay.sent)
	assert.Zero(t, poller.Pending())

	msg, ok := rooms.Active().Get(res.MessageID)
	require.True(t, ok)
	assert.Equal(t, chat.StateError, msg.State)
	assert.Equal(t, "transaction rejected by user", msg.Content)
}

func TestHandleTurnQuotaExceeded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, toolset.Selection{})
	h.classifier.err = clierr.Wrap(clierr.CodeQuotaExceeded, "usage quota exceeded", toolset.ErrQuotaExceeded)

	out, err := h.orch.HandleTurn(context.Background(), "swap 1 SOL")
	require.Error(t, err)
	assert.True(t, out.QuotaExceeded)
	assert.Empty(t, h.executed)

	notices := h.notices.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, notify.LevelWarn, notices[0].Level)
	assert.Equal(t, "https://example.com/upgrade", notices[0].Link)
}

func TestHandleTurnQuotaDuringExtractionEndsTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, toolset.Selection{ToolIDs: []string{"token.quote", "token.swap"}})
	h.classifier.extractErr = clierr.Wrap(clierr.CodeQuotaExceeded, "usage quota exceeded", toolset.ErrQuotaExceeded)

	out, err := h.orch.HandleTurn(context.Background(), "quote then swap 1 SOL")
	require.Error(t, err)
	assert.True(t, clierr.HasCode(err, clierr.CodeQuotaExceeded))
	assert.True(t, out.QuotaExceeded)
	assert.False(t, out.Success())
	assert.Equal(t, []string{"token.quote"}, h.classifier.extracts)
	assert.Empty(t, h.executed)
	assert.Zero(t, h.submitter.calls)

	require.Len(t, out.Results, 1)
	msg, ok := h.rooms.Active().Get(out.Results[0].MessageID)
	require.True(t, ok)
	assert.Equal(t, chat.StateError, msg.State)

	notices := h.notices.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, notify.LevelWarn, notices[0].Level)
	assert.Equal(t, "https://example.com/upgrade", notices[0].Link)
}

func TestHandleTurnWarnsNearUsageLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, toolset.Selection{
		FallbackResponse: "ok",
		UsageLimit:       &toolset.UsageLimit{UsageLimitUSD: 5, PercentageUsed: 92},
	})

	_, err := h.orch.HandleTurn(context.Background(), "hello")
	require.NoError(t, err)
	notices := h.notices.Notices()
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0].Message, "92%")
}

func TestHandleTurnRegistryDriftExecutesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, toolset.Selection{ToolIDs: []string{"token.quote", "staking.stake"}})

	_, err := h.orch.HandleTurn(context.Background(), "stake 1 SOL")
	require.Error(t, err)
	assert.True(t, clierr.HasCode(err, clierr.CodeToolDrift))
	assert.Empty(t, h.executed)

	notices := h.notices.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, notify.LevelError, notices[0].Level)
	msgs := h.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.StateError, msgs[1].State)
}

func TestHandleTurnInvalidArgumentsFailTool(t *testing.T) {
	t.Parallel()

	h := newHarness(t, toolset.Selection{
		ToolIDs:       []string{"token.quote"},
		ToolArguments: map[string]json.RawMessage{"token.quote": json.RawMessage(`{"amount":-3}`)},
	})

	out, err := h.orch.HandleTurn(context.Background(), "quote -3 SOL")
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.False(t, out.Results[0].Success)
	assert.Empty(t, h.executed)
	assert.Zero(t, h.usage.Totals().CostUSD)

	msg, ok := h.rooms.Active().Get(out.Results[0].MessageID)
	require.True(t, ok)
	assert.Equal(t, chat.StateError, msg.State)
}

func TestHandleTurnRecoversPanickingTool(t *testing.T) {
	t.Parallel()

	h := newHarness(t, toolset.Selection{ToolIDs: []string{"wallet.crash", "token.quote"},
		ToolArguments: map[string]json.RawMessage{"token.quote": json.RawMessage(`{"amount":1}`)},
	})

	out, err := h.orch.HandleTurn(context.Background(), "crash then quote")
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	assert.False(t, out.Results[0].Success)
	assert.Contains(t, out.Results[0].Error, "crashed")
	assert.True(t, out.Results[1].Success)
}

func TestRoomSwitchCancelsPolling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, toolset.Selection{
		ToolIDs:       []string{"token.swap"},
		ToolArguments: map[string]json.RawMessage{"token.swap": json.RawMessage(`{"amount":1}`)},
	})

	out, err := h.orch.HandleTurn(context.Background(), "swap 1 SOL")
	require.NoError(t, err)
	room := h.rooms.Active()
	task := out.Results[0].Task
	require.NotNil(t, task)

	_, err = h.rooms.NewRoom("next")
	require.NoError(t, err)

	_, err = task.Wait()
	assert.ErrorIs(t, err, execution.ErrPollCancelled)
	assert.Zero(t, h.poller.Pending())

	msg, ok := room.Get(out.Results[0].MessageID)
	require.True(t, ok)
	assert.Equal(t, chat.StateError, msg.State)
}

func TestHandleTurnRejectsEmptyText(t *testing.T) {
	t.Parallel()

	h := newHarness(t, toolset.Selection{})
	_, err := h.orch.HandleTurn(context.Background(), "   ")
	require.Error(t, err)
	assert.True(t, clierr.HasCode(err, clierr.CodeUsage))
	assert.Empty(t, h.classifier.requests)
}

type promptFunc func() bool

func (f promptFunc) Confirm(context.Context, string) (bool, error) { return f(), nil }

func unsignedTransfer(t *testing.T, payer solana.PublicKey) string {
	t.Helper()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(1_000, payer, solana.MustPublicKeyFromBase58(owner)).Build()},
		solana.Hash{},
		solana.TransactionPayer(payer),
	)
	require.NoError(t, err)
	tx.Signatures = make([]solana.Signature, 1)
	out, err := tx.ToBase64()
	require.NoError(t, err)
	return out
}
