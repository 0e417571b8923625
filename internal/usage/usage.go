// Package usage accumulates realtime token usage and tool costs and reports
// them to the analytics backend.
package usage

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ggonzalez94/defi-voice/internal/httpx"
)

type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

type Totals struct {
	Usage
	CostUSD   float64 `json:"cost_usd"`
	ToolCalls int     `json:"tool_calls"`
}

// Report is the body of one analytics submission.
type Report struct {
	WalletPublicKey string  `json:"walletPublicKey"`
	InputTokens     int64   `json:"inputTokens"`
	OutputTokens    int64   `json:"outputTokens"`
	CostUSD         float64 `json:"costUSD"`
}

type Reporter interface {
	Report(ctx context.Context, r Report) error
}

// Accumulator keeps lifetime totals and the delta not yet reported.
type Accumulator struct {
	mu      sync.Mutex
	totals  Totals
	pending Totals
}

func NewAccumulator() *Accumulator { return &Accumulator{} }

func (a *Accumulator) AddTokens(u Usage) {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range []*Totals{&a.totals, &a.pending} {
		t.InputTokens += u.InputTokens
		t.OutputTokens += u.OutputTokens
		t.TotalTokens += u.TotalTokens
	}
}

func (a *Accumulator) AddToolCost(cost float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range []*Totals{&a.totals, &a.pending} {
		t.CostUSD += cost
		t.ToolCalls++
	}
}

func (a *Accumulator) Totals() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals
}

// Flush sends the unreported delta. On failure the delta is kept for the
// next flush.
func (a *Accumulator) Flush(ctx context.Context, r Reporter, wallet string) error {
	a.mu.Lock()
	delta := a.pending
	a.pending = Totals{}
	a.mu.Unlock()

	if delta == (Totals{}) || r == nil {
		return nil
	}
	err := r.Report(ctx, Report{
		WalletPublicKey: wallet,
		InputTokens:     delta.InputTokens,
		OutputTokens:    delta.OutputTokens,
		CostUSD:         delta.CostUSD,
	})
	if err == nil {
		return nil
	}
	a.mu.Lock()
	a.pending.InputTokens += delta.InputTokens
	a.pending.OutputTokens += delta.OutputTokens
	a.pending.TotalTokens += delta.TotalTokens
	a.pending.CostUSD += delta.CostUSD
	a.pending.ToolCalls += delta.ToolCalls
	a.mu.Unlock()
	return fmt.Errorf("usage.Accumulator.Flush: %w", err)
}

// HTTPReporter posts reports to the analytics backend.
type HTTPReporter struct {
	client *httpx.Client
	logger zerolog.Logger
}

func NewHTTPReporter(client *httpx.Client, logger zerolog.Logger) *HTTPReporter {
	return &HTTPReporter{client: client, logger: logger}
}

func (h *HTTPReporter) Report(ctx context.Context, r Report) error {
	if !h.client.HasBackend(httpx.BackendAnalytics) {
		h.logger.Debug().Msg("analytics backend not configured; usage report skipped")
		return nil
	}
	_, err := httpx.Request[struct{}](ctx, h.client, http.MethodPost, httpx.BackendAnalytics, "/usage", r)
	return err
}
