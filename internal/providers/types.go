package providers

import (
	"context"
	"encoding/json"

	"github.com/ggonzalez94/defi-voice/internal/id"
	"github.com/ggonzalez94/defi-voice/internal/model"
)

type SwapQuoteRequest struct {
	From        id.Token
	To          id.Token
	Amount      uint64
	SlippageBps int
}

// SwapQuote keeps the provider's raw quote so the same route can be built
// into a transaction.
type SwapQuote struct {
	model.SwapQuote
	Raw json.RawMessage `json:"-"`
}

type SwapProvider interface {
	QuoteSwap(ctx context.Context, req SwapQuoteRequest) (SwapQuote, error)
	// BuildSwap returns a base64 serialized, unsigned transaction.
	BuildSwap(ctx context.Context, quote SwapQuote, owner string) (string, error)
}

type LimitOrderRequest struct {
	Owner        string
	InputMint    string
	OutputMint   string
	MakingAmount uint64
	TakingAmount uint64
	ExpiresAt    int64
}

type LimitOrderTx struct {
	OrderID     string `json:"orderId"`
	RequestID   string `json:"requestId,omitempty"`
	Transaction string `json:"-"`
}

type LimitOrderProvider interface {
	CreateLimitOrder(ctx context.Context, req LimitOrderRequest) (LimitOrderTx, error)
	ListLimitOrders(ctx context.Context, owner string, status string) ([]model.LimitOrder, error)
}

type BridgeQuoteRequest struct {
	From               id.Token
	ToChain            id.Chain
	ToToken            string
	Amount             uint64
	Sender             string
	DestinationAddress string
}

type BridgeProvider interface {
	QuoteBridge(ctx context.Context, req BridgeQuoteRequest) (model.BridgeQuote, error)
}

type LendRateProvider interface {
	// LendRates returns reserves for the token, best supply APY first.
	LendRates(ctx context.Context, token id.Token) ([]model.LendRate, error)
}
