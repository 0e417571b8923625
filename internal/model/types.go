package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string          `json:"request_id"`
	Timestamp time.Time       `json:"timestamp"`
	Command   string          `json:"command"`
	Backends  []BackendStatus `json:"backends,omitempty"`
	Cache     CacheStatus     `json:"cache"`
}

type BackendStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

type CacheStatus struct {
	Status string `json:"status"`
	AgeMS  int64  `json:"age_ms"`
	Stale  bool   `json:"stale"`
}

// TokenAsset is one fungible holding. USD values are zero when unpriced.
type TokenAsset struct {
	ID            string  `json:"id"`
	Symbol        string  `json:"symbol"`
	Name          string  `json:"name"`
	Balance       float64 `json:"balance"`
	Decimals      int     `json:"decimals"`
	PricePerToken float64 `json:"pricePerToken"`
	TotalPrice    float64 `json:"totalPrice"`
	ImageLink     string  `json:"imageLink,omitempty"`
}

type NFTAsset struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Collection string `json:"collection,omitempty"`
	ImageLink  string `json:"imageLink,omitempty"`
}

// WalletAssets is a full portfolio snapshot, rebuilt on every refresh.
type WalletAssets struct {
	Owner        string       `json:"owner"`
	TotalBalance float64      `json:"totalBalance"`
	Tokens       []TokenAsset `json:"tokens"`
	NFTs         []NFTAsset   `json:"nfts"`
	FetchedAt    time.Time    `json:"fetchedAt"`
}

type AmountInfo struct {
	AmountBaseUnits string `json:"amount_base_units"`
	AmountDecimal   string `json:"amount_decimal"`
	Decimals        int    `json:"decimals"`
}

type SwapQuote struct {
	Provider       string     `json:"provider"`
	InputMint      string     `json:"input_mint"`
	OutputMint     string     `json:"output_mint"`
	InputAmount    AmountInfo `json:"input_amount"`
	EstimatedOut   AmountInfo `json:"estimated_out"`
	SlippageBps    int        `json:"slippage_bps"`
	PriceImpactPct float64    `json:"price_impact_pct"`
	Route          string     `json:"route"`
	FetchedAt      string     `json:"fetched_at"`
}

type BridgeQuote struct {
	Provider           string     `json:"provider"`
	FromChain          string     `json:"from_chain"`
	ToChain            string     `json:"to_chain"`
	FromToken          string     `json:"from_token"`
	ToToken            string     `json:"to_token"`
	DestinationAddress string     `json:"destination_address"`
	InputAmount        AmountInfo `json:"input_amount"`
	EstimatedOut       AmountInfo `json:"estimated_out"`
	EstimatedFeeUSD    float64    `json:"estimated_fee_usd"`
	EstimatedTimeS     int64      `json:"estimated_time_s"`
	FetchedAt          string     `json:"fetched_at"`
}

// LendRate is one lending reserve's rates for a token.
type LendRate struct {
	Protocol       string  `json:"protocol"`
	Market         string  `json:"market"`
	Reserve        string  `json:"reserve"`
	Token          string  `json:"token"`
	Mint           string  `json:"mint"`
	SupplyAPY      float64 `json:"supply_apy"`
	BorrowAPY      float64 `json:"borrow_apy"`
	Utilization    float64 `json:"utilization"`
	TotalSupplyUSD float64 `json:"total_supply_usd"`
	SourceURL      string  `json:"source_url"`
	FetchedAt      string  `json:"fetched_at"`
}

type LimitOrder struct {
	OrderID      string  `json:"orderId"`
	InputMint    string  `json:"inputMint"`
	OutputMint   string  `json:"outputMint"`
	MakingAmount string  `json:"makingAmount"`
	TakingAmount string  `json:"takingAmount"`
	Price        float64 `json:"price,omitempty"`
	Status       string  `json:"status"`
	CreatedAt    string  `json:"createdAt,omitempty"`
}
