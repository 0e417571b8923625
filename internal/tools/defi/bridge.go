package defi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/httpx"
	"github.com/ggonzalez94/defi-voice/internal/id"
	"github.com/ggonzalez94/defi-voice/internal/model"
	"github.com/ggonzalez94/defi-voice/internal/providers"
	"github.com/ggonzalez94/defi-voice/internal/tools"
)

var bridgeQuoteParams = tools.Schema{
	Properties: map[string]tools.Property{
		"fromToken":          {Type: tools.TypeString, Description: "Solana token to bridge"},
		"toChain":            {Type: tools.TypeString, Description: "Destination EVM chain"},
		"toToken":            {Type: tools.TypeString, Description: "Token symbol to receive; defaults to fromToken"},
		"amount":             {Type: tools.TypeNumber, Description: "Amount of fromToken", Minimum: tools.Min(0)},
		"destinationAddress": {Type: tools.TypeString, Description: "0x-prefixed recipient on the destination chain"},
	},
	Required: []string{"fromToken", "toChain", "amount", "destinationAddress"},
}

type bridgeQuoteRequest struct {
	FromChain          string `json:"fromChain"`
	ToChainID          int64  `json:"toChainId"`
	FromMint           string `json:"fromMint"`
	ToToken            string `json:"toToken"`
	Amount             string `json:"amount"`
	Sender             string `json:"sender,omitempty"`
	DestinationAddress string `json:"destinationAddress"`
}

type bridgeQuoteResponse struct {
	Provider         string  `json:"provider"`
	EstimatedOut     string  `json:"estimatedOut"`
	OutDecimals      int     `json:"outDecimals"`
	EstimatedFeeUSD  float64 `json:"estimatedFeeUsd"`
	EstimatedTimeSec int64   `json:"estimatedTimeSeconds"`
}

// backendBridge quotes through the data backend's bridge aggregator.
type backendBridge struct {
	client *httpx.Client
	now    func() time.Time
}

func (b backendBridge) QuoteBridge(ctx context.Context, req providers.BridgeQuoteRequest) (model.BridgeQuote, error) {
	amount := strconv.FormatUint(req.Amount, 10)
	resp, err := httpx.Request[bridgeQuoteResponse](ctx, b.client, http.MethodPost, httpx.BackendData, "/bridge/quote", bridgeQuoteRequest{
		FromChain:          "solana",
		ToChainID:          req.ToChain.EVMChainID,
		FromMint:           req.From.Mint,
		ToToken:            req.ToToken,
		Amount:             amount,
		Sender:             req.Sender,
		DestinationAddress: req.DestinationAddress,
	})
	if err != nil {
		return model.BridgeQuote{}, err
	}
	return model.BridgeQuote{
		Provider:           resp.Provider,
		FromChain:          "solana",
		ToChain:            req.ToChain.Slug,
		FromToken:          req.From.Symbol,
		ToToken:            req.ToToken,
		DestinationAddress: req.DestinationAddress,
		InputAmount: model.AmountInfo{
			AmountBaseUnits: amount,
			AmountDecimal:   id.FormatUnits(amount, req.From.Decimals),
			Decimals:        req.From.Decimals,
		},
		EstimatedOut: model.AmountInfo{
			AmountBaseUnits: resp.EstimatedOut,
			AmountDecimal:   id.FormatUnits(resp.EstimatedOut, resp.OutDecimals),
			Decimals:        resp.OutDecimals,
		},
		EstimatedFeeUSD: resp.EstimatedFeeUSD,
		EstimatedTimeS:  resp.EstimatedTimeSec,
		FetchedAt:       b.now().UTC().Format(time.RFC3339),
	}, nil
}

// bridgeSource prefers a dedicated bridge aggregator over the data backend.
func (d Deps) bridgeSource() providers.BridgeProvider {
	if d.Bridges != nil {
		return d.Bridges
	}
	if d.Backend != nil {
		return backendBridge{client: d.Backend, now: d.now}
	}
	return nil
}

func bridgeQuoteTool(deps Deps) tools.Descriptor {
	source := deps.bridgeSource()
	return tools.Descriptor{
		ID:          "bridge.quote",
		Description: "Quote bridging a Solana token to an EVM chain.",
		Parameters:  bridgeQuoteParams,
		Cost:        0.001,
		Execute: func(ctx context.Context, params tools.Params, tc tools.Context) tools.Result {
			chain, err := id.ParseChain(params.String("toChain"))
			if err != nil {
				return tools.Fail(err)
			}
			if !chain.IsEVM() {
				return tools.Fail(clierr.New(clierr.CodeUnsupported, "bridge destination must be an EVM chain"))
			}
			dest, err := id.ParseEVMAddress(params.String("destinationAddress"))
			if err != nil {
				return tools.Fail(err)
			}
			token, units, err := tokenAmount(params.String("fromToken"), params.Float("amount"))
			if err != nil {
				return tools.Fail(err)
			}
			toToken := params.String("toToken")
			if toToken == "" {
				toToken = token.Symbol
			}
			quote, err := source.QuoteBridge(ctx, providers.BridgeQuoteRequest{
				From:               token,
				ToChain:            chain,
				ToToken:            toToken,
				Amount:             units,
				Sender:             tc.PublicKey,
				DestinationAddress: dest.Hex(),
			})
			if err != nil {
				return tools.Fail(err)
			}
			return tools.OK(quote)
		},
	}
}
