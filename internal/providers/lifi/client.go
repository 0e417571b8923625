package lifi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/httpx"
	"github.com/ggonzalez94/defi-voice/internal/id"
	"github.com/ggonzalez94/defi-voice/internal/model"
	"github.com/ggonzalez94/defi-voice/internal/providers"
)

const (
	DefaultBaseURL = "https://li.quest/v1"
	// solanaChainKey is the chain key LI.FI uses for Solana mainnet.
	solanaChainKey  = "SOL"
	defaultSlippage = "0.005"
)

type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
	now     func() time.Time
}

func New(httpClient *httpx.Client, baseURL, apiKey string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{http: httpClient, baseURL: baseURL, apiKey: strings.TrimSpace(apiKey), now: time.Now}
}

var _ providers.BridgeProvider = (*Client)(nil)

type tokenInfo struct {
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

type usdCost struct {
	AmountUSD string `json:"amountUSD"`
}

type quoteResponse struct {
	Action struct {
		ToToken tokenInfo `json:"toToken"`
	} `json:"action"`
	Estimate struct {
		ToAmount          string    `json:"toAmount"`
		FeeCosts          []usdCost `json:"feeCosts"`
		GasCosts          []usdCost `json:"gasCosts"`
		ExecutionDuration float64   `json:"executionDuration"`
	} `json:"estimate"`
	ToolDetails struct {
		Name string `json:"name"`
	} `json:"toolDetails"`
	Tool string `json:"tool"`
}

// QuoteBridge quotes moving a Solana token to an EVM chain.
func (c *Client) QuoteBridge(ctx context.Context, req providers.BridgeQuoteRequest) (model.BridgeQuote, error) {
	if !req.ToChain.IsEVM() {
		return model.BridgeQuote{}, clierr.New(clierr.CodeUnsupported, "lifi bridge quotes from solana support only EVM destinations")
	}
	if req.Amount == 0 {
		return model.BridgeQuote{}, clierr.New(clierr.CodeUsage, "bridge amount must be greater than zero")
	}
	toToken := strings.TrimSpace(req.ToToken)
	if toToken == "" {
		toToken = req.From.Symbol
	}
	amount := strconv.FormatUint(req.Amount, 10)

	vals := url.Values{}
	vals.Set("fromChain", solanaChainKey)
	vals.Set("toChain", strconv.FormatInt(req.ToChain.EVMChainID, 10))
	vals.Set("fromToken", req.From.Mint)
	vals.Set("toToken", toToken)
	vals.Set("fromAmount", amount)
	vals.Set("toAddress", req.DestinationAddress)
	vals.Set("slippage", defaultSlippage)
	if req.Sender != "" {
		vals.Set("fromAddress", req.Sender)
	}

	var headers map[string]string
	if c.apiKey != "" {
		headers = map[string]string{"x-lifi-api-key": c.apiKey}
	}
	var resp quoteResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodGet, c.baseURL+"/quote?"+vals.Encode(), nil, headers, &resp); err != nil {
		return model.BridgeQuote{}, err
	}
	if resp.Estimate.ToAmount == "" {
		return model.BridgeQuote{}, clierr.New(clierr.CodeUnavailable, "lifi quote missing output amount")
	}

	provider := "lifi"
	if route := firstNonEmpty(resp.ToolDetails.Name, resp.Tool); route != "" {
		provider = fmt.Sprintf("lifi:%s", strings.ToLower(route))
	}
	outSymbol := firstNonEmpty(resp.Action.ToToken.Symbol, toToken)
	return model.BridgeQuote{
		Provider:           provider,
		FromChain:          "solana",
		ToChain:            req.ToChain.Slug,
		FromToken:          req.From.Symbol,
		ToToken:            outSymbol,
		DestinationAddress: req.DestinationAddress,
		InputAmount: model.AmountInfo{
			AmountBaseUnits: amount,
			AmountDecimal:   id.FormatUnits(amount, req.From.Decimals),
			Decimals:        req.From.Decimals,
		},
		EstimatedOut: model.AmountInfo{
			AmountBaseUnits: resp.Estimate.ToAmount,
			AmountDecimal:   id.FormatUnits(resp.Estimate.ToAmount, resp.Action.ToToken.Decimals),
			Decimals:        resp.Action.ToToken.Decimals,
		},
		EstimatedFeeUSD: sumUSD(resp.Estimate.FeeCosts) + sumUSD(resp.Estimate.GasCosts),
		EstimatedTimeS:  int64(resp.Estimate.ExecutionDuration),
		FetchedAt:       c.now().UTC().Format(time.RFC3339),
	}, nil
}

func sumUSD(costs []usdCost) float64 {
	total := 0.0
	for _, item := range costs {
		v, err := strconv.ParseFloat(item.AmountUSD, 64)
		if err != nil {
			continue
		}
		total += v
	}
	return total
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
