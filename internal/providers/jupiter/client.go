package jupiter

import (
	"context"
	"encoding/json"
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
	defaultLiteBase = "https://lite-api.jup.ag"
	defaultProBase  = "https://api.jup.ag"
	swapPath        = "/swap/v1"
	triggerPath     = "/trigger/v1"
	defaultSlippage = 50
)

type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
	now     func() time.Time
}

// New builds a client against baseURL, or the public host for the key tier
// when baseURL is empty.
func New(httpClient *httpx.Client, baseURL, apiKey string) *Client {
	apiKey = strings.TrimSpace(apiKey)
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	baseURL = strings.TrimSuffix(baseURL, swapPath)
	if baseURL == "" {
		baseURL = defaultLiteBase
		if apiKey != "" {
			baseURL = defaultProBase
		}
	}
	return &Client{
		http:    httpClient,
		baseURL: baseURL,
		apiKey:  apiKey,
		now:     time.Now,
	}
}

var (
	_ providers.SwapProvider       = (*Client)(nil)
	_ providers.LimitOrderProvider = (*Client)(nil)
)

type routePlan []struct {
	SwapInfo struct {
		Label string `json:"label"`
	} `json:"swapInfo"`
}

type quoteResponse struct {
	OutAmount      string    `json:"outAmount"`
	PriceImpactPct string    `json:"priceImpactPct"`
	SlippageBps    int       `json:"slippageBps"`
	RoutePlan      routePlan `json:"routePlan"`
}

func (c *Client) headers() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"x-api-key": c.apiKey}
}

func (c *Client) QuoteSwap(ctx context.Context, req providers.SwapQuoteRequest) (providers.SwapQuote, error) {
	if req.Amount == 0 {
		return providers.SwapQuote{}, clierr.New(clierr.CodeUsage, "swap amount must be greater than zero")
	}
	if req.From.Mint == req.To.Mint {
		return providers.SwapQuote{}, clierr.New(clierr.CodeUsage, "cannot swap a token into itself")
	}
	slippage := req.SlippageBps
	if slippage <= 0 {
		slippage = defaultSlippage
	}

	vals := url.Values{}
	vals.Set("inputMint", req.From.Mint)
	vals.Set("outputMint", req.To.Mint)
	vals.Set("amount", strconv.FormatUint(req.Amount, 10))
	vals.Set("slippageBps", strconv.Itoa(slippage))
	vals.Set("swapMode", "ExactIn")

	endpoint := fmt.Sprintf("%s%s/quote?%s", c.baseURL, swapPath, vals.Encode())
	var raw json.RawMessage
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodGet, endpoint, nil, c.headers(), &raw); err != nil {
		return providers.SwapQuote{}, err
	}
	var resp quoteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return providers.SwapQuote{}, clierr.Wrap(clierr.CodeBackend, "decode jupiter quote", err)
	}
	if strings.TrimSpace(resp.OutAmount) == "" {
		return providers.SwapQuote{}, clierr.New(clierr.CodeUnavailable, "jupiter quote missing output amount")
	}

	amount := strconv.FormatUint(req.Amount, 10)
	return providers.SwapQuote{
		SwapQuote: model.SwapQuote{
			Provider:   "jupiter",
			InputMint:  req.From.Mint,
			OutputMint: req.To.Mint,
			InputAmount: model.AmountInfo{
				AmountBaseUnits: amount,
				AmountDecimal:   id.FormatUnits(amount, req.From.Decimals),
				Decimals:        req.From.Decimals,
			},
			EstimatedOut: model.AmountInfo{
				AmountBaseUnits: resp.OutAmount,
				AmountDecimal:   id.FormatUnits(resp.OutAmount, req.To.Decimals),
				Decimals:        req.To.Decimals,
			},
			SlippageBps:    slippage,
			PriceImpactPct: parsePriceImpactPct(resp.PriceImpactPct),
			Route:          routeFromPlan(resp.RoutePlan),
			FetchedAt:      c.now().UTC().Format(time.RFC3339),
		},
		Raw: raw,
	}, nil
}

type swapRequest struct {
	QuoteResponse           json.RawMessage `json:"quoteResponse"`
	UserPublicKey           string          `json:"userPublicKey"`
	WrapAndUnwrapSol        bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit bool            `json:"dynamicComputeUnitLimit"`
}

type swapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

func (c *Client) BuildSwap(ctx context.Context, quote providers.SwapQuote, owner string) (string, error) {
	if len(quote.Raw) == 0 {
		return "", clierr.New(clierr.CodeInternal, "swap quote has no raw route")
	}
	body, err := json.Marshal(swapRequest{
		QuoteResponse:           quote.Raw,
		UserPublicKey:           owner,
		WrapAndUnwrapSol:        true,
		DynamicComputeUnitLimit: true,
	})
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "encode jupiter swap request", err)
	}
	var resp swapResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.baseURL+swapPath+"/swap", body, c.headers(), &resp); err != nil {
		return "", err
	}
	if resp.SwapTransaction == "" {
		return "", clierr.New(clierr.CodeBackend, "jupiter swap response missing transaction")
	}
	return resp.SwapTransaction, nil
}

type createOrderRequest struct {
	Maker      string `json:"maker"`
	Payer      string `json:"payer"`
	InputMint  string `json:"inputMint"`
	OutputMint string `json:"outputMint"`
	Params     struct {
		MakingAmount string `json:"makingAmount"`
		TakingAmount string `json:"takingAmount"`
		ExpiredAt    string `json:"expiredAt,omitempty"`
	} `json:"params"`
	ComputeUnitPrice string `json:"computeUnitPrice"`
}

type createOrderResponse struct {
	Order       string `json:"order"`
	Transaction string `json:"transaction"`
	RequestID   string `json:"requestId"`
}

func (c *Client) CreateLimitOrder(ctx context.Context, req providers.LimitOrderRequest) (providers.LimitOrderTx, error) {
	if req.MakingAmount == 0 || req.TakingAmount == 0 {
		return providers.LimitOrderTx{}, clierr.New(clierr.CodeUsage, "limit order amounts must be greater than zero")
	}
	payload := createOrderRequest{
		Maker:            req.Owner,
		Payer:            req.Owner,
		InputMint:        req.InputMint,
		OutputMint:       req.OutputMint,
		ComputeUnitPrice: "auto",
	}
	payload.Params.MakingAmount = strconv.FormatUint(req.MakingAmount, 10)
	payload.Params.TakingAmount = strconv.FormatUint(req.TakingAmount, 10)
	if req.ExpiresAt > 0 {
		payload.Params.ExpiredAt = strconv.FormatInt(req.ExpiresAt, 10)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return providers.LimitOrderTx{}, clierr.Wrap(clierr.CodeInternal, "encode jupiter order request", err)
	}
	var resp createOrderResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.baseURL+triggerPath+"/createOrder", body, c.headers(), &resp); err != nil {
		return providers.LimitOrderTx{}, err
	}
	if resp.Transaction == "" {
		return providers.LimitOrderTx{}, clierr.New(clierr.CodeBackend, "jupiter order response missing transaction")
	}
	return providers.LimitOrderTx{OrderID: resp.Order, RequestID: resp.RequestID, Transaction: resp.Transaction}, nil
}

type triggerOrdersResponse struct {
	Orders []struct {
		OrderKey        string `json:"orderKey"`
		InputMint       string `json:"inputMint"`
		OutputMint      string `json:"outputMint"`
		RawMakingAmount string `json:"rawMakingAmount"`
		RawTakingAmount string `json:"rawTakingAmount"`
		Status          string `json:"status"`
		CreatedAt       string `json:"createdAt"`
	} `json:"orders"`
}

func (c *Client) ListLimitOrders(ctx context.Context, owner string, status string) ([]model.LimitOrder, error) {
	if status == "" {
		status = "active"
	}
	vals := url.Values{}
	vals.Set("user", owner)
	vals.Set("orderStatus", status)
	endpoint := fmt.Sprintf("%s%s/getTriggerOrders?%s", c.baseURL, triggerPath, vals.Encode())

	var resp triggerOrdersResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodGet, endpoint, nil, c.headers(), &resp); err != nil {
		return nil, err
	}
	out := make([]model.LimitOrder, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		out = append(out, model.LimitOrder{
			OrderID:      o.OrderKey,
			InputMint:    o.InputMint,
			OutputMint:   o.OutputMint,
			MakingAmount: o.RawMakingAmount,
			TakingAmount: o.RawTakingAmount,
			Status:       o.Status,
			CreatedAt:    o.CreatedAt,
		})
	}
	return out, nil
}

func parsePriceImpactPct(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	if f < 0 {
		return 0
	}
	return f
}

func routeFromPlan(plan routePlan) string {
	if len(plan) == 0 {
		return "jupiter"
	}

	parts := make([]string, 0, len(plan))
	for _, hop := range plan {
		label := strings.TrimSpace(hop.SwapInfo.Label)
		if label == "" {
			continue
		}
		if len(parts) == 0 || parts[len(parts)-1] != label {
			parts = append(parts, label)
		}
	}
	if len(parts) == 0 {
		return "jupiter"
	}
	return strings.Join(parts, " > ")
}
