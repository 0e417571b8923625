package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/httpx"
)

const (
	dasPageLimit = 1000
	dasMaxPages  = 10
)

// DASFetcher lists an owner's assets through the getAssetsByOwner
// JSON-RPC method served by the wallet backend.
type DASFetcher struct {
	client *httpx.Client
}

func NewDASFetcher(client *httpx.Client) *DASFetcher {
	return &DASFetcher{client: client}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type dasResponse struct {
	Result *dasResult `json:"result"`
	Error  *rpcError  `json:"error"`
}

type dasResult struct {
	Total         int        `json:"total"`
	Items         []dasAsset `json:"items"`
	NativeBalance *struct {
		Lamports    uint64  `json:"lamports"`
		PricePerSOL float64 `json:"price_per_sol"`
		TotalPrice  float64 `json:"total_price"`
	} `json:"nativeBalance"`
}

type dasAsset struct {
	ID        string `json:"id"`
	Interface string `json:"interface"`
	Content   struct {
		Metadata struct {
			Name   string `json:"name"`
			Symbol string `json:"symbol"`
		} `json:"metadata"`
		Links struct {
			Image string `json:"image"`
		} `json:"links"`
	} `json:"content"`
	TokenInfo *struct {
		Symbol    string      `json:"symbol"`
		Balance   json.Number `json:"balance"`
		Decimals  int         `json:"decimals"`
		PriceInfo *struct {
			PricePerToken float64  `json:"price_per_token"`
			TotalPrice    *float64 `json:"total_price"`
		} `json:"price_info"`
	} `json:"token_info"`
	Grouping []struct {
		GroupKey   string `json:"group_key"`
		GroupValue string `json:"group_value"`
	} `json:"grouping"`
}

func (f *DASFetcher) FetchHoldings(ctx context.Context, owner string) (Holdings, error) {
	var out Holdings
	for page := 1; page <= dasMaxPages; page++ {
		req := rpcRequest{
			JSONRPC: "2.0",
			ID:      uuid.NewString(),
			Method:  "getAssetsByOwner",
			Params: map[string]any{
				"ownerAddress": owner,
				"page":         page,
				"limit":        dasPageLimit,
				"displayOptions": map[string]bool{
					"showFungible":      true,
					"showNativeBalance": true,
				},
			},
		}
		resp, err := httpx.Request[dasResponse](ctx, f.client, http.MethodPost, httpx.BackendWallet, "", req)
		if err != nil {
			return Holdings{}, err
		}
		if resp.Error != nil {
			return Holdings{}, clierr.New(clierr.CodeBackend, fmt.Sprintf("getAssetsByOwner: %s (code %d)", resp.Error.Message, resp.Error.Code))
		}
		if resp.Result == nil {
			return Holdings{}, clierr.New(clierr.CodeBackend, "getAssetsByOwner: empty result")
		}
		if page == 1 && resp.Result.NativeBalance != nil {
			nb := resp.Result.NativeBalance
			out.Native = &NativeBalance{Lamports: nb.Lamports, PricePerSOL: nb.PricePerSOL, TotalPrice: nb.TotalPrice}
		}
		for _, item := range resp.Result.Items {
			out.Items = append(out.Items, convertDASAsset(item))
		}
		if len(resp.Result.Items) < dasPageLimit {
			break
		}
	}
	return out, nil
}

func convertDASAsset(a dasAsset) RawAsset {
	raw := RawAsset{
		ID:        a.ID,
		Interface: a.Interface,
		Name:      a.Content.Metadata.Name,
		Symbol:    a.Content.Metadata.Symbol,
		ImageLink: a.Content.Links.Image,
	}
	for _, g := range a.Grouping {
		if g.GroupKey == "collection" {
			raw.Collection = g.GroupValue
		}
	}
	if a.TokenInfo == nil {
		return raw
	}
	if raw.Symbol == "" {
		raw.Symbol = a.TokenInfo.Symbol
	}
	raw.Decimals = a.TokenInfo.Decimals
	if units, err := strconv.ParseFloat(a.TokenInfo.Balance.String(), 64); err == nil {
		raw.Balance = units / math.Pow10(a.TokenInfo.Decimals)
	}
	if p := a.TokenInfo.PriceInfo; p != nil {
		raw.PricePerToken = p.PricePerToken
		raw.TotalPrice = p.TotalPrice
	}
	return raw
}
