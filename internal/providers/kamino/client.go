package kamino

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/httpx"
	"github.com/ggonzalez94/defi-voice/internal/id"
	"github.com/ggonzalez94/defi-voice/internal/model"
	"github.com/ggonzalez94/defi-voice/internal/providers"
)

const (
	DefaultBaseURL     = "https://api.kamino.finance"
	marketFetchWorkers = 6
)

type Client struct {
	http    *httpx.Client
	baseURL string
	now     func() time.Time
}

func New(httpClient *httpx.Client, baseURL string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{http: httpClient, baseURL: baseURL, now: time.Now}
}

var _ providers.LendRateProvider = (*Client)(nil)

type marketInfo struct {
	LendingMarket string `json:"lendingMarket"`
	Name          string `json:"name"`
	IsPrimary     bool   `json:"isPrimary"`
	IsCurated     bool   `json:"isCurated"`
}

type reserveMetric struct {
	Reserve            string `json:"reserve"`
	LiquidityToken     string `json:"liquidityToken"`
	LiquidityTokenMint string `json:"liquidityTokenMint"`
	BorrowAPY          string `json:"borrowApy"`
	SupplyAPY          string `json:"supplyApy"`
	TotalSupplyUSD     string `json:"totalSupplyUsd"`
	TotalBorrowUSD     string `json:"totalBorrowUsd"`
}

type reserveWithMarket struct {
	Market  marketInfo
	Reserve reserveMetric
}

func (c *Client) LendRates(ctx context.Context, token id.Token) ([]model.LendRate, error) {
	reserves, err := c.fetchReserves(ctx)
	if err != nil {
		return nil, err
	}

	fetchedAt := c.now().UTC().Format(time.RFC3339)
	out := make([]model.LendRate, 0, len(reserves))
	for _, item := range reserves {
		if !matchesReserveToken(item.Reserve, token) {
			continue
		}
		supplyUSD := parseNonNegative(item.Reserve.TotalSupplyUSD)
		borrowUSD := parseNonNegative(item.Reserve.TotalBorrowUSD)
		utilization := 0.0
		if supplyUSD > 0 {
			utilization = borrowUSD / supplyUSD
		}
		out = append(out, model.LendRate{
			Protocol:       "kamino",
			Market:         firstNonEmpty(item.Market.Name, item.Market.LendingMarket),
			Reserve:        strings.TrimSpace(item.Reserve.Reserve),
			Token:          token.Symbol,
			Mint:           firstNonEmpty(item.Reserve.LiquidityTokenMint, token.Mint),
			SupplyAPY:      ratioToPercent(item.Reserve.SupplyAPY),
			BorrowAPY:      ratioToPercent(item.Reserve.BorrowAPY),
			Utilization:    math.Min(math.Max(utilization, 0), 1),
			TotalSupplyUSD: supplyUSD,
			SourceURL:      marketURL(item.Market.LendingMarket),
			FetchedAt:      fetchedAt,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SupplyAPY != out[j].SupplyAPY {
			return out[i].SupplyAPY > out[j].SupplyAPY
		}
		return strings.Compare(out[i].Reserve, out[j].Reserve) < 0
	})
	if len(out) == 0 {
		return nil, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no kamino lending reserves for %s", token.Symbol))
	}
	return out, nil
}

type marketJob struct {
	index  int
	market marketInfo
}

type marketResult struct {
	market   marketInfo
	reserves []reserveMetric
	err      error
}

// fetchReserves lists every market, then drains them through a fixed pool
// of marketFetchWorkers. Any failed market fails the whole fetch.
func (c *Client) fetchReserves(ctx context.Context) ([]reserveWithMarket, error) {
	markets, err := c.fetchMarkets(ctx)
	if err != nil {
		return nil, err
	}

	jobs := make(chan marketJob)
	results := make([]marketResult, len(markets))
	var wg sync.WaitGroup
	for range min(marketFetchWorkers, len(markets)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				reserves, err := c.fetchMarketReserves(ctx, job.market.LendingMarket)
				results[job.index] = marketResult{market: job.market, reserves: reserves, err: err}
			}
		}()
	}
feed:
	for i, market := range markets {
		select {
		case jobs <- marketJob{index: i, market: market}:
		case <-ctx.Done():
			for j := i; j < len(markets); j++ {
				results[j] = marketResult{market: markets[j], err: ctx.Err()}
			}
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	collected := make([]reserveWithMarket, 0, len(markets)*8)
	for _, result := range results {
		if result.err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("kamino reserves for market %s", result.market.LendingMarket), result.err)
		}
		for _, reserve := range result.reserves {
			collected = append(collected, reserveWithMarket{Market: result.market, Reserve: reserve})
		}
	}
	if len(collected) == 0 {
		return nil, clierr.New(clierr.CodeUnavailable, "kamino returned no reserves")
	}
	return collected, nil
}

// fetchMarkets returns lending markets, primary then curated first.
func (c *Client) fetchMarkets(ctx context.Context) ([]marketInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/kamino-market", nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build kamino markets request", err)
	}
	var markets []marketInfo
	if _, err := c.http.DoJSON(ctx, req, &markets); err != nil {
		return nil, err
	}
	if len(markets) == 0 {
		return nil, clierr.New(clierr.CodeUnavailable, "kamino returned no lending markets")
	}
	sort.SliceStable(markets, func(i, j int) bool {
		a, b := markets[i], markets[j]
		switch {
		case a.IsPrimary != b.IsPrimary:
			return a.IsPrimary
		case a.IsCurated != b.IsCurated:
			return a.IsCurated
		default:
			return a.LendingMarket < b.LendingMarket
		}
	})
	return markets, nil
}

func matchesReserveToken(reserve reserveMetric, token id.Token) bool {
	if mint := strings.TrimSpace(reserve.LiquidityTokenMint); mint != "" {
		return mint == token.Mint
	}
	return strings.EqualFold(strings.TrimSpace(reserve.LiquidityToken), token.Symbol)
}

func (c *Client) fetchMarketReserves(ctx context.Context, marketPubkey string) ([]reserveMetric, error) {
	endpoint := fmt.Sprintf("%s/kamino-market/%s/reserves/metrics?env=mainnet-beta", c.baseURL, strings.TrimSpace(marketPubkey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build kamino reserves request", err)
	}
	var reserves []reserveMetric
	if _, err := c.http.DoJSON(ctx, req, &reserves); err != nil {
		return nil, err
	}
	return reserves, nil
}

func marketURL(pubkey string) string {
	pubkey = strings.TrimSpace(pubkey)
	if pubkey == "" {
		return "https://app.kamino.finance"
	}
	return "https://app.kamino.finance/lending/" + pubkey
}

func ratioToPercent(v string) float64 {
	return parseNonNegative(v) * 100
}

func parseNonNegative(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return f
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
