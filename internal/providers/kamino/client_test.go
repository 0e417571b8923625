package kamino

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/httpx"
	"github.com/ggonzalez94/defi-voice/internal/id"
	"github.com/rs/zerolog"
)

func testHTTP() *httpx.Client {
	return httpx.New(2*time.Second, 0, httpx.WithLogger(zerolog.Nop()))
}

func mustToken(t *testing.T, symbol string) id.Token {
	t.Helper()
	token, err := id.ResolveToken(symbol)
	if err != nil {
		t.Fatalf("resolve %s: %v", symbol, err)
	}
	return token
}

func newKaminoServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/kamino-market", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"lendingMarket":"market-primary","name":"Main Market","isPrimary":true,"isCurated":false},
			{"lendingMarket":"market-jup","name":"JUP Market","isPrimary":false,"isCurated":false}
		]`))
	})
	mux.HandleFunc("/kamino-market/market-primary/reserves/metrics", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("env"); got != "mainnet-beta" {
			t.Errorf("expected env=mainnet-beta, got %q", got)
		}
		_, _ = w.Write([]byte(`[
			{
				"reserve":"reserve-usdc-main",
				"liquidityToken":"USDC",
				"liquidityTokenMint":"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
				"borrowApy":"0.045",
				"supplyApy":"0.032",
				"totalSupplyUsd":"1000000",
				"totalBorrowUsd":"500000"
			}
		]`))
	})
	mux.HandleFunc("/kamino-market/market-jup/reserves/metrics", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{
				"reserve":"reserve-usdc-jup",
				"liquidityToken":"USDC",
				"liquidityTokenMint":"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
				"borrowApy":"0.025",
				"supplyApy":"0.020",
				"totalSupplyUsd":"2000000",
				"totalBorrowUsd":"1500000"
			},
			{
				"reserve":"reserve-sol-jup",
				"liquidityToken":"SOL",
				"liquidityTokenMint":"So11111111111111111111111111111111111111112",
				"borrowApy":"0.01",
				"supplyApy":"0.005",
				"totalSupplyUsd":"100",
				"totalBorrowUsd":"1"
			}
		]`))
	})
	return httptest.NewServer(mux)
}

func TestLendRatesAcrossMarkets(t *testing.T) {
	srv := newKaminoServer(t)
	defer srv.Close()

	rates, err := New(testHTTP(), srv.URL).LendRates(context.Background(), mustToken(t, "USDC"))
	if err != nil {
		t.Fatalf("LendRates failed: %v", err)
	}
	if len(rates) != 2 {
		t.Fatalf("expected 2 usdc reserves, got %d", len(rates))
	}
	if rates[0].Reserve != "reserve-usdc-main" || math.Abs(rates[0].SupplyAPY-3.2) > 1e-9 {
		t.Fatalf("expected best supply apy first in percentage points, got %+v", rates[0])
	}
	if rates[0].Utilization != 0.5 || rates[1].Utilization != 0.75 {
		t.Fatalf("unexpected utilization %+v", rates)
	}
	if rates[0].Market != "Main Market" || rates[0].SourceURL != "https://app.kamino.finance/lending/market-primary" {
		t.Fatalf("unexpected market metadata %+v", rates[0])
	}
}

func TestLendRatesUnknownReserve(t *testing.T) {
	srv := newKaminoServer(t)
	defer srv.Close()

	_, err := New(testHTTP(), srv.URL).LendRates(context.Background(), mustToken(t, "BONK"))
	if !clierr.HasCode(err, clierr.CodeUnsupported) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
}

func TestLendRatesIncompleteFetch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/kamino-market", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"lendingMarket":"broken","name":"Broken"}]`))
	})
	mux.HandleFunc("/kamino-market/broken/reserves/metrics", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"nope"}`, http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := New(testHTTP(), srv.URL).LendRates(context.Background(), mustToken(t, "USDC"))
	if !clierr.HasCode(err, clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestLendRatesNoMarkets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	_, err := New(testHTTP(), srv.URL).LendRates(context.Background(), mustToken(t, "USDC"))
	if !clierr.HasCode(err, clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}
