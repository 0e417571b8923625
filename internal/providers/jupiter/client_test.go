package jupiter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ggonzalez94/defi-voice/internal/httpx"
	"github.com/ggonzalez94/defi-voice/internal/id"
	"github.com/ggonzalez94/defi-voice/internal/providers"
	"github.com/rs/zerolog"
)

const owner = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

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

func TestQuoteSwapRejectsSameToken(t *testing.T) {
	c := New(testHTTP(), "http://127.0.0.1:1", "")
	sol := mustToken(t, "SOL")
	if _, err := c.QuoteSwap(context.Background(), providers.SwapQuoteRequest{From: sol, To: sol, Amount: 1}); err == nil {
		t.Fatal("expected same-token error")
	}
	if _, err := c.QuoteSwap(context.Background(), providers.SwapQuoteRequest{From: sol, To: mustToken(t, "USDC")}); err == nil {
		t.Fatal("expected zero amount error")
	}
}

func TestNewPicksHostByKey(t *testing.T) {
	if got := New(testHTTP(), "", "").baseURL; got != defaultLiteBase {
		t.Fatalf("unexpected lite base %s", got)
	}
	if got := New(testHTTP(), "", "k").baseURL; got != defaultProBase {
		t.Fatalf("unexpected pro base %s", got)
	}
	if got := New(testHTTP(), "https://lite-api.jup.ag/swap/v1/", "").baseURL; got != "https://lite-api.jup.ag" {
		t.Fatalf("expected swap path to be stripped, got %s", got)
	}
}

func TestQuoteAndBuildSwap(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/swap/v1/quote", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("expected x-api-key header, got %q", got)
		}
		if got := r.URL.Query().Get("amount"); got != "1000000000" {
			t.Errorf("unexpected amount %q", got)
		}
		_, _ = w.Write([]byte(`{
			"inAmount":"1000000000",
			"outAmount":"150250000",
			"priceImpactPct":"0.13",
			"routePlan":[
				{"swapInfo":{"label":"Meteora"}},
				{"swapInfo":{"label":"Meteora"}},
				{"swapInfo":{"label":"Orca"}}
			]
		}`))
	})
	mux.HandleFunc("/swap/v1/swap", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode swap body: %v", err)
		}
		if req["userPublicKey"] != owner {
			t.Errorf("unexpected owner %v", req["userPublicKey"])
		}
		quote, _ := req["quoteResponse"].(map[string]any)
		if quote["outAmount"] != "150250000" {
			t.Errorf("quote was not forwarded verbatim: %v", quote)
		}
		_, _ = w.Write([]byte(`{"swapTransaction":"AQIDBA==","lastValidBlockHeight":10}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(testHTTP(), srv.URL, "test-key")
	quote, err := c.QuoteSwap(context.Background(), providers.SwapQuoteRequest{
		From:   mustToken(t, "SOL"),
		To:     mustToken(t, "USDC"),
		Amount: 1_000_000_000,
	})
	if err != nil {
		t.Fatalf("QuoteSwap failed: %v", err)
	}
	if quote.EstimatedOut.AmountDecimal != "150.25" {
		t.Fatalf("unexpected amount out: %+v", quote.EstimatedOut)
	}
	if quote.InputAmount.AmountDecimal != "1" {
		t.Fatalf("unexpected amount in: %+v", quote.InputAmount)
	}
	if quote.Route != "Meteora > Orca" {
		t.Fatalf("unexpected route: %s", quote.Route)
	}
	if quote.SlippageBps != defaultSlippage {
		t.Fatalf("unexpected slippage: %d", quote.SlippageBps)
	}

	tx, err := c.BuildSwap(context.Background(), quote, owner)
	if err != nil {
		t.Fatalf("BuildSwap failed: %v", err)
	}
	if tx != "AQIDBA==" {
		t.Fatalf("unexpected transaction %q", tx)
	}
}

func TestBuildSwapRequiresRawQuote(t *testing.T) {
	c := New(testHTTP(), "http://127.0.0.1:1", "")
	if _, err := c.BuildSwap(context.Background(), providers.SwapQuote{}, owner); err == nil {
		t.Fatal("expected missing quote error")
	}
}

func TestLimitOrders(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/trigger/v1/createOrder", func(w http.ResponseWriter, r *http.Request) {
		var req createOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode order: %v", err)
		}
		if req.Params.MakingAmount != "1000000000" || req.Params.TakingAmount != "200000000" {
			t.Errorf("unexpected params %+v", req.Params)
		}
		_, _ = w.Write([]byte(`{"order":"ord-1","transaction":"BASE64TX","requestId":"req-1"}`))
	})
	mux.HandleFunc("/trigger/v1/getTriggerOrders", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("user") != owner || r.URL.Query().Get("orderStatus") != "active" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"orders":[{"orderKey":"ord-1","inputMint":"a","outputMint":"b","rawMakingAmount":"1","rawTakingAmount":"2","status":"Open"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(testHTTP(), srv.URL, "")
	order, err := c.CreateLimitOrder(context.Background(), providers.LimitOrderRequest{
		Owner:        owner,
		InputMint:    id.NativeMint,
		OutputMint:   "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		MakingAmount: 1_000_000_000,
		TakingAmount: 200_000_000,
	})
	if err != nil {
		t.Fatalf("CreateLimitOrder failed: %v", err)
	}
	if order.OrderID != "ord-1" || order.Transaction != "BASE64TX" {
		t.Fatalf("unexpected order %+v", order)
	}

	orders, err := c.ListLimitOrders(context.Background(), owner, "")
	if err != nil {
		t.Fatalf("ListLimitOrders failed: %v", err)
	}
	if len(orders) != 1 || orders[0].OrderID != "ord-1" || orders[0].Status != "Open" {
		t.Fatalf("unexpected orders %+v", orders)
	}
}
