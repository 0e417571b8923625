package app

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ggonzalez94/defi-voice/internal/cache"
	"github.com/ggonzalez94/defi-voice/internal/config"
	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/model"
	"github.com/ggonzalez94/defi-voice/internal/wallet"
)

const (
	cacheWalletA = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	cacheWalletB = "7vfCXTUXx5WJV5JADk17DUJ4ksgau7utNKj4b963voxs"
)

type cachePolicyEnvelope struct {
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data"`
	Warnings []string       `json:"warnings"`
	Meta     struct {
		Cache    model.CacheStatus     `json:"cache"`
		Backends []model.BackendStatus `json:"backends"`
	} `json:"meta"`
}

func walletAssetsKey(address string) string {
	return cache.Key("wallet assets", map[string]any{"address": address})
}

func seedWalletAssets(t *testing.T, store *cache.Store, address string, ttl time.Duration) {
	t.Helper()
	payload := []byte(`{"owner":"` + address + `","source":"cache"}`)
	if err := store.Set(walletScope(address), walletAssetsKey(address), payload, ttl); err != nil {
		t.Fatalf("seed %s failed: %v", address, err)
	}
}

func assetsFetch(calls *atomic.Int32, address string, err error) fetchFn {
	return func(ctx context.Context) (any, []model.BackendStatus, []string, error) {
		calls.Add(1)
		if err != nil {
			return nil, []model.BackendStatus{{Name: "wallet", Status: statusFromErr(err)}}, nil, err
		}
		return map[string]any{"owner": address, "source": "backend"}, []model.BackendStatus{{Name: "wallet", Status: "ok"}}, nil, nil
	}
}

func TestWalletCacheInvalidatesOnlyListeningWallet(t *testing.T) {
	cases := []struct {
		status     wallet.Status
		invalidate bool
	}{
		{wallet.StatusListening, true},
		{wallet.StatusInitialLoad, false},
		{wallet.StatusUpdating, false},
		{wallet.StatusPaused, false},
		{wallet.StatusError, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			state, _ := newCachePolicyTestState(t, 5*time.Minute, false)
			seedWalletAssets(t, state.cache, cacheWalletA, time.Minute)
			seedWalletAssets(t, state.cache, cacheWalletB, time.Minute)

			state.invalidateWalletCache(wallet.Snapshot{Address: cacheWalletA, Status: tc.status})

			a, err := state.cache.Get(walletAssetsKey(cacheWalletA), state.settings.MaxStale)
			if err != nil {
				t.Fatalf("cache get failed: %v", err)
			}
			if a.Hit == tc.invalidate {
				t.Fatalf("status %s: expected invalidated=%v, got hit=%v", tc.status, tc.invalidate, a.Hit)
			}
			b, err := state.cache.Get(walletAssetsKey(cacheWalletB), state.settings.MaxStale)
			if err != nil {
				t.Fatalf("cache get failed: %v", err)
			}
			if !b.Hit {
				t.Fatal("other wallet's cached assets must survive")
			}
		})
	}
}

func TestMonitorListeningForcesFreshWalletAssets(t *testing.T) {
	state, stdout := newCachePolicyTestState(t, 5*time.Minute, false)
	seedWalletAssets(t, state.cache, cacheWalletA, time.Minute)

	monitor := wallet.NewMonitor(&stubSubscriber{}, stubHoldings{},
		wallet.WithLogger(zerolog.Nop()),
		wallet.WithOnChange(state.invalidateWalletCache),
	)
	if err := monitor.SetCurrentWallet(context.Background(), cacheWalletA); err != nil {
		t.Fatalf("SetCurrentWallet failed: %v", err)
	}
	if monitor.Status() != wallet.StatusListening {
		t.Fatalf("expected listening monitor, got %s", monitor.Status())
	}

	var calls atomic.Int32
	if err := state.runCachedCommand("wallet assets", walletScope(cacheWalletA), walletAssetsKey(cacheWalletA), walletAssetsTTL, assetsFetch(&calls, cacheWalletA, nil)); err != nil {
		t.Fatalf("runCachedCommand failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a fresh fetch after the monitor reloaded, got %d", calls.Load())
	}
	env := decodeCachePolicyEnvelope(t, stdout)
	if env.Data["source"] != "backend" || env.Meta.Cache.Status != "write" {
		t.Fatalf("expected freshly written assets, got data=%v cache=%+v", env.Data, env.Meta.Cache)
	}
}

func TestWalletAssetsStalePolicy(t *testing.T) {
	cases := []struct {
		name       string
		ttl        time.Duration
		maxStale   time.Duration
		noStale    bool
		age        time.Duration
		fetchErr   error
		fetchDelay time.Duration
		wantCalls  int32
		wantSource string
		wantCache  string
		wantStale  bool
		wantCode   clierr.Code
		wantErrMsg string
	}{
		{
			name:       "fresh entry skips backend",
			ttl:        time.Minute,
			maxStale:   5 * time.Minute,
			wantCalls:  0,
			wantSource: "cache",
			wantCache:  "hit",
		},
		{
			name:       "expired entry is refetched",
			ttl:        time.Second,
			maxStale:   5 * time.Minute,
			age:        1200 * time.Millisecond,
			wantCalls:  1,
			wantSource: "backend",
			wantCache:  "write",
		},
		{
			name:       "unavailable backend serves stale",
			ttl:        time.Second,
			maxStale:   5 * time.Second,
			age:        1200 * time.Millisecond,
			fetchErr:   clierr.New(clierr.CodeUnavailable, "das unavailable"),
			wantCalls:  1,
			wantSource: "cache",
			wantCache:  "hit",
			wantStale:  true,
		},
		{
			name:       "no-stale refuses fallback",
			ttl:        time.Second,
			maxStale:   5 * time.Second,
			noStale:    true,
			age:        1200 * time.Millisecond,
			fetchErr:   clierr.New(clierr.CodeUnavailable, "das unavailable"),
			wantCalls:  1,
			wantCode:   clierr.CodeStale,
			wantErrMsg: "--no-stale",
		},
		{
			name:       "slow failure crosses stale budget",
			ttl:        time.Second,
			maxStale:   2 * time.Second,
			age:        1200 * time.Millisecond,
			fetchErr:   clierr.New(clierr.CodeUnavailable, "das unavailable"),
			fetchDelay: 2 * time.Second,
			wantCalls:  1,
			wantCode:   clierr.CodeStale,
			wantErrMsg: "exceeded stale budget",
		},
		{
			name:      "auth failure never falls back",
			ttl:       time.Second,
			maxStale:  5 * time.Second,
			age:       1200 * time.Millisecond,
			fetchErr:  clierr.New(clierr.CodeAuth, "das api key rejected"),
			wantCalls: 1,
			wantCode:  clierr.CodeAuth,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			state, stdout := newCachePolicyTestState(t, tc.maxStale, tc.noStale)
			state.settings.Timeout = 5 * time.Second
			seedWalletAssets(t, state.cache, cacheWalletA, tc.ttl)
			time.Sleep(tc.age)

			var calls atomic.Int32
			fetch := assetsFetch(&calls, cacheWalletA, tc.fetchErr)
			if tc.fetchDelay > 0 {
				inner := fetch
				fetch = func(ctx context.Context) (any, []model.BackendStatus, []string, error) {
					time.Sleep(tc.fetchDelay)
					return inner(ctx)
				}
			}
			err := state.runCachedCommand("wallet assets", walletScope(cacheWalletA), walletAssetsKey(cacheWalletA), tc.ttl, fetch)
			if calls.Load() != tc.wantCalls {
				t.Fatalf("expected %d backend calls, got %d", tc.wantCalls, calls.Load())
			}

			if tc.wantCode != 0 {
				if !clierr.HasCode(err, tc.wantCode) {
					t.Fatalf("expected code %d, got %v", tc.wantCode, err)
				}
				if tc.wantErrMsg != "" && !bytes.Contains([]byte(err.Error()), []byte(tc.wantErrMsg)) {
					t.Fatalf("expected %q in error, got %v", tc.wantErrMsg, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("runCachedCommand failed: %v", err)
			}
			env := decodeCachePolicyEnvelope(t, stdout)
			if env.Data["owner"] != cacheWalletA || env.Data["source"] != tc.wantSource {
				t.Fatalf("unexpected data: %v", env.Data)
			}
			if env.Meta.Cache.Status != tc.wantCache || env.Meta.Cache.Stale != tc.wantStale {
				t.Fatalf("unexpected cache meta: %+v", env.Meta.Cache)
			}
			if tc.wantStale && !containsWarning(env.Warnings, "backend fetch failed; serving stale data within max-stale budget") {
				t.Fatalf("expected stale warning, got %v", env.Warnings)
			}
		})
	}
}

func TestWalletAssetsErrorKeepsBackendDiagnostics(t *testing.T) {
	state, _ := newCachePolicyTestState(t, 5*time.Minute, false)
	err := state.runCachedCommand("wallet assets", walletScope(cacheWalletA), walletAssetsKey(cacheWalletA), walletAssetsTTL, func(ctx context.Context) (any, []model.BackendStatus, []string, error) {
		return nil, []model.BackendStatus{{Name: "wallet", Status: "rate_limited"}}, []string{"das throttled"}, clierr.New(clierr.CodeRateLimited, "das rate limited")
	})
	if err == nil {
		t.Fatal("expected error without a cached entry")
	}

	state.renderError("wallet assets", err, state.lastWarnings, state.lastBackends)
	var env struct {
		Success  bool            `json:"success"`
		Warnings []string        `json:"warnings"`
		Error    model.ErrorBody `json:"error"`
		Meta     struct {
			Backends []model.BackendStatus `json:"backends"`
		} `json:"meta"`
	}
	stderr := state.runner.stderr.(*bytes.Buffer)
	if decodeErr := json.Unmarshal(stderr.Bytes(), &env); decodeErr != nil {
		t.Fatalf("decode error envelope failed: %v output=%s", decodeErr, stderr.String())
	}
	if env.Success || env.Error.Type != "rate_limited" {
		t.Fatalf("expected rate_limited error envelope, got %+v", env)
	}
	if len(env.Meta.Backends) != 1 || !containsWarning(env.Warnings, "das throttled") {
		t.Fatalf("expected backend status and warning, got %+v", env)
	}
}

type stubSubscriber struct {
	next wallet.SubscriptionID
}

func (s *stubSubscriber) OnAccountChange(context.Context, string, func()) (wallet.SubscriptionID, error) {
	s.next++
	return s.next, nil
}

func (s *stubSubscriber) RemoveAccountChangeListener(wallet.SubscriptionID) error { return nil }

type stubHoldings struct{}

func (stubHoldings) FetchHoldings(context.Context, string) (wallet.Holdings, error) {
	return wallet.Holdings{}, nil
}

func newCachePolicyTestState(t *testing.T, maxStale time.Duration, noStale bool) (*runtimeState, *bytes.Buffer) {
	t.Helper()
	tmp := t.TempDir()
	store, err := cache.Open(filepath.Join(tmp, "cache.db"), filepath.Join(tmp, "cache.lock"))
	if err != nil {
		t.Fatalf("open cache failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	stdout := &bytes.Buffer{}
	state := &runtimeState{
		runner: &Runner{stdout: stdout, stderr: &bytes.Buffer{}, now: time.Now},
		settings: config.Settings{
			OutputMode:   "json",
			Timeout:      2 * time.Second,
			CacheEnabled: true,
			MaxStale:     maxStale,
			NoStale:      noStale,
		},
		logger: zerolog.Nop(),
		cache:  store,
	}
	return state, stdout
}

func decodeCachePolicyEnvelope(t *testing.T, buf *bytes.Buffer) cachePolicyEnvelope {
	t.Helper()
	var env cachePolicyEnvelope
	if err := json.Unmarshal(buf.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope failed: %v output=%s", err, buf.String())
	}
	return env
}

func containsWarning(warnings []string, target string) bool {
	for _, warning := range warnings {
		if warning == target {
			return true
		}
	}
	return false
}
