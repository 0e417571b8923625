package cache

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	tmp := t.TempDir()
	store, err := Open(filepath.Join(tmp, "cache.db"), filepath.Join(tmp, "cache.lock"))
	if err != nil {
		t.Fatalf("Open cache failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	now := time.Now()
	store.now = func() time.Time { return now }
	return store, &now
}

func TestCacheFreshStaleAndTooStale(t *testing.T) {
	store, now := openTestStore(t)

	if err := store.Set("owner", "k1", []byte(`{"v":1}`), 10*time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	res, err := store.Get("k1", 5*time.Second)
	if err != nil {
		t.Fatalf("Get fresh failed: %v", err)
	}
	if !res.Hit || res.Stale || string(res.Value) != `{"v":1}` {
		t.Fatalf("expected fresh hit, got %+v", res)
	}

	*now = now.Add(12 * time.Second)
	res, err = store.Get("k1", 5*time.Second)
	if err != nil {
		t.Fatalf("Get stale failed: %v", err)
	}
	if !res.Hit || !res.Stale || res.TooStale {
		t.Fatalf("expected stale within budget, got %+v", res)
	}

	*now = now.Add(10 * time.Second)
	res, err = store.Get("k1", 5*time.Second)
	if err != nil {
		t.Fatalf("Get too stale failed: %v", err)
	}
	if !res.TooStale {
		t.Fatalf("expected too stale, got %+v", res)
	}

	res, err = store.Get("k1", -1)
	if err != nil || res.TooStale {
		t.Fatalf("negative budget should never be too stale: %+v %v", res, err)
	}
}

func TestCacheMiss(t *testing.T) {
	store, _ := openTestStore(t)
	res, err := store.Get("missing", time.Minute)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if res.Hit {
		t.Fatalf("expected miss, got %+v", res)
	}
}

func TestCacheInvalidateScope(t *testing.T) {
	store, _ := openTestStore(t)
	for _, item := range []struct{ scope, key string }{{"a", "k1"}, {"a", "k2"}, {"b", "k3"}} {
		if err := store.Set(item.scope, item.key, []byte(`{}`), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	n, err := store.Invalidate("a")
	if err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 entries removed, got %d", n)
	}
	if res, _ := store.Get("k1", time.Minute); res.Hit {
		t.Fatal("k1 should be gone")
	}
	if res, _ := store.Get("k3", time.Minute); !res.Hit {
		t.Fatal("k3 belongs to another scope and should remain")
	}
}

func TestCachePruneDropsExpired(t *testing.T) {
	store, now := openTestStore(t)
	if err := store.Set("owner", "old", []byte(`{}`), time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	*now = now.Add(time.Minute)
	if err := store.Prune(); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if res, _ := store.Get("old", -1); res.Hit {
		t.Fatal("expired entry should have been pruned")
	}
}

func TestKeyIsStable(t *testing.T) {
	a := Key("wallet assets", map[string]string{"owner": "x"})
	b := Key("wallet assets", map[string]string{"owner": "x"})
	c := Key("wallet assets", map[string]string{"owner": "y"})
	if a != b || a == c {
		t.Fatalf("unexpected keys: %s %s %s", a, b, c)
	}
}

func TestCacheConcurrentOpenAndSet(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "cache.db")
	lockPath := filepath.Join(tmp, "cache.lock")

	const workers = 8
	const iterations = 20

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			store, err := Open(dbPath, lockPath)
			if err != nil {
				errCh <- fmt.Errorf("worker %d open: %w", workerID, err)
				return
			}
			defer store.Close()

			for i := 0; i < iterations; i++ {
				key := fmt.Sprintf("worker-%d-key-%d", workerID, i)
				if err := store.Set("owner", key, []byte(`{"ok":true}`), time.Minute); err != nil {
					errCh <- fmt.Errorf("worker %d set iter %d: %w", workerID, i, err)
					return
				}
				res, err := store.Get(key, time.Minute)
				if err != nil {
					errCh <- fmt.Errorf("worker %d get iter %d: %w", workerID, i, err)
					return
				}
				if !res.Hit {
					errCh <- fmt.Errorf("worker %d get iter %d: expected hit", workerID, i)
					return
				}
			}
		}(worker)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}
