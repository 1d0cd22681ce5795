package cache

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/localdir/dircache/pkg/errors"
)

type listing struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type countingRecorder struct {
	mu      sync.Mutex
	lookups map[string]int
	fetches int
	joins   int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{lookups: make(map[string]int)}
}

func (r *countingRecorder) RecordLookup(tier, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups[tier+"/"+result]++
}

func (r *countingRecorder) RecordFetch(kind, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
}

func (r *countingRecorder) RecordDedupJoin(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joins++
}

func newTestCoordinator(t *testing.T, withDurable bool) (*Coordinator[listing], *DurableStore) {
	t.Helper()
	store := NewStore[listing](&StoreConfig{MaxSize: 10, DefaultTTL: time.Minute})
	var durable *DurableStore
	if withDurable {
		var err error
		durable, err = OpenDurable(&DurableConfig{Path: filepath.Join(t.TempDir(), "c.bbolt")}, nil)
		if err != nil {
			t.Fatalf("OpenDurable: %v", err)
		}
		t.Cleanup(func() { _ = durable.Close() })
	}
	c := NewCoordinator[listing](CoordinatorConfig{Kind: "entity", TTL: time.Minute}, store, durable, nil, nil)
	return c, durable
}

// waitPending blocks until n fetches are in flight.
func waitPending(t *testing.T, c *Coordinator[listing], n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for c.Pending() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d pending fetches, have %d", n, c.Pending())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCoordinatorColdCacheSingleFetch(t *testing.T) {
	c, durable := newTestCoordinator(t, true)
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(context.Context) (listing, error) {
		calls.Add(1)
		return listing{ID: "svc-1", Name: "Corner Bakery"}, nil
	}

	for i := 0; i < 2; i++ {
		v, err := c.GetOrCreate(ctx, "entity:svc-1", fetch)
		if err != nil {
			t.Fatalf("GetOrCreate: %v", err)
		}
		if v.Name != "Corner Bakery" {
			t.Errorf("got %q", v.Name)
		}
	}

	if n := calls.Load(); n != 1 {
		t.Errorf("fetch ran %d times, want 1", n)
	}
	if _, ok := durable.Load("entity:svc-1"); !ok {
		t.Error("successful fetch should be written through to the durable store")
	}
}

func TestCoordinatorConcurrentFanIn(t *testing.T) {
	c, _ := newTestCoordinator(t, false)
	rec := newCountingRecorder()
	c.recorder = rec

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (listing, error) {
		calls.Add(1)
		<-release
		return listing{ID: "svc-7", Name: "Plumber"}, nil
	}

	const callers = 5
	var wg sync.WaitGroup
	results := make([]listing, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCreate(context.Background(), "entity:svc-7", fetch)
		}(i)
	}

	waitPending(t, c, 1)
	// give the remaining callers time to join the in-flight request
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("N concurrent callers must trigger exactly one fetch, got %d", n)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d: %v", i, errs[i])
		}
		if results[i].Name != "Plumber" {
			t.Errorf("caller %d got %q", i, results[i].Name)
		}
	}
	if c.Pending() != 0 {
		t.Errorf("Pending = %d after completion", c.Pending())
	}
	if rec.fetches != 1 {
		t.Errorf("recorded %d fetches, want 1", rec.fetches)
	}
}

func TestCoordinatorErrorsPropagateAndAreNotCached(t *testing.T) {
	c, durable := newTestCoordinator(t, true)

	var calls atomic.Int32
	release := make(chan struct{})
	failing := func(context.Context) (listing, error) {
		calls.Add(1)
		<-release
		return listing{}, errors.NewError(errors.ErrCodeEntityNotFound, "svc-404")
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrCreate(context.Background(), "entity:svc-404", failing)
		}(i)
	}
	waitPending(t, c, 1)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.IsNotFound(err) {
			t.Errorf("caller %d: every awaiter gets the same error, got %v", i, err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("fetch ran %d times, want 1", n)
	}
	if c.Store().Has("entity:svc-404") {
		t.Error("error was cached in memory")
	}
	if _, ok := durable.Load("entity:svc-404"); ok {
		t.Error("error was cached durably")
	}

	// the entity appears upstream later; the next read must see it
	v, err := c.GetOrCreate(context.Background(), "entity:svc-404", func(context.Context) (listing, error) {
		return listing{ID: "svc-404", Name: "Now Exists"}, nil
	})
	if err != nil || v.Name != "Now Exists" {
		t.Errorf("GetOrCreate after upstream create = %q, %v", v.Name, err)
	}
}

func TestCoordinatorCallerTimeoutDoesNotCancelSharedFetch(t *testing.T) {
	c, _ := newTestCoordinator(t, false)

	release := make(chan struct{})
	var sawCancel atomic.Bool
	fetch := func(ctx context.Context) (listing, error) {
		select {
		case <-release:
		case <-ctx.Done():
			sawCancel.Store(true)
			return listing{}, ctx.Err()
		}
		return listing{ID: "svc-3", Name: "Slow Garage"}, nil
	}

	impatientCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	patient := make(chan error, 1)
	go func() {
		_, err := c.GetOrCreate(context.Background(), "entity:svc-3", fetch)
		patient <- err
	}()
	waitPending(t, c, 1)

	if _, err := c.GetOrCreate(impatientCtx, "entity:svc-3", fetch); !errors.IsTimeout(err) {
		t.Errorf("impatient caller should get a timeout, got %v", err)
	}
	_, err := c.GetOrCreate(context.Background(), "entity:svc-3", fetch, WithTimeout(10*time.Millisecond))
	if !errors.IsTimeout(err) {
		t.Errorf("explicit timeout option should apply, got %v", err)
	}

	close(release)
	if err := <-patient; err != nil {
		t.Fatalf("patient caller: %v", err)
	}
	if sawCancel.Load() {
		t.Error("shared fetch must not observe a single caller's cancellation")
	}
	if !c.Store().Has("entity:svc-3") {
		t.Error("shared fetch result was not cached")
	}
}

func TestCoordinatorCanceledCaller(t *testing.T) {
	c, _ := newTestCoordinator(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetOrCreate(ctx, "entity:x", func(context.Context) (listing, error) {
		t.Error("fetch should not start for an already canceled caller")
		return listing{}, nil
	})
	if code := errors.CodeOf(err); code != errors.ErrCodeOperationCanceled {
		t.Errorf("code = %s, want %s", code, errors.ErrCodeOperationCanceled)
	}
}

func TestCoordinatorDurablePromotion(t *testing.T) {
	c, durable := newTestCoordinator(t, true)
	if err := durable.Save("entity:svc-9", []byte(`{"id":"svc-9","name":"Florist"}`), 0); err != nil {
		t.Fatal(err)
	}

	v, err := c.GetOrCreate(context.Background(), "entity:svc-9", func(context.Context) (listing, error) {
		t.Error("durable hit must not fetch")
		return listing{}, nil
	})
	if err != nil || v.Name != "Florist" {
		t.Fatalf("GetOrCreate = %q, %v", v.Name, err)
	}
	if !c.Store().Has("entity:svc-9") {
		t.Error("durable hit should be promoted into the entry store")
	}
}

func TestCoordinatorUndecodableDurablePayload(t *testing.T) {
	c, durable := newTestCoordinator(t, true)
	if err := durable.Save("entity:svc-5", []byte(`["not","a","listing"]`), 0); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	v, err := c.GetOrCreate(context.Background(), "entity:svc-5", func(context.Context) (listing, error) {
		calls.Add(1)
		return listing{ID: "svc-5", Name: "Fresh"}, nil
	})
	if err != nil || v.Name != "Fresh" {
		t.Fatalf("GetOrCreate = %q, %v", v.Name, err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("fetch ran %d times, want 1", n)
	}
}

func TestCoordinatorInvalidate(t *testing.T) {
	c, durable := newTestCoordinator(t, true)
	ctx := context.Background()
	fetch := func(name string) FetchFunc[listing] {
		return func(context.Context) (listing, error) { return listing{Name: name}, nil }
	}

	_, _ = c.GetOrCreate(ctx, "entity:1", fetch("a"))
	_, _ = c.GetOrCreate(ctx, "list:food", fetch("b"))
	_, _ = c.GetOrCreate(ctx, "list:bars", fetch("c"))

	c.Invalidate("entity:1")
	if c.Has("entity:1") {
		t.Error("entity:1 still cached after Invalidate")
	}

	if n := c.InvalidatePattern("list:*"); n != 2 {
		t.Errorf("InvalidatePattern removed %d, want 2", n)
	}
	if c.Has("list:food") {
		t.Error("list:food still cached")
	}
	if n := durable.Count(); n != 0 {
		t.Errorf("durable still holds %d records", n)
	}
}

func TestCoordinatorInvalidateFencesInflightFetch(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		invalidate func(c *Coordinator[listing])
	}{
		{"key", "entity:svc-1", func(c *Coordinator[listing]) { c.Invalidate("entity:svc-1") }},
		{"pattern", "list:food", func(c *Coordinator[listing]) { c.InvalidatePattern("list:*") }},
		{"clear", "entity:svc-2", func(c *Coordinator[listing]) { c.Clear() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, durable := newTestCoordinator(t, true)
			ctx := context.Background()

			release := make(chan struct{})
			stale := make(chan error, 1)
			go func() {
				v, err := c.GetOrCreate(ctx, tt.key, func(context.Context) (listing, error) {
					<-release
					return listing{Name: "stale"}, nil
				})
				if err == nil && v.Name != "stale" {
					t.Errorf("in-flight caller got %q", v.Name)
				}
				stale <- err
			}()
			waitPending(t, c, 1)

			tt.invalidate(c)

			// callers arriving after the invalidation do not join the old fetch
			v, err := c.GetOrCreate(ctx, tt.key, func(context.Context) (listing, error) {
				return listing{Name: "fresh"}, nil
			})
			if err != nil || v.Name != "fresh" {
				t.Fatalf("post-invalidation read = %q, %v", v.Name, err)
			}

			close(release)
			if err := <-stale; err != nil {
				t.Fatalf("in-flight caller: %v", err)
			}

			v, ok := c.Peek(tt.key)
			if !ok || v.Name != "fresh" {
				t.Errorf("cache holds %q (present %v), want the post-invalidation value", v.Name, ok)
			}
			payload, ok := durable.Load(tt.key)
			if !ok || string(payload) != `{"id":"","name":"fresh"}` {
				t.Errorf("durable holds %s (present %v)", payload, ok)
			}
		})
	}
}

func TestCoordinatorSkipDurable(t *testing.T) {
	c, durable := newTestCoordinator(t, true)
	_, err := c.GetOrCreate(context.Background(), "list:x", func(context.Context) (listing, error) {
		return listing{Name: "x"}, nil
	}, SkipDurable(), WithTTL(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if n := durable.Count(); n != 0 {
		t.Errorf("durable holds %d records, want 0", n)
	}
	if !c.Store().Has("list:x") {
		t.Error("result missing from the entry store")
	}
}
