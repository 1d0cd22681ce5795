package preload

import (
	"context"
	stderr "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/localdir/dircache/pkg/errors"
	"github.com/localdir/dircache/pkg/types"
)

type staticSource struct {
	popular  []types.PopularEntity
	category map[string][]types.PopularEntity
}

func (s *staticSource) GetPopularServices(limit int) []types.PopularEntity {
	if limit > 0 && len(s.popular) > limit {
		return s.popular[:limit]
	}
	return s.popular
}

func (s *staticSource) GetPopularInCategory(category string, limit int) []types.PopularEntity {
	out := s.category[category]
	if limit > 0 && len(out) > limit {
		return out[:limit]
	}
	return out
}

type fakeWarmer struct {
	mu     sync.Mutex
	cached map[string]bool
	fail   map[string]bool
	calls  atomic.Int32
	inWarm atomic.Int32
	maxIn  atomic.Int32
	block  chan struct{}
}

func newFakeWarmer() *fakeWarmer {
	return &fakeWarmer{cached: map[string]bool{}, fail: map[string]bool{}}
}

func (w *fakeWarmer) IsCached(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cached[id]
}

func (w *fakeWarmer) Warm(ctx context.Context, id string) error {
	w.calls.Add(1)
	n := w.inWarm.Add(1)
	defer w.inWarm.Add(-1)
	for {
		m := w.maxIn.Load()
		if n <= m || w.maxIn.CompareAndSwap(m, n) {
			break
		}
	}

	if w.block != nil {
		select {
		case <-w.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail[id] {
		return errors.NewError(errors.ErrCodeServiceUnavailable, "down")
	}
	w.cached[id] = true
	return nil
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (r *countingRecorder) RecordPreload(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[outcome]++
}

func popular(ids ...string) []types.PopularEntity {
	out := make([]types.PopularEntity, len(ids))
	for i, id := range ids {
		out[i] = types.PopularEntity{EntityID: id, Visits: len(ids) - i}
	}
	return out
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig(clock *manualClock) Config {
	return Config{
		Interval:      5 * time.Minute,
		Count:         10,
		MaxConcurrent: 3,
		Delay:         time.Millisecond,
		Clock:         clock.Now,
	}
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPreloadSkipsCachedEntities(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	warmer := newFakeWarmer()
	warmer.cached["svc-1"] = true
	rec := &countingRecorder{}
	s := NewScheduler(testConfig(clock), &staticSource{popular: popular("svc-1", "svc-2")}, warmer, nil, rec)

	report, err := s.PreloadPopular(context.Background(), false)
	if err != nil {
		t.Fatalf("PreloadPopular: %v", err)
	}

	want := Report{Ran: true, Total: 2, Preloaded: 1, Skipped: 1}
	if report != want {
		t.Errorf("report = %+v, want %+v", report, want)
	}
	if n := warmer.calls.Load(); n != 1 {
		t.Errorf("only the uncached id reaches the repository, got %d warm calls", n)
	}
	if rec.outcomes[OutcomeSkipped] != 1 || rec.outcomes[OutcomeLoaded] != 1 {
		t.Errorf("recorded outcomes %v", rec.outcomes)
	}
}

func TestPreloadRateGate(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	warmer := newFakeWarmer()
	s := NewScheduler(testConfig(clock), &staticSource{popular: popular("svc-1")}, warmer, nil, nil)

	steps := []struct {
		name    string
		advance time.Duration
		force   bool
		wantRan bool
	}{
		{"first pass", 0, false, true},
		{"inside the interval is skipped", time.Minute, false, false},
		{"force bypasses the rate gate", 0, true, true},
		{"after the interval", 5 * time.Minute, false, true},
	}
	for _, step := range steps {
		clock.Advance(step.advance)
		r, err := s.PreloadPopular(context.Background(), step.force)
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if r.Ran != step.wantRan {
			t.Errorf("%s: Ran = %v, want %v", step.name, r.Ran, step.wantRan)
		}
	}
}

func TestPreloadBatchesAndCountsFailures(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	warmer := newFakeWarmer()
	warmer.fail["svc-4"] = true

	var ids []string
	for i := 1; i <= 7; i++ {
		ids = append(ids, fmt.Sprintf("svc-%d", i))
	}
	s := NewScheduler(testConfig(clock), &staticSource{popular: popular(ids...)}, warmer, nil, nil)

	report, err := s.PreloadPopular(context.Background(), false)
	if err != nil {
		t.Fatalf("PreloadPopular: %v", err)
	}
	if report.Total != 7 || report.Preloaded != 6 || report.Failed != 1 {
		t.Errorf("report = %+v, want 7 total, 6 preloaded, 1 failed", report)
	}
	if m := warmer.maxIn.Load(); m > 3 {
		t.Errorf("a batch never exceeds MaxConcurrent, saw %d concurrent warms", m)
	}

	progress := s.Progress()
	if progress.IsPreloading {
		t.Error("still preloading after the pass returned")
	}
	if progress.TotalBatches != 3 || progress.CurrentBatch != 3 {
		t.Errorf("batches %d/%d, want 3/3", progress.CurrentBatch, progress.TotalBatches)
	}
	if progress.TotalToPreload != 7 {
		t.Errorf("TotalToPreload = %d, want 7", progress.TotalToPreload)
	}
	if !progress.LastPreloadTime.Equal(clock.Now()) {
		t.Errorf("LastPreloadTime = %v, want %v", progress.LastPreloadTime, clock.Now())
	}
}

func TestPreloadNeverRunsTwiceConcurrently(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	warmer := newFakeWarmer()
	warmer.block = make(chan struct{})
	s := NewScheduler(testConfig(clock), &staticSource{popular: popular("svc-1")}, warmer, nil, nil)

	done := make(chan Report, 1)
	go func() {
		r, _ := s.PreloadPopular(context.Background(), true)
		done <- r
	}()

	waitFor(t, func() bool { return s.Progress().IsPreloading })

	_, err := s.PreloadPopular(context.Background(), true)
	if code := errors.CodeOf(err); code != errors.ErrCodeAlreadyRunning {
		t.Errorf("second pass: code %s, want %s", code, errors.ErrCodeAlreadyRunning)
	}

	close(warmer.block)
	r := <-done
	if r.Preloaded != 1 {
		t.Errorf("Preloaded = %d, want 1", r.Preloaded)
	}
	if n := warmer.calls.Load(); n != 1 {
		t.Errorf("warm calls = %d, want 1", n)
	}
}

func TestPreloadCategory(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	warmer := newFakeWarmer()
	src := &staticSource{category: map[string][]types.PopularEntity{
		"restaurants": popular("svc-r1", "svc-r2", "svc-r3"),
	}}
	s := NewScheduler(testConfig(clock), src, warmer, nil, nil)

	report, err := s.PreloadCategory(context.Background(), "restaurants", 2)
	if err != nil {
		t.Fatalf("PreloadCategory: %v", err)
	}
	if report.Preloaded != 2 {
		t.Errorf("Preloaded = %d, want 2", report.Preloaded)
	}
	if !warmer.IsCached("svc-r1") || warmer.IsCached("svc-r3") {
		t.Error("limit not applied to the category pass")
	}

	// category passes do not consume the popular rate gate
	popularReport, err := s.PreloadPopular(context.Background(), false)
	if err != nil {
		t.Fatalf("PreloadPopular: %v", err)
	}
	if !popularReport.Ran {
		t.Error("popular pass was gated by a category pass")
	}
}

func TestPreloadAbortsOnCancel(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	warmer := newFakeWarmer()
	warmer.block = make(chan struct{})
	cfg := testConfig(clock)
	cfg.MaxConcurrent = 1
	s := NewScheduler(cfg, &staticSource{popular: popular("svc-1", "svc-2", "svc-3")}, warmer, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.PreloadPopular(ctx, false)
		errCh <- err
	}()

	waitFor(t, func() bool { return warmer.inWarm.Load() == 1 })
	cancel()

	if err := <-errCh; !stderr.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if s.Progress().IsPreloading {
		t.Error("still preloading after abort")
	}
	if n := warmer.calls.Load(); n != 1 {
		t.Errorf("later batches never start, got %d warm calls", n)
	}

	// the guard is released after an abort
	close(warmer.block)
	if _, err := s.PreloadPopular(context.Background(), true); err != nil {
		t.Errorf("pass after abort: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	warmer := newFakeWarmer()
	s := NewScheduler(testConfig(clock), &staticSource{popular: popular("svc-1")}, warmer, nil, nil)

	s.Start(context.Background())
	s.Start(context.Background())
	waitFor(t, func() bool { return warmer.IsCached("svc-1") })

	s.Stop()
	s.Stop()
	if n := warmer.calls.Load(); n != 1 {
		t.Errorf("warm calls = %d, want 1", n)
	}
}
