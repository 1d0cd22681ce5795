package tracker

import (
	"fmt"
	"math"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/localdir/dircache/internal/cache"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const day = 24 * time.Hour

func newTestTracker(clock *fakeClock, persister Persister) *Tracker {
	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	cfg.FlushDelay = 0
	return New(cfg, persister, nil)
}

// waitFor polls cond until it holds or timeout passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScoreFormula(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)}
	tr := newTestTracker(clock, nil)

	tests := []struct {
		name   string
		visits int
		age    time.Duration
		want   float64
	}{
		{"fresh visit gets full recency bonus", 4, 0, 6},
		{"half window", 4, 3*day + 12*time.Hour, 5},
		{"window elapsed floors at frequency", 4, 7 * day, 4},
		{"long ago never negative", 4, 70 * day, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tr.Score(tt.visits, clock.Now().Add(-tt.age))
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Score(%d, -%v) = %v, want %v", tt.visits, tt.age, got, tt.want)
			}
		})
	}
}

func TestScoreMonotonicity(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)}
	tr := newTestTracker(clock, nil)

	for _, age := range []time.Duration{0, day, 5 * day, 30 * day} {
		last := clock.Now().Add(-age)
		prev := -1.0
		for visits := 0; visits <= 20; visits++ {
			s := tr.Score(visits, last)
			if s < prev {
				t.Errorf("score decreased with visits at age %v: %v after %v", age, s, prev)
			}
			prev = s
		}
	}

	for _, visits := range []int{1, 3, 10} {
		prev := tr.Score(visits, clock.Now())
		for hours := 1; hours <= 24*10; hours += 7 {
			s := tr.Score(visits, clock.Now().Add(-time.Duration(hours)*time.Hour))
			if s > prev {
				t.Errorf("score increased with age for %d visits: %v after %v", visits, s, prev)
			}
			prev = s
		}
	}
}

func TestGetPopularServicesOrdering(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)}
	tr := newTestTracker(clock, nil)

	// svc-old: 3 visits ten days ago => score 3
	for i := 0; i < 3; i++ {
		tr.TrackVisit("svc-old", "food")
	}
	clock.Advance(10 * day)
	// svc-new: 2 visits now => score 3
	tr.TrackVisit("svc-new", "food")
	tr.TrackVisit("svc-new", "food")
	// svc-b and svc-a: 1 visit now => 1.5 each, tie broken by id
	tr.TrackVisit("svc-b", "repair")
	tr.TrackVisit("svc-a", "repair")

	popular := tr.GetPopularServices(0)
	if len(popular) != 4 {
		t.Fatalf("expected 4 popular entities, got %d", len(popular))
	}

	ids := make([]string, len(popular))
	for i, p := range popular {
		ids[i] = p.EntityID
	}
	want := []string{"svc-old", "svc-new", "svc-a", "svc-b"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("equal scores order by visits desc, then id asc: got %v, want %v", ids, want)
	}
	if math.Abs(popular[0].Score-3.0) > 1e-9 {
		t.Errorf("expected score 3, got %v", popular[0].Score)
	}
	if popular[0].Visits != 3 {
		t.Errorf("expected 3 visits, got %d", popular[0].Visits)
	}

	if n := len(tr.GetPopularServices(2)); n != 2 {
		t.Errorf("limit 2 returned %d entities", n)
	}
}

func TestGetPopularInCategory(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	tr := newTestTracker(clock, nil)

	tr.TrackVisit("svc-1", "food")
	tr.TrackVisit("svc-1", "food")
	tr.TrackVisit("svc-2", "repair")
	tr.TrackVisit("svc-2", "repair")
	tr.TrackVisit("svc-2", "repair")
	tr.TrackVisit("svc-3", "food")
	tr.TrackVisit("svc-4", "")

	food := tr.GetPopularInCategory("food", 10)
	if len(food) != 2 {
		t.Fatalf("expected 2 food entities, got %d", len(food))
	}
	if food[0].EntityID != "svc-1" || food[1].EntityID != "svc-3" {
		t.Errorf("unexpected order: %s, %s", food[0].EntityID, food[1].EntityID)
	}

	if got := tr.GetPopularInCategory("plumbing", 10); len(got) != 0 {
		t.Errorf("expected no plumbing entities, got %v", got)
	}
}

func TestTrackVisitCapIsFIFO(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cfg := DefaultConfig()
	cfg.MaxEvents = 5
	cfg.Clock = clock.Now
	tr := New(cfg, nil, nil)

	for i := 0; i < 8; i++ {
		tr.TrackVisit(fmt.Sprintf("svc-%d", i), "")
		clock.Advance(time.Second)
	}

	events := tr.Events()
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	if events[0].EntityID != "svc-3" {
		t.Errorf("oldest events are dropped first: first is %s", events[0].EntityID)
	}
	if events[4].EntityID != "svc-7" {
		t.Errorf("expected last event svc-7, got %s", events[4].EntityID)
	}

	tr.TrackVisit("", "food")
	if tr.Len() != 5 {
		t.Errorf("empty ids are ignored: len %d", tr.Len())
	}
}

func TestCleanupOldDataIsGatedAndIdempotent(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	persister := &MemoryPersister{}
	tr := newTestTracker(clock, persister)

	tr.TrackVisit("svc-ancient", "")
	clock.Advance(31 * day)
	tr.TrackVisit("svc-recent", "")

	ran, removed := tr.CleanupOldData()
	if !ran || removed != 1 {
		t.Errorf("first cleanup: ran=%v removed=%d, want true 1", ran, removed)
	}
	if tr.Len() != 1 {
		t.Errorf("expected 1 event left, got %d", tr.Len())
	}

	ran, removed = tr.CleanupOldData()
	if ran || removed != 0 {
		t.Errorf("a second cleanup inside the interval must be a no-op: ran=%v removed=%d", ran, removed)
	}
	if tr.Len() != 1 {
		t.Errorf("expected 1 event left, got %d", tr.Len())
	}

	clock.Advance(day)
	ran, removed = tr.CleanupOldData()
	if !ran || removed != 0 {
		t.Errorf("cleanup after interval: ran=%v removed=%d, want true 0", ran, removed)
	}

	// the gate survives a restart through the persisted timestamp
	restarted := newTestTracker(clock, persister)
	if ran, _ = restarted.CleanupOldData(); ran {
		t.Error("restarted tracker ignored the persisted cleanup time")
	}
	if !restarted.LastCleanup().Equal(clock.Now()) {
		t.Errorf("LastCleanup = %v, want %v", restarted.LastCleanup(), clock.Now())
	}
}

func TestDebouncedPersistence(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	persister := &MemoryPersister{}
	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	cfg.FlushDelay = 20 * time.Millisecond
	tr := New(cfg, persister, nil)

	for i := 0; i < 10; i++ {
		tr.TrackVisit("svc-1", "")
	}
	if n := persister.Saves(); n != 0 {
		t.Errorf("visits inside the flush delay should not persist yet, saves=%d", n)
	}

	waitFor(t, time.Second, func() bool { return persister.Saves() == 1 })

	tr.TrackVisit("svc-2", "")
	tr.Close()
	if n := persister.Saves(); n != 2 {
		t.Errorf("Close flushes the pending write: saves=%d, want 2", n)
	}

	state, err := persister.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if len(state.Events) != 11 {
		t.Errorf("expected 11 persisted events, got %d", len(state.Events))
	}

	tr.TrackVisit("svc-3", "")
	tr.Close()
	if n := persister.Saves(); n != 2 {
		t.Errorf("visits after Close must not persist: saves=%d", n)
	}
}

// slowPersister blocks its first save until release is closed.
type slowPersister struct {
	MemoryPersister
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *slowPersister) SaveState(state State) error {
	p.once.Do(func() {
		close(p.started)
		<-p.release
	})
	return p.MemoryPersister.SaveState(state)
}

func TestCloseWaitsForRunningSave(t *testing.T) {
	persister := &slowPersister{started: make(chan struct{}), release: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.FlushDelay = time.Millisecond
	tr := New(cfg, persister, nil)

	tr.TrackVisit("svc-1", "")
	<-persister.started
	tr.TrackVisit("svc-2", "")

	closed := make(chan struct{})
	go func() {
		tr.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a save was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(persister.release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the save finished")
	}

	state, err := persister.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if state == nil || len(state.Events) != 2 {
		t.Fatalf("expected both visits persisted by Close, got %+v", state)
	}
}

func TestMetaPersisterOverDurableStore(t *testing.T) {
	d, err := cache.OpenDurable(&cache.DurableConfig{Path: filepath.Join(t.TempDir(), "c.bbolt")}, nil)
	if err != nil {
		t.Fatalf("OpenDurable: %v", err)
	}
	defer d.Close()

	clock := &fakeClock{now: time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)}
	persister := NewMetaPersister(d)

	first := newTestTracker(clock, persister)
	first.TrackVisit("svc-1", "food")
	first.TrackVisit("svc-1", "food")
	first.Close()

	second := newTestTracker(clock, persister)
	popular := second.GetPopularServices(1)
	if len(popular) != 1 {
		t.Fatalf("expected 1 popular entity after restart, got %d", len(popular))
	}
	if popular[0].EntityID != "svc-1" || popular[0].Visits != 2 {
		t.Errorf("restored %s with %d visits, want svc-1 with 2", popular[0].EntityID, popular[0].Visits)
	}

	if err := d.PutMeta(stateKey, []byte("garbage")); err != nil {
		t.Fatalf("PutMeta: %v", err)
	}
	third := newTestTracker(clock, persister)
	if third.Len() != 0 {
		t.Errorf("undecodable state starts empty, got %d events", third.Len())
	}
}
