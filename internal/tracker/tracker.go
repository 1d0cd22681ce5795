// Package tracker records entity visits and derives popularity scores from them.
package tracker

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/localdir/dircache/internal/debounce"
	"github.com/localdir/dircache/pkg/types"
	"github.com/localdir/dircache/pkg/utils"
)

// Event is a single visit.
type Event struct {
	EntityID  string    `json:"entityId"`
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category,omitempty"`
}

// State is the persisted form of the tracker.
type State struct {
	Events      []Event   `json:"events"`
	LastCleanup time.Time `json:"lastCleanup"`
}

// Persister stores tracker state between sessions.
type Persister interface {
	LoadState() (*State, error)
	SaveState(state State) error
}

// Config represents tracker configuration
type Config struct {
	MaxEvents         int
	RecencyWeight     float64
	RecencyWindowDays float64
	RetentionWindow   time.Duration
	CleanupInterval   time.Duration
	// FlushDelay debounces persistence after visits. Zero persists synchronously.
	FlushDelay time.Duration
	Clock      func() time.Time
}

// DefaultConfig returns the stock scoring and retention settings.
func DefaultConfig() Config {
	return Config{
		MaxEvents:         1000,
		RecencyWeight:     0.5,
		RecencyWindowDays: 7,
		RetentionWindow:   30 * 24 * time.Hour,
		CleanupInterval:   24 * time.Hour,
		FlushDelay:        time.Second,
	}
}

// Tracker is an append-only visit log capped at MaxEvents, oldest dropped first.
type Tracker struct {
	mu          sync.Mutex
	events      []Event
	lastCleanup time.Time

	config    Config
	persister Persister
	flusher   *debounce.Debouncer
	logger    *utils.StructuredLogger

	// persistMu serializes saves with Close. dirty marks visits not yet saved.
	persistMu sync.Mutex
	closed    bool
	dirty     atomic.Bool
}

// New builds a tracker and restores state from persister when one is given.
func New(config Config, persister Persister, logger *utils.StructuredLogger) *Tracker {
	def := DefaultConfig()
	if config.MaxEvents <= 0 {
		config.MaxEvents = def.MaxEvents
	}
	if config.RecencyWindowDays <= 0 {
		config.RecencyWindowDays = def.RecencyWindowDays
	}
	if config.RecencyWeight < 0 {
		config.RecencyWeight = 0
	}
	if config.RetentionWindow <= 0 {
		config.RetentionWindow = def.RetentionWindow
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	t := &Tracker{
		config:    config,
		persister: persister,
		flusher:   debounce.New(),
		logger:    logger.WithComponent("tracker"),
	}

	if persister != nil {
		state, err := persister.LoadState()
		switch {
		case err != nil:
			t.logger.Warn("failed to restore tracker state, starting empty", map[string]interface{}{"error": err})
		case state != nil:
			t.events = state.Events
			t.lastCleanup = state.LastCleanup
			t.enforceCapLocked()
		}
	}
	return t
}

// TrackVisit records a visit. It never fails; an empty id is ignored.
func (t *Tracker) TrackVisit(entityID, category string) {
	if entityID == "" {
		return
	}

	t.mu.Lock()
	t.events = append(t.events, Event{
		EntityID:  entityID,
		Timestamp: t.config.Clock(),
		Category:  category,
	})
	t.enforceCapLocked()
	t.mu.Unlock()

	t.schedulePersist()
}

// GetPopularServices returns up to limit entities ordered by score, then visits, then id.
// limit <= 0 returns all.
func (t *Tracker) GetPopularServices(limit int) []types.PopularEntity {
	return t.popular(limit, func(Event) bool { return true })
}

// GetPopularInCategory scores only visits tagged with category.
func (t *Tracker) GetPopularInCategory(category string, limit int) []types.PopularEntity {
	return t.popular(limit, func(e Event) bool { return e.Category == category })
}

// Score combines frequency and recency. Recency decays linearly to zero over the recency
// window, so frequency alone keeps a positive score afterwards.
func (t *Tracker) Score(visits int, lastVisit time.Time) float64 {
	days := t.config.Clock().Sub(lastVisit).Hours() / 24
	if days < 0 {
		days = 0
	}
	recency := math.Max(0, 1-days/t.config.RecencyWindowDays)
	v := float64(visits)
	return v + v*recency*t.config.RecencyWeight
}

func (t *Tracker) popular(limit int, keep func(Event) bool) []types.PopularEntity {
	t.mu.Lock()
	agg := make(map[string]*types.PopularEntity)
	for _, e := range t.events {
		if !keep(e) {
			continue
		}
		p, ok := agg[e.EntityID]
		if !ok {
			p = &types.PopularEntity{EntityID: e.EntityID}
			agg[e.EntityID] = p
		}
		p.Visits++
		if e.Timestamp.After(p.LastVisit) {
			p.LastVisit = e.Timestamp
		}
	}
	t.mu.Unlock()

	out := make([]types.PopularEntity, 0, len(agg))
	for _, p := range agg {
		p.Score = t.Score(p.Visits, p.LastVisit)
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Visits != out[j].Visits {
			return out[i].Visits > out[j].Visits
		}
		return out[i].EntityID < out[j].EntityID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CleanupOldData drops events older than the retention window. It does nothing if the last
// cleanup ran less than CleanupInterval ago, and reports whether it ran and what it removed.
func (t *Tracker) CleanupOldData() (ran bool, removed int) {
	now := t.config.Clock()

	t.mu.Lock()
	if !t.lastCleanup.IsZero() && now.Sub(t.lastCleanup) < t.config.CleanupInterval {
		t.mu.Unlock()
		return false, 0
	}

	cutoff := now.Add(-t.config.RetentionWindow)
	kept := t.events[:0]
	for _, e := range t.events {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	removed = len(t.events) - len(kept)
	t.events = kept
	t.lastCleanup = now
	t.mu.Unlock()

	if removed > 0 {
		t.logger.Info("pruned old visit events", map[string]interface{}{"removed": removed})
	}
	t.persistNow()
	return true, removed
}

// Events returns a copy of the log, oldest first.
func (t *Tracker) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.events...)
}

// Len returns the number of logged events.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// LastCleanup returns when CleanupOldData last ran.
func (t *Tracker) LastCleanup() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCleanup
}

// Reset drops all events. The cleanup timestamp is kept.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.events = nil
	t.mu.Unlock()
	t.persistNow()
}

// Close saves unpersisted visits and waits for a save already running. Later visits are
// kept in memory only.
func (t *Tracker) Close() {
	t.flusher.Cancel()
	t.persistMu.Lock()
	defer t.persistMu.Unlock()
	if t.closed {
		return
	}
	if t.dirty.Load() {
		t.saveLocked()
	}
	t.closed = true
}

func (t *Tracker) enforceCapLocked() {
	if over := len(t.events) - t.config.MaxEvents; over > 0 {
		t.events = append([]Event(nil), t.events[over:]...)
	}
}

func (t *Tracker) snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{
		Events:      append([]Event(nil), t.events...),
		LastCleanup: t.lastCleanup,
	}
}

func (t *Tracker) schedulePersist() {
	if t.persister == nil {
		return
	}
	t.dirty.Store(true)
	if t.config.FlushDelay <= 0 {
		t.persistNow()
		return
	}
	t.flusher.Schedule(t.persistNow, t.config.FlushDelay)
}

func (t *Tracker) persistNow() {
	if t.persister == nil {
		return
	}
	t.flusher.Cancel()
	t.persistMu.Lock()
	defer t.persistMu.Unlock()
	if t.closed {
		return
	}
	t.saveLocked()
}

func (t *Tracker) saveLocked() {
	t.dirty.Store(false)
	if err := t.persister.SaveState(t.snapshot()); err != nil {
		t.logger.Warn("failed to persist tracker state", map[string]interface{}{"error": err})
	}
}
