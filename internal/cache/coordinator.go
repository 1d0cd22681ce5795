package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/localdir/dircache/pkg/errors"
	"github.com/localdir/dircache/pkg/utils"
)

// Lookup tiers and results reported to a Recorder.
const (
	TierMemory  = "memory"
	TierDurable = "durable"

	ResultHit  = "hit"
	ResultMiss = "miss"
)

// Recorder receives coordinator events. internal/metrics.Collector implements it.
type Recorder interface {
	RecordLookup(tier, result string)
	RecordFetch(kind, status string, duration time.Duration)
	RecordDedupJoin(kind string)
}

type nopRecorder struct{}

func (nopRecorder) RecordLookup(string, string)                {}
func (nopRecorder) RecordFetch(string, string, time.Duration) {}
func (nopRecorder) RecordDedupJoin(string)                    {}

// FetchFunc loads a value from the source of truth. It runs on a context detached from any
// single caller's cancellation.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// CoordinatorConfig represents coordinator configuration
type CoordinatorConfig struct {
	// Kind labels metrics and logs, e.g. "entity" or "list".
	Kind       string
	TTL        time.Duration
	DurableTTL time.Duration
	// Timeout bounds each caller's wait. Zero relies on the caller's context.
	Timeout time.Duration
}

// Coordinator serves reads through the entry store, then the durable store, then a
// deduplicated fetch. Concurrent callers for one key share a single fetch.
type Coordinator[V any] struct {
	config   CoordinatorConfig
	store    *Store[V]
	durable  *DurableStore
	group    singleflight.Group
	logger   *utils.StructuredLogger
	recorder Recorder
	pending  atomic.Int64
	fetches  atomic.Uint64

	// fence guards the write-back of in-flight fetches against invalidations that land
	// while they run.
	fence struct {
		sync.Mutex
		seq      uint64
		inflight map[string]int
		// invalidated holds, per in-flight key, the seq of its latest invalidation
		invalidated map[string]uint64
	}
}

// GetOption adjusts a single GetOrCreate call.
type GetOption func(*getOptions)

type getOptions struct {
	ttl         time.Duration
	timeout     time.Duration
	skipDurable bool
}

// WithTTL overrides the entry store TTL for this call.
func WithTTL(ttl time.Duration) GetOption {
	return func(o *getOptions) { o.ttl = ttl }
}

// WithTimeout bounds how long this caller waits. The shared fetch keeps running.
func WithTimeout(timeout time.Duration) GetOption {
	return func(o *getOptions) { o.timeout = timeout }
}

// SkipDurable keeps the result out of the durable store.
func SkipDurable() GetOption {
	return func(o *getOptions) { o.skipDurable = true }
}

// NewCoordinator wires a coordinator over store and an optional durable store.
func NewCoordinator[V any](config CoordinatorConfig, store *Store[V], durable *DurableStore,
	logger *utils.StructuredLogger, recorder Recorder) *Coordinator[V] {
	if config.Kind == "" {
		config.Kind = "entity"
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	c := &Coordinator[V]{
		config:   config,
		store:    store,
		durable:  durable,
		logger:   logger.WithComponent("cache").WithField("kind", config.Kind),
		recorder: recorder,
	}
	c.fence.inflight = make(map[string]int)
	c.fence.invalidated = make(map[string]uint64)
	return c
}

// GetOrCreate returns the value for key, fetching it at most once across concurrent callers.
// Errors are returned to every waiting caller and never cached.
func (c *Coordinator[V]) GetOrCreate(ctx context.Context, key string, fetch FetchFunc[V], opts ...GetOption) (V, error) {
	var zero V
	o := getOptions{ttl: c.config.TTL, timeout: c.config.Timeout}
	for _, opt := range opts {
		opt(&o)
	}

	if v, ok := c.Peek(key); ok {
		return v, nil
	}
	if err := ctx.Err(); err != nil {
		return zero, callerError(key, err)
	}

	leader := false
	ch := c.group.DoChan(key, func() (interface{}, error) {
		leader = true
		// a fetch that settled between our miss and DoChan already filled the store
		if v, ok := c.store.Get(key); ok {
			return v, nil
		}

		c.pending.Add(1)
		defer c.pending.Add(-1)
		c.fetches.Add(1)
		started := c.begin(key)
		defer c.end(key)

		start := time.Now()
		v, err := fetch(context.WithoutCancel(ctx))
		status := "success"
		if err != nil {
			status = string(errors.CodeOf(err))
		}
		c.recorder.RecordFetch(c.config.Kind, status, time.Since(start))
		if err != nil {
			c.logger.Debug("fetch failed", map[string]interface{}{"key": key, "error": err})
			return nil, err
		}

		c.fence.Lock()
		defer c.fence.Unlock()
		if c.fence.invalidated[key] > started {
			// callers get what the repository answered, the cache does not keep it
			c.logger.Debug("key invalidated during fetch, not caching", map[string]interface{}{"key": key})
			return v, nil
		}
		c.store.Set(key, v, o.ttl)
		if !o.skipDurable {
			c.saveDurable(key, v)
		}
		return v, nil
	})

	var timeout <-chan time.Time
	if o.timeout > 0 {
		timer := time.NewTimer(o.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-ch:
		if !leader {
			c.recorder.RecordDedupJoin(c.config.Kind)
		}
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		return zero, callerError(key, ctx.Err())
	case <-timeout:
		return zero, errors.NewError(errors.ErrCodeOperationTimeout, "timed out waiting for "+key).
			WithComponent("cache").WithOperation("GetOrCreate").WithContext("key", key)
	}
}

// Peek resolves key from the entry store or the durable store without fetching. Durable hits
// are promoted into the entry store.
func (c *Coordinator[V]) Peek(key string) (V, bool) {
	if v, ok := c.store.Get(key); ok {
		c.recorder.RecordLookup(TierMemory, ResultHit)
		return v, true
	}
	c.recorder.RecordLookup(TierMemory, ResultMiss)

	var zero V
	if c.durable == nil {
		return zero, false
	}
	payload, ok := c.durable.Load(key)
	if !ok {
		c.recorder.RecordLookup(TierDurable, ResultMiss)
		return zero, false
	}

	var v V
	if err := json.Unmarshal(payload, &v); err != nil {
		c.logger.Warn("durable payload does not decode, dropping", map[string]interface{}{"key": key, "error": err})
		_ = c.durable.Delete(key)
		c.recorder.RecordLookup(TierDurable, ResultMiss)
		return zero, false
	}
	c.recorder.RecordLookup(TierDurable, ResultHit)
	c.store.Set(key, v, c.config.TTL)
	return v, true
}

// Has reports whether key resolves without a fetch.
func (c *Coordinator[V]) Has(key string) bool {
	if c.store.Has(key) {
		return true
	}
	_, ok := c.Peek(key)
	return ok
}

// Invalidate drops key from both tiers. A fetch for key already in flight still answers its
// callers but no longer writes back, and later callers start a fresh fetch.
func (c *Coordinator[V]) Invalidate(key string) {
	c.fenceKeys(func(k string) bool { return k == key })
	c.store.Invalidate(key)
	if c.durable != nil {
		if err := c.durable.Delete(key); err != nil {
			c.logger.Warn("durable delete failed", map[string]interface{}{"key": key, "error": err})
		}
	}
}

// InvalidatePattern drops every matching key from both tiers and returns the memory count.
func (c *Coordinator[V]) InvalidatePattern(pattern string) int {
	c.fenceKeys(func(k string) bool { return MatchKey(pattern, k) })
	n := c.store.InvalidatePattern(pattern)
	if c.durable != nil {
		if _, err := c.durable.DeletePattern(pattern); err != nil {
			c.logger.Warn("durable pattern delete failed", map[string]interface{}{"pattern": pattern, "error": err})
		}
	}
	return n
}

// Clear empties the entry store and fences every fetch in flight. The durable store is shared
// between coordinators and is cleared by its owner.
func (c *Coordinator[V]) Clear() {
	c.fenceKeys(func(string) bool { return true })
	c.store.Clear()
}

// begin registers an in-flight fetch for key and returns the fence seq it started at.
func (c *Coordinator[V]) begin(key string) uint64 {
	c.fence.Lock()
	defer c.fence.Unlock()
	c.fence.inflight[key]++
	return c.fence.seq
}

func (c *Coordinator[V]) end(key string) {
	c.fence.Lock()
	defer c.fence.Unlock()
	if c.fence.inflight[key]--; c.fence.inflight[key] <= 0 {
		delete(c.fence.inflight, key)
		delete(c.fence.invalidated, key)
	}
}

// fenceKeys marks every in-flight key matching match as invalidated and detaches it from
// singleflight so new callers do not join the stale fetch.
func (c *Coordinator[V]) fenceKeys(match func(string) bool) {
	c.fence.Lock()
	defer c.fence.Unlock()
	c.fence.seq++
	for k := range c.fence.inflight {
		if match(k) {
			c.fence.invalidated[k] = c.fence.seq
			c.group.Forget(k)
		}
	}
}

// Pending returns the number of fetches in flight.
func (c *Coordinator[V]) Pending() int {
	return int(c.pending.Load())
}

// Fetches returns how many fetches have been started.
func (c *Coordinator[V]) Fetches() uint64 {
	return c.fetches.Load()
}

// Store exposes the entry store.
func (c *Coordinator[V]) Store() *Store[V] {
	return c.store
}

func (c *Coordinator[V]) saveDurable(key string, v V) {
	if c.durable == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("value does not serialize, skipping durable write", map[string]interface{}{"key": key, "error": err})
		return
	}
	_ = c.durable.Save(key, payload, c.config.DurableTTL)
}

func callerError(key string, err error) error {
	code := errors.CodeOf(err)
	return errors.Wrap(code, "caller gave up waiting for "+key, err).
		WithComponent("cache").WithOperation("GetOrCreate").WithContext("key", key)
}
