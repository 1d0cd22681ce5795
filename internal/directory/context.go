// Package directory assembles the cache tiers, the access tracker and the preload scheduler
// into one session object that serves directory reads.
package directory

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/localdir/dircache/internal/cache"
	"github.com/localdir/dircache/internal/config"
	"github.com/localdir/dircache/internal/debounce"
	"github.com/localdir/dircache/internal/metrics"
	"github.com/localdir/dircache/internal/preload"
	"github.com/localdir/dircache/internal/tracker"
	"github.com/localdir/dircache/pkg/errors"
	"github.com/localdir/dircache/pkg/types"
	"github.com/localdir/dircache/pkg/utils"
)

// Cache key namespaces. Both tiers share them.
const (
	entityPrefix = "entity:"
	listPrefix   = "list:"
)

// DefaultSearchPageSize bounds debounced search results.
const DefaultSearchPageSize = 20

// Option adjusts a CacheContext at construction.
type Option func(*options)

type options struct {
	clock func() time.Time
}

// WithClock replaces time.Now in every component. Used by tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// CacheContext is one session of the directory cache. Build it with New and release it
// with Close; nothing in it is shared between sessions.
type CacheContext struct {
	config  *config.Configuration
	env     types.Environment
	repo    types.Repository
	logger  *utils.StructuredLogger
	metrics *metrics.Collector

	durable   *cache.DurableStore
	entities  *cache.Coordinator[*types.Entity]
	lists     *cache.Coordinator[[]types.Entity]
	tracker   *tracker.Tracker
	preloader *preload.Scheduler
	search    *debounce.Debouncer

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New builds a session over repo. A durable store is opened only when env allows persistent
// storage and cfg enables it; failing to open it is logged and the session runs memory-only.
// collector may be nil.
func New(cfg *config.Configuration, repo types.Repository, env types.Environment,
	logger *utils.StructuredLogger, collector *metrics.Collector, opts ...Option) (*CacheContext, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if repo == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "a repository is required").
			WithComponent("directory").WithOperation("New")
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	c := &CacheContext{
		config:  cfg,
		env:     env,
		repo:    repo,
		logger:  logger.WithComponent("directory"),
		metrics: collector,
		search:  debounce.New(),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if env.PersistentStorage && cfg.Durable.Enabled {
		durable, err := cache.OpenDurable(&cache.DurableConfig{
			Path:            cfg.Durable.Path,
			TTL:             cfg.Durable.TTL,
			SchemaVersion:   cfg.Durable.SchemaVersion,
			Compression:     cfg.Durable.Compression.Enabled,
			CompressMinSize: cfg.Durable.Compression.MinSize,
			Clock:           o.clock,
		}, logger)
		if err != nil {
			c.logger.Warn("durable store unavailable, continuing memory-only", map[string]interface{}{
				"path":  cfg.Durable.Path,
				"error": err,
			})
		} else {
			c.durable = durable
		}
	}

	var recorder cache.Recorder
	if collector != nil {
		recorder = collector
	}
	entityStore := cache.NewStore[*types.Entity](&cache.StoreConfig{
		MaxSize:    cfg.Cache.MaxSize,
		DefaultTTL: cfg.Cache.DefaultTTL,
		Sizer:      jsonSize,
		Clock:      o.clock,
	})
	listStore := cache.NewStore[[]types.Entity](&cache.StoreConfig{
		MaxSize:    cfg.Cache.MaxSize,
		DefaultTTL: cfg.Cache.ListTTL,
		Sizer:      jsonSize,
		Clock:      o.clock,
	})
	c.entities = cache.NewCoordinator(cache.CoordinatorConfig{
		Kind:       "entity",
		TTL:        cfg.Cache.DefaultTTL,
		DurableTTL: cfg.Durable.TTL,
		Timeout:    cfg.Cache.FetchTimeout,
	}, entityStore, c.durable, logger, recorder)
	c.lists = cache.NewCoordinator(cache.CoordinatorConfig{
		Kind:       "list",
		TTL:        cfg.Cache.ListTTL,
		DurableTTL: cfg.Durable.TTL,
		Timeout:    cfg.Cache.FetchTimeout,
	}, listStore, c.durable, logger, recorder)

	var persister tracker.Persister
	if c.durable != nil {
		persister = tracker.NewMetaPersister(c.durable)
	}
	c.tracker = tracker.New(tracker.Config{
		MaxEvents:         cfg.Tracker.MaxEvents,
		RecencyWeight:     cfg.Tracker.RecencyWeight,
		RecencyWindowDays: cfg.Tracker.RecencyWindowDays,
		RetentionWindow:   cfg.Tracker.RetentionWindow,
		CleanupInterval:   cfg.Tracker.CleanupInterval,
		FlushDelay:        cfg.Tracker.FlushDelay,
		Clock:             o.clock,
	}, persister, logger)

	var preloadRecorder preload.Recorder
	if collector != nil {
		preloadRecorder = collector
	}
	c.preloader = preload.NewScheduler(preload.Config{
		Interval:      cfg.Preload.Interval,
		Count:         cfg.Preload.Count,
		MaxConcurrent: cfg.Preload.MaxConcurrent,
		Delay:         cfg.Preload.Delay,
		Clock:         o.clock,
	}, c.tracker, warmer{c}, logger, preloadRecorder)

	c.startSession()
	return c, nil
}

// startSession drops stale durable records and prunes old visits.
func (c *CacheContext) startSession() {
	if c.durable != nil {
		if _, err := c.durable.ClearExpired(); err != nil {
			c.logger.Warn("durable cleanup failed", map[string]interface{}{"error": err})
		}
	}
	c.tracker.CleanupOldData()
	c.updateGauges()

	c.logger.Info("cache session started", map[string]interface{}{
		"durable":      c.durable != nil,
		"online":       c.env.Online,
		"tracked":      c.tracker.Len(),
		"schema":       c.config.Durable.SchemaVersion,
		"preload":      c.config.Preload.Enabled,
		"max_entries":  c.config.Cache.MaxSize,
		"default_ttl":  c.config.Cache.DefaultTTL.String(),
		"list_ttl":     c.config.Cache.ListTTL.String(),
		"fetch_budget": c.config.Cache.FetchTimeout.String(),
	})
}

// GetService returns one entity, fetching it at most once across concurrent callers.
// It does not record a visit; see TrackVisit.
func (c *CacheContext) GetService(ctx context.Context, id string) (*types.Entity, error) {
	if id == "" {
		return nil, errors.NewError(errors.ErrCodeValidationFailed, "entity id is required").
			WithComponent("directory").WithOperation("GetService")
	}
	entity, err := c.entities.GetOrCreate(ctx, EntityKey(id), func(ctx context.Context) (*types.Entity, error) {
		e, err := c.repo.FetchByID(ctx, id)
		if err == nil && e == nil {
			err = errors.NewError(errors.ErrCodeEntityNotFound, "entity "+id+" not found").
				WithComponent("directory").WithContext("id", id)
		}
		return e, err
	})
	c.updateGauges()
	return entity, err
}

// ListServices returns entities matching filter, at most pageSize of them. Results are
// cached under the canonical filter key, and each returned entity seeds the entity tier.
func (c *CacheContext) ListServices(ctx context.Context, filter types.Filter, pageSize int) ([]types.Entity, error) {
	list, err := c.lists.GetOrCreate(ctx, ListKey(filter, pageSize), func(ctx context.Context) ([]types.Entity, error) {
		entities, err := c.repo.FetchByFilter(ctx, filter, pageSize)
		if err != nil {
			return nil, err
		}
		for i := range entities {
			e := entities[i]
			c.entities.Store().Set(EntityKey(e.ID), &e, 0)
		}
		return entities, nil
	})
	c.updateGauges()
	return list, err
}

// SaveService writes entity through the repository and invalidates every key it may
// appear under.
func (c *CacheContext) SaveService(ctx context.Context, entity types.Entity) error {
	writable, err := c.writable("SaveService")
	if err != nil {
		return err
	}
	if err := entity.Validate(); err != nil {
		return errors.Wrap(errors.ErrCodeValidationFailed, "invalid entity", err).
			WithComponent("directory").WithOperation("SaveService")
	}
	if err := writable.PutEntity(ctx, entity); err != nil {
		return err
	}
	c.invalidateEntity(entity.ID)
	c.logger.Info("entity saved", map[string]interface{}{"id": entity.ID})
	return nil
}

// DeleteService removes an entity upstream and from every cache tier.
func (c *CacheContext) DeleteService(ctx context.Context, id string) error {
	writable, err := c.writable("DeleteService")
	if err != nil {
		return err
	}
	if err := writable.DeleteEntity(ctx, id); err != nil {
		return err
	}
	c.invalidateEntity(id)
	c.logger.Info("entity deleted", map[string]interface{}{"id": id})
	return nil
}

func (c *CacheContext) writable(op string) (types.WritableRepository, error) {
	w, ok := c.repo.(types.WritableRepository)
	if !ok {
		return nil, errors.NewError(errors.ErrCodeRepositoryWrite, "repository is read-only").
			WithComponent("directory").WithOperation(op)
	}
	return w, nil
}

func (c *CacheContext) invalidateEntity(id string) {
	c.entities.Invalidate(EntityKey(id))
	c.lists.InvalidatePattern(listPrefix + "*")
	c.updateGauges()
}

// TrackVisit records a visit. It never fails.
func (c *CacheContext) TrackVisit(entityID, category string) {
	c.tracker.TrackVisit(entityID, category)
	if c.metrics != nil {
		c.metrics.SetTrackerEvents(c.tracker.Len())
	}
}

// GetPopularServices returns up to limit entities ranked by popularity.
func (c *CacheContext) GetPopularServices(limit int) []types.PopularEntity {
	return c.tracker.GetPopularServices(limit)
}

// GetPopularInCategory ranks only visits tagged with category.
func (c *CacheContext) GetPopularInCategory(category string, limit int) []types.PopularEntity {
	return c.tracker.GetPopularInCategory(category, limit)
}

// PreloadPopular runs one preload pass now. See preload.Scheduler.PreloadPopular.
func (c *CacheContext) PreloadPopular(ctx context.Context, force bool) (preload.Report, error) {
	report, err := c.preloader.PreloadPopular(ctx, force)
	c.updateGauges()
	return report, err
}

// PreloadCategory warms the most popular entities of one category.
func (c *CacheContext) PreloadCategory(ctx context.Context, category string, limit int) (preload.Report, error) {
	report, err := c.preloader.PreloadCategory(ctx, category, limit)
	c.updateGauges()
	return report, err
}

// PreloadProgress reports the scheduler state.
func (c *CacheContext) PreloadProgress() types.PreloadProgress {
	return c.preloader.Progress()
}

// StartPreloading runs the background preload loop until Close. It is a no-op when
// preloading is disabled.
func (c *CacheContext) StartPreloading() {
	if !c.config.Preload.Enabled {
		return
	}
	c.preloader.Start(c.ctx)
}

// SearchDebounced runs a query search after delay, unless another search is scheduled
// first. Only the last query's callback fires.
func (c *CacheContext) SearchDebounced(query string, delay time.Duration, cb func([]types.Entity, error)) {
	filter := types.Filter{Query: query}
	c.search.Schedule(func() {
		results, err := c.ListServices(c.ctx, filter, DefaultSearchPageSize)
		if cb != nil {
			cb(results, err)
		}
	}, delay)
}

// CancelSearch drops a pending debounced search.
func (c *CacheContext) CancelSearch() bool {
	return c.search.Cancel()
}

// ClearAllCache empties both cache tiers. Visit history is kept.
func (c *CacheContext) ClearAllCache() error {
	c.entities.Clear()
	c.lists.Clear()
	if c.durable != nil {
		if err := c.durable.Clear(); err != nil {
			c.updateGauges()
			return errors.Wrap(errors.ErrCodeCacheIO, "failed to clear durable store", err).
				WithComponent("directory").WithOperation("ClearAllCache")
		}
	}
	c.updateGauges()
	c.logger.Info("cache cleared")
	return nil
}

// CacheStats reports entry counts and approximate sizes of both tiers.
func (c *CacheContext) CacheStats() types.CacheStats {
	entityStats := c.entities.Store().Stats()
	listStats := c.lists.Store().Stats()
	stats := types.CacheStats{
		EntryCount:      c.entities.Store().Len() + c.lists.Store().Len(),
		ApproxSizeBytes: entityStats.SizeBytes + listStats.SizeBytes,
		PendingRequests: c.entities.Pending() + c.lists.Pending(),
	}
	if c.durable != nil {
		stats.DurableEntryCount = c.durable.Count()
		stats.ApproxSizeBytes += c.durable.SizeBytes()
	}
	return stats
}

// Health probes the repository when it supports probing.
func (c *CacheContext) Health(ctx context.Context) error {
	if hc, ok := c.repo.(types.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Repository returns the repository the session reads from.
func (c *CacheContext) Repository() types.Repository {
	return c.repo
}

// Environment returns the capabilities the session was built with.
func (c *CacheContext) Environment() types.Environment {
	return c.env
}

// Durable reports whether the durable tier is open.
func (c *CacheContext) Durable() bool {
	return c.durable != nil
}

// Fetches returns how many repository fetches the session has started.
func (c *CacheContext) Fetches() uint64 {
	return c.entities.Fetches() + c.lists.Fetches()
}

// Close stops background work, flushes tracker state and closes the durable store.
func (c *CacheContext) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.search.Cancel()
		c.preloader.Stop()
		c.cancel()
		c.tracker.Close()
		if c.durable != nil {
			err = c.durable.Close()
		}
		c.logger.Info("cache session closed")
	})
	return err
}

func (c *CacheContext) updateGauges() {
	if c.metrics == nil {
		return
	}
	c.metrics.SetCacheEntries(cache.TierMemory, c.entities.Store().Len()+c.lists.Store().Len())
	if c.durable != nil {
		c.metrics.SetCacheEntries(cache.TierDurable, c.durable.Count())
	}
}

// EntityKey is the cache key of one entity.
func EntityKey(id string) string {
	return entityPrefix + id
}

// ListKey is the cache key of one filter page.
func ListKey(filter types.Filter, pageSize int) string {
	return listPrefix + filter.Key() + "&n=" + strconv.Itoa(pageSize)
}

func jsonSize(v any) int64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(b))
}

// warmer adapts the session to preload.Warmer without recording visits.
type warmer struct {
	c *CacheContext
}

func (w warmer) IsCached(id string) bool {
	return w.c.entities.Has(EntityKey(id))
}

func (w warmer) Warm(ctx context.Context, id string) error {
	_, err := w.c.GetService(ctx, id)
	return err
}
