// Package preload warms the cache with the most popular entities on a timer.
package preload

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/localdir/dircache/pkg/errors"
	"github.com/localdir/dircache/pkg/types"
	"github.com/localdir/dircache/pkg/utils"
)

// Outcomes reported per preloaded id.
const (
	OutcomeLoaded  = "loaded"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Source ranks entities by popularity.
type Source interface {
	GetPopularServices(limit int) []types.PopularEntity
	GetPopularInCategory(category string, limit int) []types.PopularEntity
}

// Warmer resolves entities through the cache.
type Warmer interface {
	// IsCached reports whether id resolves without a repository call.
	IsCached(id string) bool
	Warm(ctx context.Context, id string) error
}

// Recorder receives per-id outcomes. internal/metrics.Collector implements it.
type Recorder interface {
	RecordPreload(outcome string)
}

// Config represents preload configuration
type Config struct {
	Interval      time.Duration
	Count         int
	MaxConcurrent int
	// Delay separates batches so preloading never saturates the repository.
	Delay time.Duration
	Clock func() time.Time
}

// Report summarizes one preload run.
type Report struct {
	Ran       bool `json:"ran"`
	Total     int  `json:"total"`
	Preloaded int  `json:"preloaded"`
	Skipped   int  `json:"skipped"`
	Failed    int  `json:"failed"`
}

// Scheduler runs preload passes. At most one pass runs at a time.
type Scheduler struct {
	mu       sync.Mutex
	running  bool
	progress types.PreloadProgress
	lastRun  time.Time

	source   Source
	warmer   Warmer
	config   Config
	logger   *utils.StructuredLogger
	recorder Recorder

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler. recorder may be nil.
func NewScheduler(config Config, source Source, warmer Warmer, logger *utils.StructuredLogger, recorder Recorder) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.Count <= 0 {
		config.Count = 10
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 3
	}
	if config.Delay < 0 {
		config.Delay = 0
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Scheduler{
		source:   source,
		warmer:   warmer,
		config:   config,
		logger:   logger.WithComponent("preload"),
		recorder: recorder,
	}
}

// PreloadPopular warms the top Count entities. Without force it does nothing if the last
// pass started less than Interval ago. A pass already in progress is never joined or
// restarted; the call returns OPERATION_ALREADY_RUNNING.
func (s *Scheduler) PreloadPopular(ctx context.Context, force bool) (Report, error) {
	now := s.config.Clock()
	s.mu.Lock()
	if !force && !s.lastRun.IsZero() && now.Sub(s.lastRun) < s.config.Interval {
		s.mu.Unlock()
		s.logger.Debug("preload skipped by rate limit", map[string]interface{}{"last_run": s.lastRun})
		return Report{}, nil
	}
	s.mu.Unlock()

	popular := s.source.GetPopularServices(s.config.Count)
	return s.run(ctx, ids(popular), now)
}

// PreloadCategory warms the top limit entities within category. It bypasses the rate gate
// but not the single-run guard.
func (s *Scheduler) PreloadCategory(ctx context.Context, category string, limit int) (Report, error) {
	if limit <= 0 {
		limit = s.config.Count
	}
	popular := s.source.GetPopularInCategory(category, limit)
	return s.run(ctx, ids(popular), time.Time{})
}

// Progress returns a snapshot of the current or last pass.
func (s *Scheduler) Progress() types.PreloadProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

func (s *Scheduler) run(ctx context.Context, entityIDs []string, startedAt time.Time) (Report, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Report{}, errors.NewError(errors.ErrCodeAlreadyRunning, "preload already in progress").
			WithComponent("preload")
	}
	s.running = true
	if !startedAt.IsZero() {
		s.lastRun = startedAt
	}
	batches := (len(entityIDs) + s.config.MaxConcurrent - 1) / s.config.MaxConcurrent
	s.progress = types.PreloadProgress{
		IsPreloading:    true,
		TotalToPreload:  len(entityIDs),
		TotalBatches:    batches,
		LastPreloadTime: s.progress.LastPreloadTime,
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.progress.IsPreloading = false
		s.progress.LastPreloadTime = s.config.Clock()
		s.mu.Unlock()
	}()

	report := Report{Ran: true, Total: len(entityIDs)}
	if len(entityIDs) == 0 {
		return report, nil
	}

	s.logger.Info("preload started", map[string]interface{}{"total": len(entityIDs), "batches": batches})

	for b := 0; b < batches; b++ {
		start := b * s.config.MaxConcurrent
		end := start + s.config.MaxConcurrent
		if end > len(entityIDs) {
			end = len(entityIDs)
		}

		s.mu.Lock()
		s.progress.CurrentBatch = b + 1
		s.mu.Unlock()

		s.runBatch(ctx, entityIDs[start:end])

		if err := ctx.Err(); err != nil {
			s.logger.Info("preload aborted", map[string]interface{}{"batch": b + 1, "error": err})
			return s.fillReport(report), err
		}

		if b < batches-1 && s.config.Delay > 0 {
			timer := time.NewTimer(s.config.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return s.fillReport(report), ctx.Err()
			case <-timer.C:
			}
		}
	}

	report = s.fillReport(report)
	s.logger.Info("preload finished", map[string]interface{}{
		"preloaded": report.Preloaded,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
	})
	return report, nil
}

// runBatch warms every id concurrently. Failures are counted, never propagated, so one bad
// id does not cancel its siblings.
func (s *Scheduler) runBatch(ctx context.Context, batch []string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrent)

	for _, id := range batch {
		id := id
		g.Go(func() error {
			if s.warmer.IsCached(id) {
				s.record(OutcomeSkipped)
				return nil
			}
			if err := s.warmer.Warm(gctx, id); err != nil {
				s.logger.Warn("preload failed", map[string]interface{}{"entity_id": id, "error": err})
				s.record(OutcomeFailed)
				return nil
			}
			s.record(OutcomeLoaded)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) record(outcome string) {
	s.mu.Lock()
	switch outcome {
	case OutcomeLoaded:
		s.progress.PreloadedCount++
	case OutcomeSkipped:
		s.progress.SkippedCount++
	case OutcomeFailed:
		s.progress.FailedCount++
	}
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.RecordPreload(outcome)
	}
}

func (s *Scheduler) fillReport(r Report) Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Preloaded = s.progress.PreloadedCount
	r.Skipped = s.progress.SkippedCount
	r.Failed = s.progress.FailedCount
	return r
}

// Start runs a pass immediately and then every Interval until Stop or ctx is done.
// Calling Start on a running loop does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		s.tick(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.tick(loopCtx)
			}
		}
	}(s.done)

	s.logger.Info("preload loop started", map[string]interface{}{"interval": s.config.Interval.String()})
}

// Stop cancels the loop and waits for an in-flight pass to finish or abort.
func (s *Scheduler) Stop() {
	s.loopMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("preload loop stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.PreloadPopular(ctx, false); err != nil && errors.CodeOf(err) != errors.ErrCodeAlreadyRunning {
		if ctx.Err() == nil {
			s.logger.Warn("scheduled preload failed", map[string]interface{}{"error": err})
		}
	}
}

func ids(popular []types.PopularEntity) []string {
	out := make([]string, len(popular))
	for i, p := range popular {
		out[i] = p.EntityID
	}
	return out
}
