package repository

import (
	"context"
	stderr "errors"
	"time"

	"github.com/localdir/dircache/internal/circuit"
	"github.com/localdir/dircache/pkg/errors"
	"github.com/localdir/dircache/pkg/retry"
	"github.com/localdir/dircache/pkg/types"
	"github.com/localdir/dircache/pkg/utils"
)

// Fallback shapes reported to a FallbackRecorder.
const (
	ShapeEntity = "entity"
	ShapeList   = "list"
)

// FallbackRecorder counts fallback substitutions. internal/metrics.Collector implements it.
type FallbackRecorder interface {
	RecordFallback(shape string)
}

// Options configures a Resilient repository. Every field is optional.
type Options struct {
	Retryer     *retry.Retryer
	Breaker     *circuit.CircuitBreaker
	Fallback    types.Repository
	Environment types.Environment
	// RequestTimeout bounds each attempt against the primary.
	RequestTimeout time.Duration
	Logger         *utils.StructuredLogger
	Recorder       FallbackRecorder
}

// Resilient wraps a primary repository with per-attempt timeouts, retries, a circuit breaker
// and a static fallback. NotFound from the primary is authoritative and never falls back.
type Resilient struct {
	primary types.Repository
	opts    Options
	logger  *utils.StructuredLogger
}

// NewResilient wraps primary. A nil Retryer performs a single attempt.
func NewResilient(primary types.Repository, opts Options) *Resilient {
	if opts.Retryer == nil {
		opts.Retryer = retry.New(retry.Config{MaxAttempts: 1})
	}
	logger := opts.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Resilient{
		primary: primary,
		opts:    opts,
		logger:  logger.WithComponent("repository"),
	}
}

// FetchByID reads from the primary and substitutes the fallback when the primary is
// unavailable or the environment is offline.
func (r *Resilient) FetchByID(ctx context.Context, id string) (*types.Entity, error) {
	var entity *types.Entity
	err := r.primaryCall(ctx, "FetchByID", func(ctx context.Context) error {
		var err error
		entity, err = r.primary.FetchByID(ctx, id)
		return err
	})
	if err == nil {
		return entity, nil
	}
	if !r.shouldFallBack(ctx, err) {
		return nil, err
	}

	if r.opts.Fallback != nil {
		fb, fbErr := r.opts.Fallback.FetchByID(ctx, id)
		if fbErr == nil {
			r.fellBack(ShapeEntity, "FetchByID", err)
			return fb, nil
		}
		r.logger.Debug("fallback has no answer", map[string]interface{}{"id": id, "error": fbErr})
	}
	return nil, degraded("FetchByID", err).WithContext("id", id)
}

// FetchByFilter reads a page from the primary, falling back like FetchByID.
func (r *Resilient) FetchByFilter(ctx context.Context, filter types.Filter, pageSize int) ([]types.Entity, error) {
	var page []types.Entity
	err := r.primaryCall(ctx, "FetchByFilter", func(ctx context.Context) error {
		var err error
		page, err = r.primary.FetchByFilter(ctx, filter, pageSize)
		return err
	})
	if err == nil {
		return page, nil
	}
	if !r.shouldFallBack(ctx, err) {
		return nil, err
	}

	if r.opts.Fallback != nil {
		fb, fbErr := r.opts.Fallback.FetchByFilter(ctx, filter, pageSize)
		if fbErr == nil {
			r.fellBack(ShapeList, "FetchByFilter", err)
			return fb, nil
		}
		r.logger.Debug("fallback has no answer", map[string]interface{}{"filter": filter.Key(), "error": fbErr})
	}
	return nil, degraded("FetchByFilter", err).WithContext("filter", filter.Key())
}

// PutEntity writes through to the primary. Writes never fall back.
func (r *Resilient) PutEntity(ctx context.Context, entity types.Entity) error {
	w, err := r.writable()
	if err != nil {
		return err
	}
	return r.primaryCall(ctx, "PutEntity", func(ctx context.Context) error {
		return w.PutEntity(ctx, entity)
	})
}

// DeleteEntity deletes from the primary.
func (r *Resilient) DeleteEntity(ctx context.Context, id string) error {
	w, err := r.writable()
	if err != nil {
		return err
	}
	return r.primaryCall(ctx, "DeleteEntity", func(ctx context.Context) error {
		return w.DeleteEntity(ctx, id)
	})
}

// HealthCheck probes the primary when it supports it. An open breaker is unhealthy.
func (r *Resilient) HealthCheck(ctx context.Context) error {
	if r.opts.Breaker != nil && r.opts.Breaker.GetState() == circuit.StateOpen {
		return errors.NewError(errors.ErrCodeCircuitOpen, "repository circuit is open").WithComponent("repository")
	}
	if hc, ok := r.primary.(types.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Breaker returns the circuit breaker, or nil.
func (r *Resilient) Breaker() *circuit.CircuitBreaker {
	return r.opts.Breaker
}

func (r *Resilient) writable() (types.WritableRepository, error) {
	if !r.opts.Environment.Online {
		return nil, errors.NewError(errors.ErrCodeServiceUnavailable, "repository writes need an online environment").
			WithComponent("repository")
	}
	w, ok := r.primary.(types.WritableRepository)
	if !ok {
		return nil, errors.NewError(errors.ErrCodeRepositoryWrite, "repository is read-only").
			WithComponent("repository")
	}
	return w, nil
}

// primaryCall runs fn against the primary inside the breaker, retrying each attempt with
// its own timeout. Errors come back classified.
func (r *Resilient) primaryCall(ctx context.Context, op string, fn func(context.Context) error) error {
	if !r.opts.Environment.Online {
		return errors.NewError(errors.ErrCodeServiceUnavailable, "environment is offline").
			WithComponent("repository").WithOperation(op)
	}

	attempt := func(ctx context.Context) error {
		return r.opts.Retryer.DoWithContext(ctx, func(ctx context.Context) error {
			actx, cancel := ctx, context.CancelFunc(func() {})
			if r.opts.RequestTimeout > 0 {
				actx, cancel = context.WithTimeout(ctx, r.opts.RequestTimeout)
			}
			defer cancel()
			return classify(ctx, op, fn(actx))
		})
	}

	if r.opts.Breaker != nil {
		return r.opts.Breaker.Execute(ctx, attempt)
	}
	return attempt(ctx)
}

func (r *Resilient) shouldFallBack(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return errors.IsUnavailable(err)
}

func (r *Resilient) fellBack(shape, op string, cause error) {
	r.logger.Warn("repository unavailable, serving fallback data", map[string]interface{}{
		"operation": op,
		"error":     cause,
	})
	if r.opts.Recorder != nil {
		r.opts.Recorder.RecordFallback(shape)
	}
}

// classify maps raw adapter errors onto the directory taxonomy. parent is the caller's
// context; a deadline on the attempt context alone is a slow repository, not a caller timeout.
func classify(parent context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var de *errors.DirectoryError
	if stderr.As(err, &de) {
		return err
	}
	if parent.Err() != nil {
		return err
	}
	if stderr.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrCodeNetworkError, "repository request timed out", err).
			WithComponent("repository").WithOperation(op)
	}
	return errors.Wrap(errors.ErrCodeRepositoryRead, "repository request failed", err).
		WithComponent("repository").WithOperation(op)
}

func degraded(op string, cause error) *errors.DirectoryError {
	return errors.Wrap(errors.ErrCodeServiceUnavailable, "repository unavailable and no fallback answer", cause).
		WithComponent("repository").WithOperation(op).AsDegraded()
}
