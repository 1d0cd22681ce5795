package main

import (
	"context"
	"time"

	"github.com/localdir/dircache/internal/circuit"
	"github.com/localdir/dircache/internal/config"
	"github.com/localdir/dircache/internal/directory"
	"github.com/localdir/dircache/internal/metrics"
	"github.com/localdir/dircache/internal/repository"
	s3store "github.com/localdir/dircache/internal/storage/s3"
	"github.com/localdir/dircache/pkg/errors"
	"github.com/localdir/dircache/pkg/health"
	"github.com/localdir/dircache/pkg/retry"
	"github.com/localdir/dircache/pkg/types"
	"github.com/localdir/dircache/pkg/utils"
)

// backend is the resilient repository plus what the daemon needs to probe and release it.
type backend struct {
	repo     *repository.Resilient
	fallback *repository.StaticDataset
	closers  []func() error
	logger   *utils.StructuredLogger
}

func buildRepository(ctx context.Context, cfg *config.Configuration, env types.Environment,
	logger *utils.StructuredLogger, collector *metrics.Collector) (*backend, error) {
	rc := cfg.Repository
	b := &backend{logger: logger.WithComponent("repository")}

	var primary types.Repository
	switch rc.Backend {
	case "s3":
		store, err := s3store.NewDocumentStore(ctx, &s3store.Config{
			Bucket:          rc.S3.Bucket,
			Prefix:          rc.S3.Prefix,
			Region:          rc.S3.Region,
			Endpoint:        rc.S3.Endpoint,
			AccessKeyID:     rc.S3.AccessKeyID,
			SecretAccessKey: rc.S3.SecretAccessKey,
			ForcePathStyle:  rc.S3.ForcePathStyle,
			MaxRetries:      rc.S3.MaxRetries,
			RequestTimeout:  rc.RequestTimeout,
			PoolSize:        rc.S3.PoolSize,
			UseCargoShip:    rc.S3.UseCargoShip,
		}, logger)
		if err != nil {
			return nil, err
		}
		primary = store
		b.closers = append(b.closers, store.Close)

		if rc.Fallback.Enabled && rc.Fallback.DatasetFile != "" {
			dataset, err := repository.LoadStaticDataset(rc.Fallback.DatasetFile)
			if err != nil {
				b.logger.Warn("fallback dataset unavailable", map[string]interface{}{
					"path":  rc.Fallback.DatasetFile,
					"error": err,
				})
			} else {
				b.fallback = dataset
			}
		}

	case "static", "":
		dataset := repository.NewStaticDataset(nil)
		if rc.Fallback.DatasetFile != "" {
			var err error
			if dataset, err = repository.LoadStaticDataset(rc.Fallback.DatasetFile); err != nil {
				return nil, err
			}
		}
		primary = dataset
		// local data also answers while offline
		b.fallback = dataset

	default:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "unknown repository backend "+rc.Backend).
			WithComponent("repository")
	}

	retryConfig := retry.DefaultConfig()
	retryConfig.MaxAttempts = rc.Retry.MaxAttempts
	retryConfig.InitialDelay = rc.Retry.BaseDelay
	retryConfig.MaxDelay = rc.Retry.MaxDelay
	retryConfig.OnRetry = func(attempt int, err error, delay time.Duration) {
		b.logger.Debug("retrying repository call", map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err,
		})
	}

	var breaker *circuit.CircuitBreaker
	if rc.CircuitBreaker.Enabled {
		breaker = circuit.NewCircuitBreaker("repository", circuit.Config{
			FailureThreshold: uint32(rc.CircuitBreaker.FailureThreshold),
			Timeout:          rc.CircuitBreaker.Timeout,
			OnStateChange: func(name string, from, to circuit.State) {
				b.logger.Warn("circuit breaker state changed", map[string]interface{}{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				})
				collector.SetCircuitState(name, int(to))
			},
		})
	}

	opts := repository.Options{
		Retryer:        retry.New(retryConfig),
		Breaker:        breaker,
		Environment:    env,
		RequestTimeout: rc.RequestTimeout,
		Logger:         logger,
		Recorder:       collector,
	}
	if b.fallback != nil {
		opts.Fallback = b.fallback
	}
	b.repo = repository.NewResilient(primary, opts)
	return b, nil
}

// check probes one health component.
func (b *backend) check(ctx context.Context, session *directory.CacheContext, component string) error {
	switch component {
	case health.ComponentRepository:
		if !session.Environment().Online {
			return nil
		}
		return session.Health(ctx)
	case health.ComponentFallback:
		if b.fallback == nil {
			return errors.NewError(errors.ErrCodeServiceUnavailable, "no fallback dataset loaded")
		}
		return b.fallback.HealthCheck(ctx)
	}
	return nil
}

func (b *backend) close() {
	for _, closeFn := range b.closers {
		if err := closeFn(); err != nil {
			b.logger.Warn("repository close failed", map[string]interface{}{"error": err})
		}
	}
}
