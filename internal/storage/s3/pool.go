package s3

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/localdir/dircache/pkg/errors"
)

// ConnectionPool bounds the number of S3 clients in use at once.
type ConnectionPool struct {
	mu          sync.Mutex
	connections chan *s3.Client
	factory     func() (*s3.Client, error)
	maxSize     int
	currentSize int
	closed      bool

	stats PoolStats
}

// PoolStats tracks connection pool statistics
type PoolStats struct {
	Active      int       `json:"active"`
	Idle        int       `json:"idle"`
	Total       int       `json:"total"`
	MaxSize     int       `json:"max_size"`
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	Waits       int64     `json:"waits"`
	Errors      int64     `json:"errors"`
	Created     int64     `json:"created"`
	LastCreated time.Time `json:"last_created"`
	LastError   string    `json:"last_error"`
}

// NewConnectionPool creates a new connection pool
func NewConnectionPool(maxSize int, factory func() (*s3.Client, error)) (*ConnectionPool, error) {
	if maxSize <= 0 {
		maxSize = 8
	}
	if factory == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "connection factory cannot be nil").WithComponent("s3")
	}

	return &ConnectionPool{
		connections: make(chan *s3.Client, maxSize),
		factory:     factory,
		maxSize:     maxSize,
		stats:       PoolStats{MaxSize: maxSize},
	}, nil
}

// Get returns an idle client, creates one while under maxSize, or waits for one to be
// returned until ctx is done.
func (p *ConnectionPool) Get(ctx context.Context) (*s3.Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.NewError(errors.ErrCodeComponentStopped, "connection pool is closed").WithComponent("s3")
	}
	p.mu.Unlock()

	select {
	case conn := <-p.connections:
		p.mu.Lock()
		p.stats.Hits++
		p.stats.Active++
		p.mu.Unlock()
		return conn, nil
	default:
	}

	if conn, ok, err := p.tryCreate(); ok || err != nil {
		return conn, err
	}

	p.mu.Lock()
	p.stats.Misses++
	p.stats.Waits++
	p.mu.Unlock()

	select {
	case conn := <-p.connections:
		p.mu.Lock()
		p.stats.Active++
		p.mu.Unlock()
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a client to the pool.
func (p *ConnectionPool) Put(conn *s3.Client) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.stats.Active--
	select {
	case p.connections <- conn:
	default:
		p.currentSize--
	}
}

// Stats returns current pool statistics
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	stats.Total = p.currentSize
	stats.Idle = len(p.connections)
	return stats
}

// Close drops idle clients. Clients checked out are discarded on Put.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for {
		select {
		case <-p.connections:
			p.currentSize--
		default:
			return nil
		}
	}
}

func (p *ConnectionPool) tryCreate() (*s3.Client, bool, error) {
	p.mu.Lock()
	if p.currentSize >= p.maxSize {
		p.mu.Unlock()
		return nil, false, nil
	}
	p.currentSize++
	p.mu.Unlock()

	conn, err := p.factory()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.currentSize--
		p.stats.Errors++
		p.stats.LastError = err.Error()
		return nil, false, errors.Wrap(errors.ErrCodeNetworkError, "failed to create S3 client", err).WithComponent("s3")
	}
	p.stats.Created++
	p.stats.Active++
	p.stats.LastCreated = time.Now()
	return conn, true, nil
}
