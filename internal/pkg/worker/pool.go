// Package worker provides goroutine pool management.
//
// Naked goroutines are not used outside tests. Background work goes
// through a Pool bound to the service lifecycle context.
//
// Import Path: seclog.io/chain/internal/pkg/worker
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"seclog.io/chain/internal/pkg/logger"
)

// PoolIngest runs fire-and-forget security event enqueues so callers on
// the request path never wait on the queue insert.
const PoolIngest = "ingest"

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// Task is a context-aware task function.
type Task func(ctx context.Context)

// Pool wraps ants.Pool.
type Pool struct {
	pool *ants.Pool
	name string
}

// Pools is the Worker pool collection.
type Pools struct {
	Ingest *Pool

	serviceCtx    context.Context
	serviceCancel context.CancelFunc
}

// PoolConfig contains Worker Pool configuration.
type PoolConfig struct {
	IngestPoolSize int
}

// PoolStats is a point-in-time view of one pool.
type PoolStats struct {
	Running int
	Free    int
	Cap     int
}

// DefaultPoolConfig returns default configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{IngestPoolSize: 50}
}

// NewPools creates Worker pool collection.
func NewPools(ctx context.Context, cfg PoolConfig) (*Pools, error) {
	serviceCtx, serviceCancel := context.WithCancel(ctx)

	ingestAnts, err := ants.NewPool(cfg.IngestPoolSize,
		ants.WithPanicHandler(func(p interface{}) {
			logger.Error("Worker panic recovered",
				zap.String("pool", PoolIngest),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
		}),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		serviceCancel()
		return nil, fmt.Errorf("create %s pool: %w", PoolIngest, err)
	}

	return &Pools{
		Ingest:        &Pool{pool: ingestAnts, name: PoolIngest},
		serviceCtx:    serviceCtx,
		serviceCancel: serviceCancel,
	}, nil
}

// SubmitDetached submits a task bound to the service lifecycle context
// instead of a request context. It survives request cancellation but
// still stops on Shutdown.
func (p *Pools) SubmitDetached(poolName string, task Task) error {
	if poolName != PoolIngest {
		return fmt.Errorf("unknown worker pool %q", poolName)
	}
	pool := p.Ingest

	err := pool.pool.Submit(func() {
		select {
		case <-p.serviceCtx.Done():
			logger.Debug("Detached task skipped: service shutting down",
				zap.String("pool", pool.name),
			)
			return
		default:
		}
		task(p.serviceCtx)
	})
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolClosed
	}
	return err
}

// Shutdown cancels the service context, then waits up to 30s for
// running tasks.
func (p *Pools) Shutdown() {
	p.serviceCancel()

	const shutdownTimeout = 30 * time.Second
	if err := p.Ingest.pool.ReleaseTimeout(shutdownTimeout); err != nil {
		logger.Warn("Ingest pool shutdown timeout", zap.Error(err))
	}
}

// Stats reports every pool by name.
func (p *Pools) Stats() map[string]PoolStats {
	return map[string]PoolStats{
		PoolIngest: {
			Running: p.Ingest.pool.Running(),
			Free:    p.Ingest.pool.Free(),
			Cap:     p.Ingest.pool.Cap(),
		},
	}
}
