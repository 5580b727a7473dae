// Package workerpool generalizes the ticker-driven background worker
// pattern used by the Reading Ingestor's queue drain, the Epoch Scheduler's
// tick, and the Settlement retry sweep: a supervised goroutine that runs a
// function on an interval (or immediately, or both) until stopped, and
// restarts itself with backoff if it panics.
package workerpool

import (
	"context"
	"time"

	"github.com/r3e-network/gridtokenx-gateway/infrastructure/logging"
)

// Option configures a single worker's behavior.
type Option func(*config)

type config struct {
	runImmediately bool
}

// RunImmediately makes the worker invoke its function once before waiting
// for the first tick.
func RunImmediately() Option {
	return func(c *config) { c.runImmediately = true }
}

// Pool owns a set of supervised ticker workers sharing one stop signal.
type Pool struct {
	log    *logging.Logger
	stopCh chan struct{}
	doneCh chan struct{}
	count  int
}

// New constructs an empty pool.
func New(log *logging.Logger) *Pool {
	return &Pool{log: log, stopCh: make(chan struct{})}
}

// AddTicker registers a worker that invokes fn every interval, guarded
// against panics and logged errors, until the pool is stopped.
func (p *Pool) AddTicker(name string, interval time.Duration, fn func(context.Context) error, opts ...Option) *Pool {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	p.count++
	go p.runSupervised(name, func(ctx context.Context) {
		logErr := func(err error) {
			if err != nil && p.log != nil {
				p.log.WithFields(map[string]interface{}{"worker": name}).WithError(err).Error("worker tick failed")
			}
		}

		if cfg.runImmediately {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			default:
			}
			if err := fn(ctx); err != nil {
				logErr(err)
			}
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					logErr(err)
				}
			}
		}
	})

	return p
}

// runSupervised runs body in a loop, restarting it with exponential backoff
// (capped) if it panics, per spec.md §7's "background loops must be
// supervised" requirement.
func (p *Pool) runSupervised(name string, body func(ctx context.Context)) {
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		func() {
			defer func() {
				if r := recover(); r != nil && p.log != nil {
					p.log.WithFields(map[string]interface{}{
						"worker": name,
						"panic":  r,
					}).Error("worker panicked, restarting")
				}
			}()
			body(context.Background())
		}()

		select {
		case <-p.stopCh:
			return
		default:
		}

		select {
		case <-p.stopCh:
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Stop signals every worker to exit. It does not block for their exit.
func (p *Pool) Stop() {
	close(p.stopCh)
}
