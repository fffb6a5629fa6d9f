package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yourorg/conduit/internal/event"
	"github.com/yourorg/conduit/internal/metrics"
	"github.com/yourorg/conduit/internal/queue"
	"github.com/yourorg/conduit/internal/store"
)

// Config controls the runner's worker pool and housekeeping loops.
type Config struct {
	Workers       int           // concurrent pipeline workers
	PollInterval  time.Duration // queue poll cadence per worker
	StageTimeout  time.Duration // budget per stage attempt
	RetryBackoff  time.Duration // fixed delay before a stage retry
	TerminalTTL   time.Duration // how long terminal jobs survive before purge
	PurgeInterval time.Duration // purge loop cadence
}

// Runner owns the worker pool that drains the queue plus the purge loop
// that reclaims terminal jobs past their TTL.
type Runner struct {
	cfg      Config
	store    *store.Store
	queue    *queue.Queue
	pub      *event.Publisher
	pipeline *Pipeline
	metrics  *metrics.Pipeline
	log      *slog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	started bool
	stopped bool
}

// NewRunner builds a runner. metrics may be nil.
func NewRunner(cfg Config, st *store.Store, q *queue.Queue, pub *event.Publisher,
	p *Pipeline, m *metrics.Pipeline, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = time.Minute
	}
	return &Runner{
		cfg:      cfg,
		store:    st,
		queue:    q,
		pub:      pub,
		pipeline: p,
		metrics:  m,
		log:      logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the worker and purge loops.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("pipeline: runner already started")
	}
	r.started = true

	for i := 0; i < r.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		exec := NewExecutor(r.store, r.queue, r.pub, r.pipeline, workerID,
			r.cfg.StageTimeout, r.cfg.RetryBackoff, r.metrics,
			r.log.With("worker", workerID))

		r.loopWg.Add(1)
		go r.workerLoop(workerID, exec)
	}

	r.loopWg.Add(1)
	go r.purgeLoop()

	r.log.Info("pipeline runner started", "workers", r.cfg.Workers)
	return nil
}

// workerLoop polls the queue and runs claimed deliveries to completion.
func (r *Runner) workerLoop(workerID string, exec *Executor) {
	defer r.loopWg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			for {
				select {
				case <-r.stopCh:
					return
				default:
				}

				ctx := context.Background()
				d, err := r.queue.Claim(ctx, workerID)
				if err != nil {
					r.log.Error("claim delivery", "worker", workerID, "error", err)
					break
				}
				if d == nil {
					break // idle
				}
				exec.Run(ctx, d)
			}
		}
	}
}

// purgeLoop deletes terminal jobs past the TTL and refreshes queue-depth
// metrics.
func (r *Runner) purgeLoop() {
	defer r.loopWg.Done()
	ticker := time.NewTicker(r.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx := context.Background()
			if r.cfg.TerminalTTL > 0 {
				n, err := r.store.PurgeTerminal(ctx, r.cfg.TerminalTTL)
				if err != nil {
					r.log.Error("purge terminal jobs", "error", err)
				} else if n > 0 {
					r.log.Info("purged terminal jobs", "count", n)
				}
			}
			if r.metrics != nil {
				if depth, err := r.queue.Depth(ctx); err == nil {
					r.metrics.SetQueueDepth(depth)
				}
			}
		}
	}
}

// Stop signals all loops and waits for in-flight stage work to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	r.loopWg.Wait()
	r.log.Info("pipeline runner stopped")
}
