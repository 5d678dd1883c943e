package queue

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PoolConfig controls the worker pool.
type PoolConfig struct {
	// Workers is the number of concurrent task executors. Default: 5.
	Workers int

	// PollInterval is how long an idle worker waits before polling again.
	// Default: 1s.
	PollInterval time.Duration

	// Lease is how long a claim holds before the task becomes claimable
	// again. Must exceed the longest expected handler run. Default: 5m.
	Lease time.Duration

	// RetryBase is the base delay for rescheduling a failed task; the
	// actual delay doubles per attempt. Default: 30s.
	RetryBase time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	return c
}

// Pool runs registered handlers against claimed tasks until its context is
// canceled.
type Pool struct {
	store    TaskStore
	registry *Registry
	cfg      PoolConfig
	workerID string
}

func NewPool(store TaskStore, registry *Registry, cfg PoolConfig) *Pool {
	host, _ := os.Hostname()
	return &Pool{
		store:    store,
		registry: registry,
		cfg:      cfg.withDefaults(),
		workerID: fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
	}
}

// Run blocks until ctx is canceled. In-flight handlers finish before Run
// returns.
func (p *Pool) Run(ctx context.Context) error {
	zap.L().Info("worker pool starting",
		zap.String("worker_id", p.workerID),
		zap.Int("workers", p.cfg.Workers),
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			p.workerLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		tasks, err := p.store.ClaimTasks(ctx, p.workerID, 1, p.cfg.Lease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			zap.L().Error("claim tasks failed", zap.Error(err))
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if len(tasks) == 0 {
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}

		for _, task := range tasks {
			p.execute(ctx, task)
		}
	}
}

func (p *Pool) execute(ctx context.Context, task Task) {
	log := zap.L().With(
		zap.String("task_id", task.ID),
		zap.String("handler", task.Handler),
		zap.Int("attempt", task.Attempts),
	)

	handler, ok := p.registry.Resolve(task.Handler)
	if !ok {
		log.Error("no handler registered")
		p.fail(ctx, task, eris.Errorf("queue: no handler registered for %s", task.Handler))
		return
	}

	start := time.Now()
	err := p.runHandler(ctx, handler, task)
	if err != nil {
		log.Warn("task failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		p.fail(ctx, task, err)
		return
	}

	if err := p.store.CompleteTask(ctx, task.ID); err != nil {
		// The task stays running and will be reclaimed after the lease
		// expires; the handler must tolerate the rerun.
		log.Error("complete task failed", zap.Error(err))
		return
	}
	log.Debug("task completed", zap.Duration("elapsed", time.Since(start)))
}

func (p *Pool) runHandler(ctx context.Context, handler HandlerFunc, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("queue: handler panicked: %v", r)
		}
	}()
	return handler(ctx, task)
}

func (p *Pool) fail(ctx context.Context, task Task, taskErr error) {
	var retryAt *time.Time
	if task.Attempts < task.MaxAttempts {
		delay := time.Duration(float64(p.cfg.RetryBase) * math.Pow(2, float64(task.Attempts-1)))
		at := time.Now().UTC().Add(delay)
		retryAt = &at
	} else {
		zap.L().Error("task exhausted attempts",
			zap.String("task_id", task.ID),
			zap.String("handler", task.Handler),
			zap.Error(taskErr),
		)
	}

	if err := p.store.FailTask(ctx, task.ID, taskErr.Error(), retryAt); err != nil {
		zap.L().Error("fail task write failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
