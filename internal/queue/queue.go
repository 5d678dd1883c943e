package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// TaskStore is the persistence surface the queue needs. The store package's
// Store interface satisfies it.
type TaskStore interface {
	EnqueueTask(ctx context.Context, task Task) (string, error)
	ClaimTasks(ctx context.Context, workerID string, limit int, lease time.Duration) ([]Task, error)
	CompleteTask(ctx context.Context, taskID string) error
	FailTask(ctx context.Context, taskID, errMsg string, retryAt *time.Time) error
}

// HandlerFunc processes one claimed task. Handlers must be idempotent: a
// lease expiry or a crash after the handler but before the completion write
// means the same task runs again.
type HandlerFunc func(ctx context.Context, task Task) error

// Registry maps handler names to their functions.
type Registry struct {
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func (r *Registry) Register(name string, fn HandlerFunc) {
	r.handlers[name] = fn
}

func (r *Registry) Resolve(name string) (HandlerFunc, bool) {
	fn, ok := r.handlers[name]
	return fn, ok
}

// Enqueuer schedules tasks. Payloads are JSON-marshaled before storage.
type Enqueuer interface {
	Enqueue(ctx context.Context, handler string, payload any) (string, error)
	EnqueueAfter(ctx context.Context, handler string, payload any, delay time.Duration) (string, error)
	EnqueueAt(ctx context.Context, handler string, payload any, runAt time.Time) (string, error)
}

// StoreEnqueuer is the Enqueuer backed by a TaskStore.
type StoreEnqueuer struct {
	store       TaskStore
	maxAttempts int
}

func NewEnqueuer(store TaskStore, maxAttempts int) *StoreEnqueuer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &StoreEnqueuer{store: store, maxAttempts: maxAttempts}
}

func (e *StoreEnqueuer) Enqueue(ctx context.Context, handler string, payload any) (string, error) {
	return e.EnqueueAt(ctx, handler, payload, time.Now().UTC())
}

func (e *StoreEnqueuer) EnqueueAfter(ctx context.Context, handler string, payload any, delay time.Duration) (string, error) {
	return e.EnqueueAt(ctx, handler, payload, time.Now().UTC().Add(delay))
}

func (e *StoreEnqueuer) EnqueueAt(ctx context.Context, handler string, payload any, runAt time.Time) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", eris.Wrapf(err, "queue: marshal payload for %s", handler)
	}
	return e.store.EnqueueTask(ctx, Task{
		Handler:     handler,
		Payload:     raw,
		RunAt:       runAt,
		MaxAttempts: e.maxAttempts,
	})
}
