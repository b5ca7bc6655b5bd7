// Package queue provides the durable outbound operation queue.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/vitalstream/healthsync/internal/models"
)

// ExecutorFunc delivers one operation payload to its target. Returning nil
// marks the operation succeeded; a retryable error schedules another attempt
// and any other error drops the operation as permanently rejected.
type ExecutorFunc func(ctx context.Context, target string, payload []byte) error

// ExecutorRegistry maps operation kinds to their transport functions. It is
// the queue's only coupling to concrete transports.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[models.OperationKind]ExecutorFunc
}

// NewExecutorRegistry creates an empty registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{
		executors: make(map[models.OperationKind]ExecutorFunc),
	}
}

// Register binds an executor to an operation kind, replacing any previous one.
func (r *ExecutorRegistry) Register(kind models.OperationKind, fn ExecutorFunc) error {
	if fn == nil {
		return fmt.Errorf("executor cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = fn
	return nil
}

// Get returns the executor for a kind, or nil if none is registered.
func (r *ExecutorRegistry) Get(kind models.OperationKind) ExecutorFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executors[kind]
}

// Kinds returns the registered operation kinds.
func (r *ExecutorRegistry) Kinds() []models.OperationKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]models.OperationKind, 0, len(r.executors))
	for kind := range r.executors {
		kinds = append(kinds, kind)
	}
	return kinds
}
