// Package queue provides the durable outbound operation queue.
//
// The queue owns all QueuedOperation state: entries are mutated only through
// Enqueue, DequeueReadyBatch, MarkSucceeded and MarkFailed. Mutations are
// linearized under a single mutex because ordering and capacity eviction are
// globally defined; operation execution never happens under that mutex.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vitalstream/healthsync/internal/db"
	apperrors "github.com/vitalstream/healthsync/internal/errors"
	"github.com/vitalstream/healthsync/internal/logging"
	"github.com/vitalstream/healthsync/internal/models"
)

// DefaultCapacity bounds the queue when no capacity is configured.
const DefaultCapacity = 1000

// drainBatchSize is how many ready operations one drain pass claims at a time.
const drainBatchSize = 32

// Config holds queue configuration.
type Config struct {
	Capacity int
	Retry    RetryPolicy
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Capacity: DefaultCapacity,
		Retry:    DefaultRetryPolicy(),
	}
}

// tracked pairs an operation with its in-memory dispatch bookkeeping.
// seq breaks FIFO ties between operations enqueued in the same second.
type tracked struct {
	op       *models.QueuedOperation
	seq      uint64
	inFlight bool
}

// Queue is a durable, bounded, ordered list of pending outbound operations.
// Every entry is persisted on enqueue and survives a process restart via Load.
type Queue struct {
	mu      sync.Mutex
	ops     map[models.UUID]*tracked
	nextSeq uint64

	capacity  int
	policy    RetryPolicy
	repo      db.OperationRepository
	history   db.HistoryRepository
	executors *ExecutorRegistry

	online bool

	// now is swappable for tests.
	now func() time.Time
}

// NewQueue creates a Queue backed by the given repositories. history may be
// nil, in which case permanently failed operations are only logged.
func NewQueue(repo db.OperationRepository, history db.HistoryRepository, executors *ExecutorRegistry, cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Queue{
		ops:       make(map[models.UUID]*tracked),
		capacity:  cfg.Capacity,
		policy:    cfg.Retry,
		repo:      repo,
		history:   history,
		executors: executors,
		online:    true,
		now:       time.Now,
	}
}

// Load rebuilds the in-memory index from persisted operations. Call once
// after process start, before the queue is used.
func (q *Queue) Load() error {
	ops, err := q.repo.ListQueuedOperations()
	if err != nil {
		return fmt.Errorf("failed to load queued operations: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.ops = make(map[models.UUID]*tracked, len(ops))
	for _, op := range ops {
		q.nextSeq++
		q.ops[op.ID] = &tracked{op: op, seq: q.nextSeq}
	}

	logging.Info("Operation queue loaded",
		map[string]interface{}{"pending": len(q.ops)})

	return nil
}

// SetOnline changes the connectivity assumption. When offline, DrainDue is a
// no-op rather than an error.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.online = online
}

// IsOnline reports the current connectivity assumption.
func (q *Queue) IsOnline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// Enqueue adds an operation and returns its ID. Enqueue never fails the
// caller: capacity overflow evicts the oldest entry of the lowest priority
// tier, and persistence failures are logged and tolerated.
func (q *Queue) Enqueue(kind models.OperationKind, target string, payload []byte, priority models.Priority) models.UUID {
	op := &models.QueuedOperation{
		Kind:       kind,
		Target:     target,
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: q.now().Unix(),
	}

	// Persist first so the row carries its minted ID.
	if err := q.repo.CreateQueuedOperation(op); err != nil {
		logging.Error("Failed to persist queued operation", err,
			map[string]interface{}{"kind": kind, "target": target})
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.ops) >= q.capacity {
		if !q.evictOverflowLocked() {
			break
		}
	}

	q.nextSeq++
	q.ops[op.ID] = &tracked{op: op, seq: q.nextSeq}

	logging.Debug("Enqueued operation",
		map[string]interface{}{"op_id": op.ID, "kind": kind, "priority": priority})

	return op.ID
}

// evictOverflowLocked removes the oldest entry of the lowest priority tier.
// Returns false if nothing could be evicted (everything is in flight).
func (q *Queue) evictOverflowLocked() bool {
	var victim *tracked
	for _, t := range q.ops {
		if t.inFlight {
			continue
		}
		if victim == nil || evictBefore(t, victim) {
			victim = t
		}
	}
	if victim == nil {
		return false
	}

	delete(q.ops, victim.op.ID)
	if err := q.repo.DeleteQueuedOperation(victim.op.ID); err != nil {
		logging.Error("Failed to delete evicted operation", err,
			map[string]interface{}{"op_id": victim.op.ID})
	}

	logging.ErrorWithCode("Queue at capacity, evicted oldest operation",
		string(apperrors.ErrCapacityExceeded), nil,
		map[string]interface{}{"op_id": victim.op.ID, "priority": victim.op.Priority})

	return true
}

// evictBefore reports whether a should be evicted ahead of b:
// lower tier first, then older, then lower sequence.
func evictBefore(a, b *tracked) bool {
	if a.op.Priority.Rank() != b.op.Priority.Rank() {
		return a.op.Priority.Rank() < b.op.Priority.Rank()
	}
	if a.op.EnqueuedAt != b.op.EnqueuedAt {
		return a.op.EnqueuedAt < b.op.EnqueuedAt
	}
	return a.seq < b.seq
}

// dispatchBefore reports whether a dispatches ahead of b:
// higher tier first, FIFO within a tier.
func dispatchBefore(a, b *tracked) bool {
	if a.op.Priority.Rank() != b.op.Priority.Rank() {
		return a.op.Priority.Rank() > b.op.Priority.Rank()
	}
	if a.op.EnqueuedAt != b.op.EnqueuedAt {
		return a.op.EnqueuedAt < b.op.EnqueuedAt
	}
	return a.seq < b.seq
}

// DequeueReadyBatch claims up to max ready operations in dispatch order.
// Claimed operations stay in the queue until marked succeeded or failed.
func (q *Queue) DequeueReadyBatch(max int) []*models.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().Unix()

	ready := make([]*tracked, 0, max)
	for _, t := range q.ops {
		if t.inFlight || t.op.NextRetryAt > now {
			continue
		}
		ready = append(ready, t)
	}

	sort.Slice(ready, func(i, j int) bool {
		return dispatchBefore(ready[i], ready[j])
	})

	if len(ready) > max {
		ready = ready[:max]
	}

	batch := make([]*models.QueuedOperation, 0, len(ready))
	for _, t := range ready {
		t.inFlight = true
		cp := *t.op
		batch = append(batch, &cp)
	}
	return batch
}

// MarkSucceeded removes a delivered operation.
func (q *Queue) MarkSucceeded(id models.UUID) {
	q.mu.Lock()
	_, ok := q.ops[id]
	delete(q.ops, id)
	q.mu.Unlock()

	if !ok {
		return
	}

	if err := q.repo.DeleteQueuedOperation(id); err != nil {
		logging.Error("Failed to delete succeeded operation", err,
			map[string]interface{}{"op_id": id})
	}

	logging.Debug("Operation succeeded", map[string]interface{}{"op_id": id})
}

// MarkFailed records a failed attempt. The retry count increments
// monotonically; when the policy is exhausted the operation is permanently
// dropped and recorded in history, never retried again.
func (q *Queue) MarkFailed(id models.UUID, cause error) {
	q.mu.Lock()
	t, ok := q.ops[id]
	if !ok {
		q.mu.Unlock()
		return
	}

	t.inFlight = false
	t.op.RetryCount++
	if cause != nil {
		t.op.LastError = cause.Error()
	}

	if q.policy.Exhausted(t.op.RetryCount) {
		op := *t.op
		delete(q.ops, id)
		q.mu.Unlock()
		q.dropPermanently(&op)
		return
	}

	delay := q.policy.NextDelay(t.op.RetryCount)
	t.op.NextRetryAt = q.now().Add(delay).Unix()
	op := *t.op
	q.mu.Unlock()

	if err := q.repo.UpdateQueuedOperationRetry(op.ID, op.RetryCount, op.NextRetryAt, op.LastError); err != nil {
		logging.Error("Failed to persist retry state", err,
			map[string]interface{}{"op_id": op.ID})
	}

	logging.Warn("Operation failed, scheduled retry",
		map[string]interface{}{
			"op_id":         op.ID,
			"retry_count":   op.RetryCount,
			"max_attempts":  q.policy.MaxAttempts,
			"retry_delay_s": int64(delay.Seconds()),
		})
}

// dropPermanently removes an exhausted or rejected operation and writes the
// failure to sync history.
func (q *Queue) dropPermanently(op *models.QueuedOperation) {
	if err := q.repo.DeleteQueuedOperation(op.ID); err != nil {
		logging.Error("Failed to delete dropped operation", err,
			map[string]interface{}{"op_id": op.ID})
	}

	if q.history != nil {
		entry := &models.SyncHistoryEntry{
			ConnectionID: models.UUID(op.Target),
			StartedAt:    op.EnqueuedAt,
			FinishedAt:   q.now().Unix(),
			Status:       models.SyncStatusFailed,
			Detail:       fmt.Sprintf("%s operation permanently failed: %s", op.Kind, op.LastError),
		}
		if err := q.history.CreateSyncHistoryEntry(entry); err != nil {
			logging.Error("Failed to record dropped operation in history", err,
				map[string]interface{}{"op_id": op.ID})
		}
	}

	logging.ErrorWithCode("Operation permanently dropped",
		string(apperrors.ErrPermanentRejection), nil,
		map[string]interface{}{
			"op_id":       op.ID,
			"kind":        op.Kind,
			"retry_count": op.RetryCount,
			"last_error":  op.LastError,
		})
}

// DrainDue executes all currently-ready operations through the registered
// executors. Absence of connectivity is a no-op, not an error. Returns the
// number of operations delivered.
func (q *Queue) DrainDue(ctx context.Context) int {
	if !q.IsOnline() {
		logging.Debug("Skipping queue drain, offline", nil)
		return 0
	}

	delivered := 0
	for {
		select {
		case <-ctx.Done():
			return delivered
		default:
		}

		batch := q.DequeueReadyBatch(drainBatchSize)
		if len(batch) == 0 {
			return delivered
		}

		for _, op := range batch {
			select {
			case <-ctx.Done():
				// Release the claim so a later drain retries it.
				q.release(op.ID)
				continue
			default:
			}

			exec := q.executors.Get(op.Kind)
			if exec == nil {
				q.reject(op.ID, fmt.Errorf("no executor registered for kind %q", op.Kind))
				continue
			}

			err := exec(ctx, op.Target, op.Payload)
			switch {
			case err == nil:
				q.MarkSucceeded(op.ID)
				delivered++
			case apperrors.Retryable(err):
				q.MarkFailed(op.ID, err)
			default:
				q.reject(op.ID, err)
			}
		}
	}
}

// release returns a claimed operation to the ready pool untouched.
func (q *Queue) release(id models.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.ops[id]; ok {
		t.inFlight = false
	}
}

// reject drops an operation immediately without burning retries.
func (q *Queue) reject(id models.UUID, cause error) {
	q.mu.Lock()
	t, ok := q.ops[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	if cause != nil {
		t.op.LastError = cause.Error()
	}
	op := *t.op
	delete(q.ops, id)
	q.mu.Unlock()

	q.dropPermanently(&op)
}

// Size returns the number of operations currently held.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Stats returns queue counters by priority tier.
func (q *Queue) Stats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := map[string]int{
		"total":     len(q.ops),
		"high":      0,
		"medium":    0,
		"low":       0,
		"in_flight": 0,
	}
	for _, t := range q.ops {
		stats[string(t.op.Priority)]++
		if t.inFlight {
			stats["in_flight"]++
		}
	}
	return stats
}
