// Package queue implements the durable offline operation queue. Operations
// are persisted before Enqueue returns and survive process restarts; the
// pending -> processing -> completed/failed state machine is enforced by the
// storage layer so a crash can never lose or duplicate an acknowledged
// transition.
package queue

import (
	"fmt"
	"sync"

	"github.com/driftlab/driftsync/internal/config"
	"github.com/driftlab/driftsync/internal/events"
	"github.com/driftlab/driftsync/internal/logger"
	"github.com/driftlab/driftsync/internal/storage"
)

// Queue is a durable FIFO-with-priority operation queue backed by SQLite.
// Safe for concurrent use.
type Queue struct {
	db     *storage.Database
	bus    *events.Bus
	config *config.Config
	logger *logger.Logger
	mu     sync.Mutex
}

// New creates a queue over an open database. Operations left processing by a
// previous crash are returned to pending so they are retried on the next
// drain.
func New(db *storage.Database, bus *events.Bus, cfg *config.Config) (*Queue, error) {
	q := &Queue{
		db:     db,
		bus:    bus,
		config: cfg,
		logger: logger.GetLogger().Queue(),
	}

	recovered, err := db.RecoverStaleProcessing()
	if err != nil {
		return nil, fmt.Errorf("failed to recover in-flight operations: %w", err)
	}
	if recovered > 0 {
		q.logger.Warn().Int("count", recovered).Msg("Recovered operations left in-flight by previous run")
	}

	return q, nil
}

// Enqueue persists an operation and returns it with its assigned identifier.
// Priority orders draining (higher first); equal priorities drain in
// insertion order. A maxRetries of zero or less uses the configured default
// budget.
func (q *Queue) Enqueue(kind string, payload []byte, priority, maxRetries int) (*storage.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if maxRetries <= 0 {
		maxRetries = q.config.Queue.MaxRetries
	}

	op := &storage.Operation{
		Kind:       kind,
		Payload:    payload,
		Priority:   priority,
		MaxRetries: maxRetries,
		Status:     storage.OpStatusPending,
	}

	if err := q.db.InsertOperation(op); err != nil {
		return nil, fmt.Errorf("failed to enqueue operation: %w", err)
	}

	q.logger.Debug().
		Int64("id", op.ID).
		Str("kind", kind).
		Int("priority", priority).
		Msg("Operation enqueued")

	q.bus.Publish(events.QueueAdd, op)

	return op, nil
}

// DequeueBatch atomically claims up to limit pending operations in drain
// order and marks them processing. Concurrent callers never receive the same
// operation. With limit <= 0 the configured batch size is used.
func (q *Queue) DequeueBatch(limit int) ([]*storage.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 {
		limit = q.config.Queue.DequeueBatchSize
	}

	ops, err := q.db.DequeueOperations(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue operations: %w", err)
	}

	if len(ops) > 0 {
		q.logger.Debug().Int("count", len(ops)).Msg("Operations claimed for processing")
	}

	return ops, nil
}

// MarkCompleted transitions a processing operation to completed
func (q *Queue) MarkCompleted(id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.db.CompleteOperation(id); err != nil {
		return err
	}

	q.logger.Debug().Int64("id", id).Msg("Operation completed")
	q.bus.Publish(events.QueueComplete, id)

	return nil
}

// MarkFailed records a failed attempt. The operation returns to pending while
// retry budget remains, and becomes terminally failed once the budget is
// exhausted. Returns the resulting status.
func (q *Queue) MarkFailed(id int64) (storage.OperationStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	status, err := q.db.FailOperation(id)
	if err != nil {
		return "", err
	}

	if status == storage.OpStatusFailed {
		q.logger.Warn().Int64("id", id).Msg("Operation failed permanently, retries exhausted")
		q.bus.Publish(events.QueueFail, id)
	} else {
		q.logger.Debug().Int64("id", id).Msg("Operation attempt failed, requeued")
	}

	return status, nil
}

// Pending returns all pending operations in drain order
func (q *Queue) Pending() ([]*storage.Operation, error) {
	return q.db.ListOperationsByStatus(storage.OpStatusPending)
}

// Failed returns all terminally failed operations
func (q *Queue) Failed() ([]*storage.Operation, error) {
	return q.db.ListOperationsByStatus(storage.OpStatusFailed)
}

// RetryFailed moves every terminally failed operation back to pending with a
// fresh retry budget. Returns the number of requeued operations.
func (q *Queue) RetryFailed() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count, err := q.db.RequeueFailedOperations()
	if err != nil {
		return 0, err
	}

	if count > 0 {
		q.logger.Info().Int("count", count).Msg("Failed operations requeued")
	}

	return count, nil
}

// Clear empties the queue entirely
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.db.ClearOperations(); err != nil {
		return err
	}

	q.logger.Info().Msg("Operation queue cleared")
	return nil
}

// Prune removes completed operations. Returns the number removed.
func (q *Queue) Prune() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.db.DeleteCompletedOperations()
}

// Stats summarizes queue depth by status
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// GetStats returns queue depth by status
func (q *Queue) GetStats() (*Stats, error) {
	stats := &Stats{}

	var err error
	if stats.Pending, err = q.db.CountOperationsByStatus(storage.OpStatusPending); err != nil {
		return nil, err
	}
	if stats.Processing, err = q.db.CountOperationsByStatus(storage.OpStatusProcessing); err != nil {
		return nil, err
	}
	if stats.Completed, err = q.db.CountOperationsByStatus(storage.OpStatusCompleted); err != nil {
		return nil, err
	}
	if stats.Failed, err = q.db.CountOperationsByStatus(storage.OpStatusFailed); err != nil {
		return nil, err
	}

	return stats, nil
}
