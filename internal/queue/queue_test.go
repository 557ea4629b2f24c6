package queue

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/driftsync/internal/config"
	"github.com/driftlab/driftsync/internal/events"
	"github.com/driftlab/driftsync/internal/storage"
)

func setupQueue(t *testing.T) (*Queue, *storage.Database, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.ConfigDir = dir
	cfg.Database.Path = filepath.Join(dir, "test.db")
	cfg.Queue.MaxRetries = 2

	db, err := storage.NewDatabase(cfg, &storage.DatabaseOptions{
		CreateIfMissing: true,
		MigrateOnOpen:   true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	q, err := New(db, bus, cfg)
	require.NoError(t, err)
	return q, db, cfg
}

func TestEnqueueAssignsIDAndPersists(t *testing.T) {
	q, _, _ := setupQueue(t)

	op, err := q.Enqueue("change", []byte(`{"change_id":"a"}`), 0, 0)
	require.NoError(t, err)
	assert.Greater(t, op.ID, int64(0))
	assert.Equal(t, storage.OpStatusPending, op.Status)
	assert.Equal(t, 2, op.MaxRetries)

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, op.ID, pending[0].ID)
}

func TestEnqueueMaxRetriesOverride(t *testing.T) {
	q, _, _ := setupQueue(t)

	op, err := q.Enqueue("change", []byte("x"), 0, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, op.MaxRetries)

	// A one-retry budget exhausts after two failed attempts.
	one, err := q.Enqueue("change", []byte("y"), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, one.MaxRetries)

	ops, err := q.DequeueBatch(10)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	status, err := q.MarkFailed(one.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.OpStatusPending, status)

	_, err = q.DequeueBatch(10)
	require.NoError(t, err)
	status, err = q.MarkFailed(one.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.OpStatusFailed, status)
}

func TestDequeueBatchDrainOrder(t *testing.T) {
	q, _, _ := setupQueue(t)

	a, err := q.Enqueue("change", []byte("a"), 0, 0)
	require.NoError(t, err)
	b, err := q.Enqueue("change", []byte("b"), 10, 0)
	require.NoError(t, err)
	c, err := q.Enqueue("change", []byte("c"), 10, 0)
	require.NoError(t, err)

	ops, err := q.DequeueBatch(10)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, []int64{b.ID, c.ID, a.ID}, []int64{ops[0].ID, ops[1].ID, ops[2].ID})
}

func TestConcurrentDequeueNoDoubleClaim(t *testing.T) {
	q, _, _ := setupQueue(t)

	const total = 40
	for i := 0; i < total; i++ {
		_, err := q.Enqueue("change", []byte(fmt.Sprintf("op-%d", i)), 0, 0)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimed := make(map[int64]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ops, err := q.DequeueBatch(5)
				if !assert.NoError(t, err) {
					return
				}
				if len(ops) == 0 {
					return
				}
				mu.Lock()
				for _, op := range ops {
					claimed[op.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, total)
	for id, count := range claimed {
		assert.Equal(t, 1, count, "operation %d claimed %d times", id, count)
	}
}

func TestMarkFailedExhaustsRetries(t *testing.T) {
	q, _, _ := setupQueue(t)

	op, err := q.Enqueue("change", []byte("x"), 0, 0)
	require.NoError(t, err)

	// maxRetries=2 allows three attempts total before terminal failure.
	for attempt := 0; attempt < 2; attempt++ {
		ops, err := q.DequeueBatch(1)
		require.NoError(t, err)
		require.Len(t, ops, 1)

		status, err := q.MarkFailed(op.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.OpStatusPending, status)
	}

	ops, err := q.DequeueBatch(1)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	status, err := q.MarkFailed(op.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.OpStatusFailed, status)

	failed, err := q.Failed()
	require.NoError(t, err)
	require.Len(t, failed, 1)

	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRetryFailedResetsbudget(t *testing.T) {
	q, _, _ := setupQueue(t)

	op, err := q.Enqueue("change", []byte("x"), 0, 0)
	require.NoError(t, err)

	for attempt := 0; attempt < 3; attempt++ {
		_, err := q.DequeueBatch(1)
		require.NoError(t, err)
		_, err = q.MarkFailed(op.ID)
		require.NoError(t, err)
	}

	count, err := q.RetryFailed()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].RetryCount)
}

func TestMarkCompleted(t *testing.T) {
	q, _, _ := setupQueue(t)

	op, err := q.Enqueue("change", []byte("x"), 0, 0)
	require.NoError(t, err)

	_, err = q.DequeueBatch(1)
	require.NoError(t, err)
	require.NoError(t, q.MarkCompleted(op.ID))

	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Zero(t, stats.Pending)
}

func TestStaleProcessingRecoveredOnOpen(t *testing.T) {
	q, db, cfg := setupQueue(t)

	op, err := q.Enqueue("change", []byte("x"), 0, 0)
	require.NoError(t, err)
	_, err = q.DequeueBatch(1)
	require.NoError(t, err)

	// A new queue over the same database simulates a restart after a crash
	// mid-processing.
	bus := events.NewBus()
	defer bus.Close()
	q2, err := New(db, bus, cfg)
	require.NoError(t, err)

	pending, err := q2.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, op.ID, pending[0].ID)
}

func TestClear(t *testing.T) {
	q, _, _ := setupQueue(t)

	_, err := q.Enqueue("change", []byte("x"), 0, 0)
	require.NoError(t, err)
	require.NoError(t, q.Clear())

	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.Pending+stats.Processing+stats.Completed+stats.Failed)
}

func TestQueueEvents(t *testing.T) {
	q, _, _ := setupQueue(t)

	sub := q.bus.Subscribe(events.QueueAdd, events.QueueComplete)
	defer q.bus.Unsubscribe(sub)

	op, err := q.Enqueue("change", []byte("x"), 0, 0)
	require.NoError(t, err)

	ev := <-sub.C
	assert.Equal(t, events.QueueAdd, ev.Type)

	_, err = q.DequeueBatch(1)
	require.NoError(t, err)
	require.NoError(t, q.MarkCompleted(op.ID))

	ev = <-sub.C
	assert.Equal(t, events.QueueComplete, ev.Type)
}
