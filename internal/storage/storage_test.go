package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/driftsync/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.ConfigDir = dir
	cfg.Database.Path = filepath.Join(dir, "test.db")
	return cfg
}

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabase(testConfig(t), &DatabaseOptions{
		CreateIfMissing: true,
		MigrateOnOpen:   true,
		ValidateSchema:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDatabaseInitialization(t *testing.T) {
	db := openTestDB(t)

	version, err := db.GetMigrator().GetCurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, GetCurrentSchema().Version, version)

	require.NoError(t, db.GetMigrator().ValidateSchema())
}

func TestInsertAndGetOperation(t *testing.T) {
	db := openTestDB(t)

	op := &Operation{
		Kind:       "change",
		Payload:    []byte(`{"change_id":"abc"}`),
		Priority:   2,
		MaxRetries: 3,
	}
	require.NoError(t, db.InsertOperation(op))
	assert.Greater(t, op.ID, int64(0))
	assert.Equal(t, OpStatusPending, op.Status)
	assert.NotZero(t, op.CreatedAt)

	got, err := db.GetOperation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, op.Kind, got.Kind)
	assert.Equal(t, op.Payload, got.Payload)
	assert.Equal(t, 2, got.Priority)
}

func TestDequeueOrdering(t *testing.T) {
	db := openTestDB(t)

	// Same priority drains in insertion order, higher priority first.
	low1 := &Operation{Kind: "change", Payload: []byte("a"), Priority: 0, MaxRetries: 3}
	high := &Operation{Kind: "change", Payload: []byte("b"), Priority: 5, MaxRetries: 3}
	low2 := &Operation{Kind: "change", Payload: []byte("c"), Priority: 0, MaxRetries: 3}
	require.NoError(t, db.InsertOperation(low1))
	require.NoError(t, db.InsertOperation(high))
	require.NoError(t, db.InsertOperation(low2))

	ops, err := db.DequeueOperations(10)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, high.ID, ops[0].ID)
	assert.Equal(t, low1.ID, ops[1].ID)
	assert.Equal(t, low2.ID, ops[2].ID)

	for _, op := range ops {
		assert.Equal(t, OpStatusProcessing, op.Status)
	}
}

func TestDequeueClaimsExclusively(t *testing.T) {
	db := openTestDB(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, db.InsertOperation(&Operation{Kind: "change", Payload: []byte("x"), MaxRetries: 3}))
	}

	first, err := db.DequeueOperations(3)
	require.NoError(t, err)
	require.Len(t, first, 3)

	second, err := db.DequeueOperations(10)
	require.NoError(t, err)
	require.Len(t, second, 2)

	seen := make(map[int64]bool)
	for _, op := range append(first, second...) {
		assert.False(t, seen[op.ID], "operation %d claimed twice", op.ID)
		seen[op.ID] = true
	}
}

func TestFailOperationRetryBudget(t *testing.T) {
	db := openTestDB(t)

	op := &Operation{Kind: "change", Payload: []byte("x"), MaxRetries: 2}
	require.NoError(t, db.InsertOperation(op))

	// First failure: back to pending with retry_count 1.
	claimed, err := db.DequeueOperations(1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	status, err := db.FailOperation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, OpStatusPending, status)

	// Second failure.
	_, err = db.DequeueOperations(1)
	require.NoError(t, err)
	status, err = db.FailOperation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, OpStatusPending, status)

	// Third failure exhausts the budget.
	_, err = db.DequeueOperations(1)
	require.NoError(t, err)
	status, err = db.FailOperation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, OpStatusFailed, status)

	got, err := db.GetOperation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
}

func TestFailOperationRequiresProcessing(t *testing.T) {
	db := openTestDB(t)

	op := &Operation{Kind: "change", Payload: []byte("x"), MaxRetries: 3}
	require.NoError(t, db.InsertOperation(op))

	_, err := db.FailOperation(op.ID)
	assert.Error(t, err)
}

func TestCompleteOperation(t *testing.T) {
	db := openTestDB(t)

	op := &Operation{Kind: "change", Payload: []byte("x"), MaxRetries: 3}
	require.NoError(t, db.InsertOperation(op))

	// Completing a pending operation is rejected.
	require.Error(t, db.CompleteOperation(op.ID))

	_, err := db.DequeueOperations(1)
	require.NoError(t, err)
	require.NoError(t, db.CompleteOperation(op.ID))

	got, err := db.GetOperation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, OpStatusCompleted, got.Status)
}

func TestRequeueFailedOperations(t *testing.T) {
	db := openTestDB(t)

	op := &Operation{Kind: "change", Payload: []byte("x"), MaxRetries: 0}
	require.NoError(t, db.InsertOperation(op))
	_, err := db.DequeueOperations(1)
	require.NoError(t, err)
	status, err := db.FailOperation(op.ID)
	require.NoError(t, err)
	require.Equal(t, OpStatusFailed, status)

	count, err := db.RequeueFailedOperations()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := db.GetOperation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, OpStatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestRecoverStaleProcessing(t *testing.T) {
	db := openTestDB(t)

	op := &Operation{Kind: "change", Payload: []byte("x"), MaxRetries: 3}
	require.NoError(t, db.InsertOperation(op))
	_, err := db.DequeueOperations(1)
	require.NoError(t, err)

	recovered, err := db.RecoverStaleProcessing()
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got, err := db.GetOperation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, OpStatusPending, got.Status)
}

func TestChangeRecordLifecycle(t *testing.T) {
	db := openTestDB(t)

	rec := &ChangeRecord{
		ID:         "rec-1",
		EntityType: "note",
		EntityID:   "n1",
		Op:         ChangeOpCreate,
		Payload:    []byte(`{"title":"hello"}`),
		Version:    1,
		DeviceID:   "dev-1",
	}
	require.NoError(t, db.InsertChangeRecord(rec))
	assert.Equal(t, SyncStatusPending, rec.SyncStatus)

	pending, err := db.GetPendingChangeRecords()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, db.UpdateChangeRecordStatus("rec-1", SyncStatusSynced))

	pending, err = db.GetPendingChangeRecords()
	require.NoError(t, err)
	assert.Empty(t, pending)

	unsynced, err := db.GetUnsyncedChangeRecordsByEntity("note", "n1")
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestSetChangeRecordOperation(t *testing.T) {
	db := openTestDB(t)

	rec := &ChangeRecord{
		ID:          "rec-1",
		EntityType:  "note",
		EntityID:    "n1",
		Op:          ChangeOpCreate,
		Payload:     []byte(`{}`),
		Version:     1,
		DeviceID:    "dev-1",
		OperationID: 7,
	}
	require.NoError(t, db.InsertChangeRecord(rec))

	require.NoError(t, db.SetChangeRecordOperation("rec-1", 42))
	got, err := db.GetChangeRecord("rec-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.OperationID)

	assert.Error(t, db.SetChangeRecordOperation("missing", 42))
}

func TestEntityVersionsMonotonic(t *testing.T) {
	db := openTestDB(t)

	v1, err := db.NextEntityVersion("note", "n1")
	require.NoError(t, err)
	v2, err := db.NextEntityVersion("note", "n1")
	require.NoError(t, err)
	other, err := db.NextEntityVersion("note", "n2")
	require.NoError(t, err)

	assert.Equal(t, int64(1), v1)
	assert.Equal(t, int64(2), v2)
	assert.Equal(t, int64(1), other, "versions are scoped per entity")
}

func TestLastSyncedVersion(t *testing.T) {
	db := openTestDB(t)

	v, err := db.LastSyncedVersion("note", "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v, "never-synced entity reports zero")

	require.NoError(t, db.SetLastSyncedVersion("note", "n1", 3))
	v, err = db.LastSyncedVersion("note", "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestApplyEntityIdempotent(t *testing.T) {
	db := openTestDB(t)

	changed, err := db.ApplyEntity("note", "n1", []byte(`{"v":1}`), 1)
	require.NoError(t, err)
	assert.True(t, changed)

	// Replaying the same version is a no-op.
	changed, err = db.ApplyEntity("note", "n1", []byte(`{"v":1}`), 1)
	require.NoError(t, err)
	assert.False(t, changed)

	// Older versions never overwrite newer state.
	changed, err = db.ApplyEntity("note", "n1", []byte(`{"v":2}`), 2)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = db.ApplyEntity("note", "n1", []byte(`{"v":1}`), 1)
	require.NoError(t, err)
	assert.False(t, changed)

	ent, err := db.GetLocalEntity("note", "n1")
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.Equal(t, int64(2), ent.Version)
	assert.JSONEq(t, `{"v":2}`, string(ent.Payload))
}

func TestSyncState(t *testing.T) {
	db := openTestDB(t)

	ts, err := db.GetLastSyncTime()
	require.NoError(t, err)
	assert.Equal(t, int64(0), ts)

	require.NoError(t, db.SetLastSyncTime(1234567890))
	ts, err = db.GetLastSyncTime()
	require.NoError(t, err)
	assert.Equal(t, int64(1234567890), ts)

	id, err := db.GetDeviceID()
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, db.SetDeviceID("dev-42"))
	id, err = db.GetDeviceID()
	require.NoError(t, err)
	assert.Equal(t, "dev-42", id)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	cfg := testConfig(t)

	db, err := NewDatabase(cfg, &DatabaseOptions{CreateIfMissing: true, MigrateOnOpen: true})
	require.NoError(t, err)

	op := &Operation{Kind: "change", Payload: []byte("x"), MaxRetries: 3}
	require.NoError(t, db.InsertOperation(op))
	require.NoError(t, db.Close())

	db, err = NewDatabase(cfg, &DatabaseOptions{CreateIfMissing: false, MigrateOnOpen: true})
	require.NoError(t, err)
	defer db.Close()

	got, err := db.GetOperation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, OpStatusPending, got.Status)
}

func TestConflictLifecycle(t *testing.T) {
	db := openTestDB(t)

	n, err := db.CountConflicts()
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, db.SaveConflict("note", "n-2", []byte(`{"v":2}`), 2000))
	require.NoError(t, db.SaveConflict("note", "n-1", []byte(`{"v":1}`), 1000))

	rows, err := db.ListConflicts()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "n-1", rows[0].EntityID)
	assert.Equal(t, "n-2", rows[1].EntityID)
	assert.Equal(t, []byte(`{"v":1}`), rows[0].RemoteChange)

	n, err = db.CountConflicts()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, db.DeleteConflict("note", "n-1"))
	n, err = db.CountConflicts()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, db.DeleteConflict("note", "missing"))
}

func TestSaveConflictReplacesParkedChange(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SaveConflict("note", "n-1", []byte(`{"v":1}`), 1000))
	require.NoError(t, db.SaveConflict("note", "n-1", []byte(`{"v":9}`), 9000))

	rows, err := db.ListConflicts()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []byte(`{"v":9}`), rows[0].RemoteChange)
	assert.Equal(t, int64(9000), rows[0].DetectedAt)
}
