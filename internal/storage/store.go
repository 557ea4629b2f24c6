package storage

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// sync_state keys
const (
	stateKeyLastSyncTime = "last_sync_time_ms"
	stateKeyDeviceID     = "device_id"
)

// --- Operations ---

// InsertOperation appends an operation to the queue and assigns its identifier.
// The write is committed before return, so the operation survives a crash.
func (db *Database) InsertOperation(op *Operation) error {
	if op.CreatedAt == 0 {
		op.CreatedAt = time.Now().UnixMilli()
	}
	if op.Status == "" {
		op.Status = OpStatusPending
	}

	result, err := db.db.Exec(
		`INSERT INTO operations (kind, payload, priority, retry_count, max_retries, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.Kind, op.Payload, op.Priority, op.RetryCount, op.MaxRetries, op.Status, op.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get operation id: %w", err)
	}
	op.ID = id

	return nil
}

// DequeueOperations atomically selects up to limit pending operations ordered by
// priority descending then insertion order ascending, and marks them processing.
// Two concurrent calls never return overlapping operations: selection and the
// status flip happen in one transaction.
func (db *Database) DequeueOperations(limit int) ([]*Operation, error) {
	tx, err := db.BeginTx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin dequeue transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, kind, payload, priority, retry_count, max_retries, status, created_at
		 FROM operations WHERE status = ? ORDER BY priority DESC, id ASC LIMIT ?`,
		OpStatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}

	ops, err := scanOperations(rows)
	if err != nil {
		return nil, err
	}

	for _, op := range ops {
		if _, err := tx.Exec(
			`UPDATE operations SET status = ? WHERE id = ?`,
			OpStatusProcessing, op.ID,
		); err != nil {
			return nil, fmt.Errorf("failed to mark operation %d processing: %w", op.ID, err)
		}
		op.Status = OpStatusProcessing
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dequeue: %w", err)
	}

	return ops, nil
}

// GetOperation returns a single operation by id
func (db *Database) GetOperation(id int64) (*Operation, error) {
	row := db.db.QueryRow(
		`SELECT id, kind, payload, priority, retry_count, max_retries, status, created_at
		 FROM operations WHERE id = ?`, id,
	)

	op := &Operation{}
	err := row.Scan(&op.ID, &op.Kind, &op.Payload, &op.Priority, &op.RetryCount, &op.MaxRetries, &op.Status, &op.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("operation %d not found", id)
		}
		return nil, fmt.Errorf("failed to get operation %d: %w", id, err)
	}

	return op, nil
}

// CompleteOperation transitions a processing operation to completed.
func (db *Database) CompleteOperation(id int64) error {
	result, err := db.db.Exec(
		`UPDATE operations SET status = ? WHERE id = ? AND status = ?`,
		OpStatusCompleted, id, OpStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("failed to complete operation %d: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check completion of operation %d: %w", id, err)
	}
	if rows == 0 {
		return fmt.Errorf("operation %d is not processing", id)
	}

	return nil
}

// SettleOperation marks an operation completed regardless of its current
// status. Used when a conflict resolution abandons the work the operation
// was carrying.
func (db *Database) SettleOperation(id int64) error {
	if _, err := db.db.Exec(
		`UPDATE operations SET status = ? WHERE id = ?`,
		OpStatusCompleted, id,
	); err != nil {
		return fmt.Errorf("failed to settle operation %d: %w", id, err)
	}
	return nil
}

// FailOperation records a failed attempt for a processing operation. If retry
// budget remains the operation returns to pending with an incremented retry
// count, otherwise it becomes terminally failed. Returns the resulting status.
func (db *Database) FailOperation(id int64) (OperationStatus, error) {
	tx, err := db.BeginTx()
	if err != nil {
		return "", fmt.Errorf("failed to begin fail transaction: %w", err)
	}
	defer tx.Rollback()

	var retryCount, maxRetries int
	var status OperationStatus
	err = tx.QueryRow(
		`SELECT retry_count, max_retries, status FROM operations WHERE id = ?`, id,
	).Scan(&retryCount, &maxRetries, &status)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("operation %d not found", id)
		}
		return "", fmt.Errorf("failed to read operation %d: %w", id, err)
	}

	if status != OpStatusProcessing {
		return "", fmt.Errorf("operation %d is not processing", id)
	}

	var next OperationStatus
	if retryCount < maxRetries {
		next = OpStatusPending
		_, err = tx.Exec(
			`UPDATE operations SET status = ?, retry_count = retry_count + 1 WHERE id = ?`,
			OpStatusPending, id,
		)
	} else {
		next = OpStatusFailed
		_, err = tx.Exec(
			`UPDATE operations SET status = ? WHERE id = ?`,
			OpStatusFailed, id,
		)
	}
	if err != nil {
		return "", fmt.Errorf("failed to record failure for operation %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit failure for operation %d: %w", id, err)
	}

	return next, nil
}

// ListOperationsByStatus returns operations with the given status in drain order
func (db *Database) ListOperationsByStatus(status OperationStatus) ([]*Operation, error) {
	rows, err := db.db.Query(
		`SELECT id, kind, payload, priority, retry_count, max_retries, status, created_at
		 FROM operations WHERE status = ? ORDER BY priority DESC, id ASC`,
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations by status: %w", err)
	}

	return scanOperations(rows)
}

// CountOperationsByStatus returns the number of operations with the given status
func (db *Database) CountOperationsByStatus(status OperationStatus) (int, error) {
	var count int
	err := db.db.QueryRow(
		`SELECT COUNT(*) FROM operations WHERE status = ?`, status,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count operations: %w", err)
	}
	return count, nil
}

// RequeueFailedOperations moves every failed operation back to pending with a
// fresh retry budget. Returns the number of requeued operations.
func (db *Database) RequeueFailedOperations() (int, error) {
	result, err := db.db.Exec(
		`UPDATE operations SET status = ?, retry_count = 0 WHERE status = ?`,
		OpStatusPending, OpStatusFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue failed operations: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count requeued operations: %w", err)
	}

	return int(rows), nil
}

// RecoverStaleProcessing returns operations left processing by a crash to
// pending. Safe because pushes are idempotent per record identifier.
func (db *Database) RecoverStaleProcessing() (int, error) {
	result, err := db.db.Exec(
		`UPDATE operations SET status = ? WHERE status = ?`,
		OpStatusPending, OpStatusProcessing,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale operations: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered operations: %w", err)
	}

	return int(rows), nil
}

// DeleteCompletedOperations removes operations that reached completed
func (db *Database) DeleteCompletedOperations() (int, error) {
	result, err := db.db.Exec(`DELETE FROM operations WHERE status = ?`, OpStatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("failed to delete completed operations: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted operations: %w", err)
	}

	return int(rows), nil
}

// ClearOperations empties the operation queue
func (db *Database) ClearOperations() error {
	if _, err := db.db.Exec(`DELETE FROM operations`); err != nil {
		return fmt.Errorf("failed to clear operations: %w", err)
	}
	return nil
}

func scanOperations(rows *sql.Rows) ([]*Operation, error) {
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op := &Operation{}
		if err := rows.Scan(&op.ID, &op.Kind, &op.Payload, &op.Priority, &op.RetryCount, &op.MaxRetries, &op.Status, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return ops, nil
}

// --- Change records ---

// InsertChangeRecord persists a change record. Durable before return.
func (db *Database) InsertChangeRecord(rec *ChangeRecord) error {
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	if rec.SyncStatus == "" {
		rec.SyncStatus = SyncStatusPending
	}

	_, err := db.db.Exec(
		`INSERT INTO change_records (id, operation_id, entity_type, entity_id, op, payload, version, checksum, device_id, timestamp, sync_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OperationID, rec.EntityType, rec.EntityID, rec.Op, rec.Payload,
		rec.Version, rec.Checksum, rec.DeviceID, rec.Timestamp, rec.SyncStatus,
	)
	if err != nil {
		return fmt.Errorf("failed to insert change record: %w", err)
	}

	return nil
}

// GetChangeRecord returns a single change record by id
func (db *Database) GetChangeRecord(id string) (*ChangeRecord, error) {
	row := db.db.QueryRow(
		`SELECT id, operation_id, entity_type, entity_id, op, payload, version, checksum, device_id, timestamp, sync_status
		 FROM change_records WHERE id = ?`, id,
	)

	rec := &ChangeRecord{}
	err := row.Scan(&rec.ID, &rec.OperationID, &rec.EntityType, &rec.EntityID, &rec.Op,
		&rec.Payload, &rec.Version, &rec.Checksum, &rec.DeviceID, &rec.Timestamp, &rec.SyncStatus)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("change record %s not found", id)
		}
		return nil, fmt.Errorf("failed to get change record %s: %w", id, err)
	}

	return rec, nil
}

// GetPendingChangeRecords returns all change records awaiting sync, in
// insertion order.
func (db *Database) GetPendingChangeRecords() ([]*ChangeRecord, error) {
	return db.queryChangeRecords(
		`SELECT id, operation_id, entity_type, entity_id, op, payload, version, checksum, device_id, timestamp, sync_status
		 FROM change_records WHERE sync_status = ? ORDER BY timestamp ASC, id ASC`,
		SyncStatusPending,
	)
}

// GetUnsyncedChangeRecordsByEntity returns change records for one entity that
// the remote store has not confirmed yet.
func (db *Database) GetUnsyncedChangeRecordsByEntity(entityType, entityID string) ([]*ChangeRecord, error) {
	return db.queryChangeRecords(
		`SELECT id, operation_id, entity_type, entity_id, op, payload, version, checksum, device_id, timestamp, sync_status
		 FROM change_records WHERE entity_type = ? AND entity_id = ? AND sync_status != ?
		 ORDER BY version ASC`,
		entityType, entityID, SyncStatusSynced,
	)
}

// UpdateChangeRecordStatus flips the sync status of a change record
func (db *Database) UpdateChangeRecordStatus(id string, status SyncStatus) error {
	result, err := db.db.Exec(
		`UPDATE change_records SET sync_status = ? WHERE id = ?`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update change record %s: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update of change record %s: %w", id, err)
	}
	if rows == 0 {
		return fmt.Errorf("change record %s not found", id)
	}

	return nil
}

// SetChangeRecordOperation rebinds a change record to a new backing queue
// operation.
func (db *Database) SetChangeRecordOperation(id string, operationID int64) error {
	result, err := db.db.Exec(
		`UPDATE change_records SET operation_id = ? WHERE id = ?`,
		operationID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to rebind change record %s: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rebind of change record %s: %w", id, err)
	}
	if rows == 0 {
		return fmt.Errorf("change record %s not found", id)
	}

	return nil
}

// DeleteChangeRecord removes a change record. Pending records are never
// deleted by sync flow; only synced records are pruned.
func (db *Database) DeleteChangeRecord(id string) error {
	if _, err := db.db.Exec(`DELETE FROM change_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete change record %s: %w", id, err)
	}
	return nil
}

// CountChangeRecordsByStatus returns the number of change records with the given status
func (db *Database) CountChangeRecordsByStatus(status SyncStatus) (int, error) {
	var count int
	err := db.db.QueryRow(
		`SELECT COUNT(*) FROM change_records WHERE sync_status = ?`, status,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count change records: %w", err)
	}
	return count, nil
}

func (db *Database) queryChangeRecords(query string, args ...interface{}) ([]*ChangeRecord, error) {
	rows, err := db.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query change records: %w", err)
	}
	defer rows.Close()

	var records []*ChangeRecord
	for rows.Next() {
		rec := &ChangeRecord{}
		if err := rows.Scan(&rec.ID, &rec.OperationID, &rec.EntityType, &rec.EntityID, &rec.Op,
			&rec.Payload, &rec.Version, &rec.Checksum, &rec.DeviceID, &rec.Timestamp, &rec.SyncStatus); err != nil {
			return nil, fmt.Errorf("failed to scan change record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change records: %w", err)
	}

	return records, nil
}

// --- Entity versions ---

// NextEntityVersion allocates the next monotonic version for an entity,
// scoped to the local writer.
func (db *Database) NextEntityVersion(entityType, entityID string) (int64, error) {
	tx, err := db.BeginTx()
	if err != nil {
		return 0, fmt.Errorf("failed to begin version transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO entity_versions (entity_type, entity_id, version) VALUES (?, ?, 1)
		 ON CONFLICT (entity_type, entity_id) DO UPDATE SET version = version + 1`,
		entityType, entityID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to bump entity version: %w", err)
	}

	var version int64
	err = tx.QueryRow(
		`SELECT version FROM entity_versions WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read entity version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit entity version: %w", err)
	}

	return version, nil
}

// LastSyncedVersion returns the last version of an entity the remote store
// confirmed, or 0 if never synced. This is the causality baseline for
// conflict detection.
func (db *Database) LastSyncedVersion(entityType, entityID string) (int64, error) {
	var version int64
	err := db.db.QueryRow(
		`SELECT last_synced_version FROM entity_versions WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID,
	).Scan(&version)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read last synced version: %w", err)
	}
	return version, nil
}

// SetLastSyncedVersion records the entity version the remote store confirmed
func (db *Database) SetLastSyncedVersion(entityType, entityID string, version int64) error {
	_, err := db.db.Exec(
		`INSERT INTO entity_versions (entity_type, entity_id, version, last_synced_version)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (entity_type, entity_id) DO UPDATE SET
		   last_synced_version = excluded.last_synced_version,
		   version = MAX(version, excluded.version)`,
		entityType, entityID, version, version,
	)
	if err != nil {
		return fmt.Errorf("failed to set last synced version: %w", err)
	}
	return nil
}

// --- Local entity state ---

// ApplyEntity upserts locally materialized entity state. Application is
// idempotent on entity and version: an older or equal incoming version of an
// already-applied entity is a no-op. Returns true if the state changed.
func (db *Database) ApplyEntity(entityType, entityID string, payload []byte, version int64) (bool, error) {
	tx, err := db.BeginTx()
	if err != nil {
		return false, fmt.Errorf("failed to begin apply transaction: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRow(
		`SELECT version FROM local_entities WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID,
	).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to read local entity: %w", err)
	}
	if err == nil && existing >= version {
		return false, nil
	}

	_, err = tx.Exec(
		`INSERT INTO local_entities (entity_type, entity_id, payload, version, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (entity_type, entity_id) DO UPDATE SET
		   payload = excluded.payload,
		   version = excluded.version,
		   updated_at = excluded.updated_at`,
		entityType, entityID, payload, version, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to apply entity state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit entity state: %w", err)
	}

	return true, nil
}

// DeleteLocalEntity removes locally materialized entity state
func (db *Database) DeleteLocalEntity(entityType, entityID string) error {
	if _, err := db.db.Exec(
		`DELETE FROM local_entities WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID,
	); err != nil {
		return fmt.Errorf("failed to delete local entity: %w", err)
	}
	return nil
}

// GetLocalEntity returns locally materialized entity state, or nil if absent
func (db *Database) GetLocalEntity(entityType, entityID string) (*LocalEntity, error) {
	row := db.db.QueryRow(
		`SELECT entity_type, entity_id, payload, version, updated_at
		 FROM local_entities WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID,
	)

	ent := &LocalEntity{}
	err := row.Scan(&ent.EntityType, &ent.EntityID, &ent.Payload, &ent.Version, &ent.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get local entity: %w", err)
	}

	return ent, nil
}

// --- Open conflicts ---

// SaveConflict parks a remote change awaiting a manual decision. At most one
// open conflict per entity: a newer remote change for the same entity
// replaces the parked one.
func (db *Database) SaveConflict(entityType, entityID string, remoteChange []byte, detectedAt int64) error {
	_, err := db.db.Exec(
		`INSERT INTO conflicts (entity_type, entity_id, remote_change, detected_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (entity_type, entity_id) DO UPDATE SET
		   remote_change = excluded.remote_change,
		   detected_at = excluded.detected_at`,
		entityType, entityID, remoteChange, detectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save conflict for %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// ListConflicts returns all open conflicts, oldest first
func (db *Database) ListConflicts() ([]*ConflictRow, error) {
	rows, err := db.db.Query(
		`SELECT entity_type, entity_id, remote_change, detected_at
		 FROM conflicts ORDER BY detected_at ASC, entity_type ASC, entity_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*ConflictRow
	for rows.Next() {
		c := &ConflictRow{}
		if err := rows.Scan(&c.EntityType, &c.EntityID, &c.RemoteChange, &c.DetectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}

	return conflicts, nil
}

// DeleteConflict removes a resolved conflict
func (db *Database) DeleteConflict(entityType, entityID string) error {
	if _, err := db.db.Exec(
		`DELETE FROM conflicts WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID,
	); err != nil {
		return fmt.Errorf("failed to delete conflict for %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// CountConflicts returns the number of open conflicts
func (db *Database) CountConflicts() (int, error) {
	var count int
	if err := db.db.QueryRow(`SELECT COUNT(*) FROM conflicts`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return count, nil
}

// --- Sync state ---

// GetLastSyncTime returns the pull watermark in unix milliseconds, 0 if unset
func (db *Database) GetLastSyncTime() (int64, error) {
	value, err := db.getState(stateKeyLastSyncTime)
	if err != nil {
		return 0, err
	}
	if value == "" {
		return 0, nil
	}

	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt last sync time %q: %w", value, err)
	}
	return ts, nil
}

// SetLastSyncTime advances the pull watermark
func (db *Database) SetLastSyncTime(ts int64) error {
	return db.setState(stateKeyLastSyncTime, strconv.FormatInt(ts, 10))
}

// GetDeviceID returns the persisted device identifier, empty if unset
func (db *Database) GetDeviceID() (string, error) {
	return db.getState(stateKeyDeviceID)
}

// SetDeviceID persists the device identifier
func (db *Database) SetDeviceID(id string) error {
	return db.setState(stateKeyDeviceID, id)
}

func (db *Database) getState(key string) (string, error) {
	var value string
	err := db.db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to read sync state %s: %w", key, err)
	}
	return value, nil
}

func (db *Database) setState(key, value string) error {
	_, err := db.db.Exec(
		`INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to write sync state %s: %w", key, err)
	}
	return nil
}
