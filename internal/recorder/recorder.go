// Package recorder captures local entity mutations as change records. Each
// record carries a per-entity monotonic version and a payload checksum, and
// is bound to a durable queue operation so it survives restarts until the
// remote store acknowledges it.
package recorder

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftlab/driftsync/internal/config"
	"github.com/driftlab/driftsync/internal/events"
	"github.com/driftlab/driftsync/internal/logger"
	"github.com/driftlab/driftsync/internal/queue"
	"github.com/driftlab/driftsync/internal/storage"
)

// OpKindChange is the queue operation kind carrying a change record
const OpKindChange = "change"

// ChangeRef is the queue operation payload binding an operation to its
// change record.
type ChangeRef struct {
	ChangeID string `json:"change_id"`
}

// ErrExcluded is returned when the entity type is excluded from sync by
// configuration.
type ErrExcluded struct {
	EntityType string
}

func (e *ErrExcluded) Error() string {
	return fmt.Sprintf("entity type %q is excluded from sync", e.EntityType)
}

// Recorder turns entity mutations into versioned, durable change records
type Recorder struct {
	db       *storage.Database
	queue    *queue.Queue
	bus      *events.Bus
	config   *config.Config
	logger   *logger.Logger
	deviceID string

	mu sync.Mutex
}

// New creates a recorder. A device identifier is generated and persisted on
// first use so records from this installation are attributable.
func New(db *storage.Database, q *queue.Queue, bus *events.Bus, cfg *config.Config) (*Recorder, error) {
	deviceID, err := db.GetDeviceID()
	if err != nil {
		return nil, fmt.Errorf("failed to read device id: %w", err)
	}
	if deviceID == "" {
		deviceID = uuid.New().String()
		if err := db.SetDeviceID(deviceID); err != nil {
			return nil, fmt.Errorf("failed to persist device id: %w", err)
		}
	}

	return &Recorder{
		db:       db,
		queue:    q,
		bus:      bus,
		config:   cfg,
		logger:   logger.GetLogger().WithComponent("recorder"),
		deviceID: deviceID,
	}, nil
}

// DeviceID returns this installation's identifier
func (r *Recorder) DeviceID() string {
	return r.deviceID
}

// Record captures a mutation of an entity. The record receives the next
// monotonic version for that entity, a checksum of its payload, and a queue
// operation that drives its eventual upload. Delete mutations carry a nil
// payload.
func (r *Recorder) Record(entityType, entityID string, op storage.ChangeOp, payload []byte) (*storage.ChangeRecord, error) {
	return r.RecordWithPriority(entityType, entityID, op, payload, 0)
}

// RecordWithPriority is Record with an explicit queue priority
func (r *Recorder) RecordWithPriority(entityType, entityID string, op storage.ChangeOp, payload []byte, priority int) (*storage.ChangeRecord, error) {
	if entityType == "" || entityID == "" {
		return nil, fmt.Errorf("entity type and id are required")
	}
	if r.isExcluded(entityType) {
		return nil, &ErrExcluded{EntityType: entityType}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	version, err := r.db.NextEntityVersion(entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate version for %s/%s: %w", entityType, entityID, err)
	}

	rec := &storage.ChangeRecord{
		ID:         uuid.New().String(),
		EntityType: entityType,
		EntityID:   entityID,
		Op:         op,
		Payload:    payload,
		Version:    version,
		Checksum:   Checksum(payload),
		DeviceID:   r.deviceID,
		Timestamp:  time.Now().UnixMilli(),
		SyncStatus: storage.SyncStatusPending,
	}

	ref, err := json.Marshal(ChangeRef{ChangeID: rec.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode change reference: %w", err)
	}

	queueOp, err := r.queue.Enqueue(OpKindChange, ref, priority, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue change operation: %w", err)
	}
	rec.OperationID = queueOp.ID

	if err := r.db.InsertChangeRecord(rec); err != nil {
		return nil, fmt.Errorf("failed to persist change record: %w", err)
	}

	// Reflect the mutation into local entity state so reads and conflict
	// resolution have a materialized view.
	if op == storage.ChangeOpDelete {
		if err := r.db.DeleteLocalEntity(entityType, entityID); err != nil {
			return nil, err
		}
	} else {
		if _, err := r.db.ApplyEntity(entityType, entityID, payload, version); err != nil {
			return nil, err
		}
	}

	r.logger.Debug().
		Str("change_id", rec.ID).
		Str("entity", entityType+"/"+entityID).
		Str("op", string(op)).
		Int64("version", version).
		Msg("Change recorded")

	r.bus.Publish(events.ChangeCreated, rec)

	return rec, nil
}

// PendingCount returns the number of change records awaiting sync
func (r *Recorder) PendingCount() (int, error) {
	return r.db.CountChangeRecordsByStatus(storage.SyncStatusPending)
}

func (r *Recorder) isExcluded(entityType string) bool {
	for _, excluded := range r.config.Sync.ExcludeEntityTypes {
		if excluded == entityType {
			return true
		}
	}
	return false
}

// Checksum returns the hex SHA-256 of a payload, empty string for nil. JSON
// payloads are compacted before hashing so the checksum survives re-encoding
// by intermediaries that do not preserve insignificant whitespace.
func Checksum(payload []byte) string {
	if payload == nil {
		return ""
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		payload = compact.Bytes()
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
