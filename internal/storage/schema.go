package storage

// OperationStatus represents the lifecycle state of a queued operation
type OperationStatus string

const (
	OpStatusPending    OperationStatus = "pending"
	OpStatusProcessing OperationStatus = "processing"
	OpStatusCompleted  OperationStatus = "completed"
	OpStatusFailed     OperationStatus = "failed"
)

// Operation represents a durable, queued unit of work against the remote store.
// ID, Kind and Payload are immutable after creation; only Status and RetryCount mutate.
type Operation struct {
	ID         int64           `json:"id"` // AUTOINCREMENT, generation-ordered
	Kind       string          `json:"kind"`
	Payload    []byte          `json:"payload"`
	Priority   int             `json:"priority"` // higher first
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	Status     OperationStatus `json:"status"`
	CreatedAt  int64           `json:"created_at_ms"`
}

// ChangeOp is the kind of entity mutation a ChangeRecord describes
type ChangeOp string

const (
	ChangeOpCreate ChangeOp = "create"
	ChangeOpUpdate ChangeOp = "update"
	ChangeOpDelete ChangeOp = "delete"
)

// SyncStatus tracks whether a ChangeRecord has been accepted by the remote store
type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusConflict SyncStatus = "conflict"
)

// ChangeRecord describes one entity mutation, carried as the payload of an Operation.
type ChangeRecord struct {
	ID          string     `json:"id"`
	OperationID int64      `json:"operation_id,omitempty"`
	EntityType  string     `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	Op          ChangeOp   `json:"operation"`
	Payload     []byte     `json:"payload"`
	Version     int64      `json:"version"` // per-entity monotonic, local writer scope
	Checksum    string     `json:"checksum,omitempty"`
	DeviceID    string     `json:"device_id,omitempty"`
	Timestamp   int64      `json:"timestamp_ms"`
	SyncStatus  SyncStatus `json:"sync_status"`
}

// LocalEntity is the locally materialized state of one entity after applied changes.
type LocalEntity struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Payload    []byte `json:"payload"`
	Version    int64  `json:"version"`
	UpdatedAt  int64  `json:"updated_at_ms"`
}

// ConflictRow is a persisted open conflict: the parked remote change for an
// entity that had unsynced local edits when it was pulled.
type ConflictRow struct {
	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id"`
	RemoteChange []byte `json:"remote_change"`
	DetectedAt   int64  `json:"detected_at_ms"`
}

// SchemaVersion represents a row of the schema_version table
type SchemaVersion struct {
	Version     int
	AppliedAt   int64
	Description string
}

// MinSupportedVersion is the oldest schema version this build can open
const MinSupportedVersion = 1

// DatabaseSchema contains all SQL statements for database initialization
type DatabaseSchema struct {
	// Current schema version
	Version int

	// DDL statements
	Tables  []string
	Indexes []string

	// Migration statements keyed by target version
	Migrations map[int][]string
}

// GetCurrentSchema returns the current database schema
func GetCurrentSchema() *DatabaseSchema {
	return &DatabaseSchema{
		Version: 1,
		Tables: []string{
			`CREATE TABLE IF NOT EXISTS operations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				kind TEXT NOT NULL,
				payload BLOB NOT NULL,
				priority INTEGER NOT NULL DEFAULT 0,
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 3,
				status TEXT NOT NULL DEFAULT 'pending',
				created_at INTEGER NOT NULL
			)`,

			`CREATE TABLE IF NOT EXISTS change_records (
				id TEXT PRIMARY KEY,
				operation_id INTEGER,
				entity_type TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				op TEXT NOT NULL,
				payload BLOB,
				version INTEGER NOT NULL,
				checksum TEXT,
				device_id TEXT,
				timestamp INTEGER NOT NULL,
				sync_status TEXT NOT NULL DEFAULT 'pending'
			)`,

			`CREATE TABLE IF NOT EXISTS entity_versions (
				entity_type TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 0,
				last_synced_version INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (entity_type, entity_id)
			)`,

			`CREATE TABLE IF NOT EXISTS local_entities (
				entity_type TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				payload BLOB NOT NULL,
				version INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (entity_type, entity_id)
			)`,

			`CREATE TABLE IF NOT EXISTS conflicts (
				entity_type TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				remote_change BLOB NOT NULL,
				detected_at INTEGER NOT NULL,
				PRIMARY KEY (entity_type, entity_id)
			)`,

			`CREATE TABLE IF NOT EXISTS sync_state (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at INTEGER NOT NULL
			)`,

			`CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER PRIMARY KEY,
				applied_at INTEGER NOT NULL,
				description TEXT
			)`,
		},

		Indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status)`,
			`CREATE INDEX IF NOT EXISTS idx_operations_drain ON operations(status, priority DESC, id ASC)`,

			`CREATE INDEX IF NOT EXISTS idx_change_records_status ON change_records(sync_status)`,
			`CREATE INDEX IF NOT EXISTS idx_change_records_entity ON change_records(entity_type, entity_id)`,
			`CREATE INDEX IF NOT EXISTS idx_change_records_operation ON change_records(operation_id)`,
		},

		Migrations: map[int][]string{},
	}
}
