package recorder

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/driftsync/internal/config"
	"github.com/driftlab/driftsync/internal/events"
	"github.com/driftlab/driftsync/internal/queue"
	"github.com/driftlab/driftsync/internal/storage"
)

func setupRecorder(t *testing.T) (*Recorder, *storage.Database, *queue.Queue) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.ConfigDir = dir
	cfg.Database.Path = filepath.Join(dir, "test.db")
	cfg.Sync.ExcludeEntityTypes = []string{"scratch"}

	db, err := storage.NewDatabase(cfg, &storage.DatabaseOptions{
		CreateIfMissing: true,
		MigrateOnOpen:   true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	q, err := queue.New(db, bus, cfg)
	require.NoError(t, err)

	rec, err := New(db, q, bus, cfg)
	require.NoError(t, err)
	return rec, db, q
}

func TestRecordCreatesVersionedRecord(t *testing.T) {
	rec, db, q := setupRecorder(t)

	payload := []byte(`{"title":"first"}`)
	cr, err := rec.Record("note", "n1", storage.ChangeOpCreate, payload)
	require.NoError(t, err)

	assert.NotEmpty(t, cr.ID)
	assert.Equal(t, int64(1), cr.Version)
	assert.Equal(t, rec.DeviceID(), cr.DeviceID)
	assert.Equal(t, storage.SyncStatusPending, cr.SyncStatus)

	sum := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), cr.Checksum)

	// A queue operation is bound to the record.
	require.NotZero(t, cr.OperationID)
	ops, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, ops, 1)

	var ref ChangeRef
	require.NoError(t, json.Unmarshal(ops[0].Payload, &ref))
	assert.Equal(t, cr.ID, ref.ChangeID)

	// Local entity state is materialized.
	ent, err := db.GetLocalEntity("note", "n1")
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.Equal(t, int64(1), ent.Version)
}

func TestVersionsAreMonotonicPerEntity(t *testing.T) {
	rec, _, _ := setupRecorder(t)

	first, err := rec.Record("note", "n1", storage.ChangeOpCreate, []byte(`{}`))
	require.NoError(t, err)
	second, err := rec.Record("note", "n1", storage.ChangeOpUpdate, []byte(`{"x":1}`))
	require.NoError(t, err)
	other, err := rec.Record("note", "n2", storage.ChangeOpCreate, []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Version)
	assert.Equal(t, int64(2), second.Version)
	assert.Equal(t, int64(1), other.Version)
}

func TestDeleteRemovesLocalEntity(t *testing.T) {
	rec, db, _ := setupRecorder(t)

	_, err := rec.Record("note", "n1", storage.ChangeOpCreate, []byte(`{}`))
	require.NoError(t, err)

	cr, err := rec.Record("note", "n1", storage.ChangeOpDelete, nil)
	require.NoError(t, err)
	assert.Empty(t, cr.Checksum, "deletes carry no payload")

	ent, err := db.GetLocalEntity("note", "n1")
	require.NoError(t, err)
	assert.Nil(t, ent)
}

func TestExcludedEntityTypeRejected(t *testing.T) {
	rec, _, q := setupRecorder(t)

	_, err := rec.Record("scratch", "s1", storage.ChangeOpCreate, []byte(`{}`))
	require.Error(t, err)

	var excluded *ErrExcluded
	require.ErrorAs(t, err, &excluded)
	assert.Equal(t, "scratch", excluded.EntityType)

	ops, err := q.Pending()
	require.NoError(t, err)
	assert.Empty(t, ops, "excluded changes never reach the queue")
}

func TestRecordValidation(t *testing.T) {
	rec, _, _ := setupRecorder(t)

	_, err := rec.Record("", "n1", storage.ChangeOpCreate, []byte(`{}`))
	assert.Error(t, err)
	_, err = rec.Record("note", "", storage.ChangeOpCreate, []byte(`{}`))
	assert.Error(t, err)
}

func TestDeviceIDStableAcrossInstances(t *testing.T) {
	rec, db, q := setupRecorder(t)
	id := rec.DeviceID()
	require.NotEmpty(t, id)

	bus := events.NewBus()
	defer bus.Close()
	again, err := New(db, q, bus, &config.Config{})
	require.NoError(t, err)
	assert.Equal(t, id, again.DeviceID())
}

func TestChecksum(t *testing.T) {
	assert.Empty(t, Checksum(nil))
	assert.NotEmpty(t, Checksum([]byte("x")))
	assert.Equal(t, Checksum([]byte("x")), Checksum([]byte("x")))
	assert.NotEqual(t, Checksum([]byte("x")), Checksum([]byte("y")))
}

func TestChecksumIgnoresJSONWhitespace(t *testing.T) {
	// Intermediaries re-encode JSON payloads and drop insignificant
	// whitespace; the checksum must not change when they do.
	spaced := []byte(`{"title": "hello world",  "n": 1}`)
	compact := []byte(`{"title":"hello world","n":1}`)
	assert.Equal(t, Checksum(compact), Checksum(spaced))
	assert.NotEqual(t, Checksum(compact), Checksum([]byte(`{"title":"hello","n":1}`)))
}
