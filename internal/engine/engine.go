// Package engine coordinates synchronization between the local store and the
// cloud. A sync cycle pushes locally queued change records first, then pulls
// remote changes since the last watermark, detecting conflicts against
// unsynced local state as it applies them.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/driftlab/driftsync/internal/config"
	"github.com/driftlab/driftsync/internal/events"
	"github.com/driftlab/driftsync/internal/logger"
	"github.com/driftlab/driftsync/internal/netmon"
	"github.com/driftlab/driftsync/internal/queue"
	"github.com/driftlab/driftsync/internal/recorder"
	"github.com/driftlab/driftsync/internal/remote"
	"github.com/driftlab/driftsync/internal/resolver"
	"github.com/driftlab/driftsync/internal/storage"
)

// SkipReason explains why a sync cycle did not run
type SkipReason string

const (
	SkipNone           SkipReason = ""
	SkipOffline        SkipReason = "offline"
	SkipAlreadyRunning SkipReason = "already-running"
)

// Status classifies the outcome of a sync cycle
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// SyncError identifies one record or operation that failed during a cycle
type SyncError struct {
	ChangeID    string `json:"change_id,omitempty"`
	OperationID int64  `json:"operation_id,omitempty"`
	Reason      string `json:"reason"`
}

// Result summarizes one sync cycle
type Result struct {
	Status      Status        `json:"status"`
	Skipped     SkipReason    `json:"skipped,omitempty"`
	Pushed      int           `json:"pushed"`
	Failed      int           `json:"failed"`
	Pulled      int           `json:"pulled"`
	Applied     int           `json:"applied"`
	Conflicts   int           `json:"conflicts"`
	FailedIDs   []string      `json:"failed_ids,omitempty"`
	Errors      []SyncError   `json:"errors,omitempty"`
	Duration    time.Duration `json:"duration"`
	CompletedAt int64         `json:"completed_at"`
	Err         error         `json:"-"`
}

func (r *Result) addFailure(changeID string, opID int64, reason string) {
	if changeID != "" {
		r.FailedIDs = append(r.FailedIDs, changeID)
	}
	r.Errors = append(r.Errors, SyncError{ChangeID: changeID, OperationID: opID, Reason: reason})
}

func (r *Result) deriveStatus() Status {
	failures := r.Err != nil || len(r.Errors) > 0
	switch {
	case r.Skipped != "":
		return StatusSkipped
	case failures && r.Pushed == 0 && r.Applied == 0:
		return StatusFailed
	case failures:
		return StatusPartial
	default:
		return StatusSuccess
	}
}

// Progress is published as sync:progress during a cycle
type Progress struct {
	Phase     string `json:"phase"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

// State is a snapshot of the engine for status surfaces
type State struct {
	Syncing       bool          `json:"syncing"`
	AutoSync      bool          `json:"auto_sync"`
	Network       netmon.Status `json:"network"`
	LastSyncTime  int64         `json:"last_sync_time"`
	PendingOps    int           `json:"pending_ops"`
	FailedOps     int           `json:"failed_ops"`
	OpenConflicts int           `json:"open_conflicts"`
	Stats         Stats         `json:"stats"`
}

// Stats accumulates totals across cycles in this process
type Stats struct {
	Cycles         int   `json:"cycles"`
	TotalPushed    int   `json:"total_pushed"`
	TotalPulled    int   `json:"total_pulled"`
	TotalConflicts int   `json:"total_conflicts"`
	LastDurationMS int64 `json:"last_duration_ms"`
}

// Engine drives sync cycles. Sync is single-flight: a call while a cycle is
// in progress returns immediately with SkipAlreadyRunning.
type Engine struct {
	db       *storage.Database
	queue    *queue.Queue
	recorder *recorder.Recorder
	store    remote.Store
	monitor  *netmon.Monitor
	resolver *resolver.Resolver
	bus      *events.Bus
	config   *config.Config
	logger   *logger.Logger

	mu      sync.Mutex
	syncing bool
	stats   Stats

	autoMu     sync.Mutex
	autoCancel context.CancelFunc
}

// New creates a sync engine
func New(db *storage.Database, q *queue.Queue, rec *recorder.Recorder, store remote.Store,
	monitor *netmon.Monitor, res *resolver.Resolver, bus *events.Bus, cfg *config.Config) *Engine {
	return &Engine{
		db:       db,
		queue:    q,
		recorder: rec,
		store:    store,
		monitor:  monitor,
		resolver: res,
		bus:      bus,
		config:   cfg,
		logger:   logger.GetLogger().Engine(),
	}
}

// Sync runs one push-then-pull cycle. Returns a skip result without error
// when offline or when a cycle is already in flight.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	// The config pointer is captured once per cycle so a concurrent
	// UpdateConfig cannot change settings mid-flight.
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		e.logger.Debug().Msg("Sync already in progress, skipping")
		return &Result{Status: StatusSkipped, Skipped: SkipAlreadyRunning, CompletedAt: time.Now().UnixMilli()}, nil
	}
	e.syncing = true
	cfg := e.config
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	if !e.monitor.IsOnline() {
		e.logger.Debug().Msg("Offline, skipping sync")
		return &Result{Status: StatusSkipped, Skipped: SkipOffline, CompletedAt: time.Now().UnixMilli()}, nil
	}

	start := time.Now()
	e.bus.Publish(events.SyncStart, nil)
	e.logger.Info().Msg("Sync cycle started")

	result := &Result{}

	pushOK, err := e.push(ctx, cfg, result)
	if err != nil {
		result.Err = err
	}

	if err := e.pull(ctx, cfg, result, pushOK); err != nil && result.Err == nil {
		result.Err = err
	}

	result.Duration = time.Since(start)
	result.CompletedAt = time.Now().UnixMilli()
	result.Status = result.deriveStatus()

	e.mu.Lock()
	e.stats.Cycles++
	e.stats.TotalPushed += result.Pushed
	e.stats.TotalPulled += result.Pulled
	e.stats.TotalConflicts += result.Conflicts
	e.stats.LastDurationMS = result.Duration.Milliseconds()
	e.mu.Unlock()

	e.bus.Publish(events.SyncComplete, result)
	e.logger.Info().
		Str("status", string(result.Status)).
		Int("pushed", result.Pushed).
		Int("failed", result.Failed).
		Int("pulled", result.Pulled).
		Int("conflicts", result.Conflicts).
		Dur("duration", result.Duration).
		Msg("Sync cycle finished")

	return result, result.Err
}

// push drains the operation queue in batches and uploads the referenced
// change records. Returns true when every drained operation was accepted.
func (e *Engine) push(ctx context.Context, cfg *config.Config, result *Result) (bool, error) {
	batchSize := cfg.Sync.BatchSize
	if e.monitor.Status() == netmon.StatusSlow {
		// Halve batches on degraded links so a single request stays small.
		if batchSize > 1 {
			batchSize /= 2
		}
	}

	allOK := true
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		ops, err := e.queue.DequeueBatch(batchSize)
		if err != nil {
			return false, fmt.Errorf("failed to claim operations: %w", err)
		}
		if len(ops) == 0 {
			break
		}

		ok, err := e.pushBatch(ctx, cfg, ops, result)
		if err != nil {
			return false, err
		}
		if !ok {
			// Failed operations were requeued as pending; stop draining so
			// they spend one retry per cycle, not the whole budget at once.
			allOK = false
			break
		}
	}

	return allOK, nil
}

func (e *Engine) pushBatch(ctx context.Context, cfg *config.Config, ops []*storage.Operation, result *Result) (bool, error) {
	changes := make([]remote.Change, 0, len(ops))
	opByChange := make(map[string]*storage.Operation, len(ops))
	records := make(map[string]*storage.ChangeRecord, len(ops))

	// A decode failure requeues the operation as pending, so it ends the
	// drain like any other failure; otherwise the next DequeueBatch would
	// re-claim it and burn its whole budget within one cycle.
	decodeFailed := false
	for _, op := range ops {
		var ref recorder.ChangeRef
		if err := json.Unmarshal(op.Payload, &ref); err != nil {
			e.failOperation(op, result)
			result.addFailure("", op.ID, "unreadable operation payload")
			decodeFailed = true
			continue
		}

		rec, err := e.db.GetChangeRecord(ref.ChangeID)
		if err != nil {
			e.failOperation(op, result)
			result.addFailure(ref.ChangeID, op.ID, "change record missing")
			decodeFailed = true
			continue
		}

		changes = append(changes, remote.FromRecord(rec))
		opByChange[rec.ID] = op
		records[rec.ID] = rec
	}

	if len(changes) == 0 {
		return !decodeFailed, nil
	}

	pushCtx, cancel := context.WithTimeout(ctx, cfg.GetSyncTimeout())
	pushed, err := e.store.Push(pushCtx, changes)
	cancel()
	if err != nil {
		// The whole batch failed; every claimed operation records one
		// failed attempt.
		for _, id := range sortedChangeIDs(opByChange) {
			e.failOperation(opByChange[id], result)
			result.addFailure(id, opByChange[id].ID, err.Error())
		}
		e.logger.Warn().Err(err).Int("batch", len(changes)).Msg("Push batch failed")
		return false, nil
	}

	for _, id := range pushed.Accepted {
		op, ok := opByChange[id]
		if !ok {
			continue
		}
		rec := records[id]

		if err := e.db.UpdateChangeRecordStatus(id, storage.SyncStatusSynced); err != nil {
			return false, err
		}
		if err := e.db.SetLastSyncedVersion(rec.EntityType, rec.EntityID, rec.Version); err != nil {
			return false, err
		}
		if err := e.queue.MarkCompleted(op.ID); err != nil {
			return false, err
		}

		result.Pushed++
		e.bus.Publish(events.ChangeSynced, rec)
		e.bus.Publish(events.SyncProgress, Progress{Phase: "push", Completed: result.Pushed, Total: result.Pushed + result.Failed})
	}

	for _, rej := range pushed.Rejected {
		op, ok := opByChange[rej.ChangeID]
		if !ok {
			continue
		}
		e.logger.Warn().
			Str("change_id", rej.ChangeID).
			Str("code", rej.Code).
			Str("reason", rej.Reason).
			Msg("Change rejected by server")
		e.failOperation(op, result)
		result.addFailure(rej.ChangeID, op.ID, rej.Reason)
	}

	return len(pushed.Rejected) == 0 && !decodeFailed, nil
}

func (e *Engine) failOperation(op *storage.Operation, result *Result) {
	status, err := e.queue.MarkFailed(op.ID)
	if err != nil {
		e.logger.Error().Err(err).Int64("id", op.ID).Msg("Failed to record operation failure")
		return
	}
	result.Failed++
	if status == storage.OpStatusFailed {
		e.bus.Publish(events.ChangeFailed, op.ID)
	}
}

// pull downloads remote changes since the watermark and applies them. The
// watermark only advances when the preceding push fully succeeded, so
// unpushed local changes are always re-examined against fresh remote state
// on the next cycle.
func (e *Engine) pull(ctx context.Context, cfg *config.Config, result *Result, advanceWatermark bool) error {
	since, err := e.db.GetLastSyncTime()
	if err != nil {
		return err
	}

	var serverTime int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pullCtx, cancel := context.WithTimeout(ctx, cfg.GetSyncTimeout())
		pulled, err := e.store.PullSince(pullCtx, since, cfg.Sync.BatchSize)
		cancel()
		if err != nil {
			return fmt.Errorf("pull failed: %w", err)
		}

		for _, change := range pulled.Changes {
			applied, conflicted, err := e.applyRemote(change, result)
			if err != nil {
				return err
			}
			result.Pulled++
			if applied {
				result.Applied++
			}
			if conflicted {
				result.Conflicts++
			}
			e.bus.Publish(events.SyncProgress, Progress{Phase: "pull", Completed: result.Pulled, Total: result.Pulled})
		}

		serverTime = pulled.ServerTime
		if !pulled.HasMore {
			break
		}
		since = pulled.ServerTime
	}

	if advanceWatermark && serverTime > 0 {
		if err := e.db.SetLastSyncTime(serverTime); err != nil {
			return err
		}
	}

	return nil
}

// applyRemote integrates one pulled change. A conflict exists when the local
// entity has versions newer than the last version the server confirmed, i.e.
// unsynced local edits. Changes originating from this device are skipped.
func (e *Engine) applyRemote(change remote.Change, result *Result) (applied bool, conflicted bool, err error) {
	if change.DeviceID == e.recorder.DeviceID() {
		return false, false, nil
	}

	// A corrupted record is skipped, not fatal to the round; it will come
	// back on the next pull window since the watermark is server-driven.
	if change.Checksum != "" && recorder.Checksum([]byte(change.Payload)) != change.Checksum {
		e.logger.Warn().
			Str("change_id", change.ID).
			Str("entity", change.EntityType+"/"+change.EntityID).
			Msg("Checksum mismatch on pulled change, skipping")
		result.addFailure(change.ID, 0, "checksum mismatch on pulled change")
		return false, false, nil
	}

	localRecs, err := e.db.GetUnsyncedChangeRecordsByEntity(change.EntityType, change.EntityID)
	if err != nil {
		return false, false, err
	}

	if len(localRecs) == 0 {
		ok, err := e.applyChange(change)
		return ok, false, err
	}

	local, err := e.db.GetLocalEntity(change.EntityType, change.EntityID)
	if err != nil {
		return false, false, err
	}

	conflict := resolver.Conflict{
		EntityType: change.EntityType,
		EntityID:   change.EntityID,
		Remote:     change,
		Local:      local,
		LocalRecs:  localRecs,
		DetectedAt: time.Now().UnixMilli(),
	}

	choice, resolved := e.resolver.Resolve(conflict)
	if !resolved {
		if err := e.park(change, conflict.DetectedAt); err != nil {
			return false, true, err
		}
		if err := e.parkLocalRecords(localRecs); err != nil {
			return false, true, err
		}
		return false, true, nil
	}

	switch choice {
	case resolver.ChooseCloud:
		if err := e.discardLocal(localRecs); err != nil {
			return false, true, err
		}
		ok, err := e.applyChange(change)
		return ok, true, err
	default:
		// Local wins: ignore the remote change; the local records stay
		// queued and overwrite the server on a later push.
		return false, true, nil
	}
}

// applyChange writes remote entity state locally. Idempotent on entity and
// version, so replaying a window of already-applied changes is harmless.
func (e *Engine) applyChange(change remote.Change) (bool, error) {
	if change.Op == storage.ChangeOpDelete {
		if err := e.db.DeleteLocalEntity(change.EntityType, change.EntityID); err != nil {
			return false, err
		}
		return true, nil
	}
	return e.db.ApplyEntity(change.EntityType, change.EntityID, []byte(change.Payload), change.Version)
}

// discardLocal abandons unsynced local records after the cloud side won
func (e *Engine) discardLocal(recs []*storage.ChangeRecord) error {
	for _, rec := range recs {
		if err := e.db.UpdateChangeRecordStatus(rec.ID, storage.SyncStatusSynced); err != nil {
			return err
		}
		if rec.OperationID != 0 {
			// The backing operation may be pending or already claimed.
			if err := e.db.SettleOperation(rec.OperationID); err != nil {
				return err
			}
		}
	}
	return nil
}

// parkLocalRecords takes colliding records out of the push pipeline while
// the conflict awaits a decision: their status flips to conflict and their
// backing operations are settled so no cycle re-pushes the contested state.
func (e *Engine) parkLocalRecords(recs []*storage.ChangeRecord) error {
	for _, rec := range recs {
		if err := e.db.UpdateChangeRecordStatus(rec.ID, storage.SyncStatusConflict); err != nil {
			return err
		}
		if rec.OperationID != 0 {
			if err := e.db.SettleOperation(rec.OperationID); err != nil {
				return err
			}
		}
	}
	return nil
}

// requeueLocal returns parked records to the push pipeline after the local
// side won a manual resolution. Each record gets a fresh backing operation.
func (e *Engine) requeueLocal(recs []*storage.ChangeRecord) error {
	for _, rec := range recs {
		ref, err := json.Marshal(recorder.ChangeRef{ChangeID: rec.ID})
		if err != nil {
			return fmt.Errorf("failed to encode change reference: %w", err)
		}
		op, err := e.queue.Enqueue(recorder.OpKindChange, ref, 0, 0)
		if err != nil {
			return err
		}
		if err := e.db.SetChangeRecordOperation(rec.ID, op.ID); err != nil {
			return err
		}
		if err := e.db.UpdateChangeRecordStatus(rec.ID, storage.SyncStatusPending); err != nil {
			return err
		}
	}
	return nil
}

// park persists a remote change awaiting a manual decision. Conflicts are
// durable, so a later process (the CLI, a restarted daemon) can still list
// and resolve them.
func (e *Engine) park(change remote.Change, detectedAt int64) error {
	encoded, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to encode parked change: %w", err)
	}
	return e.db.SaveConflict(change.EntityType, change.EntityID, encoded, detectedAt)
}

// Conflicts returns conflicts awaiting manual resolution, oldest first
func (e *Engine) Conflicts() ([]resolver.Conflict, error) {
	rows, err := e.db.ListConflicts()
	if err != nil {
		return nil, err
	}

	conflicts := make([]resolver.Conflict, 0, len(rows))
	for _, row := range rows {
		var change remote.Change
		if err := json.Unmarshal(row.RemoteChange, &change); err != nil {
			return nil, fmt.Errorf("corrupt parked change for %s/%s: %w", row.EntityType, row.EntityID, err)
		}

		local, err := e.db.GetLocalEntity(row.EntityType, row.EntityID)
		if err != nil {
			return nil, err
		}
		localRecs, err := e.db.GetUnsyncedChangeRecordsByEntity(row.EntityType, row.EntityID)
		if err != nil {
			return nil, err
		}

		conflicts = append(conflicts, resolver.Conflict{
			EntityType: row.EntityType,
			EntityID:   row.EntityID,
			Remote:     change,
			Local:      local,
			LocalRecs:  localRecs,
			DetectedAt: row.DetectedAt,
		})
	}

	return conflicts, nil
}

// ResolveConflict decides a parked conflict. Choosing the cloud side applies
// the remote change and abandons the colliding local records; choosing the
// local side drops the remote change and requeues the local records so they
// push on the next cycle.
func (e *Engine) ResolveConflict(index int, choice resolver.Choice) error {
	if choice != resolver.ChooseLocal && choice != resolver.ChooseCloud {
		return fmt.Errorf("invalid resolution choice %q", choice)
	}

	conflicts, err := e.Conflicts()
	if err != nil {
		return err
	}
	if index < 0 || index >= len(conflicts) {
		return fmt.Errorf("no open conflict at index %d", index)
	}
	c := conflicts[index]

	if choice == resolver.ChooseCloud {
		if err := e.discardLocal(c.LocalRecs); err != nil {
			return err
		}
		if _, err := e.applyChange(c.Remote); err != nil {
			return err
		}
	} else {
		if err := e.requeueLocal(c.LocalRecs); err != nil {
			return err
		}
	}

	if err := e.db.DeleteConflict(c.EntityType, c.EntityID); err != nil {
		return err
	}

	e.logger.Info().
		Str("entity", c.EntityType+"/"+c.EntityID).
		Str("choice", string(choice)).
		Msg("Conflict resolved manually")

	return nil
}

// State returns a status snapshot
func (e *Engine) State() (*State, error) {
	lastSync, err := e.db.GetLastSyncTime()
	if err != nil {
		return nil, err
	}
	pending, err := e.queue.Pending()
	if err != nil {
		return nil, err
	}
	failed, err := e.queue.Failed()
	if err != nil {
		return nil, err
	}
	openConflicts, err := e.db.CountConflicts()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	syncing := e.syncing
	stats := e.stats
	e.mu.Unlock()

	e.autoMu.Lock()
	autoSync := e.autoCancel != nil
	e.autoMu.Unlock()

	return &State{
		Syncing:       syncing,
		AutoSync:      autoSync,
		Network:       e.monitor.Status(),
		LastSyncTime:  lastSync,
		PendingOps:    len(pending),
		FailedOps:     len(failed),
		OpenConflicts: openConflicts,
		Stats:         stats,
	}, nil
}

// StartAutoSync begins periodic syncing and subscribes to network
// transitions so a cycle fires as soon as connectivity returns. Idempotent;
// a second call restarts the timer with current configuration.
func (e *Engine) StartAutoSync(ctx context.Context) {
	cfg := e.currentConfig()

	e.autoMu.Lock()
	defer e.autoMu.Unlock()

	if e.autoCancel != nil {
		e.autoCancel()
	}

	if !cfg.Sync.AutoSync {
		e.autoCancel = nil
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	e.autoCancel = cancel

	sub := e.bus.Subscribe(events.NetworkChanged)

	go func() {
		defer e.bus.Unsubscribe(sub)

		ticker := time.NewTicker(cfg.GetSyncInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = e.Sync(ctx)
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				if change, ok := ev.Data.(netmon.StatusChange); ok {
					if recovered(change) {
						e.logger.Info().Msg("Connectivity restored, triggering sync")
						_, _ = e.Sync(ctx)
					}
				}
			}
		}
	}()

	e.logger.Info().Dur("interval", cfg.GetSyncInterval()).Msg("Auto-sync started")
}

func (e *Engine) currentConfig() *config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// StopAutoSync halts periodic syncing. Idempotent.
func (e *Engine) StopAutoSync() {
	e.autoMu.Lock()
	defer e.autoMu.Unlock()
	if e.autoCancel != nil {
		e.autoCancel()
		e.autoCancel = nil
		e.logger.Info().Msg("Auto-sync stopped")
	}
}

// UpdateConfig applies new sync settings, restarting the auto-sync timer if
// it is running.
func (e *Engine) UpdateConfig(ctx context.Context, cfg *config.Config) error {
	strategy, err := resolver.ParseStrategy(cfg.Sync.ConflictStrategy)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.config = cfg
	e.mu.Unlock()
	e.resolver.SetStrategy(strategy)

	e.autoMu.Lock()
	running := e.autoCancel != nil
	e.autoMu.Unlock()
	if running {
		e.StartAutoSync(ctx)
	}

	return nil
}

// recovered reports whether a network transition moved to a better state:
// back from offline, or from a degraded link to a full one.
func recovered(change netmon.StatusChange) bool {
	if change.From == netmon.StatusOffline && change.To != netmon.StatusOffline {
		return true
	}
	return change.From == netmon.StatusSlow && change.To == netmon.StatusOnline
}

func sortedChangeIDs(m map[string]*storage.Operation) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
