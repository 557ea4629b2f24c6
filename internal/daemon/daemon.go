// Package daemon runs the sync engine as a long-lived background process:
// it owns the network monitor and auto-sync loop, writes a PID file, and
// handles SIGHUP config reload and SIGINT/SIGTERM graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/driftlab/driftsync/internal/config"
	"github.com/driftlab/driftsync/internal/engine"
	"github.com/driftlab/driftsync/internal/events"
	"github.com/driftlab/driftsync/internal/logger"
	"github.com/driftlab/driftsync/internal/netmon"
	"github.com/driftlab/driftsync/internal/storage"
)

// Daemon is the background sync process. The config pointer is swapped
// atomically on SIGHUP reload while sync loops keep reading it.
type Daemon struct {
	config  atomic.Pointer[config.Config]
	engine  *engine.Engine
	monitor *netmon.Monitor
	bus     *events.Bus
	db      *storage.Database
	logger  *logger.Logger

	pidManager *PIDManager
	ctx        context.Context
	cancel     context.CancelFunc

	running    atomic.Bool
	syncCount  atomic.Int64
	errorCount atomic.Int64
}

// New creates a daemon around an assembled engine
func New(cfg *config.Config, eng *engine.Engine, monitor *netmon.Monitor, bus *events.Bus, db *storage.Database) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		engine:     eng,
		monitor:    monitor,
		bus:        bus,
		db:         db,
		logger:     logger.GetLogger().WithComponent("daemon"),
		pidManager: NewPIDManager(cfg.Daemon.PIDFile),
		ctx:        ctx,
		cancel:     cancel,
	}
	d.config.Store(cfg)
	return d
}

// Start runs the daemon until a shutdown signal arrives
func (d *Daemon) Start() error {
	d.logger.Info().Msg("Starting sync daemon")

	if err := d.pidManager.ValidatePIDFile(); err != nil {
		d.logger.WithError(err).Warn().Msg("Cleaned up stale PID file")
	}

	if d.pidManager.IsRunning() {
		existingPID, _ := d.pidManager.ReadPID()
		return fmt.Errorf("daemon already running with PID %d", existingPID)
	}

	if err := d.pidManager.WritePID(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer func() {
		if err := d.pidManager.RemovePID(); err != nil {
			d.logger.WithError(err).Error().Msg("Failed to remove PID file")
		}
	}()

	d.setupSignalHandling()
	d.running.Store(true)

	d.monitor.Start(d.ctx)
	d.engine.StartAutoSync(d.ctx)

	d.logger.WithFields(map[string]interface{}{
		"pid_file":      d.pidManager.GetPIDFile(),
		"pid":           os.Getpid(),
		"sync_interval": d.config.Load().GetSyncInterval(),
	}).Info().Msg("Daemon started successfully")

	return d.runRetryLoop()
}

// Stop gracefully stops the daemon
func (d *Daemon) Stop() error {
	d.logger.Info().Msg("Stopping sync daemon")

	d.running.Store(false)
	d.cancel()

	d.engine.StopAutoSync()
	d.monitor.Stop()
	d.bus.Close()

	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.logger.WithError(err).Warn().Msg("Failed to close database cleanly")
		}
	}

	d.logger.WithFields(map[string]interface{}{
		"total_syncs":  d.syncCount.Load(),
		"total_errors": d.errorCount.Load(),
	}).Info().Msg("Daemon stopped")

	return nil
}

// runRetryLoop supervises sync cycles beyond the engine's own timer: cycles
// that end in error are retried with quadratic backoff up to the configured
// attempt limit.
func (d *Daemon) runRetryLoop() error {
	// Initial sync after a short settle delay
	go func() {
		select {
		case <-time.After(10 * time.Second):
			d.performSync()
		case <-d.ctx.Done():
		}
	}()

	ticker := time.NewTicker(d.config.Load().GetSyncInterval())
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			d.logger.Info().Msg("Sync loop stopping")
			return nil
		case <-ticker.C:
			if d.running.Load() {
				d.performSync()
			}
		}
	}
}

func (d *Daemon) performSync() {
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt < d.config.Load().Daemon.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * d.config.Load().GetDaemonRetryInterval()
			d.logger.WithFields(map[string]interface{}{
				"attempt": attempt + 1,
				"backoff": backoff,
			}).Debug().Msg("Retrying sync after backoff")

			select {
			case <-time.After(backoff):
			case <-d.ctx.Done():
				return
			}
		}

		result, err := d.engine.Sync(d.ctx)
		if err != nil {
			lastErr = err
			d.logger.WithError(err).WithFields(map[string]interface{}{
				"attempt":     attempt + 1,
				"max_retries": d.config.Load().Daemon.MaxRetries,
			}).Warn().Msg("Sync attempt failed")
			continue
		}

		if result.Skipped != "" {
			d.logger.Debug().Str("reason", string(result.Skipped)).Msg("Sync skipped")
			return
		}

		d.syncCount.Add(1)
		d.logger.WithFields(map[string]interface{}{
			"duration":   time.Since(start),
			"sync_count": d.syncCount.Load(),
		}).Info().Msg("Scheduled sync completed")
		return
	}

	d.errorCount.Add(1)
	d.logger.WithError(lastErr).WithFields(map[string]interface{}{
		"error_count": d.errorCount.Load(),
	}).Error().Msg("Sync failed after all retries")
}

func (d *Daemon) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for {
			select {
			case sig := <-sigChan:
				d.logger.WithField("signal", sig.String()).Info().Msg("Received signal")

				switch sig {
				case syscall.SIGHUP:
					d.reloadConfig()
				case syscall.SIGINT, syscall.SIGTERM:
					d.logger.Info().Msg("Initiating graceful shutdown")
					d.Stop()
					os.Exit(0)
				}
			case <-d.ctx.Done():
				return
			}
		}
	}()
}

func (d *Daemon) reloadConfig() {
	d.logger.Info().Msg("Reloading daemon configuration")

	newConfig, err := config.Load("")
	if err != nil {
		d.logger.WithError(err).Error().Msg("Failed to reload configuration")
		return
	}

	oldInterval := d.config.Load().GetSyncInterval()
	d.config.Store(newConfig)

	if err := d.engine.UpdateConfig(d.ctx, newConfig); err != nil {
		d.logger.WithError(err).Error().Msg("Failed to apply reloaded configuration")
		return
	}

	if newConfig.GetSyncInterval() != oldInterval {
		d.logger.WithFields(map[string]interface{}{
			"old_interval": oldInterval,
			"new_interval": newConfig.GetSyncInterval(),
		}).Info().Msg("Sync interval updated")
	}

	d.logger.Info().Msg("Configuration reloaded successfully")
}

// Status describes the running daemon
type Status struct {
	Running    bool          `json:"running"`
	PID        int           `json:"pid,omitempty"`
	Uptime     time.Duration `json:"uptime,omitempty"`
	SyncCount  int64         `json:"sync_count"`
	ErrorCount int64         `json:"error_count"`
	Interval   time.Duration `json:"sync_interval"`
}

// GetStatus returns the current daemon status
func (d *Daemon) GetStatus() *Status {
	pidStatus, _ := d.pidManager.GetStatus()

	return &Status{
		Running:    d.running.Load(),
		PID:        pidStatus.PID,
		Uptime:     pidStatus.Uptime,
		SyncCount:  d.syncCount.Load(),
		ErrorCount: d.errorCount.Load(),
		Interval:   d.config.Load().GetSyncInterval(),
	}
}
