package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	_ "modernc.org/sqlite"

	"github.com/driftlab/driftsync/internal/config"
	"github.com/driftlab/driftsync/internal/daemon"
	"github.com/driftlab/driftsync/internal/engine"
	"github.com/driftlab/driftsync/internal/events"
	"github.com/driftlab/driftsync/internal/logger"
	"github.com/driftlab/driftsync/internal/netmon"
	"github.com/driftlab/driftsync/internal/output"
	"github.com/driftlab/driftsync/internal/queue"
	"github.com/driftlab/driftsync/internal/recorder"
	"github.com/driftlab/driftsync/internal/remote"
	"github.com/driftlab/driftsync/internal/resolver"
	"github.com/driftlab/driftsync/internal/sentry"
	"github.com/driftlab/driftsync/internal/storage"
)

var (
	version = "0.2.0"
	commit  = "release"
	date    = "2026-08-31"
)

var sentryClient *sentry.Client

func main() {
	defer func() {
		if r := recover(); r != nil {
			if sentryClient != nil && sentryClient.IsEnabled() {
				sentryClient.CaptureError(fmt.Errorf("panic: %v", r), "main", "panic_recovery", nil)
				sentryClient.Flush(2 * time.Second)
			}
			fmt.Fprintf(os.Stderr, "driftsync encountered a fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// DRIFTSYNC_DATA_DIR overrides all data paths, for containers and tests
	if dataDir := os.Getenv("DRIFTSYNC_DATA_DIR"); dataDir != "" {
		if !filepath.IsAbs(dataDir) {
			fmt.Fprintf(os.Stderr, "DRIFTSYNC_DATA_DIR must be an absolute path, got: %s\n", dataDir)
			os.Exit(1)
		}
		cfg.DataDir = dataDir
		cfg.ConfigDir = dataDir
		cfg.Database.Path = filepath.Join(dataDir, "driftsync.db")
		cfg.Daemon.PIDFile = filepath.Join(dataDir, "daemon.pid")
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create data directory %s: %v\n", dataDir, err)
			os.Exit(1)
		}
	}

	loggerConfig := &logger.Config{
		Level:     "error",
		Output:    "stderr",
		Color:     true,
		Timestamp: true,
	}
	if err := logger.Init(loggerConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	sentryClient, err = sentry.NewClient(cfg, version, commit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize error monitoring: %v\n", err)
	}
	defer func() {
		if sentryClient != nil {
			sentryClient.Close()
		}
	}()

	rootCmd := &cobra.Command{
		Use:   "driftsync",
		Short: "driftsync - offline-first change queue and cloud synchronization",
		Long: `driftsync keeps local entity changes in a durable queue while offline and
synchronizes them with a cloud store when connectivity allows. Changes are
versioned per entity, uploads are idempotent, and conflicting edits are
resolved by a configurable strategy or an explicit decision.

Get started:
  driftsync init                 Create the configuration and local database
  driftsync record ...           Capture an entity change
  driftsync sync                 Run a sync cycle now
  driftsync status               Show queue and sync state`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			if verbose {
				loggerConfig.Level = "debug"
				return logger.Init(loggerConfig)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose output")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ~/.config/driftsync/config.toml)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(initCmd(cfg))
	rootCmd.AddCommand(recordCmd(cfg))
	rootCmd.AddCommand(syncCmd(cfg))
	rootCmd.AddCommand(statusCmd(cfg))
	rootCmd.AddCommand(queueCmd(cfg))
	rootCmd.AddCommand(conflictsCmd(cfg))
	rootCmd.AddCommand(daemonCmd(cfg))
	rootCmd.AddCommand(configCmd(cfg))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles the assembled components behind one Close
type app struct {
	db       *storage.Database
	bus      *events.Bus
	queue    *queue.Queue
	recorder *recorder.Recorder
	monitor  *netmon.Monitor
	engine   *engine.Engine
}

func (a *app) Close() {
	a.bus.Close()
	if err := a.db.Close(); err != nil {
		logger.GetLogger().WithError(err).Warn().Msg("Failed to close database cleanly")
	}
}

// openApp assembles the full component stack over an existing database
func openApp(cfg *config.Config, createIfMissing bool) (*app, error) {
	db, err := storage.NewDatabase(cfg, &storage.DatabaseOptions{
		CreateIfMissing: createIfMissing,
		MigrateOnOpen:   true,
		ValidateSchema:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	bus := events.NewBus()

	q, err := queue.New(db, bus, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	rec, err := recorder.New(db, q, bus, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	probe := netmon.NewHTTPProbe(cfg.Sync.ServerURL+"/api/v1/health", cfg.GetProbeTimeout())
	monitor := netmon.New(probe, bus, cfg)

	strategy, err := resolver.ParseStrategy(cfg.Sync.ConflictStrategy)
	if err != nil {
		db.Close()
		return nil, err
	}
	res := resolver.New(strategy, bus)

	store := remote.NewHTTPStore(cfg, rec.DeviceID())
	eng := engine.New(db, q, rec, store, monitor, res, bus, cfg)

	return &app{
		db:       db,
		bus:      bus,
		queue:    q,
		recorder: rec,
		monitor:  monitor,
		engine:   eng,
	}, nil
}

func newFormatter(cmd *cobra.Command, cfg *config.Config) *output.Formatter {
	verbose, _ := cmd.Flags().GetBool("verbose")
	noColor, _ := cmd.Flags().GetBool("no-color")
	formatter := output.NewFormatter(cfg)
	formatter.SetFlags(verbose, false, noColor)
	return formatter
}

func initCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the configuration file and local database",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, cfg)

			if err := cfg.EnsureDirectories(); err != nil {
				return fmt.Errorf("failed to create directories: %w", err)
			}

			app, err := openApp(cfg, true)
			if err != nil {
				return err
			}
			defer app.Close()

			configPath := filepath.Join(cfg.ConfigDir, "config.toml")
			if _, err := os.Stat(configPath); os.IsNotExist(err) {
				if err := cfg.Save(configPath); err != nil {
					return fmt.Errorf("failed to write configuration: %w", err)
				}
				formatter.Success("Configuration written to %s", configPath)
			}

			formatter.Success("Local database ready at %s", cfg.Database.Path)
			formatter.Println("Device ID: %s", app.recorder.DeviceID())
			if cfg.Sync.ServerURL == "" {
				formatter.Tip("Set a sync server with 'driftsync config set-server <url>'")
			}

			return nil
		},
	}
	return cmd
}

func recordCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record <entity-type> <entity-id> <create|update|delete> [payload-json]",
		Short: "Capture an entity change into the durable queue",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, cfg)

			op := storage.ChangeOp(args[2])
			switch op {
			case storage.ChangeOpCreate, storage.ChangeOpUpdate, storage.ChangeOpDelete:
			default:
				return fmt.Errorf("operation must be create, update or delete, got %q", args[2])
			}

			var payload []byte
			if len(args) == 4 {
				if !json.Valid([]byte(args[3])) {
					return fmt.Errorf("payload must be valid JSON")
				}
				payload = []byte(args[3])
			}
			if op != storage.ChangeOpDelete && payload == nil {
				return fmt.Errorf("create and update require a payload")
			}

			priority, _ := cmd.Flags().GetInt("priority")

			app, err := openApp(cfg, false)
			if err != nil {
				return err
			}
			defer app.Close()

			rec, err := app.recorder.RecordWithPriority(args[0], args[1], op, payload, priority)
			if err != nil {
				return err
			}

			formatter.Success("Change recorded: %s %s/%s (version %d)", rec.Op, rec.EntityType, rec.EntityID, rec.Version)
			return nil
		},
	}
	cmd.Flags().Int("priority", 0, "Queue priority (higher drains first)")
	return cmd
}

func syncCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a push-then-pull sync cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, cfg)

			if cfg.Sync.ServerURL == "" {
				return fmt.Errorf("no sync server configured; run 'driftsync config set-server <url>' first")
			}

			app, err := openApp(cfg, false)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := context.Background()
			app.monitor.Refresh(ctx)

			formatter.Sync("Syncing with %s...", cfg.Sync.ServerURL)
			result, err := app.engine.Sync(ctx)
			if err != nil {
				formatter.Error("Sync finished with errors: %v", err)
			}

			switch result.Skipped {
			case engine.SkipOffline:
				formatter.Warning("Offline, sync skipped")
				return nil
			case engine.SkipAlreadyRunning:
				formatter.Warning("A sync is already running")
				return nil
			}

			formatter.Stats("Pushed %d, failed %d, pulled %d (%d applied), conflicts %d in %s",
				result.Pushed, result.Failed, result.Pulled, result.Applied,
				result.Conflicts, result.Duration.Round(time.Millisecond))

			for _, syncErr := range result.Errors {
				if syncErr.ChangeID != "" {
					formatter.Warning("  %s: %s", syncErr.ChangeID, syncErr.Reason)
				} else {
					formatter.Warning("  operation %d: %s", syncErr.OperationID, syncErr.Reason)
				}
			}
			if result.Conflicts > 0 {
				formatter.Tip("Inspect conflicts with 'driftsync conflicts list'")
			}
			if err != nil {
				return err
			}

			if result.Status == engine.StatusPartial {
				formatter.Warning("Sync finished partially; %d record(s) failed", len(result.Errors))
				return nil
			}
			formatter.Done("Sync complete")
			return nil
		},
	}
	return cmd
}

func statusCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depth, network state and last sync time",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, cfg)

			app, err := openApp(cfg, false)
			if err != nil {
				return err
			}
			defer app.Close()

			if cfg.Sync.ServerURL != "" {
				app.monitor.Refresh(context.Background())
			}

			state, err := app.engine.State()
			if err != nil {
				return err
			}
			stats, err := app.queue.GetStats()
			if err != nil {
				return err
			}

			snap := app.monitor.Snapshot()

			formatter.Header("driftsync status")
			formatter.Println("Network:         %s", state.Network)
			if snap.LastOfflineAt > 0 && state.Network == netmon.StatusOffline {
				formatter.Println("Offline since:   %s", time.UnixMilli(snap.LastOfflineAt).Format(time.RFC3339))
			} else if snap.LastOnlineAt > 0 {
				formatter.Println("Online since:    %s", time.UnixMilli(snap.LastOnlineAt).Format(time.RFC3339))
			}
			autoSync := "disabled"
			if cfg.Sync.AutoSync {
				autoSync = "enabled"
			}
			formatter.Println("Auto-sync:       %s", autoSync)
			if state.LastSyncTime > 0 {
				formatter.Println("Last sync:       %s", time.UnixMilli(state.LastSyncTime).Format(time.RFC3339))
			} else {
				formatter.Println("Last sync:       never")
			}
			formatter.Println("Queue:           %d pending, %d processing, %d failed", stats.Pending, stats.Processing, stats.Failed)
			formatter.Println("Open conflicts:  %d", state.OpenConflicts)
			formatter.Println("Device ID:       %s", app.recorder.DeviceID())
			if cfg.Sync.ServerURL != "" {
				formatter.Println("Server:          %s", cfg.Sync.ServerURL)
			}

			if stats.Failed > 0 {
				formatter.Tip("Retry failed operations with 'driftsync queue retry'")
			}

			return nil
		},
	}
	return cmd
}

func queueCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the durable operation queue",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pending operations in drain order",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, cfg)
			failed, _ := cmd.Flags().GetBool("failed")

			app, err := openApp(cfg, false)
			if err != nil {
				return err
			}
			defer app.Close()

			var ops []*storage.Operation
			if failed {
				ops, err = app.queue.Failed()
			} else {
				ops, err = app.queue.Pending()
			}
			if err != nil {
				return err
			}

			if len(ops) == 0 {
				formatter.Println("Queue is empty")
				return nil
			}

			for _, op := range ops {
				formatter.Println("%6d  %-8s  prio=%d  retries=%d/%d  %s",
					op.ID, op.Kind, op.Priority, op.RetryCount, op.MaxRetries,
					time.UnixMilli(op.CreatedAt).Format(time.RFC3339))
			}
			return nil
		},
	}
	listCmd.Flags().Bool("failed", false, "List terminally failed operations instead")

	retryCmd := &cobra.Command{
		Use:   "retry",
		Short: "Requeue all failed operations with a fresh retry budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, cfg)

			app, err := openApp(cfg, false)
			if err != nil {
				return err
			}
			defer app.Close()

			count, err := app.queue.RetryFailed()
			if err != nil {
				return err
			}
			formatter.Success("Requeued %d failed operation(s)", count)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove all operations from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, cfg)
			force, _ := cmd.Flags().GetBool("force")

			if !force {
				fmt.Print("This discards all queued changes. Continue? [y/N]: ")
				reader := bufio.NewReader(os.Stdin)
				answer, _ := reader.ReadString('\n')
				if strings.ToLower(strings.TrimSpace(answer)) != "y" {
					formatter.Println("Aborted")
					return nil
				}
			}

			app, err := openApp(cfg, false)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.queue.Clear(); err != nil {
				return err
			}
			formatter.Success("Queue cleared")
			return nil
		},
	}
	clearCmd.Flags().Bool("force", false, "Skip confirmation")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, cfg)

			app, err := openApp(cfg, false)
			if err != nil {
				return err
			}
			defer app.Close()

			stats, err := app.queue.GetStats()
			if err != nil {
				return err
			}

			formatter.Stats("pending=%d processing=%d completed=%d failed=%d",
				stats.Pending, stats.Processing, stats.Completed, stats.Failed)
			return nil
		},
	}

	cmd.AddCommand(listCmd, retryCmd, clearCmd, statsCmd)
	return cmd
}

func conflictsCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts awaiting manual resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, cfg)

			app, err := openApp(cfg, false)
			if err != nil {
				return err
			}
			defer app.Close()

			conflicts, err := app.engine.Conflicts()
			if err != nil {
				return err
			}
			if len(conflicts) == 0 {
				formatter.Println("No open conflicts")
				return nil
			}

			for i, c := range conflicts {
				formatter.Println("[%d] %s/%s", i, c.EntityType, c.EntityID)
				formatter.Println("    remote: %s v%d from %s at %s",
					c.Remote.Op, c.Remote.Version, c.Remote.DeviceID,
					time.UnixMilli(c.Remote.Timestamp).Format(time.RFC3339))
				if c.Local != nil {
					formatter.Println("    local:  v%d, %d unsynced change(s)", c.Local.Version, len(c.LocalRecs))
				}
			}
			formatter.Tip("Resolve with 'driftsync conflicts resolve <index> <local|cloud>'")
			return nil
		},
	}

	resolveCmd := &cobra.Command{
		Use:   "resolve <index> <local|cloud>",
		Short: "Resolve an open conflict by choosing a side",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, cfg)

			index, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("index must be a number, got %q", args[0])
			}

			choice, err := resolver.ParseChoice(args[1])
			if err != nil {
				return err
			}

			app, err := openApp(cfg, false)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.engine.ResolveConflict(index, choice); err != nil {
				return err
			}

			formatter.Success("Conflict %d resolved: %s wins", index, args[1])
			return nil
		},
	}

	cmd.AddCommand(listCmd, resolveCmd)
	return cmd
}

func daemonCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background sync daemon",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the sync daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Sync.ServerURL == "" {
				return fmt.Errorf("no sync server configured; run 'driftsync config set-server <url>' first")
			}

			app, err := openApp(cfg, false)
			if err != nil {
				return err
			}

			d := daemon.New(cfg, app.engine, app.monitor, app.bus, app.db)
			return d.Start()
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, cfg)

			pm := daemon.NewPIDManager(cfg.Daemon.PIDFile)
			if !pm.IsRunning() {
				formatter.Println("Daemon is not running")
				return nil
			}

			if err := pm.KillDaemon(); err != nil {
				return err
			}
			formatter.Success("Daemon stopped")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, cfg)

			pm := daemon.NewPIDManager(cfg.Daemon.PIDFile)
			status, err := pm.GetStatus()
			if err != nil {
				return err
			}

			if status.Running {
				formatter.Success("Daemon running (PID %d, up %s)", status.PID, status.Uptime.Round(time.Second))
			} else {
				formatter.Println("Daemon is not running")
				if status.Error != "" {
					formatter.Verbose("%s", status.Error)
				}
			}
			return nil
		},
	}

	cmd.AddCommand(startCmd, stopCmd, statusCmd)
	return cmd
}

func configCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and change configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, cfg)

			formatter.Header("Configuration")
			formatter.Println("Server:            %s", valueOr(cfg.Sync.ServerURL, "(not set)"))
			formatter.Println("Token:             %s", maskToken(cfg.Sync.Token))
			formatter.Println("Auto-sync:         %v (every %s)", cfg.Sync.AutoSync, cfg.GetSyncInterval())
			formatter.Println("Batch size:        %d", cfg.Sync.BatchSize)
			formatter.Println("Conflict strategy: %s", cfg.Sync.ConflictStrategy)
			formatter.Println("Max retries:       %d", cfg.Queue.MaxRetries)
			formatter.Println("Database:          %s", cfg.Database.Path)
			if len(cfg.Sync.ExcludeEntityTypes) > 0 {
				formatter.Println("Excluded types:    %s", strings.Join(cfg.Sync.ExcludeEntityTypes, ", "))
			}
			return nil
		},
	}

	setServerCmd := &cobra.Command{
		Use:   "set-server <url>",
		Short: "Set the sync server URL and API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, cfg)

			url := strings.TrimRight(args[0], "/")
			if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
				return fmt.Errorf("server URL must start with http:// or https://")
			}

			token, err := promptForToken("API token (leave empty to keep current): ")
			if err != nil {
				return fmt.Errorf("failed to read token: %w", err)
			}

			cfg.Sync.ServerURL = url
			if token != "" {
				cfg.Sync.Token = token
			}

			configPath := filepath.Join(cfg.ConfigDir, "config.toml")
			if err := cfg.Save(configPath); err != nil {
				return fmt.Errorf("failed to save configuration: %w", err)
			}

			formatter.Success("Sync server set to %s", url)
			return nil
		},
	}

	setStrategyCmd := &cobra.Command{
		Use:   "set-strategy <local-wins|cloud-wins|latest-wins|manual>",
		Short: "Set the conflict resolution strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, cfg)

			if _, err := resolver.ParseStrategy(args[0]); err != nil {
				return err
			}

			cfg.Sync.ConflictStrategy = args[0]
			configPath := filepath.Join(cfg.ConfigDir, "config.toml")
			if err := cfg.Save(configPath); err != nil {
				return fmt.Errorf("failed to save configuration: %w", err)
			}

			formatter.Success("Conflict strategy set to %s", args[0])
			return nil
		},
	}

	var interval int
	setAutoSyncCmd := &cobra.Command{
		Use:   "set-autosync <on|off>",
		Short: "Enable or disable periodic background sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, cfg)

			switch args[0] {
			case "on":
				cfg.Sync.AutoSync = true
			case "off":
				cfg.Sync.AutoSync = false
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			if interval > 0 {
				cfg.Sync.SyncInterval = interval
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			configPath := filepath.Join(cfg.ConfigDir, "config.toml")
			if err := cfg.Save(configPath); err != nil {
				return fmt.Errorf("failed to save configuration: %w", err)
			}

			if cfg.Sync.AutoSync {
				formatter.Success("Auto-sync enabled (every %s)", cfg.GetSyncInterval())
			} else {
				formatter.Success("Auto-sync disabled")
			}
			formatter.Tip("A running daemon picks this up on SIGHUP or restart")
			return nil
		},
	}
	setAutoSyncCmd.Flags().IntVar(&interval, "interval", 0, "sync interval in seconds")

	cmd.AddCommand(showCmd, setServerCmd, setStrategyCmd, setAutoSyncCmd)
	return cmd
}

// promptForToken reads a secret from the terminal without echoing
func promptForToken(prompt string) (string, error) {
	fmt.Print(prompt)

	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		reader := bufio.NewReader(os.Stdin)
		token, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(token), nil
	}

	token, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(token), nil
}

func maskToken(token string) string {
	if token == "" {
		return "(not set)"
	}
	if len(token) <= 8 {
		return "********"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
