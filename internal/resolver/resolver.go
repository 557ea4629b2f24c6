// Package resolver decides what happens when a pulled remote change collides
// with unsynced local changes to the same entity. Automatic strategies pick a
// side immediately; the manual strategy defers to an explicit decision and the
// conflict is parked durably by the engine.
package resolver

import (
	"fmt"
	"sync"

	"github.com/driftlab/driftsync/internal/events"
	"github.com/driftlab/driftsync/internal/logger"
	"github.com/driftlab/driftsync/internal/remote"
	"github.com/driftlab/driftsync/internal/storage"
)

// Strategy selects the automatic resolution policy
type Strategy string

const (
	StrategyLocalWins  Strategy = "local-wins"
	StrategyCloudWins  Strategy = "cloud-wins"
	StrategyLatestWins Strategy = "latest-wins"
	StrategyManual     Strategy = "manual"
)

// ParseStrategy validates a strategy name
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyLocalWins, StrategyCloudWins, StrategyLatestWins, StrategyManual:
		return Strategy(s), nil
	case "":
		return StrategyManual, nil
	default:
		return "", fmt.Errorf("unknown conflict strategy %q", s)
	}
}

// Choice is a resolution decision for one conflict
type Choice string

const (
	ChooseLocal Choice = "local"
	ChooseCloud Choice = "cloud"
)

// ParseChoice validates a resolution choice
func ParseChoice(s string) (Choice, error) {
	switch Choice(s) {
	case ChooseLocal, ChooseCloud:
		return Choice(s), nil
	default:
		return "", fmt.Errorf("invalid resolution choice %q", s)
	}
}

// Conflict pairs a pulled remote change with the colliding local state
type Conflict struct {
	EntityType string                  `json:"entity_type"`
	EntityID   string                  `json:"entity_id"`
	Remote     remote.Change           `json:"remote"`
	Local      *storage.LocalEntity    `json:"local"`
	LocalRecs  []*storage.ChangeRecord `json:"local_records"`
	DetectedAt int64                   `json:"detected_at"`
}

// Resolver applies the configured strategy. Safe for concurrent use.
type Resolver struct {
	bus    *events.Bus
	logger *logger.Logger

	mu       sync.Mutex
	strategy Strategy
}

// New creates a resolver with the given strategy
func New(strategy Strategy, bus *events.Bus) *Resolver {
	return &Resolver{
		strategy: strategy,
		bus:      bus,
		logger:   logger.GetLogger().WithComponent("resolver"),
	}
}

// SetStrategy changes the strategy for subsequently detected conflicts.
// Already-parked conflicts keep waiting for a manual decision.
func (r *Resolver) SetStrategy(strategy Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = strategy
}

// Strategy returns the active strategy
func (r *Resolver) Strategy() Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.strategy
}

// Resolve decides a conflict under the active strategy. Under the manual
// strategy the conflict is reported with resolved=false; callers must not
// apply either side until an explicit decision arrives.
func (r *Resolver) Resolve(c Conflict) (Choice, bool) {
	r.mu.Lock()
	strategy := r.strategy
	r.mu.Unlock()

	switch strategy {
	case StrategyLocalWins:
		r.logConflict(c, strategy, ChooseLocal)
		return ChooseLocal, true
	case StrategyCloudWins:
		r.logConflict(c, strategy, ChooseCloud)
		return ChooseCloud, true
	case StrategyLatestWins:
		choice := ChooseCloud
		if c.Local != nil && len(c.LocalRecs) > 0 && c.LocalRecs[len(c.LocalRecs)-1].Timestamp > c.Remote.Timestamp {
			choice = ChooseLocal
		}
		r.logConflict(c, strategy, choice)
		return choice, true
	default:
		r.logger.Warn().
			Str("entity", c.EntityType+"/"+c.EntityID).
			Msg("Conflict requires manual resolution")
		r.bus.Publish(events.SyncConflict, c)

		return "", false
	}
}

func (r *Resolver) logConflict(c Conflict, strategy Strategy, choice Choice) {
	r.logger.Info().
		Str("entity", c.EntityType+"/"+c.EntityID).
		Str("strategy", string(strategy)).
		Str("choice", string(choice)).
		Msg("Conflict resolved automatically")
	r.bus.Publish(events.SyncConflict, c)
}
