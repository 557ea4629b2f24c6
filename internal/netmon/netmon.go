// Package netmon classifies network connectivity as online, slow, or offline
// and notifies listeners on transitions. Quality is sampled from a pluggable
// provider; production uses an HTTP probe against the sync server.
package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/driftlab/driftsync/internal/config"
	"github.com/driftlab/driftsync/internal/events"
	"github.com/driftlab/driftsync/internal/logger"
)

// Status is the coarse connectivity classification
type Status string

const (
	StatusOnline  Status = "online"
	StatusSlow    Status = "slow"
	StatusOffline Status = "offline"
)

// ConnectionInfo is a single quality sample. Valid reports whether the RTT
// and downlink measurements are usable; a provider that can only observe
// reachability leaves it false and classification falls back to Connected.
type ConnectionInfo struct {
	Connected      bool          `json:"connected"`
	EffectiveClass string        `json:"effective_class,omitempty"`
	RTT            time.Duration `json:"rtt"`
	DownlinkMbps   float64       `json:"downlink_mbps"`
	SaveData       bool          `json:"save_data"`
	Valid          bool          `json:"valid"`
}

// QualityProvider samples current connection quality. Implementations must
// be safe for concurrent use.
type QualityProvider interface {
	Sample(ctx context.Context) ConnectionInfo
}

// StatusChange is published on the event bus when classification changes
type StatusChange struct {
	From Status         `json:"from"`
	To   Status         `json:"to"`
	Info ConnectionInfo `json:"info"`
}

// Monitor periodically samples a QualityProvider and tracks the resulting
// classification. Transitions are published as network:changed events.
type Monitor struct {
	provider QualityProvider
	bus      *events.Bus
	config   *config.Config
	logger   *logger.Logger

	mu          sync.RWMutex
	status      Status
	info        ConnectionInfo
	lastOnline  int64
	lastOffline int64
	cancel      context.CancelFunc
	running     bool
}

// New creates a monitor. The initial status is online until the first sample
// says otherwise.
func New(provider QualityProvider, bus *events.Bus, cfg *config.Config) *Monitor {
	return &Monitor{
		provider: provider,
		bus:      bus,
		config:   cfg,
		logger:   logger.GetLogger().Network(),
		status:   StatusOnline,
	}
}

// Classify maps a quality sample to a status. A connection degrades to slow
// when the transport self-reports a low-bandwidth class, when round-trip
// latency exceeds the configured threshold, or when measured downlink falls
// below the configured floor; data-saver mode is also treated as slow. A
// sample without valid measurements classifies on reachability alone.
func (m *Monitor) Classify(info ConnectionInfo) Status {
	if !info.Connected {
		return StatusOffline
	}
	if info.SaveData {
		return StatusSlow
	}
	switch info.EffectiveClass {
	case "slow-2g", "2g":
		return StatusSlow
	}
	if !info.Valid {
		return StatusOnline
	}
	if info.RTT > m.config.GetSlowRTTThreshold() {
		return StatusSlow
	}
	if info.DownlinkMbps > 0 && info.DownlinkMbps < m.config.Network.SlowDownlinkMbps {
		return StatusSlow
	}
	return StatusOnline
}

// Start begins periodic sampling. Idempotent.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	go m.loop(ctx)
}

// Stop halts sampling. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.cancel()
}

func (m *Monitor) loop(ctx context.Context) {
	// Sample immediately so callers do not wait a full interval for the
	// first real classification.
	m.Refresh(ctx)

	ticker := time.NewTicker(m.config.GetProbeInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Refresh takes a sample now and updates the classification, publishing a
// network:changed event on transition. Returns the new status.
func (m *Monitor) Refresh(ctx context.Context) Status {
	sampleCtx, cancel := context.WithTimeout(ctx, m.config.GetProbeTimeout())
	defer cancel()

	info := m.provider.Sample(sampleCtx)
	next := m.Classify(info)

	m.mu.Lock()
	prev := m.status
	m.status = next
	m.info = info
	if prev != next {
		now := time.Now().UnixMilli()
		if next == StatusOffline {
			m.lastOffline = now
		} else if prev == StatusOffline {
			m.lastOnline = now
		}
	}
	m.mu.Unlock()

	if prev != next {
		m.logger.Info().
			Str("from", string(prev)).
			Str("to", string(next)).
			Dur("rtt", info.RTT).
			Float64("downlink_mbps", info.DownlinkMbps).
			Msg("Network status changed")
		m.bus.Publish(events.NetworkChanged, StatusChange{From: prev, To: next, Info: info})
	}

	return next
}

// Status returns the current classification
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Info returns the most recent quality sample
func (m *Monitor) Info() ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info
}

// Snapshot combines the current classification with the latest sample and
// the times of the last transitions out of and back into connectivity.
type Snapshot struct {
	Status        Status         `json:"status"`
	Info          ConnectionInfo `json:"info"`
	LastOnlineAt  int64          `json:"last_online_at,omitempty"`
	LastOfflineAt int64          `json:"last_offline_at,omitempty"`
}

// Snapshot returns the monitor's current state
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Status:        m.status,
		Info:          m.info,
		LastOnlineAt:  m.lastOnline,
		LastOfflineAt: m.lastOffline,
	}
}

// IsOnline reports whether sync traffic should be attempted at all. Slow
// connections still sync, just with reduced batch sizes upstream.
func (m *Monitor) IsOnline() bool {
	return m.Status() != StatusOffline
}

// HTTPProbe measures connectivity by timing a HEAD request against the sync
// server's health endpoint.
type HTTPProbe struct {
	url    string
	client *http.Client
}

// NewHTTPProbe creates a probe against the given health URL
func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	return &HTTPProbe{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Sample issues the probe request and reports measured round-trip time.
// Downlink is not measurable from a HEAD request and is reported as 0,
// meaning unknown.
func (p *HTTPProbe) Sample(ctx context.Context) ConnectionInfo {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return ConnectionInfo{Connected: false}
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	rtt := time.Since(start)
	if err != nil {
		return ConnectionInfo{Connected: false}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return ConnectionInfo{Connected: false}
	}

	return ConnectionInfo{Connected: true, RTT: rtt, Valid: true}
}

// StaticProvider returns a fixed sample, useful in tests and when probing is
// disabled by configuration.
type StaticProvider struct {
	mu   sync.RWMutex
	info ConnectionInfo
}

// NewStaticProvider creates a provider pinned to the given sample
func NewStaticProvider(info ConnectionInfo) *StaticProvider {
	return &StaticProvider{info: info}
}

// Set replaces the pinned sample
func (p *StaticProvider) Set(info ConnectionInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info = info
}

// Sample returns the pinned sample
func (p *StaticProvider) Sample(_ context.Context) ConnectionInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info
}
