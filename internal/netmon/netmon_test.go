package netmon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/driftsync/internal/config"
	"github.com/driftlab/driftsync/internal/events"
)

func newTestMonitor(t *testing.T, provider QualityProvider) (*Monitor, *events.Bus) {
	t.Helper()
	cfg := config.DefaultConfig()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return New(provider, bus, cfg), bus
}

func TestClassify(t *testing.T) {
	m, _ := newTestMonitor(t, NewStaticProvider(ConnectionInfo{}))

	tests := []struct {
		name string
		info ConnectionInfo
		want Status
	}{
		{"disconnected", ConnectionInfo{Connected: false}, StatusOffline},
		{"fast link", ConnectionInfo{Connected: true, Valid: true, RTT: 50 * time.Millisecond, DownlinkMbps: 20}, StatusOnline},
		{"rtt at threshold", ConnectionInfo{Connected: true, Valid: true, RTT: 1000 * time.Millisecond}, StatusOnline},
		{"rtt above threshold", ConnectionInfo{Connected: true, Valid: true, RTT: 1001 * time.Millisecond}, StatusSlow},
		{"downlink below floor", ConnectionInfo{Connected: true, Valid: true, RTT: 50 * time.Millisecond, DownlinkMbps: 0.4}, StatusSlow},
		{"downlink at floor", ConnectionInfo{Connected: true, Valid: true, RTT: 50 * time.Millisecond, DownlinkMbps: 0.5}, StatusOnline},
		{"downlink unknown", ConnectionInfo{Connected: true, Valid: true, RTT: 50 * time.Millisecond, DownlinkMbps: 0}, StatusOnline},
		{"data saver", ConnectionInfo{Connected: true, Valid: true, RTT: 50 * time.Millisecond, DownlinkMbps: 20, SaveData: true}, StatusSlow},
		{"low-bandwidth class 2g", ConnectionInfo{Connected: true, EffectiveClass: "2g"}, StatusSlow},
		{"low-bandwidth class slow-2g", ConnectionInfo{Connected: true, EffectiveClass: "slow-2g"}, StatusSlow},
		{"fast class with good link", ConnectionInfo{Connected: true, EffectiveClass: "4g", Valid: true, RTT: 50 * time.Millisecond, DownlinkMbps: 20}, StatusOnline},
		{"invalid sample classifies on reachability", ConnectionInfo{Connected: true, RTT: 5 * time.Second}, StatusOnline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Classify(tt.info))
		})
	}
}

func TestRefreshPublishesTransitions(t *testing.T) {
	provider := NewStaticProvider(ConnectionInfo{Connected: true, RTT: 20 * time.Millisecond})
	m, bus := newTestMonitor(t, provider)

	sub := bus.Subscribe(events.NetworkChanged)
	defer bus.Unsubscribe(sub)

	ctx := context.Background()

	// online -> online: no event
	assert.Equal(t, StatusOnline, m.Refresh(ctx))
	select {
	case <-sub.C:
		t.Fatal("no transition should publish no event")
	case <-time.After(50 * time.Millisecond):
	}

	// online -> offline
	provider.Set(ConnectionInfo{Connected: false})
	assert.Equal(t, StatusOffline, m.Refresh(ctx))

	ev := <-sub.C
	change, ok := ev.Data.(StatusChange)
	require.True(t, ok)
	assert.Equal(t, StatusOnline, change.From)
	assert.Equal(t, StatusOffline, change.To)

	// offline -> online
	provider.Set(ConnectionInfo{Connected: true, RTT: 20 * time.Millisecond})
	assert.Equal(t, StatusOnline, m.Refresh(ctx))

	ev = <-sub.C
	change = ev.Data.(StatusChange)
	assert.Equal(t, StatusOffline, change.From)
	assert.Equal(t, StatusOnline, change.To)
}

func TestTransitionTimestamps(t *testing.T) {
	provider := NewStaticProvider(ConnectionInfo{Connected: true})
	m, _ := newTestMonitor(t, provider)

	ctx := context.Background()
	m.Refresh(ctx)

	snap := m.Snapshot()
	assert.Zero(t, snap.LastOfflineAt, "no transition recorded yet")
	assert.Zero(t, snap.LastOnlineAt)

	provider.Set(ConnectionInfo{Connected: false})
	m.Refresh(ctx)

	snap = m.Snapshot()
	assert.Equal(t, StatusOffline, snap.Status)
	assert.NotZero(t, snap.LastOfflineAt)
	assert.Zero(t, snap.LastOnlineAt)

	provider.Set(ConnectionInfo{Connected: true})
	m.Refresh(ctx)

	snap = m.Snapshot()
	assert.Equal(t, StatusOnline, snap.Status)
	assert.NotZero(t, snap.LastOnlineAt)
	assert.GreaterOrEqual(t, snap.LastOnlineAt, snap.LastOfflineAt)
}

func TestIsOnline(t *testing.T) {
	provider := NewStaticProvider(ConnectionInfo{Connected: true, Valid: true, RTT: 2 * time.Second})
	m, _ := newTestMonitor(t, provider)

	m.Refresh(context.Background())
	assert.Equal(t, StatusSlow, m.Status())
	assert.True(t, m.IsOnline(), "slow links still sync")

	provider.Set(ConnectionInfo{Connected: false})
	m.Refresh(context.Background())
	assert.False(t, m.IsOnline())
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	probe := NewHTTPProbe(srv.URL, time.Second)
	info := probe.Sample(context.Background())
	assert.True(t, info.Connected)
	assert.True(t, info.Valid)
	assert.Greater(t, info.RTT, time.Duration(0))
}

func TestHTTPProbeUnreachable(t *testing.T) {
	probe := NewHTTPProbe("http://127.0.0.1:1", 200*time.Millisecond)
	info := probe.Sample(context.Background())
	assert.False(t, info.Connected)
}

func TestHTTPProbeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	probe := NewHTTPProbe(srv.URL, time.Second)
	info := probe.Sample(context.Background())
	assert.False(t, info.Connected)
}
