package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"telecall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestMonitor(t *testing.T, cfg MonitorConfig, stats *scriptedStats) *NetworkQualityMonitor {
	t.Helper()
	return NewNetworkQualityMonitor(cfg, stats, NewQualityService(nil), nil, zaptest.NewLogger(t).Sugar())
}

type changeRecorder struct {
	mu      sync.Mutex
	changes []LevelChange
}

func (r *changeRecorder) record(c LevelChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *changeRecorder) Changes() []LevelChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LevelChange{}, r.changes...)
}

func TestMonitor_DowngradeCommitsOnSecondSample(t *testing.T) {
	stats := &scriptedStats{}
	stats.push(sample(0.15, 80), sample(0.15, 80), sample(0.15, 80))
	m := newTestMonitor(t, DefaultMonitorConfig(), stats)
	rec := &changeRecorder{}
	m.OnLevelChange(rec.record)
	ctx := context.Background()

	m.Sample(ctx)
	assert.Equal(t, domain.QualityHigh, m.Level(), "one sample is not enough")
	assert.Empty(t, rec.Changes())

	m.Sample(ctx)
	assert.Equal(t, domain.QualityMedium, m.Level())

	m.Sample(ctx)
	changes := rec.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, domain.QualityHigh, changes[0].From)
	assert.Equal(t, domain.QualityMedium, changes[0].To)
	assert.InDelta(t, 0.15, changes[0].Sample.PacketLossRatio, 1e-9)
}

func TestMonitor_UpgradeNeedsConsecutiveCleanSamples(t *testing.T) {
	cfg := DefaultMonitorConfig()
	cfg.InitialLevel = domain.QualityLow
	stats := &scriptedStats{}
	stats.push(sample(0.01, 50), sample(0.01, 50))
	m := newTestMonitor(t, cfg, stats)

	m.Sample(context.Background())
	assert.Equal(t, domain.QualityLow, m.Level())
	m.Sample(context.Background())
	assert.Equal(t, domain.QualityHigh, m.Level())
}

func TestMonitor_FlappingNeverCommits(t *testing.T) {
	stats := &scriptedStats{}
	for i := 0; i < 4; i++ {
		stats.push(sample(0.3, 80), sample(0.01, 80))
	}
	m := newTestMonitor(t, DefaultMonitorConfig(), stats)
	rec := &changeRecorder{}
	m.OnLevelChange(rec.record)

	for i := 0; i < 8; i++ {
		m.Sample(context.Background())
	}
	assert.Equal(t, domain.QualityHigh, m.Level())
	assert.Empty(t, rec.Changes())
}

func TestMonitor_StaleHoldsLevel(t *testing.T) {
	stats := &scriptedStats{}
	stats.push(sample(0.01, 80), nil, nil, nil, nil, nil)
	m := newTestMonitor(t, DefaultMonitorConfig(), stats)
	ctx := context.Background()

	m.Sample(ctx)
	for i := 1; i <= 2; i++ {
		s := m.Sample(ctx)
		assert.True(t, s.Carried)
		assert.False(t, s.Stale, "miss %d", i)
		assert.False(t, m.Stale())
	}

	s := m.Sample(ctx)
	assert.True(t, s.Stale)
	assert.True(t, m.Stale())
	assert.Equal(t, domain.QualityHigh, m.Level())
	assert.Equal(t, 4, m.HistoryLen())

	latest, ok := m.Latest()
	require.True(t, ok)
	assert.InDelta(t, 80, latest.RTTMs, 1e-9, "stale samples carry the last known values")
}

func TestMonitor_StaleClearsOnFreshSample(t *testing.T) {
	stats := &scriptedStats{}
	stats.push(sample(0.01, 80), nil, nil, nil, sample(0.01, 90))
	m := newTestMonitor(t, DefaultMonitorConfig(), stats)

	for i := 0; i < 4; i++ {
		m.Sample(context.Background())
	}
	require.True(t, m.Stale())

	s := m.Sample(context.Background())
	assert.False(t, s.Stale)
	assert.False(t, s.Carried)
	assert.False(t, m.Stale())
}

func TestMonitor_UnavailableBeforeFirstSampleRecordsNothing(t *testing.T) {
	m := newTestMonitor(t, DefaultMonitorConfig(), &scriptedStats{})

	m.Sample(context.Background())
	_, ok := m.Latest()
	assert.False(t, ok)
	assert.Equal(t, 0, m.HistoryLen())
}

func TestMonitor_HistoryAndWindowBounded(t *testing.T) {
	cfg := DefaultMonitorConfig()
	cfg.HistorySize = 10
	stats := &scriptedStats{}
	stats.push(sample(0.01, 80))
	m := newTestMonitor(t, cfg, stats)

	for i := 0; i < 25; i++ {
		m.Sample(context.Background())
	}
	assert.Equal(t, 10, m.HistoryLen())
	assert.Len(t, m.Window(), cfg.WindowSize)
}

type blockingStats struct{}

func (blockingStats) GetStats(ctx context.Context) (domain.QualitySample, error) {
	<-ctx.Done()
	return domain.QualitySample{}, ctx.Err()
}

func TestMonitor_PollTimeoutBoundsSlowSource(t *testing.T) {
	cfg := DefaultMonitorConfig()
	cfg.Interval = time.Second
	cfg.PollTimeout = 20 * time.Millisecond
	m := NewNetworkQualityMonitor(cfg, blockingStats{}, nil, nil, zaptest.NewLogger(t).Sugar())

	start := time.Now()
	m.Sample(context.Background())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestMonitor_PauseStopsSampling(t *testing.T) {
	cfg := DefaultMonitorConfig()
	cfg.Interval = 10 * time.Millisecond
	stats := &scriptedStats{}
	stats.push(sample(0.01, 80))
	m := newTestMonitor(t, cfg, stats)

	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool { return m.HistoryLen() > 0 }, time.Second, 5*time.Millisecond)

	m.Pause()
	assert.True(t, m.Paused())
	time.Sleep(30 * time.Millisecond)
	paused := m.HistoryLen()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, paused, m.HistoryLen(), "no samples while paused")

	m.Resume()
	require.Eventually(t, func() bool { return m.HistoryLen() > paused }, time.Second, 5*time.Millisecond)
}

func TestMonitor_StopIsIdempotent(t *testing.T) {
	m := newTestMonitor(t, DefaultMonitorConfig(), &scriptedStats{})
	m.Start(context.Background())
	m.Stop()
	m.Stop()
}
