package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"telecall/internal/core/domain"
	"telecall/internal/core/ports"

	"go.uber.org/zap"
)

// MonitorConfig controls sampling cadence, smoothing and debouncing.
type MonitorConfig struct {
	Interval     time.Duration
	PollTimeout  time.Duration
	WindowSize   int
	StaleAfter   int
	CommitAfter  int
	HistorySize  int
	InitialLevel domain.QualityLevel
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:     2 * time.Second,
		PollTimeout:  500 * time.Millisecond,
		WindowSize:   5,
		StaleAfter:   3,
		CommitAfter:  2,
		HistorySize:  100,
		InitialLevel: domain.QualityHigh,
	}
}

// LevelChange is delivered to listeners when a level is committed.
type LevelChange struct {
	From   domain.QualityLevel
	To     domain.QualityLevel
	Sample domain.QualitySample
}

// NetworkQualityMonitor polls a stats source on a timer and commits quality
// levels once a candidate has held for CommitAfter consecutive samples.
type NetworkQualityMonitor struct {
	cfg     MonitorConfig
	source  ports.StatsSource
	quality *QualityService
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu           sync.RWMutex
	history      []domain.QualitySample
	window       []domain.QualitySample
	misses       int
	committed    domain.QualityLevel
	pending      domain.QualityLevel
	pendingCount int
	listeners    []func(LevelChange)

	pauseMu sync.Mutex
	paused  bool
	wake    chan struct{}

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewNetworkQualityMonitor(
	cfg MonitorConfig,
	source ports.StatsSource,
	quality *QualityService,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *NetworkQualityMonitor {
	def := DefaultMonitorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.PollTimeout <= 0 || cfg.PollTimeout > cfg.Interval {
		cfg.PollTimeout = cfg.Interval / 4
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.CommitAfter <= 0 {
		cfg.CommitAfter = def.CommitAfter
	}
	if cfg.HistorySize < cfg.WindowSize {
		cfg.HistorySize = def.HistorySize
	}
	if quality == nil {
		quality = NewQualityService(nil)
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &NetworkQualityMonitor{
		cfg:       cfg,
		source:    source,
		quality:   quality,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		committed: cfg.InitialLevel,
		pending:   cfg.InitialLevel,
		wake:      make(chan struct{}, 1),
	}
}

// OnLevelChange registers a listener. Listeners run on the sampling
// goroutine and must not block.
func (m *NetworkQualityMonitor) OnLevelChange(fn func(LevelChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Start launches the sampling loop. It returns immediately.
func (m *NetworkQualityMonitor) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(loopCtx)
}

// Stop cancels the sampling loop and waits for it to exit.
func (m *NetworkQualityMonitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			return
		}
		m.cancel()
		<-m.done
	})
}

// Pause suspends the timer; no samples are taken until Resume.
func (m *NetworkQualityMonitor) Pause() {
	m.setPaused(true)
}

// Resume restarts the timer from now.
func (m *NetworkQualityMonitor) Resume() {
	m.setPaused(false)
}

func (m *NetworkQualityMonitor) setPaused(paused bool) {
	m.pauseMu.Lock()
	changed := m.paused != paused
	m.paused = paused
	m.pauseMu.Unlock()

	if !changed {
		return
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Paused reports whether the timer is suspended.
func (m *NetworkQualityMonitor) Paused() bool {
	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()
	return m.paused
}

func (m *NetworkQualityMonitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	if m.Paused() {
		ticker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			if m.Paused() {
				ticker.Stop()
			} else {
				ticker.Reset(m.cfg.Interval)
			}
		case <-ticker.C:
			if m.Paused() {
				continue
			}
			m.Sample(ctx)
		}
	}
}

// Sample performs one poll and evaluation. The poll is bounded by
// PollTimeout so a slow source cannot stall the timer.
func (m *NetworkQualityMonitor) Sample(ctx context.Context) domain.QualitySample {
	pollCtx, cancel := context.WithTimeout(ctx, m.cfg.PollTimeout)
	sample, err := m.source.GetStats(pollCtx)
	cancel()

	m.mu.Lock()
	record, ok := m.record(sample, err)
	if !ok {
		m.mu.Unlock()
		return record
	}
	change, committed := m.evaluate(record)
	listeners := append([]func(LevelChange){}, m.listeners...)
	m.mu.Unlock()

	m.metrics.RecordSample(record)
	if committed {
		m.logger.Infow("quality level committed",
			"from", change.From,
			"to", change.To,
			"rtt_ms", record.RTTMs,
			"packet_loss", record.PacketLossRatio,
			"jitter_ms", record.JitterMs,
		)
		m.metrics.RecordLevelCommitted(change.From, change.To)
		for _, fn := range listeners {
			fn(change)
		}
	}
	return record
}

// record appends the sample, carrying the previous values forward when the
// source was unavailable. Returns false when there is nothing to carry.
func (m *NetworkQualityMonitor) record(sample domain.QualitySample, err error) (domain.QualitySample, bool) {
	now := m.now().UnixMilli()

	if err != nil {
		m.misses++
		if !errors.Is(err, domain.ErrStatsUnavailable) {
			m.logger.Debugw("stats poll failed", "error", err, "misses", m.misses)
		}
		if len(m.history) == 0 {
			return domain.QualitySample{TimestampMs: now, Stale: m.misses >= m.cfg.StaleAfter}, false
		}
		sample = m.history[len(m.history)-1]
		sample.Carried = true
		sample.Stale = m.misses >= m.cfg.StaleAfter
		if sample.Stale && m.misses == m.cfg.StaleAfter {
			m.logger.Warnw("stats source stale, holding quality level",
				"misses", m.misses,
				"level", m.committed,
			)
		}
	} else {
		m.misses = 0
		sample.Carried = false
		sample.Stale = false
	}
	if sample.TimestampMs == 0 || sample.Carried {
		sample.TimestampMs = now
	}

	m.history = append(m.history, sample)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
	m.window = append(m.window, sample)
	if len(m.window) > m.cfg.WindowSize {
		m.window = m.window[len(m.window)-m.cfg.WindowSize:]
	}
	return sample, true
}

// evaluate advances the debounce. Stale samples leave it untouched.
func (m *NetworkQualityMonitor) evaluate(sample domain.QualitySample) (LevelChange, bool) {
	if sample.Stale {
		return LevelChange{}, false
	}

	candidate := m.quality.Candidate(m.committed, sample, m.window)
	if candidate == m.committed {
		m.pending = m.committed
		m.pendingCount = 0
		return LevelChange{}, false
	}

	if candidate == m.pending {
		m.pendingCount++
	} else {
		m.pending = candidate
		m.pendingCount = 1
	}
	if m.pendingCount < m.cfg.CommitAfter {
		return LevelChange{}, false
	}

	change := LevelChange{From: m.committed, To: candidate, Sample: sample}
	m.committed = candidate
	m.pendingCount = 0
	return change, true
}

// Level returns the committed level.
func (m *NetworkQualityMonitor) Level() domain.QualityLevel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.committed
}

// Latest returns the most recent sample.
func (m *NetworkQualityMonitor) Latest() (domain.QualitySample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return domain.QualitySample{}, false
	}
	return m.history[len(m.history)-1], true
}

// Window returns a copy of the smoothing window, oldest first.
func (m *NetworkQualityMonitor) Window() []domain.QualitySample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.QualitySample, len(m.window))
	copy(out, m.window)
	return out
}

// Stale reports whether the source has missed StaleAfter polls in a row.
func (m *NetworkQualityMonitor) Stale() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.misses >= m.cfg.StaleAfter
}

// HistoryLen returns how many samples are retained.
func (m *NetworkQualityMonitor) HistoryLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history)
}
