package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"telecall/internal/core/domain"
	"telecall/internal/core/ports"

	"go.uber.org/zap"
)

// SessionConfig configures one call.
type SessionConfig struct {
	CallID      domain.CallID
	LocalPeer   domain.PeerID
	RemotePeer  domain.PeerID
	Tracks      []domain.TrackKind
	Audio       AudioConfig
	Monitor     MonitorConfig
	Thresholds  map[domain.QualityLevel]LevelThreshold
	Profiles    map[domain.QualityLevel]domain.QualityProfile
	Negotiation NegotiationConfig
	EventBuffer int
}

// SessionDeps are the collaborators a call is wired to.
type SessionDeps struct {
	Engine    ports.DescriptionEngine
	Media     ports.MediaController
	Signaling ports.SignalingChannel
	Stats     ports.StatsSource
	Sink      ports.TranscriptionSink
	Metrics   ports.CallMetrics
	Logger    *zap.SugaredLogger
}

// SessionSnapshot is a read-only view for the control surface.
type SessionSnapshot struct {
	CallID             domain.CallID `json:"call_id"`
	LocalPeer          domain.PeerID `json:"local_peer"`
	RemotePeer         domain.PeerID `json:"remote_peer"`
	Role               string        `json:"role"`
	NegotiationState   string        `json:"negotiation_state"`
	BufferedCandidates int           `json:"buffered_candidates"`
	QualityLevel       string        `json:"quality_level"`
	StatsStale         bool          `json:"stats_stale"`
	AppliedBitrateKbps int           `json:"applied_bitrate_kbps"`
	AppliedResolution  string        `json:"applied_resolution"`
	VideoEnabled       bool          `json:"video_enabled"`
	Visibility         string        `json:"visibility"`
	FramesEmitted      uint64        `json:"frames_emitted"`
	StartedAt          time.Time     `json:"started_at"`
	Ended              bool          `json:"ended"`
	Error              string        `json:"error,omitempty"`
}

// CallSession owns every component of one call and runs a single event loop
// through which all state-changing callbacks are serialized. The audio path
// runs on its own goroutine and never waits on the loop.
type CallSession struct {
	cfg     SessionConfig
	deps    SessionDeps
	role    domain.PeerRole
	logger  *zap.SugaredLogger
	metrics ports.CallMetrics

	encoder     *AudioFrameEncoder
	monitor     *NetworkQualityMonitor
	controller  *AdaptiveQualityController
	negotiation *NegotiationStateMachine
	visibility  *VisibilityCoordinator

	events chan func(context.Context)
	done   chan struct{}
	audio  sync.WaitGroup

	lifeMu    sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
	ended     bool
	endOnce   sync.Once

	failMu    sync.Mutex
	failErr   error
	onFailure []func(error)
}

func NewCallSession(cfg SessionConfig, deps SessionDeps) (*CallSession, error) {
	if deps.Engine == nil || deps.Media == nil || deps.Signaling == nil || deps.Stats == nil {
		return nil, fmt.Errorf("call %s: missing collaborator", cfg.CallID)
	}
	role, err := domain.AssignRole(cfg.LocalPeer, cfg.RemotePeer)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", cfg.CallID, err)
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if len(cfg.Tracks) == 0 {
		cfg.Tracks = []domain.TrackKind{domain.TrackAudio, domain.TrackVideo}
	}

	logger := deps.Logger.With("call_id", cfg.CallID)
	encoder, err := NewAudioFrameEncoder(cfg.Audio, deps.Sink, deps.Metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("call %s: audio encoder: %w", cfg.CallID, err)
	}

	s := &CallSession{
		cfg:     cfg,
		deps:    deps,
		role:    role,
		logger:  logger,
		metrics: deps.Metrics,
		encoder: encoder,
		events:  make(chan func(context.Context), cfg.EventBuffer),
		done:    make(chan struct{}),
	}

	s.negotiation = NewNegotiationStateMachine(cfg.Negotiation, cfg.LocalPeer, role, deps.Engine, deps.Signaling, deps.Metrics, logger)
	s.monitor = NewNetworkQualityMonitor(cfg.Monitor, deps.Stats, NewQualityService(cfg.Thresholds), deps.Metrics, logger)
	s.visibility = NewVisibilityCoordinator(s.negotiation, logger, s.monitor)
	s.controller = NewAdaptiveQualityController(deps.Media, s.visibility, cfg.Profiles, deps.Metrics, logger)
	return s, nil
}

func (s *CallSession) ID() domain.CallID {
	return s.cfg.CallID
}

func (s *CallSession) Role() domain.PeerRole {
	return s.role
}

// OnFailure registers a listener for call-level failures.
func (s *CallSession) OnFailure(fn func(error)) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.onFailure = append(s.onFailure, fn)
}

// Err returns the failure that ended the call, if any.
func (s *CallSession) Err() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failErr
}

// Start wires the components and begins the call. audio carries capture
// blocks; a nil channel means there is no input device. A call that has been
// ended cannot be started.
func (s *CallSession) Start(ctx context.Context, audio <-chan []float32) error {
	if audio == nil {
		return fmt.Errorf("call %s: %w", s.cfg.CallID, domain.ErrNoAudioInput)
	}

	s.lifeMu.Lock()
	if s.ended {
		s.lifeMu.Unlock()
		return fmt.Errorf("call %s: %w", s.cfg.CallID, domain.ErrCallEnded)
	}
	if s.ctx != nil {
		s.lifeMu.Unlock()
		return fmt.Errorf("call %s already started", s.cfg.CallID)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startedAt = time.Now()
	s.audio.Add(1)
	runCtx := s.ctx
	s.lifeMu.Unlock()

	s.deps.Signaling.OnMessage(func(msg domain.SignalMessage) {
		s.post(func(ctx context.Context) {
			if err := s.negotiation.HandleMessage(ctx, msg); err != nil && !errors.Is(err, domain.ErrCallEnded) {
				s.logger.Warnw("signaling message not applied", "kind", msg.Kind, "error", err)
			}
		})
	})
	s.monitor.OnLevelChange(func(change LevelChange) {
		s.post(func(ctx context.Context) {
			if _, err := s.controller.Apply(ctx, change.To); err != nil {
				s.logger.Warnw("quality change not applied", "level", change.To, "error", err)
			}
		})
	})
	s.negotiation.OnFailed(s.fail)

	go s.loop(runCtx)

	go func() {
		defer s.audio.Done()
		s.encoder.Run(runCtx, audio)
	}()

	s.monitor.Start(runCtx)
	s.metrics.RecordCallStarted()

	s.post(func(ctx context.Context) {
		for _, kind := range s.cfg.Tracks {
			if err := s.deps.Media.AddTrack(kind); err != nil {
				s.logger.Warnw("failed to add local track", "kind", kind, "error", err)
			}
		}
		// A profile without video removes the track and starts its own
		// negotiation through the visibility gate.
		if _, err := s.controller.Apply(ctx, s.monitor.Level()); err != nil {
			s.logger.Warnw("initial profile not applied", "error", err)
		}
		if s.negotiation.State() == domain.StateStable {
			s.negotiate(ctx)
		}
	})

	s.logger.Infow("call started",
		"local_peer", s.cfg.LocalPeer,
		"remote_peer", s.cfg.RemotePeer,
		"role", s.role,
	)
	return nil
}

func (s *CallSession) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case ev := <-s.events:
			// Cancellation wins over anything already queued.
			if ctx.Err() != nil {
				s.shutdown()
				return
			}
			ev(ctx)
		}
	}
}

// runContext returns the loop context, or nil before Start.
func (s *CallSession) runContext() context.Context {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.ctx
}

// post queues an event for the loop. Events posted before Start or after the
// call ended are dropped.
func (s *CallSession) post(ev func(context.Context)) bool {
	ctx := s.runContext()
	if ctx == nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *CallSession) negotiate(ctx context.Context) {
	if err := s.negotiation.NegotiationNeeded(ctx); err != nil && !errors.Is(err, domain.ErrCallEnded) {
		s.logger.Warnw("negotiation not started", "error", err)
	}
}

// NegotiationNeeded queues a local need to renegotiate.
func (s *CallSession) NegotiationNeeded() error {
	if !s.post(s.negotiate) {
		return domain.ErrCallEnded
	}
	return nil
}

// AddTrack adds a local track and renegotiates.
func (s *CallSession) AddTrack(kind domain.TrackKind) error {
	return s.changeTrack(kind, s.deps.Media.AddTrack)
}

// RemoveTrack removes a local track and renegotiates.
func (s *CallSession) RemoveTrack(kind domain.TrackKind) error {
	return s.changeTrack(kind, s.deps.Media.RemoveTrack)
}

func (s *CallSession) changeTrack(kind domain.TrackKind, change func(domain.TrackKind) error) error {
	result := make(chan error, 1)
	if !s.post(func(ctx context.Context) {
		if err := change(kind); err != nil {
			result <- err
			return
		}
		s.negotiate(ctx)
		result <- nil
	}) {
		return domain.ErrCallEnded
	}
	select {
	case err := <-result:
		return err
	case <-s.done:
		return domain.ErrCallEnded
	}
}

// SetVisibility forwards a page visibility change.
func (s *CallSession) SetVisibility(state domain.VisibilityState) error {
	if !s.post(func(ctx context.Context) {
		if err := s.visibility.SetVisibility(ctx, state); err != nil {
			s.logger.Warnw("visibility change failed", "state", state, "error", err)
		}
	}) {
		return domain.ErrCallEnded
	}
	return nil
}

// SendLocalCandidate forwards a locally gathered candidate. It goes through
// the loop so it is never sent ahead of the offer it belongs to.
func (s *CallSession) SendLocalCandidate(candidate domain.ICECandidate) {
	s.post(func(ctx context.Context) {
		if err := s.deps.Signaling.Send(ctx, domain.CandidateMessage(s.cfg.LocalPeer, candidate)); err != nil {
			s.logger.Warnw("failed to send local candidate", "error", err)
		}
	})
}

// fail runs inside the loop with the negotiation lock held, so it only
// records and cancels; shutdown happens when the loop sees cancellation.
func (s *CallSession) fail(err error) {
	s.failMu.Lock()
	if s.failErr == nil {
		s.failErr = err
	}
	listeners := append([]func(error){}, s.onFailure...)
	s.failMu.Unlock()

	s.logger.Errorw("call failed", "error", err)
	s.lifeMu.Lock()
	cancel := s.cancel
	s.lifeMu.Unlock()
	cancel()
	go func() {
		for _, fn := range listeners {
			fn(err)
		}
	}()
}

// End stops the call. Timers are cancelled, and any in-flight offer and
// buffered candidates are discarded before End returns.
func (s *CallSession) End() {
	s.endOnce.Do(func() {
		s.lifeMu.Lock()
		s.ended = true
		cancel := s.cancel
		s.lifeMu.Unlock()

		if cancel == nil {
			close(s.done)
			return
		}
		cancel()
		<-s.done
		s.audio.Wait()
	})
}

// Done is closed once the call has fully stopped.
func (s *CallSession) Done() <-chan struct{} {
	return s.done
}

func (s *CallSession) shutdown() {
	s.monitor.Stop()
	s.negotiation.Close()
	s.metrics.RecordCallEnded(time.Since(s.startedAt))
	s.logger.Infow("call ended",
		"duration", time.Since(s.startedAt),
		"frames_emitted", s.encoder.FramesEmitted(),
	)
}

// Snapshot reads each component's public state.
func (s *CallSession) Snapshot() SessionSnapshot {
	s.lifeMu.Lock()
	startedAt := s.startedAt
	s.lifeMu.Unlock()

	snap := SessionSnapshot{
		CallID:             s.cfg.CallID,
		LocalPeer:          s.cfg.LocalPeer,
		RemotePeer:         s.cfg.RemotePeer,
		Role:               s.role.String(),
		NegotiationState:   s.negotiation.State().String(),
		BufferedCandidates: s.negotiation.BufferedCandidates(),
		QualityLevel:       s.monitor.Level().String(),
		StatsStale:         s.monitor.Stale(),
		Visibility:         s.visibility.State().String(),
		FramesEmitted:      s.encoder.FramesEmitted(),
		StartedAt:          startedAt,
	}
	if profile, ok := s.controller.Applied(); ok {
		snap.AppliedBitrateKbps = profile.MaxBitrateKbps
		snap.AppliedResolution = profile.Resolution.String()
		snap.VideoEnabled = profile.VideoEnabled
	}
	select {
	case <-s.done:
		snap.Ended = true
	default:
	}
	if err := s.Err(); err != nil {
		snap.Error = err.Error()
	}
	return snap
}
