package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"telecall/internal/core/domain"
	"telecall/internal/core/ports"
	"telecall/pkg/tracing"

	"go.uber.org/zap"
)

// negotiationTransitions lists the legal moves out of each state.
var negotiationTransitions = map[domain.NegotiationState][]domain.NegotiationState{
	domain.StateStable:          {domain.StateHaveLocalOffer, domain.StateHaveRemoteOffer},
	domain.StateHaveLocalOffer:  {domain.StateSettling, domain.StateHaveRemoteOffer, domain.StateStable},
	domain.StateHaveRemoteOffer: {domain.StateStable},
	domain.StateSettling:        {domain.StateStable},
}

type NegotiationConfig struct {
	// MaxRetries bounds how many reset-and-reoffer cycles a call may run
	// before negotiation is declared exhausted.
	MaxRetries int
}

func DefaultNegotiationConfig() NegotiationConfig {
	return NegotiationConfig{MaxRetries: 3}
}

// NegotiationStateMachine implements perfect negotiation for one call. It is
// the only writer of the negotiation state; every method takes the lock for
// its full duration so transitions are never observed half-done.
type NegotiationStateMachine struct {
	local      domain.PeerID
	role       domain.PeerRole
	engine     ports.DescriptionEngine
	signaling  ports.SignalingChannel
	metrics    ports.CallMetrics
	logger     *zap.SugaredLogger
	maxRetries int

	mu                   sync.Mutex
	state                domain.NegotiationState
	candidates           []domain.ICECandidate
	remoteDescriptionSet bool
	ignoreOffer          bool
	pendingNeed          bool
	failures             int
	lastRemoteOffer      string
	offerStartedAt       time.Time
	closed               bool
	terminalErr          error
	onFailed             []func(error)
}

func NewNegotiationStateMachine(
	cfg NegotiationConfig,
	local domain.PeerID,
	role domain.PeerRole,
	engine ports.DescriptionEngine,
	signaling ports.SignalingChannel,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *NegotiationStateMachine {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultNegotiationConfig().MaxRetries
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &NegotiationStateMachine{
		local:      local,
		role:       role,
		engine:     engine,
		signaling:  signaling,
		metrics:    metrics,
		logger:     logger.With("peer_id", local, "role", role),
		maxRetries: cfg.MaxRetries,
		state:      domain.StateStable,
	}
}

// OnFailed registers a listener for the terminal negotiation failure.
// Listeners run with the machine locked and must not call back into it.
func (m *NegotiationStateMachine) OnFailed(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailed = append(m.onFailed, fn)
}

func (m *NegotiationStateMachine) Role() domain.PeerRole {
	return m.role
}

func (m *NegotiationStateMachine) State() domain.NegotiationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HasPendingOffer reports whether a local offer is outstanding.
func (m *NegotiationStateMachine) HasPendingOffer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == domain.StateHaveLocalOffer || m.state == domain.StateSettling
}

// BufferedCandidates returns how many remote candidates await a remote
// description.
func (m *NegotiationStateMachine) BufferedCandidates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.candidates)
}

// Failures returns the reset cycles used since the last successful exchange.
func (m *NegotiationStateMachine) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Err returns the terminal error once negotiation is exhausted.
func (m *NegotiationStateMachine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminalErr
}

// NegotiationNeeded starts an offer when stable. Needs that arrive mid
// exchange are coalesced and replayed once the machine is stable again.
func (m *NegotiationStateMachine) NegotiationNeeded(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpenLocked(); err != nil {
		return err
	}
	if m.state != domain.StateStable {
		m.pendingNeed = true
		m.logger.Debugw("negotiation deferred until stable", "state", m.state)
		return nil
	}
	return m.offerLocked(ctx)
}

// HandleMessage applies one message from the remote peer.
func (m *NegotiationStateMachine) HandleMessage(ctx context.Context, msg domain.SignalMessage) error {
	ctx, span := tracing.StartSpan(ctx, "negotiation.handle_"+string(msg.Kind))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	tracing.AddSpanAttributes(ctx,
		tracing.RoleKey.String(m.role.String()),
		tracing.NegotiationStateKey.String(m.state.String()),
	)

	if err := m.checkOpenLocked(); err != nil {
		m.logger.Debugw("dropping message after close", "kind", msg.Kind)
		return err
	}

	var err error
	switch msg.Kind {
	case domain.MessageOffer, domain.MessageAnswer:
		if msg.Description == nil {
			return fmt.Errorf("%s message without description", msg.Kind)
		}
		if msg.Kind == domain.MessageOffer {
			err = m.handleOfferLocked(ctx, *msg.Description)
		} else {
			err = m.handleAnswerLocked(ctx, *msg.Description)
		}
	case domain.MessageCandidate:
		if msg.Candidate == nil {
			return fmt.Errorf("candidate message without candidate")
		}
		m.handleCandidateLocked(*msg.Candidate)
	default:
		err = fmt.Errorf("unknown message kind %q", msg.Kind)
	}

	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (m *NegotiationStateMachine) handleOfferLocked(ctx context.Context, offer domain.SessionDescription) error {
	if m.state == domain.StateStable && offer.SDP == m.lastRemoteOffer {
		m.logger.Debugw("duplicate offer ignored")
		return nil
	}

	collision := m.state == domain.StateHaveLocalOffer || m.state == domain.StateSettling
	m.ignoreOffer = collision && m.role == domain.RoleImpolite
	if m.ignoreOffer {
		m.metrics.RecordGlare(m.role)
		m.logger.Infow("glare: keeping local offer, ignoring remote offer", "state", m.state)
		return nil
	}

	if collision {
		m.metrics.RecordGlare(m.role)
		m.logger.Infow("glare: rolling back local offer for remote offer", "state", m.state)
		if err := m.engine.Rollback(); err != nil {
			return m.failLocked(ctx, fmt.Errorf("rollback local offer: %w", err))
		}
		m.candidates = nil
		// Our own changes still need to go out once this exchange settles.
		m.pendingNeed = true
	}

	if err := m.transitionLocked(domain.StateHaveRemoteOffer); err != nil {
		return err
	}
	if err := m.engine.SetRemoteDescription(offer); err != nil {
		return m.failLocked(ctx, fmt.Errorf("%w: remote offer: %v", domain.ErrDescriptionApply, err))
	}
	m.remoteDescriptionSet = true
	m.lastRemoteOffer = offer.SDP
	m.flushCandidatesLocked()

	answer, err := m.engine.CreateAnswer(ctx)
	if err != nil {
		return m.failLocked(ctx, fmt.Errorf("create answer: %w", err))
	}
	if err := m.engine.SetLocalDescription(answer); err != nil {
		return m.failLocked(ctx, fmt.Errorf("%w: local answer: %v", domain.ErrDescriptionApply, err))
	}
	if err := m.transitionLocked(domain.StateStable); err != nil {
		return err
	}
	if err := m.signaling.Send(ctx, domain.AnswerMessage(m.local, answer.SDP)); err != nil {
		return m.failLocked(ctx, fmt.Errorf("send answer: %w", err))
	}
	m.failures = 0

	return m.replayPendingLocked(ctx)
}

func (m *NegotiationStateMachine) handleAnswerLocked(ctx context.Context, answer domain.SessionDescription) error {
	if m.state != domain.StateHaveLocalOffer {
		m.logger.Debugw("answer without outstanding offer ignored", "state", m.state)
		return nil
	}

	if err := m.transitionLocked(domain.StateSettling); err != nil {
		return err
	}
	if err := m.engine.SetRemoteDescription(answer); err != nil {
		return m.failLocked(ctx, fmt.Errorf("%w: remote answer: %v", domain.ErrDescriptionApply, err))
	}
	m.remoteDescriptionSet = true
	m.ignoreOffer = false
	m.flushCandidatesLocked()

	if err := m.transitionLocked(domain.StateStable); err != nil {
		return err
	}
	m.failures = 0
	m.metrics.RecordNegotiationDuration(time.Since(m.offerStartedAt))

	return m.replayPendingLocked(ctx)
}

func (m *NegotiationStateMachine) handleCandidateLocked(candidate domain.ICECandidate) {
	if m.ignoreOffer {
		m.logger.Debugw("dropping candidate for ignored offer")
		return
	}
	if !m.remoteDescriptionSet || m.state == domain.StateSettling {
		m.candidates = append(m.candidates, candidate)
		return
	}
	if err := m.engine.AddICECandidate(candidate); err != nil {
		m.logger.Warnw("failed to add remote candidate", "error", err)
	}
}

// flushCandidatesLocked applies buffered candidates in arrival order.
func (m *NegotiationStateMachine) flushCandidatesLocked() {
	for _, c := range m.candidates {
		if err := m.engine.AddICECandidate(c); err != nil {
			m.logger.Warnw("failed to add buffered candidate", "error", err)
		}
	}
	m.candidates = nil
}

func (m *NegotiationStateMachine) offerLocked(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "negotiation.offer")
	defer span.End()

	offer, err := m.engine.CreateOffer(ctx)
	if err != nil {
		return m.failLocked(ctx, fmt.Errorf("create offer: %w", err))
	}
	if err := m.engine.SetLocalDescription(offer); err != nil {
		return m.failLocked(ctx, fmt.Errorf("%w: local offer: %v", domain.ErrDescriptionApply, err))
	}
	if err := m.transitionLocked(domain.StateHaveLocalOffer); err != nil {
		return err
	}
	m.pendingNeed = false
	m.offerStartedAt = time.Now()

	if err := m.signaling.Send(ctx, domain.OfferMessage(m.local, offer.SDP)); err != nil {
		return m.failLocked(ctx, fmt.Errorf("send offer: %w", err))
	}
	return nil
}

func (m *NegotiationStateMachine) replayPendingLocked(ctx context.Context) error {
	if !m.pendingNeed {
		return nil
	}
	m.logger.Debugw("replaying deferred negotiation")
	return m.offerLocked(ctx)
}

// failLocked resets to stable and starts a fresh offer, or gives up once the
// retry budget is spent.
func (m *NegotiationStateMachine) failLocked(ctx context.Context, cause error) error {
	m.failures++
	tracing.RecordError(ctx, cause)

	if m.failures > m.maxRetries {
		m.terminalErr = fmt.Errorf("%w after %d resets: %v", domain.ErrNegotiationExhausted, m.maxRetries, cause)
		m.logger.Errorw("negotiation exhausted", "error", cause, "failures", m.failures)
		m.metrics.RecordNegotiationExhausted()
		m.shutdownLocked()
		for _, fn := range m.onFailed {
			fn(m.terminalErr)
		}
		return m.terminalErr
	}

	m.logger.Warnw("negotiation failed, starting fresh cycle",
		"error", cause,
		"attempt", m.failures,
		"max_retries", m.maxRetries,
	)
	m.metrics.RecordNegotiationReset()
	m.resetLocked()
	return m.offerLocked(ctx)
}

// resetLocked abandons the current exchange and returns to stable.
func (m *NegotiationStateMachine) resetLocked() {
	if m.state != domain.StateStable {
		if err := m.engine.Rollback(); err != nil {
			m.logger.Debugw("rollback during reset failed", "error", err)
		}
	}
	m.candidates = nil
	m.ignoreOffer = false
	m.state = domain.StateStable
	m.metrics.RecordNegotiationState(m.state)
}

func (m *NegotiationStateMachine) transitionLocked(to domain.NegotiationState) error {
	for _, allowed := range negotiationTransitions[m.state] {
		if allowed == to {
			m.logger.Debugw("negotiation state change", "from", m.state, "to", to)
			m.state = to
			m.metrics.RecordNegotiationState(to)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, m.state, to)
}

func (m *NegotiationStateMachine) checkOpenLocked() error {
	if m.terminalErr != nil {
		return m.terminalErr
	}
	if m.closed {
		return domain.ErrCallEnded
	}
	return nil
}

// Close abandons any in-flight offer and buffered candidates. Messages
// arriving afterwards are rejected with ErrCallEnded.
func (m *NegotiationStateMachine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.shutdownLocked()
	m.logger.Debugw("negotiation closed")
}

func (m *NegotiationStateMachine) shutdownLocked() {
	if m.state == domain.StateHaveLocalOffer || m.state == domain.StateSettling {
		if err := m.engine.Rollback(); err != nil {
			m.logger.Debugw("rollback on close failed", "error", err)
		}
	}
	m.closed = true
	m.candidates = nil
	m.pendingNeed = false
	m.ignoreOffer = false
	m.state = domain.StateStable
}

// IsTerminal reports whether err means the call cannot continue.
func IsTerminal(err error) bool {
	return errors.Is(err, domain.ErrNegotiationExhausted) || errors.Is(err, domain.ErrNoAudioInput)
}
