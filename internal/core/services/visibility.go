package services

import (
	"context"
	"sync"

	"telecall/internal/core/domain"
	"telecall/internal/core/ports"

	"go.uber.org/zap"
)

// VisibilityCoordinator pauses background work while the page is hidden.
// Renegotiation requests made while hidden are coalesced; only the latest
// target profile is kept and at most one request is flushed on return.
type VisibilityCoordinator struct {
	timers     []ports.Suspendable
	negotiator ports.Renegotiator
	logger     *zap.SugaredLogger

	mu        sync.Mutex
	state     domain.VisibilityState
	deferred  *domain.QualityProfile
	coalesced int
}

func NewVisibilityCoordinator(negotiator ports.Renegotiator, logger *zap.SugaredLogger, timers ...ports.Suspendable) *VisibilityCoordinator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &VisibilityCoordinator{
		timers:     timers,
		negotiator: negotiator,
		logger:     logger,
		state:      domain.Visible,
	}
}

func (v *VisibilityCoordinator) State() domain.VisibilityState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Deferred returns the renegotiation target waiting for the page to return.
func (v *VisibilityCoordinator) Deferred() (domain.QualityProfile, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.deferred == nil {
		return domain.QualityProfile{}, false
	}
	return *v.deferred, true
}

// SetVisibility handles a page visibility transition. Repeated states are
// ignored.
func (v *VisibilityCoordinator) SetVisibility(ctx context.Context, state domain.VisibilityState) error {
	v.mu.Lock()
	if v.state == state {
		v.mu.Unlock()
		return nil
	}
	v.state = state

	if state == domain.Hidden {
		v.mu.Unlock()
		for _, t := range v.timers {
			t.Pause()
		}
		v.logger.Debugw("page hidden, background work suspended")
		return nil
	}

	pending := v.deferred
	coalesced := v.coalesced
	v.deferred = nil
	v.coalesced = 0
	v.mu.Unlock()

	for _, t := range v.timers {
		t.Resume()
	}
	if pending == nil {
		v.logger.Debugw("page visible, background work resumed")
		return nil
	}

	v.logger.Infow("page visible, flushing deferred renegotiation",
		"level", pending.Level,
		"coalesced", coalesced,
	)
	return v.negotiator.NegotiationNeeded(ctx)
}

// RequestRenegotiation forwards the request when visible and defers it when
// hidden.
func (v *VisibilityCoordinator) RequestRenegotiation(ctx context.Context, profile domain.QualityProfile) error {
	v.mu.Lock()
	if v.state == domain.Hidden {
		if v.deferred != nil {
			v.coalesced++
		}
		p := profile
		v.deferred = &p
		v.mu.Unlock()
		v.logger.Debugw("renegotiation deferred while hidden", "level", profile.Level)
		return nil
	}
	v.mu.Unlock()

	return v.negotiator.NegotiationNeeded(ctx)
}
