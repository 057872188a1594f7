package ports

import (
	"context"

	"telecall/internal/core/domain"
)

// SignalingChannel is an already-connected, order-preserving message pipe to
// the remote peer.
type SignalingChannel interface {
	Send(ctx context.Context, msg domain.SignalMessage) error
	OnMessage(handler func(domain.SignalMessage))
}

// DescriptionEngine applies session descriptions and candidates to the
// underlying peer connection.
type DescriptionEngine interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	AddICECandidate(candidate domain.ICECandidate) error
	// Rollback discards the outstanding local offer.
	Rollback() error
}

// MediaController controls the outgoing media encoding and track set.
type MediaController interface {
	ApplyEncodingParameters(profile domain.QualityProfile) error
	AddTrack(kind domain.TrackKind) error
	RemoveTrack(kind domain.TrackKind) error
}

// StatsSource returns domain.ErrStatsUnavailable when it has nothing to report.
type StatsSource interface {
	GetStats(ctx context.Context) (domain.QualitySample, error)
}

// TranscriptionSink receives frames in capture order; it owns each frame
// once OnFrame is called.
type TranscriptionSink interface {
	OnFrame(frame domain.PcmFrame) error
}

type Renegotiator interface {
	NegotiationNeeded(ctx context.Context) error
}

// RenegotiationGate sits between the quality controller and the negotiator
// so requests can be deferred while the page is hidden.
type RenegotiationGate interface {
	RequestRenegotiation(ctx context.Context, profile domain.QualityProfile) error
}

type Suspendable interface {
	Pause()
	Resume()
}
