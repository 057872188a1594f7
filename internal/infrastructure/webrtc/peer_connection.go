package webrtc

import (
	"context"
	"fmt"
	"sync"

	"telecall/internal/core/domain"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// WebRTCConfig WebRTC configuration
type WebRTCConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// MaxBitrateKbps is the highest send bitrate the local encoder accepts.
	MaxBitrateKbps int
	StreamID       string
}

// PeerConnectionAdapter drives one pion PeerConnection. It is both the
// description engine used by negotiation and the media controller used by
// the quality controller.
//
// pion cannot roll back a local offer, so a local offer is held and only
// applied together with its answer. Discarding the held offer is the
// rollback.
type PeerConnectionAdapter struct {
	config WebRTCConfig
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	descMu    sync.Mutex
	heldOffer *webrtc.SessionDescription

	mu       sync.Mutex
	tracks   map[domain.TrackKind]*webrtc.TrackLocalStaticSample
	senders  map[domain.TrackKind]*webrtc.RTPSender
	profile  domain.QualityProfile
	onEncode func(domain.QualityProfile) error
	onSender func(domain.TrackKind, *webrtc.RTPSender)
}

// NewPeerConnectionAdapter creates the peer connection with default codecs
// and interceptors.
func NewPeerConnectionAdapter(config WebRTCConfig, logger *zap.SugaredLogger) (*PeerConnectionAdapter, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if config.StreamID == "" {
		config.StreamID = "telecall"
	}

	pc, err := createPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	a := &PeerConnectionAdapter{
		config:  config,
		pc:      pc,
		logger:  logger,
		tracks:  make(map[domain.TrackKind]*webrtc.TrackLocalStaticSample),
		senders: make(map[domain.TrackKind]*webrtc.RTPSender),
	}
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		a.logger.Infow("ICE connection state changed", "ice_state", state)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		a.logger.Infow("peer connection state changed", "connection_state", state)
	})
	return a, nil
}

// createPeerConnection creates a new WebRTC connection
func createPeerConnection(config WebRTCConfig) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
}

// PeerConnection exposes the underlying connection for stats and media.
func (a *PeerConnectionAdapter) PeerConnection() *webrtc.PeerConnection {
	return a.pc
}

// OnLocalCandidate forwards gathered candidates. The end-of-gathering nil
// candidate is not forwarded.
func (a *PeerConnectionAdapter) OnLocalCandidate(fn func(domain.ICECandidate)) {
	a.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(domain.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

// OnEncodingChange registers the local encoder hook that receives each
// applied profile. Returning an error rejects the profile.
func (a *PeerConnectionAdapter) OnEncodingChange(fn func(domain.QualityProfile) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onEncode = fn
}

// OnSender is called whenever a local track gets an RTP sender, so RTCP
// feedback for it can be read.
func (a *PeerConnectionAdapter) OnSender(fn func(domain.TrackKind, *webrtc.RTPSender)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onSender = fn
}

func (a *PeerConnectionAdapter) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	offer, err := a.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (a *PeerConnectionAdapter) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	answer, err := a.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

// SetLocalDescription applies an answer immediately. An offer is held until
// the matching answer arrives; it must come from the latest CreateOffer.
func (a *PeerConnectionAdapter) SetLocalDescription(desc domain.SessionDescription) error {
	pd, err := toPion(desc)
	if err != nil {
		return err
	}

	a.descMu.Lock()
	defer a.descMu.Unlock()

	if pd.Type != webrtc.SDPTypeOffer {
		return a.pc.SetLocalDescription(pd)
	}
	if state := a.pc.SignalingState(); state != webrtc.SignalingStateStable {
		return fmt.Errorf("cannot hold local offer in signaling state %s", state)
	}
	a.heldOffer = &pd
	return nil
}

// SetRemoteDescription applies the held local offer before an answer, so
// pion sees the offer and answer back to back.
func (a *PeerConnectionAdapter) SetRemoteDescription(desc domain.SessionDescription) error {
	pd, err := toPion(desc)
	if err != nil {
		return err
	}

	a.descMu.Lock()
	defer a.descMu.Unlock()

	switch pd.Type {
	case webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer:
		if a.heldOffer == nil {
			return a.pc.SetRemoteDescription(pd)
		}
		offer := *a.heldOffer
		a.heldOffer = nil
		if err := a.pc.SetLocalDescription(offer); err != nil {
			return fmt.Errorf("apply held offer: %w", err)
		}
		return a.pc.SetRemoteDescription(pd)
	case webrtc.SDPTypeOffer:
		if a.heldOffer != nil {
			return fmt.Errorf("remote offer while a local offer is outstanding")
		}
		return a.pc.SetRemoteDescription(pd)
	default:
		return a.pc.SetRemoteDescription(pd)
	}
}

// PendingOffer reports whether a local offer is held awaiting its answer.
func (a *PeerConnectionAdapter) PendingOffer() bool {
	a.descMu.Lock()
	defer a.descMu.Unlock()
	return a.heldOffer != nil
}

func (a *PeerConnectionAdapter) AddICECandidate(c domain.ICECandidate) error {
	return a.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

// Rollback discards the held local offer. pion has no rollback out of
// have-remote-offer either, so an applied remote offer cannot be undone.
func (a *PeerConnectionAdapter) Rollback() error {
	a.descMu.Lock()
	defer a.descMu.Unlock()

	if a.heldOffer != nil {
		a.heldOffer = nil
		return nil
	}
	if state := a.pc.SignalingState(); state != webrtc.SignalingStateStable {
		return fmt.Errorf("%w: cannot roll back from signaling state %s", domain.ErrDescriptionApply, state)
	}
	return nil
}

// ApplyEncodingParameters hands the profile to the local encoder. Profiles
// above the configured bitrate cap are rejected.
func (a *PeerConnectionAdapter) ApplyEncodingParameters(profile domain.QualityProfile) error {
	if a.config.MaxBitrateKbps > 0 && profile.MaxBitrateKbps > a.config.MaxBitrateKbps {
		return fmt.Errorf("%w: %d kbps exceeds cap of %d kbps",
			domain.ErrEncodingParameterUnsupported, profile.MaxBitrateKbps, a.config.MaxBitrateKbps)
	}

	a.mu.Lock()
	hook := a.onEncode
	a.mu.Unlock()

	if hook != nil {
		if err := hook(profile); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrEncodingParameterUnsupported, err)
		}
	}

	a.mu.Lock()
	a.profile = profile
	a.mu.Unlock()
	return nil
}

// Profile returns the last accepted encoding profile.
func (a *PeerConnectionAdapter) Profile() domain.QualityProfile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.profile
}

// AddTrack attaches a local track of the given kind. Adding a kind twice is
// a no-op.
func (a *PeerConnectionAdapter) AddTrack(kind domain.TrackKind) error {
	a.mu.Lock()
	if _, exists := a.senders[kind]; exists {
		a.mu.Unlock()
		return nil
	}

	track, ok := a.tracks[kind]
	if !ok {
		var err error
		track, err = webrtc.NewTrackLocalStaticSample(codecFor(kind), string(kind), a.config.StreamID)
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("failed to create %s track: %w", kind, err)
		}
		a.tracks[kind] = track
	}

	sender, err := a.pc.AddTrack(track)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("failed to add %s track: %w", kind, err)
	}
	a.senders[kind] = sender
	onSender := a.onSender
	a.mu.Unlock()

	a.logger.Debugw("local track added", "kind", kind, "track_id", track.ID())
	if onSender != nil {
		onSender(kind, sender)
	}
	return nil
}

// RemoveTrack detaches the local track of the given kind, if present.
func (a *PeerConnectionAdapter) RemoveTrack(kind domain.TrackKind) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sender, exists := a.senders[kind]
	if !exists {
		return nil
	}
	if err := a.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("failed to remove %s track: %w", kind, err)
	}
	delete(a.senders, kind)
	a.logger.Debugw("local track removed", "kind", kind)
	return nil
}

// LocalTrack returns the sample track media is written to.
func (a *PeerConnectionAdapter) LocalTrack(kind domain.TrackKind) (*webrtc.TrackLocalStaticSample, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	track, ok := a.tracks[kind]
	return track, ok
}

func (a *PeerConnectionAdapter) Close() error {
	return a.pc.Close()
}

func codecFor(kind domain.TrackKind) webrtc.RTPCodecCapability {
	if kind == domain.TrackAudio {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}

func fromPion(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(desc.Type.String()), SDP: desc.SDP}
}

func toPion(desc domain.SessionDescription) (webrtc.SessionDescription, error) {
	t := webrtc.NewSDPType(string(desc.Type))
	if t == webrtc.SDPType(webrtc.Unknown) {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown description type %q", desc.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}, nil
}
