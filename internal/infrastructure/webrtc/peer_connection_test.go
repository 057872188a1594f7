package webrtc

import (
	"context"
	"errors"
	"strings"
	"testing"

	"telecall/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestAdapter(t *testing.T, cfg WebRTCConfig) *PeerConnectionAdapter {
	t.Helper()
	a, err := NewPeerConnectionAdapter(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAdapter_OfferAnswerAndRollback(t *testing.T) {
	alice := newTestAdapter(t, WebRTCConfig{})
	bob := newTestAdapter(t, WebRTCConfig{})
	ctx := context.Background()

	require.NoError(t, alice.AddTrack(domain.TrackAudio))
	require.NoError(t, alice.AddTrack(domain.TrackVideo))

	offer, err := alice.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SDPOffer, offer.Type)
	assert.True(t, strings.Contains(offer.SDP, "m=audio"))
	assert.True(t, strings.Contains(offer.SDP, "m=video"))

	require.NoError(t, alice.SetLocalDescription(offer))
	assert.True(t, alice.PendingOffer())
	assert.Equal(t, webrtc.SignalingStateStable, alice.PeerConnection().SignalingState(),
		"a local offer is held, not applied")

	require.NoError(t, alice.Rollback())
	assert.False(t, alice.PendingOffer())
	assert.NoError(t, alice.Rollback(), "rollback in stable is a no-op")

	offer, err = alice.CreateOffer(ctx)
	require.NoError(t, err)
	require.NoError(t, alice.SetLocalDescription(offer))

	require.NoError(t, bob.SetRemoteDescription(offer))
	answer, err := bob.CreateAnswer(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SDPAnswer, answer.Type)
	require.NoError(t, bob.SetLocalDescription(answer))
	assert.Equal(t, webrtc.SignalingStateStable, bob.PeerConnection().SignalingState())

	require.NoError(t, alice.SetRemoteDescription(answer))
	assert.False(t, alice.PendingOffer())
	assert.Equal(t, webrtc.SignalingStateStable, alice.PeerConnection().SignalingState())
	assert.Equal(t, offer.SDP, alice.PeerConnection().CurrentLocalDescription().SDP)
}

func TestAdapter_RemoteOfferCannotBeRolledBack(t *testing.T) {
	alice := newTestAdapter(t, WebRTCConfig{})
	bob := newTestAdapter(t, WebRTCConfig{})
	ctx := context.Background()

	require.NoError(t, alice.AddTrack(domain.TrackAudio))
	offer, err := alice.CreateOffer(ctx)
	require.NoError(t, err)

	require.NoError(t, bob.SetRemoteDescription(offer))
	assert.ErrorIs(t, bob.Rollback(), domain.ErrDescriptionApply)
}

func TestAdapter_UnknownDescriptionType(t *testing.T) {
	a := newTestAdapter(t, WebRTCConfig{})
	err := a.SetRemoteDescription(domain.SessionDescription{Type: "bogus", SDP: "v=0"})
	assert.ErrorContains(t, err, "unknown description type")
}

func TestAdapter_TracksNotifySenderOnce(t *testing.T) {
	a := newTestAdapter(t, WebRTCConfig{})
	var kinds []domain.TrackKind
	a.OnSender(func(kind domain.TrackKind, sender *webrtc.RTPSender) {
		kinds = append(kinds, kind)
	})

	require.NoError(t, a.AddTrack(domain.TrackVideo))
	require.NoError(t, a.AddTrack(domain.TrackVideo))
	assert.Equal(t, []domain.TrackKind{domain.TrackVideo}, kinds)

	track, ok := a.LocalTrack(domain.TrackVideo)
	require.True(t, ok)
	assert.Equal(t, webrtc.MimeTypeVP8, track.Codec().MimeType)

	require.NoError(t, a.RemoveTrack(domain.TrackVideo))
	require.NoError(t, a.RemoveTrack(domain.TrackVideo))
	require.NoError(t, a.AddTrack(domain.TrackVideo))
	assert.Len(t, kinds, 2, "re-adding after removal gets a new sender")
}

func TestAdapter_ApplyEncodingParameters(t *testing.T) {
	a := newTestAdapter(t, WebRTCConfig{MaxBitrateKbps: 1000})
	high := domain.QualityProfile{Level: domain.QualityHigh, MaxBitrateKbps: 1500}
	medium := domain.QualityProfile{Level: domain.QualityMedium, MaxBitrateKbps: 600}

	err := a.ApplyEncodingParameters(high)
	assert.ErrorIs(t, err, domain.ErrEncodingParameterUnsupported)

	require.NoError(t, a.ApplyEncodingParameters(medium))
	assert.Equal(t, medium, a.Profile())

	a.OnEncodingChange(func(p domain.QualityProfile) error {
		return errors.New("encoder busy")
	})
	err = a.ApplyEncodingParameters(domain.QualityProfile{Level: domain.QualityLow, MaxBitrateKbps: 200})
	assert.ErrorIs(t, err, domain.ErrEncodingParameterUnsupported)
	assert.Equal(t, medium, a.Profile(), "rejected profile is not recorded")
}
