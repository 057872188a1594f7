package webrtc

import (
	"context"
	"errors"

	"telecall/internal/core/domain"
	"telecall/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// PionStatsSource reads quality from the peer connection's stats report.
// Values the report lacks are taken from the fallback source when one is set.
type PionStatsSource struct {
	pc       *webrtc.PeerConnection
	fallback ports.StatsSource
}

func NewPionStatsSource(pc *webrtc.PeerConnection, fallback ports.StatsSource) *PionStatsSource {
	return &PionStatsSource{pc: pc, fallback: fallback}
}

func (s *PionStatsSource) GetStats(ctx context.Context) (domain.QualitySample, error) {
	if s.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return domain.QualitySample{}, domain.ErrStatsUnavailable
	}
	if err := ctx.Err(); err != nil {
		return domain.QualitySample{}, errors.Join(domain.ErrStatsUnavailable, err)
	}
	return s.fromReport(ctx, s.pc.GetStats())
}

// fromReport fills what the report lacks from the fallback. Loss and jitter
// are taken together so they describe the same streams.
func (s *PionStatsSource) fromReport(ctx context.Context, report webrtc.StatsReport) (domain.QualitySample, error) {
	sample, haveRTT, haveLoss := sampleFromReport(report)

	if s.fallback != nil && (!haveRTT || !haveLoss) {
		if fb, err := s.fallback.GetStats(ctx); err == nil {
			if !haveRTT {
				sample.RTTMs = fb.RTTMs
				haveRTT = fb.RTTMs > 0
			}
			if !haveLoss {
				sample.PacketLossRatio = fb.PacketLossRatio
				sample.JitterMs = fb.JitterMs
				haveLoss = true
			}
			if sample.EstimatedBandwidthKbps == 0 {
				sample.EstimatedBandwidthKbps = fb.EstimatedBandwidthKbps
			}
		}
	}

	if !haveRTT && !haveLoss {
		return domain.QualitySample{}, domain.ErrStatsUnavailable
	}
	return sample, nil
}

// sampleFromReport extracts RTT and bandwidth from the nominated candidate
// pair, and loss and jitter from remote-inbound RTP stats.
func sampleFromReport(report webrtc.StatsReport) (domain.QualitySample, bool, bool) {
	var (
		sample           domain.QualitySample
		haveRTT          bool
		loss, jitter     float64
		remoteRTT        float64
		streams, rttSeen int
		newest           float64
	)

	for _, stat := range report {
		switch st := stat.(type) {
		case webrtc.ICECandidatePairStats:
			if !st.Nominated || st.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			if st.CurrentRoundTripTime > 0 {
				sample.RTTMs = st.CurrentRoundTripTime * 1000
				haveRTT = true
			}
			sample.EstimatedBandwidthKbps = st.AvailableOutgoingBitrate / 1000
			if ts := float64(st.Timestamp); ts > newest {
				newest = ts
			}
		case webrtc.RemoteInboundRTPStreamStats:
			loss += st.FractionLost
			jitter += st.Jitter * 1000
			if st.RoundTripTime > 0 {
				remoteRTT += st.RoundTripTime * 1000
				rttSeen++
			}
			streams++
		}
	}

	if !haveRTT && rttSeen > 0 {
		sample.RTTMs = remoteRTT / float64(rttSeen)
		haveRTT = true
	}
	if streams > 0 {
		sample.PacketLossRatio = loss / float64(streams)
		sample.JitterMs = jitter / float64(streams)
	}
	sample.TimestampMs = int64(newest)
	return sample, haveRTT, streams > 0
}
