package webrtc

import (
	"context"
	"sync"
	"time"

	"telecall/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ntpEpochOffset is the number of seconds between 1900 and 1970.
const ntpEpochOffset = 2208988800

// RTCPStatsSource builds quality samples from RTCP feedback the remote peer
// sends about our outgoing streams.
type RTCPStatsSource struct {
	clockRate uint32
	maxAge    time.Duration
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu       sync.RWMutex
	sample   domain.QualitySample
	received time.Time
}

// NewRTCPStatsSource creates a source. clockRate converts report jitter from
// RTP timestamp units; reports older than maxAge are treated as missing.
func NewRTCPStatsSource(clockRate uint32, maxAge time.Duration, logger *zap.SugaredLogger) *RTCPStatsSource {
	if clockRate == 0 {
		clockRate = 90000
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RTCPStatsSource{
		clockRate: clockRate,
		maxAge:    maxAge,
		logger:    logger,
		now:       time.Now,
	}
}

// Watch reads RTCP from the sender until it is closed or ctx is done.
func (s *RTCPStatsSource) Watch(ctx context.Context, sender *webrtc.RTPSender) {
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			packets, _, err := sender.ReadRTCP()
			if err != nil {
				s.logger.Debugw("stopped reading RTCP", "error", err)
				return
			}
			s.Process(packets)
		}
	}()
}

// Process folds a batch of RTCP packets into the latest sample.
func (s *RTCPStatsSource) Process(packets []rtcp.Packet) {
	var (
		loss, jitter, rtt float64
		reports, rtts     int
		bitrate           float64
		haveBitrate       bool
	)
	arrival := s.now()

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				loss += float64(report.FractionLost) / 256.0
				jitter += float64(report.Jitter) / float64(s.clockRate) * 1000
				reports++

				if report.LastSenderReport != 0 {
					if d, ok := roundTrip(arrival, report.LastSenderReport, report.Delay); ok {
						rtt += float64(d) / float64(time.Millisecond)
						rtts++
					}
				}
			}
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			bitrate = float64(p.Bitrate) / 1000
			haveBitrate = true
		case *rtcp.TransportLayerNack:
			s.logger.Debugw("received NACK", "nacks", len(p.Nacks))
		}
	}

	if reports == 0 && !haveBitrate {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if reports > 0 {
		s.sample.PacketLossRatio = loss / float64(reports)
		s.sample.JitterMs = jitter / float64(reports)
	}
	if rtts > 0 {
		s.sample.RTTMs = rtt / float64(rtts)
	}
	if haveBitrate {
		s.sample.EstimatedBandwidthKbps = bitrate
	}
	s.sample.TimestampMs = arrival.UnixMilli()
	s.received = arrival
}

// GetStats returns the latest sample or ErrStatsUnavailable when nothing
// recent has arrived.
func (s *RTCPStatsSource) GetStats(ctx context.Context) (domain.QualitySample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.received.IsZero() || s.now().Sub(s.received) > s.maxAge {
		return domain.QualitySample{}, domain.ErrStatsUnavailable
	}
	return s.sample, nil
}

// roundTrip computes RTT from the LSR/DLSR fields of a report block, all in
// the middle 32 bits of NTP time.
func roundTrip(arrival time.Time, lsr, dlsr uint32) (time.Duration, bool) {
	now := ntpMiddle(arrival)
	diff := now - lsr - dlsr
	if diff > 1<<30 {
		return 0, false
	}
	return time.Duration(float64(diff) / 65536 * float64(time.Second)), true
}

func ntpMiddle(t time.Time) uint32 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return uint32((secs<<32 | frac) >> 16)
}
