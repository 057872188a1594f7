package monitoring

import (
	"time"

	"telecall/internal/core/domain"
	"telecall/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	callsActive  prometheus.Gauge
	callsTotal   prometheus.Counter
	callDuration prometheus.Histogram
	callsFailed  prometheus.Counter
	audioFrames  *prometheus.CounterVec
	audioSamples prometheus.Counter
	staleSamples prometheus.Counter
	networkRTT   prometheus.Histogram
	packetLoss   *prometheus.GaugeVec
	qualityLevel *prometheus.GaugeVec
	levelChanges *prometheus.CounterVec
	profileKbps  *prometheus.GaugeVec
	degraded     *prometheus.CounterVec
	negState     *prometheus.GaugeVec
	glare        *prometheus.CounterVec
	negResets    prometheus.Counter
	negExhausted prometheus.Counter
	negDuration  prometheus.Histogram
}

// NewPrometheusCollector registers the call metrics with reg. A nil reg
// uses the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "telecall_calls_active",
			Help: "Number of calls in progress",
		}),

		callsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "telecall_calls_total",
			Help: "Total number of calls started",
		}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "telecall_call_duration_seconds",
			Help:    "Duration of finished calls",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}),

		callsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "telecall_calls_failed_total",
			Help: "Calls ended by an unrecoverable failure",
		}),

		audioFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "telecall_audio_frames_total",
			Help: "PCM frames handed to the transcription sink",
		}, []string{"call_id"}),

		audioSamples: factory.NewCounter(prometheus.CounterOpts{
			Name: "telecall_audio_samples_total",
			Help: "16 kHz samples handed to the transcription sink",
		}),

		staleSamples: factory.NewCounter(prometheus.CounterOpts{
			Name: "telecall_stats_stale_samples_total",
			Help: "Quality samples recorded while the stats source was stale",
		}),

		networkRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "telecall_network_rtt_seconds",
			Help:    "Round-trip time reported by the stats source",
			Buckets: []float64{0.025, 0.05, 0.1, 0.2, 0.3, 0.45, 0.6, 1, 2},
		}),

		packetLoss: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "telecall_network_packet_loss_ratio",
			Help: "Latest packet loss ratio per call",
		}, []string{"call_id"}),

		qualityLevel: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "telecall_quality_level",
			Help: "Committed quality level per call (0=low, 1=medium, 2=high)",
		}, []string{"call_id"}),

		levelChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "telecall_quality_level_changes_total",
			Help: "Committed quality level changes",
		}, []string{"from", "to"}),

		profileKbps: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "telecall_profile_bitrate_kbps",
			Help: "Max bitrate of the applied encoding profile per call",
		}, []string{"call_id"}),

		degraded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "telecall_profile_degraded_total",
			Help: "Profile applies that fell back to a lower level",
		}, []string{"requested", "applied"}),

		negState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "telecall_negotiation_state",
			Help: "Negotiation state per call (0=stable, 1=have-local-offer, 2=have-remote-offer, 3=settling)",
		}, []string{"call_id"}),

		glare: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "telecall_negotiation_glare_total",
			Help: "Offer collisions by local role",
		}, []string{"role"}),

		negResets: factory.NewCounter(prometheus.CounterOpts{
			Name: "telecall_negotiation_resets_total",
			Help: "Negotiation reset-and-reoffer cycles",
		}),

		negExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "telecall_negotiation_exhausted_total",
			Help: "Calls whose negotiation retries were exhausted",
		}),

		negDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "telecall_negotiation_duration_seconds",
			Help:    "Time from local offer to applied answer",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}

// ForCall returns a CallMetrics whose per-call series carry the call ID.
func (p *PrometheusCollector) ForCall(callID domain.CallID) ports.CallMetrics {
	return &callMetrics{p: p, callID: string(callID)}
}

type callMetrics struct {
	p      *PrometheusCollector
	callID string
}

func (m *callMetrics) RecordSample(sample domain.QualitySample) {
	if sample.Stale {
		m.p.staleSamples.Inc()
		return
	}
	m.p.networkRTT.Observe(sample.RTTMs / 1000)
	m.p.packetLoss.WithLabelValues(m.callID).Set(sample.PacketLossRatio)
}

func (m *callMetrics) RecordLevelCommitted(from, to domain.QualityLevel) {
	m.p.levelChanges.WithLabelValues(from.String(), to.String()).Inc()
	m.p.qualityLevel.WithLabelValues(m.callID).Set(float64(to))
}

func (m *callMetrics) RecordProfileApplied(profile domain.QualityProfile) {
	m.p.profileKbps.WithLabelValues(m.callID).Set(float64(profile.MaxBitrateKbps))
}

func (m *callMetrics) RecordDegradedMode(requested, applied domain.QualityLevel) {
	m.p.degraded.WithLabelValues(requested.String(), applied.String()).Inc()
}

func (m *callMetrics) RecordNegotiationState(state domain.NegotiationState) {
	m.p.negState.WithLabelValues(m.callID).Set(float64(state))
}

func (m *callMetrics) RecordGlare(role domain.PeerRole) {
	m.p.glare.WithLabelValues(role.String()).Inc()
}

func (m *callMetrics) RecordNegotiationReset() {
	m.p.negResets.Inc()
}

func (m *callMetrics) RecordNegotiationExhausted() {
	m.p.negExhausted.Inc()
	m.p.callsFailed.Inc()
}

func (m *callMetrics) RecordNegotiationDuration(d time.Duration) {
	m.p.negDuration.Observe(d.Seconds())
}

func (m *callMetrics) RecordFrameEmitted(samples int) {
	m.p.audioFrames.WithLabelValues(m.callID).Inc()
	m.p.audioSamples.Add(float64(samples))
}

func (m *callMetrics) RecordCallStarted() {
	m.p.callsActive.Inc()
	m.p.callsTotal.Inc()
}

// RecordCallEnded also drops the call's labelled series.
func (m *callMetrics) RecordCallEnded(d time.Duration) {
	m.p.callsActive.Dec()
	m.p.callDuration.Observe(d.Seconds())

	m.p.audioFrames.DeleteLabelValues(m.callID)
	m.p.packetLoss.DeleteLabelValues(m.callID)
	m.p.qualityLevel.DeleteLabelValues(m.callID)
	m.p.profileKbps.DeleteLabelValues(m.callID)
	m.p.negState.DeleteLabelValues(m.callID)
}
