package ports

import (
	"time"

	"telecall/internal/core/domain"
)

// CallMetrics is implemented by the monitoring layer. Components fall back
// to NopMetrics when none is supplied.
type CallMetrics interface {
	RecordSample(sample domain.QualitySample)
	RecordLevelCommitted(from, to domain.QualityLevel)
	RecordProfileApplied(profile domain.QualityProfile)
	RecordDegradedMode(requested, applied domain.QualityLevel)
	RecordNegotiationState(state domain.NegotiationState)
	RecordGlare(role domain.PeerRole)
	RecordNegotiationReset()
	RecordNegotiationExhausted()
	RecordNegotiationDuration(d time.Duration)
	RecordFrameEmitted(samples int)
	RecordCallStarted()
	RecordCallEnded(d time.Duration)
}

type NopMetrics struct{}

func (NopMetrics) RecordSample(domain.QualitySample)                             {}
func (NopMetrics) RecordLevelCommitted(domain.QualityLevel, domain.QualityLevel) {}
func (NopMetrics) RecordProfileApplied(domain.QualityProfile)                    {}
func (NopMetrics) RecordDegradedMode(domain.QualityLevel, domain.QualityLevel)   {}
func (NopMetrics) RecordNegotiationState(domain.NegotiationState)                {}
func (NopMetrics) RecordGlare(domain.PeerRole)                                   {}
func (NopMetrics) RecordNegotiationReset()                                       {}
func (NopMetrics) RecordNegotiationExhausted()                                   {}
func (NopMetrics) RecordNegotiationDuration(time.Duration)                       {}
func (NopMetrics) RecordFrameEmitted(int)                                        {}
func (NopMetrics) RecordCallStarted()                                            {}
func (NopMetrics) RecordCallEnded(time.Duration)                                 {}
