package services

import (
	"telecall/internal/core/domain"
)

// LevelThreshold is the worst transport a level tolerates.
type LevelThreshold struct {
	MaxPacketLoss float64 `yaml:"max_packet_loss"`
	MaxRTTMs      float64 `yaml:"max_rtt_ms"`
}

// DefaultThresholds covers the levels above Low; Low accepts anything.
func DefaultThresholds() map[domain.QualityLevel]LevelThreshold {
	return map[domain.QualityLevel]LevelThreshold{
		domain.QualityHigh:   {MaxPacketLoss: 0.10, MaxRTTMs: 300},
		domain.QualityMedium: {MaxPacketLoss: 0.25, MaxRTTMs: 600},
	}
}

type QualityService struct {
	thresholds map[domain.QualityLevel]LevelThreshold
}

func NewQualityService(thresholds map[domain.QualityLevel]LevelThreshold) *QualityService {
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds()
	}
	return &QualityService{thresholds: thresholds}
}

// DetermineOptimalQuality returns the highest level whose thresholds the
// sample clears on both packet loss and RTT.
func (qs *QualityService) DetermineOptimalQuality(sample domain.QualitySample) domain.QualityLevel {
	if qs.meetsQualityRequirements(sample, domain.QualityHigh) {
		return domain.QualityHigh
	} else if qs.meetsQualityRequirements(sample, domain.QualityMedium) {
		return domain.QualityMedium
	}
	return domain.QualityLow
}

func (qs *QualityService) meetsQualityRequirements(sample domain.QualitySample, level domain.QualityLevel) bool {
	threshold, ok := qs.thresholds[level]
	if !ok {
		return level == domain.QualityLow
	}
	return sample.PacketLossRatio <= threshold.MaxPacketLoss &&
		sample.RTTMs <= threshold.MaxRTTMs
}

// Candidate computes the level the monitor should move toward. Degrading
// looks at the latest sample alone; upgrading needs the latest sample and
// the window mean to both clear the higher level.
func (qs *QualityService) Candidate(current domain.QualityLevel, latest domain.QualitySample, window []domain.QualitySample) domain.QualityLevel {
	latestLevel := qs.DetermineOptimalQuality(latest)
	if latestLevel < current {
		return latestLevel
	}

	smoothed := qs.DetermineOptimalQuality(MeanSample(window))
	target := min(latestLevel, smoothed)
	if target > current {
		return target
	}
	return current
}

// MeanSample averages the numeric fields of a window.
func MeanSample(window []domain.QualitySample) domain.QualitySample {
	if len(window) == 0 {
		return domain.QualitySample{}
	}

	var mean domain.QualitySample
	for _, s := range window {
		mean.RTTMs += s.RTTMs
		mean.PacketLossRatio += s.PacketLossRatio
		mean.JitterMs += s.JitterMs
		mean.EstimatedBandwidthKbps += s.EstimatedBandwidthKbps
	}
	n := float64(len(window))
	mean.RTTMs /= n
	mean.PacketLossRatio /= n
	mean.JitterMs /= n
	mean.EstimatedBandwidthKbps /= n
	mean.TimestampMs = window[len(window)-1].TimestampMs
	return mean
}
