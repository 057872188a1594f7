package domain

import (
	"fmt"
	"strings"
	"time"
)

// QualityLevel is ordered: Low < Medium < High.
type QualityLevel int

const (
	QualityLow QualityLevel = iota
	QualityMedium
	QualityHigh
)

func (q QualityLevel) String() string {
	switch q {
	case QualityLow:
		return "low"
	case QualityMedium:
		return "medium"
	case QualityHigh:
		return "high"
	default:
		return fmt.Sprintf("unknown(%d)", int(q))
	}
}

// ParseQualityLevel accepts "low", "medium" or "high".
func ParseQualityLevel(s string) (QualityLevel, error) {
	switch strings.ToLower(s) {
	case "low":
		return QualityLow, nil
	case "medium":
		return QualityMedium, nil
	case "high":
		return QualityHigh, nil
	default:
		return QualityLow, fmt.Errorf("unknown quality level %q", s)
	}
}

// Lower returns the next level down and false when already at the floor.
func (q QualityLevel) Lower() (QualityLevel, bool) {
	if q <= QualityLow {
		return QualityLow, false
	}
	return q - 1, true
}

// QualitySample is one poll of transport statistics.
type QualitySample struct {
	TimestampMs            int64
	RTTMs                  float64
	PacketLossRatio        float64 // 0..1
	JitterMs               float64
	EstimatedBandwidthKbps float64
	// Carried is set when the values were copied from the previous sample
	// because the source was unavailable.
	Carried bool
	Stale   bool
}

func (s QualitySample) Time() time.Time {
	return time.UnixMilli(s.TimestampMs)
}

type ResolutionTier int

const (
	Resolution180p ResolutionTier = iota
	Resolution360p
	Resolution720p
)

func (r ResolutionTier) Height() int {
	switch r {
	case Resolution720p:
		return 720
	case Resolution360p:
		return 360
	default:
		return 180
	}
}

func (r ResolutionTier) String() string {
	return fmt.Sprintf("%dp", r.Height())
}

func ParseResolution(s string) (ResolutionTier, error) {
	switch strings.ToLower(s) {
	case "180p":
		return Resolution180p, nil
	case "360p":
		return Resolution360p, nil
	case "720p":
		return Resolution720p, nil
	default:
		return Resolution180p, fmt.Errorf("unknown resolution %q", s)
	}
}

// QualityProfile is the encoding applied for one QualityLevel.
type QualityProfile struct {
	Level           QualityLevel
	MaxBitrateKbps  int
	TargetFrameRate int
	Resolution      ResolutionTier
	VideoEnabled    bool
}

// DefaultProfiles returns one profile per level.
func DefaultProfiles() map[QualityLevel]QualityProfile {
	return map[QualityLevel]QualityProfile{
		QualityHigh:   {Level: QualityHigh, MaxBitrateKbps: 1500, TargetFrameRate: 30, Resolution: Resolution720p, VideoEnabled: true},
		QualityMedium: {Level: QualityMedium, MaxBitrateKbps: 600, TargetFrameRate: 24, Resolution: Resolution360p, VideoEnabled: true},
		QualityLow:    {Level: QualityLow, MaxBitrateKbps: 200, TargetFrameRate: 15, Resolution: Resolution180p, VideoEnabled: true},
	}
}
