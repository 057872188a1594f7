package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"telecall/internal/core/domain"
	"telecall/internal/core/ports"

	"go.uber.org/zap"
)

const maxProfileHistory = 100

// ProfileSnapshot records one applied profile.
type ProfileSnapshot struct {
	Requested domain.QualityLevel
	Profile   domain.QualityProfile
	Degraded  bool
	Timestamp time.Time
}

// AdaptiveQualityController maps committed quality levels onto encoding
// profiles. It is the only writer of the applied-profile record.
type AdaptiveQualityController struct {
	media    ports.MediaController
	gate     ports.RenegotiationGate
	profiles map[domain.QualityLevel]domain.QualityProfile
	metrics  ports.CallMetrics
	logger   *zap.SugaredLogger

	mu         sync.Mutex
	applied    domain.QualityProfile
	hasApplied bool
	history    []ProfileSnapshot
}

func NewAdaptiveQualityController(
	media ports.MediaController,
	gate ports.RenegotiationGate,
	profiles map[domain.QualityLevel]domain.QualityProfile,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *AdaptiveQualityController {
	if len(profiles) == 0 {
		profiles = domain.DefaultProfiles()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &AdaptiveQualityController{
		media:    media,
		gate:     gate,
		profiles: profiles,
		metrics:  metrics,
		logger:   logger,
	}
}

// Apply installs the profile for level, falling back to lower profiles when
// the transport rejects one. Applying the profile already in place is a
// no-op. When nothing can be applied the previous profile stays recorded.
func (c *AdaptiveQualityController) Apply(ctx context.Context, level domain.QualityLevel) (domain.QualityProfile, error) {
	c.mu.Lock()

	prevVideo := true
	if c.hasApplied {
		prevVideo = c.applied.VideoEnabled
	}

	target := level
	var profile domain.QualityProfile
	for {
		p, ok := c.profiles[target]
		if ok {
			if c.hasApplied && p == c.applied {
				c.mu.Unlock()
				return p, nil
			}
			err := c.media.ApplyEncodingParameters(p)
			if err == nil {
				profile = p
				break
			}
			c.logger.Warnw("encoding profile rejected",
				"level", target,
				"bitrate_kbps", p.MaxBitrateKbps,
				"resolution", p.Resolution,
				"error", err,
			)
		}

		lower, ok := target.Lower()
		if !ok {
			current := c.applied
			c.mu.Unlock()
			c.logger.Errorw("no encoding profile accepted, keeping current",
				"requested", level,
				"current", current.Level,
			)
			return current, fmt.Errorf("%w: no profile at or below %s", domain.ErrEncodingParameterUnsupported, level)
		}
		target = lower
	}

	degraded := target != level
	c.applied = profile
	c.hasApplied = true
	c.history = append(c.history, ProfileSnapshot{
		Requested: level,
		Profile:   profile,
		Degraded:  degraded,
		Timestamp: time.Now(),
	})
	if len(c.history) > maxProfileHistory {
		c.history = c.history[len(c.history)-maxProfileHistory:]
	}
	c.mu.Unlock()

	c.metrics.RecordProfileApplied(profile)
	if degraded {
		c.logger.Warnw("degraded mode: applied lower profile",
			"requested", level,
			"applied", target,
		)
		c.metrics.RecordDegradedMode(level, target)
	} else {
		c.logger.Infow("encoding profile applied",
			"level", target,
			"bitrate_kbps", profile.MaxBitrateKbps,
			"frame_rate", profile.TargetFrameRate,
			"resolution", profile.Resolution,
		)
	}

	if profile.VideoEnabled != prevVideo {
		c.toggleVideo(ctx, profile)
	}
	return profile, nil
}

// toggleVideo changes the track set and asks for renegotiation.
func (c *AdaptiveQualityController) toggleVideo(ctx context.Context, profile domain.QualityProfile) {
	var err error
	if profile.VideoEnabled {
		err = c.media.AddTrack(domain.TrackVideo)
	} else {
		err = c.media.RemoveTrack(domain.TrackVideo)
	}
	if err != nil {
		c.logger.Warnw("video track change failed",
			"video_enabled", profile.VideoEnabled,
			"error", err,
		)
		return
	}

	if c.gate == nil {
		return
	}
	if err := c.gate.RequestRenegotiation(ctx, profile); err != nil {
		c.logger.Warnw("renegotiation request failed",
			"level", profile.Level,
			"error", err,
		)
	}
}

// Applied returns the profile currently in place.
func (c *AdaptiveQualityController) Applied() (domain.QualityProfile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied, c.hasApplied
}

// History returns applied profiles, oldest first.
func (c *AdaptiveQualityController) History() []ProfileSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	history := make([]ProfileSnapshot, len(c.history))
	copy(history, c.history)
	return history
}
