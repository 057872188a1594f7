package main

import (
	"fmt"

	"telecall/internal/core/domain"
	"telecall/internal/core/services"
	"telecall/pkg/config"
	"telecall/pkg/validation"
)

func checkIdentities(callID domain.CallID, local, remote string) error {
	if err := validation.ValidateCallID(string(callID)); err != nil {
		return fmt.Errorf("-call: %w", err)
	}
	if err := validation.ValidatePeerID(local); err != nil {
		return fmt.Errorf("-peer: %w", err)
	}
	if err := validation.ValidatePeerID(remote); err != nil {
		return fmt.Errorf("-remote: %w", err)
	}
	if local == remote {
		return fmt.Errorf("-peer and -remote must differ")
	}
	return nil
}

// sessionConfig maps the file configuration onto one call's settings.
func sessionConfig(cfg *config.Config, callID domain.CallID, local, remote domain.PeerID) (services.SessionConfig, error) {
	initial, err := domain.ParseQualityLevel(cfg.Quality.InitialLevel)
	if err != nil {
		return services.SessionConfig{}, err
	}

	thresholds := make(map[domain.QualityLevel]services.LevelThreshold, len(cfg.Quality.Thresholds))
	for name, t := range cfg.Quality.Thresholds {
		level, err := domain.ParseQualityLevel(name)
		if err != nil {
			return services.SessionConfig{}, fmt.Errorf("quality.thresholds: %w", err)
		}
		thresholds[level] = services.LevelThreshold{MaxPacketLoss: t.MaxPacketLoss, MaxRTTMs: t.MaxRTTMs}
	}

	profiles := make(map[domain.QualityLevel]domain.QualityProfile, len(cfg.Quality.Profiles))
	for name, p := range cfg.Quality.Profiles {
		level, err := domain.ParseQualityLevel(name)
		if err != nil {
			return services.SessionConfig{}, fmt.Errorf("quality.profiles: %w", err)
		}
		resolution, err := domain.ParseResolution(p.Resolution)
		if err != nil {
			return services.SessionConfig{}, fmt.Errorf("quality.profiles.%s: %w", name, err)
		}
		profiles[level] = domain.QualityProfile{
			Level:           level,
			MaxBitrateKbps:  p.MaxBitrateKbps,
			TargetFrameRate: p.TargetFrameRate,
			Resolution:      resolution,
			VideoEnabled:    p.VideoEnabled,
		}
	}

	return services.SessionConfig{
		CallID:     callID,
		LocalPeer:  local,
		RemotePeer: remote,
		Audio: services.AudioConfig{
			InputSampleRate: cfg.Audio.InputSampleRate,
			FrameSize:       cfg.Audio.FrameSize,
		},
		Monitor: services.MonitorConfig{
			Interval:     cfg.Quality.Interval,
			PollTimeout:  cfg.Quality.PollTimeout,
			WindowSize:   cfg.Quality.WindowSize,
			StaleAfter:   cfg.Quality.StaleAfter,
			CommitAfter:  cfg.Quality.CommitAfter,
			HistorySize:  cfg.Quality.HistorySize,
			InitialLevel: initial,
		},
		Thresholds:  thresholds,
		Profiles:    profiles,
		Negotiation: services.NegotiationConfig{MaxRetries: cfg.Negotiation.MaxRetries},
	}, nil
}
