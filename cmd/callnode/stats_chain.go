package main

import (
	"context"

	"telecall/internal/core/domain"
	"telecall/internal/core/ports"
)

// statsChain asks each source in turn and returns the first sample.
type statsChain []ports.StatsSource

func (c statsChain) GetStats(ctx context.Context) (domain.QualitySample, error) {
	for _, source := range c {
		sample, err := source.GetStats(ctx)
		if err == nil {
			return sample, nil
		}
		if ctx.Err() != nil {
			return domain.QualitySample{}, ctx.Err()
		}
	}
	return domain.QualitySample{}, domain.ErrStatsUnavailable
}
