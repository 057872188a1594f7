package main

import (
	"context"
	"testing"

	"telecall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStats struct {
	sample domain.QualitySample
	err    error
	calls  int
}

func (f *fixedStats) GetStats(ctx context.Context) (domain.QualitySample, error) {
	f.calls++
	return f.sample, f.err
}

func TestStatsChain_FirstAvailableWins(t *testing.T) {
	missing := &fixedStats{err: domain.ErrStatsUnavailable}
	video := &fixedStats{sample: domain.QualitySample{PacketLossRatio: 0.1}}
	audio := &fixedStats{sample: domain.QualitySample{PacketLossRatio: 0.2}}

	s, err := statsChain{missing, video, audio}.GetStats(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.1, s.PacketLossRatio, 1e-9)
	assert.Equal(t, 0, audio.calls)
}

func TestStatsChain_AllUnavailable(t *testing.T) {
	_, err := statsChain{&fixedStats{err: domain.ErrStatsUnavailable}}.GetStats(context.Background())
	assert.ErrorIs(t, err, domain.ErrStatsUnavailable)

	_, err = statsChain{}.GetStats(context.Background())
	assert.ErrorIs(t, err, domain.ErrStatsUnavailable)
}
