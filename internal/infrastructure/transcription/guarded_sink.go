package transcription

import (
	"errors"
	"sync/atomic"

	"telecall/internal/core/domain"
	"telecall/internal/core/ports"
	"telecall/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// GuardedSink stops feeding a sink that keeps failing. While the breaker is
// open frames are skipped without error so the audio path does not log every
// frame; the breaker's trial calls probe for recovery.
type GuardedSink struct {
	name    string
	sink    ports.TranscriptionSink
	breaker *circuitbreaker.CircuitBreaker
	skipped atomic.Uint64
}

func NewGuardedSink(name string, sink ports.TranscriptionSink, config circuitbreaker.Config, logger *zap.SugaredLogger) *GuardedSink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	g := &GuardedSink{
		name:    name,
		sink:    sink,
		breaker: circuitbreaker.New(config),
	}
	g.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		if to == circuitbreaker.StateOpen {
			logger.Warnw("transcription sink failing, pausing delivery", "sink", name, "skipped", g.skipped.Load())
			return
		}
		logger.Infow("transcription sink state changed", "sink", name, "from", from, "to", to)
	})
	return g
}

func (g *GuardedSink) OnFrame(frame domain.PcmFrame) error {
	err := g.breaker.Execute(func() error {
		return g.sink.OnFrame(frame)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		g.skipped.Add(1)
		return nil
	}
	return err
}

// Skipped returns the number of frames not offered to the sink because the
// breaker was open.
func (g *GuardedSink) Skipped() uint64 {
	return g.skipped.Load()
}

func (g *GuardedSink) State() circuitbreaker.State {
	return g.breaker.State()
}
