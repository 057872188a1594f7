package services

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"telecall/internal/core/domain"
	"telecall/internal/core/ports"

	"go.uber.org/zap"
)

// AudioConfig describes the capture stream feeding the encoder.
type AudioConfig struct {
	InputSampleRate int
	FrameSize       int
}

// DefaultAudioConfig matches a 48kHz capture device.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		InputSampleRate: 48000,
		FrameSize:       domain.DefaultFrameSize,
	}
}

// AudioFrameEncoder turns capture blocks into fixed-size 16kHz PCM16 frames.
// It is driven from the real-time audio callback and must never block.
type AudioFrameEncoder struct {
	inputRate  int
	targetRate int
	frameSize  int

	counter int
	buffer  []int16

	sink    ports.TranscriptionSink
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger

	emitted atomic.Uint64
}

// NewAudioFrameEncoder fails when the capture stream cannot be encoded.
// Upsampling is not supported.
func NewAudioFrameEncoder(cfg AudioConfig, sink ports.TranscriptionSink, metrics ports.CallMetrics, logger *zap.SugaredLogger) (*AudioFrameEncoder, error) {
	if sink == nil {
		return nil, domain.ErrNoAudioInput
	}
	if cfg.InputSampleRate < domain.TranscriptionSampleRate {
		return nil, fmt.Errorf("%w: input %d Hz is below %d Hz", domain.ErrInvalidSampleRate, cfg.InputSampleRate, domain.TranscriptionSampleRate)
	}
	if cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidFrameSize, cfg.FrameSize)
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &AudioFrameEncoder{
		inputRate:  cfg.InputSampleRate,
		targetRate: domain.TranscriptionSampleRate,
		frameSize:  cfg.FrameSize,
		buffer:     make([]int16, 0, cfg.FrameSize),
		sink:       sink,
		metrics:    metrics,
		logger:     logger,
	}, nil
}

// Process runs one processing cycle over a capture block. It always returns
// true so the caller keeps scheduling it; an empty block is a no-op.
func (e *AudioFrameEncoder) Process(block []float32) bool {
	if len(block) == 0 {
		return true
	}

	for _, sample := range block {
		e.counter += e.targetRate
		if e.counter < e.inputRate {
			continue
		}
		e.counter -= e.inputRate

		e.buffer = append(e.buffer, toPCM16(sample))
		if len(e.buffer) == e.frameSize {
			e.emit()
		}
	}
	return true
}

// emit hands the current buffer to the sink and starts a fresh one.
func (e *AudioFrameEncoder) emit() {
	frame := domain.PcmFrame(e.buffer)
	e.buffer = make([]int16, 0, e.frameSize)
	seq := e.emitted.Add(1)

	if err := e.sink.OnFrame(frame); err != nil {
		e.logger.Warnw("transcription sink rejected frame",
			"frame", seq,
			"error", err,
		)
	}
	e.metrics.RecordFrameEmitted(len(frame))
}

// Run pumps capture blocks until the channel closes or ctx is cancelled.
// Samples short of a full frame are discarded on exit.
func (e *AudioFrameEncoder) Run(ctx context.Context, blocks <-chan []float32) {
	for {
		select {
		case <-ctx.Done():
			return
		case block, ok := <-blocks:
			if !ok {
				return
			}
			e.Process(block)
		}
	}
}

// FramesEmitted returns the number of frames handed to the sink.
func (e *AudioFrameEncoder) FramesEmitted() uint64 {
	return e.emitted.Load()
}

// Buffered returns how many samples are waiting for the next frame. Only
// safe from the goroutine driving Process.
func (e *AudioFrameEncoder) Buffered() int {
	return len(e.buffer)
}

// toPCM16 maps a float sample onto [-32767, 32767]. Non-finite input is
// treated as silence.
func toPCM16(sample float32) int16 {
	v := float64(sample)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(math.Round(v * math.MaxInt16))
}
