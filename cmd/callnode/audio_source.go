package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"

	"go.uber.org/zap"
)

// readAudio decodes raw little-endian float32 mono PCM from r into blocks of
// blockSize samples. The channel closes at EOF or when ctx is done; a short
// trailing block is still delivered.
func readAudio(ctx context.Context, r io.Reader, blockSize int, logger *zap.SugaredLogger) <-chan []float32 {
	out := make(chan []float32, 8)
	go func() {
		defer close(out)
		br := bufio.NewReaderSize(r, blockSize*4)
		raw := make([]byte, blockSize*4)

		for {
			n, err := io.ReadFull(br, raw)
			if n >= 4 {
				block := make([]float32, n/4)
				for i := range block {
					block[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
				}
				select {
				case out <- block:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					logger.Warnw("audio input failed", "error", err)
				}
				return
			}
		}
	}()
	return out
}
