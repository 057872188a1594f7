package domain

import "encoding/binary"

const (
	TranscriptionSampleRate = 16000
	DefaultFrameSize        = 640 // 40ms at 16kHz
)

// PcmFrame holds mono PCM16 samples at 16kHz. A frame is owned by whoever
// received it last; producers must not touch it after handoff.
type PcmFrame []int16

// Bytes encodes the frame as contiguous little-endian int16.
func (f PcmFrame) Bytes() []byte {
	out := make([]byte, len(f)*2)
	for i, s := range f {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Duration in milliseconds at the transcription sample rate.
func (f PcmFrame) DurationMs() int {
	return len(f) * 1000 / TranscriptionSampleRate
}
