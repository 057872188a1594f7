package transcription

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"sync"

	"telecall/internal/core/domain"
	"telecall/internal/core/ports"
	"telecall/pkg/optimize"

	"github.com/pion/rtp"
)

const (
	// defaultPayloadType is the dynamic payload type announced for L16/16000.
	defaultPayloadType = 96
	defaultMaxPayload  = 1200
	rtpHeaderSize      = 12
)

// RTPConfig configures RTP packetization of transcription audio.
type RTPConfig struct {
	PayloadType uint8
	SSRC        uint32
	MaxPayload  int
}

// RTPFrameSink packetizes PCM frames as L16 (network byte order) RTP and
// writes each packet to w, for example a connected UDP socket.
type RTPFrameSink struct {
	w           io.Writer
	payloadType uint8
	ssrc        uint32
	maxSamples  int
	buffers     *optimize.BytePool

	mu        sync.Mutex
	sequence  uint16
	timestamp uint32
	packets   uint64
	first     bool
}

func NewRTPFrameSink(w io.Writer, config RTPConfig) *RTPFrameSink {
	if config.PayloadType == 0 {
		config.PayloadType = defaultPayloadType
	}
	if config.SSRC == 0 {
		config.SSRC = rand.Uint32()
	}
	if config.MaxPayload <= 1 {
		config.MaxPayload = defaultMaxPayload
	}
	return &RTPFrameSink{
		w:           w,
		payloadType: config.PayloadType,
		ssrc:        config.SSRC,
		maxSamples:  config.MaxPayload / 2,
		buffers:     optimize.NewBytePool(rtpHeaderSize + config.MaxPayload),
		sequence:    uint16(rand.Uint32()),
		timestamp:   rand.Uint32(),
		first:       true,
	}
}

// OnFrame sends one frame, split across packets when it exceeds the
// payload limit. The RTP timestamp advances by one per sample.
func (s *RTPFrameSink) OnFrame(frame domain.PcmFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for start := 0; start < len(frame); start += s.maxSamples {
		end := min(start+s.maxSamples, len(frame))
		chunk := frame[start:end]

		payload := make([]byte, 2*len(chunk))
		for i, v := range chunk {
			binary.BigEndian.PutUint16(payload[2*i:], uint16(v))
		}

		packet := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         s.first,
				PayloadType:    s.payloadType,
				SequenceNumber: s.sequence,
				Timestamp:      s.timestamp,
				SSRC:           s.ssrc,
			},
			Payload: payload,
		}
		if err := s.write(packet); err != nil {
			return err
		}

		s.first = false
		s.sequence++
		s.timestamp += uint32(len(chunk))
		s.packets++
	}
	return nil
}

// write marshals into a pooled buffer. w must not retain the slice.
func (s *RTPFrameSink) write(packet *rtp.Packet) error {
	buf := s.buffers.Get()
	defer s.buffers.Put(buf)

	n, err := packet.MarshalTo(buf)
	if err != nil {
		return fmt.Errorf("marshal rtp packet: %w", err)
	}
	if _, err := s.w.Write(buf[:n]); err != nil {
		return fmt.Errorf("write rtp packet: %w", err)
	}
	return nil
}

// Packets returns the number of packets written.
func (s *RTPFrameSink) Packets() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets
}

// MultiSink delivers each frame to every sink. Frames are shared read-only
// between the sinks.
type MultiSink []ports.TranscriptionSink

func (m MultiSink) OnFrame(frame domain.PcmFrame) error {
	var firstErr error
	for _, sink := range m {
		if err := sink.OnFrame(frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
