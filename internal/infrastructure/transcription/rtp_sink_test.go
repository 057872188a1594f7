package transcription

import (
	"encoding/binary"
	"errors"
	"testing"

	"telecall/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type packetWriter struct {
	packets [][]byte
	err     error
}

func (w *packetWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.packets = append(w.packets, append([]byte{}, p...))
	return len(p), nil
}

func (w *packetWriter) decode(t *testing.T) []rtp.Packet {
	t.Helper()
	out := make([]rtp.Packet, len(w.packets))
	for i, raw := range w.packets {
		require.NoError(t, out[i].Unmarshal(raw))
	}
	return out
}

func frameOf(n int) domain.PcmFrame {
	f := make(domain.PcmFrame, n)
	for i := range f {
		f[i] = int16(i - n/2)
	}
	return f
}

func TestRTPFrameSink_SplitsLargeFrames(t *testing.T) {
	w := &packetWriter{}
	sink := NewRTPFrameSink(w, RTPConfig{SSRC: 42})

	require.NoError(t, sink.OnFrame(frameOf(640)))

	packets := w.decode(t)
	require.Len(t, packets, 2, "640 samples exceed one 1200 byte payload")
	assert.Len(t, packets[0].Payload, 1200)
	assert.Len(t, packets[1].Payload, 80)

	assert.True(t, packets[0].Marker)
	assert.False(t, packets[1].Marker)
	assert.Equal(t, uint8(96), packets[0].PayloadType)
	assert.Equal(t, uint32(42), packets[1].SSRC)
	assert.Equal(t, packets[0].SequenceNumber+1, packets[1].SequenceNumber)
	assert.Equal(t, packets[0].Timestamp+600, packets[1].Timestamp)
	assert.Equal(t, uint64(2), sink.Packets())
}

func TestRTPFrameSink_PayloadIsNetworkOrder(t *testing.T) {
	w := &packetWriter{}
	sink := NewRTPFrameSink(w, RTPConfig{})

	require.NoError(t, sink.OnFrame(domain.PcmFrame{-2, 258}))

	p := w.decode(t)[0]
	assert.Equal(t, int16(-2), int16(binary.BigEndian.Uint16(p.Payload[0:])))
	assert.Equal(t, int16(258), int16(binary.BigEndian.Uint16(p.Payload[2:])))
}

func TestRTPFrameSink_TimestampContinuesAcrossFrames(t *testing.T) {
	w := &packetWriter{}
	sink := NewRTPFrameSink(w, RTPConfig{MaxPayload: 4000})

	require.NoError(t, sink.OnFrame(frameOf(320)))
	require.NoError(t, sink.OnFrame(frameOf(320)))

	packets := w.decode(t)
	require.Len(t, packets, 2)
	assert.Equal(t, packets[0].Timestamp+320, packets[1].Timestamp)
}

func TestRTPFrameSink_WriteError(t *testing.T) {
	sink := NewRTPFrameSink(&packetWriter{err: errors.New("unreachable")}, RTPConfig{})
	assert.ErrorContains(t, sink.OnFrame(frameOf(10)), "unreachable")
}

type failingSink struct{ err error }

func (s failingSink) OnFrame(domain.PcmFrame) error { return s.err }

func TestMultiSink_DeliversToAll(t *testing.T) {
	a, b := &packetWriter{}, &packetWriter{}
	boom := errors.New("boom")
	multi := MultiSink{NewRTPFrameSink(a, RTPConfig{}), failingSink{boom}, NewRTPFrameSink(b, RTPConfig{})}

	err := multi.OnFrame(frameOf(16))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.packets, 1)
	assert.Len(t, b.packets, 1, "a failing sink does not starve the others")
}
