package media

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEncoder struct {
	fragments int
	bitrate   int
	keyReqs   int
}

func (e *fakeEncoder) Open(EncoderConfig) error { return nil }
func (e *fakeEncoder) Encode(f *Frame) ([][]byte, error) {
	out := make([][]byte, e.fragments)
	for i := range out {
		out[i] = []byte{byte(i)}
	}
	return out, nil
}
func (e *fakeEncoder) SetBitrate(kbps int) error { e.bitrate = kbps; return nil }
func (e *fakeEncoder) RequestKeyFrame()          { e.keyReqs++ }
func (e *fakeEncoder) Close() error              { return nil }

type fakeSource struct {
	observer FrameObserver
}

func (s *fakeSource) Attach(o FrameObserver) bool { s.observer = o; return true }
func (s *fakeSource) Detach(o FrameObserver) bool { s.observer = nil; return true }
func (s *fakeSource) Params() DeviceParams        { return DeviceParams{Width: 640, Height: 480} }
func (s *fakeSource) push(f *Frame) {
	if s.observer != nil {
		s.observer.Update(f)
	}
}

type capturingWriter struct {
	packets []*rtp.Packet
}

func (w *capturingWriter) WriteRTP(pkt *rtp.Packet) error {
	w.packets = append(w.packets, pkt)
	return nil
}

func TestSenderPacketizesOneFragmentPerEncodeOutput(t *testing.T) {
	enc := &fakeEncoder{fragments: 3}
	writer := &capturingWriter{}
	sender := NewSender(enc, writer, 0xABCD, 96, 1000, zerolog.Nop())
	src := &fakeSource{}

	sender.Start(src)
	src.push(NewFrame([]byte{1}, 640, 480, 0, false))

	require.Len(t, writer.packets, 3)
	for i, pkt := range writer.packets {
		assert.Equal(t, uint16(1000+i), pkt.SequenceNumber)
		assert.Equal(t, uint32(0xABCD), pkt.SSRC)
		assert.Equal(t, i == 2, pkt.Marker, "only the last fragment should carry the marker bit")
	}
	assert.EqualValues(t, 1002, sender.LastSeq())
}

func TestSenderSequenceContinuityAcrossRestart(t *testing.T) {
	enc := &fakeEncoder{fragments: 1}
	writer := &capturingWriter{}
	sender := NewSender(enc, writer, 1, 96, 5000, zerolog.Nop())
	src := &fakeSource{}
	sender.Start(src)
	src.push(NewFrame(nil, 1, 1, 0, false))
	src.push(NewFrame(nil, 1, 1, time.Millisecond, false))
	sender.Stop()

	restarted := NewSender(enc, writer, 1, 96, sender.LastSeq()+1, zerolog.Nop())
	restarted.Start(src)
	src.push(NewFrame(nil, 1, 1, 0, false))

	last := writer.packets[len(writer.packets)-1]
	assert.Equal(t, sender.LastSeq()+1, last.SequenceNumber)
}

func TestSenderStopDetachesFromSource(t *testing.T) {
	enc := &fakeEncoder{fragments: 1}
	writer := &capturingWriter{}
	sender := NewSender(enc, writer, 1, 96, 0, zerolog.Nop())
	src := &fakeSource{}
	sender.Start(src)
	sender.Stop()

	assert.Nil(t, src.observer)
}
