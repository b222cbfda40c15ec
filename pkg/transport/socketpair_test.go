package transport

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopbackPair(t *testing.T) (*SocketPair, *SocketPair) {
	t.Helper()
	a, err := NewSocketPair("127.0.0.1:0", 111, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	b, err := NewSocketPair("127.0.0.1:0", 222, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	a.SetRemote(b.conn.LocalAddr().(*net.UDPAddr))
	b.SetRemote(a.conn.LocalAddr().(*net.UDPAddr))
	return a, b
}

func TestRTCPQueueBoundedToTen(t *testing.T) {
	a, b := newLoopbackPair(t)

	for i := 0; i < 15; i++ {
		rr := &rtcp.ReceiverReport{SSRC: 111, Reports: []rtcp.ReceptionReport{{SSRC: 111, FractionLost: uint8(i)}}}
		raw, err := rr.Marshal()
		require.NoError(t, err)
		_, err = b.conn.WriteToUDP(raw, a.conn.LocalAddr().(*net.UDPAddr))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(a.GetRtcpRR()) == maxRTCPQueueLen
	}, time.Second, 10*time.Millisecond)

	queue := a.GetRtcpRR()
	assert.Len(t, queue, maxRTCPQueueLen)
	// oldest five (fraction lost 0..4) must have been evicted
	assert.Equal(t, uint8(5), queue[0].Reports[0].FractionLost)
	assert.Equal(t, uint8(14), queue[len(queue)-1].Reports[0].FractionLost)
}

func TestWaitForRTCPTimesOutWithoutTraffic(t *testing.T) {
	a, _ := newLoopbackPair(t)
	got := a.WaitForRTCP(50 * time.Millisecond)
	assert.False(t, got)
}

func TestWaitForRTCPWakesOnArrival(t *testing.T) {
	a, b := newLoopbackPair(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		pkt := &rtcp.ReceiverEstimatedMaximumBitrate{SenderSSRC: 1, SSRCs: []uint32{111}, Bitrate: 1_000_000}
		raw, err := pkt.Marshal()
		require.NoError(t, err)
		_, _ = b.conn.WriteToUDP(raw, a.conn.LocalAddr().(*net.UDPAddr))
	}()

	got := a.WaitForRTCP(time.Second)
	assert.True(t, got)
	assert.Len(t, a.GetRtcpREMB(), 1)
}

func TestStopSendOpSuppressesOutboundRTP(t *testing.T) {
	a, _ := newLoopbackPair(t)
	a.StopSendOp(true)

	pkt := &rtp.Packet{Header: rtp.Header{SequenceNumber: 1, Timestamp: 1000, SSRC: 111}, Payload: []byte{1, 2, 3}}
	err := a.WriteRTP(pkt)
	assert.NoError(t, err, "a stopped sender should silently drop rather than error")
}

func TestMarkerBitPairProducesDelaySample(t *testing.T) {
	a, b := newLoopbackPair(t)

	samples := make(chan struct{ recv, send float64 }, 4)
	b.SetRTPDelayCallback(func(recvDeltaMs, sendDeltaMs float64, _ time.Time) {
		samples <- struct{ recv, send float64 }{recvDeltaMs, sendDeltaMs}
	})

	for i := 0; i < 2; i++ {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				SequenceNumber: uint16(i),
				Timestamp:      uint32(i) * rtpClockRateHz / 30,
				SSRC:           111,
				Marker:         true,
			},
			Payload: []byte{0xAA},
		}
		require.NoError(t, a.WriteRTP(pkt))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case s := <-samples:
		assert.InDelta(t, 1000.0/30.0, s.send, 1.0)
	case <-time.After(time.Second):
		t.Fatal("expected a delay sample after the second marker-bit packet")
	}
}
