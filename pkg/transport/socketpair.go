// Package transport implements the multiplexed RTP/RTCP socket pair
// that carries one video stream between two endpoints: SRTP-protected
// datagram I/O, inbound RTCP feedback capture (receiver reports and
// REMB), one-way-delay gradient sampling for the congestion estimator,
// and RTT tracking from sender-report round trips. Grounded on
// socket_pair.h/.cpp (original_source) for responsibilities, and on
// the teacher's pkg/rtp/transport_udp.go for the connection/mutex
// shape (lock, copy out what's needed, unlock, then act).
package transport

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/srtp/v3"
	"github.com/rs/zerolog"

	"github.com/solovyev/vrtpcore/pkg/vrtperrors"
)

const (
	// maxRTCPQueueLen mirrors socket_pair.h's MAX_LIST_SIZE: each
	// feedback queue keeps only the most recent entries, oldest
	// dropped first once full.
	maxRTCPQueueLen = 10
	maxRTTSamples   = 10

	// rtpClockRateHz is RFC 3551's default video media clock rate,
	// used to turn an RTP timestamp delta into milliseconds for the
	// one-way-delay gradient fed to pkg/congestion.
	rtpClockRateHz = 90000

	readBufferSize = 2048

	ntpUnixEpochDeltaSeconds = 2208988800
)

// DelayCallback receives one one-way-delay gradient sample per RTP
// frame boundary (a marker-bit packet): the wall-clock inter-arrival
// delta at the receiver and the RTP-timestamp-derived inter-departure
// delta, both in milliseconds.
type DelayCallback func(recvDeltaMs, sendDeltaMs float64, arrival time.Time)

// LossCallback receives the fraction-lost field of each inbound
// receiver report, in RFC 3550's 8-bit fixed-point representation.
type LossCallback func(fractionLost uint8, cumulativeLost uint32)

// SocketPair owns one UDP socket carrying both RTP and RTCP for a
// single video stream (RFC 5761 multiplexing), optionally protected
// by SRTP/SRTCP. One instance backs one direction-independent media
// flow and is shared by the sender and receiver halves of an
// RtpSession.
type SocketPair struct {
	log zerolog.Logger

	conn      *net.UDPConn
	localSSRC uint32

	mu         sync.RWMutex
	remoteAddr *net.UDPAddr
	stopSend   bool

	srtpMu    sync.Mutex
	localCtx  *srtp.Context
	remoteCtx *srtp.Context

	rtcpMu    sync.Mutex
	rrQueue   []*rtcp.ReceiverReport
	rembQueue []*rtcp.ReceiverEstimatedMaximumBitrate
	notify    chan struct{}

	rttMu        sync.Mutex
	rttSamples   []time.Duration
	lastSRMiddle uint32
	lastSRSentAt time.Time
	haveLastSR   bool

	timingMu       sync.Mutex
	haveLastMarker bool
	lastMarkerRTP  uint32
	lastMarkerTime time.Time

	callbackMu sync.RWMutex
	onDelay    DelayCallback
	onLoss     LossCallback

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewSocketPair binds a UDP socket on localAddr, applies the
// platform-specific QoS/low-latency socket options for video traffic,
// and starts the background read loop. It mirrors
// SocketPair::createIOContext.
func NewSocketPair(localAddr string, localSSRC uint32, log zerolog.Logger) (*SocketPair, error) {
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, vrtperrors.New(vrtperrors.KindTransportInit, "resolve local addr", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, vrtperrors.New(vrtperrors.KindTransportInit, "listen udp", err)
	}

	if rawConn, ferr := conn.SyscallConn(); ferr == nil {
		_ = rawConn.Control(func(fd uintptr) {
			tuneSocket(int(fd), DSCPVideoAssuredForward)
		})
	}

	sp := &SocketPair{
		log:       log.With().Str("component", "socketpair").Logger(),
		conn:      conn,
		localSSRC: localSSRC,
		notify:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}

	sp.wg.Add(1)
	go sp.readLoop()

	return sp, nil
}

// SetRemote sets the destination for outbound RTP/RTCP once the peer
// address is known (after signaling completes).
func (sp *SocketPair) SetRemote(addr *net.UDPAddr) {
	sp.mu.Lock()
	sp.remoteAddr = addr
	sp.mu.Unlock()
}

// LocalAddr returns the address the underlying UDP socket is bound
// to, useful when the caller asked for an ephemeral port (":0").
func (sp *SocketPair) LocalAddr() net.Addr {
	return sp.conn.LocalAddr()
}

// EnableSRTP installs local (encrypt) and remote (decrypt) SRTP
// contexts for the given protection profile. Mirrors
// SocketPair::createSRTP.
func (sp *SocketPair) EnableSRTP(profile srtp.ProtectionProfile, localKey, localSalt, remoteKey, remoteSalt []byte) error {
	localCtx, err := srtp.CreateContext(localKey, localSalt, profile)
	if err != nil {
		return vrtperrors.New(vrtperrors.KindCryptoInit, "create local srtp context", err)
	}
	remoteCtx, err := srtp.CreateContext(remoteKey, remoteSalt, profile)
	if err != nil {
		return vrtperrors.New(vrtperrors.KindCryptoInit, "create remote srtp context", err)
	}

	sp.srtpMu.Lock()
	sp.localCtx = localCtx
	sp.remoteCtx = remoteCtx
	sp.srtpMu.Unlock()
	return nil
}

// StopSendOp toggles whether WriteRTP/WriteSenderReport are allowed to
// send, without tearing down the socket. Used across restart cycles
// (startSender/stopSender) to avoid rebinding ports.
func (sp *SocketPair) StopSendOp(stop bool) {
	sp.mu.Lock()
	sp.stopSend = stop
	sp.mu.Unlock()
}

// SetRTPDelayCallback installs the handler invoked with one-way-delay
// gradient samples as they're derived from inbound marker-bit packets.
func (sp *SocketPair) SetRTPDelayCallback(cb DelayCallback) {
	sp.callbackMu.Lock()
	sp.onDelay = cb
	sp.callbackMu.Unlock()
}

// SetPacketLossCallback installs the handler invoked with each inbound
// receiver report's loss fields.
func (sp *SocketPair) SetPacketLossCallback(cb LossCallback) {
	sp.callbackMu.Lock()
	sp.onLoss = cb
	sp.callbackMu.Unlock()
}

// WriteRTP marshals, optionally encrypts, and sends one RTP packet to
// the current remote address. Mirrors SocketPair::writeData for the
// RTP leg.
func (sp *SocketPair) WriteRTP(pkt *rtp.Packet) error {
	sp.mu.RLock()
	stop := sp.stopSend
	remote := sp.remoteAddr
	sp.mu.RUnlock()

	if stop {
		return nil
	}
	if remote == nil {
		return vrtperrors.New(vrtperrors.KindTransientSend, "write rtp", fmt.Errorf("remote address not set")).WithDirection(vrtperrors.DirectionSend)
	}

	raw, err := pkt.Marshal()
	if err != nil {
		return vrtperrors.New(vrtperrors.KindTransientSend, "marshal rtp", err).WithDirection(vrtperrors.DirectionSend)
	}

	sp.srtpMu.Lock()
	localCtx := sp.localCtx
	sp.srtpMu.Unlock()
	if localCtx != nil {
		raw, err = localCtx.EncryptRTP(nil, raw, &pkt.Header)
		if err != nil {
			return vrtperrors.New(vrtperrors.KindTransientSend, "encrypt rtp", err).WithDirection(vrtperrors.DirectionSend)
		}
	}

	if _, err := sp.conn.WriteToUDP(raw, remote); err != nil {
		return vrtperrors.New(vrtperrors.KindTransientSend, "write rtp", err).WithDirection(vrtperrors.DirectionSend)
	}
	return nil
}

// WriteSenderReport builds and sends an RTCP SR for the local stream,
// recording the middle 32 bits of its NTP timestamp so a later
// receiver report's lsr/dlsr fields can be turned into an RTT sample.
func (sp *SocketPair) WriteSenderReport(packetCount, octetCount, rtpTimestamp uint32) error {
	sp.mu.RLock()
	stop := sp.stopSend
	remote := sp.remoteAddr
	sp.mu.RUnlock()
	if stop || remote == nil {
		return nil
	}

	ntp := timeToNTP(time.Now())
	sr := &rtcp.SenderReport{
		SSRC:        sp.localSSRC,
		NTPTime:     ntp,
		RTPTime:     rtpTimestamp,
		PacketCount: packetCount,
		OctetCount:  octetCount,
	}
	raw, err := sr.Marshal()
	if err != nil {
		return vrtperrors.New(vrtperrors.KindTransientSend, "marshal sr", err).WithDirection(vrtperrors.DirectionSend)
	}

	sp.srtpMu.Lock()
	localCtx := sp.localCtx
	sp.srtpMu.Unlock()
	if localCtx != nil {
		raw, err = localCtx.EncryptRTCP(nil, raw, nil)
		if err != nil {
			return vrtperrors.New(vrtperrors.KindTransientSend, "encrypt sr", err).WithDirection(vrtperrors.DirectionSend)
		}
	}

	if _, err := sp.conn.WriteToUDP(raw, remote); err != nil {
		return vrtperrors.New(vrtperrors.KindTransientSend, "write sr", err).WithDirection(vrtperrors.DirectionSend)
	}

	sp.rttMu.Lock()
	sp.lastSRMiddle = ntpMiddle32(ntp)
	sp.lastSRSentAt = time.Now()
	sp.haveLastSR = true
	sp.rttMu.Unlock()
	return nil
}

// WriteRTCPRaw sends an already-marshaled RTCP packet (REMB, RR, or
// anything else a caller assembled) to the current remote address,
// encrypting it first if SRTP is enabled. Used by the session's
// congestion controller to emit REMB feedback without SocketPair
// needing to know the packet's concrete type.
func (sp *SocketPair) WriteRTCPRaw(raw []byte) error {
	sp.mu.RLock()
	stop := sp.stopSend
	remote := sp.remoteAddr
	sp.mu.RUnlock()
	if stop {
		return nil
	}
	if remote == nil {
		return vrtperrors.New(vrtperrors.KindTransientSend, "write rtcp", fmt.Errorf("remote address not set")).WithDirection(vrtperrors.DirectionSend)
	}

	sp.srtpMu.Lock()
	localCtx := sp.localCtx
	sp.srtpMu.Unlock()
	if localCtx != nil {
		var err error
		raw, err = localCtx.EncryptRTCP(nil, raw, nil)
		if err != nil {
			return vrtperrors.New(vrtperrors.KindTransientSend, "encrypt rtcp", err).WithDirection(vrtperrors.DirectionSend)
		}
	}

	if _, err := sp.conn.WriteToUDP(raw, remote); err != nil {
		return vrtperrors.New(vrtperrors.KindTransientSend, "write rtcp", err).WithDirection(vrtperrors.DirectionSend)
	}
	return nil
}

// GetRtcpRR returns a snapshot of the most recent receiver reports
// (oldest first, capped at maxRTCPQueueLen). Mirrors
// SocketPair::getRtcpRR.
func (sp *SocketPair) GetRtcpRR() []*rtcp.ReceiverReport {
	sp.rtcpMu.Lock()
	defer sp.rtcpMu.Unlock()
	out := make([]*rtcp.ReceiverReport, len(sp.rrQueue))
	copy(out, sp.rrQueue)
	return out
}

// GetRtcpREMB returns a snapshot of the most recent REMB packets
// (oldest first, capped at maxRTCPQueueLen). Mirrors
// SocketPair::getRtcpREMB.
func (sp *SocketPair) GetRtcpREMB() []*rtcp.ReceiverEstimatedMaximumBitrate {
	sp.rtcpMu.Lock()
	defer sp.rtcpMu.Unlock()
	out := make([]*rtcp.ReceiverEstimatedMaximumBitrate, len(sp.rembQueue))
	copy(out, sp.rembQueue)
	return out
}

// WaitForRTCP blocks until a new RTCP packet has been captured or
// timeout elapses, returning whether one arrived. Mirrors
// SocketPair::waitForRTCP.
func (sp *SocketPair) WaitForRTCP(timeout time.Duration) bool {
	select {
	case <-sp.notify:
		return true
	case <-time.After(timeout):
		return false
	case <-sp.closed:
		return false
	}
}

// GetLastLatency returns the median of the last maxRTTSamples RTT
// measurements derived from SR/RR round trips, or 0 if none yet.
func (sp *SocketPair) GetLastLatency() time.Duration {
	sp.rttMu.Lock()
	defer sp.rttMu.Unlock()
	if len(sp.rttSamples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(sp.rttSamples))
	copy(sorted, sp.rttSamples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

// Close stops the read loop and releases the socket.
func (sp *SocketPair) Close() error {
	var err error
	sp.closeOnce.Do(func() {
		close(sp.closed)
		err = sp.conn.Close()
		sp.wg.Wait()
	})
	return err
}

func (sp *SocketPair) readLoop() {
	defer sp.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-sp.closed:
			return
		default:
		}

		sp.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := sp.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-sp.closed:
				return
			default:
				sp.log.Debug().Err(err).Msg("read udp failed")
				continue
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		if isRTCP(data) {
			sp.handleRTCP(data)
		} else {
			sp.handleRTP(data)
		}
	}
}

// isRTCP classifies a multiplexed datagram by its second byte, the
// convention used throughout the pion ecosystem for RFC 5761 RTP/RTCP
// demuxing: RTCP packet types occupy 200-204, and implementations
// commonly widen the match to 192-223 to tolerate profile extensions.
func isRTCP(buf []byte) bool {
	return len(buf) >= 2 && buf[1] >= 192 && buf[1] <= 223
}

func (sp *SocketPair) handleRTP(data []byte) {
	sp.srtpMu.Lock()
	remoteCtx := sp.remoteCtx
	sp.srtpMu.Unlock()

	raw := data
	if remoteCtx != nil {
		hdr := &rtp.Header{}
		if _, err := hdr.Unmarshal(data); err != nil {
			sp.log.Debug().Err(err).Msg("parse rtp header for decrypt failed")
			return
		}
		decrypted, err := remoteCtx.DecryptRTP(nil, data, hdr)
		if err != nil {
			sp.log.Debug().Err(err).Msg("decrypt rtp failed")
			return
		}
		raw = decrypted
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(raw); err != nil {
		sp.log.Debug().Err(err).Msg("unmarshal rtp failed")
		return
	}

	if !pkt.Marker {
		return
	}

	now := time.Now()
	sp.timingMu.Lock()
	if sp.haveLastMarker {
		sendDeltaMs := float64(int32(pkt.Timestamp-sp.lastMarkerRTP)) / rtpClockRateHz * 1000
		recvDeltaMs := float64(now.Sub(sp.lastMarkerTime)) / float64(time.Millisecond)
		sp.lastMarkerRTP = pkt.Timestamp
		sp.lastMarkerTime = now
		sp.timingMu.Unlock()

		sp.callbackMu.RLock()
		cb := sp.onDelay
		sp.callbackMu.RUnlock()
		if cb != nil {
			cb(recvDeltaMs, sendDeltaMs, now)
		}
		return
	}
	sp.lastMarkerRTP = pkt.Timestamp
	sp.lastMarkerTime = now
	sp.haveLastMarker = true
	sp.timingMu.Unlock()
}

func (sp *SocketPair) handleRTCP(data []byte) {
	sp.srtpMu.Lock()
	remoteCtx := sp.remoteCtx
	sp.srtpMu.Unlock()

	raw := data
	if remoteCtx != nil {
		decrypted, err := remoteCtx.DecryptRTCP(nil, data, nil)
		if err != nil {
			sp.log.Debug().Err(err).Msg("decrypt rtcp failed")
			return
		}
		raw = decrypted
	}

	packets, err := rtcp.Unmarshal(raw)
	if err != nil {
		sp.log.Debug().Err(err).Msg("unmarshal rtcp failed")
		return
	}

	got := false
	for _, p := range packets {
		switch v := p.(type) {
		case *rtcp.ReceiverReport:
			sp.enqueueRR(v)
			sp.observeRTT(v)
			sp.reportLoss(v)
			got = true
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			sp.enqueueREMB(v)
			got = true
		}
	}

	if got {
		select {
		case sp.notify <- struct{}{}:
		default:
		}
	}
}

func (sp *SocketPair) enqueueRR(rr *rtcp.ReceiverReport) {
	sp.rtcpMu.Lock()
	defer sp.rtcpMu.Unlock()
	sp.rrQueue = append(sp.rrQueue, rr)
	if len(sp.rrQueue) > maxRTCPQueueLen {
		sp.rrQueue = sp.rrQueue[len(sp.rrQueue)-maxRTCPQueueLen:]
	}
}

func (sp *SocketPair) enqueueREMB(remb *rtcp.ReceiverEstimatedMaximumBitrate) {
	sp.rtcpMu.Lock()
	defer sp.rtcpMu.Unlock()
	sp.rembQueue = append(sp.rembQueue, remb)
	if len(sp.rembQueue) > maxRTCPQueueLen {
		sp.rembQueue = sp.rembQueue[len(sp.rembQueue)-maxRTCPQueueLen:]
	}
}

func (sp *SocketPair) reportLoss(rr *rtcp.ReceiverReport) {
	sp.callbackMu.RLock()
	cb := sp.onLoss
	sp.callbackMu.RUnlock()
	if cb == nil {
		return
	}
	for _, r := range rr.Reports {
		if r.SSRC == sp.localSSRC {
			cb(r.FractionLost, r.TotalLost)
			return
		}
	}
}

// observeRTT implements RFC 3550 6.4.1: RTT = A - LSR - DLSR, where A
// is the local NTP time (middle 32 bits) at reception of this RR.
func (sp *SocketPair) observeRTT(rr *rtcp.ReceiverReport) {
	for _, r := range rr.Reports {
		if r.SSRC != sp.localSSRC || r.LastSenderReport == 0 {
			continue
		}

		sp.rttMu.Lock()
		if !sp.haveLastSR || r.LastSenderReport != sp.lastSRMiddle {
			sp.rttMu.Unlock()
			continue
		}
		sp.rttMu.Unlock()

		nowMiddle := ntpMiddle32(timeToNTP(time.Now()))
		rttUnits := int64(nowMiddle) - int64(r.LastSenderReport) - int64(r.Delay)
		if rttUnits <= 0 {
			continue
		}
		rtt := time.Duration(float64(rttUnits) / 65536.0 * float64(time.Second))

		sp.rttMu.Lock()
		sp.rttSamples = append(sp.rttSamples, rtt)
		if len(sp.rttSamples) > maxRTTSamples {
			sp.rttSamples = sp.rttSamples[len(sp.rttSamples)-maxRTTSamples:]
		}
		sp.rttMu.Unlock()
	}
}

func timeToNTP(t time.Time) uint64 {
	sec := uint64(t.Unix()) + ntpUnixEpochDeltaSeconds
	frac := uint64(float64(t.Nanosecond()) * (1 << 32) / 1e9)
	return sec<<32 | frac
}

func ntpMiddle32(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}
