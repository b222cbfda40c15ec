package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// senderClockRateHz is RFC 3551's default video RTP clock rate, used
// to turn a Frame's presentation time into an RTP timestamp.
const senderClockRateHz = 90000

// RTPWriter is the subset of *transport.SocketPair a Sender needs.
// Narrowing the dependency to an interface keeps this package
// testable without a real socket and avoids a hard import cycle risk
// if pkg/transport ever needs to depend on frame types.
type RTPWriter interface {
	WriteRTP(pkt *rtp.Packet) error
}

// Sender is the thin pump wrapping an Encoder: it attaches to a
// FrameSource as an observer, encodes each delivered frame, and
// packetizes the resulting payload(s) onto an RTPWriter. Mirrors
// component #3 "MediaDecoder/Sender" (spec.md §2): "sender reads
// frames from a source observer, encodes, pushes packets to
// SocketPair".
type Sender struct {
	log zerolog.Logger

	encoder     Encoder
	payloadType uint8
	ssrc        uint32
	writer      RTPWriter

	seq uint32 // holds the next sequence number to emit, atomic

	mu      sync.Mutex
	source  FrameSource
	running bool
}

// NewSender wires up a Sender. startSeq is the first sequence number
// it will emit; a session restarting a sender passes lastSeq+1 to
// keep the outbound stream's sequence numbers continuous across the
// restart (spec.md §3 invariant).
func NewSender(encoder Encoder, writer RTPWriter, ssrc uint32, payloadType uint8, startSeq uint16, log zerolog.Logger) *Sender {
	return &Sender{
		log:         log.With().Str("component", "sender").Logger(),
		encoder:     encoder,
		payloadType: payloadType,
		ssrc:        ssrc,
		writer:      writer,
		seq:         uint32(startSeq),
	}
}

// Start attaches the sender to source; frames begin flowing
// immediately on the source's own delivery goroutine.
func (s *Sender) Start(source FrameSource) {
	s.mu.Lock()
	s.source = source
	s.running = true
	s.mu.Unlock()
	source.Attach(s)
}

// Stop detaches from the current source. Safe to call even if Start
// was never called.
func (s *Sender) Stop() {
	s.mu.Lock()
	source := s.source
	s.source = nil
	s.running = false
	s.mu.Unlock()
	if source != nil {
		source.Detach(s)
	}
}

// Update implements FrameObserver.
func (s *Sender) Update(f *Frame) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}

	payloads, err := s.encoder.Encode(f)
	if err != nil {
		s.log.Warn().Err(err).Msg("encode failed, dropping frame")
		return
	}

	ts := uint32(f.PTS.Seconds() * senderClockRateHz)
	for i, payload := range payloads {
		seq := uint16(atomic.AddUint32(&s.seq, 1) - 1)
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    s.payloadType,
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           s.ssrc,
				Marker:         i == len(payloads)-1,
			},
			Payload: payload,
		}
		if err := s.writer.WriteRTP(pkt); err != nil {
			s.log.Debug().Err(err).Msg("write rtp failed")
		}
	}
}

// LastSeq returns the most recently emitted sequence number, for a
// session to hand off as startSeq to the next Sender across a
// restart.
func (s *Sender) LastSeq() uint16 {
	return uint16(atomic.LoadUint32(&s.seq) - 1)
}

// SetBitrate forwards to the encoder; returns ErrBitrateNotSupported
// if the encoder requires a restart to change bitrate.
func (s *Sender) SetBitrate(kbps int) error {
	return s.encoder.SetBitrate(kbps)
}

// RequestKeyFrame forwards to the encoder.
func (s *Sender) RequestKeyFrame() {
	s.encoder.RequestKeyFrame()
}

// Close stops the encoder. The caller must have called Stop first.
func (s *Sender) Close() error {
	return s.encoder.Close()
}
