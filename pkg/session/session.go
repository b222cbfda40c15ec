package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/solovyev/vrtpcore/pkg/congestion"
	"github.com/solovyev/vrtpcore/pkg/media"
	"github.com/solovyev/vrtpcore/pkg/metrics"
	"github.com/solovyev/vrtpcore/pkg/mixer"
	"github.com/solovyev/vrtpcore/pkg/transport"
	"github.com/solovyev/vrtpcore/pkg/vrtperrors"
)

// adaptiveLoopTick bounds how long the adaptive loop waits for fresh
// RTCP before re-checking anyway; WaitForRTCP returns early whenever a
// report actually arrives.
const adaptiveLoopTick = 4 * time.Second

// KeyFrameRequestedFunc and SetupResultFunc mirror the teacher's
// requestKeyFrameCallback/onSuccessfulSetup hooks (§7): callers learn
// about events the core can't itself act on (requesting an upstream
// source refresh a GOP) or want to observe for diagnostics.
type (
	KeyFrameRequestedFunc func()
	SetupResultFunc       func(err error)
)

// RtpSession is the one place pkg/transport, pkg/congestion, and
// pkg/media are wired together: it owns a socket pair, a sender/
// receiver pair, a congestion controller, and the bitrate state the
// adaptive loop mutates. All exported methods serialize through mu;
// none call each other directly while holding it — callers needing
// that go through the unexported *Locked half, mirroring the split
// between the teacher's public operations and its changeStateLocked.
type RtpSession struct {
	mu  sync.Mutex
	log zerolog.Logger

	id   string
	fsm  *fsm.FSM
	desc MediaDescription

	transport  *transport.SocketPair
	encoder    media.Encoder
	decoder    media.Decoder
	sender     *media.Sender
	receiver   *media.Receiver
	controller *congestion.Controller

	localSSRC   uint32
	payloadType uint8
	nextSeq     uint16

	bitrate        VideoBitrateInfo
	defaultBitrate VideoBitrateInfo
	lossHistory    []lossSample
	lastRestart    time.Time

	// sendDisabled/recvDisabled record a CryptoInit failure disabling
	// the affected direction (spec.md §7 "CryptoInit"); both are
	// recomputed from scratch on every applyMediaLocked.
	sendDisabled bool
	recvDisabled bool

	// localSource is whatever FrameSource the sender is currently
	// attached to: the caller's capture source outside a conference,
	// or confMixer while conferenced. preConferenceSource is what
	// BindSource last installed, restored verbatim on exitConference
	// (spec.md §8 invariant 6: exactly one of {camera, mixer}).
	localSource         media.FrameSource
	preConferenceSource media.FrameSource
	confMixer           *mixer.VideoMixer
	confKey             mixer.SourceKey

	recorder              media.RecorderSink
	recorderObserver       media.FrameObserver
	recorderStream         media.MediaStream
	recorderDetach         func()
	localRecorderObserver  media.FrameObserver
	localRecorderStream    media.MediaStream

	onKeyFrameRequested KeyFrameRequestedFunc
	onSetupResult       SetupResultFunc

	metrics *metrics.Collector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// SetMetrics installs the process-wide Prometheus collector this
// session reports into. Nil (the default) disables reporting entirely
// rather than requiring every caller to wire a collector.
func (s *RtpSession) SetMetrics(m *metrics.Collector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// NewRtpSession builds an idle session around an already-constructed
// socket pair and codec pair. useTrendline selects the delay estimator
// pkg/congestion.NewController uses for this session's receive path.
func NewRtpSession(id string, sp *transport.SocketPair, encoder media.Encoder, decoder media.Decoder, localSSRC uint32, payloadType uint8, useTrendline bool, log zerolog.Logger) *RtpSession {
	defaults := VideoBitrateInfo{
		Current:        defaultBitrateKbps,
		Min:            defaultBitrateKbps / 2,
		Max:            defaultMaxBitrateKbps,
		QualityCurrent: 50,
		QualityMin:     10,
		QualityMax:     100,
	}
	s := &RtpSession{
		id:             id,
		log:            log.With().Str("session_id", id).Logger(),
		transport:      sp,
		encoder:        encoder,
		decoder:        decoder,
		controller:     congestion.NewController(useTrendline),
		localSSRC:      localSSRC,
		payloadType:    payloadType,
		bitrate:        defaults,
		defaultBitrate: defaults,
		receiver:       media.NewReceiver(decoder, log),
	}
	s.fsm = newSessionFSM(s)
	return s
}

func (s *RtpSession) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Current()
}

// SetCallbacks installs the optional event hooks; nil clears one.
func (s *RtpSession) SetCallbacks(onKeyFrame KeyFrameRequestedFunc, onSetup SetupResultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onKeyFrameRequested = onKeyFrame
	s.onSetupResult = onSetup
}

// Start transitions Idle -> Running: configures the encoder/decoder
// for desc's geometry, opens the send/receive pipelines, and launches
// the adaptive loop goroutine if auto-quality is requested.
func (s *RtpSession) Start(desc MediaDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fsm.Event(context.Background(), EventStart); err != nil {
		return vrtperrors.New(vrtperrors.KindFatal, "start", err)
	}
	return s.applyMediaLocked(desc, true)
}

// UpdateMedia re-applies a new MediaDescription without changing
// lifecycle state (self-loop in every state per the FSM table).
func (s *RtpSession) UpdateMedia(desc MediaDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fsm.Event(context.Background(), EventUpdateMedia); err != nil {
		return vrtperrors.New(vrtperrors.KindFatal, "update_media", err)
	}
	return s.applyMediaLocked(desc, false)
}

// applyMediaLocked must be called with mu held. restart controls
// whether the send pipeline is (re)started from scratch (Start) or
// merely reconfigured in place (UpdateMedia).
func (s *RtpSession) applyMediaLocked(desc MediaDescription, restart bool) error {
	bitrateKbps, maxKbps := rescaleBitrateForResolution(desc.Width, desc.Height)
	s.bitrate.Current = bitrateKbps
	s.bitrate.Max = maxKbps
	s.bitrate.Clamp()
	s.defaultBitrate = s.bitrate

	if desc.Addr != "" {
		if addr, err := resolveUDPAddr(desc.Addr); err == nil {
			s.transport.SetRemote(addr)
		}
	}

	encCfg := media.EncoderConfig{
		Width:       desc.Width,
		Height:      desc.Height,
		Framerate:   desc.Framerate,
		BitrateKbps: s.bitrate.Current,
		QualityMin:  s.bitrate.QualityMin,
		QualityMax:  s.bitrate.QualityMax,
	}
	if err := s.encoder.Open(encCfg); err != nil {
		s.reportSetupLocked(err)
		return vrtperrors.New(vrtperrors.KindEncoderInit, "open encoder", err)
	}
	if err := s.decoder.Open(media.DecoderConfig{Width: desc.Width, Height: desc.Height}); err != nil {
		s.reportSetupLocked(err)
		return vrtperrors.New(vrtperrors.KindDecoderInit, "open decoder", err)
	}

	s.desc = desc
	cryptoErr := s.configureCryptoLocked(desc)

	if restart {
		if !s.sendDisabled {
			s.startSenderLocked()
		}
		if desc.Codec.AutoQualityEnabled {
			s.startAdaptiveLoopLocked()
		}
		s.attachRecorderLocked()
		if s.metrics != nil {
			s.metrics.SessionStarted()
			s.metrics.SetBitrate(s.id, s.bitrate.Current)
		}
	}

	// cryptoErr, if any, was already surfaced by disableCryptoLocked;
	// reporting nil here too would clobber it with a false success.
	if cryptoErr == nil {
		s.reportSetupLocked(nil)
	}
	return nil
}

// configureCryptoLocked must be called with mu held, after s.desc has
// been updated to desc. It installs SRTP encrypt/decrypt contexts when
// both directions advertise crypto, string-matching the suite name
// against the four pkg/transport recognizes (spec.md §4.2); a setup
// failure disables both directions rather than leaving the transport
// half-keyed, mirroring SocketPair::createSRTP failing the whole call.
func (s *RtpSession) configureCryptoLocked(desc MediaDescription) error {
	s.sendDisabled = false
	s.recvDisabled = false

	if desc.OutCrypto == nil || desc.InCrypto == nil {
		return nil
	}

	profile, err := transport.ParseSRTPSuite(desc.OutCrypto.Suite)
	if err != nil {
		return s.disableCryptoLocked(err)
	}
	if desc.InCrypto.Suite != desc.OutCrypto.Suite {
		if _, err := transport.ParseSRTPSuite(desc.InCrypto.Suite); err != nil {
			return s.disableCryptoLocked(err)
		}
	}

	localKey, localSalt, err := transport.DecodeSRTPKeyInfo(profile, desc.OutCrypto.KeyInfoBase64)
	if err != nil {
		return s.disableCryptoLocked(err)
	}
	remoteKey, remoteSalt, err := transport.DecodeSRTPKeyInfo(profile, desc.InCrypto.KeyInfoBase64)
	if err != nil {
		return s.disableCryptoLocked(err)
	}

	if err := s.transport.EnableSRTP(profile, localKey, localSalt, remoteKey, remoteSalt); err != nil {
		return s.disableCryptoLocked(err)
	}
	return nil
}

// disableCryptoLocked must be called with mu held. It marks both
// directions disabled and surfaces a CryptoInit error through the
// setup-result callback (spec.md §7's "disables the affected
// direction and emits a setup-failed signal"), returning it so the
// caller can skip following up with a false success report.
func (s *RtpSession) disableCryptoLocked(err error) error {
	s.sendDisabled = true
	s.recvDisabled = true
	s.log.Warn().Err(err).Msg("srtp setup failed, disabling both directions")
	wrapped := vrtperrors.New(vrtperrors.KindCryptoInit, "enable srtp", err)
	s.reportSetupLocked(wrapped)
	return wrapped
}

// startSenderLocked must be called with mu held. It builds a fresh
// media.Sender seeded at nextSeq (zero on the very first start,
// last-used+1 thereafter) so a restart never repeats or skips a
// sequence number, then attaches it directly to the transport as its
// RTPWriter.
func (s *RtpSession) startSenderLocked() {
	s.sender = media.NewSender(s.encoder, s.transport, s.localSSRC, s.payloadType, s.nextSeq, s.log)
	s.lastRestart = time.Now()
}

// stopSenderLocked must be called with mu held. It records the last
// sequence number used so a subsequent startSenderLocked can continue
// from it, and detaches the sender from whatever FrameSource drove it.
func (s *RtpSession) stopSenderLocked() {
	if s.sender == nil {
		return
	}
	s.nextSeq = s.sender.LastSeq() + 1
	s.sender.Stop()
	s.sender = nil
}

// BindSource attaches an external capture source to the session's
// sender, starting the send pipeline, and remembers it as the source
// to restore on exitConference. While conferenced, the mixer owns the
// sender's input (spec.md §8 invariant 6: exactly one of {camera,
// mixer} attached), so the bind is deferred until ExitConference. The
// source is owned by the caller; the session only ever Attach/Detach's
// its own Sender (and, if a recorder is installed, its local-recorder
// observer) against it.
func (s *RtpSession) BindSource(source media.FrameSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preConferenceSource = source
	if s.confMixer != nil {
		return
	}
	s.rebindSourceLocked(source)
}

// rebindSourceLocked must be called with mu held. It moves the
// sender's (and, if attached, the local recorder's) FrameSource
// binding from whatever it was onto source, used by BindSource,
// EnterConference, and ExitConference so at most one FrameSource is
// ever attached at a time.
func (s *RtpSession) rebindSourceLocked(source media.FrameSource) {
	if s.localSource != nil && s.localRecorderObserver != nil {
		s.localSource.Detach(s.localRecorderObserver)
	}
	s.localSource = source
	if source == nil {
		return
	}
	if s.sender != nil {
		s.sender.Start(source)
	}
	if s.localRecorderObserver != nil {
		source.Attach(s.localRecorderObserver)
	}
}

// HandleRTP feeds one received RTP payload into the decode/FrameBus
// pipeline. Called by whatever reads SocketPair's RTP stream; kept
// separate from SocketPair itself so pkg/transport never imports
// pkg/media. A no-op while the receive direction is disabled by a
// CryptoInit failure (spec.md §7).
func (s *RtpSession) HandleRTP(payload []byte, marker bool) error {
	s.mu.Lock()
	disabled := s.recvDisabled
	s.mu.Unlock()
	if disabled {
		return nil
	}
	return s.receiver.HandleRTP(payload, marker)
}

// Bus exposes the receive-side FrameBus for renderers, the mixer, or
// a recorder to subscribe to.
func (s *RtpSession) Bus() *media.FrameBus {
	return s.receiver.Bus()
}

// SetMuted stops or restarts the send pipeline in place, preserving
// sequence-number continuity exactly like any other restart, and
// detaches (or reattaches) the local recorder observer in lockstep:
// spec.md §4.1 setMuted "detaches recorder attachment if present",
// leaving the remote/inbound attachment untouched.
func (s *RtpSession) SetMuted(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event := EventUnmute
	if muted {
		event = EventMute
	}
	if err := s.fsm.Event(context.Background(), event); err != nil {
		return vrtperrors.New(vrtperrors.KindFatal, event, err)
	}

	if muted {
		s.stopSenderLocked()
		s.detachLocalRecorderLocked()
	} else {
		if !s.sendDisabled {
			s.startSenderLocked()
			if s.localSource != nil {
				s.sender.Start(s.localSource)
			}
		}
		s.attachLocalRecorderLocked()
	}
	return nil
}

// EnterConference transitions Running -> Conferenced, substituting the
// mixer for the local capture source: the sender restarts bound to m's
// composed output (preserving sequence-number continuity, spec.md §8
// invariant 1) and the receiver's decoded frames are registered as one
// of m's own input slots under key/info. Mirrors
// setupConferenceVideoPipeline(Direction::SEND)/(Direction::RECV).
func (s *RtpSession) EnterConference(m *mixer.VideoMixer, key mixer.SourceKey, info mixer.ParticipantInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fsm.Event(context.Background(), EventEnterConference); err != nil {
		return vrtperrors.New(vrtperrors.KindFatal, "enter_conference", err)
	}

	s.confMixer = m
	s.confKey = key
	m.AddSource(key, info, s.receiver.Bus())

	if !s.sendDisabled {
		s.stopSenderLocked()
		s.startSenderLocked()
		s.rebindSourceLocked(m)
	}
	return nil
}

// ExitConference transitions Conferenced -> Running: detaches from the
// mixer, restarts the sender (spec.md §4.4: "the sender must be
// restarted because many hardware encoders cannot cleanly switch
// input resolution"), and rebinds it to whatever source BindSource
// last installed.
func (s *RtpSession) ExitConference() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fsm.Event(context.Background(), EventExitConference); err != nil {
		return vrtperrors.New(vrtperrors.KindFatal, "exit_conference", err)
	}

	if s.confMixer != nil {
		s.confMixer.RemoveSource(s.confKey)
		s.confMixer = nil
	}

	if !s.sendDisabled {
		s.stopSenderLocked()
		s.startSenderLocked()
		s.rebindSourceLocked(s.preConferenceSource)
	}
	return nil
}

// Stop transitions any state -> Stopped, joins the adaptive loop and
// the send/receive pipelines, and resets the bitrate state back to
// its post-negotiation defaults.
func (s *RtpSession) Stop() error {
	s.mu.Lock()
	if err := s.fsm.Event(context.Background(), EventStop); err != nil {
		s.mu.Unlock()
		return vrtperrors.New(vrtperrors.KindFatal, "stop", err)
	}
	s.stopSenderLocked()
	s.stopAdaptiveLoopLocked()
	s.bitrate.Reset(s.defaultBitrate)
	s.detachRecorderLocked()
	if s.metrics != nil {
		s.metrics.SessionStopped()
	}
	s.mu.Unlock()

	return s.transport.Close()
}

// startAdaptiveLoopLocked must be called with mu held. It wires the
// transport's delay callback into the congestion controller and
// launches the goroutine that periodically folds RTCP feedback into
// the bitrate decision.
func (s *RtpSession) startAdaptiveLoopLocked() {
	if s.stopCh != nil {
		return // already running
	}
	s.stopCh = make(chan struct{})

	s.transport.SetRTPDelayCallback(func(recvDeltaMs, sendDeltaMs float64, arrival time.Time) {
		state, action := s.controller.Update(recvDeltaMs, sendDeltaMs, arrival)
		if s.metrics != nil {
			s.metrics.SetCongestionState(s.id, state)
		}
		if action == congestion.REMBActionNone {
			return
		}
		bitrate := congestion.REMBHintIncrease
		if action == congestion.REMBActionDecrease {
			bitrate = congestion.REMBHintDecrease
		}
		raw, err := congestion.EncodeREMB(s.localSSRC, []uint32{s.localSSRC}, bitrate)
		if err != nil {
			s.log.Warn().Err(err).Msg("encode remb")
			return
		}
		if err := s.transport.WriteRTCPRaw(raw); err != nil {
			s.log.Warn().Err(err).Msg("send remb")
			return
		}
		if s.metrics != nil {
			s.metrics.RembSent(s.id, action)
		}
	})

	s.wg.Add(1)
	stopCh := s.stopCh
	go s.adaptiveLoop(stopCh)
}

func (s *RtpSession) stopAdaptiveLoopLocked() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()
	s.wg.Wait()
	s.mu.Lock()
}

// adaptiveLoop runs until stopCh closes, waking on either fresh RTCP
// or adaptiveLoopTick, whichever comes first, and folding whatever
// feedback arrived into the sender's bitrate. The wait itself runs in
// a helper goroutine so a Stop() racing against a quiet RTCP channel
// returns immediately instead of blocking for up to adaptiveLoopTick.
func (s *RtpSession) adaptiveLoop(stopCh chan struct{}) {
	defer s.wg.Done()
	for {
		waitDone := make(chan struct{})
		go func() {
			s.transport.WaitForRTCP(adaptiveLoopTick)
			close(waitDone)
		}()

		select {
		case <-stopCh:
			return
		case <-waitDone:
		}

		select {
		case <-stopCh:
			return
		default:
		}
		s.tickBitrate()
	}
}

// tickBitrate folds the most recent RR (loss) and REMB (delay hint
// from the peer) into the sender's bitrate, applying the larger
// reduction when both fire in the same tick, per spec.md §4.1's
// larger-reduction-wins rule.
func (s *RtpSession) tickBitrate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sender == nil {
		return
	}
	now := time.Now()
	current := s.bitrate.Current
	candidate := current
	changed := false
	cause := ""

	if now.Sub(s.lastRestart) >= postRestartLossGrace {
		for _, rr := range s.transport.GetRtcpRR() {
			for _, r := range rr.Reports {
				if r.SSRC != s.localSSRC {
					continue
				}
				lossPercent := float64(r.FractionLost) / 256.0 * 100.0
				if s.metrics != nil {
					s.metrics.SetLossPercent(s.id, lossPercent)
				}
				s.lossHistory = recordLoss(s.lossHistory, lossPercent, now)
				weighted := weightedLoss(s.lossHistory, now)
				if nb, dec := lossBasedDecrease(current, lossPercent, weighted); dec && nb < candidate {
					candidate = nb
					changed = true
					cause = "loss"
				}
			}
		}
	}

	for _, remb := range s.transport.GetRtcpREMB() {
		if nb, ok := interpretPeerREMB(uint64(remb.Bitrate), current); ok {
			if !changed || nb < candidate {
				candidate = nb
				changed = true
				cause = "remb"
			}
		}
	}

	if s.metrics != nil {
		if rtt := s.transport.GetLastLatency(); rtt > 0 {
			s.metrics.ObserveRTT(s.id, rtt)
		}
	}

	if !changed {
		return
	}
	s.bitrate.Current = candidate
	s.bitrate.Clamp()
	s.bitrate.Iterations++

	if s.metrics != nil {
		s.metrics.BitrateDecision(s.id, cause)
		s.metrics.SetBitrate(s.id, s.bitrate.Current)
	}

	if err := s.encoder.SetBitrate(s.bitrate.Current); err != nil {
		if err == media.ErrBitrateNotSupported {
			s.stopSenderLocked()
			s.startSenderLocked()
			if s.localSource != nil {
				s.sender.Start(s.localSource)
			}
		} else {
			s.log.Warn().Err(err).Msg("set bitrate")
		}
	}
}

// requestKeyFrame asks the encoder for an immediate keyframe and
// notifies onKeyFrameRequested, matching requestKeyFrameCallback.
func (s *RtpSession) requestKeyFrame() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encoder.RequestKeyFrame()
	if s.metrics != nil {
		s.metrics.KeyFrameRequested(s.id)
	}
	if s.onKeyFrameRequested != nil {
		s.onKeyFrameRequested()
	}
}

func (s *RtpSession) reportSetupLocked(err error) {
	if s.onSetupResult != nil {
		s.onSetupResult(err)
	}
}

// resolveUDPAddr is the one place session.go touches net directly,
// kept separate so applyMediaLocked reads as policy, not plumbing.
func resolveUDPAddr(addr string) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", addr)
}
