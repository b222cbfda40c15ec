package session

import (
	"encoding/base64"
	"testing"

	"github.com/pion/srtp/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solovyev/vrtpcore/pkg/media"
	"github.com/solovyev/vrtpcore/pkg/mixer"
	"github.com/solovyev/vrtpcore/pkg/transport"
)

type stubEncoder struct {
	bitrate int
	opens   int
}

func (e *stubEncoder) Open(cfg media.EncoderConfig) error { e.opens++; e.bitrate = cfg.BitrateKbps; return nil }
func (e *stubEncoder) Encode(f *media.Frame) ([][]byte, error) { return [][]byte{{0}}, nil }
func (e *stubEncoder) SetBitrate(kbps int) error               { e.bitrate = kbps; return nil }
func (e *stubEncoder) RequestKeyFrame()                        {}
func (e *stubEncoder) Close() error                            { return nil }

type stubDecoder struct{}

func (d *stubDecoder) Open(media.DecoderConfig) error { return nil }
func (d *stubDecoder) Decode(payload []byte, marker bool) (*media.Frame, error) {
	if !marker {
		return nil, nil
	}
	return media.NewFrame(payload, 64, 48, 0, false), nil
}
func (d *stubDecoder) Close() error { return nil }

type fakeSource struct {
	observer media.FrameObserver
}

func (f *fakeSource) Attach(o media.FrameObserver) bool { f.observer = o; return true }
func (f *fakeSource) Detach(o media.FrameObserver) bool { f.observer = nil; return true }
func (f *fakeSource) Params() media.DeviceParams        { return media.DeviceParams{Width: 640, Height: 480} }

type fakeRecorder struct {
	added   []media.MediaStream
	removed []media.MediaStream
}

type fakeRecorderObserver struct{}

func (fakeRecorderObserver) Update(*media.Frame) {}

func (r *fakeRecorder) AddStream(ms media.MediaStream) (media.FrameObserver, bool) {
	r.added = append(r.added, ms)
	return fakeRecorderObserver{}, true
}

func (r *fakeRecorder) RemoveStream(ms media.MediaStream) {
	r.removed = append(r.removed, ms)
}

func newTestSession(t *testing.T) (*RtpSession, *stubEncoder) {
	t.Helper()
	sp, err := transport.NewSocketPair("127.0.0.1:0", 42, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sp.Close() })

	enc := &stubEncoder{}
	dec := &stubDecoder{}
	s := NewRtpSession("test-session", sp, enc, dec, 42, 96, true, zerolog.Nop())
	return s, enc
}

func TestStartTransitionsIdleToRunning(t *testing.T) {
	s, _ := newTestSession(t)
	require.Equal(t, StateIdle, s.State())
	require.NoError(t, s.Start(MediaDescription{Width: 640, Height: 480}))
	assert.Equal(t, StateRunning, s.State())
}

func TestEnterConferenceRejectedBeforeStart(t *testing.T) {
	s, _ := newTestSession(t)
	m := mixer.NewVideoMixer(0, 0, 0, mixer.LayoutGrid, zerolog.Nop())
	err := s.EnterConference(m, mixer.SourceKey{CallID: "c", StreamID: "s"}, mixer.ParticipantInfo{})
	assert.Error(t, err, "entering a conference from Idle must be rejected by the FSM")
}

func TestSequenceContinuityAcrossMute(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.Start(MediaDescription{Width: 640, Height: 480}))

	s.mu.Lock()
	firstSender := s.sender
	s.mu.Unlock()
	require.NotNil(t, firstSender)

	firstSender.Update(media.NewFrame([]byte{1}, 640, 480, 0, false))
	firstSender.Update(media.NewFrame([]byte{2}, 640, 480, 0, false))
	lastSeqBeforeMute := firstSender.LastSeq()

	require.NoError(t, s.SetMuted(true))
	s.mu.Lock()
	assert.Nil(t, s.sender, "muting must detach the sender")
	s.mu.Unlock()

	require.NoError(t, s.SetMuted(false))
	s.mu.Lock()
	restarted := s.sender
	s.mu.Unlock()
	require.NotNil(t, restarted)

	restarted.Update(media.NewFrame([]byte{3}, 640, 480, 0, false))
	assert.Equal(t, lastSeqBeforeMute+1, restarted.LastSeq(), "restart must resume exactly where the previous sender left off")
}

func TestBitrateRescaledAndClampedOnStart(t *testing.T) {
	s, enc := newTestSession(t)
	require.NoError(t, s.Start(MediaDescription{Width: 1920, Height: 1080}))

	s.mu.Lock()
	current := s.bitrate.Current
	max := s.bitrate.Max
	s.mu.Unlock()

	assert.LessOrEqual(t, current, max)
	assert.Equal(t, current, enc.bitrate, "the encoder must be opened with the rescaled bitrate")
}

func TestStopResetsBitrateToDefaults(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.Start(MediaDescription{Width: 1920, Height: 1080}))

	s.mu.Lock()
	s.bitrate.Current = s.bitrate.Min
	defaults := s.defaultBitrate
	s.mu.Unlock()

	require.NoError(t, s.Stop())

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, defaults, s.bitrate)
}

func TestMuteUnmuteRoundTripPreservesRunningState(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.Start(MediaDescription{Width: 320, Height: 240}))
	require.NoError(t, s.SetMuted(true))
	assert.Equal(t, StateRunning, s.State())
	require.NoError(t, s.SetMuted(false))
	assert.Equal(t, StateRunning, s.State())
}

func TestConferenceEnterExitRoundTrip(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.Start(MediaDescription{Width: 320, Height: 240}))

	m := mixer.NewVideoMixer(0, 0, 0, mixer.LayoutGrid, zerolog.Nop())
	key := mixer.SourceKey{CallID: "call1", StreamID: "video"}

	require.NoError(t, s.EnterConference(m, key, mixer.ParticipantInfo{StreamID: "video"}))
	assert.Equal(t, StateConferenced, s.State())
	assert.Equal(t, 1, m.Count(), "the receiver must be registered as one of the mixer's input slots")

	require.NoError(t, s.ExitConference())
	assert.Equal(t, StateRunning, s.State())
	assert.Equal(t, 0, m.Count(), "exiting the conference must deregister the receiver from the mixer")
}

func TestConferenceEntryAndExitEachRestartSenderExactlyOnce(t *testing.T) {
	s, _ := newTestSession(t)
	source := &fakeSource{}
	s.BindSource(source)
	require.NoError(t, s.Start(MediaDescription{Width: 320, Height: 240}))

	s.mu.Lock()
	preConfSender := s.sender
	s.mu.Unlock()
	require.NotNil(t, preConfSender)
	preConfSender.Update(media.NewFrame([]byte{1}, 320, 240, 0, false))
	preConfSender.Update(media.NewFrame([]byte{2}, 320, 240, 0, false))
	lastSeqBeforeConf := preConfSender.LastSeq()

	m := mixer.NewVideoMixer(0, 0, 0, mixer.LayoutGrid, zerolog.Nop())
	key := mixer.SourceKey{CallID: "call1", StreamID: "video"}
	require.NoError(t, s.EnterConference(m, key, mixer.ParticipantInfo{StreamID: "video"}))

	s.mu.Lock()
	confSender := s.sender
	confMixer := s.confMixer
	s.mu.Unlock()
	require.NotNil(t, confSender)
	assert.NotSame(t, preConfSender, confSender, "entering a conference must restart (not reuse) the sender")
	assert.Same(t, m, confMixer)

	confSender.Update(media.NewFrame([]byte{3}, 320, 240, 0, false))
	assert.Equal(t, lastSeqBeforeConf+1, confSender.LastSeq(), "the restarted sender must continue the outbound sequence")

	require.NoError(t, s.ExitConference())

	s.mu.Lock()
	postConfSender := s.sender
	boundSource := s.localSource
	s.mu.Unlock()
	require.NotNil(t, postConfSender)
	assert.NotSame(t, confSender, postConfSender, "exiting a conference must restart the sender again")
	assert.Same(t, source, boundSource, "exiting a conference must restore the previously bound source")

	lastSeqBeforeExit := confSender.LastSeq()
	postConfSender.Update(media.NewFrame([]byte{4}, 320, 240, 0, false))
	assert.Equal(t, lastSeqBeforeExit+1, postConfSender.LastSeq())
}

func TestMuteDetachesLocalRecorderAndUnmuteReattaches(t *testing.T) {
	s, _ := newTestSession(t)
	source := &fakeSource{}
	s.BindSource(source)

	rec := &fakeRecorder{}
	local := media.MediaStream{CallID: "call1", StreamID: "local"}
	remote := media.MediaStream{CallID: "call1", StreamID: "remote"}
	s.SetRecorder(rec, local, remote)

	require.NoError(t, s.Start(MediaDescription{Width: 320, Height: 240}))
	require.Contains(t, rec.added, local, "starting must attach the local source to the recorder")
	assert.NotNil(t, source.observer, "the local source must have an observer attached while recording")

	require.NoError(t, s.SetMuted(true))
	assert.Contains(t, rec.removed, local, "muting must detach the local recorder attachment")
	assert.Nil(t, source.observer, "the local source must be detached from the recorder while muted")
	assert.NotContains(t, rec.removed, remote, "muting must not touch the remote/inbound recorder attachment")

	require.NoError(t, s.SetMuted(false))
	assert.NotNil(t, source.observer, "unmuting must reattach the local source to the recorder")
}

func TestSuccessfulSRTPSetupEnablesBothDirections(t *testing.T) {
	s, _ := newTestSession(t)
	profile := srtp.ProtectionProfileAes128CmHmacSha1_80
	keyLen, err := profile.KeyLen()
	require.NoError(t, err)
	saltLen, err := profile.SaltLen()
	require.NoError(t, err)
	raw := make([]byte, keyLen+saltLen)
	keyInfo := base64.StdEncoding.EncodeToString(raw)

	desc := MediaDescription{
		Width: 320, Height: 240,
		OutCrypto: &CryptoParams{Suite: "AES_CM_128_HMAC_SHA1_80", KeyInfoBase64: keyInfo},
		InCrypto:  &CryptoParams{Suite: "AES_CM_128_HMAC_SHA1_80", KeyInfoBase64: keyInfo},
	}
	require.NoError(t, s.Start(desc))

	s.mu.Lock()
	sendDisabled, recvDisabled := s.sendDisabled, s.recvDisabled
	sender := s.sender
	s.mu.Unlock()
	assert.False(t, sendDisabled)
	assert.False(t, recvDisabled)
	assert.NotNil(t, sender, "a successful crypto setup must not block the sender from starting")
}

func TestUnsupportedSRTPSuiteDisablesBothDirections(t *testing.T) {
	s, _ := newTestSession(t)
	var reported error
	s.SetCallbacks(nil, func(err error) { reported = err })

	desc := MediaDescription{
		Width: 320, Height: 240,
		OutCrypto: &CryptoParams{Suite: "AES_256_GCM", KeyInfoBase64: "doesnotmatter"},
		InCrypto:  &CryptoParams{Suite: "AES_256_GCM", KeyInfoBase64: "doesnotmatter"},
	}
	require.NoError(t, s.Start(desc))

	s.mu.Lock()
	sendDisabled, recvDisabled := s.sendDisabled, s.recvDisabled
	sender := s.sender
	s.mu.Unlock()
	assert.True(t, sendDisabled)
	assert.True(t, recvDisabled)
	assert.Nil(t, sender, "a failed crypto setup must not start the sender")
	require.Error(t, reported)

	require.NoError(t, s.HandleRTP([]byte{0}, true), "HandleRTP must no-op rather than error while the receive direction is disabled")
}
