package session

import (
	"github.com/solovyev/vrtpcore/pkg/media"
)

// SetRecorder installs (or clears, with a nil sink) the recorder this
// session feeds. localStream identifies the locally captured source
// and remoteStream the remotely decoded one — mirroring
// attachLocalRecorder and attachRemoteRecorder firing against two
// separate stream identities in the original. Installing a recorder
// while already running attaches immediately; installing while idle
// takes effect on the next Start.
func (s *RtpSession) SetRecorder(rec media.RecorderSink, localStream, remoteStream media.MediaStream) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.detachRecorderLocked()
	s.recorder = rec
	s.localRecorderStream = localStream
	s.recorderStream = remoteStream
	if rec != nil && s.fsm.Current() != StateIdle && s.fsm.Current() != StateStopped {
		s.attachRecorderLocked()
	}
}

// attachRecorderLocked attaches both the remote and the local
// recorder observers, per spec.md §4.5 ("queries the local source and
// the remote receiver ... attaches the source as an observer").
func (s *RtpSession) attachRecorderLocked() {
	s.attachRemoteRecorderLocked()
	s.attachLocalRecorderLocked()
}

// attachRemoteRecorderLocked mirrors attachRemoteRecorder: ask the
// recorder for an observer bound to this session's remote stream
// identity, then wire it directly to the receive-side FrameBus so the
// recorder sees every decoded frame regardless of which FrameSink/
// mixer consumers also subscribe.
func (s *RtpSession) attachRemoteRecorderLocked() {
	if s.recorder == nil || s.recorderObserver != nil {
		return
	}
	ob, ok := s.recorder.AddStream(s.recorderStream)
	if !ok {
		return
	}
	s.recorderObserver = ob
	s.recorderDetach = media.AttachObserver(s.receiver.Bus(), ob)
}

// attachLocalRecorderLocked mirrors attachLocalRecorder: ask the
// recorder for an observer bound to the local stream identity, then
// attach it directly to whatever FrameSource BindSource/rebindSourceLocked
// last installed — the local source isn't a FrameBus, so this goes
// through its own Attach rather than media.AttachObserver. A no-op
// without both a recorder and a currently bound source.
func (s *RtpSession) attachLocalRecorderLocked() {
	if s.recorder == nil || s.localSource == nil || s.localRecorderObserver != nil {
		return
	}
	ob, ok := s.recorder.AddStream(s.localRecorderStream)
	if !ok {
		return
	}
	if !s.localSource.Attach(ob) {
		s.recorder.RemoveStream(s.localRecorderStream)
		return
	}
	s.localRecorderObserver = ob
}

// detachRecorderLocked mirrors deinitRecorder's per-stream teardown for
// both the remote and local attachments, leaving the session free to
// attach a different recorder (or none) afterward.
func (s *RtpSession) detachRecorderLocked() {
	s.detachRemoteRecorderLocked()
	s.detachLocalRecorderLocked()
}

func (s *RtpSession) detachRemoteRecorderLocked() {
	if s.recorder == nil || s.recorderObserver == nil {
		return
	}
	if s.recorderDetach != nil {
		s.recorderDetach()
		s.recorderDetach = nil
	}
	s.recorder.RemoveStream(s.recorderStream)
	s.recorderObserver = nil
}

// detachLocalRecorderLocked is also the mute path: spec.md §4.1
// setMuted "detaches recorder attachment if present", leaving the
// remote/inbound attachment untouched so inbound recording continues
// unbroken across a mute.
func (s *RtpSession) detachLocalRecorderLocked() {
	if s.recorder == nil || s.localRecorderObserver == nil {
		return
	}
	if s.localSource != nil {
		s.localSource.Detach(s.localRecorderObserver)
	}
	s.recorder.RemoveStream(s.localRecorderStream)
	s.localRecorderObserver = nil
}
