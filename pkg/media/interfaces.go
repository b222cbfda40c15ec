package media

import "errors"

// ErrBitrateNotSupported is returned by Encoder.SetBitrate when the
// underlying codec cannot change bitrate without a full restart.
var ErrBitrateNotSupported = errors.New("media: encoder does not support dynamic bitrate change")

// FrameObserver is notified with one Frame per producer tick. The
// frame belongs to the caller of Update for the duration of the call;
// an observer that wants to keep it past return must call Retain.
// Mirrors ring::video::Observer<T>, minus the attached/detached hooks
// (FrameBus handles those through channel lifecycle instead).
type FrameObserver interface {
	Update(f *Frame)
}

// FrameSource is anything that produces frames an encoder can consume:
// a camera, a screen/file capture, or (while in a conference) the
// mixer's composed output. Mirrors ring::video::VideoFrameActiveWriter.
type FrameSource interface {
	Attach(o FrameObserver) bool
	Detach(o FrameObserver) bool
	Params() DeviceParams
}

// Encoder wraps a codec's encode path. The core never implements one;
// it only calls through this contract (spec.md §1, "the codec library
// itself... only the abstract encoder/decoder contract is
// referenced").
type Encoder interface {
	Open(cfg EncoderConfig) error
	// Encode returns one or more wire-ready RTP payloads for one input
	// frame (a codec may fragment a frame across several payloads).
	Encode(f *Frame) ([][]byte, error)
	// SetBitrate requests a dynamic bitrate change. Returning
	// ErrBitrateNotSupported tells the caller to restart the encoder
	// instead (§4.1 "otherwise the sender is restarted").
	SetBitrate(kbps int) error
	RequestKeyFrame()
	Close() error
}

// Decoder wraps a codec's decode path.
type Decoder interface {
	Open(cfg DecoderConfig) error
	Decode(payload []byte, marker bool) (*Frame, error)
	Close() error
}

// RecorderSink is the external media-recorder collaborator that
// pkg/session/recorder.go attaches local/remote streams to. Mirrors
// §4.5 "query local source and remote receiver... attach as observer".
type RecorderSink interface {
	AddStream(ms MediaStream) (FrameObserver, bool)
	RemoveStream(ms MediaStream)
}
