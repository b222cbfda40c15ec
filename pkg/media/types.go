// Package media holds the frame/device types and the small interfaces
// through which the session talks to a capture source and a codec
// library, plus the FrameBus that replaces the teacher's C++
// Observable/Observer<T> pattern with typed Go channels.
package media

import "time"

// DeviceParams describes a capture source: what it is, and the
// geometry/rate it was opened at. Mirrors DeviceParams from spec.md
// §3; set once per input switch (camera change, file share).
type DeviceParams struct {
	SourceURI string // e.g. "camera://cam0", "file:///clip.mp4"
	Format    string
	Width     int
	Height    int
	Framerate float64
	Loop      bool
}

// Pixels returns Width*Height, the input to the codec bitrate
// rescaling formula in pkg/session.
func (d DeviceParams) Pixels() int {
	return d.Width * d.Height
}

// MediaStream is the stream descriptor a RecorderSink negotiates
// against: format, resolution, framerate of either the local source or
// the remote decoded stream. Grounded on video_rtp_session.cpp's
// attachLocalRecorder/attachRemoteRecorder query of the current
// stream shape before attaching.
type MediaStream struct {
	CallID    string
	StreamID  string
	Width     int
	Height    int
	Framerate float64
	AudioOnly bool
}

// Frame is one decoded or captured video frame, reference-counted so a
// slow consumer can retain its last frame without blocking the
// producer or forcing a copy. Release must be called exactly once per
// Attach-side delivery, per Design Note §9 ("observer pattern → typed
// channels ... reference-counted frame allocation").
type Frame struct {
	PTS      time.Duration
	Width    int
	Height   int
	KeyFrame bool
	Data     []byte

	refs *int32
}

// EncoderConfig parametrizes Encoder.Open: target bitrate/quality and
// the geometry the encoder should expect from the source.
type EncoderConfig struct {
	Width, Height int
	Framerate     float64
	BitrateKbps   int
	QualityMin    int
	QualityMax    int
}

// DecoderConfig parametrizes Decoder.Open.
type DecoderConfig struct {
	Width, Height int
}
