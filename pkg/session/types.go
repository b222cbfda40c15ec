// Package session implements the RtpSession lifecycle state machine:
// start/stop of sender and receiver, conference entry/exit, the
// adaptive bitrate loop, and recorder attachment. It is the one place
// that wires pkg/transport, pkg/congestion, and pkg/media together.
package session

// Direction carries the enable/hold flags spec.md §3 describes for
// each of MediaDescription's send and receive sides.
type Direction struct {
	Enabled bool
	OnHold  bool
}

// CryptoParams names an SRTP cipher suite and its base64-encoded key
// material, for one direction. Suite must be one of the four names
// pkg/transport recognizes.
type CryptoParams struct {
	Suite        string
	KeyInfoBase64 string
}

// CodecParams is the negotiated codec's tunable surface, keyed by
// media kind.
type CodecParams struct {
	Kind               string // "audio" | "video"
	Bitrate            int
	MinBitrate         int
	MaxBitrate         int
	Quality            int
	AutoQualityEnabled bool
}

// MediaDescription is the signaling layer's input to RtpSession,
// consumed by updateMedia and never mutated by the core (spec.md §3).
type MediaDescription struct {
	Send Direction
	Recv Direction

	Addr     string
	RTCPAddr string // empty when RTP/RTCP are multiplexed

	Codec CodecParams

	OutCrypto *CryptoParams
	InCrypto  *CryptoParams

	Width, Height int
	Framerate     float64
}

func (m MediaDescription) pixels() int {
	return m.Width * m.Height
}

// VideoBitrateInfo is the sender's tunable state, mutated solely by
// the adaptive loop and written back into the encoder before every
// restart (spec.md §3).
type VideoBitrateInfo struct {
	Current int
	Min     int
	Max     int

	QualityCurrent int
	QualityMin     int
	QualityMax     int

	Iterations int
}

// Clamp enforces spec.md §8 invariant 2: Current never escapes
// [Min, Max].
func (v *VideoBitrateInfo) Clamp() {
	if v.Max > 0 && v.Current > v.Max {
		v.Current = v.Max
	}
	if v.Current < v.Min {
		v.Current = v.Min
	}
}

// Reset restores defaults after stop(), per the RtpSession stop
// transition's effect column.
func (v *VideoBitrateInfo) Reset(defaults VideoBitrateInfo) {
	*v = defaults
}
