package congestion

import (
	"github.com/pion/rtcp"
)

// REMB sentinel bitrate values (§4.1, §9 "REMB sentinel collision").
// The wire format carries either a genuine absolute bitrate or one of
// these two in-band hints; a real negotiated bitrate that happens to
// round to one of these two 18-bit mantissa encodings would be
// misread as a hint. This is a known, intentionally-undisturbed
// deviation from draft-alvestrand-rmcat-remb — see DESIGN.md.
const (
	REMBHintDecrease uint64 = 0x6803
	REMBHintIncrease uint64 = 0x7378

	// REMBDecreaseRatio / REMBIncreaseRatio are applied to the hints
	// above by the session's adaptive loop (pkg/session), not here;
	// they're listed for reference against spec.md §8 scenarios 2/3.
	REMBDecreaseRatio = 0.85
	REMBIncreaseRatio = 1.05
)

// EncodeREMB builds the RTCP REMB feedback packet (PT=206, FMT=15)
// advertising bitrateBps as the receiver's estimated maximum. senderSSRC
// identifies the endpoint emitting the feedback; mediaSSRC(s) name the
// streams it applies to.
func EncodeREMB(senderSSRC uint32, mediaSSRCs []uint32, bitrateBps uint64) ([]byte, error) {
	pkt := &rtcp.ReceiverEstimatedMaximumBitrate{
		SenderSSRC: senderSSRC,
		Bitrate:    float64(bitrateBps),
		SSRCs:      mediaSSRCs,
	}
	return pkt.Marshal()
}

// DecodeREMB parses a raw RTCP REMB packet and returns the encoded
// bitrate in bits per second. Per §8 invariant 3, the round trip is
// identity modulo mantissa rounding: |decoded-original| <= original/2^18.
func DecodeREMB(raw []byte) (uint64, error) {
	pkt := &rtcp.ReceiverEstimatedMaximumBitrate{}
	if err := pkt.Unmarshal(raw); err != nil {
		return 0, err
	}
	return uint64(pkt.Bitrate), nil
}
