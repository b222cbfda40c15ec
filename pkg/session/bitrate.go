package session

import (
	"math"
	"time"

	"github.com/solovyev/vrtpcore/pkg/congestion"
)

// Constants below mirror VideoRtpSession's adaptive-loop thresholds
// (video_rtp_session.cpp) as literally as the FSM's own state table:
// where spec.md and the original disagree, the deviation is called out
// at the point it matters rather than silently picked.
const (
	// lossDecayDivisor is the original dropProcessing()'s decrease
	// formula: newBitrate *= 1 - packetLoss/lossDecayDivisor. 150 is
	// an odd choice for a percentage-scaled divisor (it caps the
	// maximum single-step cut at 1/150 per point of loss rather than
	// the more obvious /100); kept exactly as found — see DESIGN.md
	// "Open Question: loss divisor".
	lossDecayDivisor = 150.0

	// lossWeightWindow is EXPIRY_TIME_RTCP: loss samples older than
	// this are dropped from the weighted average entirely.
	lossWeightWindow = 2 * time.Second

	// lossWeightThresholdPercent is the pondLoss >= 5.0 gate in
	// dropProcessing before a decrease is even considered.
	lossWeightThresholdPercent = 5.0

	// nullLossWeight is the fixed weight getPonderateLoss gives a
	// sample that reported zero loss, instead of the age-based curve.
	nullLossWeight = 20.0

	// postRestartLossGrace is DELAY_AFTER_RESTART: the loss channel is
	// ignored for this long after (re)starting the sender. The
	// original C++ layers a second, looser check on top of this one
	// (effectively ~restartTimer < 2s combined) before the decrease
	// branch can fire at all; spec.md states a flat 1s grace and its
	// own §8 scenarios are written against that flat reading, so this
	// implementation follows spec.md rather than the original's
	// doubled threshold — see DESIGN.md "Open Question: restart grace".
	postRestartLossGrace = 1 * time.Second

	defaultBitrateKbps    = 300
	defaultMaxBitrateKbps = 2500

	bitratePixelScale    = 0.001
	maxBitratePixelScale = 0.0015
)

// lossSample is one fraction-lost observation (0-100 scale), carrying
// its own arrival time so weightedLoss can age it out.
type lossSample struct {
	at          time.Time
	lossPercent float64
}

// rescaleBitrateForResolution derives the nominal and ceiling bitrate
// for a negotiated frame size, floored at the codec's own defaults so
// a tiny frame never starves below a usable minimum and a chunky one
// isn't artificially capped under it. Mirrors the pixel-proportional
// scaling updateMedia applies before every encoder (re)configuration.
func rescaleBitrateForResolution(width, height int) (bitrateKbps, maxBitrateKbps int) {
	pixels := float64(width * height)
	bitrateKbps = int(math.Max(pixels*bitratePixelScale, defaultBitrateKbps))
	maxBitrateKbps = int(math.Max(pixels*maxBitratePixelScale, defaultMaxBitrateKbps))
	return
}

// recordLoss appends the new sample and evicts anything older than
// lossWeightWindow, mirroring getPonderateLoss's own histoLoss_ prune
// (erase entries whose age exceeds EXPIRY_TIME_RTCP) before folding in
// the new reading.
func recordLoss(history []lossSample, lossPercent float64, now time.Time) []lossSample {
	kept := history[:0]
	for _, s := range history {
		if now.Sub(s.at) <= lossWeightWindow {
			kept = append(kept, s)
		}
	}
	return append(kept, lossSample{at: now, lossPercent: lossPercent})
}

// weightedLoss folds history into a single age-weighted loss
// percentage, exactly as getPonderateLoss does: a sample reporting no
// loss at all gets a flat low weight (nullLossWeight) so a long run of
// clean reports doesn't drown out one recent bad one, while lossy
// samples are weighted down linearly as they age, capped at 100.
func weightedLoss(history []lossSample, now time.Time) float64 {
	var totalWeight, weightedSum float64
	for _, s := range history {
		ageMs := float64(now.Sub(s.at).Milliseconds())
		weight := nullLossWeight
		if s.lossPercent != 0 {
			weight = math.Min(ageMs*-1.0/100.0+100.0, 100.0)
		}
		totalWeight += weight
		weightedSum += s.lossPercent * weight
	}
	if totalWeight == 0 {
		return 0
	}
	return weightedSum / totalWeight
}

// lossBasedDecrease applies dropProcessing's decrease branch: only
// when the age-weighted loss has crossed the 5% gate AND the most
// recent sample itself reported nonzero loss (a weighted average above
// the gate driven entirely by stale history, with the latest report
// clean, does not trigger a cut).
func lossBasedDecrease(current int, instantaneousLossPercent, weighted float64) (newBitrate int, decreased bool) {
	if weighted < lossWeightThresholdPercent || instantaneousLossPercent <= 0 {
		return current, false
	}
	newBitrate = int(float64(current) * (1 - instantaneousLossPercent/lossDecayDivisor))
	return newBitrate, true
}

// interpretPeerREMB maps a decoded incoming REMB bitrate to a new send
// bitrate for our own sender. Per spec.md §4.1, the two sentinel
// values are read as relative hints (decrease 15%/increase 5%); any
// other value is taken as a direct absolute-bitrate request in bps.
// The original delayProcessing(int br) only special-cases the two
// sentinels and silently ignores everything else, so a real peer
// bitrate that happened to land on a third value would be a no-op
// there; this implementation follows spec.md's explicit "any other
// value" text instead — see DESIGN.md "Open Question: REMB sentinel
// collision", which also covers the reverse risk (a genuine absolute
// bitrate that happens to equal one of the two sentinels exactly).
func interpretPeerREMB(bitrateBps uint64, current int) (newBitrate int, changed bool) {
	switch bitrateBps {
	case congestion.REMBHintDecrease:
		return int(float64(current) * congestion.REMBDecreaseRatio), true
	case congestion.REMBHintIncrease:
		return int(float64(current) * congestion.REMBIncreaseRatio), true
	default:
		return int(bitrateBps / 1000), true
	}
}
