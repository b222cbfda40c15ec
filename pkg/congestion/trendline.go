package congestion

import (
	"math"
	"time"
)

const (
	trendlineWindowSize        = 20
	trendlineSmoothingCoeff    = 0.9
	trendlineThresholdGain     = 4.0
	trendlineMinNumDeltas      = 60
	trendlineKUp               = 0.0087
	trendlineKDown             = 0.039
	trendlineOverusingTimeMs   = 10.0 // ms, sustained over-threshold excursion required
	trendlineMaxAdaptOffsetMs  = 15.0
	trendlineMaxThresholdStep  = 100 * time.Millisecond
	trendlineInitialThreshold  = 12.5
	trendlineThresholdLowClamp = 6.0
	trendlineThresholdHiClamp  = 600.0
)

// packetTiming is one sample of the sliding window used to fit the
// delay trend: {arrivalTimeMs, smoothedDelayMs, accumulatedDelayMs}.
type packetTiming struct {
	arrivalTimeMs float64
	smoothedMs    float64
	rawMs         float64
}

// TrendlineEstimator maintains an exponentially smoothed accumulated
// delay and fits a line to the last trendlineWindowSize samples; the
// slope estimates (send_rate - capacity) / capacity. Ported from
// TrendlineEstimator in congestion_control.cpp.
type TrendlineEstimator struct {
	numDeltas   int
	firstArrive time.Time
	accumulated float64
	smoothed    float64
	window      []packetTiming

	threshold       float64
	prevModTrend    float64
	lastUpdate      time.Time
	prevTrend       float64
	timeOverUsingMs float64 // -1 means "not currently over"
	overuseCount    int

	state BandwidthUsage
}

func NewTrendlineEstimator() *TrendlineEstimator {
	return &TrendlineEstimator{
		threshold:       trendlineInitialThreshold,
		timeOverUsingMs: -1,
		prevModTrend:    math.NaN(),
	}
}

func (t *TrendlineEstimator) Update(recvDeltaMs, sendDeltaMs float64, arrival time.Time) {
	d := recvDeltaMs - sendDeltaMs

	t.numDeltas++
	if t.numDeltas > trendlineMinNumDeltas {
		t.numDeltas = trendlineMinNumDeltas
	}
	if t.firstArrive.IsZero() {
		t.firstArrive = arrival
	}

	t.accumulated += d
	t.smoothed = trendlineSmoothingCoeff*t.smoothed + (1-trendlineSmoothingCoeff)*t.accumulated

	arrivalMs := float64(arrival.Sub(t.firstArrive).Milliseconds())
	// ts_delta for the detector's own internal timer is the arrival-side
	// spacing between consecutive samples, in milliseconds.
	tsDeltaMs := 0.0
	if n := len(t.window); n > 0 {
		tsDeltaMs = arrivalMs - t.window[n-1].arrivalTimeMs
	}

	t.window = append(t.window, packetTiming{
		arrivalTimeMs: arrivalMs,
		smoothedMs:    t.smoothed,
		rawMs:         t.accumulated,
	})
	if len(t.window) > trendlineWindowSize {
		t.window = t.window[1:]
	}

	trend := t.prevTrend
	if len(t.window) == trendlineWindowSize {
		if slope, ok := linearFitSlope(t.window); ok && slope != 0 {
			trend = slope
		}
	}

	t.detect(trend, tsDeltaMs, arrival)
}

func linearFitSlope(window []packetTiming) (float64, bool) {
	var sumX, sumY float64
	for _, p := range window {
		sumX += p.arrivalTimeMs
		sumY += p.smoothedMs
	}
	n := float64(len(window))
	avgX, avgY := sumX/n, sumY/n

	var num, den float64
	for _, p := range window {
		dx := p.arrivalTimeMs - avgX
		dy := p.smoothedMs - avgY
		num += dx * dy
		den += dx * dx
	}
	if den == 0 {
		return 0, false
	}
	return num / den, true
}

func (t *TrendlineEstimator) detect(trend, tsDeltaMs float64, now time.Time) {
	if t.numDeltas < 2 {
		t.state = BandwidthNormal
		t.prevTrend = trend
		return
	}

	modifiedTrend := math.Min(float64(t.numDeltas), trendlineMinNumDeltas) * trend * trendlineThresholdGain
	t.prevModTrend = modifiedTrend

	switch {
	case modifiedTrend > t.threshold:
		if t.timeOverUsingMs < 0 {
			t.timeOverUsingMs = tsDeltaMs / 2
		} else {
			t.timeOverUsingMs += tsDeltaMs
		}
		t.overuseCount++
		if t.timeOverUsingMs > trendlineOverusingTimeMs && t.overuseCount > 1 {
			if trend >= t.prevTrend {
				t.timeOverUsingMs = 0
				t.overuseCount = 0
				t.state = BandwidthOverusing
			}
		}
	case modifiedTrend < -t.threshold:
		t.timeOverUsingMs = -1
		t.overuseCount = 0
		t.state = BandwidthUnderusing
	default:
		t.timeOverUsingMs = -1
		t.overuseCount = 0
		t.state = BandwidthNormal
	}

	t.prevTrend = trend
	t.updateThreshold(modifiedTrend, now)
}

func (t *TrendlineEstimator) updateThreshold(modifiedTrend float64, now time.Time) {
	if t.lastUpdate.IsZero() {
		t.lastUpdate = now
	}

	if math.Abs(modifiedTrend) > t.threshold+trendlineMaxAdaptOffsetMs {
		// A big latency spike (e.g. a sudden capacity drop): don't let
		// the threshold chase it.
		t.lastUpdate = now
		return
	}

	k := trendlineKDown
	if math.Abs(modifiedTrend) >= t.threshold {
		k = trendlineKUp
	}

	timeDelta := now.Sub(t.lastUpdate)
	if timeDelta > trendlineMaxThresholdStep {
		timeDelta = trendlineMaxThresholdStep
	}
	t.threshold += k * (math.Abs(modifiedTrend) - t.threshold) * float64(timeDelta.Milliseconds())
	t.threshold = clamp(t.threshold, trendlineThresholdLowClamp, trendlineThresholdHiClamp)
	t.lastUpdate = now
}

func (t *TrendlineEstimator) State() BandwidthUsage { return t.state }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
