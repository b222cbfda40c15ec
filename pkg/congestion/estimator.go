// Package congestion implements the delay-based bandwidth estimators
// that back the adaptive bitrate loop: a scalar Kalman filter and a
// trendline (linear regression) filter, both driven by the one-way
// delay gradient computed in pkg/transport. Ported algorithm-for-
// algorithm from congestion_control.cpp (original_source), the only
// file in the training pack that implements this estimator pair.
package congestion

import "time"

// BandwidthUsage is the estimator's classification of the current
// network state, mirroring jami's BandwidthUsage enum. A sum type,
// matched exhaustively everywhere it is consumed — never treated as
// an ordered scale.
type BandwidthUsage int

const (
	BandwidthNormal BandwidthUsage = iota
	BandwidthUnderusing
	BandwidthOverusing
)

func (b BandwidthUsage) String() string {
	switch b {
	case BandwidthNormal:
		return "normal"
	case BandwidthUnderusing:
		return "underusing"
	case BandwidthOverusing:
		return "overusing"
	default:
		return "unknown"
	}
}

// Estimator is the interface both delay-based estimators implement.
// update is fed one sample per frame boundary (marker-bit transition)
// from the socket pair's timing instrumentation: the receive-side
// inter-arrival delta, the matching send-side delta, and the arrival
// wall-clock time.
type Estimator interface {
	Update(recvDeltaMs, sendDeltaMs float64, arrival time.Time)
	State() BandwidthUsage
}

var (
	_ Estimator = (*KalmanEstimator)(nil)
	_ Estimator = (*TrendlineEstimator)(nil)
)
