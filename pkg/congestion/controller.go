package congestion

import (
	"sync"
	"time"
)

const (
	maxREMBDecreasePerWindow = 1
	rembDecreaseWindow       = 500 * time.Millisecond
	rembIncreaseAfter        = 1 * time.Second
)

// Controller wires one Estimator (Kalman or Trendline, interchangeable
// behind the Estimator interface) to the REMB emission policy of
// §4.3: on transition to Overusing, emit at most one decrease hint
// per rembDecreaseWindow; after rembIncreaseAfter of sustained Normal
// since the last emission, emit an increase hint. It is driven by the
// socket pair's delay callback (one call per frame boundary) and
// read by the session's adaptive loop.
type Controller struct {
	mu sync.Mutex

	estimator Estimator

	lastDecrease  time.Time
	lastIncrease  time.Time
	decreaseCount int
}

// NewController builds a Controller around a Trendline estimator by
// default, matching the distilled spec's recommended choice; pass
// useTrendline=false for the Kalman filter instead, mirroring
// CongestionControl(bool useTrendline) from congestion_control.cpp.
func NewController(useTrendline bool) *Controller {
	var est Estimator
	if useTrendline {
		est = NewTrendlineEstimator()
	} else {
		est = NewKalmanEstimator()
	}
	now := time.Now()
	return &Controller{estimator: est, lastDecrease: now, lastIncrease: now}
}

// REMBAction is what the controller decided to emit, if anything, for
// the sample just fed to Update.
type REMBAction int

const (
	REMBActionNone REMBAction = iota
	REMBActionDecrease
	REMBActionIncrease
)

// Update feeds one timing sample and returns the REMB action the
// emission policy dictates for it, if any.
func (c *Controller) Update(recvDeltaMs, sendDeltaMs float64, arrival time.Time) (BandwidthUsage, REMBAction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.estimator.Update(recvDeltaMs, sendDeltaMs, arrival)
	state := c.estimator.State()

	now := time.Now()
	switch state {
	case BandwidthOverusing:
		if now.Sub(c.lastDecrease) > rembDecreaseWindow {
			c.decreaseCount = 0
		}
		if c.decreaseCount < maxREMBDecreasePerWindow {
			c.decreaseCount++
			c.lastDecrease = now
			c.lastIncrease = now
			return state, REMBActionDecrease
		}
	case BandwidthNormal:
		if now.Sub(c.lastIncrease) > rembIncreaseAfter {
			c.lastIncrease = now
			return state, REMBActionIncrease
		}
	}
	return state, REMBActionNone
}

// State returns the estimator's last classification without feeding a
// new sample, for metrics export.
func (c *Controller) State() BandwidthUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimator.State()
}
