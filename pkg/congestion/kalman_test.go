package congestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKalmanDetectsSustainedOveruse(t *testing.T) {
	k := NewKalmanEstimator()

	now := time.Now()
	var state BandwidthUsage
	for i := 0; i < 50; i++ {
		now = now.Add(20 * time.Millisecond)
		k.Update(30, 0, now)
		state = k.State()
	}
	assert.Equal(t, BandwidthOverusing, state)
}

func TestKalmanDetectsUnderuse(t *testing.T) {
	k := NewKalmanEstimator()

	now := time.Now()
	now = now.Add(20 * time.Millisecond)
	k.Update(-30, 0, now)
	assert.Equal(t, BandwidthUnderusing, k.State())
}
