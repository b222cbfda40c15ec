package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/solovyev/vrtpcore/pkg/congestion"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return New("vrtpcoretest", randomSubsystem())
}

var subsystemCounter int

func randomSubsystem() string {
	subsystemCounter++
	return "sub" + time.Now().Format("150405") + string(rune('a'+subsystemCounter%26))
}

func TestSessionStartedStoppedTracksActiveGauge(t *testing.T) {
	c := newTestCollector(t)
	c.SessionStarted()
	c.SessionStarted()
	assert.Equal(t, float64(2), testutil.ToFloat64(c.sessionsActive))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.sessionsTotal))

	c.SessionStopped()
	assert.Equal(t, float64(1), testutil.ToFloat64(c.sessionsActive))
}

func TestSetBitratePublishesPerSessionGauge(t *testing.T) {
	c := newTestCollector(t)
	c.SetBitrate("sess1", 850)
	assert.Equal(t, float64(850), testutil.ToFloat64(c.bitrateCurrent.WithLabelValues("sess1")))
}

func TestBitrateDecisionIncrementsLabeledCounter(t *testing.T) {
	c := newTestCollector(t)
	c.BitrateDecision("sess1", "loss")
	c.BitrateDecision("sess1", "loss")
	c.BitrateDecision("sess1", "remb")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.bitrateDecision.WithLabelValues("sess1", "loss")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.bitrateDecision.WithLabelValues("sess1", "remb")))
}

func TestSetCongestionStatePublishesClassification(t *testing.T) {
	c := newTestCollector(t)
	c.SetCongestionState("sess1", congestion.BandwidthOverusing)
	assert.Equal(t, float64(congestion.BandwidthOverusing), testutil.ToFloat64(c.congestionState.WithLabelValues("sess1")))
}

func TestRembSentLabelsByAction(t *testing.T) {
	c := newTestCollector(t)
	c.RembSent("sess1", congestion.REMBActionDecrease)
	c.RembSent("sess1", congestion.REMBActionIncrease)
	c.RembSent("sess1", congestion.REMBActionIncrease)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.rembSent.WithLabelValues("sess1", "decrease")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.rembSent.WithLabelValues("sess1", "increase")))
}

func TestKeyFrameRequestedIncrementsCounter(t *testing.T) {
	c := newTestCollector(t)
	c.KeyFrameRequested("sess1")
	c.KeyFrameRequested("sess1")
	assert.Equal(t, float64(2), testutil.ToFloat64(c.keyFramesTotal.WithLabelValues("sess1")))
}
