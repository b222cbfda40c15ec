// Package metrics exposes the module's Prometheus instrumentation: one
// process-wide collector whose per-session series (including the
// congestion estimator's state) are keyed by a session label,
// registered against the default registry the way promauto always
// does.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/solovyev/vrtpcore/pkg/congestion"
)

// Collector holds every metric this module publishes. A single
// process-wide Collector is expected; each RtpSession reports into it
// by session id label rather than owning its own registry.
type Collector struct {
	sessionsActive  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	bitrateCurrent  *prometheus.GaugeVec
	bitrateDecision *prometheus.CounterVec
	lossPercent     *prometheus.GaugeVec
	rtt             *prometheus.HistogramVec
	keyFramesTotal  *prometheus.CounterVec

	congestionState *prometheus.GaugeVec
	rembSent        *prometheus.CounterVec
}

// New builds and registers every collector under namespace/subsystem,
// mirroring initPrometheusMetrics's Namespace/Subsystem/Name layout.
func New(namespace, subsystem string) *Collector {
	c := &Collector{}

	c.sessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sessions_total",
		Help:      "Total number of RTP sessions started",
	})

	c.sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sessions_active",
		Help:      "Number of currently running RTP sessions",
	})

	c.bitrateCurrent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "video_bitrate_kbps",
		Help:      "Current outgoing video bitrate in kbps",
	}, []string{"session"})

	c.bitrateDecision = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "bitrate_decisions_total",
		Help:      "Total number of adaptive bitrate adjustments by cause",
	}, []string{"session", "cause"})

	c.lossPercent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rtcp_fraction_lost_percent",
		Help:      "Most recently observed RTCP receiver report fraction lost, as a percentage",
	}, []string{"session"})

	c.rtt = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rtt_seconds",
		Help:      "Round-trip time computed from SR/RR lsr and dlsr",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}, []string{"session"})

	c.keyFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "keyframes_requested_total",
		Help:      "Total number of key frame requests issued to the encoder",
	}, []string{"session"})

	c.congestionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "congestion_state",
		Help:      "Current BandwidthUsage classification: 0=normal, 1=underusing, 2=overusing",
	}, []string{"session"})

	c.rembSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "remb_sent_total",
		Help:      "Total number of REMB feedback packets sent, by action",
	}, []string{"session", "action"})

	return c
}

// SessionStarted records a new session entering the Running state.
func (c *Collector) SessionStarted() {
	c.sessionsTotal.Inc()
	c.sessionsActive.Inc()
}

// SessionStopped records a session leaving the Running state for good.
func (c *Collector) SessionStopped() {
	c.sessionsActive.Dec()
}

// SetBitrate publishes the session's current outgoing bitrate.
func (c *Collector) SetBitrate(sessionID string, kbps int) {
	c.bitrateCurrent.WithLabelValues(sessionID).Set(float64(kbps))
}

// BitrateDecision records one adaptive adjustment, labeled by the
// signal that triggered it ("loss" or "remb").
func (c *Collector) BitrateDecision(sessionID, cause string) {
	c.bitrateDecision.WithLabelValues(sessionID, cause).Inc()
}

// SetLossPercent publishes the most recent RTCP receiver report's
// fraction lost, already converted to a percentage.
func (c *Collector) SetLossPercent(sessionID string, percent float64) {
	c.lossPercent.WithLabelValues(sessionID).Set(percent)
}

// ObserveRTT records one RTT sample computed from an SR/RR pair.
func (c *Collector) ObserveRTT(sessionID string, rtt time.Duration) {
	c.rtt.WithLabelValues(sessionID).Observe(rtt.Seconds())
}

// KeyFrameRequested records one key frame request issued to the
// encoder.
func (c *Collector) KeyFrameRequested(sessionID string) {
	c.keyFramesTotal.WithLabelValues(sessionID).Inc()
}

// SetCongestionState publishes the estimator's current BandwidthUsage
// classification, matching what a Kalman or Trendline estimator
// reports through Controller.State().
func (c *Collector) SetCongestionState(sessionID string, state congestion.BandwidthUsage) {
	c.congestionState.WithLabelValues(sessionID).Set(float64(state))
}

// RembSent records one emitted REMB packet, labeled by the action the
// controller decided on ("decrease" or "increase").
func (c *Collector) RembSent(sessionID string, action congestion.REMBAction) {
	label := "decrease"
	if action == congestion.REMBActionIncrease {
		label = "increase"
	}
	c.rembSent.WithLabelValues(sessionID, label).Inc()
}
