// Command vrtpcored wires one RtpSession to a single loopback UDP
// socket and a synthetic frame source, for manual smoke-testing of
// the session lifecycle and the Prometheus metrics endpoint. It is a
// demo harness, not a deployable media gateway: the encoder/decoder
// pair here is a passthrough stub, since no concrete codec ships in
// this module.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/solovyev/vrtpcore/pkg/media"
	"github.com/solovyev/vrtpcore/pkg/metrics"
	"github.com/solovyev/vrtpcore/pkg/session"
	"github.com/solovyev/vrtpcore/pkg/transport"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:0", "local RTP/RTCP listen address")
		remoteAddr = flag.String("remote", "", "remote RTP/RTCP address (empty: send to self)")
		metricsHTTP = flag.String("metrics-addr", "127.0.0.1:9091", "Prometheus /metrics listen address")
		width       = flag.Int("width", 1280, "negotiated video width")
		height      = flag.Int("height", 720, "negotiated video height")
		trendline   = flag.Bool("trendline", true, "use the trendline congestion estimator instead of Kalman")
	)
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	collector := metrics.New("vrtpcore", "demo")
	go serveMetrics(*metricsHTTP, log)

	sp, err := transport.NewSocketPair(*listenAddr, 0x1001, log)
	if err != nil {
		log.Fatal().Err(err).Msg("create socket pair")
	}

	remote := *remoteAddr
	if remote == "" {
		remote = sp.LocalAddr().String()
	}

	sess := session.NewRtpSession("demo-session", sp, &passthroughEncoder{}, &passthroughDecoder{}, 0x1001, 96, *trendline, log)
	sess.SetMetrics(collector)
	sess.SetCallbacks(
		func() { log.Info().Msg("upstream key frame requested") },
		func(err error) {
			if err != nil {
				log.Warn().Err(err).Msg("media setup failed")
			}
		},
	)

	desc := session.MediaDescription{
		Send:      session.Direction{Enabled: true},
		Recv:      session.Direction{Enabled: true},
		Addr:      remote,
		Width:     *width,
		Height:    *height,
		Framerate: 30,
		Codec:     session.CodecParams{Kind: "video", AutoQualityEnabled: true},
	}
	if err := sess.Start(desc); err != nil {
		log.Fatal().Err(err).Msg("start session")
	}
	log.Info().Str("local", sp.LocalAddr().String()).Str("remote", remote).Msg("session running")

	source := newClockSource(*width, *height, 30)
	sess.BindSource(source)
	defer source.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("shutting down")
	if err := sess.Stop(); err != nil {
		log.Warn().Err(err).Msg("stop session")
	}
}

func serveMetrics(addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Str("addr", addr).Msg("serving /metrics")
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Warn().Err(err).Msg("metrics http server stopped")
	}
}

// clockSource is a synthetic media.FrameSource ticking at framerate,
// standing in for a camera when no real capture device is wired.
type clockSource struct {
	width, height int
	stopCh        chan struct{}
	bus           *media.FrameBus
	detach        func()
}

func newClockSource(width, height int, framerate float64) *clockSource {
	c := &clockSource{width: width, height: height, stopCh: make(chan struct{}), bus: media.NewFrameBus()}
	go c.run(framerate)
	return c
}

func (c *clockSource) run(framerate float64) {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / framerate))
	defer ticker.Stop()
	var pts time.Duration
	frameDur := time.Duration(float64(time.Second) / framerate)
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.bus.Publish(media.NewFrame(nil, c.width, c.height, pts, false))
			pts += frameDur
		}
	}
}

func (c *clockSource) Stop() {
	close(c.stopCh)
}

func (c *clockSource) Attach(o media.FrameObserver) bool {
	c.detach = media.AttachObserver(c.bus, o)
	return true
}

func (c *clockSource) Detach(o media.FrameObserver) bool {
	if c.detach == nil {
		return false
	}
	c.detach()
	c.detach = nil
	return true
}

func (c *clockSource) Params() media.DeviceParams {
	return media.DeviceParams{SourceURI: "synthetic://clock", Width: c.width, Height: c.height, Framerate: 30}
}

// passthroughEncoder/passthroughDecoder are the minimal stand-ins this
// demo needs to exercise the session lifecycle without a real codec;
// they carry no compression and exist only so Sender/Receiver have a
// concrete Encoder/Decoder to drive.
type passthroughEncoder struct {
	bitrate int
}

func (e *passthroughEncoder) Open(cfg media.EncoderConfig) error {
	e.bitrate = cfg.BitrateKbps
	return nil
}

func (e *passthroughEncoder) Encode(f *media.Frame) ([][]byte, error) {
	return [][]byte{f.Data}, nil
}

func (e *passthroughEncoder) SetBitrate(kbps int) error {
	e.bitrate = kbps
	return nil
}

func (e *passthroughEncoder) RequestKeyFrame() {}

func (e *passthroughEncoder) Close() error { return nil }

type passthroughDecoder struct{}

func (d *passthroughDecoder) Open(cfg media.DecoderConfig) error { return nil }

func (d *passthroughDecoder) Decode(payload []byte, marker bool) (*media.Frame, error) {
	return media.NewFrame(payload, 0, 0, 0, marker), nil
}

func (d *passthroughDecoder) Close() error { return nil }
