package media

import "github.com/rs/zerolog"

// Receiver is the thin pump wrapping a Decoder: the session feeds it
// inbound RTP payloads in arrival order, and it publishes decoded
// frames to its own FrameBus for the mixer, sink, and recorder to
// subscribe to. Mirrors the receiver half of component #3
// "MediaDecoder/Sender" (spec.md §2): "receiver does the inverse".
type Receiver struct {
	log     zerolog.Logger
	decoder Decoder
	bus     *FrameBus
}

// NewReceiver wraps decoder with a fresh FrameBus.
func NewReceiver(decoder Decoder, log zerolog.Logger) *Receiver {
	return &Receiver{
		log:     log.With().Str("component", "receiver").Logger(),
		decoder: decoder,
		bus:     NewFrameBus(),
	}
}

// HandleRTP decodes one inbound payload and, if it completed a frame,
// publishes it to Bus(). A decode error is returned unchanged to the
// caller; per spec.md §7 it is the caller's job to turn decode
// failures into a key-frame request.
func (r *Receiver) HandleRTP(payload []byte, marker bool) error {
	f, err := r.decoder.Decode(payload, marker)
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}
	r.bus.Publish(f)
	f.Release()
	return nil
}

// Bus returns the FrameBus decoded frames are published to.
func (r *Receiver) Bus() *FrameBus {
	return r.bus
}

// Close releases the decoder.
func (r *Receiver) Close() error {
	return r.decoder.Close()
}
