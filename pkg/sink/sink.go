// Package sink implements the frame-publishing surface that sits
// downstream of a decoder or the conference mixer: a named consumer
// that receives the latest decoded frame and hands it to whatever
// target callback was registered against it, one slot at a time.
package sink

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/solovyev/vrtpcore/pkg/media"
)

// TargetFunc receives one rendered frame. frame is only valid for the
// duration of the call — the bus pump releases it as soon as this
// function returns, so a target that needs to keep the frame longer
// must call frame.Retain() itself. Registered once per Sink; replacing
// it swaps the render target without affecting subscription state,
// mirroring SinkClient::registerTarget.
type TargetFunc func(id string, frame *media.Frame)

// Sink is one named frame consumer. It is never itself a bus: a
// session or the conference mixer owns the FrameBus, and each Sink
// subscribes to exactly one via Attach. Start/Stop toggle whether a
// registered target actually receives frames, independent of the
// subscription's lifetime, matching SinkClient's start()/stop() pair
// which the original leaves safe to call repeatedly and in any order.
type Sink struct {
	id string

	mu     sync.Mutex
	target TargetFunc

	running int32 // atomic bool

	detach func()
}

// New creates an idle, unattached sink identified by id. id is
// whatever name the caller uses to address this consumer (a stream
// id, a recording file name, a SHM segment name in the original —
// this module carries no OS-specific shared-memory transport, so id
// is purely a label here).
func New(id string) *Sink {
	return &Sink{id: id}
}

// ID returns the sink's identifier.
func (s *Sink) ID() string {
	return s.id
}

// RegisterTarget installs the callback invoked for every delivered
// frame. A nil target disables delivery without detaching.
func (s *Sink) RegisterTarget(fn TargetFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = fn
}

// Start enables delivery to the registered target. Safe to call
// before a target is registered or before Attach.
func (s *Sink) Start() bool {
	atomic.StoreInt32(&s.running, 1)
	return true
}

// Stop disables delivery without detaching from the bus, so frames
// keep arriving at Update but are dropped rather than forwarded.
func (s *Sink) Stop() bool {
	atomic.StoreInt32(&s.running, 0)
	return true
}

// Update implements media.FrameObserver: it is called once per frame
// published on whatever bus this sink is attached to. Frames are
// never queued — only the most recently delivered one matters, so a
// slow or absent target simply causes frames to be released
// immediately rather than backing up the bus.
func (s *Sink) Update(frame *media.Frame) {
	if atomic.LoadInt32(&s.running) == 0 {
		return
	}

	s.mu.Lock()
	target := s.target
	s.mu.Unlock()

	if target != nil {
		target(s.id, frame)
	}
}

// Attach subscribes this sink to bus, replacing any previous
// subscription. Detach (or a second Attach) tears down the prior one.
func (s *Sink) Attach(bus *media.FrameBus) {
	s.mu.Lock()
	prevDetach := s.detach
	s.mu.Unlock()
	if prevDetach != nil {
		prevDetach()
	}

	detach := media.AttachObserver(bus, s)

	s.mu.Lock()
	s.detach = detach
	s.mu.Unlock()
}

// Detach unsubscribes from whatever bus Attach last bound to. Safe to
// call on an already-detached or never-attached sink.
func (s *Sink) Detach() {
	s.mu.Lock()
	detach := s.detach
	s.detach = nil
	s.mu.Unlock()
	if detach != nil {
		detach()
	}
}

// Multiplex fans a single upstream FrameBus out to any number of
// named Sinks, each kept in its own single-slot delivery path. It is
// the Go analogue of registering several SinkClient instances as
// observers of the same decoder output.
type Multiplex struct {
	log zerolog.Logger

	mu    sync.Mutex
	sinks map[string]*Sink
}

// NewMultiplex builds an empty sink multiplex.
func NewMultiplex(log zerolog.Logger) *Multiplex {
	return &Multiplex{
		log:   log.With().Str("component", "sink_multiplex").Logger(),
		sinks: make(map[string]*Sink),
	}
}

// Register attaches s to bus and tracks it under its own id. A second
// Register for the same id replaces the previous sink, detaching it
// first.
func (m *Multiplex) Register(s *Sink, bus *media.FrameBus) {
	m.mu.Lock()
	prev, exists := m.sinks[s.ID()]
	m.sinks[s.ID()] = s
	m.mu.Unlock()

	if exists && prev != s {
		prev.Detach()
	}
	s.Attach(bus)
}

// Unregister detaches and forgets the sink with the given id.
func (m *Multiplex) Unregister(id string) {
	m.mu.Lock()
	s, ok := m.sinks[id]
	delete(m.sinks, id)
	m.mu.Unlock()
	if ok {
		s.Detach()
	}
}

// Get returns the registered sink for id, if any.
func (m *Multiplex) Get(id string) (*Sink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sinks[id]
	return s, ok
}

// Count returns the number of registered sinks.
func (m *Multiplex) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sinks)
}
