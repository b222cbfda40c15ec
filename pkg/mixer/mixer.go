package mixer

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/solovyev/vrtpcore/pkg/media"
)

// Default conference output geometry (spec.md §4.4).
const (
	defaultWidth     = 1280
	defaultHeight    = 720
	defaultFramerate = 30.0
)

// mixerSource is one registered input slot: its metadata plus the
// most recently decoded frame, overwritten (never queued) since the
// compositor only ever needs the latest tile.
type mixerSource struct {
	info   ParticipantInfo
	detach func()

	mu    sync.Mutex
	frame *media.Frame
}

// VideoMixer is the N-source, 1-sink compositor of spec.md §4.4: it
// holds one input slot per registered (callId, streamId) source,
// composes them on its own goroutine timed to the output framerate,
// and publishes the composed frame through outputBus exactly as a
// camera source would. It implements media.FrameSource itself so a
// session's Sender can attach to its output the same way it attaches
// to any other capture source (§4.4 "rebinds sender source to
// conf.mixer").
type VideoMixer struct {
	mu  sync.RWMutex
	log zerolog.Logger

	width, height int
	framerate     float64
	layout        Layout

	sources      map[SourceKey]*mixerSource
	activeStream SourceKey
	hasActive    bool
	autoSelect   bool

	outputBus      *media.FrameBus
	observerDetach map[media.FrameObserver]func()
	lastTiles      []Rect

	onSourcesUpdated func()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewVideoMixer builds an idle mixer at the conference's output
// geometry. width/height/framerate of zero fall back to the spec's
// defaults (1280x720 @ 30fps).
func NewVideoMixer(width, height int, framerate float64, layout Layout, log zerolog.Logger) *VideoMixer {
	if width <= 0 {
		width = defaultWidth
	}
	if height <= 0 {
		height = defaultHeight
	}
	if framerate <= 0 {
		framerate = defaultFramerate
	}
	return &VideoMixer{
		log:            log.With().Str("component", "mixer").Logger(),
		width:          width,
		height:         height,
		framerate:      framerate,
		layout:         layout,
		sources:        make(map[SourceKey]*mixerSource),
		observerDetach: make(map[media.FrameObserver]func()),
		autoSelect:     true,
	}
}

// SetSourcesUpdatedCallback installs the hook fired after every
// AddSource/RemoveSource, matching the "sources updated" notification
// the conference layer re-publishes layout info from.
func (m *VideoMixer) SetSourcesUpdatedCallback(cb func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSourcesUpdated = cb
}

// AddSource registers a new input slot and subscribes it to bus (the
// stream's own decode-side FrameBus), so every frame the stream
// decodes is immediately available to the next composition tick.
func (m *VideoMixer) AddSource(key SourceKey, info ParticipantInfo, bus *media.FrameBus) {
	m.mu.Lock()
	if _, exists := m.sources[key]; exists {
		m.mu.Unlock()
		return
	}
	src := &mixerSource{info: info}
	ch, unsubscribe := bus.Subscribe()
	src.detach = unsubscribe
	m.sources[key] = src
	if m.autoSelect && !m.hasActive {
		m.activeStream = key
		m.hasActive = true
	}
	cb := m.onSourcesUpdated
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for f := range ch {
			src.mu.Lock()
			prev := src.frame
			src.frame = f
			src.mu.Unlock()
			if prev != nil {
				prev.Release()
			}
		}
	}()

	if cb != nil {
		cb()
	}
}

// RemoveSource detaches and discards a previously registered slot. If
// it was the pinned/auto active stream, selection reverts to auto and
// picks whatever source remains (spec.md §4.4's pin-release rule).
func (m *VideoMixer) RemoveSource(key SourceKey) {
	m.mu.Lock()
	src, ok := m.sources[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sources, key)
	if m.hasActive && m.activeStream == key {
		m.hasActive = false
		m.autoSelect = true
		for k := range m.sources {
			m.activeStream = k
			m.hasActive = true
			break
		}
	}
	cb := m.onSourcesUpdated
	m.mu.Unlock()

	src.detach()
	src.mu.Lock()
	if src.frame != nil {
		src.frame.Release()
		src.frame = nil
	}
	src.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// SetLayout changes the active composition layout.
func (m *VideoMixer) SetLayout(l Layout) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layout = l
}

// Layout returns the current layout.
func (m *VideoMixer) Layout() Layout {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.layout
}

// SetActiveStream pins or releases a stream. Pinning disables
// voice-activity auto-selection until released; releasing (pinned ==
// false) restores auto-select, per spec.md §4.4 "at most one active
// stream at a time; resetting releases the pin and returns to auto".
func (m *VideoMixer) SetActiveStream(key SourceKey, pinned bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[key]; !ok {
		return
	}
	if pinned {
		m.activeStream = key
		m.hasActive = true
		m.autoSelect = false
		if src := m.sources[key]; src != nil {
			src.info.Pinned = true
		}
	} else if m.activeStream == key {
		m.autoSelect = true
		if src := m.sources[key]; src != nil {
			src.info.Pinned = false
		}
	}
}

// ReportVoiceActivity feeds a voice-activity sample for key; while
// auto-select is in effect (no pin held), the most recent active
// speaker becomes the mixer's active stream.
func (m *VideoMixer) ReportVoiceActivity(key SourceKey, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[key]
	if !ok {
		return
	}
	src.info.VoiceActive = active
	if active && m.autoSelect {
		m.activeStream = key
		m.hasActive = true
	}
}

// ActiveStream returns the current active stream and whether one is
// selected at all (false once a conference has zero sources).
func (m *VideoMixer) ActiveStream() (SourceKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeStream, m.hasActive
}

// Count returns the number of registered sources.
func (m *VideoMixer) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sources)
}

// Start launches the composition goroutine, publishing one composed
// frame per output frame interval until Stop.
func (m *VideoMixer) Start() {
	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	m.outputBus = media.NewFrameBus()
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go m.composeLoop(stopCh)
}

// Stop halts composition and closes the output bus to every attached
// observer.
func (m *VideoMixer) Stop() {
	m.mu.Lock()
	if m.stopCh == nil {
		m.mu.Unlock()
		return
	}
	close(m.stopCh)
	m.stopCh = nil
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *VideoMixer) composeLoop(stopCh chan struct{}) {
	defer m.wg.Done()
	m.mu.RLock()
	interval := time.Duration(float64(time.Second) / m.framerate)
	m.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.composeOnce()
		}
	}
}

// oneBigActiveShare is the fraction of the output width LayoutOneBig
// gives to the active tile; the remainder is split evenly among the
// other sources as a thumbnail strip (spec.md §4.4: OneBig "active
// tile fills ~75% of frame").
const oneBigActiveShare = 0.75

// TileRects computes the per-source placement rectangles for one
// composition tick, given the number of registered sources and the
// index of the active one within keys' iteration order (-1 if none is
// selected). It is pure and independent of any mixerSource, so layout
// geometry is testable without a running compositor.
func TileRects(layout Layout, width, height, n, activeIndex int) []Rect {
	rects := make([]Rect, n)
	if n == 0 {
		return rects
	}

	switch layout {
	case LayoutHidden:
		// only the active source is shown; everyone else gets the
		// zero Rect, which callers treat as "not composed this tick".
		if activeIndex >= 0 && activeIndex < n {
			rects[activeIndex] = Rect{X: 0, Y: 0, W: width, H: height}
		}

	case LayoutOneBig:
		if n == 1 {
			rects[0] = Rect{X: 0, Y: 0, W: width, H: height}
			break
		}
		idx := activeIndex
		if idx < 0 || idx >= n {
			idx = 0
		}
		activeW := int(float64(width) * oneBigActiveShare)
		thumbW := width - activeW
		thumbH := height / (n - 1)
		rects[idx] = Rect{X: 0, Y: 0, W: activeW, H: height}
		row := 0
		for i := 0; i < n; i++ {
			if i == idx {
				continue
			}
			rects[i] = Rect{X: activeW, Y: row * thumbH, W: thumbW, H: thumbH}
			row++
		}

	default: // LayoutGrid: a square-ish cols x rows arrangement.
		cols := int(math.Ceil(math.Sqrt(float64(n))))
		rows := int(math.Ceil(float64(n) / float64(cols)))
		tileW := width / cols
		tileH := height / rows
		for i := 0; i < n; i++ {
			col := i % cols
			r := i / cols
			rects[i] = Rect{X: col * tileW, Y: r * tileH, W: tileW, H: tileH}
		}
	}
	return rects
}

// Tiles returns the tile rectangles computed on the most recent
// composition tick, in the same source order TileRects produced them.
// Empty before the first tick or once the mixer has no sources.
func (m *VideoMixer) Tiles() []Rect {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rect, len(m.lastTiles))
	copy(out, m.lastTiles)
	return out
}

// composeOnce builds one output frame for the current layout and
// publishes it. Per the Non-goals (no prescribed wire codec), no
// concrete pixel blending ships here: the frame carries the layout's
// tile geometry (computed by TileRects and cached in lastTiles for
// Tiles()), with pixel data left to whatever concrete encoder/decoder
// pair a deployment wires in downstream of these interfaces.
func (m *VideoMixer) composeOnce() {
	m.mu.RLock()
	width, height := m.width, m.height
	layout := m.layout
	active, hasActive := m.activeStream, m.hasActive
	keys := make([]SourceKey, 0, len(m.sources))
	for k := range m.sources {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	n := len(keys)
	if n == 0 {
		return
	}
	// Deterministic order so the same source always lands in the same
	// tile slot from one tick to the next.
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CallID != keys[j].CallID {
			return keys[i].CallID < keys[j].CallID
		}
		return keys[i].StreamID < keys[j].StreamID
	})

	activeIndex := -1
	if hasActive {
		for i, k := range keys {
			if k == active {
				activeIndex = i
				break
			}
		}
	}

	if layout == LayoutHidden && activeIndex < 0 {
		return
	}

	rects := TileRects(layout, width, height, n, activeIndex)

	f := media.NewFrame(nil, width, height, 0, false)
	defer f.Release()
	m.mu.Lock()
	m.lastTiles = rects
	bus := m.outputBus
	m.mu.Unlock()
	if bus != nil {
		bus.Publish(f)
	}
}

// Attach implements media.FrameSource: a sender attaches here instead
// of to a camera when the session enters a conference.
func (m *VideoMixer) Attach(o media.FrameObserver) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outputBus == nil {
		return false
	}
	m.observerDetach[o] = media.AttachObserver(m.outputBus, o)
	return true
}

// Detach implements media.FrameSource.
func (m *VideoMixer) Detach(o media.FrameObserver) bool {
	m.mu.Lock()
	detach, ok := m.observerDetach[o]
	delete(m.observerDetach, o)
	m.mu.Unlock()
	if ok {
		detach()
	}
	return ok
}

// Params implements media.FrameSource.
func (m *VideoMixer) Params() media.DeviceParams {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return media.DeviceParams{Width: m.width, Height: m.height, Framerate: m.framerate}
}
