package sink

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solovyev/vrtpcore/pkg/media"
)

func TestSinkDeliversFramesWhileRunning(t *testing.T) {
	bus := media.NewFrameBus()
	s := New("rec1")
	s.Attach(bus)
	s.Start()

	got := make(chan int, 1)
	s.RegisterTarget(func(id string, f *media.Frame) {
		got <- f.Width
	})

	bus.Publish(media.NewFrame(nil, 640, 480, 0, false))

	select {
	case w := <-got:
		assert.Equal(t, 640, w)
	case <-time.After(time.Second):
		t.Fatal("expected frame delivery while running")
	}
}

func TestSinkDropsFramesWhileStopped(t *testing.T) {
	bus := media.NewFrameBus()
	s := New("rec1")
	s.Attach(bus)

	called := false
	s.RegisterTarget(func(id string, f *media.Frame) { called = true })

	bus.Publish(media.NewFrame(nil, 640, 480, 0, false))
	time.Sleep(50 * time.Millisecond)

	assert.False(t, called, "a sink that was never started must not deliver frames")
}

func TestSinkStopSuppressesDeliveryWithoutDetaching(t *testing.T) {
	bus := media.NewFrameBus()
	s := New("rec1")
	s.Attach(bus)
	s.Start()

	count := 0
	s.RegisterTarget(func(id string, f *media.Frame) { count++ })

	bus.Publish(media.NewFrame(nil, 320, 240, 0, false))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, count)

	s.Stop()
	bus.Publish(media.NewFrame(nil, 320, 240, 0, false))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, count, "a stopped sink must keep its subscription but drop deliveries")

	s.Start()
	bus.Publish(media.NewFrame(nil, 320, 240, 0, false))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, count, "restarting must resume delivery on the same subscription")
}

func TestSinkIDReportedToTarget(t *testing.T) {
	bus := media.NewFrameBus()
	s := New("camera-1")
	s.Attach(bus)
	s.Start()

	got := make(chan string, 1)
	s.RegisterTarget(func(id string, f *media.Frame) { got <- id })

	bus.Publish(media.NewFrame(nil, 1, 1, 0, false))
	select {
	case id := <-got:
		assert.Equal(t, "camera-1", id)
	case <-time.After(time.Second):
		t.Fatal("expected delivery")
	}
}

func TestMultiplexFansOutToMultipleSinks(t *testing.T) {
	bus := media.NewFrameBus()
	m := NewMultiplex(zerolog.Nop())

	s1, s2 := New("a"), New("b")
	got1 := make(chan int, 1)
	got2 := make(chan int, 1)
	s1.RegisterTarget(func(id string, f *media.Frame) { got1 <- f.Width })
	s2.RegisterTarget(func(id string, f *media.Frame) { got2 <- f.Width })
	s1.Start()
	s2.Start()

	m.Register(s1, bus)
	m.Register(s2, bus)
	require.Equal(t, 2, m.Count())

	bus.Publish(media.NewFrame(nil, 800, 600, 0, false))

	for _, ch := range []chan int{got1, got2} {
		select {
		case w := <-ch:
			assert.Equal(t, 800, w)
		case <-time.After(time.Second):
			t.Fatal("expected every registered sink to receive the frame")
		}
	}
}

func TestMultiplexUnregisterDetaches(t *testing.T) {
	bus := media.NewFrameBus()
	m := NewMultiplex(zerolog.Nop())

	s := New("a")
	called := false
	s.RegisterTarget(func(id string, f *media.Frame) { called = true })
	s.Start()
	m.Register(s, bus)

	m.Unregister("a")
	_, ok := m.Get("a")
	assert.False(t, ok)

	bus.Publish(media.NewFrame(nil, 10, 10, 0, false))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, called, "an unregistered sink must no longer receive frames")
}

func TestMultiplexRegisterReplacesExistingID(t *testing.T) {
	bus := media.NewFrameBus()
	m := NewMultiplex(zerolog.Nop())

	oldCalled := false
	oldSink := New("dup")
	oldSink.RegisterTarget(func(id string, f *media.Frame) { oldCalled = true })
	oldSink.Start()
	m.Register(oldSink, bus)

	newGot := make(chan int, 1)
	newSink := New("dup")
	newSink.RegisterTarget(func(id string, f *media.Frame) { newGot <- f.Width })
	newSink.Start()
	m.Register(newSink, bus)

	require.Equal(t, 1, m.Count())
	bus.Publish(media.NewFrame(nil, 99, 99, 0, false))

	select {
	case w := <-newGot:
		assert.Equal(t, 99, w)
	case <-time.After(time.Second):
		t.Fatal("expected the replacement sink to receive the frame")
	}
	assert.False(t, oldCalled, "the replaced sink must have been detached")
}
