package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameBusFanOutToMultipleSubscribers(t *testing.T) {
	bus := NewFrameBus()

	ch1, unsub1 := bus.Subscribe()
	defer unsub1()
	ch2, unsub2 := bus.Subscribe()
	defer unsub2()

	assert.Equal(t, 2, bus.Count())

	f := NewFrame([]byte{1, 2, 3}, 64, 48, 0, false)
	bus.Publish(f)
	f.Release()

	select {
	case got := <-ch1:
		assert.Equal(t, []byte{1, 2, 3}, got.Data)
		got.Release()
	case <-time.After(time.Second):
		t.Fatal("subscriber 1 never received the frame")
	}

	select {
	case got := <-ch2:
		assert.Equal(t, []byte{1, 2, 3}, got.Data)
		got.Release()
	case <-time.After(time.Second):
		t.Fatal("subscriber 2 never received the frame")
	}
}

func TestFrameBusDropsOnFullSubscriberChannel(t *testing.T) {
	bus := NewFrameBus()
	ch, unsub := bus.Subscribe()
	defer unsub()

	f1 := NewFrame([]byte{1}, 1, 1, 0, false)
	f2 := NewFrame([]byte{2}, 1, 1, 0, false)
	bus.Publish(f1) // fills the single-depth channel
	bus.Publish(f2) // must be dropped, not block
	f1.Release()
	f2.Release()

	got := <-ch
	assert.Equal(t, []byte{1}, got.Data)
	got.Release()

	select {
	case <-ch:
		t.Fatal("second publish should have been dropped, not delivered")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestFrameRefCounting(t *testing.T) {
	f := NewFrame([]byte{9}, 1, 1, 0, false)
	require.EqualValues(t, 1, f.RefCount())

	dup := f.Retain()
	require.EqualValues(t, 2, f.RefCount())

	dup.Release()
	require.EqualValues(t, 1, f.RefCount())

	f.Release()
	require.EqualValues(t, 0, f.RefCount())
}
