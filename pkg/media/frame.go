package media

import (
	"sync/atomic"
	"time"
)

// NewFrame wraps data in a Frame with a single reference already held
// by the caller. The caller must Release it when done.
func NewFrame(data []byte, width, height int, pts time.Duration, keyFrame bool) *Frame {
	refs := int32(1)
	return &Frame{
		PTS:      pts,
		Width:    width,
		Height:   height,
		KeyFrame: keyFrame,
		Data:     data,
		refs:     &refs,
	}
}

// Retain increments the reference count and returns the same frame,
// for a consumer that wants to hold onto it past the current callback.
func (f *Frame) Retain() *Frame {
	atomic.AddInt32(f.refs, 1)
	return f
}

// Release decrements the reference count. The final Release is where
// a pooled implementation would return the backing buffer; this
// implementation has no pool, so it is a no-op beyond bookkeeping.
func (f *Frame) Release() {
	atomic.AddInt32(f.refs, -1)
}

// RefCount reports the current reference count, for tests.
func (f *Frame) RefCount() int32 {
	return atomic.LoadInt32(f.refs)
}
