package media

import "sync"

// codecOnce guards the one process-wide codec library registration
// this module requires before any Encoder/Decoder can be opened.
// Replaces the "single process-wide lock manager and device list at
// startup" Design Note §9 describes, as a one-shot initializer behind
// a dedicated entry point rather than a package-level mutable map.
var (
	codecOnce    sync.Once
	codecInitFn  func() error
	codecInitErr error
)

// RegisterCodecLibraryInit installs the hook InitCodecLibrary runs
// exactly once. Call it before the first InitCodecLibrary call;
// registering after InitCodecLibrary has already run has no effect.
func RegisterCodecLibraryInit(fn func() error) {
	codecInitFn = fn
}

// InitCodecLibrary runs the registered hook exactly once across the
// process lifetime and returns whatever it returned. Safe to call from
// every Sender/Receiver constructor.
func InitCodecLibrary() error {
	codecOnce.Do(func() {
		if codecInitFn != nil {
			codecInitErr = codecInitFn()
		}
	})
	return codecInitErr
}
