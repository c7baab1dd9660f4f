package origin

import (
	"runtime"

	"github.com/kolkov/memtaint/internal/taint/stackdepot"
)

// CaptureStack captures the current call stack as raw program counters.
//
// skip counts frames to drop on top of CaptureStack itself, so skip=0
// starts the trace at the immediate caller. The trace is bounded by
// stackdepot.MaxFrames and is returned unsymbolized: runtime.Callers does
// not sleep, while symbolization would, so frame filtering is deferred to
// report formatting.
//
// Returns nil when no stack is available, which Save maps to handle 0.
func CaptureStack(skip int) []uintptr {
	var pcs [stackdepot.MaxFrames]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	if n == 0 {
		return nil
	}
	return pcs[:n]
}

// SaveStack captures the caller's stack and stores it with the given extra
// bits, returning the origin handle.
//
// skip is relative to SaveStack's caller, as in CaptureStack.
func SaveStack(skip int, extra ExtraBits) stackdepot.Handle {
	return stackdepot.Save(CaptureStack(skip+1), extra.Encode())
}
