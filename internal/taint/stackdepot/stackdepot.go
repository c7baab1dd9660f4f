// Package stackdepot implements content-addressed storage for stack traces.
//
// The depot stores each unique trace once and hands out a compact 32-bit
// handle. Identical content always yields the identical handle, so handles
// can be compared for equality without fetching the traces. Handle 0 is
// reserved and always decodes to "no record".
//
// Five low bits of every handle are caller-supplied "extra bits". They are
// part of the handle itself, so consumers can decode them without touching
// the depot. The origin package uses them to carry the provenance chain
// depth and the use-after-free flag.
//
// Design:
//   - FNV-1a hash of (trace, extra bits) for deduplication
//   - sync.Map index from hash to handle (lock-free reads)
//   - append-only slot table; the slot number forms the high handle bits
//
// Save never blocks on anything slower than a mutex acquired only when a
// new trace is first seen; it is safe to call from allocation paths that
// must not sleep.
package stackdepot

import (
	"hash/fnv"
	"sync"
	"unsafe"
)

const (
	// ExtraBits is the number of side-channel bits embedded in a handle.
	ExtraBits = 5

	// extraMask extracts the side-channel bits from a handle.
	extraMask = 1<<ExtraBits - 1

	// MaxFrames is the maximum number of program counters kept per trace.
	// Deep frames beyond this are dropped; provenance bugs are almost
	// always visible in the top frames.
	MaxFrames = 16
)

// Handle is a compact reference to a stored trace.
//
// Layout: [slot:27][extra:5]. Slot 0 is never allocated, so a Handle with
// a zero slot (in particular the zero Handle) refers to no record.
type Handle uint32

// Extra returns the side-channel bits carried by the handle.
//
// This is pure bit arithmetic; the depot is not consulted.
func (h Handle) Extra() uint8 {
	return uint8(h & extraMask)
}

// slot returns the slot-table index encoded in the handle, 0 if none.
func (h Handle) slot() uint32 {
	return uint32(h) >> ExtraBits
}

var (
	// index maps the content hash to the assigned handle.
	index sync.Map // uint64 → Handle

	// mu serializes slot allocation. Held only when a trace is first seen.
	mu    sync.Mutex
	slots []*[]uintptr
)

// Save stores a trace with the given extra bits and returns its handle.
//
// Identical (trace, extra) pairs map to the identical handle. The trace is
// truncated to MaxFrames entries. An empty trace yields handle 0.
//
// The slot space is 27 bits wide; exhausting it is treated as an
// unrecoverable accounting failure and panics, matching the contract that
// the store never silently loses records.
func Save(pcs []uintptr, extra uint8) Handle {
	if len(pcs) == 0 {
		return 0
	}
	if len(pcs) > MaxFrames {
		pcs = pcs[:MaxFrames]
	}
	extra &= extraMask

	key := hashTrace(pcs, extra)
	if v, ok := index.Load(key); ok {
		return v.(Handle)
	}

	mu.Lock()
	defer mu.Unlock()
	// Re-check under the lock: another goroutine may have inserted the
	// same content between the Load above and here.
	if v, ok := index.Load(key); ok {
		return v.(Handle)
	}

	stored := make([]uintptr, len(pcs))
	copy(stored, pcs)
	slots = append(slots, &stored)
	slot := uint32(len(slots)) // slot numbering starts at 1
	if slot > 1<<(32-ExtraBits)-1 {
		panic("stackdepot: slot space exhausted")
	}
	h := Handle(slot<<ExtraBits | uint32(extra))
	index.Store(key, h)
	return h
}

// Fetch returns the trace referenced by h, or nil for handle 0 or an
// unknown handle.
func Fetch(h Handle) []uintptr {
	s := h.slot()
	if s == 0 {
		return nil
	}
	mu.Lock()
	defer mu.Unlock()
	if int(s) > len(slots) {
		return nil
	}
	return *slots[s-1]
}

// Stats returns the number of unique traces stored.
func Stats() int {
	mu.Lock()
	defer mu.Unlock()
	return len(slots)
}

// Reset clears the depot. Only for test setup/teardown; not safe to call
// concurrently with Save or Fetch.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	slots = nil
	index = sync.Map{}
}

// hashTrace computes the FNV-1a hash of the program counters and the extra
// bits. FNV-1a is fast and distributes well over stack traces.
func hashTrace(pcs []uintptr, extra uint8) uint64 {
	h := fnv.New64a()
	for _, pc := range pcs {
		//nolint:gosec // Reading the PC value as bytes for hashing only.
		b := (*[8]byte)(unsafe.Pointer(&pc))[:]
		_, _ = h.Write(b)
	}
	_, _ = h.Write([]byte{extra})
	return h.Sum64()
}
