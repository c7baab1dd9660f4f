// Package tcontext provides the per-execution-context state of the tracker.
//
// Each goroutine that enters the tracker owns one State record holding:
//
//   - the re-entrancy depth: the tracker's own bookkeeping (stack capture,
//     depot interaction, bulk metadata writes) runs with the depth raised,
//     so a nested entry observes InRuntime() and no-ops instead of
//     recursing into its own accounting;
//   - the scratch-zone metadata arrays: the scratch window of the address
//     space resolves into these arrays and into nobody else's, so one
//     context can never read or write another context's scratch metadata;
//   - the reporting permission flag, cleared when a context is retiring.
//
// The state is deliberately not ambient: accessors take the *State of the
// current context as an explicit argument, making the "no cross-context
// access" rule a visible precondition instead of a hidden global.
package tcontext

import (
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/kolkov/memtaint/internal/taint/layout"
	"github.com/kolkov/memtaint/internal/taint/stackdepot"
)

// State is the tracker state of a single goroutine.
//
// A State must only ever be used by the goroutine it was created for.
// None of its methods synchronize; the owner is the only writer.
type State struct {
	// runtimeDepth counts nested entries into tracker bookkeeping.
	runtimeDepth int

	// AllowReporting gates report emission for this context.
	AllowReporting bool

	// scratchShadow and scratchOrigin back the scratch zone for this
	// context. Nil until the tracker is initialized with a scratch size.
	scratchShadow []byte
	scratchOrigin []stackdepot.Handle
}

// EnterRuntime marks entry into tracker bookkeeping. Calls nest.
func (s *State) EnterRuntime() {
	s.runtimeDepth++
}

// LeaveRuntime marks exit from tracker bookkeeping.
func (s *State) LeaveRuntime() {
	if s.runtimeDepth == 0 {
		panic("tcontext: LeaveRuntime without matching EnterRuntime")
	}
	s.runtimeDepth--
}

// InRuntime reports whether this context is inside tracker bookkeeping.
func (s *State) InRuntime() bool {
	return s.runtimeDepth > 0
}

// ScratchShadow returns this context's scratch shadow array, nil before
// initialization.
func (s *State) ScratchShadow() []byte {
	return s.scratchShadow
}

// ScratchOrigin returns this context's scratch origin array, nil before
// initialization.
func (s *State) ScratchOrigin() []stackdepot.Handle {
	return s.scratchOrigin
}

var (
	// contexts maps goroutine ID to *State. sync.Map: reads dominate once
	// a goroutine's state exists.
	contexts sync.Map // int64 → *State

	// scratchBytes is the configured scratch-zone size. Zero until the
	// tracker initializes, so pre-init contexts carry no scratch arrays
	// and scratch addresses resolve to nothing.
	scratchBytes atomic.Uint64
)

// SetScratchSize configures the scratch arrays of subsequently created
// contexts. Called once by tracker initialization; size must be a multiple
// of the origin granule.
func SetScratchSize(size uint64) {
	if size%layout.OriginSize != 0 {
		panic("tcontext: scratch size not granule-aligned")
	}
	scratchBytes.Store(size)
}

// Current returns the State of the calling goroutine, creating it on first
// use.
//
// The returned pointer stays valid for the goroutine's lifetime but must
// not be handed to another goroutine.
func Current() *State {
	gid := goroutineID()
	if v, ok := contexts.Load(gid); ok {
		return v.(*State)
	}
	s := newState()
	actual, _ := contexts.LoadOrStore(gid, s)
	return actual.(*State)
}

// Retire marks the calling goroutine's context as no longer reporting and
// forgets it. Later tracker entries from the same goroutine allocate a
// fresh context.
func Retire() {
	gid := goroutineID()
	if v, ok := contexts.Load(gid); ok {
		v.(*State).AllowReporting = false
	}
	contexts.Delete(gid)
}

// Reset forgets all contexts and the scratch configuration. Only for test
// setup/teardown.
func Reset() {
	contexts = sync.Map{}
	scratchBytes.Store(0)
}

func newState() *State {
	s := &State{AllowReporting: true}
	if n := scratchBytes.Load(); n > 0 {
		s.scratchShadow = make([]byte, n)
		s.scratchOrigin = make([]stackdepot.Handle, n/layout.OriginSize)
	}
	return s
}

// goroutineID extracts the current goroutine's ID by parsing the header of
// runtime.Stack output ("goroutine 123 [running]:"). Slow (~µs) but only
// hit on the context lookup path, and the result is effectively cached by
// the contexts map keyed on it.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGID(buf[:n])
}

// parseGID parses the goroutine ID out of a runtime.Stack header.
// Returns 0 if the buffer does not look like one.
func parseGID(buf []byte) int64 {
	const prefix = "goroutine "
	if len(buf) < len(prefix) || string(buf[:len(prefix)]) != prefix {
		return 0
	}
	buf = buf[len(prefix):]
	end := 0
	for end < len(buf) && buf[end] >= '0' && buf[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	gid, err := strconv.ParseInt(string(buf[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return gid
}
