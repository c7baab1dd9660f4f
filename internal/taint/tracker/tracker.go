// Package tracker is the uninitialized-memory tracking engine.
//
// It ties the metadata space, the provenance chain manager, and the report
// pipeline together behind the operations the subsystem hooks call:
// poison/unpoison, metadata propagation on copies, poison scanning at
// trust boundaries, and the page/block lifecycle.
//
// Execution discipline, applied by every public method:
//
//   - readiness gate: before Init the space resolves nothing and every
//     operation is a silent no-op, never an error;
//   - re-entrancy guard: the substantive logic runs with the calling
//     context's runtime depth raised, so the tracker's own bookkeeping
//     (stack capture, depot writes, bulk fills) is never itself tracked.
//
// The tracker takes no locks over metadata bytes. It mirrors whatever
// serialization the caller already applies to the data; racing metadata
// updates are exactly as (in)coherent as the racing data updates they
// shadow.
package tracker

import (
	"sync"
	"sync/atomic"

	"github.com/kolkov/memtaint/internal/taint/layout"
	"github.com/kolkov/memtaint/internal/taint/origin"
	"github.com/kolkov/memtaint/internal/taint/shadow"
	"github.com/kolkov/memtaint/internal/taint/stackdepot"
	"github.com/kolkov/memtaint/internal/taint/tcontext"
)

// PoisonFlags modify the poison primitives.
type PoisonFlags uint8

const (
	// PoisonCheck asserts the target range is tracked; poisoning untracked
	// memory with this flag set is a fatal contract violation.
	PoisonCheck PoisonFlags = 1 << iota

	// PoisonFree marks the origin as a use-after-free origin.
	PoisonFree
)

// Tracker is one tracking engine instance over one address space.
type Tracker struct {
	space   *shadow.Space
	chainer *origin.Chainer

	// sinkMu serializes report delivery so concurrent scanners do not
	// interleave output.
	sinkMu sync.Mutex
	sink   Sink

	// reported holds dedup keys of already-delivered events.
	reported sync.Map

	reportCount atomic.Int64
	moveCount   atomic.Int64
}

// New creates a tracker for the given layout. The tracker is inert until
// Init: every operation no-ops.
func New(lay layout.Layout) *Tracker {
	return &Tracker{
		space:   shadow.NewSpace(lay),
		chainer: origin.NewChainer(),
		sink:    NewConsoleSink(nil),
	}
}

// Init brings the tracker up: configures the scratch zone for newly seen
// contexts, reserves the dynamic-region metadata, and flips the readiness
// flag. Safe to call more than once; only the first call does work.
func (t *Tracker) Init() {
	if t.space.Ready() {
		return
	}
	tcontext.SetScratchSize(t.space.Layout().ScratchSize)
	t.space.Initialize()
}

// Ready reports whether Init has run.
func (t *Tracker) Ready() bool {
	return t.space.Ready()
}

// Space exposes the metadata space, for tests and the CLI inspector.
func (t *Tracker) Space() *shadow.Space {
	return t.space
}

// SetSink replaces the report sink. Not synchronized against in-flight
// deliveries; install sinks before traffic.
func (t *Tracker) SetSink(s Sink) {
	t.sink = s
}

// Stats is a point-in-time snapshot of tracker counters.
type Stats struct {
	// Reports is the number of unique report events delivered.
	Reports int64

	// MetadataMoves is the number of propagation operations performed.
	MetadataMoves int64

	// ChainsSkipped is the number of chain extensions dropped at the
	// depth cap.
	ChainsSkipped int64

	// UniqueStacks is the number of distinct traces in the depot.
	UniqueStacks int
}

// Stat returns the current counters.
func (t *Tracker) Stat() Stats {
	return Stats{
		Reports:       t.reportCount.Load(),
		MetadataMoves: t.moveCount.Load(),
		ChainsSkipped: t.chainer.Skipped(),
		UniqueStacks:  stackdepot.Stats(),
	}
}

// enter applies the entry discipline: nil context and false when the
// operation must no-op (not ready, or re-entered); otherwise the current
// context with the runtime guard raised. The caller must LeaveRuntime.
func (t *Tracker) enter() (*tcontext.State, bool) {
	if !t.space.Ready() {
		return nil, false
	}
	ctx := tcontext.Current()
	if ctx.InRuntime() {
		return nil, false
	}
	ctx.EnterRuntime()
	return ctx, true
}

// Poison marks [addr, addr+size) uninitialized, attributing it to the
// caller's call site.
func (t *Tracker) Poison(addr, size uint64) {
	ctx, ok := t.enter()
	if !ok {
		return
	}
	defer ctx.LeaveRuntime()
	t.poisonRange(ctx, addr, size, 0)
}

// Unpoison marks [addr, addr+size) initialized. Clean data carries no
// provenance, so no stack is captured.
func (t *Tracker) Unpoison(addr, size uint64) {
	ctx, ok := t.enter()
	if !ok {
		return
	}
	defer ctx.LeaveRuntime()
	t.unpoisonRange(ctx, addr, size, 0)
}

// Check scans [addr, addr+size) and reports every poisoned run. Purely
// observational: the data operation that prompted the check may proceed
// regardless.
func (t *Tracker) Check(addr, size uint64) {
	ctx, ok := t.enter()
	if !ok {
		return
	}
	defer ctx.LeaveRuntime()
	t.checkRange(ctx, addr, size, 0, ReasonAny)
}

// poisonRange is the guarded poison primitive: capture one stack, derive
// the origin handle, fill shadow and origin.
func (t *Tracker) poisonRange(ctx *tcontext.State, addr, size uint64, flags PoisonFlags) {
	eb := origin.ExtraBits{UAF: flags&PoisonFree != 0}
	h := origin.SaveStack(1, eb)
	t.space.SetRange(ctx, addr, size, shadow.PoisonByte, h, flags&PoisonCheck != 0)
	metricPoisonOps.Inc()
}

// unpoisonRange clears shadow and origin over the range.
func (t *Tracker) unpoisonRange(ctx *tcontext.State, addr, size uint64, flags PoisonFlags) {
	t.space.SetRange(ctx, addr, size, 0, 0, flags&PoisonCheck != 0)
}
