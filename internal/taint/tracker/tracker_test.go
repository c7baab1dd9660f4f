package tracker

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/memtaint/internal/taint/layout"
	"github.com/kolkov/memtaint/internal/taint/origin"
	"github.com/kolkov/memtaint/internal/taint/stackdepot"
	"github.com/kolkov/memtaint/internal/taint/tcontext"
)

// captureSink records every delivered event for inspection.
type captureSink struct {
	events []Event
}

func (s *captureSink) Deliver(e *Event) {
	s.events = append(s.events, *e)
}

// newTestTracker builds an initialized tracker with a capturing sink and
// clean global state.
func newTestTracker(t *testing.T) (*Tracker, *captureSink, layout.Layout) {
	t.Helper()
	tcontext.Reset()
	stackdepot.Reset()
	lay := layout.Default()
	tr := New(lay)
	tr.Init()
	sink := &captureSink{}
	tr.SetSink(sink)
	return tr, sink, lay
}

// span is the (start, end) offset pair of a reported run.
type span struct{ Start, End int }

func spans(events []Event) []span {
	out := make([]span, 0, len(events))
	for _, e := range events {
		out = append(out, span{e.OffStart, e.OffEnd})
	}
	return out
}

func TestNotReadyNoOp(t *testing.T) {
	tcontext.Reset()
	stackdepot.Reset()
	tr := New(layout.Default())
	sink := &captureSink{}
	tr.SetSink(sink)

	a := layout.Default().LinearStart
	tr.Poison(a, 64)
	tr.Check(a, 64)
	tr.MoveMetadata(a+64, a, 64)
	tr.PageFree(a, 1, false)

	assert.Empty(t, sink.events, "pre-init operations must be silent no-ops")
	assert.False(t, tr.Ready())
}

func TestPoisonCheckRoundTrip(t *testing.T) {
	tr, sink, lay := newTestTracker(t)
	a := lay.LinearStart
	require.NoError(t, tr.PageAlloc(a, 1, true))

	tr.Poison(a, 8)
	tr.Check(a, 8)

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, span{0, 7}, span{ev.OffStart, ev.OffEnd})
	assert.NotZero(t, ev.Origin, "a reported run must carry provenance")
	assert.Equal(t, ReasonAny, ev.Reason)

	// Re-checking the same range must not duplicate the report.
	tr.Check(a, 8)
	assert.Len(t, sink.events, 1)
}

func TestDynamicZonePoisonCheck(t *testing.T) {
	tr, sink, lay := newTestTracker(t)
	d := lay.DynamicStart + 2*layout.PageSize

	// No attach step: dynamic-region metadata exists from Init on.
	tr.Poison(d, 8)
	tr.Unpoison(d+2, 3)
	tr.Check(d, 8)

	want := []span{{0, 1}, {5, 7}}
	if diff := cmp.Diff(want, spans(sink.events)); diff != "" {
		t.Errorf("reported runs mismatch (-want +got):\n%s", diff)
	}

	// Poison propagates out of the dynamic region like any other.
	a := lay.LinearStart
	require.NoError(t, tr.PageAlloc(a, 1, true))
	tr.MoveMetadata(a, d+5, 3)
	tr.Check(a, 3)
	require.Len(t, sink.events, 3)
	assert.Equal(t, span{0, 2}, span{sink.events[2].OffStart, sink.events[2].OffEnd})
}

func TestUnpoisonIdempotent(t *testing.T) {
	tr, sink, lay := newTestTracker(t)
	a := lay.LinearStart
	require.NoError(t, tr.PageAlloc(a, 1, false))

	tr.Unpoison(a, layout.PageSize)
	tr.Unpoison(a, layout.PageSize)
	tr.Check(a, layout.PageSize)

	assert.Empty(t, sink.events)
}

func TestCheckGapSplitsRuns(t *testing.T) {
	tr, sink, lay := newTestTracker(t)
	a := lay.LinearStart
	require.NoError(t, tr.PageAlloc(a, 1, true))

	tr.Poison(a, 8)
	tr.Unpoison(a+2, 3)
	tr.Check(a, 8)

	want := []span{{0, 1}, {5, 7}}
	if diff := cmp.Diff(want, spans(sink.events)); diff != "" {
		t.Errorf("reported runs mismatch (-want +got):\n%s", diff)
	}
	// Both runs stem from the same poison call.
	require.Len(t, sink.events, 2)
	assert.Equal(t, sink.events[0].Origin, sink.events[1].Origin)
}

func TestCheckPartialUnpoison(t *testing.T) {
	tr, sink, lay := newTestTracker(t)
	a := lay.LinearStart
	require.NoError(t, tr.PageAlloc(a, 1, true))

	tr.Poison(a, 8)
	tr.Unpoison(a, 2)
	tr.Unpoison(a+5, 3)
	tr.Check(a, 8)

	want := []span{{2, 4}}
	if diff := cmp.Diff(want, spans(sink.events)); diff != "" {
		t.Errorf("reported runs mismatch (-want +got):\n%s", diff)
	}
}

func TestMoveFromUntrackedCleansDestination(t *testing.T) {
	tr, sink, lay := newTestTracker(t)
	a := lay.LinearStart
	require.NoError(t, tr.PageAlloc(a, 1, true))
	tr.Poison(a, 64)

	// Source outside every tracked zone.
	tr.MoveMetadata(a, 0x10, 64)
	tr.Check(a, 64)

	assert.Empty(t, sink.events, "data copied from untracked memory counts as initialized")
}

func TestMoveToUntrackedIsNoOp(t *testing.T) {
	tr, sink, lay := newTestTracker(t)
	a := lay.LinearStart
	require.NoError(t, tr.PageAlloc(a, 1, true))
	tr.Poison(a, 16)

	tr.MoveMetadata(0x10, a, 16)

	// The source keeps its poison.
	tr.Check(a, 16)
	assert.Len(t, sink.events, 1)
}

func TestMovePropagatesAndChains(t *testing.T) {
	tr, sink, lay := newTestTracker(t)
	a := lay.LinearStart
	b := a + layout.PageSize
	require.NoError(t, tr.PageAlloc(a, 1, true))
	require.NoError(t, tr.PageAlloc(b, 1, true))

	tr.Poison(a, 8)
	tr.Check(a, 8)
	require.Len(t, sink.events, 1)
	src := sink.events[0].Origin

	tr.MoveMetadata(b, a, 8)
	tr.Check(b, 8)
	require.Len(t, sink.events, 2)
	moved := sink.events[1].Origin

	require.NotZero(t, moved)
	assert.NotEqual(t, src, moved, "a copy must extend provenance, not alias it")

	trace := stackdepot.Fetch(moved)
	require.True(t, origin.IsChain(trace), "moved origin must be a link record")
	site, prev := origin.ChainLinks(trace)
	assert.Equal(t, src, prev, "the link must point at the source origin")
	assert.NotZero(t, site)
	assert.Equal(t, 1, origin.DecodeExtra(moved.Extra()).Depth)
}

func TestMoveClearsOriginOfCleanGranules(t *testing.T) {
	tr, sink, lay := newTestTracker(t)
	a := lay.LinearStart
	b := a + layout.PageSize
	require.NoError(t, tr.PageAlloc(a, 1, true))
	require.NoError(t, tr.PageAlloc(b, 1, true))

	tr.Poison(b, 8)
	tr.MoveMetadata(b, a, 8) // clean source granules overwrite the poison
	tr.Check(b, 8)

	assert.Empty(t, sink.events)
	ctx := tcontext.Current()
	ctx.EnterRuntime()
	or := tr.Space().Origin(ctx, b)
	ctx.LeaveRuntime()
	assert.Zero(t, or[0], "clean granules must not keep stale handles")
	assert.Zero(t, or[1])
}

func TestChainDepthSaturates(t *testing.T) {
	tr, _, lay := newTestTracker(t)
	a := lay.LinearStart
	b := a + layout.PageSize
	require.NoError(t, tr.PageAlloc(a, 1, true))
	require.NoError(t, tr.PageAlloc(b, 1, true))

	tr.Poison(a, 4)
	for i := 0; i < 6; i++ {
		tr.MoveMetadata(b, a, 4)
		tr.MoveMetadata(a, b, 4)
	}

	ctx := tcontext.Current()
	ctx.EnterRuntime()
	h := tr.Space().Origin(ctx, a)[0]
	ctx.LeaveRuntime()
	require.NotZero(t, h)
	assert.Equal(t, origin.MaxChainDepth, origin.DecodeExtra(h.Extra()).Depth)
	assert.Greater(t, tr.Stat().ChainsSkipped, int64(0))

	// Once saturated, further copies keep the handle stable.
	tr.MoveMetadata(b, a, 4)
	ctx.EnterRuntime()
	h2 := tr.Space().Origin(ctx, b)[0]
	ctx.LeaveRuntime()
	assert.Equal(t, h, h2)
}

func TestReportingDisabledContextIsSilent(t *testing.T) {
	tr, sink, lay := newTestTracker(t)
	a := lay.LinearStart
	require.NoError(t, tr.PageAlloc(a, 1, true))
	tr.Poison(a, 8)

	tcontext.Current().AllowReporting = false
	tr.Check(a, 8)
	assert.Empty(t, sink.events)

	tcontext.Current().AllowReporting = true
	tr.Check(a, 8)
	assert.Len(t, sink.events, 1)
}

func TestStatCounters(t *testing.T) {
	tr, _, lay := newTestTracker(t)
	a := lay.LinearStart
	b := a + layout.PageSize
	require.NoError(t, tr.PageAlloc(a, 1, true))
	require.NoError(t, tr.PageAlloc(b, 1, true))

	tr.Poison(a, 8)
	tr.MoveMetadata(b, a, 8)
	tr.Check(b, 8)

	st := tr.Stat()
	assert.Equal(t, int64(1), st.Reports)
	assert.Equal(t, int64(1), st.MetadataMoves)
	assert.Greater(t, st.UniqueStacks, 0)
}
