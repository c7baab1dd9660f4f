package tracker

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/kolkov/memtaint/internal/taint/origin"
	"github.com/kolkov/memtaint/internal/taint/stackdepot"
	"github.com/kolkov/memtaint/internal/taint/tcontext"
)

// Reason classifies why a poisoned range was scanned.
type Reason int

const (
	// ReasonAny is an ordinary value use.
	ReasonAny Reason = iota

	// ReasonCopyToUser is an outbound copy across the trust boundary.
	ReasonCopyToUser

	// ReasonDeviceOut is memory handed to a device for reading.
	ReasonDeviceOut
)

// String returns the phrase used in report headers.
func (r Reason) String() string {
	switch r {
	case ReasonCopyToUser:
		return "copy to user"
	case ReasonDeviceOut:
		return "device transfer"
	default:
		return "value use"
	}
}

// Event is one maximal poisoned run found by a scan, attributed to a
// single origin.
type Event struct {
	// Origin is the depot handle of the run's provenance record.
	Origin stackdepot.Handle

	// Addr and Size describe the scanned range.
	Addr uint64
	Size uint64

	// OffStart and OffEnd bound the run within the range, inclusive.
	OffStart int
	OffEnd   int

	// UserAddr is the destination address for boundary copies, zero
	// otherwise.
	UserAddr uint64

	// Reason classifies the access.
	Reason Reason
}

// DedupKey identifies an event for suppression of repeats. Two scans of
// the same range finding the same run with the same provenance and the
// same destination produce one report; a different destination is a
// different exposure and reports again.
func (e *Event) DedupKey() string {
	return fmt.Sprintf("%d:%#x:%#x:%d:%d:%#x",
		e.Reason, e.Addr, uint32(e.Origin), e.OffStart, e.OffEnd, e.UserAddr)
}

// Sink consumes report events. Deliveries are serialized by the tracker.
type Sink interface {
	Deliver(e *Event)
}

// ConsoleSink renders events as fenced human-readable reports, walking
// the provenance chain from most recent store back to creation.
type ConsoleSink struct {
	w io.Writer
}

// NewConsoleSink writes to w, defaulting to stderr when w is nil.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	if w == nil {
		w = os.Stderr
	}
	return &ConsoleSink{w: w}
}

// Deliver formats one event.
func (s *ConsoleSink) Deliver(e *Event) {
	fmt.Fprintf(s.w, "=====================================================\n")
	fmt.Fprintf(s.w, "WARNING: use of uninitialized value (%s)\n", e.Reason)
	fmt.Fprintf(s.w, " in range [%#x, %#x] of %d-byte region starting at %#x\n",
		e.Addr+uint64(e.OffStart), e.Addr+uint64(e.OffEnd), e.Size, e.Addr)
	if e.UserAddr != 0 {
		fmt.Fprintf(s.w, " destination address %#x\n", e.UserAddr)
	}
	writeChain(s.w, e.Origin)
	fmt.Fprintf(s.w, "=====================================================\n")
}

// writeChain walks the provenance records behind h: link records name the
// stores that moved the value, the terminal record names its creation.
func writeChain(w io.Writer, h stackdepot.Handle) {
	for h != 0 {
		trace := stackdepot.Fetch(h)
		eb := origin.DecodeExtra(h.Extra())
		if origin.IsChain(trace) {
			site, prev := origin.ChainLinks(trace)
			fmt.Fprintf(w, "\nUninit was stored to memory at:\n")
			writeTrace(w, stackdepot.Fetch(site))
			h = prev
			continue
		}
		if eb.UAF {
			fmt.Fprintf(w, "\nUninit was created at (freed memory):\n")
		} else {
			fmt.Fprintf(w, "\nUninit was created at:\n")
		}
		writeTrace(w, trace)
		return
	}
	fmt.Fprintf(w, "\nUninit was created at:\n <origin not recorded>\n")
}

// writeTrace symbolizes a program-counter trace, hiding runtime and
// tracker-internal frames.
func writeTrace(w io.Writer, pcs []uintptr) {
	if len(pcs) == 0 {
		fmt.Fprintf(w, " <stack unavailable>\n")
		return
	}
	frames := runtime.CallersFrames(pcs)
	shown := 0
	for {
		fr, more := frames.Next()
		if fr.Function != "" && !hiddenFrame(fr.Function) {
			fmt.Fprintf(w, " %s\n   %s:%d\n", fr.Function, fr.File, fr.Line)
			shown++
		}
		if !more {
			break
		}
	}
	if shown == 0 {
		fmt.Fprintf(w, " <stack unavailable>\n")
	}
}

func hiddenFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") ||
		strings.Contains(fn, "memtaint/internal/taint/origin") ||
		strings.Contains(fn, "memtaint/internal/taint/tracker.(*Tracker)")
}

// emit runs an event through suppression, dedup, and counters before
// handing it to the sink. Contexts that have reporting disabled scan
// silently.
func (t *Tracker) emit(ctx *tcontext.State, e *Event) {
	if ctx != nil && !ctx.AllowReporting {
		return
	}
	if _, dup := t.reported.LoadOrStore(e.DedupKey(), struct{}{}); dup {
		return
	}
	t.reportCount.Add(1)
	metricReports.Inc()
	t.sinkMu.Lock()
	t.sink.Deliver(e)
	t.sinkMu.Unlock()
}
