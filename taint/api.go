// Package taint provides the public API of the uninitialized-memory
// tracker.
//
// See doc.go for detailed documentation and examples.
package taint

import (
	"fmt"
	"io"
	"sync"

	"github.com/kolkov/memtaint/internal/taint/layout"
	"github.com/kolkov/memtaint/internal/taint/stackdepot"
	"github.com/kolkov/memtaint/internal/taint/tcontext"
	"github.com/kolkov/memtaint/internal/taint/tracker"
)

var (
	mu  sync.Mutex
	eng *tracker.Tracker
)

// Option configures Enable.
type Option func(*settings)

type settings struct {
	layoutPath string
	output     io.Writer
	sink       tracker.Sink
}

// WithLayoutFile loads the address-space layout from a YAML file instead
// of using the built-in default layout.
func WithLayoutFile(path string) Option {
	return func(s *settings) { s.layoutPath = path }
}

// WithOutput directs report output to w instead of standard error.
func WithOutput(w io.Writer) Option {
	return func(s *settings) { s.output = w }
}

// WithSink installs a custom report consumer, overriding WithOutput.
func WithSink(sink tracker.Sink) Option {
	return func(s *settings) { s.sink = sink }
}

// Enable initializes the tracker and turns every operation from a no-op
// into the real thing.
//
// Enable must run before tracked traffic; operations issued earlier are
// silently ignored by design, so a program can carry tracking calls
// unconditionally and decide at startup whether to pay for them.
//
// Safe to call multiple times; subsequent calls are no-ops.
func Enable(opts ...Option) error {
	var s settings
	for _, o := range opts {
		o(&s)
	}

	mu.Lock()
	defer mu.Unlock()
	if eng != nil {
		return nil
	}

	lay := layout.Default()
	if s.layoutPath != "" {
		var err error
		if lay, err = layout.Load(s.layoutPath); err != nil {
			return fmt.Errorf("taint: loading layout: %w", err)
		}
	}
	tr := tracker.New(lay)
	switch {
	case s.sink != nil:
		tr.SetSink(s.sink)
	case s.output != nil:
		tr.SetSink(tracker.NewConsoleSink(s.output))
	}
	tr.Init()
	eng = tr
	return nil
}

// Disable tears the tracker down. Pending metadata is dropped; operations
// return to being no-ops. Primarily for tests.
func Disable() {
	mu.Lock()
	defer mu.Unlock()
	eng = nil
	tcontext.Reset()
	stackdepot.Reset()
}

// Enabled reports whether the tracker is active.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return eng != nil
}

// current returns the active engine, nil when disabled.
func current() *tracker.Tracker {
	mu.Lock()
	defer mu.Unlock()
	return eng
}

// Poison marks [addr, addr+size) as uninitialized, attributed to the
// caller.
//
// Parameters:
//   - addr: start of the range in the tracked address space
//   - size: length of the range in bytes
func Poison(addr, size uint64) {
	if t := current(); t != nil {
		t.Poison(addr, size)
	}
}

// Unpoison marks [addr, addr+size) as initialized.
func Unpoison(addr, size uint64) {
	if t := current(); t != nil {
		t.Unpoison(addr, size)
	}
}

// Check scans [addr, addr+size) and reports every uninitialized run it
// finds. Checking never blocks the operation that prompted it; it only
// produces reports.
func Check(addr, size uint64) {
	if t := current(); t != nil {
		t.Check(addr, size)
	}
}

// Move mirrors a data copy of n bytes from src to dst onto the metadata
// plane. Call it wherever the program copies tracked memory, after the
// data copy itself.
func Move(dst, src, n uint64) {
	if t := current(); t != nil {
		t.MoveMetadata(dst, src, n)
	}
}

// PageAlloc registers pages handed out by the page allocator. zeroed
// tells the tracker whether the allocator cleared them; non-zeroed pages
// start fully poisoned with the caller as their origin.
func PageAlloc(addr, pages uint64, zeroed bool) error {
	if t := current(); t != nil {
		return t.PageAlloc(addr, pages, zeroed)
	}
	return nil
}

// PageFree re-poisons freed pages so later reads carry use-after-free
// provenance. keepState leaves the metadata untouched instead.
func PageFree(addr, pages uint64, keepState bool) {
	if t := current(); t != nil {
		t.PageFree(addr, pages, keepState)
	}
}

// PageRelease drops the metadata of pages leaving the tracked pool.
func PageRelease(addr, pages uint64) {
	if t := current(); t != nil {
		t.PageRelease(addr, pages)
	}
}

// CopyPageMeta duplicates one page's metadata onto another, for
// page-granular data copies.
func CopyPageMeta(dst, src uint64) {
	if t := current(); t != nil {
		t.CopyPageMeta(dst, src)
	}
}

// BlockAlloc sets the metadata of a heap block handed out by an object
// allocator.
func BlockAlloc(addr, size uint64, zeroed, keepState bool) {
	if t := current(); t != nil {
		t.BlockAlloc(addr, size, zeroed, keepState)
	}
}

// BlockFree re-poisons a freed heap block with use-after-free provenance.
func BlockFree(addr, size uint64, keepState bool) {
	if t := current(); t != nil {
		t.BlockFree(addr, size, keepState)
	}
}

// CopyToUser handles a copy across the trust boundary: toCopy bytes were
// to move from from to to, of which left did not transfer. Destinations
// inside tracked memory propagate metadata; destinations outside are
// scanned and poison is reported.
func CopyToUser(to, from, toCopy, left uint64) {
	if t := current(); t != nil {
		t.CopyToUser(to, from, toCopy, left)
	}
}

// Transfer directions for HandleTransfer.
const (
	ToDevice      = tracker.TransferToDevice
	FromDevice    = tracker.TransferFromDevice
	Bidirectional = tracker.TransferBidirectional
)

// HandleTransfer applies device-transfer semantics to a range: memory the
// device may read is scanned, memory the device may write becomes
// initialized.
func HandleTransfer(addr, size uint64, dir tracker.TransferDir) {
	if t := current(); t != nil {
		t.HandleTransfer(addr, size, dir)
	}
}

// SuppressReports disables report emission for the calling goroutine's
// context. Scans still run; they just stay silent.
func SuppressReports() {
	tcontext.Current().AllowReporting = false
}

// ResumeReports re-enables report emission for the calling goroutine.
func ResumeReports() {
	tcontext.Current().AllowReporting = true
}

// RetireContext forgets the calling goroutine's tracking context. Call it
// before a worker goroutine exits for good.
func RetireContext() {
	tcontext.Retire()
}

// Stats is a point-in-time snapshot of tracker activity.
type Stats struct {
	// Reports is the number of unique reports delivered.
	Reports int64

	// MetadataMoves is the number of propagation operations performed.
	MetadataMoves int64

	// ChainsSkipped is the number of provenance extensions dropped at
	// the chain depth cap.
	ChainsSkipped int64

	// UniqueStacks is the number of distinct stack traces recorded.
	UniqueStacks int
}

// Stat returns current counters; zero values when disabled.
func Stat() Stats {
	t := current()
	if t == nil {
		return Stats{}
	}
	st := t.Stat()
	return Stats{
		Reports:       st.Reports,
		MetadataMoves: st.MetadataMoves,
		ChainsSkipped: st.ChainsSkipped,
		UniqueStacks:  st.UniqueStacks,
	}
}
