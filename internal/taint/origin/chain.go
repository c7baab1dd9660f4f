package origin

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/kolkov/memtaint/internal/taint/stackdepot"
)

// saturationLogInterval throttles the depth-cap diagnostic: one message per
// this many skipped chain extensions.
const saturationLogInterval = 10000

// Chainer builds bounded-depth provenance chains.
//
// Chain never fails the triggering operation: when the depth cap is hit it
// returns the old handle unchanged and counts the event, emitting a
// rate-limited diagnostic.
type Chainer struct {
	skipped atomic.Int64

	// warnW receives throttled saturation diagnostics. Defaults to stderr.
	warnW io.Writer
}

// NewChainer returns a Chainer writing diagnostics to stderr.
func NewChainer() *Chainer {
	return &Chainer{warnW: os.Stderr}
}

// SetWarnWriter redirects saturation diagnostics, for tests.
func (c *Chainer) SetWarnWriter(w io.Writer) {
	c.warnW = w
}

// Skipped returns the number of chain extensions dropped at the depth cap.
func (c *Chainer) Skipped() int64 {
	return c.skipped.Load()
}

// Chain re-attributes an origin across a copy hop.
//
// Handle 0 passes through unchanged: clean data has no provenance. For a
// real origin, the chain depth and use-after-free flag are decoded from
// the handle's extra bits. At MaxChainDepth the old handle is returned
// as is (lossy but safe: the deepest known hops are preserved). Otherwise
// a chain record {ChainMagic, copy-site stack handle, old handle} is
// stored with depth+1 and the preserved UAF flag, and its handle returned.
//
// Depth never decreases: the new record's depth is strictly greater than
// the old one's, and saturated handles are reused verbatim.
func (c *Chainer) Chain(old stackdepot.Handle) stackdepot.Handle {
	if old == 0 {
		return 0
	}
	eb := DecodeExtra(old.Extra())
	if eb.Depth >= MaxChainDepth {
		skipped := c.skipped.Add(1)
		if skipped%saturationLogInterval == 0 {
			fmt.Fprintf(c.warnW, "memtaint: not chained %d origins\n", skipped)
		}
		return old
	}
	eb.Depth++

	site := SaveStack(1, eb)
	record := []uintptr{ChainMagic, uintptr(site), uintptr(old)}
	return stackdepot.Save(record, eb.Encode())
}
