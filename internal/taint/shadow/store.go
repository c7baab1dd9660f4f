package shadow

import (
	"fmt"

	"github.com/kolkov/memtaint/internal/taint/layout"
	"github.com/kolkov/memtaint/internal/taint/stackdepot"
	"github.com/kolkov/memtaint/internal/taint/tcontext"
)

// PoisonByte is the shadow fill pattern for fully poisoned memory. Any
// nonzero shadow byte means poisoned; the specific value carries no
// further meaning.
const PoisonByte = 0xFF

// SetRange fills size shadow bytes at addr with b and stamps org into
// every origin granule the range touches (padded down and up to granule
// boundaries).
//
// If the range has no metadata the call is a no-op — unless checked is
// set, in which case the caller asserted the range must be tracked and
// the mismatch is a fatal contract violation. A range spanning
// inconsistent metadata is always fatal.
func (sp *Space) SetRange(ctx *tcontext.State, addr, size uint64, b byte, org stackdepot.Handle, checked bool) {
	if size == 0 {
		return
	}
	sp.RequireContiguous(ctx, addr, size)

	sh := sp.Shadow(ctx, addr)
	if sh == nil {
		// Contiguous() held, so shadow and origin are uniformly absent.
		if checked {
			panic(fmt.Sprintf(
				"shadow: not setting %d bytes at %#x: range is untracked but the caller required tracking",
				size, addr))
		}
		return
	}
	fill(sh[:size], b)

	granules := layout.Granules(addr, size)
	or := sp.Origin(ctx, addr) // aligned down internally
	for i := uint64(0); i < granules; i++ {
		or[i] = org
	}
}

func fill(dst []byte, b byte) {
	for i := range dst {
		dst[i] = b
	}
}
