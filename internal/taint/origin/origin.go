// Package origin manages provenance records for poisoned memory.
//
// Every origin granule of poisoned shadow carries a stackdepot.Handle that
// answers "why is this memory uninitialized". The handle's five extra bits
// encode the chain depth and the use-after-free flag, so both can be read
// without fetching the record.
//
// When poisoned data is copied, the destination's origin is not the
// source's origin verbatim: a chain record is interposed that captures the
// copy site and links back to the previous origin. Repeated copying would
// otherwise build an unbounded graph, so the chain depth saturates at
// MaxChainDepth: beyond it the previous handle is reused unchanged, which
// keeps the deepest known hops instead of losing the trail entirely.
package origin

import "github.com/kolkov/memtaint/internal/taint/stackdepot"

const (
	// MaxChainDepth bounds the number of copy hops recorded per origin.
	MaxChainDepth = 7

	// ChainMagic is the first entry of a chain record's trace, marking it
	// as a link rather than a raw call stack.
	ChainMagic uintptr = 0x0c0a1e5c

	// uafBit and depthShift define the extra-bits layout: [depth:4][uaf:1].
	// MaxChainDepth must fit: (1 << stackdepot.ExtraBits) > MaxChainDepth << 1.
	uafBit     = 1 << 0
	depthShift = 1
)

// ExtraBits is the decoded form of a handle's side-channel bits.
type ExtraBits struct {
	// Depth is the provenance chain depth, 0 for a freshly captured origin.
	Depth int

	// UAF marks origins created by poisoning freed memory.
	UAF bool
}

// Encode packs the fields into the depot's extra-bits field.
func (e ExtraBits) Encode() uint8 {
	bits := uint8(e.Depth) << depthShift
	if e.UAF {
		bits |= uafBit
	}
	return bits
}

// DecodeExtra unpacks a handle's side-channel bits.
func DecodeExtra(bits uint8) ExtraBits {
	return ExtraBits{
		Depth: int(bits >> depthShift),
		UAF:   bits&uafBit != 0,
	}
}

// IsChain reports whether a fetched trace is a chain record.
//
// A chain record has exactly three entries: the magic marker, the handle
// of the stack captured at the copy site, and the previous origin handle.
func IsChain(trace []uintptr) bool {
	return len(trace) == 3 && trace[0] == ChainMagic
}

// ChainLinks splits a chain record into its copy-site stack handle and the
// previous origin handle. Only valid when IsChain(trace) is true.
func ChainLinks(trace []uintptr) (site, prev stackdepot.Handle) {
	return stackdepot.Handle(trace[1]), stackdepot.Handle(trace[2])
}
