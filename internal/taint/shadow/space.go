// Package shadow owns the metadata of the tracked address space: one
// shadow byte per data byte (0 = initialized, nonzero = poisoned) and one
// origin handle per aligned granule of shadow.
//
// Storage is zone-specific (see the layout package):
//
//   - Linear pages get metadata attached per allocation: one contiguous
//     shadow slab and one origin slab per multi-page block, with a side
//     table mapping each page frame to its slice of the block. Metadata of
//     neighboring pages of one block is therefore contiguous, which the
//     bulk primitives rely on.
//   - The dynamic region is backed by two flat slabs reserved at
//     initialization and indexed by the zone-relative offset.
//   - The scratch region resolves into the calling context's private
//     arrays.
//
// Resolvers are side-effect free: they only read the side table and never
// allocate, so they are safe from any tracker path. All mutation of the
// side table goes through Attach/Detach, driven by the page lifecycle.
package shadow

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kolkov/memtaint/internal/taint/layout"
	"github.com/kolkov/memtaint/internal/taint/stackdepot"
	"github.com/kolkov/memtaint/internal/taint/tcontext"
)

// metaBlock is the owned metadata of one multi-page allocation. Both slabs
// cover the whole block, so metadata stays contiguous across its pages.
type metaBlock struct {
	shadow []byte
	origin []stackdepot.Handle
}

// pageMeta locates one page's metadata inside its block.
type pageMeta struct {
	block *metaBlock
	index int // page index within the block
}

// Space is the metadata store for one tracked address space.
type Space struct {
	lay layout.Layout

	// ready flips to true exactly once, after Initialize. Before that,
	// every lookup misses structurally: the side table is empty and the
	// dynamic slabs are nil.
	ready atomic.Bool

	// pages maps a linear-zone page frame number to its metadata.
	// Written only by Attach/Detach, read everywhere.
	pages sync.Map // uint64 → pageMeta

	// dynShadow/dynOrigin back the whole dynamic region. Nil until
	// Initialize.
	dynShadow []byte
	dynOrigin []stackdepot.Handle

	// Dummy fallback pages. Loads through the dummy observe all-clean;
	// stores through the dummy are absorbed and never observed.
	dummyLoadShadow  []byte
	dummyLoadOrigin  []stackdepot.Handle
	dummyStoreShadow []byte
	dummyStoreOrigin []stackdepot.Handle
}

// NewSpace creates a Space for the given layout. The space is not ready
// until Initialize is called.
func NewSpace(lay layout.Layout) *Space {
	// One extra origin slot: a misaligned page-sized access can touch
	// HandlesPerPage+1 granules.
	return &Space{
		lay:              lay,
		dummyLoadShadow:  make([]byte, layout.PageSize),
		dummyLoadOrigin:  make([]stackdepot.Handle, layout.HandlesPerPage+1),
		dummyStoreShadow: make([]byte, layout.PageSize),
		dummyStoreOrigin: make([]stackdepot.Handle, layout.HandlesPerPage+1),
	}
}

// Layout returns the space's address layout.
func (sp *Space) Layout() layout.Layout {
	return sp.lay
}

// Initialize reserves the dynamic-region slabs and marks the space ready.
// Idempotent; only the first call does work.
func (sp *Space) Initialize() {
	if sp.ready.Load() {
		return
	}
	if n := sp.lay.DynamicEnd - sp.lay.DynamicStart; n > 0 {
		sp.dynShadow = make([]byte, n)
		sp.dynOrigin = make([]stackdepot.Handle, n/layout.OriginSize)
	}
	sp.ready.Store(true)
}

// Ready reports whether the space has been initialized.
func (sp *Space) Ready() bool {
	return sp.ready.Load()
}

// Shadow resolves the shadow metadata of addr, returning a slice that
// starts at addr's shadow byte and extends to the end of the contiguous
// backing region. Returns nil when no metadata exists: untracked zone,
// unattached linear page, scratch before initialization, or a nil ctx for
// a scratch address.
func (sp *Space) Shadow(ctx *tcontext.State, addr uint64) []byte {
	zone, off := sp.lay.Classify(addr)
	switch zone {
	case layout.ZoneScratch:
		if ctx == nil {
			return nil
		}
		sh := ctx.ScratchShadow()
		if off >= uint64(len(sh)) {
			return nil
		}
		return sh[off:]
	case layout.ZoneDynamic:
		if sp.dynShadow == nil {
			return nil
		}
		return sp.dynShadow[off:]
	case layout.ZoneLinear:
		v, ok := sp.pages.Load(sp.lay.PFN(addr))
		if !ok {
			return nil
		}
		pm := v.(pageMeta)
		base := uint64(pm.index)*layout.PageSize + layout.PageOffset(addr)
		return pm.block.shadow[base:]
	default:
		return nil
	}
}

// Origin resolves the origin metadata of addr. The address is aligned down
// to the origin granule first: origin metadata is only addressable at
// granule granularity. The returned slice starts at that granule's handle
// and extends to the end of the backing region; nil when no metadata
// exists.
func (sp *Space) Origin(ctx *tcontext.State, addr uint64) []stackdepot.Handle {
	addr = layout.AlignDown(addr, layout.OriginSize)
	zone, off := sp.lay.Classify(addr)
	switch zone {
	case layout.ZoneScratch:
		if ctx == nil {
			return nil
		}
		or := ctx.ScratchOrigin()
		slot := off / layout.OriginSize
		if slot >= uint64(len(or)) {
			return nil
		}
		return or[slot:]
	case layout.ZoneDynamic:
		if sp.dynOrigin == nil {
			return nil
		}
		return sp.dynOrigin[off/layout.OriginSize:]
	case layout.ZoneLinear:
		v, ok := sp.pages.Load(sp.lay.PFN(addr))
		if !ok {
			return nil
		}
		pm := v.(pageMeta)
		slot := (uint64(pm.index)*layout.PageSize + layout.PageOffset(addr)) / layout.OriginSize
		return pm.block.origin[slot:]
	default:
		return nil
	}
}

// Attach creates metadata for a block of pages pages starting at addr and
// registers it in the side table. The fresh metadata is all-clean. addr
// must be a page-aligned linear-zone address and the block must fit the
// linear region.
func (sp *Space) Attach(addr, pages uint64) error {
	if zone, _ := sp.lay.Classify(addr); zone != layout.ZoneLinear {
		return fmt.Errorf("shadow: attach outside the linear zone: %#x", addr)
	}
	if layout.PageOffset(addr) != 0 {
		return fmt.Errorf("shadow: attach at unaligned address %#x", addr)
	}
	if pages == 0 || addr+pages*layout.PageSize > sp.lay.LinearEnd {
		return fmt.Errorf("shadow: attach of %d pages at %#x exceeds the linear zone", pages, addr)
	}
	block := &metaBlock{
		shadow: make([]byte, pages*layout.PageSize),
		origin: make([]stackdepot.Handle, pages*layout.HandlesPerPage),
	}
	pfn := sp.lay.PFN(addr)
	for i := uint64(0); i < pages; i++ {
		sp.pages.Store(pfn+i, pageMeta{block: block, index: int(i)})
	}
	return nil
}

// Detach removes the metadata of pages pages starting at addr from the
// side table. Unattached pages are ignored.
func (sp *Space) Detach(addr, pages uint64) {
	if zone, _ := sp.lay.Classify(addr); zone != layout.ZoneLinear {
		return
	}
	pfn := sp.lay.PFN(addr)
	for i := uint64(0); i < pages; i++ {
		sp.pages.Delete(pfn + i)
	}
}

// PageMeta returns the full-page shadow and origin slices of the linear
// page containing addr, or ok=false if the page carries no metadata. Used
// by the page-copy lifecycle hook for verbatim page-sized copies.
func (sp *Space) PageMeta(addr uint64) (sh []byte, or []stackdepot.Handle, ok bool) {
	if zone, _ := sp.lay.Classify(addr); zone != layout.ZoneLinear {
		return nil, nil, false
	}
	v, found := sp.pages.Load(sp.lay.PFN(addr))
	if !found {
		return nil, nil, false
	}
	pm := v.(pageMeta)
	base := pm.index * layout.PageSize
	return pm.block.shadow[base : base+layout.PageSize],
		pm.block.origin[pm.index*layout.HandlesPerPage : (pm.index+1)*layout.HandlesPerPage],
		true
}
