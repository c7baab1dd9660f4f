package shadow

import (
	"fmt"

	"github.com/kolkov/memtaint/internal/taint/layout"
	"github.com/kolkov/memtaint/internal/taint/stackdepot"
	"github.com/kolkov/memtaint/internal/taint/tcontext"
)

// Ptr is a bounded view of the metadata covering one access: Shadow holds
// exactly the access's bytes, Origin exactly the granule handles the
// access touches. Both are full (capped) slices, so an out-of-range write
// through them fails instead of corrupting a neighbor.
type Ptr struct {
	Shadow []byte
	Origin []stackdepot.Handle
}

// AccessPtr returns the metadata view for an access of size bytes at addr.
//
// An access larger than one page would cross resolver boundaries
// unpredictably; that is a caller bug and panics. Everything else is safe:
// if the space is not ready, the calling context is inside tracker
// bookkeeping, or the address has no metadata, the returned view points at
// a process-wide dummy page instead — the load dummy always reads as
// clean, the store dummy swallows writes. The caller never needs to check
// for absence.
func (sp *Space) AccessPtr(ctx *tcontext.State, addr, size uint64, store bool) Ptr {
	if size > layout.PageSize {
		panic(fmt.Sprintf("shadow: access of %d bytes at %#x exceeds one page", size, addr))
	}
	granules := layout.Granules(addr, size)

	if !sp.ready.Load() || ctx.InRuntime() {
		return sp.dummy(store, size, granules)
	}
	sp.RequireContiguous(ctx, addr, size)
	sh := sp.Shadow(ctx, addr)
	if sh == nil {
		return sp.dummy(store, size, granules)
	}
	or := sp.Origin(ctx, addr)
	return Ptr{
		Shadow: sh[:size:size],
		Origin: or[:granules:granules],
	}
}

func (sp *Space) dummy(store bool, size, granules uint64) Ptr {
	if store {
		return Ptr{
			Shadow: sp.dummyStoreShadow[:size:size],
			Origin: sp.dummyStoreOrigin[:granules:granules],
		}
	}
	return Ptr{
		Shadow: sp.dummyLoadShadow[:size:size],
		Origin: sp.dummyLoadOrigin[:granules:granules],
	}
}

// Contiguous reports whether the metadata of [addr, addr+size) is usable
// as one flat range: either every page in the range is untracked, or the
// entire range resolves into a single backing region with shadow and
// origin both present.
//
// Single-page ranges are contiguous by construction. Mixed tracked and
// untracked pages, or tracked pages from different metadata blocks, are
// not — the bulk primitives treat that as a broken invariant.
func (sp *Space) Contiguous(ctx *tcontext.State, addr, size uint64) bool {
	if size == 0 {
		return true
	}
	if layout.AlignDown(addr+size-1, layout.PageSize) == layout.AlignDown(addr, layout.PageSize) {
		return true
	}

	sh := sp.Shadow(ctx, addr)
	or := sp.Origin(ctx, addr)
	if sh == nil {
		if or != nil {
			return false
		}
		// First page untracked: all remaining pages must be too.
		next := layout.AlignDown(addr, layout.PageSize) + layout.PageSize
		for ; next < addr+size; next += layout.PageSize {
			if sp.Shadow(ctx, next) != nil || sp.Origin(ctx, next) != nil {
				return false
			}
		}
		return true
	}
	if or == nil {
		return false
	}
	// The resolved slices are bounded by their backing region, so length
	// alone tells whether the whole range stays inside one region.
	return uint64(len(sh)) >= size && uint64(len(or)) >= layout.Granules(addr, size)
}

// RequireContiguous panics when the contiguity contract is violated.
// Such a violation means a caller handed in a range spanning inconsistent
// metadata, which is a subsystem bug, not a data condition.
func (sp *Space) RequireContiguous(ctx *tcontext.State, addr, size uint64) {
	if !sp.Contiguous(ctx, addr, size) {
		panic(fmt.Sprintf(
			"shadow: metadata for [%#x, %#x) spans inconsistent regions", addr, addr+size))
	}
}
