package tracker

import (
	"github.com/kolkov/memtaint/internal/taint/layout"
	"github.com/kolkov/memtaint/internal/taint/stackdepot"
	"github.com/kolkov/memtaint/internal/taint/tcontext"
)

// MoveMetadata mirrors a data copy of n bytes from src to dst onto the
// metadata plane: shadow moves byte for byte, and each destination origin
// granule that still holds poison receives a provenance record extended
// with the copying call site.
func (t *Tracker) MoveMetadata(dst, src, n uint64) {
	ctx, ok := t.enter()
	if !ok {
		return
	}
	defer ctx.LeaveRuntime()
	t.moveMetadata(ctx, dst, src, n)
}

// moveMetadata is the guarded propagation primitive.
//
// An untracked destination means nothing to mirror. An untracked source
// behaves as fully initialized: the destination shadow is cleared and the
// origin plane is left alone, since clean shadow already makes those
// handles inert.
//
// The origin walk runs over min(src granules, dst granules) slots with a
// shared index, from the far end when dst > src so overlapping in-place
// moves read each source slot before overwriting it. A source granule
// counts as carrying poison only in the bytes the copy actually touched;
// the bytes of the first and last granule outside [src, src+n) are masked
// out of that decision. One chained handle is produced per distinct
// source handle encountered, in walk order, and is stamped into a
// destination slot only when that slot's shadow still holds poison after
// the shadow copy; slots gone fully clean get handle zero.
func (t *Tracker) moveMetadata(ctx *tcontext.State, dst, src, n uint64) {
	if n == 0 {
		return
	}
	dstSh := t.space.Shadow(ctx, dst)
	if dstSh == nil {
		return
	}
	t.space.RequireContiguous(ctx, dst, n)

	srcSh := t.space.Shadow(ctx, src)
	if srcSh == nil {
		t.space.SetRange(ctx, dst, n, 0, 0, false)
		return
	}
	t.space.RequireContiguous(ctx, src, n)

	copy(dstSh[:n], srcSh[:n])
	t.moveCount.Add(1)
	metricMoves.Inc()

	srcSlots := layout.Granules(src, n)
	dstSlots := layout.Granules(dst, n)
	slots := srcSlots
	if dstSlots < slots {
		slots = dstSlots
	}

	// Granule-aligned views over both shadow planes, for whole-granule
	// poison tests.
	srcGranSh := t.space.Shadow(ctx, layout.AlignDown(src, layout.OriginSize))
	dstGranSh := t.space.Shadow(ctx, layout.AlignDown(dst, layout.OriginSize))
	srcOr := t.space.Origin(ctx, src)
	dstOr := t.space.Origin(ctx, dst)

	i, step := uint64(0), uint64(1)
	if dst > src {
		i, step = slots-1, ^uint64(0)
	}

	var lastSrc, chained stackdepot.Handle
	for done := uint64(0); done < slots; done, i = done+1, i+step {
		lo, hi := uint64(0), uint64(layout.OriginSize)
		if i == 0 {
			lo = src % layout.OriginSize
		}
		if i == srcSlots-1 {
			if rem := (src + n) % layout.OriginSize; rem != 0 {
				hi = rem
			}
		}
		carries := anyPoison(srcGranSh[i*layout.OriginSize+lo : i*layout.OriginSize+hi])
		if carries && srcOr[i] != 0 && srcOr[i] != lastSrc {
			lastSrc = srcOr[i]
			chained = t.chainer.Chain(lastSrc)
			if chained != lastSrc {
				metricChains.Inc()
			}
		}
		if anyPoison(dstGranSh[i*layout.OriginSize : (i+1)*layout.OriginSize]) {
			dstOr[i] = chained
		} else {
			dstOr[i] = 0
		}
	}
}

// anyPoison reports whether any shadow byte in the view is set.
func anyPoison(sh []byte) bool {
	for _, b := range sh {
		if b != 0 {
			return true
		}
	}
	return false
}
