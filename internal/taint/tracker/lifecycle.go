package tracker

import (
	"github.com/kolkov/memtaint/internal/taint/layout"
	"github.com/kolkov/memtaint/internal/taint/origin"
	"github.com/kolkov/memtaint/internal/taint/shadow"
	"github.com/kolkov/memtaint/internal/taint/tcontext"
)

// PageAlloc registers pages newly handed out by the page allocator and
// sets their initial metadata.
//
// Zeroed allocations start clean. Non-zeroed allocations are poisoned
// wholesale with a single allocation-site origin shared by every granule,
// except when the allocation happens from inside tracker bookkeeping: then
// the pages stay clean, since no caller stack of interest exists.
//
// Attachment itself happens even before Init so that memory handed out
// early is tracked once the subsystem comes up; the metadata stays clean
// in that case.
func (t *Tracker) PageAlloc(addr, pages uint64, zeroed bool) error {
	if pages == 0 {
		return nil
	}
	if err := t.space.Attach(addr, pages); err != nil {
		return err
	}
	metricPages.Add(float64(pages))
	if zeroed || !t.space.Ready() {
		return nil
	}
	ctx := tcontext.Current()
	if ctx.InRuntime() {
		return nil
	}
	ctx.EnterRuntime()
	defer ctx.LeaveRuntime()
	h := origin.SaveStack(1, origin.ExtraBits{})
	t.space.SetRange(ctx, addr, pages*layout.PageSize, shadow.PoisonByte, h, true)
	metricPoisonOps.Inc()
	return nil
}

// PageFree re-poisons pages returning to the allocator so that reads
// through stale references produce use-after-free provenance. The pages
// stay attached; a later PageAlloc of the same range replaces their
// metadata outright.
//
// keepState preserves the metadata as-is, for pages whose content is
// deliberately carried across the free (page pools, quarantines).
func (t *Tracker) PageFree(addr, pages uint64, keepState bool) {
	if keepState {
		return
	}
	ctx, ok := t.enter()
	if !ok {
		return
	}
	defer ctx.LeaveRuntime()
	t.poisonRange(ctx, addr, pages*layout.PageSize, PoisonCheck|PoisonFree)
}

// PageRelease drops the metadata of pages leaving the tracked pool for
// good.
func (t *Tracker) PageRelease(addr, pages uint64) {
	t.space.Detach(addr, pages)
	metricPages.Sub(float64(pages))
}

// CopyPageMeta duplicates one page's metadata onto another, for
// page-migration style data copies. An untracked source page makes the
// destination clean: memory the tracker never saw is treated as
// initialized rather than inheriting stale state.
func (t *Tracker) CopyPageMeta(dst, src uint64) {
	ctx, ok := t.enter()
	if !ok {
		return
	}
	defer ctx.LeaveRuntime()
	dstSh, dstOr, okDst := t.space.PageMeta(dst)
	if !okDst {
		return
	}
	srcSh, srcOr, okSrc := t.space.PageMeta(src)
	if !okSrc {
		for i := range dstSh {
			dstSh[i] = 0
		}
		for i := range dstOr {
			dstOr[i] = 0
		}
		return
	}
	copy(dstSh, srcSh)
	copy(dstOr, srcOr)
}

// BlockAlloc sets the metadata of a heap block handed out by an object
// allocator: clean when the allocator zeroed it, poisoned with the
// allocation site otherwise. keepState leaves prior metadata in place.
func (t *Tracker) BlockAlloc(addr, size uint64, zeroed, keepState bool) {
	if keepState {
		return
	}
	ctx, ok := t.enter()
	if !ok {
		return
	}
	defer ctx.LeaveRuntime()
	if zeroed {
		t.unpoisonRange(ctx, addr, size, PoisonCheck)
		return
	}
	t.poisonRange(ctx, addr, size, PoisonCheck)
}

// BlockFree re-poisons a freed heap block with use-after-free provenance.
func (t *Tracker) BlockFree(addr, size uint64, keepState bool) {
	if keepState {
		return
	}
	ctx, ok := t.enter()
	if !ok {
		return
	}
	defer ctx.LeaveRuntime()
	t.poisonRange(ctx, addr, size, PoisonCheck|PoisonFree)
}

// CopyToUser handles an outward copy of toCopy bytes from from to to, of
// which left bytes at the tail did not transfer.
//
// A destination outside tracked memory is the trust boundary: the copied
// source bytes are scanned and poison is reported, because uninitialized
// data is about to leave the subsystem. A tracked destination is an
// ordinary internal copy and propagates metadata instead.
func (t *Tracker) CopyToUser(to, from, toCopy, left uint64) {
	if toCopy == 0 || left > toCopy {
		return
	}
	n := toCopy - left
	if n == 0 {
		return
	}
	if zone, _ := t.space.Layout().Classify(to); zone == layout.ZoneUntracked {
		ctx, ok := t.enter()
		if !ok {
			return
		}
		defer ctx.LeaveRuntime()
		t.checkRange(ctx, from, n, to, ReasonCopyToUser)
		return
	}
	t.MoveMetadata(to, from, n)
}

// TransferDir is the direction of a device transfer relative to memory.
type TransferDir int

const (
	// TransferToDevice exposes memory contents to the device.
	TransferToDevice TransferDir = iota + 1

	// TransferFromDevice lets the device overwrite the memory.
	TransferFromDevice

	// TransferBidirectional does both.
	TransferBidirectional
)

// HandleTransfer applies device-transfer semantics to a range: memory
// readable by the device is scanned for poison, memory writable by the
// device becomes initialized since its contents are about to be replaced.
// The range may span pages; it is processed in page-sized chunks.
func (t *Tracker) HandleTransfer(addr, size uint64, dir TransferDir) {
	ctx, ok := t.enter()
	if !ok {
		return
	}
	defer ctx.LeaveRuntime()
	for size > 0 {
		chunk := layout.PageSize - layout.PageOffset(addr)
		if chunk > size {
			chunk = size
		}
		if dir == TransferToDevice || dir == TransferBidirectional {
			t.checkRange(ctx, addr, chunk, 0, ReasonDeviceOut)
		}
		if dir == TransferFromDevice || dir == TransferBidirectional {
			t.unpoisonRange(ctx, addr, chunk, 0)
		}
		addr += chunk
		size -= chunk
	}
}
