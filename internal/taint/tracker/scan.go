package tracker

import (
	"github.com/kolkov/memtaint/internal/taint/layout"
	"github.com/kolkov/memtaint/internal/taint/stackdepot"
	"github.com/kolkov/memtaint/internal/taint/tcontext"
)

// checkRange scans [addr, addr+size) for poisoned bytes and emits one
// event per maximal run of identical provenance. Must run with the
// runtime guard held.
//
// The scan walks page-sized chunks so each shadow resolution stays inside
// one backing region. A run closes on a clean byte, an untracked page, a
// provenance change, or the end of the range; the open run's bounds are
// kept as inclusive offsets into the scanned range.
func (t *Tracker) checkRange(ctx *tcontext.State, addr, size uint64, userAddr uint64, reason Reason) {
	if size == 0 {
		return
	}
	t.space.RequireContiguous(ctx, addr, size)

	var (
		curOrigin stackdepot.Handle
		curStart  int
	)
	pos := uint64(0)
	for pos < size {
		chunk := layout.PageSize - layout.PageOffset(addr+pos)
		if chunk > size-pos {
			chunk = size - pos
		}
		sh := t.space.Shadow(ctx, addr+pos)
		if sh == nil {
			// Untracked page: whatever run was open ends just before it.
			if curOrigin != 0 {
				t.emit(ctx, &Event{
					Origin: curOrigin, Addr: addr, Size: size,
					OffStart: curStart, OffEnd: int(pos) - 1,
					UserAddr: userAddr, Reason: reason,
				})
				curOrigin = 0
			}
			pos += chunk
			continue
		}
		for i := uint64(0); i < chunk; i++ {
			if sh[i] == 0 {
				if curOrigin != 0 {
					t.emit(ctx, &Event{
						Origin: curOrigin, Addr: addr, Size: size,
						OffStart: curStart, OffEnd: int(pos+i) - 1,
						UserAddr: userAddr, Reason: reason,
					})
					curOrigin = 0
				}
				continue
			}
			or := t.space.Origin(ctx, addr+pos+i)
			h := or[0]
			if h != curOrigin {
				if curOrigin != 0 {
					t.emit(ctx, &Event{
						Origin: curOrigin, Addr: addr, Size: size,
						OffStart: curStart, OffEnd: int(pos+i) - 1,
						UserAddr: userAddr, Reason: reason,
					})
				}
				curOrigin = h
				curStart = int(pos + i)
			}
		}
		pos += chunk
	}
	if curOrigin != 0 {
		t.emit(ctx, &Event{
			Origin: curOrigin, Addr: addr, Size: size,
			OffStart: curStart, OffEnd: int(size) - 1,
			UserAddr: userAddr, Reason: reason,
		})
	}
}
