// Package taint provides a Pure-Go byte-granularity uninitialized-memory
// tracker with origin provenance chains.
//
// The tracker maintains a metadata plane over a simulated address space:
// one shadow byte per data byte telling whether that byte is initialized,
// and one origin handle per 4-byte granule telling where its
// uninitialized contents came from. Copies propagate the metadata and
// extend the provenance with the copying call site, so a report shows the
// whole journey of an uninitialized value from its allocation to the
// point of use.
//
// # Quick Start
//
//	package main
//
//	import "github.com/kolkov/memtaint/taint"
//
//	func main() {
//		if err := taint.Enable(); err != nil {
//			panic(err)
//		}
//
//		const page = 0x1000_0000_0000
//		taint.PageAlloc(page, 1, false) // non-zeroed: starts poisoned
//		taint.Unpoison(page, 64)        // the program initializes 64 bytes
//		taint.Check(page, 128)          // bytes 64..127 get reported
//	}
//
// # API Overview
//
// The package provides functions for:
//   - Lifecycle: [Enable], [Disable], [Enabled]
//   - Marking memory state: [Poison], [Unpoison]
//   - Propagation on copies: [Move], [CopyPageMeta], [CopyToUser]
//   - Scanning at use sites: [Check], [HandleTransfer]
//   - Allocator integration: [PageAlloc], [PageFree], [PageRelease],
//     [BlockAlloc], [BlockFree]
//   - Per-goroutine control: [SuppressReports], [ResumeReports],
//     [RetireContext]
//   - Introspection: [Stat], [GetInfo], [Version]
//
// # How It Works
//
// Every tracked address classifies into one of three zones: a linear
// region whose pages carry metadata registered by [PageAlloc], a dynamic
// region with metadata reserved up front at [Enable], and a per-goroutine
// scratch window. Addresses outside all three are untracked: the tracker
// treats their contents as initialized and ignores writes to them.
//
// When [Check] finds shadow bytes set, it reports each maximal run of
// identical provenance once, with the full origin chain:
//
//	WARNING: use of uninitialized value (value use)
//	 in range [...] of 128-byte region starting at 0x100000000000
//
//	Uninit was stored to memory at:
//	 main.processBuffer
//	   /src/main.go:42
//
//	Uninit was created at:
//	 main.newBuffer
//	   /src/main.go:17
//
// Chains are capped at depth 7; copies beyond the cap keep the existing
// provenance rather than extending it.
//
// # Performance and Safety
//
// Operations issued before [Enable] are silent no-ops, so tracking calls
// can be compiled in unconditionally. The tracker takes no locks over
// metadata: racing metadata updates mirror the racing data updates they
// shadow, no better and no worse. Reports are observational; the access
// that triggered one always proceeds.
package taint
