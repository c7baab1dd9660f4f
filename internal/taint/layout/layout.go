// Package layout describes the tracked virtual address space and classifies
// addresses into metadata zones.
//
// The tracker does not own data memory; it owns metadata for a configurable
// window of addresses. That window is split into mutually exclusive zones,
// each with its own way of locating shadow/origin storage:
//
//   - Linear:  page-granular region backed by a per-page metadata table.
//   - Dynamic: reserved region whose metadata lives in two flat slabs,
//     located by a fixed linear offset formula.
//   - Scratch: small fixed-size window whose metadata is private to the
//     current execution context (one array per goroutine).
//   - Untracked: everything else. No metadata exists or can exist.
//
// Classification is a pure function over the configured ranges. Every other
// component consumes the (Zone, offset) pair instead of repeating range
// arithmetic, so zone boundary logic exists in exactly one place.
package layout

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// PageShift is log2 of the metadata page size.
	PageShift = 12

	// PageSize is the granularity of metadata attachment. Shadow and origin
	// storage is managed in pages of this many bytes.
	PageSize = 1 << PageShift

	// OriginSize is the origin granule: one origin handle covers this many
	// bytes of shadow. Must be a power of two.
	OriginSize = 4

	// HandlesPerPage is the number of origin handles backing one page.
	HandlesPerPage = PageSize / OriginSize
)

// Zone identifies the metadata class of an address.
type Zone int

const (
	// ZoneUntracked means no metadata exists for the address.
	ZoneUntracked Zone = iota

	// ZoneScratch is the per-execution-context scratch window.
	ZoneScratch

	// ZoneDynamic is the offset-mapped dynamic region.
	ZoneDynamic

	// ZoneLinear is the page-table-backed linear region.
	ZoneLinear
)

// String returns the zone name for diagnostics.
func (z Zone) String() string {
	switch z {
	case ZoneScratch:
		return "scratch"
	case ZoneDynamic:
		return "dynamic"
	case ZoneLinear:
		return "linear"
	default:
		return "untracked"
	}
}

// Layout holds the zone boundaries of the tracked address space.
//
// All boundaries must be page-aligned and the zones must not overlap.
// The zero Layout classifies every address as untracked.
type Layout struct {
	// LinearStart/LinearEnd bound the page-table-backed region, [start, end).
	LinearStart uint64 `yaml:"linear_start"`
	LinearEnd   uint64 `yaml:"linear_end"`

	// DynamicStart/DynamicEnd bound the offset-mapped region, [start, end).
	// Metadata for the whole region is reserved up front, so keep it small.
	DynamicStart uint64 `yaml:"dynamic_start"`
	DynamicEnd   uint64 `yaml:"dynamic_end"`

	// ScratchBase is the start of the per-context scratch window.
	ScratchBase uint64 `yaml:"scratch_base"`

	// ScratchSize is the size of the scratch window in bytes.
	ScratchSize uint64 `yaml:"scratch_size"`
}

// Default returns the layout used when nothing else is configured.
//
// The regions are deliberately far apart so that off-by-one bugs in callers
// land in the untracked zone instead of a neighboring one.
func Default() Layout {
	return Layout{
		LinearStart:  0x0000_1000_0000_0000,
		LinearEnd:    0x0000_2000_0000_0000,
		DynamicStart: 0x0000_4000_0000_0000,
		DynamicEnd:   0x0000_4000_0010_0000, // 1 MiB reserved window
		ScratchBase:  0x0000_6000_0000_0000,
		ScratchSize:  4 * PageSize,
	}
}

// Validate reports whether the layout is internally consistent.
func (l Layout) Validate() error {
	for _, b := range []uint64{
		l.LinearStart, l.LinearEnd, l.DynamicStart, l.DynamicEnd,
		l.ScratchBase, l.ScratchSize,
	} {
		if b%PageSize != 0 {
			return fmt.Errorf("layout: boundary %#x is not page-aligned", b)
		}
	}
	if l.LinearStart > l.LinearEnd {
		return fmt.Errorf("layout: linear region [%#x, %#x) is inverted", l.LinearStart, l.LinearEnd)
	}
	if l.DynamicStart > l.DynamicEnd {
		return fmt.Errorf("layout: dynamic region [%#x, %#x) is inverted", l.DynamicStart, l.DynamicEnd)
	}
	type span struct{ lo, hi uint64 }
	spans := []span{
		{l.LinearStart, l.LinearEnd},
		{l.DynamicStart, l.DynamicEnd},
		{l.ScratchBase, l.ScratchBase + l.ScratchSize},
	}
	for i, a := range spans {
		for _, b := range spans[i+1:] {
			if a.lo < b.hi && b.lo < a.hi {
				return fmt.Errorf("layout: regions [%#x, %#x) and [%#x, %#x) overlap",
					a.lo, a.hi, b.lo, b.hi)
			}
		}
	}
	return nil
}

// Classify maps an address to its zone and the zone-relative byte offset.
//
// The scratch window is checked first, then the dynamic region, then the
// linear region; anything else is untracked with offset 0. Classification
// order matters only for documentation: Validate guarantees the regions
// are disjoint.
//
// Classify is pure. It never touches the page table, so a linear-zone
// result does not imply that metadata is actually attached.
func (l Layout) Classify(addr uint64) (Zone, uint64) {
	if addr >= l.ScratchBase && addr < l.ScratchBase+l.ScratchSize {
		return ZoneScratch, addr - l.ScratchBase
	}
	if addr >= l.DynamicStart && addr < l.DynamicEnd {
		return ZoneDynamic, addr - l.DynamicStart
	}
	if addr >= l.LinearStart && addr < l.LinearEnd {
		return ZoneLinear, addr - l.LinearStart
	}
	return ZoneUntracked, 0
}

// PFN returns the linear-zone page frame number of addr.
// Only meaningful when Classify returned ZoneLinear.
func (l Layout) PFN(addr uint64) uint64 {
	return (addr - l.LinearStart) >> PageShift
}

// AlignDown rounds x down to a multiple of align (a power of two).
func AlignDown(x, align uint64) uint64 {
	return x &^ (align - 1)
}

// AlignUp rounds x up to a multiple of align (a power of two).
func AlignUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}

// PageOffset returns the offset of addr within its page.
func PageOffset(addr uint64) uint64 {
	return addr & (PageSize - 1)
}

// Granules returns the number of origin granules touched by the byte range
// [addr, addr+size): the distance between the aligned-down start and the
// aligned-up end, in granule units.
func Granules(addr, size uint64) uint64 {
	return (AlignUp(addr+size, OriginSize) - AlignDown(addr, OriginSize)) / OriginSize
}

// Load reads a layout from a YAML file and validates it.
func Load(path string) (Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("layout: reading %s: %w", path, err)
	}
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return Layout{}, fmt.Errorf("layout: parsing %s: %w", path, err)
	}
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}
