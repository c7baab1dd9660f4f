package layout

import (
	"os"
	"path/filepath"
	"testing"
)

// TestClassifyZones verifies that each configured region maps to its zone
// and that boundaries are half-open.
func TestClassifyZones(t *testing.T) {
	l := Default()

	tests := []struct {
		name     string
		addr     uint64
		wantZone Zone
		wantOff  uint64
	}{
		{"linear start", l.LinearStart, ZoneLinear, 0},
		{"linear middle", l.LinearStart + 0x1234, ZoneLinear, 0x1234},
		{"linear last byte", l.LinearEnd - 1, ZoneLinear, l.LinearEnd - l.LinearStart - 1},
		{"linear end is exclusive", l.LinearEnd, ZoneUntracked, 0},
		{"dynamic start", l.DynamicStart, ZoneDynamic, 0},
		{"dynamic last byte", l.DynamicEnd - 1, ZoneDynamic, l.DynamicEnd - l.DynamicStart - 1},
		{"dynamic end is exclusive", l.DynamicEnd, ZoneUntracked, 0},
		{"scratch start", l.ScratchBase, ZoneScratch, 0},
		{"scratch last byte", l.ScratchBase + l.ScratchSize - 1, ZoneScratch, l.ScratchSize - 1},
		{"scratch end is exclusive", l.ScratchBase + l.ScratchSize, ZoneUntracked, 0},
		{"null address", 0, ZoneUntracked, 0},
		{"below linear", l.LinearStart - 1, ZoneUntracked, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			zone, off := l.Classify(tt.addr)
			if zone != tt.wantZone || off != tt.wantOff {
				t.Errorf("Classify(%#x) = (%v, %#x), want (%v, %#x)",
					tt.addr, zone, off, tt.wantZone, tt.wantOff)
			}
		})
	}
}

// TestClassifyIsPure verifies that repeated classification of the same
// address yields identical results.
func TestClassifyIsPure(t *testing.T) {
	l := Default()
	addr := l.LinearStart + 42
	z1, o1 := l.Classify(addr)
	z2, o2 := l.Classify(addr)
	if z1 != z2 || o1 != o2 {
		t.Errorf("Classify(%#x) not deterministic: (%v,%d) vs (%v,%d)", addr, z1, o1, z2, o2)
	}
}

// TestValidate verifies alignment and overlap checks.
func TestValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() layout invalid: %v", err)
	}

	bad := Default()
	bad.LinearStart++ // misaligned
	if err := bad.Validate(); err == nil {
		t.Error("Validate() accepted a misaligned boundary")
	}

	overlap := Default()
	overlap.DynamicStart = overlap.LinearStart + PageSize
	overlap.DynamicEnd = overlap.LinearStart + 2*PageSize
	if err := overlap.Validate(); err == nil {
		t.Error("Validate() accepted overlapping regions")
	}

	inverted := Default()
	inverted.LinearEnd = inverted.LinearStart - PageSize
	if err := inverted.Validate(); err == nil {
		t.Error("Validate() accepted an inverted region")
	}
}

// TestAlignmentHelpers exercises the granule arithmetic used by the
// propagation engine.
func TestAlignmentHelpers(t *testing.T) {
	if got := AlignDown(0x1003, OriginSize); got != 0x1000 {
		t.Errorf("AlignDown(0x1003, 4) = %#x, want 0x1000", got)
	}
	if got := AlignUp(0x1001, OriginSize); got != 0x1004 {
		t.Errorf("AlignUp(0x1001, 4) = %#x, want 0x1004", got)
	}
	if got := AlignUp(0x1000, OriginSize); got != 0x1000 {
		t.Errorf("AlignUp(0x1000, 4) = %#x, want 0x1000 (already aligned)", got)
	}

	// A 1-byte range never touches more than one granule; a misaligned
	// 4-byte range touches two.
	if got := Granules(0x1003, 1); got != 1 {
		t.Errorf("Granules(0x1003, 1) = %d, want 1", got)
	}
	if got := Granules(0x1002, 4); got != 2 {
		t.Errorf("Granules(0x1002, 4) = %d, want 2", got)
	}
	if got := Granules(0x1000, 8); got != 2 {
		t.Errorf("Granules(0x1000, 8) = %d, want 2", got)
	}
}

// TestLoad verifies YAML round trip and validation on load.
func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "layout.yaml")

	good := `
linear_start: 0x100000000
linear_end:   0x200000000
dynamic_start: 0x400000000
dynamic_end:   0x400100000
scratch_base: 0x600000000
scratch_size: 0x4000
`
	if err := os.WriteFile(path, []byte(good), 0o600); err != nil {
		t.Fatal(err)
	}
	l, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if l.LinearStart != 0x100000000 || l.ScratchSize != 0x4000 {
		t.Errorf("Load() = %+v, boundaries not parsed", l)
	}

	if err := os.WriteFile(path, []byte("linear_start: 0x1001\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() accepted a misaligned layout")
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load() succeeded on a missing file")
	}
}
