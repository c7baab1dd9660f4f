package tcontext

import (
	"sync"
	"testing"

	"github.com/kolkov/memtaint/internal/taint/layout"
)

// TestCurrentIsStablePerGoroutine verifies repeated lookups from one
// goroutine return the same State.
func TestCurrentIsStablePerGoroutine(t *testing.T) {
	Reset()

	s1 := Current()
	s2 := Current()
	if s1 != s2 {
		t.Errorf("Current() returned different states: %p vs %p", s1, s2)
	}
	if !s1.AllowReporting {
		t.Error("fresh context must allow reporting")
	}
}

// TestCurrentIsPerGoroutine verifies two goroutines get distinct states.
func TestCurrentIsPerGoroutine(t *testing.T) {
	Reset()

	mine := Current()
	ch := make(chan *State)
	go func() { ch <- Current() }()
	theirs := <-ch
	if mine == theirs {
		t.Error("two goroutines share one State")
	}
}

// TestRuntimeGuardNesting verifies the re-entrancy counter nests and
// unwinds correctly.
func TestRuntimeGuardNesting(t *testing.T) {
	Reset()
	s := Current()

	if s.InRuntime() {
		t.Fatal("fresh context reports InRuntime")
	}
	s.EnterRuntime()
	s.EnterRuntime()
	if !s.InRuntime() {
		t.Fatal("InRuntime() false while nested")
	}
	s.LeaveRuntime()
	if !s.InRuntime() {
		t.Fatal("InRuntime() false with one level still held")
	}
	s.LeaveRuntime()
	if s.InRuntime() {
		t.Fatal("InRuntime() true after full unwind")
	}

	defer func() {
		if recover() == nil {
			t.Error("unbalanced LeaveRuntime did not panic")
		}
	}()
	s.LeaveRuntime()
}

// TestScratchAllocation verifies scratch arrays appear only after
// configuration and are granule-proportioned.
func TestScratchAllocation(t *testing.T) {
	Reset()

	if s := Current(); s.ScratchShadow() != nil || s.ScratchOrigin() != nil {
		t.Error("pre-init context has scratch arrays")
	}

	Reset()
	SetScratchSize(2 * layout.PageSize)
	s := Current()
	if len(s.ScratchShadow()) != 2*layout.PageSize {
		t.Errorf("scratch shadow len = %d, want %d", len(s.ScratchShadow()), 2*layout.PageSize)
	}
	if len(s.ScratchOrigin()) != 2*layout.PageSize/layout.OriginSize {
		t.Errorf("scratch origin len = %d, want %d",
			len(s.ScratchOrigin()), 2*layout.PageSize/layout.OriginSize)
	}
}

// TestRetire verifies a retired context stops reporting and is replaced on
// the next lookup.
func TestRetire(t *testing.T) {
	Reset()

	s := Current()
	Retire()
	if s.AllowReporting {
		t.Error("retired context still allows reporting")
	}
	if Current() == s {
		t.Error("Current() returned a retired context")
	}
}

// TestParseGID covers the stack-header parser directly.
func TestParseGID(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"goroutine 123 [running]:\nmain.main()", 123},
		{"goroutine 1 [running]:", 1},
		{"goroutine  [running]:", 0},
		{"not a header", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parseGID([]byte(tt.in)); got != tt.want {
			t.Errorf("parseGID(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

// TestConcurrentCurrent hammers the registry from many goroutines.
func TestConcurrentCurrent(t *testing.T) {
	Reset()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := Current()
			for j := 0; j < 100; j++ {
				s.EnterRuntime()
				s.LeaveRuntime()
			}
		}()
	}
	wg.Wait()
}
