package engine

import (
	"strings"
	"testing"

	"hyperwarp/src/bounds"
	"hyperwarp/src/defs"
	"hyperwarp/src/registry"
	"hyperwarp/src/vtophys"
)

type fakeSegments struct{ segs []vtophys.Segment }

func (f fakeSegments) Segments() []vtophys.Segment { return f.segs }

type fakePagemap struct{}

func (fakePagemap) Translate(uint64) (uint64, bool) { return 0, false }
func (fakePagemap) Touch(uint64)                    {}

func setup(t *testing.T) {
	t.Helper()
	registry.ResetForTesting()
	current.Store(nil)
}

func TestVtophysPanicsBeforeInit(t *testing.T) {
	setup(t)
	defer func() {
		if recover() == nil {
			t.Error("Vtophys before Init should panic")
		}
	}()
	Vtophys(0)
}

// TestInitRegistersSegmentsAutomatically exercises scenario S1: Init alone,
// with no explicit Register call, must leave the engine able to resolve an
// address inside a segment it was given — matching
// spdk_vtophys_register_dpdk_mem's register-every-memseg-during-init
// behaviour.
func TestInitRegistersSegmentsAutomatically(t *testing.T) {
	setup(t)
	segs := fakeSegments{segs: []vtophys.Segment{{VirtBase: 0x200000, PhysBase: 0x40000000, Length: 4 * bounds.PageSize}}}
	Init(segs, fakePagemap{})
	defer Shutdown()

	if got := Vtophys(0x200123); got != 0x40000123 {
		t.Errorf("Vtophys(0x200123) = %#x, want 0x40000123", got)
	}
}

func TestInitThenVtophysResolves(t *testing.T) {
	setup(t)
	segs := fakeSegments{segs: []vtophys.Segment{{VirtBase: 0, PhysBase: 0x60000000, Length: 4 * bounds.PageSize}}}
	Init(segs, fakePagemap{})
	defer Shutdown()

	if got := Vtophys(0); got != 0x60000000 {
		t.Errorf("Vtophys() = %#x, want 0x60000000", got)
	}
}

func TestInitWithEmptySegmentTableDoesNotPanic(t *testing.T) {
	setup(t)
	Init(fakeSegments{}, fakePagemap{})
	defer Shutdown()
	if Map() == nil {
		t.Error("Map() after Init should return the active map")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	setup(t)
	if err := Shutdown(); err != defs.OK {
		t.Errorf("Shutdown() before Init = %s, want OK", err)
	}
	Init(fakeSegments{}, fakePagemap{})
	if err := Shutdown(); err != defs.OK {
		t.Errorf("Shutdown() = %s, want OK", err)
	}
	if err := Shutdown(); err != defs.OK {
		t.Errorf("second Shutdown() = %s, want OK", err)
	}
}

func TestStatsReflectsRegistrations(t *testing.T) {
	setup(t)
	segs := fakeSegments{segs: []vtophys.Segment{{VirtBase: 0, PhysBase: 0x60000000, Length: bounds.PageSize}}}
	Init(segs, fakePagemap{})
	defer Shutdown()
	if err := Register(0, bounds.PageSize); err != defs.OK {
		t.Fatalf("Register() = %s, want OK", err)
	}
	out := Stats()
	if out == "" {
		t.Error("Stats() returned empty output")
	}
	// One registration from Init's segment, one from the Register above.
	if !strings.Contains(out, "Registrations: 2\n") {
		t.Errorf("Stats() = %q, want Registrations: 2", out)
	}
}
