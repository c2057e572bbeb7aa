package vtophys

import (
	"testing"

	"hyperwarp/src/bounds"
	"hyperwarp/src/defs"
	"hyperwarp/src/registry"
)

type fakeSegments struct {
	segs []Segment
}

func (f fakeSegments) Segments() []Segment { return f.segs }

type fakePagemap struct {
	entries map[uint64]uint64
	touched []uint64
	onTouch func(vaddr uint64)
}

func newFakePagemap() *fakePagemap {
	return &fakePagemap{entries: make(map[uint64]uint64)}
}

func (f *fakePagemap) Translate(vaddr uint64) (uint64, bool) {
	phys, ok := f.entries[vaddr]
	return phys, ok
}

func (f *fakePagemap) Touch(vaddr uint64) {
	f.touched = append(f.touched, vaddr)
	if f.onTouch != nil {
		f.onTouch(vaddr)
	}
}

func setup(t *testing.T) {
	t.Helper()
	registry.ResetForTesting()
}

func TestNewRejectsNilCollaborators(t *testing.T) {
	setup(t)
	if _, err := New(nil, newFakePagemap(), nil); err != defs.INVALID_ARG {
		t.Errorf("New(nil segs) = %s, want INVALID_ARG", err)
	}
	if _, err := New(fakeSegments{}, nil, nil); err != defs.INVALID_ARG {
		t.Errorf("New(nil pagemap) = %s, want INVALID_ARG", err)
	}
}

func TestVtophysResolvesViaSegmentTable(t *testing.T) {
	setup(t)
	segs := fakeSegments{segs: []Segment{{VirtBase: 0, PhysBase: 0x10000000, Length: 4 * bounds.PageSize}}}
	v, err := New(segs, newFakePagemap(), nil)
	if err != defs.OK {
		t.Fatalf("New() = %s, want OK", err)
	}
	defer v.Destroy()

	if err := registry.Register(0, 4*bounds.PageSize); err != defs.OK {
		t.Fatalf("Register() = %s, want OK", err)
	}

	vaddr := 2*bounds.PageSize + 0x10
	got := v.Vtophys(uint64(vaddr))
	want := uint64(0x10000000+2*bounds.PageSize) | 0x10
	if got != want {
		t.Errorf("Vtophys() = %#x, want %#x", got, want)
	}
}

func TestVtophysFallsBackToPagemap(t *testing.T) {
	setup(t)
	segs := fakeSegments{}
	pm := newFakePagemap()
	pm.entries[0] = 0x20000000
	v, err := New(segs, pm, nil)
	if err != defs.OK {
		t.Fatalf("New() = %s, want OK", err)
	}
	defer v.Destroy()

	if err := registry.Register(0, bounds.PageSize); err != defs.OK {
		t.Fatalf("Register() = %s, want OK", err)
	}

	if got := v.Vtophys(0); got != 0x20000000 {
		t.Errorf("Vtophys() = %#x, want 0x20000000", got)
	}
}

func TestVtophysTouchAndRetry(t *testing.T) {
	setup(t)
	segs := fakeSegments{}
	pm := newFakePagemap()
	pm.entries[0] = 0 // present in map but reports not-yet-backed
	pm.onTouch = func(vaddr uint64) {
		pm.entries[vaddr] = 0x30000000
	}
	v, err := New(segs, pm, nil)
	if err != defs.OK {
		t.Fatalf("New() = %s, want OK", err)
	}
	defer v.Destroy()

	if err := registry.Register(0, bounds.PageSize); err != defs.OK {
		t.Fatalf("Register() = %s, want OK", err)
	}

	if got := v.Vtophys(0); got != 0x30000000 {
		t.Errorf("Vtophys() = %#x, want 0x30000000 after touch-and-retry", got)
	}
	if len(pm.touched) != 1 {
		t.Errorf("touched %d times, want exactly 1", len(pm.touched))
	}
}

func TestVtophysFaultsWhenUnresolvable(t *testing.T) {
	setup(t)
	segs := fakeSegments{}
	pm := newFakePagemap()
	v, err := New(segs, pm, nil)
	if err != defs.OK {
		t.Fatalf("New() = %s, want OK", err)
	}
	defer v.Destroy()

	if err := registry.Register(0, bounds.PageSize); err != defs.FAULT {
		t.Fatalf("Register() = %s, want FAULT (unresolvable page)", err)
	}

	if got := v.Vtophys(0); got != AllOnes {
		t.Errorf("Vtophys(unresolvable) = %#x, want AllOnes", got)
	}
}

func TestVtophysRejectsMisalignedPhysical(t *testing.T) {
	setup(t)
	segs := fakeSegments{segs: []Segment{{VirtBase: 0, PhysBase: 0x1234, Length: bounds.PageSize}}}
	v, err := New(segs, newFakePagemap(), nil)
	if err != defs.OK {
		t.Fatalf("New() = %s, want OK", err)
	}
	defer v.Destroy()

	if err := registry.Register(0, bounds.PageSize); err != defs.INVALID_ARG {
		t.Fatalf("Register() = %s, want INVALID_ARG (misaligned phys)", err)
	}
	if got := v.Vtophys(0); got != AllOnes {
		t.Errorf("Vtophys(misaligned phys) = %#x, want unresolved (translation stays default)", got)
	}
}

func TestVtophysUnregisterClearsTranslation(t *testing.T) {
	setup(t)
	segs := fakeSegments{segs: []Segment{{VirtBase: 0, PhysBase: 0x40000000, Length: bounds.PageSize}}}
	v, err := New(segs, newFakePagemap(), nil)
	if err != defs.OK {
		t.Fatalf("New() = %s, want OK", err)
	}
	defer v.Destroy()

	registry.Register(0, bounds.PageSize)
	if got := v.Vtophys(0); got != 0x40000000 {
		t.Fatalf("Vtophys() before unregister = %#x, want 0x40000000", got)
	}
	if err := registry.Unregister(0, bounds.PageSize); err != defs.OK {
		t.Fatalf("Unregister() = %s, want OK", err)
	}
	if got := v.Vtophys(0); got != AllOnes {
		t.Errorf("Vtophys() after unregister = %#x, want AllOnes", got)
	}
}
