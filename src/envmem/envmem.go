// Package envmem is the environment-abstraction layer spec.md §1 treats as
// an external collaborator: it owns the pinned hugepage memory the engine
// translates addresses for, and the OS pagemap fallback vtophys consults
// when a virtual address falls outside any known segment.
//
// Grounded on original_source/lib/env_dpdk/vtophys.c's
// vtophys_get_paddr_memseg (segment table) and vtophys_get_paddr_pagemap
// (the /proc/self/pagemap walk, including its touch-and-retry step), and
// on the kernel's mem/dmap.go insofar as both reserve a large virtually-
// contiguous region up front and hand out pieces of it. Uses
// golang.org/x/sys/unix for the mmap/mlock syscalls the standard library
// does not expose; the pagemap is read through os.File.
package envmem

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"hyperwarp/src/bounds"
	"hyperwarp/src/util"
	"hyperwarp/src/vtophys"
)

/// HugepageAllocator reserves one large anonymous, locked mapping and
/// hands it out as a single vtophys.Segment. It implements
/// vtophys.SegmentTable directly, since in the common case the entire
/// reservation is one physically-discontiguous-but-treated-as-opaque
/// segment from the caller's point of view: the physical base recorded is
/// simply the result of resolving the first page via ProcPagemap at
/// reservation time, matching how DPDK pins and reports a single hugepage
/// segment.
type HugepageAllocator struct {
	mem      []byte
	virtBase uint64
	physBase uint64
	length   uint64
}

/// Reserve mmaps and mlocks a length-byte region (rounded up to a whole
/// number of 2 MiB pages) and resolves its physical base via pm. It
/// returns NO_MEMORY-flavoured errors as plain Go errors: callers at this
/// boundary are expected to treat allocator failure as fatal (spec.md
/// §7), not to recover from it page by page.
func Reserve(length uint64, pm *ProcPagemap) (*HugepageAllocator, error) {
	length = util.Roundup(length, uint64(bounds.PageSize))

	mem, err := unix.Mmap(-1, 0, int(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB)
	if err != nil {
		return nil, fmt.Errorf("envmem: mmap %d bytes: %w", length, err)
	}
	if err := unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("envmem: mlock %d bytes: %w", length, err)
	}

	virtBase := uint64(uintptr(unsafe.Pointer(&mem[0])))
	phys, ok := pm.Translate(virtBase)
	if !ok || phys == 0 {
		pm.Touch(virtBase)
		phys, ok = pm.Translate(virtBase)
	}
	if !ok {
		unix.Munlock(mem)
		unix.Munmap(mem)
		return nil, fmt.Errorf("envmem: could not resolve physical base of reservation")
	}

	return &HugepageAllocator{mem: mem, virtBase: virtBase, physBase: phys, length: length}, nil
}

/// Segments implements vtophys.SegmentTable.
func (h *HugepageAllocator) Segments() []vtophys.Segment {
	if h == nil {
		return nil
	}
	return []vtophys.Segment{{VirtBase: h.virtBase, PhysBase: h.physBase, Length: h.length}}
}

/// Base returns the reservation's virtual base address.
func (h *HugepageAllocator) Base() uint64 { return h.virtBase }

/// Len returns the reservation's length in bytes.
func (h *HugepageAllocator) Len() uint64 { return h.length }

/// Release unlocks and unmaps the reservation.
func (h *HugepageAllocator) Release() error {
	if err := unix.Munlock(h.mem); err != nil {
		return err
	}
	return unix.Munmap(h.mem)
}

const pagemapEntrySize = 8
const pagemapPresentBit = uint64(1) << 63
const pagemapPFNMask = (uint64(1) << 55) - 1
const osPageShift = 12 // standard 4 KiB OS page, independent of bounds.ShiftPage

/// ProcPagemap implements vtophys.PagemapOracle against the real
/// /proc/self/pagemap, per original_source/lib/env_dpdk/vtophys.c's
/// vtophys_get_paddr_pagemap.
type ProcPagemap struct {
	f *os.File
}

/// OpenProcPagemap opens /proc/self/pagemap for reading.
func OpenProcPagemap() (*ProcPagemap, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("envmem: open pagemap: %w", err)
	}
	return &ProcPagemap{f: f}, nil
}

/// Translate reads the pagemap entry for vaddr's containing 4 KiB OS page.
/// ok is false if the entry could not be read at all; ok is true with
/// phys 0 if the page is not present (not yet faulted in), matching
/// PagemapOracle's documented contract.
func (p *ProcPagemap) Translate(vaddr uint64) (uint64, bool) {
	osPage := vaddr >> osPageShift
	var entry [pagemapEntrySize]byte
	n, err := p.f.ReadAt(entry[:], int64(osPage*pagemapEntrySize))
	if err != nil || n != pagemapEntrySize {
		return 0, false
	}
	raw := binary.LittleEndian.Uint64(entry[:])
	if raw&pagemapPresentBit == 0 {
		return 0, true
	}
	pfn := raw & pagemapPFNMask
	phys := (pfn << osPageShift) | (vaddr & ((1 << osPageShift) - 1))
	return phys, true
}

/// Touch faults in the page containing vaddr by reading one byte from it,
/// matching vtophys_get_paddr_pagemap's retry-after-touch behaviour.
func (p *ProcPagemap) Touch(vaddr uint64) {
	ptr := (*byte)(unsafe.Pointer(uintptr(vaddr)))
	_ = *ptr
}

/// StaticSegmentTable is a fixed, test-friendly vtophys.SegmentTable.
type StaticSegmentTable struct {
	Segs []vtophys.Segment
}

func (s StaticSegmentTable) Segments() []vtophys.Segment { return s.Segs }

/// StaticPagemap is a fixed, test-friendly vtophys.PagemapOracle: every
/// vaddr not present in Entries resolves as a fault, and Touch is
/// recorded rather than acted on, letting tests script a "backed after
/// one touch" scenario by mutating Entries from a Touch hook.
type StaticPagemap struct {
	Entries    map[uint64]uint64
	OnTouch    func(vaddr uint64)
	TouchCount int
}

func NewStaticPagemap() *StaticPagemap {
	return &StaticPagemap{Entries: make(map[uint64]uint64)}
}

func (s *StaticPagemap) Translate(vaddr uint64) (uint64, bool) {
	phys, ok := s.Entries[vaddr]
	return phys, ok
}

func (s *StaticPagemap) Touch(vaddr uint64) {
	s.TouchCount++
	if s.OnTouch != nil {
		s.OnTouch(vaddr)
	}
}
