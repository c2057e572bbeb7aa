// Package vtophys is the built-in vtophys derived map and its notifier
// (spec.md §4.5): it resolves each newly-registered 2 MiB page's physical
// address from a segment table, falling back to an OS pagemap oracle, and
// answers the fast-path Vtophys(buf) query. Grounded directly on
// original_source/lib/env_dpdk/vtophys.c's spdk_vtophys_notify,
// vtophys_get_paddr_memseg and vtophys_get_paddr_pagemap, and on the
// kernel's mem/dmap.go insofar as both resolve a virtual address against
// a table of physical segments before falling back to a slower path.
package vtophys

import (
	"fmt"
	"os"

	"hyperwarp/src/bounds"
	"hyperwarp/src/caller"
	"hyperwarp/src/circbuf"
	"hyperwarp/src/defs"
	"hyperwarp/src/memmap"
	"hyperwarp/src/registry"
)

/// AllOnes is the sentinel translation meaning "no translation available".
/// Because every bit is set, ORing in an intra-page offset preserves the
/// sentinel, so callers can compare Vtophys's return value against
/// AllOnes without special-casing the offset.
const AllOnes uint64 = ^uint64(0)

/// Debug gates call-stack dumps on FAULT. Off by default.
var Debug = false

/// Segment describes one physically-contiguous, virtually-contiguous
/// region of pinned memory, as reported by the hugepage allocator /
/// environment-abstraction layer spec.md §1 treats as an external
/// collaborator.
type Segment struct {
	VirtBase uint64
	PhysBase uint64
	Length   uint64
}

/// SegmentTable enumerates the environment's currently known physical
/// segments. Terminated implicitly by the length of the returned slice
/// (unlike the C original's null-virt-base sentinel, which Go's slices
/// make unnecessary).
type SegmentTable interface {
	Segments() []Segment
}

/// PagemapOracle resolves a virtual address to a physical address via the
/// OS, used only when the segment table lookup misses. Translate reports
/// ok=false when the address cannot be resolved at all; ok=true with
/// phys==0 means "valid but not yet backed", which the caller should
/// retry after Touch.
type PagemapOracle interface {
	Translate(vaddr uint64) (phys uint64, ok bool)
	Touch(vaddr uint64)
}

/// Map is a MemMap specialised as the vtophys derived map: its default
/// translation is AllOnes, and its notify callback resolves each reported
/// page's physical address.
type Map struct {
	mm    *memmap.MemMap
	segs  SegmentTable
	pm    PagemapOracle
	trace *circbuf.Ring_t

	// faultCallers suppresses repeated identical call-stack dumps for
	// FAULT: a caller that repeatedly queries an address this map can
	// never resolve should only pollute stderr once per distinct call
	// chain.
	faultCallers caller.Distinct_caller_t
}

/// New creates the vtophys map and registers it with the engine's map
/// registry, replaying the current registration state into it. segs and
/// pm must be non-nil; trace may be nil to disable event recording.
func New(segs SegmentTable, pm PagemapOracle, trace *circbuf.Ring_t) (*Map, defs.Err_t) {
	if segs == nil || pm == nil {
		return nil, defs.INVALID_ARG
	}
	v := &Map{segs: segs, pm: pm, trace: trace}
	mm, err := registry.NewDerivedMap(AllOnes, v.notify, v)
	if err != defs.OK {
		return nil, err
	}
	v.mm = mm
	return v, defs.OK
}

func (v *Map) push(action string, vaddr, length uint64, err defs.Err_t) {
	if v.trace == nil {
		return
	}
	v.trace.Push(circbuf.Event_t{Action: action, VAddr: vaddr, Length: length, Err: err})
}

// lookupSegment linearly scans the environment's segment table for one
// containing vaddr, per spec.md §4.5 step 1.
func (v *Map) lookupSegment(vaddr uint64) (uint64, bool) {
	for _, seg := range v.segs.Segments() {
		if vaddr >= seg.VirtBase && vaddr < seg.VirtBase+seg.Length {
			return seg.PhysBase + (vaddr - seg.VirtBase), true
		}
	}
	return 0, false
}

// lookupPagemap falls back to the OS pagemap oracle, per spec.md §4.5
// step 2: if the oracle reports the page not yet faulted in (phys == 0
// with ok == true), touch the page and retry once.
func (v *Map) lookupPagemap(vaddr uint64) (uint64, bool) {
	phys, ok := v.pm.Translate(vaddr)
	if ok && phys == 0 {
		v.pm.Touch(vaddr)
		phys, ok = v.pm.Translate(vaddr)
	}
	if !ok || phys == 0 {
		return 0, false
	}
	return phys, true
}

func (v *Map) notify(ctx any, m *memmap.MemMap, action memmap.NotifyAction, vaddr, length uint64) defs.Err_t {
	for off := uint64(0); off < length; off += bounds.PageSize {
		pageVaddr := vaddr + off

		switch action {
		case memmap.Register:
			phys, ok := v.lookupSegment(pageVaddr)
			if !ok {
				phys, ok = v.lookupPagemap(pageVaddr)
			}
			if !ok {
				v.push("fault", pageVaddr, bounds.PageSize, defs.FAULT)
				registry.Stats.FaultErrors.Inc()
				if Debug {
					v.faultCallers.Enabled = true
					if distinct, trace := v.faultCallers.Distinct(); distinct {
						fmt.Fprintf(os.Stderr, "could not get phys addr for %#x\n%s", pageVaddr, trace)
					}
				}
				return defs.FAULT
			}
			if !bounds.Aligned(phys) {
				v.push("misaligned-phys", pageVaddr, bounds.PageSize, defs.INVALID_ARG)
				return defs.INVALID_ARG
			}
			if err := m.SetTranslation(pageVaddr, bounds.PageSize, phys); err != defs.OK {
				return err
			}
			v.push("register", pageVaddr, bounds.PageSize, defs.OK)
		case memmap.Unregister:
			if err := m.ClearTranslation(pageVaddr, bounds.PageSize); err != defs.OK {
				return err
			}
			v.push("unregister", pageVaddr, bounds.PageSize, defs.OK)
		}
	}
	return defs.OK
}

/// Vtophys resolves the physical (bus) address of buf: translate(buf) |
/// (buf & 2MiB-offset-mask). Because the sentinel AllOnes has every bit
/// set, a lookup miss leaves the offset bits also set, so callers can
/// compare the result directly against AllOnes.
func (v *Map) Vtophys(buf uint64) uint64 {
	return v.mm.Translate(buf) | (buf & bounds.PageMask)
}

/// Destroy removes the map from the registry and replays its present
/// pages as UNREGISTER.
func (v *Map) Destroy() defs.Err_t {
	return registry.DestroyDerivedMap(v.mm)
}
