// Package memmap implements MemMap, the sparse two-level virtual-address
// translation table at the core of the engine (spec.md §3, §4.2).
//
// Structurally this adapts the kernel's page-table idiom — vm.Vm_t embeds
// its mutex directly next to the structure it protects (see vm/as.go) and
// mem.Pmap_t is a fixed-size array of slots indexed by bits of an
// address — to a lazily-allocated two-level table keyed by 2 MiB virtual
// frame number instead of a literal hardware page table. The lock-free
// read path and the double-checked mid-table publication are grounded
// directly on original_source/lib/env_dpdk/vtophys.c's
// spdk_mem_map_get_map_1gb and spdk_mem_map_translate.
package memmap

import (
	"sync"
	"sync/atomic"

	"hyperwarp/src/bounds"
	"hyperwarp/src/defs"
	"hyperwarp/src/limits"
	"hyperwarp/src/stats"
)

/// NotifyAction distinguishes the two fan-out events a derived map's
/// notify callback can receive.
type NotifyAction int

const (
	/// Register is reported when a run of pages transitions 0->1 live
	/// registrations.
	Register NotifyAction = iota
	/// Unregister is reported when a run of pages transitions 1->0.
	Unregister
)

/// String renders the action for diagnostics.
func (a NotifyAction) String() string {
	if a == Register {
		return "REGISTER"
	}
	return "UNREGISTER"
}

/// NotifyFunc is a derived map's fan-out callback. It runs with the
/// registry mutex held (spec.md §5) and must not call back into
/// Register/Unregister/NewDerivedMap/DestroyDerivedMap on the same
/// goroutine.
type NotifyFunc func(ctx any, m *MemMap, action NotifyAction, vaddr, length uint64) defs.Err_t

type slot struct {
	translation atomic.Uint64
	refcount    limits.RefCount_t
}

type midTable struct {
	slots [bounds.MidEntries]slot
}

/// MemMap is an independently owned two-level sparse map from 2 MiB
/// virtual page to a 64-bit translation value, per spec.md §3.
type MemMap struct {
	mu                 sync.Mutex
	top                [bounds.TopEntries]atomic.Pointer[midTable]
	defaultTranslation uint64

	/// Notify and NotifyCtx are set once, by the registry, before the map
	/// is published into the observer set; memmap itself never calls
	/// Notify (that is registry's job, under the registry mutex).
	Notify    NotifyFunc
	NotifyCtx any

	/// Stats is set once, by the registry, alongside Notify/NotifyCtx. It
	/// may be nil (a MemMap built directly via New, outside the registry,
	/// counts nothing), so every increment site must check for nil first.
	Stats *stats.EngineStats
}

/// New returns a MemMap with every page initially translating to
/// defaultTranslation. It carries no notifier; registry.NewDerivedMap
/// attaches one and performs the creation-time replay.
func New(defaultTranslation uint64) *MemMap {
	return &MemMap{defaultTranslation: defaultTranslation}
}

/// Default returns the map's configured default translation.
func (m *MemMap) Default() uint64 {
	return m.defaultTranslation
}

// getMidTable returns the mid-table covering vfn, allocating it on first
// use when create is true. The fast path (mid-table already present) does
// no locking; allocation uses the double-checked pattern spec.md §4.2
// requires: read unlocked, take the mutex, re-read, allocate, publish.
func (m *MemMap) getMidTable(vfn uint64, create bool) (*midTable, defs.Err_t) {
	idx := bounds.Top(vfn)
	if mt := m.top[idx].Load(); mt != nil {
		return mt, defs.OK
	}
	if !create {
		return nil, defs.OK
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if mt := m.top[idx].Load(); mt != nil {
		return mt, defs.OK
	}
	nt := &midTable{}
	for i := range nt.slots {
		nt.slots[i].translation.Store(m.defaultTranslation)
	}
	m.top[idx].Store(nt)
	if m.Stats != nil {
		m.Stats.MidTablesAllocated.Inc()
	}
	return nt, defs.OK
}

/// SetTranslation writes value to the translation slot of every 2 MiB page
/// covered by [vaddr, vaddr+size), allocating mid-tables as needed and
/// incrementing each page's 16-bit reference count. It fails with
/// INVALID_ARG on misalignment or an out-of-range address, NO_MEMORY on
/// allocation failure, or BUSY if a slot's reference count is already at
/// limits.MaxRefCount. Per spec.md §7, a failure partway through leaves
/// the pages already written in their new state.
func (m *MemMap) SetTranslation(vaddr, size, value uint64) defs.Err_t {
	if !bounds.ValidRegion(vaddr, size) {
		return defs.INVALID_ARG
	}
	vfn := bounds.VFN(vaddr)
	pages := size >> bounds.ShiftPage
	for i := uint64(0); i < pages; i++ {
		mt, _ := m.getMidTable(vfn+i, true)
		if mt == nil {
			return defs.NO_MEMORY
		}
		sl := &mt.slots[bounds.Mid(vfn+i)]
		if !sl.refcount.Incr() {
			if m.Stats != nil {
				m.Stats.BusyErrors.Inc()
			}
			return defs.BUSY
		}
		sl.translation.Store(value)
	}
	return defs.OK
}

/// ClearTranslation decrements the reference count of every 2 MiB page
/// covered by [vaddr, vaddr+size); when a page's count reaches zero its
/// translation slot is reset to the map's default. It fails with
/// INVALID_ARG on misalignment, an out-of-range address, or a page whose
/// reference count is already zero (including a page whose mid-table was
/// never allocated).
func (m *MemMap) ClearTranslation(vaddr, size uint64) defs.Err_t {
	if !bounds.ValidRegion(vaddr, size) {
		return defs.INVALID_ARG
	}
	vfn := bounds.VFN(vaddr)
	pages := size >> bounds.ShiftPage
	for i := uint64(0); i < pages; i++ {
		mt, _ := m.getMidTable(vfn+i, false)
		if mt == nil {
			return defs.INVALID_ARG
		}
		sl := &mt.slots[bounds.Mid(vfn+i)]
		newval, ok := sl.refcount.Decr()
		if !ok {
			return defs.INVALID_ARG
		}
		if newval == 0 {
			sl.translation.Store(m.defaultTranslation)
		}
	}
	return defs.OK
}

/// Translate looks up the page containing vaddr and returns its
/// translation, or the map's default translation if the mid-table is
/// absent or vaddr's high bits are nonzero. It never fails and performs
/// no locking: correctness under concurrent SetTranslation relies on the
/// mid-table pointer's atomic publish and the translation slot's atomic
/// store, exactly as spec.md §4.2 describes.
func (m *MemMap) Translate(vaddr uint64) uint64 {
	if !bounds.InRange(vaddr) {
		return m.defaultTranslation
	}
	vfn := bounds.VFN(vaddr)
	mt := m.top[bounds.Top(vfn)].Load()
	if mt == nil {
		return m.defaultTranslation
	}
	return mt.slots[bounds.Mid(vfn)].translation.Load()
}

/// SetCount is a low-level primitive used only by the registration map's
/// bookkeeping (package registry): it assigns the page's translation
/// field to exactly count (the registration map reuses that field as the
/// authoritative outstanding-registration count) and sets the page's
/// 16-bit reference count to match, rather than incrementing it. This
/// keeps the per-slot reference count equal to the live count rather than
/// a cumulative total, resolving spec.md §9's open question about the
/// registration map's uncapped 16-bit field: see DESIGN.md.
func (m *MemMap) SetCount(vaddr uint64, count uint64) defs.Err_t {
	if !bounds.InRange(vaddr) || !bounds.Aligned(vaddr) {
		return defs.INVALID_ARG
	}
	vfn := bounds.VFN(vaddr)
	mt, _ := m.getMidTable(vfn, true)
	if mt == nil {
		return defs.NO_MEMORY
	}
	sl := &mt.slots[bounds.Mid(vfn)]
	if count > limits.MaxRefCount {
		if m.Stats != nil {
			m.Stats.BusyErrors.Inc()
		}
		return defs.BUSY
	}
	sl.translation.Store(count)
	sl.refcount.Set(uint32(count))
	return defs.OK
}

/// ForEachPresentRun walks the entire map in ascending virtual-address
/// order, invoking f once per maximal contiguous run of pages whose
/// translation differs from the map's default ("present" pages), mirroring
/// original_source/lib/env_dpdk/vtophys.c's spdk_mem_map_notify_walk. It
/// holds the map's own mutex for the duration of the walk, which excludes
/// only concurrent mid-table allocation: SetTranslation/ClearTranslation
/// write slots without that mutex, so a walk running alongside them can
/// observe one half-applied. The registry walks the registration map only
/// under the registry mutex, which also serialises every write to it. It
/// is used to replay a derived map's notifications on creation and
/// destruction, and by this package's tests.
func (m *MemMap) ForEachPresentRun(f func(vaddr, length uint64)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var start, length uint64
	flush := func() {
		if length > 0 {
			f(start, length)
			length = 0
		}
	}
	for ti := uint64(0); ti < bounds.TopEntries; ti++ {
		mt := m.top[ti].Load()
		if mt == nil {
			flush()
			continue
		}
		for mi := uint64(0); mi < bounds.MidEntries; mi++ {
			if mt.slots[mi].translation.Load() != m.defaultTranslation {
				vaddr := bounds.Addr(ti, mi)
				if length == 0 {
					start = vaddr
				}
				length += bounds.PageSize
			} else {
				flush()
			}
		}
	}
	flush()
}
