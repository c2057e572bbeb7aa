// Package registry is the process-wide map registry (spec.md §4.3) and
// the registration protocol built on top of it (spec.md §4.4): the
// singleton registration map, the ordered set of derived maps, and the
// single mutex serialising every register/unregister/create-map/
// destroy-map call so that "update registration map ref-counts" followed
// by "fan out notifications" is atomic with respect to both other
// mutations and observer-set membership changes.
//
// Structurally this plays the role the kernel's vm package plays for a
// process address space (vm.Vm_t: one mutex guarding both the page table
// and the region list) — generalised here to a registry of many
// independently-owned maps instead of one process's page table.
package registry

import (
	"fmt"
	"os"
	"sync"

	"hyperwarp/src/bounds"
	"hyperwarp/src/caller"
	"hyperwarp/src/circbuf"
	"hyperwarp/src/defs"
	"hyperwarp/src/memmap"
	"hyperwarp/src/stats"
)

/// Debug gates call-stack dumps on INVALID_ARG from Register/Unregister,
/// printed once per distinct call chain. Off by default; flip in tests.
var Debug = false

var (
	mu        sync.Mutex
	regMap    *memmap.MemMap
	observers []*memmap.MemMap // insertion order; registry owns this slice
	once      sync.Once

	/// Stats counts registry activity. Exported so callers (and tests) can
	/// inspect it; fields are safe for concurrent reads.
	Stats = &stats.EngineStats{}

	/// Trace holds the most recent register/unregister/notify events.
	/// Exported for the same reason as Stats.
	Trace = circbuf.New(256)

	// invalidArgCallers suppresses repeated identical call-stack dumps for
	// INVALID_ARG: a caller that retries the same bad Register/Unregister
	// call in a loop should only pollute stderr once per distinct call
	// chain, not once per attempt.
	invalidArgCallers caller.Distinct_caller_t
)

// Init creates the singleton registration map if it has not already been
// created. It is idempotent: repeated calls after the first are no-ops,
// matching spec.md §9's note that in a language without module-level
// mutable state the registry should be "a lazily-initialised handle...
// with idempotent initialisation".
func Init() {
	once.Do(func() {
		regMap = memmap.New(0)
		regMap.Stats = Stats
	})
}

/// RegistrationMap returns the singleton registration map, primarily for
/// diagnostics and tests. Init must have been called first.
func RegistrationMap() *memmap.MemMap {
	return regMap
}

/// ResetForTesting discards all registry state: the registration map, the
/// observer set, and the running counters/trace. It exists so that
/// packages built on top of the registry (vtophys, engine) can exercise
/// Register/Unregister/NewDerivedMap against a clean singleton in their
/// own tests, since the registry is otherwise a process-lifetime
/// singleton per spec.md §4.3. Not for use outside tests.
func ResetForTesting() {
	mu.Lock()
	defer mu.Unlock()
	regMap = nil
	observers = nil
	once = sync.Once{}
	Stats = &stats.EngineStats{}
	Trace = circbuf.New(256)
	invalidArgCallers = caller.Distinct_caller_t{}
}

// debugDump prints the call stack behind a bad Register/Unregister call,
// once per distinct calling path, the first time Debug is on.
func debugDump(vaddr, length uint64, action string) {
	if !Debug {
		return
	}
	invalidArgCallers.Enabled = true
	distinct, trace := invalidArgCallers.Distinct()
	if !distinct {
		return
	}
	fmt.Fprintf(os.Stderr, "invalid %s parameters, vaddr=%#x len=%#x\n%s", action, vaddr, length, trace)
}

/// Register walks [vaddr, vaddr+length) in 2 MiB steps against the
/// registration map, incrementing each page's outstanding-registration
/// count. Runs of pages whose count transitions 0->1 ("newly crossed into
/// use") are coalesced and reported as REGISTER to every derived map, in
/// insertion order, when the run breaks or the walk completes. If any
/// observer's notify callback returns a non-zero error, Register aborts
/// immediately with that error; per spec.md §7 the ref-count increments
/// already applied are not rolled back.
func Register(vaddr, length uint64) defs.Err_t {
	Init()
	if !bounds.ValidRegion(vaddr, length) {
		Stats.InvalidArgErrors.Inc()
		debugDump(vaddr, length, "register")
		return defs.INVALID_ARG
	}

	mu.Lock()
	defer mu.Unlock()

	pages := length >> bounds.ShiftPage
	var segStart, segLen uint64

	flush := func() defs.Err_t {
		if segLen == 0 {
			return defs.OK
		}
		for _, obs := range observers {
			if obs.Notify == nil {
				continue
			}
			Stats.NotifyRegister.Inc()
			Trace.Push(circbuf.Event_t{Action: "notify-register", VAddr: segStart, Length: segLen})
			if err := obs.Notify(obs.NotifyCtx, obs, memmap.Register, segStart, segLen); err != defs.OK {
				return err
			}
		}
		segLen = 0
		return defs.OK
	}

	v := vaddr
	for i := uint64(0); i < pages; i++ {
		count := regMap.Translate(v)
		if err := regMap.SetCount(v, count+1); err != defs.OK {
			return err
		}
		if count == 0 {
			if segLen == 0 {
				segStart = v
			}
			segLen += bounds.PageSize
		} else if err := flush(); err != defs.OK {
			return err
		}
		v += bounds.PageSize
	}
	if err := flush(); err != defs.OK {
		return err
	}
	Stats.Registrations.Inc()
	Trace.Push(circbuf.Event_t{Action: "register", VAddr: vaddr, Length: length})
	return defs.OK
}

/// Unregister is the symmetric counterpart to Register. It first
/// validates that every page in the region has a live registration
/// (failing INVALID_ARG before mutating anything if not, per spec.md
/// §4.4), then decrements each page's count, coalescing 1->0 transitions
/// into runs reported as UNREGISTER.
func Unregister(vaddr, length uint64) defs.Err_t {
	Init()
	if !bounds.ValidRegion(vaddr, length) {
		Stats.InvalidArgErrors.Inc()
		debugDump(vaddr, length, "unregister")
		return defs.INVALID_ARG
	}

	mu.Lock()
	defer mu.Unlock()

	pages := length >> bounds.ShiftPage

	v := vaddr
	for i := uint64(0); i < pages; i++ {
		if regMap.Translate(v) == 0 {
			Stats.InvalidArgErrors.Inc()
			debugDump(vaddr, length, "unregister")
			return defs.INVALID_ARG
		}
		v += bounds.PageSize
	}

	var segStart, segLen uint64
	flush := func() defs.Err_t {
		if segLen == 0 {
			return defs.OK
		}
		for _, obs := range observers {
			if obs.Notify == nil {
				continue
			}
			Stats.NotifyUnregister.Inc()
			Trace.Push(circbuf.Event_t{Action: "notify-unregister", VAddr: segStart, Length: segLen})
			if err := obs.Notify(obs.NotifyCtx, obs, memmap.Unregister, segStart, segLen); err != defs.OK {
				return err
			}
		}
		segLen = 0
		return defs.OK
	}

	v = vaddr
	for i := uint64(0); i < pages; i++ {
		count := regMap.Translate(v)
		if err := regMap.SetCount(v, count-1); err != defs.OK {
			return err
		}
		if count-1 == 0 {
			if segLen == 0 {
				segStart = v
			}
			segLen += bounds.PageSize
		} else if err := flush(); err != defs.OK {
			return err
		}
		v += bounds.PageSize
	}
	if err := flush(); err != defs.OK {
		return err
	}
	Stats.Unregistrations.Inc()
	Trace.Push(circbuf.Event_t{Action: "unregister", VAddr: vaddr, Length: length})
	return defs.OK
}

// replay reports every currently-present page of the registration map to
// m's notify callback as action, coalesced into runs exactly as
// ForEachPresentRun produces them. Callers must hold mu.
func replay(m *memmap.MemMap, action memmap.NotifyAction) defs.Err_t {
	var rerr defs.Err_t = defs.OK
	regMap.ForEachPresentRun(func(vaddr, length uint64) {
		if rerr != defs.OK {
			return
		}
		rerr = m.Notify(m.NotifyCtx, m, action, vaddr, length)
	})
	return rerr
}

/// NewDerivedMap constructs a MemMap with the given default translation
/// and notify callback, replays the current registration state into it as
/// a sequence of REGISTER notifications (one per coalesced run, in
/// ascending virtual-address order), and then adds it to the observer set
/// so future Register/Unregister calls reach it. If notify is nil the map
/// is still returned but never added to the observer set (it has nothing
/// to notify).
func NewDerivedMap(defaultTranslation uint64, notify memmap.NotifyFunc, ctx any) (*memmap.MemMap, defs.Err_t) {
	Init()
	m := memmap.New(defaultTranslation)
	m.Notify = notify
	m.NotifyCtx = ctx
	m.Stats = Stats

	mu.Lock()
	defer mu.Unlock()

	if notify != nil {
		if err := replay(m, memmap.Register); err != defs.OK {
			return nil, err
		}
		observers = append(observers, m)
	}
	return m, defs.OK
}

/// DestroyDerivedMap removes m from the observer set and, if it had a
/// notifier, replays the current registration state into it as a sequence
/// of UNREGISTER notifications — the mirror image of NewDerivedMap's
/// creation-time replay, per spec.md §4.2's destruction contract. It
/// returns INVALID_ARG if m is not a known observer (including the
/// registration map itself, which is never a member of the observer set).
func DestroyDerivedMap(m *memmap.MemMap) defs.Err_t {
	mu.Lock()
	defer mu.Unlock()

	idx := -1
	for i, obs := range observers {
		if obs == m {
			idx = i
			break
		}
	}
	if idx < 0 {
		return defs.INVALID_ARG
	}
	observers = append(observers[:idx], observers[idx+1:]...)

	if m.Notify != nil {
		if err := replay(m, memmap.Unregister); err != defs.OK {
			return err
		}
	}
	return defs.OK
}
