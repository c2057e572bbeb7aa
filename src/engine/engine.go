// Package engine is the top-level facade spec.md §7 describes: it owns
// process-lifetime initialisation of the registry singleton and the
// built-in vtophys map, and exposes the three calls a consumer actually
// needs (Vtophys, Register, Unregister) without reaching into registry
// or vtophys directly.
//
// Grounded on original_source/lib/env_dpdk/vtophys.c's
// spdk_vtophys_register_dpdk_mem / spdk_vtophys_init, which plays the
// same "one-time setup, fatal on failure" role for DPDK's environment
// abstraction layer.
package engine

import (
	"fmt"
	"sync/atomic"

	"hyperwarp/src/defs"
	"hyperwarp/src/registry"
	"hyperwarp/src/vtophys"
)

var current atomic.Pointer[vtophys.Map]

/// Init creates the registration map, registers every segment in segs,
/// then creates the built-in vtophys map and installs it as the engine's
/// active map — matching spdk_vtophys_register_dpdk_mem's
/// register-every-memseg-then-allocate-the-map ordering. Per spec.md §7,
/// failure anywhere in this sequence is unrecoverable for the process:
/// Init panics rather than returning an error, matching spdk_vtophys_init's
/// fatal SPDK_ENV_DPDK abort path. It is the caller's responsibility to
/// supply a segment table and pagemap oracle that cannot themselves fail
/// for reasons the engine could recover from.
func Init(segs vtophys.SegmentTable, pm vtophys.PagemapOracle) {
	registry.Init()
	for _, seg := range segs.Segments() {
		if err := registry.Register(seg.VirtBase, seg.Length); err != defs.OK {
			panic(fmt.Sprintf("engine: register segment %#x: %s", seg.VirtBase, err))
		}
	}
	vm, err := vtophys.New(segs, pm, registry.Trace)
	if err != defs.OK {
		panic(fmt.Sprintf("engine: vtophys init failed: %s", err))
	}
	current.Store(vm)
}

// mustMap returns the active vtophys map, panicking if Init has not been
// called — matching spec.md §7's "every other call assumes the engine is
// already initialised" contract.
func mustMap() *vtophys.Map {
	vm := current.Load()
	if vm == nil {
		panic("engine: Init not called")
	}
	return vm
}

/// Vtophys resolves buf's physical (bus) address via the active vtophys
/// map. It returns vtophys.AllOnes if the address cannot be resolved.
func Vtophys(buf uint64) uint64 {
	return mustMap().Vtophys(buf)
}

/// Map returns the active vtophys map, for consumers that need the map
/// itself rather than the Vtophys convenience call.
func Map() *vtophys.Map {
	return mustMap()
}

/// Register marks [vaddr, vaddr+length) as in use, fanning the
/// registration out to every derived map including the built-in vtophys
/// map. See registry.Register for the exact semantics.
func Register(vaddr, length uint64) defs.Err_t {
	return registry.Register(vaddr, length)
}

/// Unregister is the symmetric counterpart to Register.
func Unregister(vaddr, length uint64) defs.Err_t {
	return registry.Unregister(vaddr, length)
}

/// Stats exposes the registry's running counters.
func Stats() string {
	return registry.Stats.String()
}

/// Shutdown tears down the built-in vtophys map, unregistering it from
/// the map registry. It does not affect already-registered pages: a
/// derived map created afterward will not see the history replayed into
/// the one just destroyed.
func Shutdown() defs.Err_t {
	vm := current.Load()
	if vm == nil {
		return defs.OK
	}
	err := vm.Destroy()
	current.Store(nil)
	return err
}
