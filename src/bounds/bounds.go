// Package bounds fixes the constants and index arithmetic that decompose a
// virtual address into (top-index, mid-index, page-offset). It is pure and
// total: every function here is a leaf, with no locking and no allocation,
// in the spirit of the kernel's own constant-block packages (mem/mem.go,
// defs/device.go).
package bounds

/// ShiftPage is the base-2 exponent of the 2 MiB page size, the atomic
/// unit of registration and translation.
const ShiftPage uint = 21

/// PageSize is the size in bytes of a single 2 MiB page.
const PageSize uint64 = 1 << ShiftPage

/// PageMask masks the intra-page offset of a virtual address.
const PageMask uint64 = PageSize - 1

/// ShiftAddrSpace is the base-2 exponent of the 128 TiB address space;
/// only the low ShiftAddrSpace bits of a virtual address are significant.
const ShiftAddrSpace uint = 47

/// AddrSpaceMask masks the significant low 47 bits of a virtual address.
const AddrSpaceMask uint64 = (1 << ShiftAddrSpace) - 1

/// MidBits is the width in bits of the mid-index (bits [21..29]).
const MidBits uint = 9

/// MidMask masks the mid-index out of a virtual frame number.
const MidMask uint64 = (1 << MidBits) - 1

/// MidEntries is the number of slots in a single mid-table (512).
const MidEntries = 1 << MidBits

/// ShiftTop is the bit position at which the top-index begins (bit 30);
/// equivalently ShiftPage + MidBits.
const ShiftTop uint = ShiftPage + MidBits

/// TopBits is the width in bits of the top-index (bits [30..46]).
const TopBits uint = ShiftAddrSpace - ShiftTop

/// TopEntries is the number of slots in the top-level table (131072).
const TopEntries = 1 << TopBits

/// VFN returns the virtual frame number: the 2 MiB-aligned virtual address
// right-shifted by ShiftPage.
func VFN(vaddr uint64) uint64 {
	return vaddr >> ShiftPage
}

/// Top returns the top-index (bits [30..46] of the originating address)
/// from a virtual frame number.
func Top(vfn uint64) uint64 {
	return vfn >> MidBits
}

/// Mid returns the mid-index (bits [21..29] of the originating address)
/// from a virtual frame number.
func Mid(vfn uint64) uint64 {
	return vfn & MidMask
}

/// Addr reconstructs the 2 MiB-aligned virtual address for a given
/// (top, mid) pair. The inverse of VFN/Top/Mid.
func Addr(top, mid uint64) uint64 {
	return (top << ShiftTop) | (mid << ShiftPage)
}

/// InRange reports whether vaddr has no bits set above bit 46 (fits the
/// 128 TiB address space this engine covers).
func InRange(vaddr uint64) bool {
	return vaddr&^AddrSpaceMask == 0
}

/// Aligned reports whether v is a multiple of the 2 MiB page size.
func Aligned(v uint64) bool {
	return v&PageMask == 0
}

/// ValidRegion reports whether (vaddr, length) is an acceptable argument to
/// any registration or translation-table write API: vaddr within the 128
/// TiB address space, both vaddr and length 2 MiB-aligned, length nonzero.
func ValidRegion(vaddr, length uint64) bool {
	return length > 0 && InRange(vaddr) && Aligned(vaddr) && Aligned(length)
}
