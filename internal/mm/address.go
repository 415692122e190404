// Package mm models the address-space collaborator of the scheduler core:
// page-granular virtual addresses, mapping permissions, a physical frame
// allocator and per-task memory sets holding framed areas.
package mm

const (
	// PageSize is the size of one page and one physical frame in bytes.
	PageSize = 4096
	// PageSizeBits is log2(PageSize).
	PageSizeBits = 12
)

// VirtAddr is a byte address in a task's virtual address space.
type VirtAddr uint64

// VirtPageNum is a virtual page number.
type VirtPageNum uint64

// PhysPageNum is a physical frame number.
type PhysPageNum uint64

// PageOffset returns the offset of va inside its page.
func (va VirtAddr) PageOffset() uint64 {
	return uint64(va) & (PageSize - 1)
}

// Aligned reports whether va sits on a page boundary.
func (va VirtAddr) Aligned() bool {
	return va.PageOffset() == 0
}

// Floor returns the page containing va.
func (va VirtAddr) Floor() VirtPageNum {
	return VirtPageNum(uint64(va) / PageSize)
}

// Ceil returns the first page that starts at or after va.
func (va VirtAddr) Ceil() VirtPageNum {
	return VirtPageNum((uint64(va) + PageSize - 1) / PageSize)
}

// Addr returns the first byte address of the page.
func (vpn VirtPageNum) Addr() VirtAddr {
	return VirtAddr(uint64(vpn) << PageSizeBits)
}
