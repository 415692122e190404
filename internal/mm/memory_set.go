package mm

import (
	"fmt"
	"sort"
)

// PTE flag bits below the permission bits.
const pteValid uint64 = 1 << 0

// PageTableEntry is an Sv39-style leaf entry: ppn in bits 10.. and flags in
// bits 0..7.
type PageTableEntry uint64

// PPN returns the frame the entry points at.
func (e PageTableEntry) PPN() PhysPageNum {
	return PhysPageNum(uint64(e) >> 10)
}

// Permission returns the access bits of the entry.
func (e PageTableEntry) Permission() MapPermission {
	return MapPermission(uint64(e)) & permAll
}

// Valid reports whether the entry maps a frame.
func (e PageTableEntry) Valid() bool {
	return uint64(e)&pteValid != 0
}

// MapArea is a contiguous framed region [Start, End) of virtual pages.
type MapArea struct {
	Start VirtPageNum
	End   VirtPageNum
	Perm  MapPermission
}

// Pages returns the number of pages in the area.
func (a MapArea) Pages() uint64 {
	return uint64(a.End - a.Start)
}

// MemorySet is one task's address space. It is not safe for concurrent use;
// the owning task control block guards it.
type MemorySet struct {
	frames    *FrameAllocator
	root      PhysPageNum
	pageTable map[VirtPageNum]PageTableEntry
	areas     []MapArea
}

// NewMemorySet creates an empty address space and allocates its root
// page-table frame.
func NewMemorySet(frames *FrameAllocator) (*MemorySet, error) {
	root, ok := frames.Alloc()
	if !ok {
		return nil, fmt.Errorf("allocate page table root: %w", ErrOutOfFrames)
	}
	return &MemorySet{
		frames:    frames,
		root:      root,
		pageTable: make(map[VirtPageNum]PageTableEntry),
	}, nil
}

// Token returns the satp value selecting this address space (Sv39 mode).
func (m *MemorySet) Token() uint64 {
	return 8<<60 | uint64(m.root)
}

// InsertFramedArea maps [start, end) with fresh frames and permission perm.
// Either every page is mapped or nothing changes.
func (m *MemorySet) InsertFramedArea(start, end VirtAddr, perm MapPermission) error {
	startVPN, endVPN := start.Floor(), end.Ceil()
	if endVPN <= startVPN {
		return ErrEmptyRange
	}
	for _, a := range m.areas {
		if startVPN < a.End && a.Start < endVPN {
			return fmt.Errorf("[%#x, %#x): %w", uint64(start), uint64(end), ErrOverlap)
		}
	}

	pages := uint64(endVPN - startVPN)
	if pages > m.frames.Free() {
		return fmt.Errorf("map %d pages, %d free: %w", pages, m.frames.Free(), ErrOutOfFrames)
	}
	allocated := make([]PhysPageNum, 0, pages)
	for vpn := startVPN; vpn < endVPN; vpn++ {
		ppn, ok := m.frames.Alloc()
		if !ok {
			for _, p := range allocated {
				m.frames.Dealloc(p)
			}
			return fmt.Errorf("map %d pages: %w", endVPN-startVPN, ErrOutOfFrames)
		}
		allocated = append(allocated, ppn)
	}
	for i, ppn := range allocated {
		m.pageTable[startVPN+VirtPageNum(i)] = PageTableEntry(uint64(ppn)<<10 | uint64(perm) | pteValid)
	}

	m.areas = append(m.areas, MapArea{Start: startVPN, End: endVPN, Perm: perm})
	sort.Slice(m.areas, func(i, j int) bool { return m.areas[i].Start < m.areas[j].Start })
	return nil
}

// FreeFramedArea unmaps the area covering exactly [start, end) and returns
// its frames to the allocator.
func (m *MemorySet) FreeFramedArea(start, end VirtAddr) error {
	startVPN, endVPN := start.Floor(), end.Ceil()
	for i, a := range m.areas {
		if a.Start != startVPN || a.End != endVPN {
			continue
		}
		m.unmapArea(a)
		m.areas = append(m.areas[:i], m.areas[i+1:]...)
		return nil
	}
	return fmt.Errorf("[%#x, %#x): %w", uint64(start), uint64(end), ErrNotMapped)
}

// Translate looks up the entry for vpn.
func (m *MemorySet) Translate(vpn VirtPageNum) (PageTableEntry, bool) {
	pte, ok := m.pageTable[vpn]
	return pte, ok
}

// CopyOut writes data into user memory starting at va. Every touched page
// must be mapped and user accessible.
func (m *MemorySet) CopyOut(va VirtAddr, data []byte) error {
	for len(data) > 0 {
		page, err := m.userPage(va)
		if err != nil {
			return err
		}
		n := copy(page[va.PageOffset():], data)
		data = data[n:]
		va += VirtAddr(n)
	}
	return nil
}

// CopyIn reads n bytes of user memory starting at va. A count larger than
// the mapped user memory cannot be satisfied and fails with ErrFault.
func (m *MemorySet) CopyIn(va VirtAddr, n int) ([]byte, error) {
	if n < 0 || uint64(n) > m.MappedBytes() {
		return nil, fmt.Errorf("%#x: read %d bytes: %w", uint64(va), n, ErrFault)
	}
	var out []byte
	for len(out) < n {
		page, err := m.userPage(va)
		if err != nil {
			return nil, err
		}
		chunk := page[va.PageOffset():]
		if rest := n - len(out); len(chunk) > rest {
			chunk = chunk[:rest]
		}
		out = append(out, chunk...)
		va += VirtAddr(len(chunk))
	}
	return out, nil
}

func (m *MemorySet) userPage(va VirtAddr) (*[PageSize]byte, error) {
	pte, ok := m.pageTable[va.Floor()]
	if !ok || !pte.Valid() || !pte.Permission().Has(PermU) {
		return nil, fmt.Errorf("%#x: %w", uint64(va), ErrFault)
	}
	page := m.frames.Frame(pte.PPN())
	if page == nil {
		return nil, fmt.Errorf("%#x: frame missing: %w", uint64(va), ErrFault)
	}
	return page, nil
}

// Areas returns a copy of the mapped areas ordered by start page.
func (m *MemorySet) Areas() []MapArea {
	return append([]MapArea(nil), m.areas...)
}

// MappedBytes returns the number of bytes covered by framed areas.
func (m *MemorySet) MappedBytes() uint64 {
	var pages uint64
	for _, a := range m.areas {
		pages += a.Pages()
	}
	return pages * PageSize
}

// Recycle releases every frame owned by the address space, including the
// page-table root. The memory set must not be used afterwards.
func (m *MemorySet) Recycle() {
	for _, a := range m.areas {
		m.unmapArea(a)
	}
	m.areas = nil
	m.frames.Dealloc(m.root)
}

func (m *MemorySet) unmapArea(a MapArea) {
	for vpn := a.Start; vpn < a.End; vpn++ {
		if pte, ok := m.pageTable[vpn]; ok {
			m.frames.Dealloc(pte.PPN())
			delete(m.pageTable, vpn)
		}
	}
}
