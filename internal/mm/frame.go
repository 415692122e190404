package mm

import (
	"fmt"
	"slices"

	"github.com/me/stridek/internal/upsafe"
)

type frameState struct {
	current  PhysPageNum
	end      PhysPageNum
	recycled []PhysPageNum
	memory   map[PhysPageNum]*[PageSize]byte
}

// FrameAllocator hands out physical frames from a fixed pool, reusing
// recycled frames first. It is shared by every memory set of a kernel.
// Frame contents are materialised on allocation and zeroed.
type FrameAllocator struct {
	state *upsafe.Cell[frameState]
}

// NewFrameAllocator manages frames [base, base+count).
func NewFrameAllocator(base PhysPageNum, count uint64) *FrameAllocator {
	return &FrameAllocator{state: upsafe.New(frameState{
		current: base,
		end:     base + PhysPageNum(count),
		memory:  make(map[PhysPageNum]*[PageSize]byte),
	})}
}

// Alloc returns a free frame, or false when the pool is exhausted.
func (fa *FrameAllocator) Alloc() (PhysPageNum, bool) {
	st, release := fa.state.ExclusiveAccess()
	defer release()

	if n := len(st.recycled); n > 0 {
		ppn := st.recycled[n-1]
		st.recycled = st.recycled[:n-1]
		st.memory[ppn] = new([PageSize]byte)
		return ppn, true
	}
	if st.current == st.end {
		return 0, false
	}
	ppn := st.current
	st.current++
	st.memory[ppn] = new([PageSize]byte)
	return ppn, true
}

// Dealloc returns ppn to the pool. Freeing a frame that is not allocated is
// a kernel bug and panics.
func (fa *FrameAllocator) Dealloc(ppn PhysPageNum) {
	st, release := fa.state.ExclusiveAccess()
	defer release()

	if ppn >= st.current || slices.Contains(st.recycled, ppn) {
		panic(fmt.Sprintf("frame ppn=%#x has not been allocated", uint64(ppn)))
	}
	st.recycled = append(st.recycled, ppn)
	delete(st.memory, ppn)
}

// Frame returns the contents of an allocated frame, or nil.
func (fa *FrameAllocator) Frame(ppn PhysPageNum) *[PageSize]byte {
	return upsafe.Get(fa.state, func(st *frameState) *[PageSize]byte {
		return st.memory[ppn]
	})
}

// Free returns the number of frames that can still be allocated.
func (fa *FrameAllocator) Free() uint64 {
	return upsafe.Get(fa.state, func(st *frameState) uint64 {
		return uint64(st.end-st.current) + uint64(len(st.recycled))
	})
}
