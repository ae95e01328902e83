package kernel

import (
	"github.com/willf/bitset"
)

// MaxDescriptor is where the descriptor counter saturates.
const MaxDescriptor = Descriptor(1) << 52

// Allocator issues element descriptors: monotonically increasing integers
// starting at 1, with a free list for released descriptors. A descriptor is
// never handed out twice while live.
type Allocator struct {
	next Descriptor
	free *bitset.BitSet
}

// NewAllocator returns an allocator whose first descriptor is 1.
func NewAllocator() *Allocator {
	return &Allocator{next: 1, free: bitset.New(64)}
}

// Alloc returns a descriptor not used by any live binding. Released
// descriptors are preferred, lowest first.
func (a *Allocator) Alloc() (Descriptor, error) {
	if i, ok := a.free.NextSet(0); ok {
		a.free.Clear(i)
		return Descriptor(i), nil
	}
	if a.next >= MaxDescriptor {
		return 0, ErrOutOfDescriptors
	}
	ed := a.next
	a.next++
	return ed, nil
}

// Release returns a descriptor to the free list. Releasing a descriptor that
// was never allocated, or twice, is a no-op the allocator tolerates.
func (a *Allocator) Release(ed Descriptor) {
	if ed == 0 || ed >= a.next {
		return
	}
	a.free.Set(uint(ed))
}

// Live reports whether ed is currently allocated.
func (a *Allocator) Live(ed Descriptor) bool {
	return ed != 0 && ed < a.next && !a.free.Test(uint(ed))
}
