// Package valuearena is the external value allocator referenced by spec.md
// §1/§2 as component C3: "an external arena that hands out variable-sized
// byte regions for key+value payloads". Per spec.md §1 this collaborator is
// out of scope beyond the operations the core invokes on it, so the
// default implementation here is deliberately thin — one plain heap
// allocation per region, reclaimed by the Go garbage collector once the owning
// Entry drops its reference, the same trade the teacher's own arena.go
// makes explicit in its disclaimer (objects must not escape past Free()).
//
// Implementations wanting true off-heap allocation can build with
// goexperiment.arenas (see arena_experimental.go), which mirrors this
// package's Allocator interface on top of Go's experimental arena package,
// adapted from the teacher's internal/arena wrapper.
//
// © 2025 memkv authors. MIT License.
package valuearena

// Allocator hands out byte regions for an Entry's key+value payload and
// reclaims them when the entry is freed by the epoch reclamation scheme
// (spec.md §4.4: "Freeing an entry means: release the value region to C3,
// then push the slot onto its partition's free list").
type Allocator interface {
	// AllocRegion returns a region containing key immediately followed by
	// value, per spec.md §3's Entry.Data layout. The returned slice is
	// owned by the allocator; Release must eventually be called with it.
	AllocRegion(key, value []byte) []byte
	// Release returns a region to the allocator. The default allocator
	// treats this as a no-op hint (the region becomes unreachable and the
	// Go GC reclaims it); a true arena-backed allocator would return the
	// pages.
	Release(region []byte)
}

// heapAllocator is the default Allocator: a straightforward heap
// allocation per region. It exists so that memkv runs on stock Go without
// any build tags, while still satisfying the C3 contract exactly.
type heapAllocator struct{}

// New constructs the default heap-backed Allocator.
func New() Allocator { return heapAllocator{} }

func (heapAllocator) AllocRegion(key, value []byte) []byte {
	region := make([]byte, len(key)+len(value))
	n := copy(region, key)
	copy(region[n:], value)
	return region
}

func (heapAllocator) Release([]byte) {
	// Nothing to do: the region becomes garbage once the Entry holding it
	// is unreachable. See arena_experimental.go for a build that instead
	// hands pages back to an off-heap arena.
}
