//go:build goexperiment.arenas

// Package valuearena, experimental build: wraps Go's experimental `arena`
// package the same way the teacher's internal/arena does, adapted from a
// generic value pool to this package's key+value region contract.
//
// Regions are allocated out of one current arena; after regionsPerArena
// regions a fresh arena becomes current and the old one is dropped. Release
// does nothing, and no arena is ever freed explicitly, so a region's memory
// is not handed back when its entry is reclaimed.
//
// © 2025 memkv authors. MIT License.
package valuearena

import (
	"arena"
	"sync"
)

const regionsPerArena = 4096

type arenaSlot struct {
	ar   arena.Arena
	live int
}

// experimentalAllocator hands out regions from the current experimental
// arena, starting a new one after regionsPerArena allocations.
type experimentalAllocator struct {
	mu      sync.Mutex
	current *arenaSlot
}

// NewExperimental constructs an Allocator backed by Go's experimental
// arena package. Only usable when built with GOEXPERIMENT=arenas.
func NewExperimental() Allocator { return &experimentalAllocator{} }

func (a *experimentalAllocator) AllocRegion(key, value []byte) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == nil || a.current.live >= regionsPerArena {
		a.current = &arenaSlot{}
	}
	slot := a.current
	n := len(key) + len(value)
	region := arena.MakeSlice[byte](&slot.ar, n, n)
	copy(region, key)
	copy(region[len(key):], value)
	slot.live++
	return region
}

func (a *experimentalAllocator) Release(region []byte) {
	// The experimental arena API has no fine-grained free, and this
	// allocator never calls Free on a rotated-out arena, so Release is a
	// no-op. This allocator is an opt-in build of the off-heap path, not the
	// default.
}
