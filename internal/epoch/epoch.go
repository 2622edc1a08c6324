// Package epoch implements the two-epoch reclamation scheme of spec.md
// §4.4 (component C7): a global epoch counter plus per-worker observed
// epoch and two deferred-free stacks, so that a reader holding an Entry
// pointer returned by a lookup under dispatch strategies (a) and (c) never
// observes a freed entry, even though it holds no lock on the entry
// itself.
//
// The protocol mirrors spec.md §4.4 step for step; the only design freedom
// taken is representing "per-worker state" as a fixed-size slice indexed
// by worker id rather than a sync.Map, since the worker count is fixed at
// table-construction time (spec.md §5's "exactly one event-loop worker per
// CPU").
//
// © 2025 memkv authors. MIT License.
package epoch

import "sync/atomic"

// Reclaimable is anything a worker can retire and later free. It is an
// alias for any, so a plain func(any) can serve as a FreeFunc, and
// internal/partition can retire its own *pendingFree records without this
// package importing it.
type Reclaimable = any

// FreeFunc releases a retired item: value region back to C3, slot back to
// the owning partition's free list (spec.md §4.4's "Freeing an entry
// means...").
type FreeFunc func(Reclaimable)

type workerState struct {
	active        atomic.Bool
	observedEpoch atomic.Uint32
	retire        [2][]Reclaimable
}

// Manager coordinates the global epoch and every worker's observed epoch
// and retire lists.
type Manager struct {
	epoch   atomic.Uint32
	workers []workerState
	free    FreeFunc
}

// NewManager constructs a Manager for the given fixed number of workers.
// free is invoked (outside any partition lock) once a retired item's epoch
// is at least two generations behind the current global epoch.
func NewManager(numWorkers int, free FreeFunc) *Manager {
	return &Manager{
		workers: make([]workerState, numWorkers),
		free:    free,
	}
}

// Enter marks worker as active and publishes its observed epoch with
// release semantics (step 1 of spec.md §4.4's protocol). Call this before
// a worker begins a batch of actions that may take references.
func (m *Manager) Enter(worker int) {
	w := &m.workers[worker]
	w.active.Store(true)
	w.observedEpoch.Store(m.epoch.Load())
}

// Retire pushes an unlinked item onto worker's current-epoch retire list
// (step 2). Called by delete/update/upsert/evict after unlinking an entry
// from its bucket chain but before it is safe to actually free.
func (m *Manager) Retire(worker int, item Reclaimable) {
	w := &m.workers[worker]
	slot := w.observedEpoch.Load() & 1
	w.retire[slot] = append(w.retire[slot], item)
}

// Advance implements step 3: if the global epoch is exactly one ahead of
// worker's observed epoch, everything retired at least one epoch ago is
// freed, the worker's observed epoch is bumped, and — if every worker has
// now caught up — the global epoch itself advances.
func (m *Manager) Advance(worker int) {
	w := &m.workers[worker]

	// Nudge the global epoch first, unconditionally. At bootstrap every
	// worker's observed epoch equals the global epoch (both start at 0),
	// so the per-worker "global is exactly one ahead" gate below can
	// never fire on its own — nothing would ever free. Attempting the
	// advance up front is what lets the table leave epoch 0 the first
	// time every active worker has called Enter at least once.
	m.tryAdvanceGlobal(m.epoch.Load())

	observed := w.observedEpoch.Load()
	global := m.epoch.Load()
	if global == observed+1 {
		slot := global & 1
		for _, item := range w.retire[slot] {
			m.free(item)
		}
		w.retire[slot] = w.retire[slot][:0]
		w.observedEpoch.Store(global)
	}
}

// tryAdvanceGlobal bumps the global epoch once every active worker has
// observed at least `global`.
func (m *Manager) tryAdvanceGlobal(global uint32) {
	for i := range m.workers {
		w := &m.workers[i]
		if w.active.Load() && w.observedEpoch.Load() < global {
			return
		}
	}
	m.epoch.CompareAndSwap(global, global+1)
}

// Exit marks worker as quiescent (step 4) once its retire lists are empty
// and it holds no outstanding references.
func (m *Manager) Exit(worker int) {
	w := &m.workers[worker]
	if len(w.retire[0]) == 0 && len(w.retire[1]) == 0 {
		w.active.Store(false)
	}
}

// GlobalEpoch returns the current global epoch, loaded with acquire
// semantics. Exposed for tests and diagnostics.
func (m *Manager) GlobalEpoch() uint32 { return m.epoch.Load() }
