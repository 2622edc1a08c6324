// Package dispatch implements the three interchangeable synchronisation
// disciplines of spec.md §4.3 (component C6) that let many event-loop
// workers read and mutate a partition's shared state. The action contract
// is identical across all three — internal/partition's action methods are
// written once against the Dispatch interface, per spec.md §9's "capture
// the dispatch discipline as a trait/interface... The action functions are
// written once against that trait; concrete implementations provide
// locking, delegation, or combining."
//
// © 2025 memkv authors. MIT License.
package dispatch

// Dispatch is the pluggable synchronisation discipline a Partition binds
// to at construction time (spec.md §4.3: "selects exactly one of three...
// at build time").
//
// WithLookup runs fn with exclusive rights to walk and mutate bucket
// chains (spec.md §4.3a: "Lookups acquire lookup_lock in write mode for
// simplicity — bucket chains are singly linked and not traversed by
// writers concurrently").
//
// WithFreelist runs fn with exclusive rights to the partition's entry
// free list, a narrower critical section than WithLookup so that
// reclamation (internal/epoch) does not serialise behind bucket walks any
// more than necessary.
type Dispatch interface {
	WithLookup(fn func()) error
	WithFreelist(fn func()) error
	// Close releases any goroutines/resources the discipline owns
	// (delegation's owner goroutine; locking and combining own none, and
	// their Close does nothing).
	Close()
}

// Strategy names the three disciplines spec.md §4.3 offers, used by the
// table-level configuration option to pick one per partition.
type Strategy uint8

const (
	// Locking is mandatory per spec.md §4.3 ("Implementations MUST
	// provide (a)") and is the default.
	Locking Strategy = iota
	// Delegation binds a partition to exactly one owner goroutine.
	Delegation
	// Combining runs a flat-combining queue with handoff.
	Combining
)

func (s Strategy) String() string {
	switch s {
	case Locking:
		return "locking"
	case Delegation:
		return "delegation"
	case Combining:
		return "combining"
	default:
		return "unknown"
	}
}

// New constructs the Dispatch implementation for the requested strategy.
func New(s Strategy) Dispatch {
	switch s {
	case Delegation:
		return newDelegationDispatch()
	case Combining:
		return newCombiningDispatch()
	default:
		return newLockingDispatch()
	}
}
