// Package action defines the pure-data description of one table mutation
// (spec.md §4.2, component C5): the set of lookup/insert/update/upsert/
// concat/delta/delete/stride/evict/flush operations that each run under a
// partition's chosen synchronisation discipline (internal/dispatch).
//
// An Action carries its key view and hash up front — so partition and
// bucket selection is a cheap mask, computed once by the caller — and
// accumulates results as the partition method that executes it runs.
// internal/partition owns the actual bucket-walk logic; this package only
// owns the request/response shape, mirroring how the teacher's Cache.Put
// builds a small value-only payload and hands it to shard methods that do
// the real work.
//
// © 2025 memkv authors. MIT License.
package action

import "github.com/voskan/memkv/internal/entrypool"

// Kind identifies which table mutation an Action requests.
type Kind uint8

const (
	Lookup Kind = iota
	Delete
	Create
	Resize
	Cancel
	Insert
	Update
	Upsert
	Alter
	Stride
	Evict
	Flush
)

// Alteration distinguishes the two append/prepend (and incr/decr, which the
// executor expresses as a full-value replacement) flavours of Alter.
type Alteration uint8

const (
	Append Alteration = iota
	Prepend
	Replace // incr/decr: whole-value replacement under CAS
)

// Action is the value describing one table operation.
type Action struct {
	Kind Kind

	// Selection — filled in by the caller before dispatch.
	Key  []byte
	Hash uint32

	// Storage payload for Create/Insert/Update/Upsert/Alter.
	Flags    uint32
	ExpTime  uint32
	Value    []byte
	ValueLen int

	// CAS token consulted by Update (when nonzero-gated by CheckStamp) and
	// Alter's retry loop.
	CheckStamp bool
	Stamp      uint64

	Alteration Alteration

	// EvictMax bounds the number of victims one Evict call collects
	// (spec.md §4.1: "at most one full sweep, whichever comes first").
	EvictMax int

	// FlushAt, if nonzero, sets flush_stamp directly; zero means "flush
	// now". The executor's flush_all always leaves it zero.
	FlushAt uint64

	// --- results, filled in by the partition method that executes the action ---

	Found      bool
	OldEntry   *entrypool.Entry
	NewEntry   *entrypool.Entry
	ResultStamp uint64
	Victims    []*entrypool.Entry

	// StampMismatch is set by Update/Alter when CheckStamp was requested
	// and the entry's current Stamp didn't match — the CAS-conflict case
	// the executor reports as "EXISTS" rather than "NOT_FOUND".
	StampMismatch bool
}
