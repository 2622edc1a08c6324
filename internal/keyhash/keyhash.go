// Package keyhash computes the stable 32-bit key hash used throughout the
// table to select a partition and, within a partition, a bucket.
//
// The teacher (arena-cache) hashes keys with hash/maphash purely as an
// opaque map index; here the hash is a first-class Entry field (spec.md
// §3's Entry.hash) that must be stable across the life of the process and
// cheap enough to recompute on every lookup, so we use xxhash instead —
// already present in this dependency closure via dgraph-io/badger — and
// fold its 64-bit digest down to 32 bits.
//
// © 2025 memkv authors. MIT License.
package keyhash

import "github.com/cespare/xxhash/v2"

// Sum32 returns the 32-bit hash of key.
func Sum32(key []byte) uint32 {
	h := xxhash.Sum64(key)
	return uint32(h) ^ uint32(h>>32)
}

// Sum32String is the string-keyed equivalent of Sum32, avoiding a copy.
func Sum32String(key string) uint32 {
	h := xxhash.Sum64String(key)
	return uint32(h) ^ uint32(h>>32)
}
