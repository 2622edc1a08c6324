package partition

import (
	"sync/atomic"

	"github.com/voskan/memkv/internal/action"
	"github.com/voskan/memkv/internal/clock"
	"github.com/voskan/memkv/internal/entrypool"
)

// pendingFree is what gets retired with internal/epoch: enough context
// for the free callback (registered once, table-wide) to return an
// entry's value region and pool slot to the partition that owns them.
type pendingFree struct {
	part  *Partition
	entry *entrypool.Entry
}

// Reclaim is the epoch.FreeFunc the table installs once at construction;
// it is the only place entrypool.Pool.Release and valuearena.Release are
// called, always outside any dispatch section (spec.md §4.4: "Freeing an
// entry means: release the value region to C3, then push the slot onto
// its partition's free list").
func Reclaim(item any) {
	pf := item.(*pendingFree)
	p, e := pf.part, pf.entry
	region := e.Data
	p.dispatch.WithFreelist(func() {
		p.pool.Release(e)
	})
	p.alloc.Release(region)
}

// Do executes act against the partition under worker's epoch slot. worker
// identifies the calling event-loop worker for internal/epoch bookkeeping
// and for maybeScheduleEvict/Stride's inline follow-up work.
func (p *Partition) Do(worker int, act *action.Action) {
	switch act.Kind {
	case action.Lookup:
		p.doLookup(worker, act)
	case action.Delete:
		p.doDelete(worker, act)
	case action.Create, action.Insert:
		p.doInsertIfAbsent(worker, act)
	case action.Update:
		p.doUpdate(worker, act)
	case action.Upsert:
		p.doUpsert(worker, act)
	case action.Alter:
		p.doAlter(worker, act)
	case action.Stride:
		p.doStride(worker)
	case action.Resize:
		p.doStride(worker)
	case action.Cancel:
		p.evicting.Store(false)
		p.striding.Store(false)
	case action.Evict:
		max := act.EvictMax
		if max <= 0 {
			max = defaultEvictBatch
		}
		act.Victims = p.doEvict(worker, max)
	case action.Flush:
		p.doFlush(act)
	}
}

// ReleaseRef drops the reference a successful Lookup took on an entry.
// Callers (internal/executor) must call this exactly once after they are
// done reading an OldEntry's bytes, or the entry can never be reclaimed
// (entrypool.Pool.Release panics on a nonzero RefCount by design).
func (p *Partition) ReleaseRef(e *entrypool.Entry) {
	atomic.AddInt32(&e.RefCount, -1)
}

// unlink splices cur out of the chain rooted at buckets[idx], given its
// immediate predecessor (nil if cur is the chain head), and updates the
// partition's live accounting. The caller still holds cur and is
// responsible for retiring it.
func (p *Partition) unlink(idx int, prev, cur *entrypool.Entry) {
	next := cur.Next()
	if prev == nil {
		p.buckets[idx] = next
	} else {
		prev.SetNext(next)
	}
	cur.SetNext(nil)
	atomic.AddInt64(&p.liveCount, -1)
	atomic.AddInt64(&p.volume, -entrypool.EntrySize(cur))
}

// unlinkByRef locates e's bucket from its stored hash and splices it out,
// used by the clock-hand sweep which walks the entry pool rather than a
// single bucket chain.
func (p *Partition) unlinkByRef(e *entrypool.Entry) {
	idx := p.bucketIndex(e.Hash)
	var prev *entrypool.Entry
	cur := p.buckets[idx]
	for cur != nil {
		if cur == e {
			p.unlink(idx, prev, cur)
			return
		}
		prev = cur
		cur = cur.Next()
	}
}

// retireAll hands unlinked entries to internal/epoch so they are freed
// only once every worker has observed an epoch past their unlink
// (spec.md §4.4). A no-op when list is empty, which is the common case.
func (p *Partition) retireAll(worker int, list []*entrypool.Entry) {
	if len(list) == 0 {
		return
	}
	p.epochMgr.Enter(worker)
	for _, e := range list {
		p.epochMgr.Retire(worker, &pendingFree{part: p, entry: e})
	}
	p.epochMgr.Advance(worker)
	p.epochMgr.Exit(worker)
}

// allocEntry allocates a pool slot and an arena region for key+value and
// populates the entry's metadata. Returns nil if the pool is at capacity
// with no free slots — callers then leave act.NewEntry nil, which the
// executor answers with an out-of-memory server error.
func (p *Partition) allocEntry(hash uint32, key, value []byte, flags, expTime uint32, stamp uint64) *entrypool.Entry {
	e := p.pool.Alloc()
	if e == nil {
		return nil
	}
	e.Hash = hash
	e.KeyLen = uint16(len(key))
	e.ValueLen = uint32(len(value))
	e.Data = p.alloc.AllocRegion(key, value)
	e.Flags = flags
	e.ExpTime = expTime
	e.Stamp = stamp
	e.State = entrypool.UsedMin
	return e
}

func (p *Partition) nextStamp() uint64 { return atomic.AddUint64(&p.stamp, 1) }

// doLookup implements spec.md §4.1's lookup action: walk the target
// bucket, reaping any lazily-discovered expired entries along the way,
// and take a reference on a live match so the caller can read its bytes
// without racing a concurrent free (internal/epoch only ever frees an
// entry once its last reference is gone and every worker has advanced).
func (p *Partition) doLookup(worker int, act *action.Action) {
	var expired []*entrypool.Entry
	p.dispatch.WithLookup(func() {
		idx := p.bucketIndex(act.Hash)
		now := p.clk.NowSeconds()
		var prev *entrypool.Entry
		cur := p.buckets[idx]
		for cur != nil {
			next := cur.Next()
			if clock.Expired(cur.ExpTime, now, cur.Stamp, p.flushStamp) {
				p.unlink(idx, prev, cur)
				expired = append(expired, cur)
				cur = next
				continue
			}
			if cur.Hash == act.Hash && keyEqual(cur.Key(), act.Key) {
				cur.Bump()
				atomic.AddInt32(&cur.RefCount, 1)
				act.Found = true
				act.OldEntry = cur
				act.ResultStamp = cur.Stamp
				return
			}
			prev = cur
			cur = next
		}
	})
	p.retireAll(worker, expired)
	if act.Found {
		p.metrics.IncHit(p.index)
	} else {
		p.metrics.IncMiss(p.index)
	}
}

// doDelete unlinks a live match (optionally CAS-gated by act.CheckStamp)
// in addition to reaping expired entries encountered along the way.
func (p *Partition) doDelete(worker int, act *action.Action) {
	var retire []*entrypool.Entry
	p.dispatch.WithLookup(func() {
		idx := p.bucketIndex(act.Hash)
		now := p.clk.NowSeconds()
		var prev *entrypool.Entry
		cur := p.buckets[idx]
		for cur != nil {
			next := cur.Next()
			if clock.Expired(cur.ExpTime, now, cur.Stamp, p.flushStamp) {
				p.unlink(idx, prev, cur)
				retire = append(retire, cur)
				cur = next
				continue
			}
			if cur.Hash == act.Hash && keyEqual(cur.Key(), act.Key) {
				if act.CheckStamp && cur.Stamp != act.Stamp {
					act.Found = true
					act.StampMismatch = true
					return
				}
				p.unlink(idx, prev, cur)
				retire = append(retire, cur)
				act.Found = true
				return
			}
			prev = cur
			cur = next
		}
	})
	p.retireAll(worker, retire)
}

// doInsertIfAbsent implements "add": fails (Found=true, nothing changed)
// if a live entry for the key already exists, otherwise allocates and
// links a new one. Shared by action.Insert (what the executor issues for
// the add command) and action.Create; the partition layer treats the two
// alike.
func (p *Partition) doInsertIfAbsent(worker int, act *action.Action) {
	var retire []*entrypool.Entry
	grew := false
	p.dispatch.WithLookup(func() {
		idx := p.bucketIndex(act.Hash)
		now := p.clk.NowSeconds()
		var prev *entrypool.Entry
		cur := p.buckets[idx]
		for cur != nil {
			next := cur.Next()
			if clock.Expired(cur.ExpTime, now, cur.Stamp, p.flushStamp) {
				p.unlink(idx, prev, cur)
				retire = append(retire, cur)
				cur = next
				continue
			}
			if cur.Hash == act.Hash && keyEqual(cur.Key(), act.Key) {
				act.Found = true
				return
			}
			prev = cur
			cur = next
		}
		stamp := p.nextStamp()
		e := p.allocEntry(act.Hash, act.Key, act.Value, act.Flags, act.ExpTime, stamp)
		if e == nil {
			return // pool exhausted; executor replies with a server error
		}
		e.SetNext(p.buckets[idx])
		p.buckets[idx] = e
		atomic.AddInt64(&p.liveCount, 1)
		atomic.AddInt64(&p.volume, entrypool.EntrySize(e))
		act.NewEntry = e
		act.ResultStamp = stamp
		grew = true
	})
	p.retireAll(worker, retire)
	if grew {
		p.afterMutate(worker)
	}
}

// doUpdate implements "replace"/"cas": fails if absent; otherwise
// allocates a fresh entry for the new value (act.Value may be a different
// size than the old one), splices it into the same chain position, and
// retires the old entry. CheckStamp gates the whole operation on the
// caller having observed the entry's current Stamp.
func (p *Partition) doUpdate(worker int, act *action.Action) {
	var retire []*entrypool.Entry
	grew := false
	p.dispatch.WithLookup(func() {
		idx := p.bucketIndex(act.Hash)
		now := p.clk.NowSeconds()
		var prev *entrypool.Entry
		cur := p.buckets[idx]
		for cur != nil {
			next := cur.Next()
			if clock.Expired(cur.ExpTime, now, cur.Stamp, p.flushStamp) {
				p.unlink(idx, prev, cur)
				retire = append(retire, cur)
				cur = next
				continue
			}
			if cur.Hash == act.Hash && keyEqual(cur.Key(), act.Key) {
				if act.CheckStamp && cur.Stamp != act.Stamp {
					act.Found = true
					act.StampMismatch = true
					return
				}
				stamp := p.nextStamp()
				ne := p.allocEntry(act.Hash, act.Key, act.Value, act.Flags, act.ExpTime, stamp)
				if ne == nil {
					act.Found = true
					return
				}
				ne.SetNext(next)
				if prev == nil {
					p.buckets[idx] = ne
				} else {
					prev.SetNext(ne)
				}
				atomic.AddInt64(&p.volume, entrypool.EntrySize(ne)-entrypool.EntrySize(cur))
				cur.SetNext(nil)
				retire = append(retire, cur)
				act.Found = true
				act.NewEntry = ne
				act.ResultStamp = stamp
				grew = true
				return
			}
			prev = cur
			cur = next
		}
		act.Found = false
	})
	p.retireAll(worker, retire)
	if grew {
		p.afterMutate(worker)
	}
}

// doUpsert implements "set": replace in place if present, else insert,
// always succeeding short of pool exhaustion.
func (p *Partition) doUpsert(worker int, act *action.Action) {
	var retire []*entrypool.Entry
	grew := false
	p.dispatch.WithLookup(func() {
		idx := p.bucketIndex(act.Hash)
		now := p.clk.NowSeconds()
		var prev *entrypool.Entry
		cur := p.buckets[idx]
		for cur != nil {
			next := cur.Next()
			if clock.Expired(cur.ExpTime, now, cur.Stamp, p.flushStamp) {
				p.unlink(idx, prev, cur)
				retire = append(retire, cur)
				cur = next
				continue
			}
			if cur.Hash == act.Hash && keyEqual(cur.Key(), act.Key) {
				stamp := p.nextStamp()
				ne := p.allocEntry(act.Hash, act.Key, act.Value, act.Flags, act.ExpTime, stamp)
				if ne == nil {
					return
				}
				ne.SetNext(next)
				if prev == nil {
					p.buckets[idx] = ne
				} else {
					prev.SetNext(ne)
				}
				atomic.AddInt64(&p.volume, entrypool.EntrySize(ne)-entrypool.EntrySize(cur))
				cur.SetNext(nil)
				retire = append(retire, cur)
				act.Found = true
				act.NewEntry = ne
				act.ResultStamp = stamp
				return
			}
			prev = cur
			cur = next
		}
		stamp := p.nextStamp()
		e := p.allocEntry(act.Hash, act.Key, act.Value, act.Flags, act.ExpTime, stamp)
		if e == nil {
			return
		}
		e.SetNext(p.buckets[idx])
		p.buckets[idx] = e
		atomic.AddInt64(&p.liveCount, 1)
		atomic.AddInt64(&p.volume, entrypool.EntrySize(e))
		act.NewEntry = e
		act.ResultStamp = stamp
		grew = true
	})
	p.retireAll(worker, retire)
	if grew {
		p.afterMutate(worker)
	}
}

// doAlter implements append/prepend/incr/decr: act.Value already holds
// the fully-built replacement value (the executor concatenates or
// arithmetic-folds before calling in, mirroring the teacher's philosophy
// of keeping partition methods free of protocol-level concerns). The
// operation is CAS-gated on act.Stamp exactly like Update so the
// executor's retry loop (re-lookup, rebuild, re-alter) observes a clean
// compare-and-swap instead of silently clobbering a concurrent writer.
func (p *Partition) doAlter(worker int, act *action.Action) {
	p.doUpdate(worker, act)
}

// doStride performs one incremental rehash step: spec.md §4.1's
// STRIDE_WIDTH buckets are split, growing the bucket array first if the
// partition has just reached its current capacity.
func (p *Partition) doStride(worker int) {
	_ = worker
	p.dispatch.WithLookup(func() {
		oldUsed := p.used
		if oldUsed >= p.maxBuckets {
			return
		}
		if oldUsed == len(p.buckets) {
			newSize := len(p.buckets) * 2
			if newSize > p.maxBuckets {
				newSize = p.maxBuckets
			}
			grown := make([]*entrypool.Entry, newSize)
			copy(grown, p.buckets)
			p.buckets = grown
		}
		width := StrideWidth
		if oldUsed+width > len(p.buckets) {
			width = len(p.buckets) - oldUsed
		}
		if width <= 0 {
			return
		}
		half := len(p.buckets) / 2
		for i := 0; i < width; i++ {
			source := oldUsed - half + i
			p.splitBucket(source, oldUsed+i)
		}
		p.used = oldUsed + width
	})
	p.metrics.IncStride(p.index)
}

// splitBucket redistributes the chain at buckets[source] between
// buckets[source] and buckets[target] by re-masking each entry's hash
// against the (already enlarged) current bucket count — the classic
// linear-hashing split, applied without locking since the caller already
// holds the lookup section.
func (p *Partition) splitBucket(source, target int) {
	size := len(p.buckets)
	var stayHead, stayTail, moveHead, moveTail *entrypool.Entry
	cur := p.buckets[source]
	for cur != nil {
		next := cur.Next()
		cur.SetNext(nil)
		idx := int(cur.Hash>>p.partBits) & (size - 1)
		if idx == target {
			if moveTail == nil {
				moveHead = cur
			} else {
				moveTail.SetNext(cur)
			}
			moveTail = cur
		} else {
			if stayTail == nil {
				stayHead = cur
			} else {
				stayTail.SetNext(cur)
			}
			stayTail = cur
		}
		cur = next
	}
	p.buckets[source] = stayHead
	p.buckets[target] = moveHead
}

// doEvict walks the entry pool from the clock hand, decaying warm entries
// and reclaiming cold or lazily-discovered-expired ones, up to maxVictims
// or one full lap of the pool, whichever comes first (spec.md §4.1's
// two-handed clock sweep combined with piggy-backed expiration).
func (p *Partition) doEvict(worker int, maxVictims int) []*entrypool.Entry {
	var victims []*entrypool.Entry
	p.dispatch.WithLookup(func() {
		total := p.pool.Len()
		if total == 0 {
			return
		}
		now := p.clk.NowSeconds()
		for steps := 0; len(victims) < maxVictims && steps < total; steps++ {
			e := p.pool.At(p.clockHand)
			p.clockHand = (p.clockHand + 1) % total
			if e.State < entrypool.UsedMin || e.State > entrypool.UsedMax {
				continue // free or not-yet-published slot
			}
			if clock.Expired(e.ExpTime, now, e.Stamp, p.flushStamp) {
				p.unlinkByRef(e)
				victims = append(victims, e)
				continue
			}
			if e.State > entrypool.UsedMin {
				e.Decay()
				continue
			}
			p.unlinkByRef(e)
			victims = append(victims, e)
		}
	})
	p.retireAll(worker, victims)
	for range victims {
		p.metrics.IncEvict(p.index)
	}
	return victims
}

// doFlush implements flush_all: every entry written before this call
// becomes invisible to future lookups without an immediate sweep, purely
// by bumping flush_stamp past every existing entry's Stamp (spec.md
// §4.1's lazy-expiration clause: an entry whose Stamp is below
// flush_stamp counts as expired). A nonzero act.FlushAt is stored as
// flush_stamp instead; the executor's flush_all never sets it.
func (p *Partition) doFlush(act *action.Action) {
	p.dispatch.WithLookup(func() {
		if act.FlushAt != 0 {
			p.flushStamp = act.FlushAt
			return
		}
		p.flushStamp = p.nextStamp()
	})
}
