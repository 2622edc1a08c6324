// Package partition implements the partitioned concurrent hash table core
// of spec.md §4.1 (components C2/C4): per-partition singly-linked hash
// chains sized by linear hashing, a clock-hand eviction sweep interleaved
// with lazy expiration, and incremental rehashing ("striding").
//
// A Partition owns its bucket array and entry pool outright; all mutation
// happens inside a synchronisation section obtained from the pluggable
// internal/dispatch discipline the partition was built with, so the same
// action code runs correctly whichever of the three strategies is chosen.
//
// © 2025 memkv authors. MIT License.
package partition

import (
	"bytes"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/voskan/memkv/internal/clock"
	"github.com/voskan/memkv/internal/dispatch"
	"github.com/voskan/memkv/internal/entrypool"
	"github.com/voskan/memkv/internal/epoch"
	"github.com/voskan/memkv/internal/metrics"
	"github.com/voskan/memkv/internal/valuearena"
)

// StrideWidth is the number of buckets one incremental stride promotes
// (spec.md §4.1's "STRIDE_WIDTH", e.g. 64).
const StrideWidth = 64

// defaultEvictBatch is the number of victims one Evict call collects
// absent an explicit request; spec.md §9 leaves the exact count open
// ("any value in [1, 64] satisfies the observable invariants").
const defaultEvictBatch = 32

// Config bundles the knobs a Partition needs at construction time.
type Config struct {
	Index         int // this partition's index within the table, 0..N-1
	PartBits      uint // log2(number of partitions); consumed from the low bits of the hash
	InitialBuckets int // power of two
	MaxBuckets    int // power of two ceiling
	EntryChunk    int
	MaxEntries    int // 0 = unbounded
	MaxVolume     int64
	Strategy      dispatch.Strategy
	Allocator     valuearena.Allocator
	Clock         *clock.Clock
	Epoch         *epoch.Manager
	WorkerID      int // worker slot assigned by the table; stored, not consulted (Do takes the caller's worker)
	Metrics       metrics.Sink
	Logger        *zap.Logger
}

// Partition is one shard of the table (spec.md §3's "Partition").
type Partition struct {
	index    int
	partBits uint

	dispatch dispatch.Dispatch
	pool     *entrypool.Pool
	alloc    valuearena.Allocator
	clk      *clock.Clock
	epochMgr *epoch.Manager
	workerID int
	metrics  metrics.Sink
	logger   *zap.Logger

	buckets    []*entrypool.Entry
	used       int
	maxBuckets int

	stamp      uint64
	flushStamp uint64
	clockHand  int

	liveCount int64
	volume    int64
	maxVolume int64

	evicting  atomic.Bool
	striding  atomic.Bool
	evictOnce singleflight.Group
	strideOnce singleflight.Group
}

// New constructs a Partition from cfg.
func New(cfg Config) *Partition {
	if cfg.InitialBuckets <= 0 {
		cfg.InitialBuckets = 16
	}
	if cfg.MaxBuckets <= 0 {
		cfg.MaxBuckets = 1 << 20
	}
	alloc := cfg.Allocator
	if alloc == nil {
		alloc = valuearena.New()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Partition{
		index:      cfg.Index,
		partBits:   cfg.PartBits,
		dispatch:   dispatch.New(cfg.Strategy),
		pool:       entrypool.New(cfg.EntryChunk, cfg.MaxEntries),
		alloc:      alloc,
		clk:        cfg.Clock,
		epochMgr:   cfg.Epoch,
		workerID:   cfg.WorkerID,
		metrics:    m,
		logger:     logger,
		buckets:    make([]*entrypool.Entry, cfg.InitialBuckets),
		used:       cfg.InitialBuckets,
		maxBuckets: cfg.MaxBuckets,
		maxVolume:  cfg.MaxVolume,
	}
	return p
}

// Close releases the partition's dispatch discipline (the delegation
// owner goroutine, if any).
func (p *Partition) Close() { p.dispatch.Close() }

// Index returns the partition's position within the table.
func (p *Partition) Index() int { return p.index }

// bucketIndex implements spec.md §4.1's linear-hashing index:
// "(hash >> part_bits) & (size - 1); if that index >= used, subtract
// size/2."
func (p *Partition) bucketIndex(hash uint32) int {
	size := len(p.buckets)
	idx := int((hash >> p.partBits)) & (size - 1)
	if idx >= p.used {
		idx -= size / 2
	}
	return idx
}

func keyEqual(a, b []byte) bool { return bytes.Equal(a, b) }

// Volume returns the current sum of entry_size across all live entries
// (spec.md §8's volume invariant).
func (p *Partition) Volume() int64 { return atomic.LoadInt64(&p.volume) }

// Entries returns the number of live entries reachable from bucket
// chains.
func (p *Partition) Entries() int64 { return atomic.LoadInt64(&p.liveCount) }

// BucketCount returns the current power-of-two bucket array length.
func (p *Partition) BucketCount() int { return len(p.buckets) }

// UsedBuckets returns how many of those buckets are currently populated
// (the linear-hashing split pointer). The stats command does not report
// it.
func (p *Partition) UsedBuckets() int { return p.used }

// PoolSlots returns the entry pool's committed/free slot counts.
func (p *Partition) PoolSlots() (committed, free int) { return p.pool.Len(), p.pool.Free() }

// afterMutate runs the post-mutation threshold checks of spec.md §4.1:
// an insert or grow-in-place that pushes volume or the entries-to-buckets
// ratio over threshold schedules an evict or stride task inline, on the
// same worker that observed the crossing. Both are guarded so at most one
// of each is outstanding per partition at a time; concurrent callers that
// observe the same crossing collapse onto the single outstanding task via
// singleflight, the same thundering-herd guard the teacher applies to
// GetOrLoad in pkg/loader.go.
func (p *Partition) afterMutate(worker int) {
	p.maybeScheduleEvict(worker)
	p.maybeScheduleStride(worker)
}

func (p *Partition) maybeScheduleEvict(worker int) {
	if p.maxVolume <= 0 || p.Volume() <= p.maxVolume {
		return
	}
	if !p.evicting.CompareAndSwap(false, true) {
		return
	}
	p.evictOnce.Do("evict", func() (any, error) {
		defer p.evicting.Store(false)
		p.doEvict(worker, defaultEvictBatch)
		return nil, nil
	})
}

func (p *Partition) maybeScheduleStride(worker int) {
	if p.used >= p.maxBuckets {
		return
	}
	if p.Entries() <= 2*int64(p.used) {
		return
	}
	if !p.striding.CompareAndSwap(false, true) {
		return
	}
	p.strideOnce.Do("stride", func() (any, error) {
		defer p.striding.Store(false)
		p.doStride(worker)
		return nil, nil
	})
}
