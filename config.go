// Package memkv wires the partitioned concurrent hash table of spec.md
// §§3-5 (internal/entrypool, internal/partition, internal/action,
// internal/dispatch, internal/epoch, internal/clock) and the connection
// pipeline of spec.md §4.6-4.7 (internal/conn, internal/executor) into a
// Table and a Server, the way the teacher's pkg/cache.go wires
// shard/clockpro/genring into Cache[K,V].
//
// © 2025 memkv authors. MIT License.
package memkv

import (
	"errors"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/voskan/memkv/internal/dispatch"
)

// Option configures a Table at construction time, mirroring the
// teacher's Option[K,V] functional-option shape (pkg/config.go) without
// the generic type parameters — memkv's wire protocol fixes both the key
// and value domain to byte strings (documented in DESIGN.md).
type Option func(*config)

// config bundles every knob spec.md §6 enumerates plus the ambient
// logging/metrics options SPEC_FULL.md §2 adds. All fields are immutable
// once a Table is constructed.
type config struct {
	addr string
	port uint16

	volume      int64
	nparts      uint16
	affinity    []int
	rxChunkSize int
	txChunkSize int
	batchSize   uint32

	strategy dispatch.Strategy
	workers  int

	registry *prometheus.Registry
	logger   *zap.Logger
	version  string
}

func defaultConfig() *config {
	return &config{
		addr:        "127.0.0.1",
		port:        11211,
		volume:      64 << 20, // 64 MiB, spec.md §6 default
		nparts:      16,
		rxChunkSize: 2000,
		txChunkSize: 4096,
		batchSize:   32,
		strategy:    dispatch.Locking,
		workers:     runtime.NumCPU(),
		logger:      zap.NewNop(),
		version:     "1.0.0",
	}
}

// WithAddr sets the listen address (spec.md §6 default "127.0.0.1").
func WithAddr(addr string) Option {
	return func(c *config) {
		if addr != "" {
			c.addr = addr
		}
	}
}

// WithPort sets the listen port (spec.md §6 default 11211).
func WithPort(port uint16) Option {
	return func(c *config) { c.port = port }
}

// WithVolume sets the total byte cap split evenly across partitions
// (spec.md §6: "volume: bytes total cap across partitions").
func WithVolume(bytes int64) Option {
	return func(c *config) { c.volume = bytes }
}

// WithPartitions sets the partition count; a non-power-of-two is rounded
// up (spec.md §6: "nparts: u16 — number of partitions (power of two; if
// not, rounded up)").
func WithPartitions(n uint16) Option {
	return func(c *config) { c.nparts = n }
}

// WithAffinity assigns worker affinity[i] (modulo the worker count) as
// partition i's WorkerID, under every dispatch strategy, when
// len(affinity) equals the (post-rounding) partition count; otherwise
// partition i gets worker i modulo the worker count (under the delegation
// strategy a non-empty, mismatched affinity is rejected). Partitions store
// this value but do not consult it: operations run on the calling worker.
func WithAffinity(affinity []int) Option {
	return func(c *config) { c.affinity = affinity }
}

// WithChunkSizes sets the per-connection read/write buffer granularity
// (spec.md §6's rx_chunk_size/tx_chunk_size); rx is floored at 2000
// bytes regardless of the value passed.
func WithChunkSizes(rx, tx int) Option {
	return func(c *config) {
		c.rxChunkSize = rx
		c.txChunkSize = tx
	}
}

// WithBatchSize sets the max commands parsed per reader turn (spec.md
// §6's batch_size).
func WithBatchSize(n uint32) Option {
	return func(c *config) { c.batchSize = n }
}

// WithWorkers overrides the event-loop worker count (default
// runtime.NumCPU(), spec.md §5: "exactly one event-loop worker per
// CPU").
func WithWorkers(n int) Option {
	return func(c *config) { c.workers = n }
}

// WithDispatchStrategy selects one of internal/dispatch's three
// synchronisation disciplines (spec.md §4.3: "selects exactly one... at
// build time" — REDESIGN FLAGS enforces this as a construction-time-only
// Option, never runtime-switchable).
func WithDispatchStrategy(s dispatch.Strategy) Option {
	return func(c *config) { c.strategy = s }
}

// WithMetrics enables Prometheus metrics collection. Passing nil (the
// default) disables metrics; the hot path pays nothing for updates.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

// WithLogger plugs an external zap.Logger. The table never logs on the
// hot path (lookup/insert/cas); the only message memkv itself writes is
// the listener's start-up line. Partition growth, stride/evict and
// connection protocol errors are not logged.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithVersion overrides the string the "version" command reports
// (spec.md §4.6; SPEC_FULL.md §8 wires this to a build-time value, the
// same pattern as the teacher's cmd/arena-cache-inspect -ldflags).
func WithVersion(v string) Option {
	return func(c *config) {
		if v != "" {
			c.version = v
		}
	}
}

var (
	errInvalidVolume     = errors.New("memkv: volume must be > 0")
	errInvalidPartitions = errors.New("memkv: nparts must be > 0")
	errInvalidWorkers    = errors.New("memkv: workers must be > 0")
	errInvalidAffinity   = errors.New("memkv: affinity must name exactly one worker per partition")
)

// applyOptions copies user-supplied options into cfg and validates
// invariants, exactly as the teacher's applyOptions does for
// config[K,V] (pkg/config.go).
func applyOptions(cfg *config, opts []Option) error {
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.volume <= 0 {
		return errInvalidVolume
	}
	if cfg.nparts == 0 {
		return errInvalidPartitions
	}
	cfg.nparts = nextPow2U16(cfg.nparts)
	if cfg.workers <= 0 {
		return errInvalidWorkers
	}
	if cfg.strategy == dispatch.Delegation && len(cfg.affinity) > 0 && len(cfg.affinity) != int(cfg.nparts) {
		return errInvalidAffinity
	}
	if cfg.rxChunkSize < 2000 {
		cfg.rxChunkSize = 2000
	}
	if cfg.txChunkSize <= 0 {
		cfg.txChunkSize = 4096
	}
	if cfg.batchSize == 0 {
		cfg.batchSize = 32
	}
	return nil
}

func nextPow2U16(n uint16) uint16 {
	p := uint16(1)
	for p < n {
		p <<= 1
	}
	return p
}

// log2PowerOfTwo returns log2(n) for a power-of-two n, used to derive
// Partition.PartBits (spec.md §3: "hash & (N-1)").
func log2PowerOfTwo(n uint16) uint {
	var bits uint
	for n > 1 {
		n >>= 1
		bits++
	}
	return bits
}
