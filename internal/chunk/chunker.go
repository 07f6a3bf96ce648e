// Package chunk builds the chunk-hash index the diff protocol compares
// across peers (spec.md §4.4). Rows already ordered by (modified_hlc,
// entity_key) are grouped into windows whose target size grows with the
// age of the data they cover, so long-settled history collapses into a
// handful of coarse chunks while recent, still-churning rows stay in
// small chunks that can be drilled into cheaply.
package chunk

import (
	"context"
	"math"
	"runtime"

	"github.com/rachitkumar205/notesync/internal/hlc"
	"github.com/rachitkumar205/notesync/internal/record"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Config controls the adaptive window-sizing curve:
//
//	window_size = min(MaxSize, MinSize * (1+Alpha)^age_factor)
//
// where age_factor is the age of a chunk's first row, in AgeBucketMS
// buckets, rounded up. See spec.md §4.4.
type Config struct {
	MinSize     int
	MaxSize     int
	Alpha       float64
	AgeBucketMS uint64

	// WorkerPoolSize bounds how many windows are hashed concurrently.
	// Zero defaults to runtime.NumCPU().
	WorkerPoolSize int
}

// Volatile is tuned for tables that mutate constantly (e.g. play
// position, now-playing state): a low decay exponent keeps windows small
// even for moderately old data, so diffs stay cheap to drill into.
var Volatile = Config{MinSize: 32, MaxSize: 10000, Alpha: 0.3, AgeBucketMS: 86_400_000}

// Stable is tuned for tables that settle quickly after creation (e.g.
// track metadata): a steep decay exponent collapses old data into large
// chunks fast, minimizing the historical index size.
var Stable = Config{MinSize: 32, MaxSize: 10000, Alpha: 0.6, AgeBucketMS: 86_400_000}

// Descriptor summarizes one chunk of the table: the HLC range it covers
// (Lo and Hi are the modified_hlc of its first and last rows, both
// inclusive; Hi is not an exclusive bound), how many rows it contains,
// and the BLAKE3-256 hash of its
// contents. Two peers with identical Descriptors for the same range hold
// identical data; a mismatch means the chunk needs drilling into.
type Descriptor struct {
	Lo    hlc.HLC
	Hi    hlc.HLC
	Count uint32
	Hash  [32]byte
}

// Chunker groups a table's rows into Descriptors.
type Chunker struct {
	cfg Config
}

// New creates a Chunker using cfg.
func New(cfg Config) *Chunker {
	return &Chunker{cfg: cfg}
}

// targetSize returns the row-count target for a chunk whose first row
// has the given age relative to now.
func (c *Chunker) targetSize(ageMS uint64) int {
	ageFactor := math.Ceil(float64(ageMS) / float64(c.cfg.AgeBucketMS))
	size := float64(c.cfg.MinSize) * math.Pow(1+c.cfg.Alpha, ageFactor)
	if size > float64(c.cfg.MaxSize) {
		return c.cfg.MaxSize
	}
	if size < float64(c.cfg.MinSize) {
		return c.cfg.MinSize
	}
	return int(size)
}

// rowHash returns the per-row contribution to a chunk's hash:
// payload_hash ∥ modified_hlc.bytes ∥ entity_key, per spec.md §4.4.
func rowHash(h *blake3.Hasher, r record.Record) {
	h.Write(r.PayloadHash[:])
	b := r.ModifiedHLC.Bytes()
	h.Write(b[:])
	h.Write(r.EntityKey)
}

// Chunk consumes cur in order and returns the Descriptors covering it.
// now is the reference time used to compute chunk ages; passing the
// reconciliation session's start time keeps boundaries deterministic for
// the duration of one session, as required by spec.md §4.4 ("identical
// inputs produce identical chunk boundaries").
//
// Partitioning rows into windows is inherently sequential (each row's
// target size depends on its age, and a window closes the instant the
// next row's target shrinks), but hashing each already-decided window is
// independent of every other window. So Chunk partitions first, single
// threaded, then hashes the resulting windows concurrently through a
// bounded worker pool (spec.md §5: "hashing and chunking are CPU work
// dispatched to a bounded worker pool").
func (c *Chunker) Chunk(ctx context.Context, cur record.Cursor, now hlc.HLC) ([]Descriptor, error) {
	windows, err := c.partition(ctx, cur, now)
	if err != nil {
		return nil, err
	}
	return hashWindows(ctx, windows, c.workers())
}

// partition groups cur's rows, in order, into windows whose size follows
// the adaptive schedule in targetSize. A window closes either when it
// reaches its own target size, or when the next row's (younger)
// target would be smaller than the current one — the "recency
// transition" from spec.md §4.4 that keeps old, large windows from
// absorbing a newer, small-window row.
func (c *Chunker) partition(ctx context.Context, cur record.Cursor, now hlc.HLC) ([][]record.Record, error) {
	var windows [][]record.Record
	var curRows []record.Record
	var curTarget int

	flush := func() {
		if len(curRows) > 0 {
			windows = append(windows, curRows)
		}
		curRows = nil
		curTarget = 0
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		r, ok, err := cur.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		target := c.targetSize(r.ModifiedHLC.Age(now.PhysicalMS).Milliseconds())
		if target < 1 {
			target = 1
		}

		if curTarget == 0 {
			curTarget = target
		} else if target < curTarget {
			flush()
			curTarget = target
		}

		curRows = append(curRows, r)
		if len(curRows) >= curTarget {
			flush()
		}
	}
	flush()

	return windows, nil
}

// workers returns the configured worker-pool bound, defaulting to
// runtime.NumCPU() when unset.
func (c *Chunker) workers() int {
	if c.cfg.WorkerPoolSize > 0 {
		return c.cfg.WorkerPoolSize
	}
	return runtime.NumCPU()
}

// hashWindows computes one Descriptor per window concurrently, bounded
// by maxWorkers concurrent hashes, and returns them in the original
// window order regardless of completion order.
func hashWindows(ctx context.Context, windows [][]record.Record, maxWorkers int) ([]Descriptor, error) {
	if len(windows) == 0 {
		return nil, nil
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	descriptors := make([]Descriptor, len(windows))
	sem := semaphore.NewWeighted(int64(maxWorkers))
	g, gctx := errgroup.WithContext(ctx)

	for i, rows := range windows {
		i, rows := i, rows
		if err := sem.Acquire(gctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			descriptors[i] = hashWindow(rows)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return descriptors, nil
}

// hashWindow computes the BLAKE3-256 chunk hash for one ordered window
// of rows, per spec.md §4.4: payload_hash ∥ modified_hlc.bytes ∥
// entity_key, concatenated in row order.
func hashWindow(rows []record.Record) Descriptor {
	h := blake3.New()
	for _, r := range rows {
		rowHash(h, r)
	}
	var hash [32]byte
	copy(hash[:], h.Sum(nil))
	return Descriptor{
		Lo:    rows[0].ModifiedHLC,
		Hi:    rows[len(rows)-1].ModifiedHLC,
		Count: uint32(len(rows)),
		Hash:  hash,
	}
}
