// Package quarantine implements the sharded bounded FIFO of freed blocks
// that backs use-after-free detection: a freed block's envelope stays
// untouched and its shadow stays poisoned until quarantine pressure
// finally evicts it, so an access that happens in between is still
// classified against a live BlockInfo instead of silently succeeding.
package quarantine

import (
	"container/list"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
)

// Entry is the compact record of one freed block sitting in quarantine.
type Entry struct {
	Base      uintptr
	TotalSize int64
	Hash      uint32
}

type shard struct {
	mu    sync.Mutex
	items list.List // of Entry, oldest at Front
	size  int64
}

// Quarantine is a fixed number of independently locked shards, each an
// unbounded FIFO. An entry's shard is chosen by hashing its base address,
// not by the caller, so Push always succeeds without a capacity check.
type Quarantine struct {
	shards    []shard
	shardMask uint32
	totalSize atomic.Int64
}

// New builds a Quarantine with shardCount shards, rounded up to the next
// power of two (a minimum of 1).
func New(shardCount int) *Quarantine {
	n := nextPowerOfTwo(shardCount)
	return &Quarantine{
		shards:    make([]shard, n),
		shardMask: uint32(n - 1),
	}
}

func nextPowerOfTwo(n int) int {
	if n < 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func shardIndexFor(base uintptr, mask uint32) uint32 {
	h := fnv.New32a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(base >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return h.Sum32() & mask
}

// Push always accepts entry into the shard its base address hashes to,
// and folds its size into the running total.
func (q *Quarantine) Push(entry Entry) {
	idx := shardIndexFor(entry.Base, q.shardMask)
	s := &q.shards[idx]

	s.mu.Lock()
	s.items.PushBack(entry)
	s.size += entry.TotalSize
	s.mu.Unlock()

	q.totalSize.Add(entry.TotalSize)
}

// TotalSize is the sum of every entry currently held, across all shards.
func (q *Quarantine) TotalSize() int64 { return q.totalSize.Load() }

// Shrink pops entries, oldest-first within whichever shard is chosen,
// until TotalSize() <= maxTotalSize, handing each evicted entry to
// yield. Shard selection is random among non-empty shards each
// iteration, which only approximates a global FIFO order — the caller
// should treat eviction order as "roughly oldest first", not exact.
// maxTotalSize == 0 means no entry is allowed to linger at all.
func (q *Quarantine) Shrink(maxTotalSize int64, yield func(Entry)) {
	for q.totalSize.Load() > maxTotalSize {
		entry, ok := q.popFromRandomNonEmptyShard()
		if !ok {
			return // every shard is empty; nothing more to evict
		}
		yield(entry)
	}
}

// Flush evicts every entry from every shard, in shard order, oldest
// first within each shard.
func (q *Quarantine) Flush(yield func(Entry)) {
	for i := range q.shards {
		s := &q.shards[i]
		for {
			s.mu.Lock()
			front := s.items.Front()
			if front == nil {
				s.mu.Unlock()
				break
			}
			entry := s.items.Remove(front).(Entry)
			s.size -= entry.TotalSize
			s.mu.Unlock()

			q.totalSize.Add(-entry.TotalSize)
			yield(entry)
		}
	}
}

func (q *Quarantine) popFromRandomNonEmptyShard() (Entry, bool) {
	n := len(q.shards)
	start := rand.Intn(n)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		s := &q.shards[idx]

		s.mu.Lock()
		front := s.items.Front()
		if front == nil {
			s.mu.Unlock()
			continue
		}
		entry := s.items.Remove(front).(Entry)
		s.size -= entry.TotalSize
		s.mu.Unlock()

		q.totalSize.Add(-entry.TotalSize)
		return entry, true
	}
	return Entry{}, false
}

// ShardCount reports how many shards the quarantine was built with.
func (q *Quarantine) ShardCount() int { return len(q.shards) }

// Stats summarises the quarantine's current occupancy.
type Stats struct {
	TotalSize   int64
	TotalCount  int
	ShardSizes  []int64
}

// StatsSnapshot snapshots per-shard sizes and the total entry count. It takes
// every shard's lock in turn; callers should not treat it as atomic
// across shards.
func (q *Quarantine) StatsSnapshot() Stats {
	shardSizes := make([]int64, len(q.shards))
	count := 0
	for i := range q.shards {
		s := &q.shards[i]
		s.mu.Lock()
		shardSizes[i] = s.size
		count += s.items.Len()
		s.mu.Unlock()
	}
	return Stats{
		TotalSize:  q.totalSize.Load(),
		TotalCount: count,
		ShardSizes: shardSizes,
	}
}
