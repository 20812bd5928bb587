package quarantine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRoundsShardCountUpToPowerOfTwo(t *testing.T) {
	q := New(5)
	require.Equal(t, 8, q.ShardCount())
}

func TestPushAlwaysAccepts(t *testing.T) {
	q := New(4)
	for i := 0; i < 100; i++ {
		q.Push(Entry{Base: uintptr(0x1000 + i*64), TotalSize: 64})
	}
	require.Equal(t, int64(100*64), q.TotalSize())
	require.Equal(t, int64(100*64), q.StatsSnapshot().TotalSize)
	require.Equal(t, 100, q.StatsSnapshot().TotalCount)
}

// TestShrinkRespectsBound is testable property 5: after any sequence of
// pushes and a final Shrink(max), the remaining total size is <= max.
func TestShrinkRespectsBound(t *testing.T) {
	sizes := []int64{16, 32, 8, 64, 4, 128, 1, 256}
	bounds := []int64{0, 1, 50, 100, 1000}

	for _, bound := range bounds {
		q := New(4)
		for i, sz := range sizes {
			q.Push(Entry{Base: uintptr(0x2000 + i*1024), TotalSize: sz})
		}

		var evicted []Entry
		q.Shrink(bound, func(e Entry) { evicted = append(evicted, e) })

		require.LessOrEqualf(t, q.TotalSize(), bound, "bound=%d", bound)
		require.Equal(t, q.TotalSize(), q.StatsSnapshot().TotalSize)
	}
}

func TestShrinkToZeroEvictsEverything(t *testing.T) {
	q := New(4)
	for i := 0; i < 20; i++ {
		q.Push(Entry{Base: uintptr(0x3000 + i*64), TotalSize: 10})
	}

	var evicted []Entry
	q.Shrink(0, func(e Entry) { evicted = append(evicted, e) })

	require.Zero(t, q.TotalSize())
	require.Len(t, evicted, 20)
}

func TestFlushYieldsEveryEntry(t *testing.T) {
	q := New(8)
	const n = 50
	for i := 0; i < n; i++ {
		q.Push(Entry{Base: uintptr(0x4000 + i*64), TotalSize: 7})
	}

	var flushed []Entry
	q.Flush(func(e Entry) { flushed = append(flushed, e) })

	require.Len(t, flushed, n)
	require.Zero(t, q.TotalSize())
	require.Zero(t, q.StatsSnapshot().TotalCount)
}

func TestEntriesAreStoredInExactlyOneShard(t *testing.T) {
	q := New(4)
	for i := 0; i < 40; i++ {
		q.Push(Entry{Base: uintptr(0x5000 + i*64), TotalSize: 1})
	}
	snap := q.StatsSnapshot()
	var sum int64
	for _, s := range snap.ShardSizes {
		sum += s
	}
	require.Equal(t, snap.TotalSize, sum)
}
