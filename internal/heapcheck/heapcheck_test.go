package heapcheck

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shadowmem/asanrt/internal/block"
	"github.com/shadowmem/asanrt/internal/config"
	"github.com/shadowmem/asanrt/internal/heap"
	"github.com/shadowmem/asanrt/internal/shadow"
	"github.com/shadowmem/asanrt/internal/stackcache"
)

func newTestManager(t *testing.T) *heap.Manager {
	t.Helper()
	params := config.Defaults()
	params.AddressSpaceSize = 16 << 20
	params.QuarantineSize = 1 << 30 // keep freed blocks around for these tests

	sh, err := shadow.New(params, nil, nil)
	require.NoError(t, err)
	stacks := stackcache.New(params, nil)
	m, err := heap.New(params, sh, stacks, nil)
	require.NoError(t, err)
	return m
}

// flipTrailerByte corrupts the trailer of the block whose body is at
// body, the same way property #4's block-level test corrupts a header,
// without needing package-internal access to the underlying arena.
func flipTrailerByte(t *testing.T, m *heap.Manager, body uintptr) {
	t.Helper()
	mem, ok := m.MemoryFor(body)
	require.True(t, ok)

	header, base, err := block.GetHeaderFromBody(mem, body)
	require.NoError(t, err)

	layout, err := block.PlanLayout(heap.DefaultAlignment, int(header.BodySize), heap.MinLeftRedzoneBytes, heap.MinRightRedzoneBytes)
	require.NoError(t, err)

	var b [1]byte
	trailerAddr := base + uintptr(layout.TrailerOffset)
	require.NoError(t, mem.ReadAt(trailerAddr, b[:]))
	b[0] ^= 0xFF
	require.NoError(t, mem.WriteAt(trailerAddr, b[:]))
}

func TestCheckFindsNoCorruptionOnHealthyHeap(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 5; i++ {
		_, err := m.Allocate(heap.ProcessHeapID, 32, 1)
		require.NoError(t, err)
	}

	checker := New(m.Shadow(), m, false)
	ranges, err := checker.Check(context.Background())
	require.NoError(t, err)
	require.Empty(t, ranges)
}

func TestCheckReportsFlippedTrailers(t *testing.T) {
	m := newTestManager(t)

	const k = 3
	bodies := make([]uintptr, 0, k+2)
	for i := 0; i < k+2; i++ {
		body, err := m.Allocate(heap.ProcessHeapID, 40+i*8, 1)
		require.NoError(t, err)
		bodies = append(bodies, body)
	}

	for i := 0; i < k; i++ {
		flipTrailerByte(t, m, bodies[i])
	}

	checker := New(m.Shadow(), m, false)
	ranges, err := checker.Check(context.Background())
	require.NoError(t, err)

	total := 0
	for _, r := range ranges {
		total += r.Blocks
	}
	require.GreaterOrEqual(t, total, k)
}

func TestIsHeapCorruptTrueAfterCorruption(t *testing.T) {
	m := newTestManager(t)
	body, err := m.Allocate(heap.ProcessHeapID, 16, 1)
	require.NoError(t, err)

	checker := New(m.Shadow(), m, false)
	corrupt, err := IsHeapCorrupt(context.Background(), checker)
	require.NoError(t, err)
	require.False(t, corrupt)

	flipTrailerByte(t, m, body)

	corrupt, err = IsHeapCorrupt(context.Background(), checker)
	require.NoError(t, err)
	require.True(t, corrupt)
}

func TestCheckMergesAdjacentCorruptBlocks(t *testing.T) {
	m := newTestManager(t)

	bodyA, err := m.Allocate(heap.ProcessHeapID, 16, 1)
	require.NoError(t, err)
	bodyB, err := m.Allocate(heap.ProcessHeapID, 16, 1)
	require.NoError(t, err)

	flipTrailerByte(t, m, bodyA)
	flipTrailerByte(t, m, bodyB)

	checker := New(m.Shadow(), m, false)
	ranges, err := checker.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, ranges, 1, "two back-to-back corrupt blocks with nothing but addressable padding between them should merge into one range")
	require.Equal(t, 2, ranges[0].Blocks)
}

func TestCheckRespectsContextCancellation(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 3; i++ {
		_, err := m.Allocate(heap.ProcessHeapID, 32, 1)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	checker := New(m.Shadow(), m, false)
	_, err := checker.Check(ctx)
	require.Error(t, err)
}
