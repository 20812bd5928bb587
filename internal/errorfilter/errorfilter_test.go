package errorfilter

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

// corruptTrailer flips a byte in the trailer of the block whose body is
// at body, the same technique internal/heapcheck's tests use.
func corruptTrailer(t *testing.T, m *heap.Manager, body uintptr) {
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

func newTestFilter(t *testing.T) (*Filter, *heap.Manager) {
	t.Helper()
	params := config.Defaults()
	params.AddressSpaceSize = 16 << 20
	params.QuarantineSize = 1 << 30

	sh, err := shadow.New(params, nil, nil)
	require.NoError(t, err)
	stacks := stackcache.New(params, nil)
	m, err := heap.New(params, sh, stacks, nil)
	require.NoError(t, err)

	f := New(params, sh, m, stacks, nil)
	return f, m
}

func newTestFilterWithZebra(t *testing.T) (*Filter, *heap.Manager) {
	t.Helper()
	params := config.Defaults()
	params.AddressSpaceSize = 16 << 20
	params.QuarantineSize = 1 << 30
	params.EnableZebraBlockHeap = true
	params.EnableAllocationFilter = true
	params.ZebraStripeSize = 64

	sh, err := shadow.New(params, nil, nil)
	require.NoError(t, err)
	stacks := stackcache.New(params, nil)
	m, err := heap.New(params, sh, stacks, nil)
	require.NoError(t, err)

	f := New(params, sh, m, stacks, nil)
	return f, m
}

func TestCheckAccessPermitsLiveBody(t *testing.T) {
	f, m := newTestFilter(t)
	body, err := m.Allocate(heap.ProcessHeapID, 32, 1)
	require.NoError(t, err)

	require.NoError(t, f.CheckAccess(body, 32, AccessRead, 1))
}

func TestCheckAccessClassifiesOverflowPastBody(t *testing.T) {
	f, m := newTestFilter(t)
	body, err := m.Allocate(heap.ProcessHeapID, 16, 1)
	require.NoError(t, err)

	var captured ErrorRecord
	f.SetErrorCallback(func(r ErrorRecord) { captured = r })

	err = f.CheckAccess(body, 32, AccessWrite, 1)
	require.Error(t, err)
	require.True(t, IsSentinelException(err))
	require.Equal(t, KindHeapBufferOverflow, captured.Kind)
	require.NotNil(t, captured.Geometry)
}

func TestCheckAccessClassifiesUseAfterFree(t *testing.T) {
	f, m := newTestFilter(t)
	body, err := m.Allocate(heap.ProcessHeapID, 16, 1)
	require.NoError(t, err)
	require.NoError(t, m.Free(heap.ProcessHeapID, body, 1))

	var captured ErrorRecord
	f.SetErrorCallback(func(r ErrorRecord) { captured = r })

	err = f.CheckAccess(body, 1, AccessRead, 1)
	require.Error(t, err)
	require.Equal(t, KindUseAfterFree, captured.Kind)
}

func TestCheckAccessClassifiesZebraGuardPageOverflow(t *testing.T) {
	f, m := newTestFilterWithZebra(t)
	m.SetAllocationFilterFlag(7, true)

	body, err := m.Allocate(heap.ProcessHeapID, 16, 7)
	require.NoError(t, err)

	var captured ErrorRecord
	f.SetErrorCallback(func(r ErrorRecord) { captured = r })

	err = f.CheckAccess(body, 17, AccessWrite, 7)
	require.Error(t, err)
	require.True(t, IsSentinelException(err))
	require.Equal(t, KindHeapBufferOverflow, captured.Kind)
}

func TestCheckAccessSuppressesIgnoredAllocStackID(t *testing.T) {
	params := config.Defaults()
	params.AddressSpaceSize = 16 << 20
	params.QuarantineSize = 1 << 30

	sh, err := shadow.New(params, nil, nil)
	require.NoError(t, err)
	stacks := stackcache.New(params, nil)
	m, err := heap.New(params, sh, stacks, nil)
	require.NoError(t, err)

	body, err := m.Allocate(heap.ProcessHeapID, 16, 1)
	require.NoError(t, err)

	mem, ok := m.MemoryFor(body)
	require.True(t, ok)
	header, _, err := block.GetHeaderFromBody(mem, body)
	require.NoError(t, err)

	params.IgnoredStackIDs = map[uint32]struct{}{header.AllocStackID: {}}
	f := New(params, sh, m, stacks, nil)

	called := false
	f.SetErrorCallback(func(ErrorRecord) { called = true })

	require.NoError(t, f.CheckAccess(body, 32, AccessWrite, 1), "an ignored alloc stack id must suppress the fault entirely")
	require.False(t, called, "the callback must not run for a suppressed fault")
}

func TestCheckAccessReportsWhenStackIDNotIgnored(t *testing.T) {
	f, m := newTestFilter(t)
	body, err := m.Allocate(heap.ProcessHeapID, 16, 1)
	require.NoError(t, err)

	called := false
	f.SetErrorCallback(func(ErrorRecord) { called = true })

	require.Error(t, f.CheckAccess(body, 32, AccessWrite, 1))
	require.True(t, called)
}

func TestCheckAccessClassifiesInvalidAddress(t *testing.T) {
	f, _ := newTestFilter(t)

	var captured ErrorRecord
	f.SetErrorCallback(func(r ErrorRecord) { captured = r })

	err := f.CheckAccess(16, 1, AccessRead, 1)
	require.Error(t, err)
	require.Equal(t, KindInvalidAddress, captured.Kind)
}

func TestCheckAccessClassifiesWildAccessBeyondLimit(t *testing.T) {
	f, _ := newTestFilter(t)

	var captured ErrorRecord
	f.SetErrorCallback(func(r ErrorRecord) { captured = r })

	err := f.CheckAccess(1<<30, 1, AccessRead, 1)
	require.Error(t, err)
	require.Equal(t, KindWildAccess, captured.Kind)
}

func TestDefaultCallbackExitsOnFailureWhenConfigured(t *testing.T) {
	params := config.Defaults()
	params.AddressSpaceSize = 16 << 20
	params.QuarantineSize = 1 << 30
	params.ExitOnFailure = true

	sh, err := shadow.New(params, nil, nil)
	require.NoError(t, err)
	stacks := stackcache.New(params, nil)
	m, err := heap.New(params, sh, stacks, nil)
	require.NoError(t, err)

	f := New(params, sh, m, stacks, nil)
	exited := -1
	f.exit = func(code int) { exited = code }

	body, err := m.Allocate(heap.ProcessHeapID, 16, 1)
	require.NoError(t, err)

	_ = f.CheckAccess(body, 32, AccessWrite, 1)
	require.Equal(t, 1, exited)
}

func TestClassifyFreeErrorMapsSentinels(t *testing.T) {
	require.Equal(t, KindDoubleFree, ClassifyFreeError(heap.ErrDoubleFree))
	require.Equal(t, KindCorruptBlock, ClassifyFreeError(heap.ErrCorruptBlock))
	require.Equal(t, KindUnknownBadAccess, ClassifyFreeError(nil))
}

func TestRunDiagnosticSweepReportsCorruptHeap(t *testing.T) {
	f, m := newTestFilter(t)
	body, err := m.Allocate(heap.ProcessHeapID, 16, 1)
	require.NoError(t, err)

	require.NoError(t, f.RunDiagnosticSweep(context.Background()))

	var captured ErrorRecord
	f.SetErrorCallback(func(r ErrorRecord) { captured = r })

	corruptTrailer(t, m, body)

	sweepErr := f.RunDiagnosticSweep(context.Background())
	require.Error(t, sweepErr)
	require.Equal(t, KindCorruptHeap, captured.Kind)
	require.NotEmpty(t, captured.CorruptRanges)
}

func TestSentinelExceptionCodeMatchesFacilityLayout(t *testing.T) {
	const severityError = uint32(3)
	const customerBit = uint32(1) << 29
	const facilityMask = uint32(0x1FFF) << 16
	const facilityShadowmem = uint32(0x68B) << 16

	require.Equal(t, severityError, SentinelExceptionCode>>30)
	require.NotZero(t, SentinelExceptionCode&customerBit)
	require.Equal(t, facilityShadowmem, SentinelExceptionCode&facilityMask)
	require.Equal(t, uint32(0x5AD0), SentinelExceptionCode&0xFFFF)
}
