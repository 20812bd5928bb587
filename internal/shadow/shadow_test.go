package shadow

import (
	"testing"

	"github.com/shadowmem/asanrt/internal/config"
	"github.com/stretchr/testify/require"
)

func newTestShadow(t *testing.T) *Shadow {
	t.Helper()
	params := config.Defaults()
	params.AddressSpaceSize = 1 << 20 // 1 MiB is plenty for unit tests
	s, err := New(params, nil, nil)
	require.NoError(t, err)
	return s
}

func TestNewRejectsOversizedAddressSpace(t *testing.T) {
	params := config.Defaults()
	params.AddressSpaceSize = config.AddressSpaceLimit * 2
	_, err := New(params, nil, nil)
	require.Error(t, err)
}

func TestInvalidAddressRegionIsPoisoned(t *testing.T) {
	s := newTestShadow(t)
	require.False(t, s.IsAccessible(0))
	require.False(t, s.IsAccessible(InvalidAddressSize-1))
	require.True(t, s.IsAccessible(InvalidAddressSize))
}

// TestUnpoisonPartialByteLaw is testable property 2 from the
// specification: for any granule-aligned addr and any size, unpoisoning
// [addr, addr+size) inside a poisoned region leaves exactly
// [addr, addr+size) accessible.
func TestUnpoisonPartialByteLaw(t *testing.T) {
	sizes := []int{0, 1, 3, 7, 8, 9, 15, 16, 17, 100, 103}
	for _, size := range sizes {
		s := newTestShadow(t)
		addr := uintptr(InvalidAddressSize) // granule-aligned, past the reserved region

		poisoned := (size + 16 + GranuleSize - 1) / GranuleSize * GranuleSize
		require.NoError(t, s.Poison(addr, poisoned, MarkerAsanReserved))
		require.NoError(t, s.Unpoison(addr, size))

		for offset := 0; offset < size+16; offset++ {
			want := offset < size
			got := s.IsAccessible(addr + uintptr(offset))
			require.Equalf(t, want, got, "size=%d offset=%d", size, offset)
		}
	}
}

func TestMarkAsFreedPreservesRedzones(t *testing.T) {
	s := newTestShadow(t)
	base := uintptr(InvalidAddressSize)

	spec := EnvelopeSpec{
		Base:         base,
		LeftRedzone:  16,
		BodySize:     20,
		RightRedzone: 24,
	}
	require.NoError(t, s.PoisonAllocatedBlock(spec))

	body := base + GranuleSize + uintptr(spec.LeftRedzone-GranuleSize)
	require.NoError(t, s.MarkAsFreed(body, 24)) // round up to granule multiple covering the 20-byte body

	// Every full granule inside the body region should now read HeapFreed.
	for off := uintptr(0); off < 16; off += GranuleSize {
		m, err := s.MarkerAt(body + off)
		require.NoError(t, err)
		require.Equal(t, MarkerHeapFreed, m)
	}

	// Redzones flanking the body must be untouched.
	leftPadStart := base + GranuleSize
	m, err := s.MarkerAt(leftPadStart)
	require.NoError(t, err)
	require.Equal(t, MarkerHeapLeftPadding, m)
}

// TestEnvelopeRoundTrip is testable property 1 from the specification:
// planning + poisoning + recovering a block's info from the shadow
// reproduces the planned geometry.
func TestEnvelopeRoundTrip(t *testing.T) {
	cases := []struct {
		bodySize                 int
		leftRedzone, rightRedzone int
	}{
		{0, 16, 16},
		{1, 16, 16},
		{7, 8, 8},
		{8, 16, 24},
		{9, 32, 16},
		{63, 16, 16},
		{64, 16, 16},
		{65, 16, 16},
		{1024, 16, 16},
	}

	for _, tc := range cases {
		s := newTestShadow(t)
		base := uintptr(InvalidAddressSize)
		spec := EnvelopeSpec{
			Base:         base,
			LeftRedzone:  tc.leftRedzone,
			BodySize:     tc.bodySize,
			RightRedzone: tc.rightRedzone,
		}
		require.NoError(t, s.PoisonAllocatedBlock(spec))

		body := base + uintptr(tc.leftRedzone)
		info, err := s.BlockInfoFromShadow(body)
		require.NoErrorf(t, err, "bodySize=%d", tc.bodySize)

		require.Equal(t, base, info.Base)
		require.Equal(t, body, info.Body)
		require.Equal(t, tc.bodySize, info.BodySize)
		require.Equal(t, tc.leftRedzone, info.LeftRedzone)
		require.Equal(t, tc.rightRedzone, info.RightRedzone)
		require.False(t, info.Nested)

		require.True(t, s.IsBeginningOfBlockBody(body))
	}
}

func TestBlockInfoFromShadowNested(t *testing.T) {
	s := newTestShadow(t)
	outerBase := uintptr(InvalidAddressSize)
	outerSpec := EnvelopeSpec{Base: outerBase, LeftRedzone: 16, BodySize: 256, RightRedzone: 16}
	require.NoError(t, s.PoisonAllocatedBlock(outerSpec))

	innerBase := outerBase + 16 + GranuleSize // somewhere inside the outer body
	innerSpec := EnvelopeSpec{Base: innerBase, LeftRedzone: 8, BodySize: 10, RightRedzone: 8, Nested: true}
	require.NoError(t, s.PoisonAllocatedBlock(innerSpec))

	innerBody := innerBase + 8
	info, err := s.BlockInfoFromShadow(innerBody)
	require.NoError(t, err)
	require.True(t, info.Nested)
	require.Equal(t, innerBase, info.Base)
	require.Equal(t, 10, info.BodySize)
}

func TestPageProtectionBitmapRoundTrip(t *testing.T) {
	s := newTestShadow(t)
	addr := uintptr(InvalidAddressSize)

	require.False(t, s.PageIsProtected(addr))
	require.NoError(t, s.MarkPagesProtected(addr, defaultPageSize, true))
	require.True(t, s.PageIsProtected(addr))
	require.NoError(t, s.MarkPagesProtected(addr, defaultPageSize, false))
	require.False(t, s.PageIsProtected(addr))
}
