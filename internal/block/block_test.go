package block

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeMemory is a flat byte-slice-backed Memory, standing in for the real
// arena an underlying heap would provide.
type fakeMemory struct {
	base uintptr
	buf  []byte
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{base: 0x1000, buf: make([]byte, size)}
}

func (f *fakeMemory) ReadAt(addr uintptr, dst []byte) error {
	off := int(addr - f.base)
	if off < 0 || off+len(dst) > len(f.buf) {
		return ErrOutOfRange
	}
	copy(dst, f.buf[off:off+len(dst)])
	return nil
}

func (f *fakeMemory) WriteAt(addr uintptr, src []byte) error {
	off := int(addr - f.base)
	if off < 0 || off+len(src) > len(f.buf) {
		return ErrOutOfRange
	}
	copy(f.buf[off:off+len(src)], src)
	return nil
}

func TestPlanLayoutRoundTrip(t *testing.T) {
	cases := []struct {
		alignment, bodySize, minLeft, minRight int
	}{
		{8, 0, 16, 16},
		{8, 1, 16, 16},
		{16, 100, 16, 16},
		{32, 9, 32, 8},
		{64, 1024, 16, 16},
	}
	for _, tc := range cases {
		layout, err := PlanLayout(tc.alignment, tc.bodySize, tc.minLeft, tc.minRight)
		require.NoErrorf(t, err, "%+v", tc)

		require.Zero(t, layout.BodyOffset%tc.alignment, "body offset must respect alignment")
		require.GreaterOrEqual(t, layout.BodyOffset, tc.minLeft)
		require.GreaterOrEqual(t, layout.RightRedzone(), tc.minRight)
		require.Zero(t, layout.TotalSize%8, "total size must be a granule multiple")
		require.Zero(t, layout.LeftRedzone()%8, "left redzone must be a granule multiple")
		require.Zero(t, layout.RightRedzone()%8, "right redzone must be a granule multiple")
		require.Equal(t, layout.TotalSize, layout.TrailerEnd())
	}
}

func TestPlanLayoutRejectsBadAlignment(t *testing.T) {
	_, err := PlanLayout(3, 16, 16, 16)
	require.Error(t, err)
}

func newInitializedBlock(t *testing.T) (*fakeMemory, Info) {
	t.Helper()
	layout, err := PlanLayout(16, 40, 16, 16)
	require.NoError(t, err)

	mem := newFakeMemory(layout.TotalSize)
	info, err := Initialize(mem, layout, mem.base, false, 7, 42)
	require.NoError(t, err)
	return mem, info
}

func TestInitializeAndValidateRoundTrip(t *testing.T) {
	mem, info := newInitializedBlock(t)

	got, err := Validate(mem, info.Base, info.Layout)
	require.NoError(t, err)
	require.Equal(t, StateAllocated, got.Header.State)
	require.Equal(t, uint32(42), got.Header.AllocStackID)
	require.Equal(t, uint32(7), got.Header.AllocThreadID)
	require.False(t, got.Header.IsNested)
}

// TestChecksumDetectsHeaderTamper is testable property 4: toggling a bit
// in the header invalidates the checksum.
func TestChecksumDetectsHeaderTamper(t *testing.T) {
	mem, info := newInitializedBlock(t)

	buf := make([]byte, 1)
	require.NoError(t, mem.ReadAt(info.Base+8, buf)) // inside the State field
	buf[0] ^= 0xFF
	require.NoError(t, mem.WriteAt(info.Base+8, buf))

	_, err := Validate(mem, info.Base, info.Layout)
	require.Error(t, err)
}

// TestChecksumIgnoresBodyTamper is the complementary half of property 4:
// corrupting the body must never move the checksum.
func TestChecksumIgnoresBodyTamper(t *testing.T) {
	mem, info := newInitializedBlock(t)

	buf := make([]byte, 1)
	bodyAddr := info.Body()
	require.NoError(t, mem.ReadAt(bodyAddr, buf))
	buf[0] ^= 0xFF
	require.NoError(t, mem.WriteAt(bodyAddr, buf))

	_, err := Validate(mem, info.Base, info.Layout)
	require.NoError(t, err)
}

func TestChecksumDetectsTrailerTamper(t *testing.T) {
	mem, info := newInitializedBlock(t)

	buf := make([]byte, 1)
	trailerAddr := info.TrailerAddr()
	require.NoError(t, mem.ReadAt(trailerAddr, buf))
	buf[0] ^= 0xFF
	require.NoError(t, mem.WriteAt(trailerAddr, buf))

	_, err := Validate(mem, info.Base, info.Layout)
	require.Error(t, err)
}

func TestGetHeaderFromBodyRecoversHeader(t *testing.T) {
	mem, info := newInitializedBlock(t)

	header, base, err := GetHeaderFromBody(mem, info.Body())
	require.NoError(t, err)
	require.Equal(t, info.Base, base)
	require.Equal(t, info.Header, header)
}

func TestConvertToQuarantinedUpdatesStateAndTrailer(t *testing.T) {
	mem, info := newInitializedBlock(t)

	var tick TickCounter
	updated, err := ConvertToQuarantined(mem, info, 99, tick.Next(), 7777)
	require.NoError(t, err)
	require.Equal(t, StateQuarantined, updated.Header.State)
	require.Equal(t, uint32(99), updated.Trailer.FreeThreadID)
	require.Equal(t, uint32(7), updated.Trailer.AllocThreadID)
	require.Equal(t, uint32(7777), updated.Trailer.FreeStackID)
	require.Equal(t, uint64(1), updated.Trailer.TickAtFree)

	got, err := Validate(mem, info.Base, info.Layout)
	require.NoError(t, err)
	require.Equal(t, updated.Header, got.Header)
	require.Equal(t, updated.Trailer, got.Trailer)
}

func TestTickCounterIsMonotonic(t *testing.T) {
	var tc TickCounter
	a := tc.Next()
	b := tc.Next()
	require.Less(t, a, b)
}
