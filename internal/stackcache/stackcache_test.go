package stackcache

import (
	"testing"

	"github.com/shadowmem/asanrt/internal/config"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	params := config.Defaults()
	params.MaxNumFrames = 8
	params.BottomFramesToSkip = 0
	return New(params, nil)
}

func TestCaptureAndLookupRoundTrip(t *testing.T) {
	c := newTestCache(t)

	id := c.Capture(0)
	require.NotZero(t, id)

	trace, ok := c.GetStackTrace(id)
	require.True(t, ok)
	require.NotEmpty(t, trace.PCs)
	require.LessOrEqual(t, len(trace.PCs), 8)
}

func TestGetStackTraceMissReturnsFalse(t *testing.T) {
	c := newTestCache(t)
	_, ok := c.GetStackTrace(0xdeadbeef)
	require.False(t, ok)
}

func TestZeroIDAlwaysMisses(t *testing.T) {
	c := newTestCache(t)
	_, ok := c.GetStackTrace(0)
	require.False(t, ok)
}

// TestCaptureDeduplicates is the compression property: repeated captures
// from the very same call site collapse to one unique trace while the
// total-capture counter keeps advancing.
func TestCaptureDeduplicates(t *testing.T) {
	c := newTestCache(t)

	var ids []uint32
	for i := 0; i < 5; i++ {
		ids = append(ids, captureHelper(c))
	}
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}

	stats := c.CompressionStats()
	require.Equal(t, 1, stats.UniqueTraces)
	require.Equal(t, int64(5), stats.TotalCaptures)
}

func captureHelper(c *Cache) uint32 {
	return c.Capture(0)
}

func TestFormatHandlesEmptyTrace(t *testing.T) {
	var tr Trace
	require.Equal(t, "  <unknown>\n", tr.Format())
}
