package report

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalJSONRoundTripsBasicFields(t *testing.T) {
	rec := Record{
		Kind:      KindHeapBufferOverflow,
		FaultAddr: 0x1000,
		ThreadID:  7,
		Tick:      42,
		BlockBase: 0xf00,
		BlockBodySize: 16,
		AllocStack: []Frame{{Function: "main.alloc", File: "main.go", Line: 10}},
		CorruptRanges: []CorruptRange{{Start: 1, End: 2, Blocks: 1}},
	}

	data, err := rec.MarshalJSON()
	require.NoError(t, err)
	require.Contains(t, string(data), "HEAP_BUFFER_OVERFLOW")
	require.Contains(t, string(data), "main.alloc")
}

func TestKindStringCoversEveryClassification(t *testing.T) {
	kinds := []Kind{
		KindUnknown, KindHeapBufferOverflow, KindHeapBufferUnderflow, KindUseAfterFree,
		KindDoubleFree, KindCorruptBlock, KindCorruptHeap, KindWildAccess, KindInvalidAddress,
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		s := k.String()
		require.NotEmpty(t, s)
		require.False(t, seen[s], "duplicate string for kind %d: %s", k, s)
		seen[s] = true
	}
}

func TestMemoryLoggerAndMinidumpWriterRecordEverything(t *testing.T) {
	logger := &MemoryLogger{}
	dump := &MemoryMinidumpWriter{}

	rec := Record{Kind: KindUseAfterFree, FaultAddr: 0x2000}
	require.NoError(t, logger.Log(rec))
	require.NoError(t, dump.Write(rec))

	require.Len(t, logger.Records(), 1)
	require.Len(t, dump.Written(), 1)
	require.Equal(t, KindUseAfterFree, logger.Records()[0].Kind)
}
