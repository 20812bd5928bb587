// Package stackcache captures and deduplicates the stack traces recorded
// at allocation and free time. Every block only needs a small integer
// reference to its allocation (and, once freed, its free) stack; the
// actual program-counter list is interned once per unique trace and
// shared by every block that produced the same stack.
package stackcache

import (
	"hash/fnv"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/shadowmem/asanrt/internal/config"
)

// capturePad gives runtime.Callers headroom past maxFrames so a trace
// that is exactly maxFrames deep is never truncated by one frame because
// the buffer was sized too tightly.
const capturePad = 4

// Trace is a captured, already-trimmed stack trace. PCs is ordered
// innermost-frame-first, the same order runtime.Callers produces.
type Trace struct {
	PCs []uintptr
}

// Format renders the trace as a multi-line, human-readable listing of
// every frame it holds, function name then file:line; no frames are
// filtered out.
func (t Trace) Format() string {
	if len(t.PCs) == 0 {
		return "  <unknown>\n"
	}
	frames := runtime.CallersFrames(t.PCs)
	var buf []byte
	for {
		frame, more := frames.Next()
		if frame.PC == 0 {
			break
		}
		buf = append(buf, []byte(frame.Function+"()\n")...)
		buf = append(buf, []byte("      "+frame.File+":"+strconv.Itoa(frame.Line)+"\n")...)
		if !more {
			break
		}
	}
	if len(buf) == 0 {
		return "  <runtime internal>\n"
	}
	return string(buf)
}

// Stats summarises the cache's deduplication efficiency.
type Stats struct {
	UniqueTraces  int
	TotalCaptures int64
	BytesResident int64
}

// Cache is the process-wide stack-trace store. One Cache is normally
// shared by every heap.
type Cache struct {
	logger     *slog.Logger
	maxFrames  int
	bottomSkip int

	mu      sync.RWMutex
	byID    map[uint32]Trace
	seen    int64 // total Capture calls, including ones that hit an existing entry
}

// New builds a Cache from runtime parameters. A nil logger falls back to
// slog.Default().
func New(params config.RuntimeParams, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	maxFrames := params.MaxNumFrames
	if maxFrames <= 0 {
		maxFrames = 32
	}
	return &Cache{
		logger:     logger,
		maxFrames:  maxFrames,
		bottomSkip: params.BottomFramesToSkip,
		byID:       make(map[uint32]Trace),
	}
}

// Capture walks the caller's stack, skipping skip frames in addition to
// the cache's configured BottomFramesToSkip (which accounts for the
// runtime's own allocation/free wrapper frames), fingerprints the
// result, interns it if new, and returns the fingerprint.
func (c *Cache) Capture(skip int) uint32 {
	raw := make([]uintptr, c.bottomSkip+c.maxFrames+capturePad)
	n := runtime.Callers(2+skip+c.bottomSkip, raw)
	if n == 0 {
		return 0
	}
	pcs := raw[:n]
	if len(pcs) > c.maxFrames {
		pcs = pcs[:c.maxFrames]
	}

	id := fingerprint(pcs)
	c.intern(id, pcs)
	return id
}

// SaveStackTrace is an alias for Capture(skip) kept for callers that
// prefer the specification's own operation name.
func (c *Cache) SaveStackTrace(skip int) uint32 { return c.Capture(skip) }

// GetStackTrace returns the trace previously interned under id, or
// false if id is unknown (zero always misses: it means "no stack was
// captured").
func (c *Cache) GetStackTrace(id uint32) (Trace, bool) {
	if id == 0 {
		return Trace{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byID[id]
	return t, ok
}

func (c *Cache) intern(id uint32, pcs []uintptr) {
	atomic.AddInt64(&c.seen, 1)

	c.mu.RLock()
	_, exists := c.byID[id]
	c.mu.RUnlock()
	if exists {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byID[id]; exists {
		return
	}
	cp := make([]uintptr, len(pcs))
	copy(cp, pcs)
	c.byID[id] = Trace{PCs: cp}
}

// fingerprint computes a 32-bit FNV-1a hash over the raw program
// counters, matching the spirit of the teacher's own stack
// deduplication hash but truncated to 32 bits since a block's header
// only has a uint32 to spend on the reference.
func fingerprint(pcs []uintptr) uint32 {
	h := fnv.New32a()
	var buf [8]byte
	for _, pc := range pcs {
		for i := 0; i < 8; i++ {
			buf[i] = byte(pc >> (8 * i))
		}
		_, _ = h.Write(buf[:])
	}
	sum := h.Sum32()
	if sum == 0 {
		// Reserve 0 to mean "no stack captured".
		sum = 1
	}
	return sum
}

// CompressionStats reports how much deduplication the cache is getting
// and logs it at debug level.
func (c *Cache) CompressionStats() Stats {
	c.mu.RLock()
	unique := len(c.byID)
	var bytesResident int64
	for _, t := range c.byID {
		bytesResident += int64(len(t.PCs)) * 8
	}
	c.mu.RUnlock()

	stats := Stats{
		UniqueTraces:  unique,
		TotalCaptures: atomic.LoadInt64(&c.seen),
		BytesResident: bytesResident,
	}
	c.logger.Debug("stackcache.CompressionStats",
		slog.Int("unique_traces", stats.UniqueTraces),
		slog.Int64("total_captures", stats.TotalCaptures),
		slog.Int64("bytes_resident", stats.BytesResident),
	)
	return stats
}
