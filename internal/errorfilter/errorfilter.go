// Package errorfilter classifies memory-access faults the shadow rejects
// (or that heap.Manager's free path rejects outright) into one of a
// small closed set of error kinds, and drives the crash-path reporting
// pipeline: an optional whole-heap scan, a configurable callback, and a
// sentinel-exception fallback for a caller with no callback of its own.
package errorfilter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/getsentry/sentry-go"

	"github.com/shadowmem/asanrt/internal/block"
	"github.com/shadowmem/asanrt/internal/config"
	"github.com/shadowmem/asanrt/internal/heap"
	"github.com/shadowmem/asanrt/internal/heapcheck"
	"github.com/shadowmem/asanrt/internal/report"
	"github.com/shadowmem/asanrt/internal/shadow"
	"github.com/shadowmem/asanrt/internal/stackcache"
)

// Kind is the closed set of error classifications this runtime produces.
type Kind int

const (
	KindUnknown Kind = iota
	KindHeapBufferOverflow
	KindHeapBufferUnderflow
	KindUseAfterFree
	KindDoubleFree
	KindCorruptBlock
	KindCorruptHeap
	KindWildAccess
	KindInvalidAddress
	KindUnknownBadAccess
)

func (k Kind) String() string {
	switch k {
	case KindHeapBufferOverflow:
		return "HEAP_BUFFER_OVERFLOW"
	case KindHeapBufferUnderflow:
		return "HEAP_BUFFER_UNDERFLOW"
	case KindUseAfterFree:
		return "USE_AFTER_FREE"
	case KindDoubleFree:
		return "DOUBLE_FREE"
	case KindCorruptBlock:
		return "CORRUPT_BLOCK"
	case KindCorruptHeap:
		return "CORRUPT_HEAP"
	case KindWildAccess:
		return "WILD_ACCESS"
	case KindInvalidAddress:
		return "INVALID_ADDRESS"
	case KindUnknownBadAccess:
		return "UNKNOWN_BAD_ACCESS"
	default:
		return "UNKNOWN"
	}
}

// AccessMode distinguishes a read fault from a write fault.
type AccessMode int

const (
	AccessRead AccessMode = iota
	AccessWrite
)

func (m AccessMode) String() string {
	if m == AccessWrite {
		return "write"
	}
	return "read"
}

// SentinelExceptionCode is the runtime's custom 32-bit exception code:
// severity=error (bits 31-30 = 3), the customer bit set (bit 29), the
// facility 0x68B (bits 28-16), and status 0x5AD0 (bits 15-0). Any code
// the filter observes with this exact value is one it raised itself on
// a previous, already-fully-processed fault, not a fresh one.
const SentinelExceptionCode uint32 = (3 << 30) | (1 << 29) | (0x68B << 16) | 0x5AD0

// ErrorRecord is the in-process description of one classified fault. Its
// stack traces and block info are live views into stackcache/block, not
// yet flattened to the wire form report.Record uses; toReportRecord does
// that flattening once, at the point a record actually needs to cross
// the Logger/MinidumpWriter/Sentry boundary.
type ErrorRecord struct {
	Kind      Kind
	FaultAddr uintptr
	Mode      AccessMode
	ThreadID  uint32

	Geometry *shadow.BlockInfo
	Block    *block.Info

	AllocStack stackcache.Trace
	FreeStack  stackcache.Trace

	CorruptRanges []heapcheck.CorruptRange

	// suppressed is set by classify (via populateFromBlock) when the fault's alloc or
	// free stack id is in params.IgnoredStackIDs. A suppressed record is
	// never handed to the callback and reportFault returns nil for it.
	suppressed bool
}

// ignores reports whether id is one of params.IgnoredStackIDs.
func (f *Filter) ignores(id uint32) bool {
	_, ok := f.params.IgnoredStackIDs[id]
	return ok
}

// SentinelException is the error returned by CheckAccess/RunDiagnosticSweep
// once a fault has been fully classified and reported. It stands in for
// the specification's "raise the runtime's sentinel exception": Go has no
// structured-exception primitive to substitute for, so the contract is
// simply that a non-nil error return means the access was forbidden and
// has already been reported through the configured callback.
type SentinelException struct {
	Record ErrorRecord
}

func (e *SentinelException) Error() string {
	return fmt.Sprintf("errorfilter: %s at %#x (sentinel code %#x)", e.Record.Kind, e.Record.FaultAddr, SentinelExceptionCode)
}

// IsSentinelException reports whether err is (or wraps) a SentinelException.
func IsSentinelException(err error) bool {
	var e *SentinelException
	return errors.As(err, &e)
}

// Callback receives every classified fault. The zero Filter uses
// defaultCallback; SetErrorCallback installs a replacement.
type Callback func(ErrorRecord)

// MemoryResolver is the subset of heap.Manager the filter needs: given
// an address, find the block.Memory it lives in, and (for the heap-wide
// scan) run a best-effort lock/unlock pass across every logical heap.
type MemoryResolver interface {
	heapcheck.MemoryResolver
	BestEffortLockAll()
	UnlockAll()
}

var _ MemoryResolver = (*heap.Manager)(nil)

// Filter is the process-wide fault classifier. One Filter is normally
// constructed per Runtime and shared by every instrumented access site.
type Filter struct {
	shadow   *shadow.Shadow
	manager  MemoryResolver
	checker  *heapcheck.Checker
	stacks   *stackcache.Cache
	params   config.RuntimeParams
	logger   *slog.Logger
	sentryHub *sentry.Hub
	minidump report.MinidumpWriter
	textLog  report.Logger

	// mu is the global error-processing mutex: only one fault is ever
	// being classified and reported at a time.
	mu sync.Mutex
	// freezeMu is a dedicated page-protection-freeze mutex, distinct from
	// shadow's own internal one (see internal/errorfilter's DESIGN.md
	// entry for why sharing that lock here would deadlock).
	freezeMu sync.Mutex

	callbackMu sync.Mutex
	callback   Callback

	exit func(int)
}

// New builds a Filter. sentryHub, minidump, and textLog are all optional
// external collaborators; a nil value simply disables that sink.
func New(params config.RuntimeParams, sh *shadow.Shadow, manager MemoryResolver, stacks *stackcache.Cache, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{
		shadow:    sh,
		manager:   manager,
		checker:   heapcheck.New(sh, manager, true),
		stacks:    stacks,
		params:    params,
		logger:    logger,
		sentryHub: params.SentryHub,
		exit:      os.Exit,
	}
}

// SetSentryHub overrides the Sentry hub the default callback annotates
// and reports faults to, beyond whatever params.SentryHub supplied at
// construction time. A nil hub disables Sentry reporting entirely,
// independent of params.DisableBreakpadReporting.
func (f *Filter) SetSentryHub(hub *sentry.Hub) { f.sentryHub = hub }

// SetMinidumpWriter configures where the default callback writes a
// minidump when params.MinidumpOnFailure is set.
func (f *Filter) SetMinidumpWriter(w report.MinidumpWriter) { f.minidump = w }

// SetTextLogger configures an additional structured-report sink beyond
// f.logger's plain slog line; typically the host application's own
// diagnostics collector.
func (f *Filter) SetTextLogger(l report.Logger) { f.textLog = l }

// SetErrorCallback installs cb as the callback every classified fault is
// routed to, replacing defaultCallback. Passing nil restores the default.
func (f *Filter) SetErrorCallback(cb Callback) {
	f.callbackMu.Lock()
	defer f.callbackMu.Unlock()
	f.callback = cb
}

// CheckAccess is the hot-path instrumentation guard: it inspects every
// byte of [addr, addr+size) and, on the first one the shadow rejects,
// classifies and reports the fault before returning a non-nil error. If
// CheckAccess returns nil, the access is permitted; per the
// specification's own phrasing, that is the entire contract a caller
// needs.
func (f *Filter) CheckAccess(addr uintptr, size int, mode AccessMode, threadID uint32) error {
	for i := 0; i < size; i++ {
		probe := addr + uintptr(i)
		if !f.shadow.IsAccessible(probe) {
			return f.reportFault(probe, mode, threadID)
		}
	}
	return nil
}

// reportFault runs the full crash-path pipeline for one fault: classify,
// optionally scan the whole heap, invoke the callback, and return the
// resulting SentinelException.
func (f *Filter) reportFault(faultAddr uintptr, mode AccessMode, threadID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freezeMu.Lock()
	defer f.freezeMu.Unlock()

	record := f.classify(faultAddr, mode, threadID)
	if record.suppressed {
		return nil
	}

	if f.params.CheckHeapOnFailure {
		f.attachHeapCheck(&record)
	}

	f.invokeCallback(record)
	return &SentinelException{Record: record}
}

// classify determines an ErrorRecord's Kind from the shadow marker at
// faultAddr, recovering block geometry and header/trailer state when the
// marker indicates the address falls inside some block's envelope.
func (f *Filter) classify(faultAddr uintptr, mode AccessMode, threadID uint32) ErrorRecord {
	record := ErrorRecord{Kind: KindUnknownBadAccess, FaultAddr: faultAddr, Mode: mode, ThreadID: threadID}

	if faultAddr < shadow.InvalidAddressSize {
		record.Kind = KindInvalidAddress
		return record
	}
	if faultAddr >= f.shadow.Limit() {
		record.Kind = KindWildAccess
		return record
	}

	marker, err := f.shadow.MarkerAt(faultAddr)
	if err != nil {
		record.Kind = KindWildAccess
		return record
	}

	switch {
	case marker == shadow.MarkerAsanMemory || marker == shadow.MarkerAsanReserved:
		record.Kind = KindWildAccess
	case marker == shadow.MarkerZebraGuard:
		// A zebra stripe carries no block envelope to recover geometry
		// from (see internal/heap's design note); any touch of its guard
		// page is, by construction, one byte or more past the body it
		// flanks.
		record.Kind = KindHeapBufferOverflow
	case marker.IsRedzone() || marker == shadow.MarkerHeapFreed:
		f.populateFromBlock(&record, faultAddr, marker)
	default:
		record.Kind = KindUnknownBadAccess
	}
	return record
}

// populateFromBlock recovers the enclosing block's geometry and header
// and finishes classification for a redzone or freed-body fault.
// Temporarily lifting page protection only applies when the address
// actually sits behind a real guard page (zebra or large-block heap); a
// default-heap redzone is a pure shadow check with nothing to unprotect.
func (f *Filter) populateFromBlock(record *ErrorRecord, faultAddr uintptr, marker shadow.Marker) {
	geom, err := f.shadow.BlockInfoFromShadow(faultAddr)
	if err != nil {
		record.Kind = KindCorruptBlock
		return
	}
	record.Geometry = &geom

	mem, ok := f.manager.MemoryFor(geom.Base)
	if !ok {
		record.Kind = KindWildAccess
		return
	}

	layout, err := block.PlanLayout(heap.DefaultAlignment, geom.BodySize, heap.MinLeftRedzoneBytes, heap.MinRightRedzoneBytes)
	if err != nil {
		record.Kind = KindCorruptBlock
		return
	}

	protected := f.shadow.PageIsProtected(geom.Base)
	if protected {
		_ = f.shadow.MarkPagesProtected(geom.Base, layout.TotalSize, false)
		defer func() { _ = f.shadow.MarkPagesProtected(geom.Base, layout.TotalSize, true) }()
	}

	info, err := block.Validate(mem, geom.Base, layout)
	if err != nil {
		record.Kind = KindCorruptBlock
		return
	}
	record.Block = &info

	if trace, ok := f.stacks.GetStackTrace(info.Header.AllocStackID); ok {
		record.AllocStack = trace
	}
	if f.ignores(info.Header.AllocStackID) {
		record.suppressed = true
	}

	if marker == shadow.MarkerHeapFreed {
		record.Kind = KindUseAfterFree
		if trace, ok := f.stacks.GetStackTrace(info.Trailer.FreeStackID); ok {
			record.FreeStack = trace
		}
		if f.ignores(info.Trailer.FreeStackID) {
			record.suppressed = true
		}
		return
	}

	if faultAddr < geom.Body {
		record.Kind = KindHeapBufferUnderflow
	} else {
		record.Kind = KindHeapBufferOverflow
	}
}

// maxCorruptRangesInReport bounds how many corrupt ranges a single
// report carries, mirroring the specification's stack-buffer heuristic
// for the crash path (allocate a bounded buffer, leave headroom for the
// downstream crash reporter) without literally allocating on the stack,
// which Go gives no control over from a library.
const maxCorruptRangesInReport = 64

// attachHeapCheck runs a whole-heap scan under a best-effort lock of
// every logical heap and attaches the resulting corrupt ranges (if any)
// to record, without changing the Kind an access-violation already
// classified to.
func (f *Filter) attachHeapCheck(record *ErrorRecord) {
	f.manager.BestEffortLockAll()
	defer f.manager.UnlockAll()

	ranges, err := f.checker.Check(context.Background())
	if err != nil {
		f.logger.Error("errorfilter: heap check during fault handling failed", slog.String("error", err.Error()))
		return
	}
	if len(ranges) > maxCorruptRangesInReport {
		f.logger.Warn("errorfilter: heap check found more corrupt ranges than the report can carry",
			slog.Int("found", len(ranges)), slog.Int("reported", maxCorruptRangesInReport))
		ranges = ranges[:maxCorruptRangesInReport]
	}
	record.CorruptRanges = ranges
}

// RunDiagnosticSweep runs a whole-heap scan with no triggering fault
// address at all — a periodic or on-demand corruption check rather than
// something raised in response to a specific bad access. It reports
// KindCorruptHeap through the configured callback when corruption is
// found, and returns nil when the heap is clean.
func (f *Filter) RunDiagnosticSweep(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.manager.BestEffortLockAll()
	ranges, err := f.checker.Check(ctx)
	f.manager.UnlockAll()
	if err != nil {
		return errors.Wrap(err, "errorfilter: diagnostic sweep")
	}
	if len(ranges) == 0 {
		return nil
	}

	record := ErrorRecord{Kind: KindCorruptHeap, CorruptRanges: ranges}
	f.invokeCallback(record)
	return &SentinelException{Record: record}
}

// ClassifyFreeError maps a heap.Manager.Free error into the same Kind
// taxonomy CheckAccess produces, so a free-time failure and an
// access-time fault can be routed through one reporting path.
func ClassifyFreeError(err error) Kind {
	switch {
	case errors.Is(err, heap.ErrDoubleFree):
		return KindDoubleFree
	case errors.Is(err, heap.ErrCorruptBlock):
		return KindCorruptBlock
	default:
		return KindUnknownBadAccess
	}
}

// ReportFreeError runs a free-time failure through the same reporting
// pipeline reportFault uses for an access-time fault: no heap check is
// attached (the caller already knows exactly which block is bad), the
// callback is invoked, and the resulting SentinelException is returned
// for the caller to propagate.
func (f *Filter) ReportFreeError(kind Kind, faultAddr uintptr, threadID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	record := ErrorRecord{Kind: kind, FaultAddr: faultAddr, ThreadID: threadID}
	if f.freeStackSuppressed(faultAddr) {
		return nil
	}

	f.invokeCallback(record)
	return &SentinelException{Record: record}
}

// freeStackSuppressed recovers the header of the block at body, best
// effort, and reports whether either its alloc or free stack id is in
// params.IgnoredStackIDs. A block that can no longer be read (corrupt
// header, unknown address) is never suppressed on that basis alone.
func (f *Filter) freeStackSuppressed(body uintptr) bool {
	if len(f.params.IgnoredStackIDs) == 0 {
		return false
	}
	mem, ok := f.manager.MemoryFor(body)
	if !ok {
		return false
	}
	header, base, err := block.GetHeaderFromBody(mem, body)
	if err != nil {
		return false
	}
	if f.ignores(header.AllocStackID) {
		return true
	}

	layout, err := block.PlanLayout(heap.DefaultAlignment, int(header.BodySize), heap.MinLeftRedzoneBytes, heap.MinRightRedzoneBytes)
	if err != nil {
		return false
	}
	buf := make([]byte, block.TrailerSize)
	if err := mem.ReadAt(base+uintptr(layout.TrailerOffset), buf); err == nil {
		if trailer, err := block.UnmarshalTrailer(buf); err == nil && f.ignores(trailer.FreeStackID) {
			return true
		}
	}
	return false
}

func (f *Filter) invokeCallback(record ErrorRecord) {
	f.callbackMu.Lock()
	cb := f.callback
	f.callbackMu.Unlock()
	if cb == nil {
		cb = f.defaultCallback
	}
	cb(record)
}

// defaultCallback logs the fault, annotates and captures a Sentry event
// if a hub is configured, writes a minidump if configured, and either
// exits the process (params.ExitOnFailure) or otherwise leaves the
// already-returned SentinelException to propagate to the caller.
func (f *Filter) defaultCallback(record ErrorRecord) {
	f.logger.Error("errorfilter: fault detected",
		slog.String("kind", record.Kind.String()),
		slog.Uint64("fault_addr", uint64(record.FaultAddr)),
		slog.String("mode", record.Mode.String()),
		slog.Uint64("thread_id", uint64(record.ThreadID)))

	rec := f.toReportRecord(record)

	if f.textLog != nil {
		if err := f.textLog.Log(rec); err != nil {
			f.logger.Error("errorfilter: text log sink failed", slog.String("error", err.Error()))
		}
	}

	if !f.params.DisableBreakpadReporting && f.sentryHub != nil {
		f.reportToSentry(rec)
	}

	if f.params.MinidumpOnFailure && f.minidump != nil {
		if err := f.minidump.Write(rec); err != nil {
			f.logger.Error("errorfilter: minidump write failed", slog.String("error", err.Error()))
		}
	}

	if f.params.ExitOnFailure {
		f.exit(1)
	}
}

func (f *Filter) reportToSentry(rec report.Record) {
	data, err := rec.MarshalJSON()
	if err != nil {
		f.logger.Error("errorfilter: could not marshal report for sentry", slog.String("error", err.Error()))
		return
	}

	event := sentry.NewEvent()
	event.Level = sentry.LevelFatal
	event.Message = rec.Kind.String()
	event.Extra = map[string]interface{}{
		"shadow_snapshot": string(data),
	}
	f.sentryHub.CaptureEvent(event)
}

// toReportRecord flattens an in-process ErrorRecord into the wire form
// report.Record uses.
func (f *Filter) toReportRecord(record ErrorRecord) report.Record {
	rec := report.Record{
		Kind:      report.Kind(record.Kind),
		FaultAddr: uint64(record.FaultAddr),
		ThreadID:  record.ThreadID,
	}
	if record.Geometry != nil {
		rec.BlockBase = uint64(record.Geometry.Base)
		rec.BlockBodySize = record.Geometry.BodySize
	}
	if record.Block != nil {
		rec.Tick = record.Block.Trailer.TickAtFree
	}
	rec.AllocStack = tracesToFrames(record.AllocStack)
	rec.FreeStack = tracesToFrames(record.FreeStack)
	for _, cr := range record.CorruptRanges {
		rec.CorruptRanges = append(rec.CorruptRanges, report.CorruptRange{
			Start:  uint64(cr.Start),
			End:    uint64(cr.End),
			Blocks: cr.Blocks,
		})
	}
	return rec
}

// tracesToFrames resolves a Trace's raw program counters to the
// function/file/line triples report.Frame carries, using the same
// runtime.CallersFrames iteration Trace.Format uses for its
// human-readable rendering.
func tracesToFrames(t stackcache.Trace) []report.Frame {
	if len(t.PCs) == 0 {
		return nil
	}
	frames := make([]report.Frame, 0, len(t.PCs))
	iter := runtime.CallersFrames(t.PCs)
	for {
		frame, more := iter.Next()
		if frame.PC == 0 {
			break
		}
		frames = append(frames, report.Frame{Function: frame.Function, File: frame.File, Line: frame.Line})
		if !more {
			break
		}
	}
	return frames
}
