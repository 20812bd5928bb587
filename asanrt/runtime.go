// Package asanrt is the public entry point for the shadow-memory heap
// instrumentation runtime: it assembles the shadow array, block heap
// manager, stack cache, and error filter into one process-wide Runtime
// value and exposes the operations instrumented code actually calls.
package asanrt

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/shadowmem/asanrt/internal/block"
	"github.com/shadowmem/asanrt/internal/config"
	"github.com/shadowmem/asanrt/internal/errorfilter"
	"github.com/shadowmem/asanrt/internal/heap"
	"github.com/shadowmem/asanrt/internal/heapcheck"
	"github.com/shadowmem/asanrt/internal/report"
	"github.com/shadowmem/asanrt/internal/shadow"
	"github.com/shadowmem/asanrt/internal/stackcache"
)

// RuntimeParams is the fully parsed configuration a Runtime is built
// from; re-exported from internal/config so callers never need to
// import an internal package directly.
type RuntimeParams = config.RuntimeParams

// Defaults returns the default parameter set, the one ParseConfig
// starts from. Initialise does not fill unset fields of its params from
// this set; it uses params as given.
func Defaults() RuntimeParams { return config.Defaults() }

// ParseConfig tokenises raw ("--key=value" tokens separated by
// whitespace) into a RuntimeParams, applied on top of Defaults.
func ParseConfig(raw string, warn config.Warner) (RuntimeParams, error) {
	return config.Parse(raw, warn)
}

// HeapID identifies one logical block heap; re-exported from
// internal/heap for the same reason RuntimeParams is.
type HeapID = heap.HeapID

const (
	ProcessHeapID  = heap.ProcessHeapID
	InternalHeapID = heap.InternalHeapID
)

// AccessMode distinguishes a read fault from a write fault, re-exported
// from internal/errorfilter.
type AccessMode = errorfilter.AccessMode

const (
	AccessRead  = errorfilter.AccessRead
	AccessWrite = errorfilter.AccessWrite
)

// ErrorKind is the closed set of fault classifications this runtime
// produces, re-exported from internal/errorfilter.
type ErrorKind = errorfilter.Kind

const (
	KindUnknown             = errorfilter.KindUnknown
	KindHeapBufferOverflow  = errorfilter.KindHeapBufferOverflow
	KindHeapBufferUnderflow = errorfilter.KindHeapBufferUnderflow
	KindUseAfterFree        = errorfilter.KindUseAfterFree
	KindDoubleFree          = errorfilter.KindDoubleFree
	KindCorruptBlock        = errorfilter.KindCorruptBlock
	KindCorruptHeap         = errorfilter.KindCorruptHeap
	KindWildAccess          = errorfilter.KindWildAccess
	KindInvalidAddress      = errorfilter.KindInvalidAddress
	KindUnknownBadAccess    = errorfilter.KindUnknownBadAccess
)

// ErrorRecord describes one classified fault, re-exported from
// internal/errorfilter.
type ErrorRecord = errorfilter.ErrorRecord

// ErrorCallback receives every fault the runtime classifies.
type ErrorCallback = errorfilter.Callback

// SentinelExceptionCode is the runtime's custom 32-bit exception code:
// severity error, the customer bit set, facility 0x68B, status 0x5AD0.
const SentinelExceptionCode = errorfilter.SentinelExceptionCode

// IsSentinelException reports whether err is the runtime's own sentinel
// exception, as opposed to some unrelated error.
func IsSentinelException(err error) bool { return errorfilter.IsSentinelException(err) }

// PageGuard is the OS page-protection collaborator the shadow depends
// on; re-exported so a caller assembling a Runtime can supply a real
// implementation without importing internal/shadow.
type PageGuard = shadow.PageGuard

// Runtime is the process-wide assembly of every component: one per
// process, constructed by Initialise and torn down by Teardown.
type Runtime struct {
	params  RuntimeParams
	shadow  *shadow.Shadow
	stacks  *stackcache.Cache
	manager *heap.Manager
	filter  *errorfilter.Filter
	logger  *slog.Logger

	torn bool
}

// Initialise builds a Runtime from params. guard and logger are both
// optional: a nil guard uses an in-memory no-op (fine for tests and for
// hosts with no real page-protection primitive wired up yet); a nil
// logger uses slog.Default().
func Initialise(params RuntimeParams, guard PageGuard, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sh, err := shadow.New(params, guard, logger)
	if err != nil {
		return nil, errors.Wrap(err, "asanrt: initialise shadow")
	}
	stacks := stackcache.New(params, logger)
	manager, err := heap.New(params, sh, stacks, logger)
	if err != nil {
		return nil, errors.Wrap(err, "asanrt: initialise heap manager")
	}
	filter := errorfilter.New(params, sh, manager, stacks, logger)

	return &Runtime{
		params:  params,
		shadow:  sh,
		stacks:  stacks,
		manager: manager,
		filter:  filter,
		logger:  logger,
	}, nil
}

// Teardown destroys every heap created with CreateHeap, flushing its
// quarantine and releasing whatever memory it still holds. The process
// and internal heaps are not destroyed and their quarantines are not
// flushed. A Runtime must not be used after Teardown returns.
func (r *Runtime) Teardown() error {
	if r.torn {
		return errors.New("asanrt: runtime already torn down")
	}
	r.torn = true

	m := r.manager.Stats()
	for id := range m {
		if id == heap.ProcessHeapID || id == heap.InternalHeapID {
			continue
		}
		if err := r.manager.DestroyHeap(id); err != nil {
			r.logger.Error("asanrt: teardown failed to destroy heap", slog.Uint64("heap", uint64(id)), slog.Any("error", err))
		}
	}
	return nil
}

// SetErrorCallback installs cb as the callback every classified fault is
// routed to. Passing nil restores the default (log, optionally
// Sentry-report, optionally minidump, optionally exit).
func (r *Runtime) SetErrorCallback(cb ErrorCallback) { r.filter.SetErrorCallback(cb) }

// SetMinidumpWriter configures where the default error callback writes
// a minidump when RuntimeParams.MinidumpOnFailure is set.
func (r *Runtime) SetMinidumpWriter(w report.MinidumpWriter) { r.filter.SetMinidumpWriter(w) }

// SetTextLogger configures an additional structured-report sink beyond
// the runtime's own slog line.
func (r *Runtime) SetTextLogger(l report.Logger) { r.filter.SetTextLogger(l) }

// CheckAccess is the hot-path instrumentation guard every load/store
// site calls before touching memory. A nil return means the access is
// permitted; a non-nil return means the fault has already been
// classified and reported through the configured callback.
func (r *Runtime) CheckAccess(addr uintptr, size int, mode AccessMode, threadID uint32) error {
	return r.filter.CheckAccess(addr, size, mode, threadID)
}

// CreateHeap registers a new logical heap and returns its id.
func (r *Runtime) CreateHeap() (HeapID, error) { return r.manager.CreateHeap() }

// DestroyHeap flushes id's quarantine and forgets the heap. The process
// and internal heaps cannot be destroyed this way.
func (r *Runtime) DestroyHeap(id HeapID) error { return r.manager.DestroyHeap(id) }

// Allocate reserves bytes from heap id and returns the body address.
func (r *Runtime) Allocate(id HeapID, bytes int, threadID uint32) (uintptr, error) {
	return r.manager.Allocate(id, bytes, threadID)
}

// Free returns the block at body (previously returned by Allocate on
// heap id) to quarantine. A double-free or corrupt header is reported
// through the error callback the same way an access-time fault is,
// rather than merely returned as a plain error.
func (r *Runtime) Free(id HeapID, body uintptr, threadID uint32) error {
	err := r.manager.Free(id, body, threadID)
	if err == nil {
		return nil
	}
	kind := errorfilter.ClassifyFreeError(err)
	if kind == KindUnknownBadAccess {
		return err
	}
	return r.filter.ReportFreeError(kind, body, threadID)
}

// Size returns the body size of the live block at body, the same
// bookkeeping a real allocator's msize/_msize entry point exposes.
func (r *Runtime) Size(body uintptr) (int, error) {
	mem, ok := r.manager.MemoryFor(body)
	if !ok {
		return 0, errors.Newf("asanrt: %#x is not a live block", body)
	}
	header, _, err := block.GetHeaderFromBody(mem, body)
	if err != nil {
		return 0, err
	}
	return int(header.BodySize), nil
}

// SetAllocationFilterFlag sets or clears threadID's allocation filter
// flag, used to route guarded allocations into the zebra heap.
func (r *Runtime) SetAllocationFilterFlag(threadID uint32, enabled bool) {
	r.manager.SetAllocationFilterFlag(threadID, enabled)
}

// GetAllocationFilterFlag reports threadID's current allocation filter
// flag.
func (r *Runtime) GetAllocationFilterFlag(threadID uint32) bool {
	return r.manager.AllocationFilterFlag(threadID)
}

// Lock and Unlock give a caller (typically a crash handler running on
// another thread) a best-effort consistent view across every logical
// heap; see heap.Manager.BestEffortLockAll for the exact guarantee.
func (r *Runtime) Lock()   { r.manager.BestEffortLockAll() }
func (r *Runtime) Unlock() { r.manager.UnlockAll() }

// LockFailures reports which heaps the most recent Lock call could not
// acquire.
func (r *Runtime) LockFailures() []HeapID { return r.manager.LockFailures() }

// CheckHeap runs a whole-heap corruption scan outside the crash path
// and reports KindCorruptHeap through the configured callback if it
// finds anything.
func (r *Runtime) CheckHeap(ctx context.Context) error {
	return r.filter.RunDiagnosticSweep(ctx)
}

// Snapshot is a JSON-serialisable bundle of every layer's diagnostics:
// shadow marker population, per-heap arena/quarantine occupancy, and
// stack-cache deduplication efficiency.
type Snapshot struct {
	Shadow     shadow.ShadowStats
	Heaps      map[HeapID]heap.HeapStats
	StackCache stackcache.Stats
}

// Snapshot gathers a diagnostic snapshot of the whole runtime. It walks
// the entire shadow array and every heap's bookkeeping, so it is not
// intended to be called from a hot path.
func (r *Runtime) Snapshot() Snapshot {
	return Snapshot{
		Shadow:     r.shadow.Stats(),
		Heaps:      r.manager.Stats(),
		StackCache: r.stacks.CompressionStats(),
	}
}

// checker exposes a heapcheck.Checker over this runtime's shadow and
// manager, for callers that want the raw CorruptRange list rather than
// CheckHeap's callback-routed report.
func (r *Runtime) checker() *heapcheck.Checker {
	return heapcheck.New(r.shadow, r.manager, true)
}

// InspectHeap runs the same scan CheckHeap does but returns the corrupt
// ranges directly instead of routing them through the error callback,
// for callers building their own diagnostics rather than reacting to a
// crash.
func (r *Runtime) InspectHeap(ctx context.Context) ([]heapcheck.CorruptRange, error) {
	r.Lock()
	defer r.Unlock()
	return r.checker().Check(ctx)
}
