// Package heap owns the set of underlying heaps instrumented
// allocations are actually served from, and dispatches each allocation
// and free to the right one: a default per-logical-heap arena, a
// shared large-block heap, a shared zebra (page-guarded) heap, and the
// process and internal heaps used for allocations made against the
// process heap and for bookkeeping allocations respectively.
package heap

import (
	"log/slog"
	"math/rand"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/shadowmem/asanrt/internal/block"
	"github.com/shadowmem/asanrt/internal/config"
	"github.com/shadowmem/asanrt/internal/quarantine"
	"github.com/shadowmem/asanrt/internal/shadow"
	"github.com/shadowmem/asanrt/internal/stackcache"
	"github.com/shadowmem/asanrt/internal/syncutil"
)

// HeapID identifies one logical default-block heap a caller has
// created. ProcessHeapID and InternalHeapID name the two heaps the
// manager always provides.
type HeapID uint32

const (
	// ProcessHeapID is the heap backing allocations instrumented code
	// makes against "the process heap" rather than a heap it created
	// itself.
	ProcessHeapID HeapID = 0
	// InternalHeapID is the heap the runtime's own bookkeeping
	// allocations go through; never poisoned, never quarantined.
	InternalHeapID HeapID = 1

	firstUserHeapID HeapID = 2

	// DefaultAlignment, MinLeftRedzoneBytes, and MinRightRedzoneBytes are
	// the fixed parameters every enveloped allocation (default or
	// large-block heap) is planned with. They are exported so
	// internal/heapcheck can independently recompute a block's Layout
	// from a shadow-derived body size, the same way Free and quarantine
	// eviction recompute it from a header-derived one.
	DefaultAlignment     = 8
	MinLeftRedzoneBytes  = 16
	MinRightRedzoneBytes = 16

	defaultAlignment     = DefaultAlignment
	minLeftRedzoneBytes  = MinLeftRedzoneBytes
	minRightRedzoneBytes = MinRightRedzoneBytes

	defaultHeapRegionSize  = 2 << 20
	processHeapRegionSize  = 8 << 20
	internalHeapRegionSize = 4 << 20
	largeHeapPageSize      = 4096
)

// ErrDoubleFree and ErrCorruptBlock are returned by Free when the
// header it recovers says the block is already quarantined, or fails
// checksum verification. A caller that wants to classify and report the
// fault (rather than merely learn that Free failed) should wrap a
// higher layer around these sentinels with errors.Is.
var (
	ErrDoubleFree   = errors.New("heap: double free")
	ErrCorruptBlock = errors.New("heap: corrupt block metadata")
	ErrUnknownHeap  = errors.New("heap: unknown heap id")
)

type logicalHeap struct {
	id         HeapID
	mu         syncutil.OptionalRWMutex
	arena      *arena
	quarantine *quarantine.Quarantine

	unwrappedMu sync.Mutex
	unwrapped   map[uintptr]int
}

// Manager owns every underlying heap and dispatches allocation and free
// requests across them according to sampling, the allocation filter,
// and size thresholds.
type Manager struct {
	mu           sync.Mutex
	logicalHeaps map[HeapID]*logicalHeap
	nextHeapID   HeapID

	addrs  *addressSpace
	shadow *shadow.Shadow
	stacks *stackcache.Cache
	params config.RuntimeParams
	logger *slog.Logger

	large *largeHeap
	zebra *zebraHeap

	tick block.TickCounter

	filterFlags sync.Map // uint32 threadID -> bool

	lockMu       sync.Mutex
	lockFailures []HeapID

	heldMu sync.Mutex
	held   []*logicalHeap
}

// New builds a Manager with the process and internal heaps already
// registered.
func New(params config.RuntimeParams, sh *shadow.Shadow, stacks *stackcache.Cache, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addrs := newAddressSpace(sh.Base()+shadow.InvalidAddressSize, sh.Limit())

	m := &Manager{
		logicalHeaps: make(map[HeapID]*logicalHeap),
		nextHeapID:   firstUserHeapID,
		addrs:        addrs,
		shadow:       sh,
		stacks:       stacks,
		params:       params,
		logger:       logger,
		large:        newLargeHeap(addrs, largeHeapPageSize, sh),
	}

	if params.EnableZebraBlockHeap {
		stripeSize := params.ZebraStripeSize
		if stripeSize <= 0 {
			stripeSize = largeHeapPageSize
		}
		const zebraRegionSize = 1 << 20
		numStripes := zebraRegionSize / (2 * stripeSize)
		if numStripes < 1 {
			numStripes = 1
		}
		base, err := addrs.Reserve(numStripes*2*stripeSize, uintptr(stripeSize))
		if err != nil {
			return nil, errors.Wrap(err, "heap: reserve zebra region")
		}
		m.zebra = newZebraHeap(base, stripeSize, numStripes, sh)
	}

	if err := m.registerHeap(ProcessHeapID, processHeapRegionSize); err != nil {
		return nil, err
	}
	if err := m.registerHeap(InternalHeapID, internalHeapRegionSize); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) registerHeap(id HeapID, regionSize int) error {
	base, err := m.addrs.Reserve(regionSize, defaultAlignment)
	if err != nil {
		return errors.Wrapf(err, "heap: reserve region for heap %d", id)
	}
	lh := &logicalHeap{
		id:         id,
		arena:      newArena(base, regionSize),
		quarantine: quarantine.New(m.params.QuarantineShardCount),
		unwrapped:  make(map[uintptr]int),
	}
	lh.mu.UseMutex = true
	m.logicalHeaps[id] = lh
	return nil
}

// CreateHeap registers a new logical default-block heap and returns its
// id.
func (m *Manager) CreateHeap() (HeapID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextHeapID
	m.nextHeapID++
	if err := m.registerHeap(id, defaultHeapRegionSize); err != nil {
		return 0, err
	}
	return id, nil
}

// DestroyHeap flushes id's quarantine (releasing every block it still
// holds back to the shadow as addressable) and forgets the heap. The
// process and internal heaps cannot be destroyed.
func (m *Manager) DestroyHeap(id HeapID) error {
	if id == ProcessHeapID || id == InternalHeapID {
		return errors.Newf("heap: heap %d cannot be destroyed", id)
	}

	m.mu.Lock()
	lh, ok := m.logicalHeaps[id]
	if ok {
		delete(m.logicalHeaps, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownHeap
	}

	lh.quarantine.Flush(func(entry quarantine.Entry) {
		_ = m.releaseEnvelope(lh.arena, entry.Base)
	})
	return nil
}

// SetAllocationFilterFlag sets or clears the per-caller allocation
// filter flag used to route guarded allocations into the zebra heap.
// threadID stands in for the thread-local flag real ASan implementations
// keep: Go has no stable, directly addressable thread-local storage, so
// callers pass whatever identifier they use to mean "current thread".
func (m *Manager) SetAllocationFilterFlag(threadID uint32, enabled bool) {
	m.filterFlags.Store(threadID, enabled)
}

// AllocationFilterFlag reports the current filter flag for threadID.
func (m *Manager) AllocationFilterFlag(threadID uint32) bool {
	v, ok := m.filterFlags.Load(threadID)
	return ok && v.(bool)
}

func (m *Manager) heapByID(id HeapID) (*logicalHeap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lh, ok := m.logicalHeaps[id]
	if !ok {
		return nil, ErrUnknownHeap
	}
	return lh, nil
}

// Allocate dispatches bytes to the appropriate underlying heap per the
// sampling rate, allocation filter, and large-block threshold, and
// returns the body address.
func (m *Manager) Allocate(id HeapID, bytes int, threadID uint32) (uintptr, error) {
	lh, err := m.heapByID(id)
	if err != nil {
		return 0, err
	}

	lh.mu.Lock()
	defer lh.mu.Unlock()

	if id == InternalHeapID || !m.shouldGuard() {
		addr, err := lh.arena.Alloc(bytes, defaultAlignment)
		if err != nil {
			return 0, err
		}
		lh.unwrappedMu.Lock()
		lh.unwrapped[addr] = bytes
		lh.unwrappedMu.Unlock()
		return addr, nil
	}

	if m.zebra != nil && m.params.EnableAllocationFilter && m.AllocationFilterFlag(threadID) && bytes <= m.zebra.StripeSize() {
		return m.zebra.Alloc(bytes)
	}

	if bytes >= m.params.LargeBlockThreshold && !m.params.DisableLargeBlockHeap {
		return m.allocateEnveloped(m.large, func(layout block.Layout) (uintptr, error) {
			return m.large.Reserve(layout.TotalSize)
		}, bytes, threadID)
	}

	return m.allocateEnveloped(lh.arena, func(layout block.Layout) (uintptr, error) {
		return lh.arena.Alloc(layout.TotalSize, defaultAlignment)
	}, bytes, threadID)
}

func (m *Manager) shouldGuard() bool {
	rate := m.params.AllocationGuardRate
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return rand.Float64() < rate
}

func (m *Manager) allocateEnveloped(mem block.Memory, reserve func(block.Layout) (uintptr, error), bytes int, threadID uint32) (uintptr, error) {
	layout, err := block.PlanLayout(defaultAlignment, bytes, minLeftRedzoneBytes, minRightRedzoneBytes)
	if err != nil {
		return 0, err
	}
	base, err := reserve(layout)
	if err != nil {
		return 0, err
	}

	stackID := m.stacks.Capture(2)
	info, err := block.Initialize(mem, layout, base, false, threadID, stackID)
	if err != nil {
		return 0, err
	}

	spec := shadow.EnvelopeSpec{
		Base:         base,
		LeftRedzone:  layout.LeftRedzone(),
		BodySize:     bytes,
		RightRedzone: layout.RightRedzone(),
	}
	if err := m.shadow.PoisonAllocatedBlock(spec); err != nil {
		return 0, err
	}
	return info.Body(), nil
}

// Free locates the block at body (as allocated through heap id), verifies
// its header, transitions it to quarantined, and pushes it into id's
// quarantine, evicting older entries as needed.
func (m *Manager) Free(id HeapID, body uintptr, threadID uint32) error {
	lh, err := m.heapByID(id)
	if err != nil {
		return err
	}

	lh.mu.Lock()
	defer lh.mu.Unlock()

	lh.unwrappedMu.Lock()
	size, wasUnwrapped := lh.unwrapped[body]
	if wasUnwrapped {
		delete(lh.unwrapped, body)
	}
	lh.unwrappedMu.Unlock()
	if wasUnwrapped {
		return lh.arena.Free(body, size)
	}

	if m.zebra != nil && m.zebra.Owns(body) {
		return m.zebra.Free(body)
	}
	if m.large.Owns(body) {
		return m.freeEnveloped(lh, m.large, body, threadID)
	}
	return m.freeEnveloped(lh, lh.arena, body, threadID)
}

func (m *Manager) freeEnveloped(lh *logicalHeap, mem block.Memory, body uintptr, threadID uint32) error {
	header, base, err := block.GetHeaderFromBody(mem, body)
	if err != nil {
		return errors.Wrap(ErrCorruptBlock, err.Error())
	}

	layout, err := block.PlanLayout(defaultAlignment, int(header.BodySize), minLeftRedzoneBytes, minRightRedzoneBytes)
	if err != nil {
		return err
	}

	info, err := block.Validate(mem, base, layout)
	if err != nil {
		return errors.Wrap(ErrCorruptBlock, err.Error())
	}
	if info.Header.State == block.StateQuarantined {
		return ErrDoubleFree
	}
	if info.Header.State != block.StateAllocated {
		return ErrCorruptBlock
	}

	freeStackID := m.stacks.Capture(2)
	updated, err := block.ConvertToQuarantined(mem, info, threadID, m.tick.Next(), freeStackID)
	if err != nil {
		return err
	}
	if err := m.shadow.MarkAsFreed(updated.Body(), layout.BodyGranuleBytes); err != nil {
		return err
	}

	entry := quarantine.Entry{Base: base, TotalSize: int64(layout.TotalSize), Hash: freeStackID}

	if int64(layout.TotalSize) > m.params.QuarantineBlockSize {
		return m.releaseEnvelopeWithLayout(mem, base, layout)
	}

	lh.quarantine.Push(entry)
	lh.quarantine.Shrink(m.params.QuarantineSize, func(evicted quarantine.Entry) {
		if err := m.releaseEnvelope(mem, evicted.Base); err != nil {
			m.logger.Error("heap: failed to release evicted quarantine entry",
				slog.Uint64("base", uint64(evicted.Base)), slog.Any("error", err))
		}
	})
	return nil
}

// releaseEnvelope re-derives a block's layout from its header and
// releases it; used for quarantine eviction and heap teardown, where
// only the base address (not the layout) is in hand.
func (m *Manager) releaseEnvelope(mem block.Memory, base uintptr) error {
	buf := make([]byte, block.HeaderSize)
	if err := mem.ReadAt(base, buf); err != nil {
		return err
	}
	header, err := block.UnmarshalHeader(buf)
	if err != nil {
		return err
	}
	layout, err := block.PlanLayout(defaultAlignment, int(header.BodySize), minLeftRedzoneBytes, minRightRedzoneBytes)
	if err != nil {
		return err
	}

	if _, err := block.Validate(mem, base, layout); err != nil {
		return errors.Wrap(ErrCorruptBlock, err.Error())
	}
	return m.releaseEnvelopeWithLayout(mem, base, layout)
}

func (m *Manager) releaseEnvelopeWithLayout(mem block.Memory, base uintptr, layout block.Layout) error {
	if err := m.shadow.Unpoison(base, layout.TotalSize); err != nil {
		return err
	}
	switch mem := mem.(type) {
	case *arena:
		return mem.Free(base, layout.TotalSize)
	case *largeHeap:
		return mem.Release(base)
	default:
		return errors.Newf("heap: unrecognised underlying memory type for release")
	}
}

// BestEffortLockAll attempts to lock every logical heap for a
// coordinated inspection (e.g. the heap checker's full scan), without
// blocking on one a concurrent allocate or free is already holding.
// Heaps it could not lock are skipped and recorded for LockFailures;
// UnlockAll only releases the ones actually acquired.
func (m *Manager) BestEffortLockAll() {
	m.mu.Lock()
	heaps := make([]*logicalHeap, 0, len(m.logicalHeaps))
	for _, lh := range m.logicalHeaps {
		heaps = append(heaps, lh)
	}
	m.mu.Unlock()

	m.lockMu.Lock()
	m.lockFailures = m.lockFailures[:0]
	m.lockMu.Unlock()

	locked := make([]*logicalHeap, 0, len(heaps))
	for _, lh := range heaps {
		if lh.mu.TryLock() {
			locked = append(locked, lh)
			continue
		}
		m.lockMu.Lock()
		m.lockFailures = append(m.lockFailures, lh.id)
		m.lockMu.Unlock()
	}

	m.heldMu.Lock()
	m.held = locked
	m.heldMu.Unlock()
}

// UnlockAll releases every lock the most recent BestEffortLockAll call
// actually acquired.
func (m *Manager) UnlockAll() {
	m.heldMu.Lock()
	held := m.held
	m.held = nil
	m.heldMu.Unlock()

	for _, lh := range held {
		lh.mu.Unlock()
	}
}

// LockFailures reports the heap ids BestEffortLockAll could not lock.
func (m *Manager) LockFailures() []HeapID {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	out := make([]HeapID, len(m.lockFailures))
	copy(out, m.lockFailures)
	return out
}

// Shadow returns the shadow array this manager poisons and unpoisons as
// it allocates and frees, for callers (the heap checker, the error
// filter) that need to walk or query it directly.
func (m *Manager) Shadow() *shadow.Shadow { return m.shadow }

// HeapStats summarises one logical heap's occupancy for diagnostics: how
// much of its arena is still free, and what its quarantine currently
// holds.
type HeapStats struct {
	BytesFree       int64
	QuarantineStats quarantine.Stats
	UnwrappedCount  int
}

// Stats snapshots every registered logical heap. The shared large-block
// and zebra heaps are not included. It is diagnostics-only, not part of
// the allocate/free hot path.
func (m *Manager) Stats() map[HeapID]HeapStats {
	m.mu.Lock()
	heaps := make(map[HeapID]*logicalHeap, len(m.logicalHeaps))
	for id, lh := range m.logicalHeaps {
		heaps[id] = lh
	}
	m.mu.Unlock()

	out := make(map[HeapID]HeapStats, len(heaps))
	for id, lh := range heaps {
		lh.unwrappedMu.Lock()
		unwrappedCount := len(lh.unwrapped)
		lh.unwrappedMu.Unlock()

		out[id] = HeapStats{
			BytesFree:       lh.arena.bytesFree(),
			QuarantineStats: lh.quarantine.StatsSnapshot(),
			UnwrappedCount:  unwrappedCount,
		}
	}
	return out
}

// MemoryFor resolves addr to whichever underlying block.Memory owns it:
// the large-block heap if addr falls in one of its regions, otherwise
// whichever logical heap's arena region contains it. The zebra heap is
// deliberately not consulted: its allocations carry no envelope and
// never appear as a shadow BlockStart, so nothing ever looks up a
// block.Memory for one.
func (m *Manager) MemoryFor(addr uintptr) (block.Memory, bool) {
	if m.large.Owns(addr) {
		return m.large, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lh := range m.logicalHeaps {
		if lh.arena.owns(addr) {
			return lh.arena, true
		}
	}
	return nil, false
}
