package heap

import (
	"sync"

	"github.com/shadowmem/asanrt/internal/block"
	"github.com/shadowmem/asanrt/internal/shadow"
)

// largeAllocation records the region a single large-block allocation
// occupies, so Free can find its guard pages again.
type largeAllocation struct {
	regionBase   uintptr
	regionSize   int
	envelopeBase uintptr // where block.Initialize's envelope starts, past the left guard page
	buf          []byte  // backing storage for [regionBase, regionBase+regionSize)
}

// largeHeap gives every allocation its own dedicated region of whole
// pages, flanked by guard pages on both sides, rather than sharing one
// arena. It is meant for allocations large enough that the per-allocation
// page overhead is worth it for the stronger overflow guarantee a real
// guard page gives over a shadow-only redzone.
type largeHeap struct {
	addrs    *addressSpace
	pageSize int
	shadow   *shadow.Shadow

	mu          sync.Mutex
	byRegion    map[uintptr]*largeAllocation // keyed by regionBase
	byEnvelope  map[uintptr]*largeAllocation // keyed by envelopeBase
}

func newLargeHeap(addrs *addressSpace, pageSize int, sh *shadow.Shadow) *largeHeap {
	return &largeHeap{
		addrs:      addrs,
		pageSize:   pageSize,
		shadow:     sh,
		byRegion:   make(map[uintptr]*largeAllocation),
		byEnvelope: make(map[uintptr]*largeAllocation),
	}
}

// Reserve carves out a region sized to fit an envelopeSize-byte envelope
// plus one guard page on each side, and returns the address the
// envelope (block.Initialize's base) should start at.
func (l *largeHeap) Reserve(envelopeSize int) (uintptr, error) {
	envelopePages := roundUp(envelopeSize, l.pageSize)
	regionSize := l.pageSize + envelopePages + l.pageSize

	regionBase, err := l.addrs.Reserve(regionSize, uintptr(l.pageSize))
	if err != nil {
		return 0, err
	}
	envelopeBase := regionBase + uintptr(l.pageSize)

	if l.shadow != nil {
		if err := l.shadow.MarkPagesProtected(regionBase, l.pageSize, true); err != nil {
			return 0, err
		}
		guardEnd := envelopeBase + uintptr(envelopePages)
		if err := l.shadow.MarkPagesProtected(guardEnd, l.pageSize, true); err != nil {
			return 0, err
		}
	}

	rec := &largeAllocation{
		regionBase:   regionBase,
		regionSize:   regionSize,
		envelopeBase: envelopeBase,
		buf:          make([]byte, regionSize),
	}
	l.mu.Lock()
	l.byRegion[regionBase] = rec
	l.byEnvelope[envelopeBase] = rec
	l.mu.Unlock()

	return envelopeBase, nil
}

// Release unprotects and forgets the region whose envelope starts at
// envelopeBase. There is no free list here by design: a fresh region is
// always reserved from the address space, matching the whole-page
// isolation the large-block heap exists to provide.
func (l *largeHeap) Release(envelopeBase uintptr) error {
	l.mu.Lock()
	rec, ok := l.byEnvelope[envelopeBase]
	if ok {
		delete(l.byEnvelope, envelopeBase)
		delete(l.byRegion, rec.regionBase)
	}
	l.mu.Unlock()
	if !ok {
		return block.ErrOutOfRange
	}

	if l.shadow == nil {
		return nil
	}
	if err := l.shadow.MarkPagesProtected(rec.regionBase, l.pageSize, false); err != nil {
		return err
	}
	envelopePages := rec.regionSize - 2*l.pageSize
	guardEnd := rec.envelopeBase + uintptr(envelopePages)
	return l.shadow.MarkPagesProtected(guardEnd, l.pageSize, false)
}

// Owns reports whether addr falls inside any region this heap has
// reserved, regardless of whether it lands inside a guard page or the
// envelope itself.
func (l *largeHeap) Owns(addr uintptr) bool {
	_, ok := l.regionFor(addr)
	return ok
}

func (l *largeHeap) regionFor(addr uintptr) (*largeAllocation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.byRegion {
		if addr >= rec.regionBase && addr < rec.regionBase+uintptr(rec.regionSize) {
			return rec, true
		}
	}
	return nil, false
}

func (l *largeHeap) ReadAt(addr uintptr, dst []byte) error {
	rec, ok := l.regionFor(addr)
	if !ok {
		return block.ErrOutOfRange
	}
	off := int(addr - rec.regionBase)
	if off+len(dst) > len(rec.buf) {
		return block.ErrOutOfRange
	}
	copy(dst, rec.buf[off:off+len(dst)])
	return nil
}

func (l *largeHeap) WriteAt(addr uintptr, src []byte) error {
	rec, ok := l.regionFor(addr)
	if !ok {
		return block.ErrOutOfRange
	}
	off := int(addr - rec.regionBase)
	if off+len(src) > len(rec.buf) {
		return block.ErrOutOfRange
	}
	copy(rec.buf[off:off+len(src)], src)
	return nil
}

var _ block.Memory = (*largeHeap)(nil)
