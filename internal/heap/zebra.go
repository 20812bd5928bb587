package heap

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/shadowmem/asanrt/internal/block"
	"github.com/shadowmem/asanrt/internal/shadow"
)

// zebraHeap is a fixed slab carved into equal stripes of two pages each:
// a body page the allocation occupies and a guard page immediately
// after it that is always protected. An allocation is placed flush
// against the guard page (right-aligned within the body page) so that
// even a one-byte overflow faults immediately, rather than waiting for
// quarantine eviction or a shadow check to notice.
type zebraHeap struct {
	base       uintptr
	pageSize   int
	numStripes int
	shadow     *shadow.Shadow

	mu   sync.Mutex
	free []bool // true = stripe is available
	buf  []byte // backing storage for the whole slab, body and guard pages alike
}

func newZebraHeap(base uintptr, pageSize, numStripes int, sh *shadow.Shadow) *zebraHeap {
	free := make([]bool, numStripes)
	for i := range free {
		free[i] = true
	}
	return &zebraHeap{
		base:       base,
		pageSize:   pageSize,
		numStripes: numStripes,
		shadow:     sh,
		free:       free,
		buf:        make([]byte, numStripes*2*pageSize),
	}
}

// StripeSize is the maximum allocation size the zebra heap can serve.
func (z *zebraHeap) StripeSize() int { return z.pageSize }

func (z *zebraHeap) stripeBase(i int) uintptr {
	return z.base + uintptr(i*2*z.pageSize)
}

var errZebraExhausted = errors.New("heap: zebra heap has no free stripe")

// Alloc returns the address of a bytes-sized region flush against a
// freshly protected guard page. bytes must be <= StripeSize().
func (z *zebraHeap) Alloc(bytes int) (uintptr, error) {
	if bytes > z.pageSize {
		return 0, errors.Newf("heap: zebra allocation of %d bytes exceeds stripe size %d", bytes, z.pageSize)
	}

	z.mu.Lock()
	idx := -1
	for i, f := range z.free {
		if f {
			idx = i
			z.free[i] = false
			break
		}
	}
	z.mu.Unlock()
	if idx < 0 {
		return 0, errZebraExhausted
	}

	bodyPage := z.stripeBase(idx)
	guardPage := bodyPage + uintptr(z.pageSize)
	if z.shadow != nil {
		if err := z.shadow.MarkPagesProtected(guardPage, z.pageSize, true); err != nil {
			return 0, err
		}
		// The page-protection bitmap models the real guard page a host
		// mprotect would install; the shadow also needs its own marker so
		// CheckAccess's software check (the only fault detector this
		// runtime actually exercises) catches the overflow too.
		if err := z.shadow.Poison(guardPage, z.pageSize, shadow.MarkerZebraGuard); err != nil {
			return 0, err
		}
	}

	return bodyPage + uintptr(z.pageSize-bytes), nil
}

// Free releases the stripe containing addr and unprotects its guard
// page.
func (z *zebraHeap) Free(addr uintptr) error {
	if addr < z.base {
		return block.ErrOutOfRange
	}
	idx := int(addr-z.base) / (2 * z.pageSize)
	if idx < 0 || idx >= z.numStripes {
		return block.ErrOutOfRange
	}

	bodyPage := z.stripeBase(idx)
	guardPage := bodyPage + uintptr(z.pageSize)
	if z.shadow != nil {
		if err := z.shadow.MarkPagesProtected(guardPage, z.pageSize, false); err != nil {
			return err
		}
		if err := z.shadow.Unpoison(guardPage, z.pageSize); err != nil {
			return err
		}
	}

	z.mu.Lock()
	z.free[idx] = true
	z.mu.Unlock()
	return nil
}

// Owns reports whether addr falls within this heap's slab at all (body
// page or guard page of any stripe).
func (z *zebraHeap) Owns(addr uintptr) bool {
	if addr < z.base {
		return false
	}
	idx := int(addr-z.base) / (2 * z.pageSize)
	return idx >= 0 && idx < z.numStripes
}

// bodyPageFor returns the body page base address that contains addr, for
// Memory reads/writes into an allocation this heap produced.
func (z *zebraHeap) bodyPageFor(addr uintptr) uintptr {
	idx := int(addr-z.base) / (2 * z.pageSize)
	return z.stripeBase(idx)
}

func (z *zebraHeap) ReadAt(addr uintptr, dst []byte) error {
	if !z.Owns(addr) {
		return block.ErrOutOfRange
	}
	off := int(addr - z.base)
	if off+len(dst) > len(z.buf) {
		return block.ErrOutOfRange
	}
	copy(dst, z.buf[off:off+len(dst)])
	return nil
}

func (z *zebraHeap) WriteAt(addr uintptr, src []byte) error {
	if !z.Owns(addr) {
		return block.ErrOutOfRange
	}
	off := int(addr - z.base)
	if off+len(src) > len(z.buf) {
		return block.ErrOutOfRange
	}
	copy(z.buf[off:off+len(src)], src)
	return nil
}

var _ block.Memory = (*zebraHeap)(nil)
