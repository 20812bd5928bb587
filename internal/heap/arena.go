package heap

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/shadowmem/asanrt/internal/block"
)

// run is one contiguous free byte range, expressed as an offset into the
// arena's backing buffer.
type run struct {
	offset, size int
}

// arena is a first-fit, coalescing free-list allocator over one
// preallocated byte slice. It plays the role the real OS heap would:
// internal/block and internal/heap never reach past the UnderlyingHeap
// interface to ask how the bytes were actually obtained.
type arena struct {
	mu   sync.Mutex
	base uintptr
	buf  []byte
	free []run
}

// newArena reserves a region of size bytes starting at base, entirely
// free to start.
func newArena(base uintptr, size int) *arena {
	return &arena{
		base: base,
		buf:  make([]byte, size),
		free: []run{{offset: 0, size: size}},
	}
}

var errArenaExhausted = errors.New("heap: arena has no run large enough to satisfy the request")

// Alloc finds the first free run that can hold size bytes at the
// requested alignment, splits it, and returns the resulting address.
func (a *arena) Alloc(size, align int) (uintptr, error) {
	if align < 1 {
		align = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, r := range a.free {
		alignedOffset := roundUp(r.offset, align)
		pad := alignedOffset - r.offset
		if alignedOffset+size > r.offset+r.size {
			continue
		}

		// Consume [alignedOffset, alignedOffset+size) from the run,
		// keeping the leading pad (if any) and trailing remainder as
		// new free runs.
		var replacement []run
		if pad > 0 {
			replacement = append(replacement, run{offset: r.offset, size: pad})
		}
		tailStart := alignedOffset + size
		tailEnd := r.offset + r.size
		if tailEnd > tailStart {
			replacement = append(replacement, run{offset: tailStart, size: tailEnd - tailStart})
		}

		a.free = append(a.free[:i], append(replacement, a.free[i+1:]...)...)
		return a.base + uintptr(alignedOffset), nil
	}
	return 0, errArenaExhausted
}

// Free returns [addr, addr+size) to the free list, coalescing with
// adjacent runs.
func (a *arena) Free(addr uintptr, size int) error {
	if addr < a.base || int(addr-a.base)+size > len(a.buf) {
		return block.ErrOutOfRange
	}
	offset := int(addr - a.base)

	a.mu.Lock()
	defer a.mu.Unlock()

	inserted := run{offset: offset, size: size}
	merged := make([]run, 0, len(a.free)+1)
	placed := false
	for _, r := range a.free {
		if !placed && inserted.offset <= r.offset {
			merged = append(merged, inserted)
			placed = true
		}
		merged = append(merged, r)
	}
	if !placed {
		merged = append(merged, inserted)
	}

	a.free = coalesce(merged)
	return nil
}

func coalesce(runs []run) []run {
	if len(runs) == 0 {
		return runs
	}
	out := runs[:1]
	for _, r := range runs[1:] {
		last := &out[len(out)-1]
		if last.offset+last.size == r.offset {
			last.size += r.size
		} else {
			out = append(out, r)
		}
	}
	return out
}

func roundUp(n, multiple int) int {
	if multiple <= 0 {
		return n
	}
	r := n % multiple
	if r == 0 {
		return n
	}
	return n + (multiple - r)
}

func (a *arena) ReadAt(addr uintptr, dst []byte) error {
	off := int(addr - a.base)
	if off < 0 || off+len(dst) > len(a.buf) {
		return block.ErrOutOfRange
	}
	copy(dst, a.buf[off:off+len(dst)])
	return nil
}

func (a *arena) WriteAt(addr uintptr, src []byte) error {
	off := int(addr - a.base)
	if off < 0 || off+len(src) > len(a.buf) {
		return block.ErrOutOfRange
	}
	copy(a.buf[off:off+len(src)], src)
	return nil
}

// owns reports whether addr falls within this arena's backing buffer.
func (a *arena) owns(addr uintptr) bool {
	return addr >= a.base && addr < a.base+uintptr(len(a.buf))
}

// bytesFree is the sum of every free run's size; used for Stats.
func (a *arena) bytesFree() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total int64
	for _, r := range a.free {
		total += int64(r.size)
	}
	return total
}
