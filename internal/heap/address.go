package heap

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// addressSpace bump-allocates disjoint address regions for each logical
// underlying heap out of the range the shadow covers. Once a region is
// handed out it is never reclaimed: heaps are long-lived for the life of
// the runtime, so there is no fragmentation concern at this level (the
// fragmentation the runtime actually cares about is inside each arena).
type addressSpace struct {
	mu   sync.Mutex
	next uintptr
	end  uintptr
}

func newAddressSpace(base, limit uintptr) *addressSpace {
	return &addressSpace{next: base, end: limit}
}

var errAddressSpaceExhausted = errors.New("heap: address space exhausted")

// Reserve carves out a size-byte region aligned to pageSize and returns
// its base address.
func (s *addressSpace) Reserve(size int, pageSize uintptr) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := roundUpPtr(s.next, pageSize)
	end := base + uintptr(size)
	if end > s.end || end < base {
		return 0, errAddressSpaceExhausted
	}
	s.next = end
	return base, nil
}

func roundUpPtr(n, multiple uintptr) uintptr {
	if multiple == 0 {
		return n
	}
	r := n % multiple
	if r == 0 {
		return n
	}
	return n + (multiple - r)
}
