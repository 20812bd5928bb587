package heap

import "github.com/shadowmem/asanrt/internal/block"

// UnderlyingHeap is the external collaborator that actually owns raw
// byte storage: allocate a range, free a range, read and write it. The
// runtime's own envelope and quarantine logic never assumes anything
// beyond this interface, so a production build can swap arena (backed by
// a Go byte slice standing in for the OS heap) for a real OS-heap-backed
// implementation without touching internal/heap's dispatch logic.
type UnderlyingHeap interface {
	block.Memory
	Alloc(size, align int) (uintptr, error)
	Free(addr uintptr, size int) error
}

var _ UnderlyingHeap = (*arena)(nil)
