package block

import "github.com/cockroachdb/errors"

// Memory is the byte-addressable storage backing block envelopes. It is
// the boundary behind which the actual OS-heap-backed bytes for an
// application address live; internal/heap's underlying heaps implement
// it over real Go byte slices, and internal/block never assumes anything
// about how the bytes got there.
type Memory interface {
	ReadAt(addr uintptr, dst []byte) error
	WriteAt(addr uintptr, src []byte) error
}

// ErrOutOfRange is returned by a Memory implementation when an address
// range falls outside the memory it manages.
var ErrOutOfRange = errors.New("block: address out of range")
