package block

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// Info is the materialised view of one block envelope: its base address,
// the geometry PlanLayout computed for it, and the header/trailer records
// last read or written. It plays the role a caller would otherwise get by
// doing naked pointer arithmetic off the body address; every accessor on
// it is computed once here instead of re-derived at every call site.
type Info struct {
	Base    uintptr
	Layout  Layout
	Header  Header
	Trailer Trailer
}

// Body is the address of the first byte of the block's body.
func (info Info) Body() uintptr { return info.Base + uintptr(info.Layout.BodyOffset) }

// TrailerAddr is the address of the first byte of the block's trailer.
func (info Info) TrailerAddr() uintptr { return info.Base + uintptr(info.Layout.TrailerOffset) }

// End is the address one past the last byte of the block.
func (info Info) End() uintptr { return info.Base + uintptr(info.Layout.TotalSize) }

// TickCounter hands out the monotonically increasing tick values stamped
// into a trailer at free time. It has no relation to wall-clock time; it
// exists only to order frees relative to one another.
type TickCounter struct {
	v atomic.Uint64
}

// Next returns the next tick value, starting from 1.
func (t *TickCounter) Next() uint64 { return t.v.Add(1) }

func fillPattern(mem Memory, addr uintptr, n int, fill byte) error {
	if n <= 0 {
		return nil
	}
	const chunkSize = 256
	chunk := make([]byte, minInt(n, chunkSize))
	for i := range chunk {
		chunk[i] = fill
	}
	for written := 0; written < n; {
		remaining := n - written
		piece := chunk
		if remaining < len(piece) {
			piece = chunk[:remaining]
		}
		if err := mem.WriteAt(addr+uintptr(written), piece); err != nil {
			return err
		}
		written += len(piece)
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Initialize writes a fresh header, fill-patterned padding, and a zeroed
// trailer for a newly allocated block at base, and returns the resulting
// Info with its checksum already computed.
func Initialize(mem Memory, layout Layout, base uintptr, isNested bool, allocThreadID, allocStackID uint32) (Info, error) {
	header := Header{
		Magic:         HeaderMagic,
		State:         StateAllocated,
		BodySize:      uint32(layout.BodySize),
		IsNested:      isNested,
		AllocStackID:  allocStackID,
		AllocThreadID: allocThreadID,
	}
	trailer := Trailer{}
	header.Checksum = ComputeChecksum(header, trailer)

	if err := mem.WriteAt(base, header.MarshalBinary()); err != nil {
		return Info{}, errors.Wrap(err, "block: write header")
	}
	if err := fillPattern(mem, base+HeaderSize, layout.BodyOffset-HeaderSize, HeaderPaddingFill); err != nil {
		return Info{}, errors.Wrap(err, "block: write header padding")
	}
	rightStart := base + uintptr(layout.BodyOffset+layout.BodyGranuleBytes)
	if err := fillPattern(mem, rightStart, layout.RightPadding, RightPaddingFill); err != nil {
		return Info{}, errors.Wrap(err, "block: write right padding")
	}
	if err := mem.WriteAt(base+uintptr(layout.TrailerOffset), trailer.MarshalBinary()); err != nil {
		return Info{}, errors.Wrap(err, "block: write trailer")
	}

	return Info{Base: base, Layout: layout, Header: header, Trailer: trailer}, nil
}

// GetHeaderFromBody recovers a block's header and base address starting
// only from a pointer into its body, by walking backwards through the
// recognisable header-padding fill byte until it is exhausted, then
// reading the fixed-size header that must immediately precede it. It
// does not consult the shadow at all; it is a pure memory-side recovery
// path, useful when the caller already has a body pointer and wants the
// header without a shadow lookup.
func GetHeaderFromBody(mem Memory, body uintptr) (Header, uintptr, error) {
	paddingCount := 0
	var b [1]byte
	for paddingCount < maxHeaderPaddingScan {
		addr := body - uintptr(paddingCount) - 1
		if err := mem.ReadAt(addr, b[:]); err != nil {
			return Header{}, 0, errors.Wrap(err, "block: scan for header")
		}
		if b[0] != HeaderPaddingFill {
			break
		}
		paddingCount++
	}
	if paddingCount >= maxHeaderPaddingScan {
		return Header{}, 0, errors.Newf("block: no header found within %d bytes of body %#x", maxHeaderPaddingScan, body)
	}

	headerBase := body - uintptr(paddingCount) - uintptr(HeaderSize)
	buf := make([]byte, HeaderSize)
	if err := mem.ReadAt(headerBase, buf); err != nil {
		return Header{}, 0, errors.Wrap(err, "block: read header")
	}
	header, err := UnmarshalHeader(buf)
	if err != nil {
		return Header{}, 0, err
	}
	if header.Magic != HeaderMagic {
		return Header{}, 0, errors.Newf("block: bad magic %#x at %#x, block is corrupt", header.Magic, headerBase)
	}
	return header, headerBase, nil
}

// ReadTrailer reads and parses the trailer for the block whose base and
// layout are already known.
func ReadTrailer(mem Memory, base uintptr, layout Layout) (Trailer, error) {
	buf := make([]byte, TrailerSize)
	if err := mem.ReadAt(base+uintptr(layout.TrailerOffset), buf); err != nil {
		return Trailer{}, errors.Wrap(err, "block: read trailer")
	}
	return UnmarshalTrailer(buf)
}

// Validate re-reads header and trailer from memory and confirms the
// magic number, that the state is one of the three defined states, and
// that the checksum still agrees with stored content. It is the
// operation the heap checker and the free-time integrity check both
// drive; CORRUPT_BLOCK is reported whenever it returns an error.
func Validate(mem Memory, base uintptr, layout Layout) (Info, error) {
	buf := make([]byte, HeaderSize)
	if err := mem.ReadAt(base, buf); err != nil {
		return Info{}, errors.Wrap(err, "block: read header")
	}
	header, err := UnmarshalHeader(buf)
	if err != nil {
		return Info{}, err
	}
	if header.Magic != HeaderMagic {
		return Info{}, errors.Newf("block: bad magic %#x at %#x", header.Magic, base)
	}
	if header.State < StateAllocated || header.State > StateFreed {
		return Info{}, errors.Newf("block: impossible state %d at %#x", header.State, base)
	}

	trailer, err := ReadTrailer(mem, base, layout)
	if err != nil {
		return Info{}, err
	}

	if want := ComputeChecksum(header, trailer); want != header.Checksum {
		return Info{}, errors.Newf("block: checksum mismatch at %#x: stored %#x, computed %#x", base, header.Checksum, want)
	}

	return Info{Base: base, Layout: layout, Header: header, Trailer: trailer}, nil
}

// ConvertToQuarantined rewrites a freed block's header and trailer in
// place, moving it from StateAllocated to StateQuarantined and recording
// who freed it and when. The caller is responsible for having already
// unpoisoned nothing and instead left the shadow marking the body freed;
// this only touches the envelope's own bookkeeping bytes.
func ConvertToQuarantined(mem Memory, info Info, freeThreadID uint32, tick uint64, freeStackID uint32) (Info, error) {
	info.Header.State = StateQuarantined
	info.Trailer = Trailer{
		FreeThreadID:  freeThreadID,
		AllocThreadID: info.Header.AllocThreadID,
		TickAtFree:    tick,
		FreeStackID:   freeStackID,
	}
	info.Header.Checksum = ComputeChecksum(info.Header, info.Trailer)

	if err := mem.WriteAt(info.Base, info.Header.MarshalBinary()); err != nil {
		return Info{}, errors.Wrap(err, "block: write header")
	}
	if err := mem.WriteAt(info.TrailerAddr(), info.Trailer.MarshalBinary()); err != nil {
		return Info{}, errors.Wrap(err, "block: write trailer")
	}
	return info, nil
}
