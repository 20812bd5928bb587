package block

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// State is the lifecycle state recorded in a block's header.
type State uint32

const (
	// StateAllocated marks a block currently handed to the caller.
	StateAllocated State = iota + 1
	// StateQuarantined marks a freed block still sitting in quarantine,
	// inaccessible but not yet returned to the underlying heap.
	StateQuarantined
	// StateFreed marks a block whose storage has been released back to
	// the underlying heap; any header surviving to this point is stale.
	StateFreed
)

func (s State) String() string {
	switch s {
	case StateAllocated:
		return "allocated"
	case StateQuarantined:
		return "quarantined"
	case StateFreed:
		return "freed"
	default:
		return "unknown"
	}
}

const (
	// HeaderMagic identifies a live header; any other value at a
	// recovered header offset means the block is corrupt.
	HeaderMagic uint32 = 0x41534148 // "ASAH"

	// HeaderSize is the fixed on-the-wire size of a Header.
	HeaderSize = 28

	// TrailerSize is the fixed on-the-wire size of a Trailer.
	TrailerSize = 20

	// HeaderPaddingFill and RightPaddingFill are the byte patterns
	// written into the alignment gaps flanking the body. They are never
	// user-accessible (the shadow marks that range as redzone) but a
	// recognisable fill lets GetHeaderFromBody walk back to the header
	// without already knowing the layout.
	HeaderPaddingFill byte = 0xBE
	RightPaddingFill  byte = 0xFA

	// maxHeaderPaddingScan bounds GetHeaderFromBody's backward walk so a
	// corrupt memory region reports an error instead of scanning forever.
	maxHeaderPaddingScan = 4096
)

// Header is the fixed-size record stored at a block's base address.
type Header struct {
	Magic         uint32
	State         State
	BodySize      uint32
	IsNested      bool
	AllocStackID  uint32
	AllocThreadID uint32
	Checksum      uint32
}

// MarshalBinary serialises h to its fixed HeaderSize wire form. Checksum
// is placed right after Magic rather than last: GetHeaderFromBody relies
// on the final header byte never coinciding with HeaderPaddingFill, and a
// checksum (effectively random bits) is the one field unsafe to put
// there.
func (h Header) MarshalBinary() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Checksum)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.State))
	binary.LittleEndian.PutUint32(buf[12:16], h.BodySize)
	var nested uint32
	if h.IsNested {
		nested = 1
	}
	binary.LittleEndian.PutUint32(buf[16:20], nested)
	binary.LittleEndian.PutUint32(buf[20:24], h.AllocStackID)
	binary.LittleEndian.PutUint32(buf[24:28], h.AllocThreadID)
	return buf
}

// UnmarshalHeader parses a HeaderSize-byte wire form back into a Header.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, errors.Newf("block: header buffer is %d bytes, want %d", len(buf), HeaderSize)
	}
	return Header{
		Magic:         binary.LittleEndian.Uint32(buf[0:4]),
		Checksum:      binary.LittleEndian.Uint32(buf[4:8]),
		State:         State(binary.LittleEndian.Uint32(buf[8:12])),
		BodySize:      binary.LittleEndian.Uint32(buf[12:16]),
		IsNested:      binary.LittleEndian.Uint32(buf[16:20]) != 0,
		AllocStackID:  binary.LittleEndian.Uint32(buf[20:24]),
		AllocThreadID: binary.LittleEndian.Uint32(buf[24:28]),
	}, nil
}

// Trailer is the fixed-size record stored at a block's TrailerOffset. Its
// fields are meaningful only once the block has been freed; Initialize
// writes a zeroed trailer that ConvertToQuarantined later fills in.
type Trailer struct {
	FreeThreadID  uint32
	AllocThreadID uint32
	TickAtFree    uint64
	FreeStackID   uint32
}

// MarshalBinary serialises t to its fixed TrailerSize wire form.
func (t Trailer) MarshalBinary() []byte {
	buf := make([]byte, TrailerSize)
	binary.LittleEndian.PutUint32(buf[0:4], t.FreeThreadID)
	binary.LittleEndian.PutUint32(buf[4:8], t.AllocThreadID)
	binary.LittleEndian.PutUint64(buf[8:16], t.TickAtFree)
	binary.LittleEndian.PutUint32(buf[16:20], t.FreeStackID)
	return buf
}

// UnmarshalTrailer parses a TrailerSize-byte wire form back into a Trailer.
func UnmarshalTrailer(buf []byte) (Trailer, error) {
	if len(buf) != TrailerSize {
		return Trailer{}, errors.Newf("block: trailer buffer is %d bytes, want %d", len(buf), TrailerSize)
	}
	return Trailer{
		FreeThreadID:  binary.LittleEndian.Uint32(buf[0:4]),
		AllocThreadID: binary.LittleEndian.Uint32(buf[4:8]),
		TickAtFree:    binary.LittleEndian.Uint64(buf[8:16]),
		FreeStackID:   binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}
