package shadow

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/shadowmem/asanrt/internal/config"
)

// InvalidAddressSize is the size, in bytes, of the low region of address
// space that no legitimate access ever touches.
const InvalidAddressSize = 64 * 1024

// defaultPageSize is used when the caller does not override it. The real
// page size is an OS primitive this package treats as an external
// collaborator value rather than discovering it itself.
const defaultPageSize = 4096

// PageGuard is the OS page-protection primitive this package depends on
// but does not implement; it is a non-goal of the runtime per the
// specification ("the operating system's heap, page-protection, and
// exception-dispatch primitives"). Production code wires this to real
// mprotect-style calls; tests use an in-memory fake.
type PageGuard interface {
	Protect(addr uintptr, length int) error
	Unprotect(addr uintptr, length int) error
}

// noopGuard is used when the caller supplies no PageGuard. It is useful
// for callers that only care about shadow-marker bookkeeping (e.g. the
// heap checker) and never actually touch hardware page protection.
type noopGuard struct{}

func (noopGuard) Protect(uintptr, int) error   { return nil }
func (noopGuard) Unprotect(uintptr, int) error { return nil }

// BlockInfo is the layout geometry BlockInfoFromShadow recovers by
// scanning the shadow array outward from some address inside a block. It
// carries no header contents (state, checksum, stack ids) because the
// shadow never stores those — only internal/block knows how to read the
// header bytes once the caller has this geometry.
type BlockInfo struct {
	Base         uintptr
	Body         uintptr
	BodySize     int
	LeftRedzone  int
	RightRedzone int
	Nested       bool
}

// BodyEnd returns the address one past the last addressable byte of the
// body.
func (b BlockInfo) BodyEnd() uintptr { return b.Body + uintptr(b.BodySize) }

// EnvelopeSpec describes the full shadow marking for one block's
// envelope, as produced by internal/block's layout planner and consumed
// by PoisonAllocatedBlock.
type EnvelopeSpec struct {
	Base         uintptr
	LeftRedzone  int
	BodySize     int
	RightRedzone int
	Nested       bool
}

// ErrMalformedShadow is returned by BlockInfoFromShadow when the shadow
// bytes around an address do not describe a well-formed block (the
// bracketing search fell off one end of the shadow, or encountered a
// non-nested BlockStart while still nested).
var ErrMalformedShadow = errors.New("shadow: malformed shadow, block not recoverable")

// Shadow is the process-wide 8:1 map from application addresses to
// one-byte markers, plus the per-page protection bitmap.
type Shadow struct {
	logger *slog.Logger
	guard  PageGuard

	base  uintptr
	limit uintptr
	bytes []byte

	pageSize      uintptr
	pageMu        sync.Mutex
	pageProtected []atomic.Uint32 // one bit per page, read lock-free
}

// New constructs a Shadow covering params.AddressSpaceSize bytes of
// application address space starting at address 0. It refuses to
// initialise if that size exceeds config.AddressSpaceLimit, mirroring the
// specification's refusal to run against an executable that advertises
// large-address support.
func New(params config.RuntimeParams, guard PageGuard, logger *slog.Logger) (*Shadow, error) {
	if params.AddressSpaceSize == 0 {
		params.AddressSpaceSize = config.AddressSpaceLimit
	}
	if params.AddressSpaceSize > config.AddressSpaceLimit {
		return nil, errors.Newf(
			"shadow: address space of %d bytes exceeds the %d byte limit this runtime supports",
			params.AddressSpaceSize, config.AddressSpaceLimit)
	}
	if params.AddressSpaceSize%GranuleSize != 0 {
		return nil, errors.Newf("shadow: address space size %d is not a multiple of the %d byte granule", params.AddressSpaceSize, GranuleSize)
	}
	if guard == nil {
		guard = noopGuard{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	pageSize := uintptr(defaultPageSize)
	numPages := (uintptr(params.AddressSpaceSize) + pageSize - 1) / pageSize
	numWords := (numPages + 31) / 32

	s := &Shadow{
		logger:        logger,
		guard:         guard,
		base:          0,
		limit:         uintptr(params.AddressSpaceSize),
		bytes:         make([]byte, params.AddressSpaceSize/GranuleSize),
		pageSize:      pageSize,
		pageProtected: make([]atomic.Uint32, numWords),
	}

	s.Poison(0, InvalidAddressSize, MarkerInvalidAddress)

	return s, nil
}

func (s *Shadow) indexFor(addr uintptr) (int, error) {
	if addr < s.base || addr >= s.limit {
		return 0, errors.Newf("shadow: address %#x is outside the covered range [%#x, %#x)", addr, s.base, s.limit)
	}
	return int((addr - s.base) / GranuleSize), nil
}

// Poison stamps size/GranuleSize shadow bytes starting at addr with
// marker. addr must be granule-aligned. If size is not a multiple of
// GranuleSize, the trailing partial granule is stamped with the partial
// marker (1..7) instead of marker, per the specification's trailing-byte
// rule — this only makes sense when marker is MarkerAddressable, so any
// other marker combined with a non-aligned size is rejected.
func (s *Shadow) Poison(addr uintptr, size int, marker Marker) error {
	if addr%GranuleSize != 0 {
		return errors.Newf("shadow: Poison address %#x is not granule-aligned", addr)
	}
	if size < 0 {
		return errors.Newf("shadow: Poison size %d is negative", size)
	}

	start, err := s.indexFor(addr)
	if err != nil {
		return err
	}

	full, trailing := size/GranuleSize, size%GranuleSize
	if trailing != 0 && marker != MarkerAddressable {
		return errors.Newf("shadow: Poison with marker %s requires a granule-multiple size, got %d", marker, size)
	}

	end := start + full
	if end > len(s.bytes) {
		return errors.Newf("shadow: Poison range runs past the end of the shadow array")
	}
	for i := start; i < end; i++ {
		s.bytes[i] = byte(marker)
	}
	if trailing != 0 {
		if end >= len(s.bytes) {
			return errors.Newf("shadow: Poison trailing partial byte runs past the end of the shadow array")
		}
		s.bytes[end] = byte(trailing)
	}

	s.logger.Debug("shadow.Poison", slog.Uint64("addr", uint64(addr)), slog.Int("size", size), slog.String("marker", marker.String()))
	return nil
}

// Unpoison reverts size bytes starting at addr to addressable, applying
// the same trailing-partial-byte rule as Poison.
func (s *Shadow) Unpoison(addr uintptr, size int) error {
	return s.Poison(addr, size, MarkerAddressable)
}

// IsAccessible reports whether the single byte at addr is currently
// readable/writable per the shadow. This is the hot-path, lock-free read:
// it loads exactly one byte and does simple arithmetic on it.
func (s *Shadow) IsAccessible(addr uintptr) bool {
	if addr < s.base || addr >= s.limit {
		return false
	}
	idx := int((addr - s.base) / GranuleSize)
	offset := int((addr - s.base) % GranuleSize)
	m := Marker(s.bytes[idx])
	return offset < m.AccessibleBytes()
}

// MarkAsFreed overwrites every granule in [addr, addr+size) with
// MarkerHeapFreed, except that any granule already carrying an active
// redzone marker (left or right padding) is left untouched, so the
// nested-block structure inside a freed outer block still survives.
func (s *Shadow) MarkAsFreed(addr uintptr, size int) error {
	if addr%GranuleSize != 0 || size%GranuleSize != 0 {
		return errors.Newf("shadow: MarkAsFreed requires granule-aligned addr and size")
	}
	start, err := s.indexFor(addr)
	if err != nil {
		return err
	}
	count := size / GranuleSize
	if start+count > len(s.bytes) {
		return errors.Newf("shadow: MarkAsFreed range runs past the end of the shadow array")
	}
	for i := start; i < start+count; i++ {
		if Marker(s.bytes[i]).IsRedzone() {
			continue
		}
		s.bytes[i] = byte(MarkerHeapFreed)
	}
	s.logger.Debug("shadow.MarkAsFreed", slog.Uint64("addr", uint64(addr)), slog.Int("size", size))
	return nil
}

// PoisonAllocatedBlock writes the full envelope markers for a freshly
// initialised block: one BlockStart[bodySize mod GranuleSize], then
// leftRedzone/GranuleSize-1 granules of HeapLeftPadding, then the
// addressable body (ceil(bodySize/GranuleSize) granules, the last
// carrying the partial marker if bodySize is not granule-aligned), then
// rightRedzone/GranuleSize-1 granules of HeapRightPadding, then one
// terminal BlockEnd. Both redzones are given in bytes.
func (s *Shadow) PoisonAllocatedBlock(spec EnvelopeSpec) error {
	if spec.Base%GranuleSize != 0 {
		return errors.Newf("shadow: block base %#x is not granule-aligned", spec.Base)
	}
	if spec.LeftRedzone < 1 || spec.RightRedzone < 1 {
		return errors.Newf("shadow: redzones must be at least one granule, got left=%d right=%d", spec.LeftRedzone, spec.RightRedzone)
	}
	if spec.LeftRedzone%GranuleSize != 0 || spec.RightRedzone%GranuleSize != 0 {
		return errors.Newf("shadow: redzones must be granule-multiples, got left=%d right=%d", spec.LeftRedzone, spec.RightRedzone)
	}

	bodyRemainder := spec.BodySize % GranuleSize
	cursor := spec.Base

	if err := s.Poison(cursor, GranuleSize, BlockStart(bodyRemainder, spec.Nested)); err != nil {
		return err
	}
	cursor += GranuleSize

	leftPad := spec.LeftRedzone - GranuleSize
	if leftPad > 0 {
		if err := s.Poison(cursor, leftPad, MarkerHeapLeftPadding); err != nil {
			return err
		}
		cursor += uintptr(leftPad)
	}

	if err := s.Unpoison(cursor, spec.BodySize); err != nil {
		return err
	}
	bodyGranules := (spec.BodySize + GranuleSize - 1) / GranuleSize
	cursor += uintptr(bodyGranules * GranuleSize)

	rightPad := spec.RightRedzone - GranuleSize
	if rightPad > 0 {
		if err := s.Poison(cursor, rightPad, MarkerHeapRightPadding); err != nil {
			return err
		}
		cursor += uintptr(rightPad)
	}

	end, err := s.indexFor(cursor)
	if err != nil {
		return err
	}
	s.bytes[end] = byte(BlockEnd(spec.Nested))

	s.logger.Debug("shadow.PoisonAllocatedBlock",
		slog.Uint64("base", uint64(spec.Base)),
		slog.Int("bodySize", spec.BodySize),
		slog.Bool("nested", spec.Nested))
	return nil
}

// templateWindow compares 8 consecutive shadow bytes against an "all m"
// template in one shot, so BlockInfoFromShadow's right-scan can skip a
// whole granule-of-granules at a time when the run is uniform. A
// mismatch falls back to a byte-wise scan of that window.
func templateWindow(window []byte, m Marker) bool {
	for _, b := range window {
		if Marker(b) != m {
			return false
		}
	}
	return true
}

// BlockInfoFromShadow recovers the full envelope layout of the block
// that contains addr, by scanning left for the bracketing BlockStart and
// right for the matching BlockEnd, tracking nesting depth so an inner
// block does not terminate the search for an outer one.
//
// Encountering a non-nested BlockStart while still at nesting depth > 0
// means the shadow is malformed (a nested block was never terminated);
// that is reported as ErrMalformedShadow rather than guessed at.
func (s *Shadow) BlockInfoFromShadow(addr uintptr) (BlockInfo, error) {
	idx, err := s.indexFor(addr)
	if err != nil {
		return BlockInfo{}, err
	}

	startIdx, remainder, nested, err := s.scanLeftForStart(idx)
	if err != nil {
		return BlockInfo{}, err
	}

	endIdx, err := s.scanRightForEnd(startIdx, nested)
	if err != nil {
		return BlockInfo{}, err
	}

	base := s.base + uintptr(startIdx)*GranuleSize
	bodyStart := base + GranuleSize

	leftRedzoneGranules, bodyGranules, rightRedzoneGranules := countEnvelope(s.bytes, startIdx, endIdx)
	bodySize := computeBodySize(bodyGranules, remainder)

	return BlockInfo{
		Base:         base,
		Body:         bodyStart + uintptr(leftRedzoneGranules)*GranuleSize,
		BodySize:     bodySize,
		LeftRedzone:  (leftRedzoneGranules + 1) * GranuleSize,
		RightRedzone: (rightRedzoneGranules + 1) * GranuleSize,
		Nested:       nested,
	}, nil
}

// countEnvelope walks the granules strictly between the BlockStart at
// startIdx and the BlockEnd at endIdx, classifying the leading run as
// left-redzone, the middle run as body, and the trailing run as
// right-redzone.
func countEnvelope(bytes []byte, startIdx, endIdx int) (leftRedzoneGranules, bodyGranules, rightRedzoneGranules int) {
	i := startIdx + 1
	for i < endIdx && Marker(bytes[i]) == MarkerHeapLeftPadding {
		leftRedzoneGranules++
		i++
	}
	bodyStartIdx := i
	for i < endIdx && !Marker(bytes[i]).IsRedzone() {
		i++
	}
	bodyGranules = i - bodyStartIdx
	for i < endIdx {
		if Marker(bytes[i]) == MarkerHeapRightPadding {
			rightRedzoneGranules++
		}
		i++
	}
	return
}

func computeBodySize(bodyGranules int, remainder int) int {
	if bodyGranules == 0 {
		return remainder
	}
	full := (bodyGranules - 1) * GranuleSize
	if remainder == 0 {
		return full + GranuleSize
	}
	return full + remainder
}

// scanLeftForStart walks left from idx (inclusive) until it finds the
// bracketing BlockStart, returning its index, the body-size remainder it
// encodes, and whether it is nested.
func (s *Shadow) scanLeftForStart(idx int) (startIdx int, remainder int, nested bool, err error) {
	// depth counts nested BlockEnd markers seen so far that have not yet
	// been matched by their own BlockStart while walking left. A
	// nested BlockStart encountered while depth > 0 belongs to one of
	// those already-closed nested blocks and must be skipped, not
	// returned; a non-nested one there means the shadow is malformed.
	depth := 0
	for i := idx; i >= 0; i-- {
		m := Marker(s.bytes[i])
		if isNested, ok := m.IsBlockEnd(); ok {
			if isNested {
				depth++
				continue
			}
			return 0, 0, false, errors.Wrapf(ErrMalformedShadow,
				"encountered an unrelated BlockEnd at %#x while scanning left for a bracketing BlockStart",
				s.base+uintptr(i)*GranuleSize)
		}
		if k, isNested, ok := m.BlockStartInfo(); ok {
			if depth > 0 {
				if !isNested {
					return 0, 0, false, errors.Wrapf(ErrMalformedShadow,
						"encountered a non-nested BlockStart at %#x inside an unterminated nested block",
						s.base+uintptr(i)*GranuleSize)
				}
				depth--
				continue
			}
			return i, k, isNested, nil
		}
	}
	return 0, 0, false, errors.Wrapf(ErrMalformedShadow, "no BlockStart found scanning left from %#x", s.base+uintptr(idx)*GranuleSize)
}

// scanRightForEnd walks right from startIdx+1 until it finds the marker
// terminating the block that startIdx opened (matching its nested-ness),
// accelerated by comparing 8-byte windows against uniform templates
// before falling back to a byte-wise look. depth counts nested blocks
// entered along the way so their own BlockEnd does not terminate the
// search for the outer block's end.
func (s *Shadow) scanRightForEnd(startIdx int, nested bool) (int, error) {
	depth := 0
	i := startIdx + 1
	for i < len(s.bytes) {
		window := 8
		if i+window <= len(s.bytes) &&
			(templateWindow(s.bytes[i:i+window], MarkerAddressable) || templateWindow(s.bytes[i:i+window], MarkerHeapFreed)) {
			i += window
			continue
		}

		m := Marker(s.bytes[i])
		if _, isNestedStart, ok := m.BlockStartInfo(); ok {
			if isNestedStart {
				depth++
			} else if depth > 0 {
				return 0, errors.Wrapf(ErrMalformedShadow,
					"encountered a non-nested BlockStart at %#x inside an unterminated nested block",
					s.base+uintptr(i)*GranuleSize)
			}
			i++
			continue
		}
		if isNestedEnd, ok := m.IsBlockEnd(); ok {
			if depth > 0 {
				if isNestedEnd {
					depth--
				}
				i++
				continue
			}
			if isNestedEnd == nested {
				return i, nil
			}
			i++
			continue
		}
		i++
	}
	return 0, errors.Wrapf(ErrMalformedShadow, "no BlockEnd found scanning right from %#x", s.base+uintptr(startIdx)*GranuleSize)
}

// IsBeginningOfBlockBody reports whether addr is exactly the first byte
// of some block's body, i.e. addr is granule-aligned, its own granule is
// not left padding, and the granule immediately preceding it carries a
// BlockStart or HeapLeftPadding marker.
func (s *Shadow) IsBeginningOfBlockBody(addr uintptr) bool {
	if addr < s.base+GranuleSize || addr%GranuleSize != 0 {
		return false
	}
	idx, err := s.indexFor(addr - GranuleSize)
	if err != nil || idx+1 >= len(s.bytes) {
		return false
	}
	if Marker(s.bytes[idx+1]) == MarkerHeapLeftPadding {
		return false
	}
	prev := Marker(s.bytes[idx])
	_, _, ok := prev.BlockStartInfo()
	return ok || prev == MarkerHeapLeftPadding
}

// MarkerAt returns the raw marker stored for the granule containing addr.
func (s *Shadow) MarkerAt(addr uintptr) (Marker, error) {
	idx, err := s.indexFor(addr)
	if err != nil {
		return 0, err
	}
	return Marker(s.bytes[idx]), nil
}

func (s *Shadow) pageIndex(addr uintptr) (word int, bit uint) {
	page := uintptr(addr) / s.pageSize
	return int(page / 32), uint(page % 32)
}

// PageIsProtected is a lock-free read of the page-protection bitmap. Per
// the specification, this bitmap may be stale against live protection
// state by at most one update; callers must tolerate that.
func (s *Shadow) PageIsProtected(addr uintptr) bool {
	word, bit := s.pageIndex(addr)
	if word < 0 || word >= len(s.pageProtected) {
		return false
	}
	return s.pageProtected[word].Load()&(1<<bit) != 0
}

// MarkPagesProtected updates the page-protection bitmap for the pages
// spanning [addr, addr+length) and asks the PageGuard to apply or lift
// hardware protection. It takes the page-protection mutex for the
// duration of the update, serialising concurrent protection changes; the
// bitmap bits themselves are still read without a lock by
// PageIsProtected.
func (s *Shadow) MarkPagesProtected(addr uintptr, length int, protect bool) error {
	s.pageMu.Lock()
	defer s.pageMu.Unlock()

	var err error
	if protect {
		err = s.guard.Protect(addr, length)
	} else {
		err = s.guard.Unprotect(addr, length)
	}
	if err != nil {
		return errors.Wrap(err, "shadow: page guard update failed")
	}

	first := addr / s.pageSize
	last := (addr + uintptr(length) - 1) / s.pageSize
	for page := first; page <= last; page++ {
		word, bit := int(page/32), uint(page%32)
		if word < 0 || word >= len(s.pageProtected) {
			continue
		}
		for {
			old := s.pageProtected[word].Load()
			var newVal uint32
			if protect {
				newVal = old | (1 << bit)
			} else {
				newVal = old &^ (1 << bit)
			}
			if s.pageProtected[word].CompareAndSwap(old, newVal) {
				break
			}
		}
	}
	return nil
}

// Base and Limit report the address range this shadow covers, mostly for
// diagnostics and for the heap checker's linear walk.
func (s *Shadow) Base() uintptr  { return s.base }
func (s *Shadow) Limit() uintptr { return s.limit }

// ShadowStats summarises the current population of each marker class,
// used by diagnostics (Runtime.Snapshot).
type ShadowStats struct {
	Addressable int
	Partial     int
	BlockStarts int
	BlockEnds   int
	LeftRedzone int
	RightRedzone int
	Freed       int
	Other       int
}

// Stats walks the entire shadow array and tallies marker classes. This is
// O(address space / GranuleSize) and is intended for diagnostics and
// tests only, never the hot path.
func (s *Shadow) Stats() ShadowStats {
	var stats ShadowStats
	for _, b := range s.bytes {
		m := Marker(b)
		switch {
		case m == MarkerAddressable:
			stats.Addressable++
		case func() bool { _, ok := m.IsPartial(); return ok }():
			stats.Partial++
		case func() bool { _, _, ok := m.BlockStartInfo(); return ok }():
			stats.BlockStarts++
		case func() bool { _, ok := m.IsBlockEnd(); return ok }():
			stats.BlockEnds++
		case m == MarkerHeapLeftPadding:
			stats.LeftRedzone++
		case m == MarkerHeapRightPadding:
			stats.RightRedzone++
		case m == MarkerHeapFreed:
			stats.Freed++
		default:
			stats.Other++
		}
	}
	return stats
}
