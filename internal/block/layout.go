// Package block plans and validates the byte envelope wrapped around a
// single heap body: a header, alignment padding, the body itself, more
// padding, and a trailer. It knows nothing about shadow bytes or the
// underlying heap that provides the raw storage; internal/heap wires the
// two together.
package block

import (
	"github.com/cockroachdb/errors"
	"github.com/shadowmem/asanrt/internal/shadow"
)

// Layout is the planned geometry of one block envelope, measured in bytes
// relative to the block's base address.
type Layout struct {
	Alignment        int
	BodyOffset       int // header + header padding
	BodySize         int
	BodyGranuleBytes int // BodySize rounded up to a GranuleSize multiple
	RightPadding     int // filler between the body's last granule and the trailer
	TrailerOffset    int
	TotalSize        int
}

// TrailerEnd is the offset one past the trailer, and therefore the total
// size of the envelope; kept as a method so callers don't have to repeat
// the arithmetic.
func (l Layout) TrailerEnd() int { return l.TrailerOffset + TrailerSize }

// LeftRedzone is the number of bytes, starting at the block base, that the
// shadow must mark as the block's left redzone (header + header padding).
func (l Layout) LeftRedzone() int { return l.BodyOffset }

// RightRedzone is the number of bytes, starting immediately after the
// body's last full granule, that the shadow must mark as the block's
// right redzone (right padding + trailer).
func (l Layout) RightRedzone() int { return l.TotalSize - l.BodyOffset - l.BodyGranuleBytes }

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

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// PlanLayout computes the envelope geometry for a body of the given size,
// honouring alignment and the caller's minimum redzone sizes. alignment
// must be a power of two; it is clamped up to GranuleSize since the
// shadow can only express redzones in granule multiples.
func PlanLayout(alignment, bodySize, minLeftRedzone, minRightRedzone int) (Layout, error) {
	if !isPowerOfTwo(alignment) {
		return Layout{}, errors.Newf("block: alignment %d is not a power of two", alignment)
	}
	if bodySize < 0 {
		return Layout{}, errors.Newf("block: negative body size %d", bodySize)
	}
	if minLeftRedzone < 0 || minRightRedzone < 0 {
		return Layout{}, errors.Newf("block: negative redzone minimum (left=%d right=%d)", minLeftRedzone, minRightRedzone)
	}

	eff := alignment
	if eff < shadow.GranuleSize {
		eff = shadow.GranuleSize
	}

	bodyOffset := roundUp(maxInt(HeaderSize, minLeftRedzone), eff)
	bodyGranuleBytes := roundUp(bodySize, shadow.GranuleSize)

	rightRedzoneMin := maxInt(minRightRedzone, TrailerSize)
	bodyEndAligned := bodyOffset + bodyGranuleBytes
	totalSize := roundUp(bodyEndAligned+rightRedzoneMin, eff)

	trailerOffset := totalSize - TrailerSize
	rightPadding := trailerOffset - bodyEndAligned

	return Layout{
		Alignment:        alignment,
		BodyOffset:       bodyOffset,
		BodySize:         bodySize,
		BodyGranuleBytes: bodyGranuleBytes,
		RightPadding:     rightPadding,
		TrailerOffset:    trailerOffset,
		TotalSize:        totalSize,
	}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
