// Package config loads runtime parameters from the space-separated
// "--key=value" environment-variable format described by the runtime's
// external interface. It never talks to the OS directly: callers read the
// environment variable themselves and hand the raw string to Parse, the
// same way the host crash-reporter and minidump writer are collaborators
// reached through an interface rather than a direct dependency.
package config

import (
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/getsentry/sentry-go"
)

// AddressSpaceLimit is the largest address-space size the shadow can
// cover while staying within a 256 MiB shadow array (2 GiB / 8).
const AddressSpaceLimit = uint64(1) << 31

// RuntimeParams is the fully parsed form of the runtime's configuration.
// Fields map directly to the environment-variable table in the
// specification; a handful of additional fields (AddressSpaceSize,
// LargeBlockThreshold, ZebraStripeSize, QuarantineShardCount) are
// implementation parameters the table leaves unconfigured via environment
// variables but that the block heap manager and shadow still need sane
// defaults for.
type RuntimeParams struct {
	QuarantineSize        int64
	QuarantineBlockSize   int64
	MaxNumFrames          int
	BottomFramesToSkip    int
	AllocationGuardRate   float64
	CheckHeapOnFailure    bool
	EnableZebraBlockHeap  bool
	EnableAllocationFilter bool
	DisableLargeBlockHeap bool
	DisableBreakpadReporting bool
	MinidumpOnFailure     bool
	ExitOnFailure         bool
	IgnoredStackIDs       map[uint32]struct{}

	// SentryHub, if non-nil, is the crash-reporter hub the default error
	// callback annotates and captures an event to. Not part of the
	// environment-variable table (no textual encoding for a live handle
	// makes sense there); callers that want Sentry reporting set this
	// field directly after Parse/Defaults.
	SentryHub *sentry.Hub

	// AddressSpaceSize is the number of bytes of application address
	// space the shadow array must cover. Defaults to AddressSpaceLimit.
	// Not part of the environment-variable table; exposed so tests can
	// run against a much smaller shadow.
	AddressSpaceSize uint64
	// LargeBlockThreshold is the body size, in bytes, at or above which
	// HeapManager prefers the large-block heap.
	LargeBlockThreshold int
	// ZebraStripeSize is the size in bytes of the addressable body page
	// of one zebra heap stripe (each stripe is twice this: the body page
	// plus a guard page of the same size).
	ZebraStripeSize int
	// QuarantineShardCount is the number of independent shards the
	// quarantine is split across. Rounded up to a power of two.
	QuarantineShardCount int
}

// Defaults returns the default parameter set: what Parse returns for an
// empty string, and the base its tokens are applied on top of.
func Defaults() RuntimeParams {
	return RuntimeParams{
		QuarantineSize:         256 << 20,
		QuarantineBlockSize:    32 << 20,
		MaxNumFrames:           32,
		BottomFramesToSkip:     2,
		AllocationGuardRate:    1.0,
		CheckHeapOnFailure:     true,
		EnableZebraBlockHeap:   false,
		EnableAllocationFilter: false,
		DisableLargeBlockHeap:  false,
		DisableBreakpadReporting: false,
		MinidumpOnFailure:      false,
		ExitOnFailure:          false,
		IgnoredStackIDs:        map[uint32]struct{}{},
		AddressSpaceSize:       AddressSpaceLimit,
		LargeBlockThreshold:    1 << 20,
		ZebraStripeSize:        4096,
		QuarantineShardCount:   16,
	}
}

// Warner receives a warning for every unrecognised configuration token.
// Callers that do not care can pass nil.
type Warner func(token string)

// Parse tokenises raw on whitespace into "--key=value" tokens and applies
// them on top of Defaults. Unknown keys are reported to warn (if non-nil)
// and otherwise ignored, matching the forward-compatible tolerance the
// allocator options of the wider ecosystem extend to unrecognised fields.
// A malformed token (missing "=", or a value that cannot be parsed as the
// option's type) is a hard error naming the offending token.
func Parse(raw string, warn Warner) (RuntimeParams, error) {
	params := Defaults()

	for _, tok := range strings.Fields(raw) {
		if !strings.HasPrefix(tok, "--") {
			return RuntimeParams{}, errors.Newf("config: malformed token %q: missing -- prefix", tok)
		}
		body := strings.TrimPrefix(tok, "--")
		key, value, found := strings.Cut(body, "=")
		if !found {
			return RuntimeParams{}, errors.Newf("config: malformed token %q: missing '='", tok)
		}

		if err := applyOption(&params, key, value); err != nil {
			if errors.Is(err, errUnknownOption) {
				if warn != nil {
					warn(tok)
				}
				continue
			}
			return RuntimeParams{}, errors.Wrapf(err, "config: token %q", tok)
		}
	}

	return params, nil
}

var errUnknownOption = errors.New("unknown option")

func applyOption(p *RuntimeParams, key, value string) error {
	switch key {
	case "quarantine_size":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return errors.Wrap(err, "quarantine_size")
		}
		p.QuarantineSize = n
	case "quarantine_block_size":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return errors.Wrap(err, "quarantine_block_size")
		}
		p.QuarantineBlockSize = n
	case "max_num_frames":
		n, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrap(err, "max_num_frames")
		}
		p.MaxNumFrames = n
	case "bottom_frames_to_skip":
		n, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrap(err, "bottom_frames_to_skip")
		}
		p.BottomFramesToSkip = n
	case "allocation_guard_rate":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return errors.Wrap(err, "allocation_guard_rate")
		}
		if f < 0 || f > 1 || math.IsNaN(f) {
			return errors.Newf("allocation_guard_rate must be in [0,1], got %v", f)
		}
		p.AllocationGuardRate = f
	case "check_heap_on_failure":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrap(err, "check_heap_on_failure")
		}
		p.CheckHeapOnFailure = b
	case "enable_zebra_block_heap":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrap(err, "enable_zebra_block_heap")
		}
		p.EnableZebraBlockHeap = b
	case "enable_allocation_filter":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrap(err, "enable_allocation_filter")
		}
		p.EnableAllocationFilter = b
	case "disable_large_block_heap":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrap(err, "disable_large_block_heap")
		}
		p.DisableLargeBlockHeap = b
	case "disable_breakpad_reporting":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrap(err, "disable_breakpad_reporting")
		}
		p.DisableBreakpadReporting = b
	case "minidump_on_failure":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrap(err, "minidump_on_failure")
		}
		p.MinidumpOnFailure = b
	case "exit_on_failure":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrap(err, "exit_on_failure")
		}
		p.ExitOnFailure = b
	case "ignored_stack_ids":
		if p.IgnoredStackIDs == nil {
			p.IgnoredStackIDs = map[uint32]struct{}{}
		}
		for _, piece := range strings.Split(value, ",") {
			if piece == "" {
				continue
			}
			n, err := strconv.ParseUint(piece, 10, 32)
			if err != nil {
				return errors.Wrapf(err, "ignored_stack_ids entry %q", piece)
			}
			p.IgnoredStackIDs[uint32(n)] = struct{}{}
		}
	default:
		return errUnknownOption
	}
	return nil
}
