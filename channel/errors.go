package channel

import "errors"

// Sentinel errors returned by channel operations, modelled on the status
// codes named in spec.md §6. Status >= 0 on success is expressed in Go as a
// nil error plus a return value; these are the "< 0" half.
var (
	ErrTimeout                = errors.New("channel: operation timed out")
	ErrParam                  = errors.New("channel: invalid parameter")
	ErrFailedMem              = errors.New("channel: allocation failed")
	ErrFailedStore            = errors.New("channel: storage operation failed")
	ErrBundleTooLarge         = errors.New("channel: bundle too large for output buffer")
	ErrPayloadTooLarge        = errors.New("channel: payload too large for output buffer")
	ErrOverflow               = errors.New("channel: active table wrap overflow")
	ErrExpired                = errors.New("channel: bundle expired")
	ErrPendingAcknowledgment  = errors.New("channel: bundle was an acknowledgment record")
	ErrPendingCustodyTransfer = errors.New("channel: bundle is pending custody transfer")
	ErrBundleParse            = errors.New("channel: bundle failed to parse")
	ErrInvalidEID             = errors.New("channel: invalid endpoint id")
)

// Flags is the caller-supplied flags word operations OR advisory bits
// into, mirroring spec.md §7's "never panic, report via flags or status"
// propagation policy.
type Flags uint32

const (
	// FlagRouteNeeded is set by Load when an ACS record was flushed and
	// the caller should route it like any other outbound bundle.
	FlagRouteNeeded Flags = 1 << iota
	// FlagStoreFailure marks that a storage error was encountered and
	// absorbed internally (the offending slot was relinquished and
	// vacated; stats.Lost was incremented).
	FlagStoreFailure
	// FlagSDNVOverflow mirrors an sdnv.Overflow raised while parsing a
	// wire record.
	FlagSDNVOverflow
	// FlagSDNVIncomplete mirrors an sdnv.Incomplete raised while parsing
	// a wire record.
	FlagSDNVIncomplete
)

// Has reports whether flag is set.
func (f Flags) Has(flag Flags) bool { return f&flag != 0 }
