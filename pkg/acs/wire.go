package acs

import (
	"errors"

	"github.com/greck2908/bplib/internal/rangeset"
	"github.com/greck2908/bplib/internal/sdnv"
)

// RecordType identifies an administrative record payload as an aggregate
// custody signal.
const RecordType byte = 0x01

// AckMask is the status-byte bit indicating the signal acknowledges (as
// opposed to refuses) the CIDs it covers. bplib only ever emits
// acknowledging signals; the bit is still parsed on read for fidelity with
// the wire format.
const AckMask byte = 0x01

const (
	recTypeIndex   = 0
	recStatusIndex = 1
	recHeaderLen   = 2
)

// ErrRecordTooShort describes a record that doesn't even hold a header
// and a first CID. Read does not return it; Read reports that case
// through the sdnv.Incomplete flag.
var ErrRecordTooShort = errors.New("acs: record too short")

// Write serializes as many ranges as fit into buf — bounded by
// maxFillsPerDACS fills (each range counts as two) and by buf's length —
// popping each written range out of tree. It returns the number of bytes written and any SDNV
// flags raised.
//
// The caller (Engine.Drain) loops this until the tree is empty, since one
// call may not have room for every outstanding range: each call starts a
// fresh record with its own anchor CID, mirroring dacs_write / its
// custody_enqueue caller loop.
func Write(tree *rangeset.Set, buf []byte, maxFillsPerDACS int) (n int, flags sdnv.Flags) {
	if tree.IsEmpty() || len(buf) < recHeaderLen {
		return 0, 0
	}

	it := tree.First()
	first, _ := tree.Next(&it, false, false)
	if recHeaderLen+sdnv.Size(uint64(first.Value))+sdnv.Size(uint64(first.Offset)) > len(buf) {
		return 0, 0
	}
	if _, err := tree.PopFirst(); err != nil {
		return 0, 0
	}

	buf[recTypeIndex] = RecordType
	buf[recStatusIndex] = AckMask
	idx := recHeaderLen

	wn, wf := sdnv.WriteUint(buf[idx:], uint64(first.Value))
	idx += wn
	flags |= wf

	wn, wf = sdnv.WriteUint(buf[idx:], uint64(first.Offset))
	idx += wn
	flags |= wf

	fillCount := 2
	prev := first

	for fillCount < maxFillsPerDACS && !tree.IsEmpty() {
		it := tree.First()
		rng, _ := tree.Next(&it, false, false)
		gap := rng.Value - prev.End()
		if idx+sdnv.Size(uint64(gap))+sdnv.Size(uint64(rng.Offset)) > len(buf) {
			break
		}
		if _, err := tree.PopFirst(); err != nil {
			break
		}

		wn, wf = sdnv.WriteUint(buf[idx:], uint64(gap))
		idx += wn
		flags |= wf

		wn, wf = sdnv.WriteUint(buf[idx:], uint64(rng.Offset))
		idx += wn
		flags |= wf

		fillCount += 2
		prev = rng
	}

	return idx, flags
}

// Read parses an ACS record, invoking ack for every CID covered by a
// present-run. It returns the number of CIDs for which ack returned true.
//
// Fill runs alternate meaning starting from "present": the first fill
// after the anchor CID is a run of present CIDs, the next is a run of
// absent (skipped) CIDs, and so on — mirroring dacs_read's cidin toggle.
func Read(rec []byte, ack func(cid uint32) bool) (ackCount int, flags sdnv.Flags) {
	if len(rec) < recHeaderLen {
		return 0, sdnv.Incomplete
	}

	acked := rec[recStatusIndex]&AckMask != 0

	cursor, n, rf := sdnv.ReadUint(rec[recHeaderLen:])
	flags |= rf
	if flags != 0 {
		return 0, flags
	}
	idx := recHeaderLen + n

	present := true
	for idx < len(rec) {
		fill, n, rf := sdnv.ReadUint(rec[idx:])
		flags |= rf
		if flags != 0 {
			return ackCount, flags
		}
		idx += n

		if present && acked {
			for i := uint64(0); i < fill; i++ {
				if ack(uint32(cursor + i)) {
					ackCount++
				}
			}
		}
		present = !present
		cursor += fill
	}

	return ackCount, flags
}
