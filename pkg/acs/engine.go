// Package acs implements the aggregate custody signal engine: it
// accumulates received custodial CIDs into a range set, decides when an
// ACS is due, and serializes/deserializes the compact run-length record
// that carries the acknowledgements over the wire.
package acs

import (
	"sync"

	"github.com/greck2908/bplib/internal/rangeset"
)

// Engine is the receive-side half of custody transfer: a CID range set
// plus the bookkeeping needed to decide when to flush it into one or more
// ACS bundles. It is grounded on bp_custody_t from the source library,
// minus the bundle-construction parts which belong to the channel engine.
type Engine struct {
	mu sync.Mutex

	tree            *rangeset.Set
	maxFillsPerDACS int
	dacsRate        int64
	lastEmit        int64
}

// New creates an Engine with an arena of maxGapsPerDACS ranges and a
// per-record fill budget of maxFillsPerDACS. dacsRate is the number of
// seconds between forced emissions; zero disables the timer.
func New(maxGapsPerDACS uint32, maxFillsPerDACS int, dacsRate int64) (*Engine, error) {
	tree, err := rangeset.Create(maxGapsPerDACS)
	if err != nil {
		return nil, err
	}
	return &Engine{
		tree:            tree,
		maxFillsPerDACS: maxFillsPerDACS,
		dacsRate:        dacsRate,
	}, nil
}

// Receive records cid as requiring acknowledgement. It returns the
// rangeset error verbatim (ErrDuplicate is an expected, harmless outcome;
// ErrTreeFull means the caller must Drain before retrying, exactly as
// custody_receive does on RB_FAIL_TREE_FULL).
func (e *Engine) Receive(cid uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tree.Insert(cid)
}

// Due reports whether an ACS is owed: the tree has reached the gap
// budget, or dacsRate seconds have elapsed since the last emission.
func (e *Engine) Due(sysnow int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dueLocked(sysnow)
}

func (e *Engine) dueLocked(sysnow int64) bool {
	if e.tree.IsEmpty() {
		return false
	}
	if e.tree.IsFull() {
		return true
	}
	return e.dacsRate > 0 && sysnow >= e.lastEmit+e.dacsRate
}

// Drain serializes the full contents of the tree into zero or more ACS
// records, each sized to fit buf, invoking emit for every record produced.
// emit returning an error aborts the drain and propagates the error,
// leaving any not-yet-popped ranges in the tree (they were never removed
// from it), matching custody_enqueue's "first failure wins" semantics.
func (e *Engine) Drain(sysnow int64, buf []byte, emit func(rec []byte) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for !e.tree.IsEmpty() {
		n, _ := Write(e.tree, buf, e.maxFillsPerDACS)
		if n == 0 {
			break
		}
		if err := emit(buf[:n]); err != nil {
			return err
		}
		e.lastEmit = sysnow
	}
	return nil
}

// Len reports the number of distinct ranges currently pending.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tree.Len()
}
