// Package store defines the pluggable persistent-queue abstraction the
// channel engine uses for its bundle store, payload store, and outbound
// ACS store, plus two concrete implementations.
package store

import (
	"context"
	"errors"
)

// ID is an opaque storage handle, analogous to bplib's bp_sid_t. The core
// never interprets it beyond comparing it to VacantID.
type ID uint64

// VacantID is the sentinel "no bundle here" value; real IDs are never
// equal to it.
const VacantID ID = 0

// Record is one stored bundle: its encoded header bytes plus the metadata
// the channel engine needs without re-parsing the bundle (spec.md §3's
// "Bundle data record").
type Record struct {
	Header     []byte
	BundleSize int
	ExprTime   int64 // Unix seconds; 0 = never expires.
	CTEBOffset int   // 0 = bundle does not request custody transfer.
}

// Errors returned by Service implementations. FailedStore is the catch-all
// a caller maps to stats.lost and a STOREFAILURE flag per spec.md §7.
var (
	ErrTimeout     = errors.New("store: operation timed out")
	ErrFailedStore = errors.New("store: operation failed")
	ErrNotFound    = errors.New("store: id not found")
)

// Service is the pluggable storage backend: a persistent queue keyed by
// opaque Storage IDs, matching spec.md §6 exactly.
type Service interface {
	// Enqueue appends rec, blocking up to ctx's deadline on backpressure.
	Enqueue(ctx context.Context, rec Record) error

	// Dequeue pops the oldest ready record, blocking up to ctx's deadline
	// if none is available. The returned ID is owned by the caller until
	// Relinquish.
	Dequeue(ctx context.Context) (Record, ID, error)

	// Retrieve fetches (without removing) the record for a previously
	// dequeued ID, used by the channel engine to re-read a bundle parked
	// in the active table for retransmission.
	Retrieve(ctx context.Context, id ID) (Record, error)

	// Relinquish releases a previously dequeued or retrieved record.
	Relinquish(id ID) error

	// GetCount reports the number of records presently enqueued (not
	// counting ones already dequeued/relinquished).
	GetCount() int

	// Destroy releases any resources held by the service.
	Destroy() error
}
