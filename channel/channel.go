// Package channel implements the per-endpoint custody & retransmission
// engine: CID assignment, the active table scan, table-wrap handling,
// and the store/load/process/accept data path built on top of the ACS
// engine, the active table, the pluggable storage service, and a block
// codec.
package channel

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/greck2908/bplib/internal/activetable"
	"github.com/greck2908/bplib/internal/rangeset"
	"github.com/greck2908/bplib/internal/sdnv"
	"github.com/greck2908/bplib/pkg/acs"
	"github.com/greck2908/bplib/pkg/bpbundle"
	"github.com/greck2908/bplib/pkg/osapi"
	"github.com/greck2908/bplib/pkg/store"
)

// Channel is a single bundle endpoint: one destination route, one set of
// attributes, one active table, one custody (ACS) sub-engine, and three
// storage handles (outgoing bundles, delivered payloads, outgoing ACS
// records).
type Channel struct {
	mu     *osapi.Lock
	clock  osapi.Clock
	logger *osapi.Logger

	attrs Attributes
	codec bpbundle.Codec
	dest  bpbundle.EID
	local bpbundle.EID

	bundleStore  store.Service
	payloadStore store.Service
	acsStore     store.Service

	acsEngine *acs.Engine
	at        *activetable.Table

	oldestActiveCID  uint32
	currentActiveCID uint32
	nextSeq          uint64

	stats Stats
}

// Open allocates a channel for bundles addressed to dest, sourced from
// local, built over codec and the three supplied storage handles. Any
// sub-failure (currently only a malformed ACS arena size) leaves no
// partially-built channel behind.
func Open(
	dest, local bpbundle.EID,
	codec bpbundle.Codec,
	bundleStore, payloadStore, acsStore store.Service,
	clock osapi.Clock,
	opts ...Option,
) (*Channel, error) {
	if dest.IsZero() || local.IsZero() {
		return nil, ErrInvalidEID
	}

	attrs := DefaultAttributes()
	var optErrs *multierror.Error
	for _, opt := range opts {
		if err := opt(&attrs); err != nil {
			optErrs = multierror.Append(optErrs, err)
		}
	}
	if err := optErrs.ErrorOrNil(); err != nil {
		return nil, err
	}

	engine, err := acs.New(attrs.MaxGapsPerDACS, attrs.MaxFillsPerDACS, attrs.DACSRate)
	if err != nil {
		return nil, ErrFailedMem
	}

	return &Channel{
		mu:               osapi.NewLock(),
		clock:            clock,
		logger:           osapi.NewLogger(dest.String()),
		attrs:            attrs,
		codec:            codec,
		dest:             dest,
		local:            local,
		bundleStore:      bundleStore,
		payloadStore:     payloadStore,
		acsStore:         acsStore,
		acsEngine:        engine,
		at:               activetable.New(attrs.ActiveTableSize),
		oldestActiveCID:  1,
		currentActiveCID: 1,
	}, nil
}

// buildBundle assembles the outgoing bundle Store will encode, deferring
// CID assignment: a CTEB is attached (with a placeholder CID) whenever
// custody is requested, but the real CID is only minted when the bundle
// is actually emitted by Load.
func (c *Channel) buildBundle(payload []byte, now int64) *bpbundle.Bundle {
	var flags bpbundle.BundleFlags
	if c.attrs.AdminRecord {
		flags |= bpbundle.FlagAdminRecord
	}
	if c.attrs.AllowFragmentation {
		flags |= bpbundle.FlagFragmentationAllowed
	}
	if c.attrs.RequestCustody {
		flags |= bpbundle.FlagCustodyRequested
	}

	pb := bpbundle.PrimaryBlock{
		Version:     6,
		Flags:       flags,
		Destination: c.dest,
		Source:      c.local,
		Custodian:   c.local,
		Creation:    uint64(now),
		SequenceNum: c.nextSeq,
		Lifetime:    uint64(c.attrs.Lifetime),
	}
	c.nextSeq++

	b := &bpbundle.Bundle{Primary: pb, Payload: payload}
	if c.attrs.RequestCustody {
		b.CTEB = &bpbundle.CTEB{Custodian: c.local}
	}
	if c.attrs.IntegrityCheck {
		b.BIB = &bpbundle.BIB{CipherSuite: c.attrs.CipherSuite}
	}
	return b
}

// Store encodes payload as a bundle per the channel's current attributes
// and enqueues it into the bundle store (spec.md §4.4.2).
func (c *Channel) Store(ctx context.Context, payload []byte, timeout time.Duration) error {
	now := c.clock.Now()

	b := c.buildBundle(payload, now)
	header, cidOffset, err := c.codec.Encode(b)
	if err != nil {
		return ErrBundleParse
	}
	if c.attrs.MaxLength != 0 && len(header) > c.attrs.MaxLength {
		return ErrBundleTooLarge
	}

	exprtime := int64(0)
	if c.attrs.Lifetime != 0 {
		exprtime = now + c.attrs.Lifetime
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rec := store.Record{Header: header, BundleSize: len(header), ExprTime: exprtime, CTEBOffset: cidOffset}
	if err := c.bundleStore.Enqueue(ctxTimeout, rec); err != nil {
		if err == store.ErrTimeout {
			return ErrTimeout
		}
		return ErrFailedStore
	}

	c.stats.Generated++
	return nil
}

// loadCandidate is the bundle Load has chosen to emit, plus the
// bookkeeping emit needs to finish the job: which store it came from,
// whether a brand-new CID must be minted, or an existing one reused.
type loadCandidate struct {
	svc        store.Service
	sid        store.ID
	header     []byte
	bundleSize int
	cidOffset  int

	reuse    bool
	reuseCID uint32
}

// dequeueNonBlocking attempts an immediate (already-expired-context)
// dequeue from svc, used for the ACS store's "is one ready yet" check in
// Load step 1.
func dequeueNonBlocking(svc store.Service) (store.Record, store.ID, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	return svc.Dequeue(ctx)
}

// flushACS drains the ACS engine's current range set into zero or more
// wire records and enqueues each as an administrative-record bundle in
// the ACS store.
func (c *Channel) flushACS(ctx context.Context, now int64) {
	bufSize := c.attrs.MaxLength
	if bufSize <= 0 {
		bufSize = 2048
	}
	buf := make([]byte, bufSize)

	if err := c.acsEngine.Drain(now, buf, func(rec []byte) error {
		return c.enqueueACSRecord(ctx, rec, now)
	}); err != nil {
		c.logger.Warnf("acs drain failed: %v", err)
	}
}

func (c *Channel) enqueueACSRecord(ctx context.Context, rec []byte, now int64) error {
	pb := bpbundle.PrimaryBlock{
		Version:     6,
		Flags:       bpbundle.FlagAdminRecord,
		Destination: c.dest,
		Source:      c.local,
		Custodian:   c.local,
		Creation:    uint64(now),
		SequenceNum: c.nextSeq,
		Lifetime:    uint64(c.attrs.Lifetime),
	}
	c.nextSeq++

	header, _, err := c.codec.Encode(&bpbundle.Bundle{Primary: pb, Payload: rec})
	if err != nil {
		return err
	}

	exprtime := int64(0)
	if c.attrs.Lifetime != 0 {
		exprtime = now + c.attrs.Lifetime
	}
	return c.acsStore.Enqueue(ctx, store.Record{Header: header, BundleSize: len(header), ExprTime: exprtime})
}

// scanAndSelect runs spec.md §4.4.3 steps 2 and the wrap-safety check
// under the active table lock, returning a retransmit candidate, nil (no
// candidate: proceed to a fresh dequeue), or ErrOverflow.
func (c *Channel) scanAndSelect(ctx context.Context, now int64, flags *Flags) (*loadCandidate, error) {
	var cand *loadCandidate
	var overflow bool

	c.mu.Do(func() {
		for {
			for c.oldestActiveCID != c.currentActiveCID {
				entry, occupied := c.at.At(c.oldestActiveCID)
				if !occupied {
					c.oldestActiveCID++
					continue
				}

				rec, err := c.bundleStore.Retrieve(ctx, store.ID(entry.SID))
				if err != nil {
					c.bundleStore.Relinquish(store.ID(entry.SID))
					c.at.Vacate(c.oldestActiveCID)
					c.oldestActiveCID++
					c.stats.Lost++
					*flags |= FlagStoreFailure
					continue
				}
				if rec.ExprTime != 0 && now >= rec.ExprTime {
					c.bundleStore.Relinquish(store.ID(entry.SID))
					c.at.Vacate(c.oldestActiveCID)
					c.oldestActiveCID++
					c.stats.Expired++
					continue
				}
				if c.attrs.Timeout != 0 && now >= entry.Retx+c.attrs.Timeout {
					c.stats.Retransmitted++
					retired := c.oldestActiveCID
					c.oldestActiveCID++

					if c.attrs.CIDReuse {
						cand = &loadCandidate{
							svc: c.bundleStore, sid: store.ID(entry.SID),
							header: rec.Header, bundleSize: rec.BundleSize, cidOffset: rec.CTEBOffset,
							reuse: true, reuseCID: retired,
						}
						return
					}
					c.at.Vacate(retired)
					cand = &loadCandidate{
						svc: c.bundleStore, sid: store.ID(entry.SID),
						header: rec.Header, bundleSize: rec.BundleSize, cidOffset: rec.CTEBOffset,
					}
					return
				}

				// Oldest live entry not yet due: stop scanning and fall
				// through to the wrap-safety check below.
				break
			}

			if _, occupied := c.at.At(c.currentActiveCID); !occupied {
				return
			}

			switch c.attrs.WrapResponse {
			case WrapResend:
				entry, _ := c.at.At(c.oldestActiveCID)
				rec, err := c.bundleStore.Retrieve(ctx, store.ID(entry.SID))
				retired := c.oldestActiveCID
				c.oldestActiveCID++
				c.at.Vacate(retired)
				c.mu.WaitTimeout(c.attrs.WrapTimeout)

				if err != nil {
					c.bundleStore.Relinquish(store.ID(entry.SID))
					c.stats.Lost++
					*flags |= FlagStoreFailure
					continue
				}
				c.stats.Retransmitted++
				cand = &loadCandidate{
					svc: c.bundleStore, sid: store.ID(entry.SID),
					header: rec.Header, bundleSize: rec.BundleSize, cidOffset: rec.CTEBOffset,
				}
				return

			case WrapBlock:
				c.mu.WaitTimeout(c.attrs.WrapTimeout)
				overflow = true
				return

			case WrapDrop:
				entry, _ := c.at.At(c.oldestActiveCID)
				c.bundleStore.Relinquish(store.ID(entry.SID))
				c.at.Vacate(c.oldestActiveCID)
				c.oldestActiveCID++
				c.stats.Lost++
				continue
			}
		}
	})

	if overflow {
		return nil, ErrOverflow
	}
	return cand, nil
}

// emit finishes spec.md §4.4.3 step 4 for a chosen candidate: mints or
// reuses its CID under the AT lock, copies the header into out, and
// fire-and-forgets the storage handle if the bundle never requested
// custody.
func (c *Channel) emit(cand *loadCandidate, out []byte, now int64) ([]byte, error) {
	if out == nil {
		out = make([]byte, cand.bundleSize)
	}
	if len(out) < cand.bundleSize {
		cand.svc.Relinquish(cand.sid)
		c.stats.Lost++
		return nil, ErrBundleTooLarge
	}

	header := cand.header

	if cand.cidOffset != 0 {
		c.mu.Do(func() {
			if cand.reuse {
				c.at.Set(cand.reuseCID, uint64(cand.sid), now)
				return
			}
			cid := c.currentActiveCID
			if err := c.codec.RewriteCID(header, cand.cidOffset, cid); err != nil {
				c.logger.Warnf("rewrite cid at offset %d: %v", cand.cidOffset, err)
			}
			c.at.Set(cid, uint64(cand.sid), now)
			c.currentActiveCID++
		})
	}

	copy(out[:cand.bundleSize], header)
	c.stats.Transmitted++

	if cand.cidOffset == 0 {
		cand.svc.Relinquish(cand.sid)
	}

	return out[:cand.bundleSize], nil
}

// Load returns one wire-ready bundle, or a status error, per spec.md
// §4.4.3: flush pending ACS first, then scan the active table for a
// retransmit or wrap condition, and only then dequeue a fresh bundle.
func (c *Channel) Load(ctx context.Context, out []byte, timeout time.Duration, flagsOut *Flags) ([]byte, error) {
	var flags Flags
	defer func() {
		if flagsOut != nil {
			*flagsOut |= flags
		}
	}()

	now := c.clock.Now()

	if c.acsEngine.Due(now) {
		c.flushACS(ctx, now)
	}
	if rec, id, err := dequeueNonBlocking(c.acsStore); err == nil {
		flags |= FlagRouteNeeded
		return c.emit(&loadCandidate{
			svc: c.acsStore, sid: id,
			header: rec.Header, bundleSize: rec.BundleSize, cidOffset: rec.CTEBOffset,
		}, out, now)
	}

	cand, err := c.scanAndSelect(ctx, now, &flags)
	if err != nil {
		return nil, err
	}
	if cand != nil {
		return c.emit(cand, out, now)
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		rec, sid, err := c.bundleStore.Dequeue(ctxTimeout)
		if err == store.ErrTimeout {
			return nil, ErrTimeout
		}
		if err != nil {
			return nil, ErrFailedStore
		}
		if rec.ExprTime != 0 && now >= rec.ExprTime {
			c.bundleStore.Relinquish(sid)
			c.stats.Expired++
			continue
		}

		return c.emit(&loadCandidate{
			svc: c.bundleStore, sid: sid,
			header: rec.Header, bundleSize: rec.BundleSize, cidOffset: rec.CTEBOffset,
		}, out, now)
	}
}

// acknowledgeLocked relinquishes and vacates cid's slot if it is within
// the active window and still holds that exact CID. Must be called with
// the AT lock held.
func (c *Channel) acknowledgeLocked(cid uint32) bool {
	if cid < c.oldestActiveCID || cid >= c.currentActiveCID {
		return false
	}
	entry, occupied := c.at.At(cid)
	if !occupied || entry.CID != cid {
		return false
	}

	c.bundleStore.Relinquish(store.ID(entry.SID))
	c.at.Vacate(cid)
	c.mu.Signal()
	return true
}

func sdnvFlagsToChannel(f sdnv.Flags) Flags {
	var out Flags
	if f&sdnv.Overflow != 0 {
		out |= FlagSDNVOverflow
	}
	if f&sdnv.Incomplete != 0 {
		out |= FlagSDNVIncomplete
	}
	return out
}

func (c *Channel) deliverPayload(ctx context.Context, payload []byte, now int64) error {
	exprtime := int64(0)
	if c.attrs.Lifetime != 0 {
		exprtime = now + c.attrs.Lifetime
	}
	rec := store.Record{Header: payload, BundleSize: len(payload), ExprTime: exprtime}
	if err := c.payloadStore.Enqueue(ctx, rec); err != nil {
		return ErrFailedStore
	}
	return nil
}

// Process decodes data per spec.md §4.4.4 and routes it to one of four
// dispositions: expired, administrative (ACS) acknowledgment, pending
// custody transfer, or plain delivery.
func (c *Channel) Process(ctx context.Context, data []byte, flagsOut *Flags) error {
	var flags Flags
	defer func() {
		if flagsOut != nil {
			*flagsOut |= flags
		}
	}()

	c.stats.Received++

	b, cidOffset, err := c.codec.Decode(data)
	if err != nil {
		return ErrBundleParse
	}

	now := c.clock.Now()
	if b.Primary.Lifetime != 0 && now >= int64(b.Primary.Creation)+int64(b.Primary.Lifetime) {
		c.stats.Expired++
		return ErrExpired
	}

	if b.Primary.Flags.Has(bpbundle.FlagAdminRecord) {
		var ackCount int
		c.mu.Do(func() {
			n, rf := acs.Read(b.Payload, c.acknowledgeLocked)
			ackCount = n
			flags |= sdnvFlagsToChannel(rf)
		})
		c.stats.Acknowledged += int64(ackCount)
		return ErrPendingAcknowledgment
	}

	if cidOffset != 0 && b.CTEB != nil {
		if err := c.acsEngine.Receive(b.CTEB.CID); err != nil && err != rangeset.ErrDuplicate {
			c.flushACS(ctx, now)
			_ = c.acsEngine.Receive(b.CTEB.CID)
		}
		if err := c.deliverPayload(ctx, b.Payload, now); err != nil {
			return err
		}
		return ErrPendingCustodyTransfer
	}

	if err := c.deliverPayload(ctx, b.Payload, now); err != nil {
		return err
	}
	return nil
}

// Accept dequeues one delivered payload from the payload store (spec.md
// §4.4.5).
func (c *Channel) Accept(ctx context.Context, out []byte, timeout time.Duration) ([]byte, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rec, id, err := c.payloadStore.Dequeue(ctxTimeout)
	if err == store.ErrTimeout {
		return nil, ErrTimeout
	}
	if err != nil {
		return nil, ErrFailedStore
	}

	if out == nil {
		out = make([]byte, rec.BundleSize)
	}
	if len(out) < rec.BundleSize {
		c.payloadStore.Relinquish(id)
		c.stats.Lost++
		return nil, ErrPayloadTooLarge
	}

	copy(out[:rec.BundleSize], rec.Header)
	c.payloadStore.Relinquish(id)
	c.stats.Delivered++
	return out[:rec.BundleSize], nil
}

// Flush relinquishes every outstanding active-table entry and collapses
// the window (spec.md §4.4.6).
func (c *Channel) Flush() {
	c.mu.Do(func() {
		for cid := c.oldestActiveCID; cid != c.currentActiveCID; cid++ {
			entry, occupied := c.at.At(cid)
			if occupied && entry.CID == cid {
				c.bundleStore.Relinquish(store.ID(entry.SID))
				c.at.Vacate(cid)
				c.stats.Lost++
			}
		}
		c.oldestActiveCID = c.currentActiveCID
	})
}

// LatchStats copies the stats block atomically and refreshes the
// storage-derived counters (spec.md §4.4.7).
func (c *Channel) LatchStats() Stats {
	var s Stats
	c.mu.Do(func() {
		s = c.stats
		s.Active = int64(c.currentActiveCID - c.oldestActiveCID)
	})
	s.Bundles = int64(c.bundleStore.GetCount())
	s.Payloads = int64(c.payloadStore.GetCount())
	s.Records = int64(c.acsStore.GetCount())
	return s
}
