package channel

import (
	"context"
	"testing"
	"time"

	"github.com/greck2908/bplib/pkg/bpbundle"
	"github.com/greck2908/bplib/pkg/osapi"
	"github.com/greck2908/bplib/pkg/store"
)

func newTestChannel(t *testing.T, clock osapi.Clock, opts ...Option) *Channel {
	t.Helper()

	dest, _ := bpbundle.ParseEID("ipn:2.1")
	local, _ := bpbundle.ParseEID("ipn:1.0")

	ch, err := Open(dest, local, bpbundle.V6Codec{},
		store.NewMemStore(), store.NewMemStore(), store.NewMemStore(),
		clock, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return ch
}

func TestStoreLoadRoundTripWithoutCustody(t *testing.T) {
	clock := osapi.NewFakeClock(1000)
	ch := newTestChannel(t, clock)

	if err := ch.Store(context.Background(), []byte("hello"), time.Second); err != nil {
		t.Fatalf("Store: %v", err)
	}

	wire, err := ch.Load(context.Background(), nil, time.Second, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var flags Flags
	if err := ch.Process(context.Background(), wire, &flags); err != nil {
		t.Fatalf("Process: %v", err)
	}

	payload, err := ch.Accept(context.Background(), nil, time.Second)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload = %q", payload)
	}

	stats := ch.LatchStats()
	if stats.Generated != 1 || stats.Transmitted != 1 || stats.Received != 1 || stats.Delivered != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

// TestBasicCustodyRoundTrip grounds spec.md scenario 3: a custody-
// requesting bundle is stored, loaded (minting CID 1), handed to a
// receiver channel that processes it (PENDINGCUSTODYTRANSFER), and the
// receiver's flushed ACS record acknowledges CID 1 back at the sender,
// releasing its active-table slot.
func TestBasicCustodyRoundTrip(t *testing.T) {
	clock := osapi.NewFakeClock(1000)
	sender := newTestChannel(t, clock, WithRequestCustody(true), WithDACSRate(0))
	receiver := newTestChannel(t, clock, WithMaxGapsPerDACS(1))

	if err := sender.Store(context.Background(), []byte("payload"), time.Second); err != nil {
		t.Fatalf("sender.Store: %v", err)
	}

	wire, err := sender.Load(context.Background(), nil, time.Second, nil)
	if err != nil {
		t.Fatalf("sender.Load: %v", err)
	}
	if got := sender.LatchStats().Active; got != 1 {
		t.Fatalf("sender active count = %d, want 1", got)
	}

	if err := receiver.Process(context.Background(), wire, nil); err != ErrPendingCustodyTransfer {
		t.Fatalf("receiver.Process: got %v, want ErrPendingCustodyTransfer", err)
	}

	// receiver.MaxGapsPerDACS=1 means the single received CID fills the
	// arena immediately, so the next Load drains an ACS record.
	ack, err := receiver.Load(context.Background(), nil, time.Second, nil)
	if err != nil {
		t.Fatalf("receiver.Load (ACS): %v", err)
	}

	if err := sender.Process(context.Background(), ack, nil); err != ErrPendingAcknowledgment {
		t.Fatalf("sender.Process(ack): got %v, want ErrPendingAcknowledgment", err)
	}

	// The window counter only advances during a later scan (spec.md's
	// active table window may straddle already-vacant slots), so the raw
	// Active count is unchanged immediately after the ack...
	if got := sender.LatchStats().Active; got != 1 {
		t.Fatalf("sender active count immediately after ack = %d, want 1 (window not yet advanced)", got)
	}
	if got := sender.LatchStats().Acknowledged; got != 1 {
		t.Fatalf("sender acknowledged = %d, want 1", got)
	}

	// ...until the next Load scans past the now-vacant slot.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := sender.Load(ctx, nil, 10*time.Millisecond, nil); err != ErrTimeout {
		t.Fatalf("Load after ack: got %v, want ErrTimeout", err)
	}
	if got := sender.LatchStats().Active; got != 0 {
		t.Fatalf("sender active count after scan = %d, want 0", got)
	}
}

// TestRetransmitOnTimeout grounds spec.md scenario 4: a custody bundle
// whose retransmit timeout elapses before acknowledgment is re-emitted by
// Load with a freshly minted CID (CIDReuse disabled).
func TestRetransmitOnTimeout(t *testing.T) {
	clock := osapi.NewFakeClock(1000)
	sender := newTestChannel(t, clock, WithRequestCustody(true), WithTimeout(5))

	if err := sender.Store(context.Background(), []byte("payload"), time.Second); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := sender.Load(context.Background(), nil, time.Second, nil); err != nil {
		t.Fatalf("first Load: %v", err)
	}

	clock.Advance(10)

	// There is nothing fresh in the bundle store, so Load must find the
	// timed-out entry via the active-table scan.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	wire, err := sender.Load(ctx, nil, 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("retransmit Load: %v", err)
	}

	got, _, err := (bpbundle.V6Codec{}).Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.CTEB.CID != 2 {
		t.Fatalf("retransmitted CID = %d, want 2 (fresh mint, not reuse)", got.CTEB.CID)
	}

	stats := sender.LatchStats()
	if stats.Retransmitted != 1 {
		t.Fatalf("stats.Retransmitted = %d, want 1", stats.Retransmitted)
	}
}

// TestRetransmitWithCIDReuse grounds the cid_reuse variant of scenario 4:
// the header's CID is never rewritten, so the wire bytes are identical
// across retransmissions.
func TestRetransmitWithCIDReuse(t *testing.T) {
	clock := osapi.NewFakeClock(1000)
	sender := newTestChannel(t, clock, WithRequestCustody(true), WithTimeout(5), WithCIDReuse(true))

	if err := sender.Store(context.Background(), []byte("payload"), time.Second); err != nil {
		t.Fatalf("Store: %v", err)
	}
	first, err := sender.Load(context.Background(), nil, time.Second, nil)
	if err != nil {
		t.Fatalf("first Load: %v", err)
	}

	clock.Advance(10)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	second, err := sender.Load(ctx, nil, 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("retransmit Load: %v", err)
	}

	firstB, _, _ := (bpbundle.V6Codec{}).Decode(first)
	secondB, _, _ := (bpbundle.V6Codec{}).Decode(second)
	if firstB.CTEB.CID != secondB.CTEB.CID {
		t.Fatalf("CID changed across reuse-retransmit: %d -> %d", firstB.CTEB.CID, secondB.CTEB.CID)
	}
}

// TestFlushClearsActiveWindow grounds invariant CH2.
func TestFlushClearsActiveWindow(t *testing.T) {
	clock := osapi.NewFakeClock(1000)
	sender := newTestChannel(t, clock, WithRequestCustody(true))

	for i := 0; i < 3; i++ {
		if err := sender.Store(context.Background(), []byte("x"), time.Second); err != nil {
			t.Fatalf("Store %d: %v", i, err)
		}
		if _, err := sender.Load(context.Background(), nil, time.Second, nil); err != nil {
			t.Fatalf("Load %d: %v", i, err)
		}
	}

	if got := sender.LatchStats().Active; got != 3 {
		t.Fatalf("active before flush = %d, want 3", got)
	}

	sender.Flush()

	stats := sender.LatchStats()
	if stats.Active != 0 {
		t.Fatalf("active after flush = %d, want 0", stats.Active)
	}
	if stats.Lost != 3 {
		t.Fatalf("lost after flush = %d, want 3", stats.Lost)
	}
}

// TestLoadTimeoutWhenStoreEmpty covers the plain TIMEOUT status path.
func TestLoadTimeoutWhenStoreEmpty(t *testing.T) {
	clock := osapi.NewFakeClock(1000)
	ch := newTestChannel(t, clock)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := ch.Load(ctx, nil, 20*time.Millisecond, nil); err != ErrTimeout {
		t.Fatalf("Load on empty store: got %v, want ErrTimeout", err)
	}
}

// TestWrapBlockReturnsOverflow exercises the WRAP_RESPONSE=BLOCK policy
// with a one-slot active table: a second outstanding custody bundle
// cannot be assigned a CID while the first is still live.
func TestWrapBlockReturnsOverflow(t *testing.T) {
	clock := osapi.NewFakeClock(1000)
	sender := newTestChannel(t, clock,
		WithRequestCustody(true),
		WithActiveTableSize(1),
		WithWrapResponse(WrapBlock),
		WithWrapTimeout(5*time.Millisecond))

	if err := sender.Store(context.Background(), []byte("a"), time.Second); err != nil {
		t.Fatalf("Store a: %v", err)
	}
	if _, err := sender.Load(context.Background(), nil, time.Second, nil); err != nil {
		t.Fatalf("Load a: %v", err)
	}

	if err := sender.Store(context.Background(), []byte("b"), time.Second); err != nil {
		t.Fatalf("Store b: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := sender.Load(ctx, nil, time.Second, nil); err != ErrOverflow {
		t.Fatalf("Load b: got %v, want ErrOverflow", err)
	}
}

// TestWrapResendRetransmitsOldestOnWrap exercises the default
// WRAP_RESPONSE=RESEND policy: with both active-table slots occupied by
// unacknowledged bundles, a third Load retires and retransmits the
// oldest one instead of failing, and does so without also counting it as
// lost (spec.md's CH1: exactly one stats category per bundle).
func TestWrapResendRetransmitsOldestOnWrap(t *testing.T) {
	clock := osapi.NewFakeClock(1000)
	sender := newTestChannel(t, clock,
		WithRequestCustody(true),
		WithActiveTableSize(2),
		WithWrapTimeout(5*time.Millisecond))

	for _, payload := range []string{"a", "b"} {
		if err := sender.Store(context.Background(), []byte(payload), time.Second); err != nil {
			t.Fatalf("Store %s: %v", payload, err)
		}
		if _, err := sender.Load(context.Background(), nil, time.Second, nil); err != nil {
			t.Fatalf("Load %s: %v", payload, err)
		}
	}

	if err := sender.Store(context.Background(), []byte("c"), time.Second); err != nil {
		t.Fatalf("Store c: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	wire, err := sender.Load(ctx, nil, time.Second, nil)
	if err != nil {
		t.Fatalf("Load on wrap: %v", err)
	}

	got, _, err := (bpbundle.V6Codec{}).Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.CTEB.CID != 3 {
		t.Fatalf("retransmitted CID = %d, want 3 (fresh mint for retired oldest entry)", got.CTEB.CID)
	}

	stats := sender.LatchStats()
	if stats.Retransmitted != 1 {
		t.Fatalf("stats.Retransmitted = %d, want 1", stats.Retransmitted)
	}
	if stats.Lost != 0 {
		t.Fatalf("stats.Lost = %d, want 0 (a retransmitted bundle must not also count as lost)", stats.Lost)
	}
}

// TestWrapDropLosesOldestOnWrap reproduces spec.md scenario 5: with
// WRAP_RESPONSE=DROP and a two-entry active table, a third Load drops the
// oldest unacknowledged entry outright and mints a fresh CID for the new
// bundle instead of retransmitting the dropped one.
func TestWrapDropLosesOldestOnWrap(t *testing.T) {
	clock := osapi.NewFakeClock(1000)
	sender := newTestChannel(t, clock,
		WithRequestCustody(true),
		WithActiveTableSize(2),
		WithWrapResponse(WrapDrop))

	for _, payload := range []string{"a", "b"} {
		if err := sender.Store(context.Background(), []byte(payload), time.Second); err != nil {
			t.Fatalf("Store %s: %v", payload, err)
		}
		if _, err := sender.Load(context.Background(), nil, time.Second, nil); err != nil {
			t.Fatalf("Load %s: %v", payload, err)
		}
	}

	if err := sender.Store(context.Background(), []byte("c"), time.Second); err != nil {
		t.Fatalf("Store c: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	wire, err := sender.Load(ctx, nil, time.Second, nil)
	if err != nil {
		t.Fatalf("Load on wrap: %v", err)
	}

	got, _, err := (bpbundle.V6Codec{}).Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.CTEB.CID != 3 {
		t.Fatalf("emitted CID = %d, want 3 (fresh bundle c, not a retransmit)", got.CTEB.CID)
	}

	stats := sender.LatchStats()
	if stats.Lost != 1 {
		t.Fatalf("stats.Lost = %d, want 1 (dropped oldest entry)", stats.Lost)
	}
	if stats.Retransmitted != 0 {
		t.Fatalf("stats.Retransmitted = %d, want 0 (DROP never retransmits)", stats.Retransmitted)
	}
}

// TestRetransmitScanSkipsVacantWithoutWrapSignal grounds SPEC_FULL.md §9's
// Open Question (a): an already-acknowledged slot at oldest_active_cid
// must simply be skipped by the scan, advancing oldestActiveCID past it,
// rather than being mistaken for the wrap condition (which only applies
// to current_active_cid's own slot). WrapBlock is used so that, if the
// scan wrongly signalled a wrap here, Load would return ErrOverflow
// instead of successfully emitting the fresh bundle.
func TestRetransmitScanSkipsVacantWithoutWrapSignal(t *testing.T) {
	clock := osapi.NewFakeClock(1000)
	sender := newTestChannel(t, clock,
		WithRequestCustody(true),
		WithActiveTableSize(2),
		WithWrapResponse(WrapBlock),
		WithWrapTimeout(5*time.Millisecond))

	for _, payload := range []string{"a", "b"} {
		if err := sender.Store(context.Background(), []byte(payload), time.Second); err != nil {
			t.Fatalf("Store %s: %v", payload, err)
		}
		if _, err := sender.Load(context.Background(), nil, time.Second, nil); err != nil {
			t.Fatalf("Load %s: %v", payload, err)
		}
	}

	// Acknowledge CID 1 (the oldest entry) without running a scan: the
	// slot is vacated in place, but oldestActiveCID is left pointing at
	// it, exactly as spec.md's Data Model describes.
	sender.mu.Do(func() {
		if !sender.acknowledgeLocked(1) {
			t.Fatalf("acknowledgeLocked(1) = false, want true")
		}
	})

	if err := sender.Store(context.Background(), []byte("c"), time.Second); err != nil {
		t.Fatalf("Store c: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	wire, err := sender.Load(ctx, nil, time.Second, nil)
	if err != nil {
		t.Fatalf("Load c: got %v, want a fresh mint, not ErrOverflow (scan must skip the vacant slot)", err)
	}

	got, _, err := (bpbundle.V6Codec{}).Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.CTEB.CID != 3 {
		t.Fatalf("emitted CID = %d, want 3 (fresh mint, no wrap triggered)", got.CTEB.CID)
	}

	stats := sender.LatchStats()
	if stats.Lost != 0 || stats.Retransmitted != 0 {
		t.Fatalf("stats = %+v, want Lost=0 Retransmitted=0 (a vacant-slot skip is neither)", stats)
	}
	if got := sender.LatchStats().Active; got != 2 {
		t.Fatalf("active after skip-and-mint = %d, want 2 (oldestActiveCID advanced past the vacant CID1 slot to CID2)", got)
	}
}
