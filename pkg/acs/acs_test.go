package acs

import (
	"sort"
	"testing"

	"github.com/greck2908/bplib/internal/rangeset"
)

func TestWriteReadRoundTrip(t *testing.T) {
	tree, err := rangeset.Create(16)
	if err != nil {
		t.Fatal(err)
	}
	cids := []uint32{1, 2, 3, 7, 8, 12}
	for _, c := range cids {
		_ = tree.Insert(c)
	}

	buf := make([]byte, 64)
	n, flags := Write(tree, buf, 64)
	if flags != 0 {
		t.Fatalf("Write flags = %v", flags)
	}
	if !tree.IsEmpty() {
		t.Fatalf("Write should have drained the tree, len=%d", tree.Len())
	}

	var got []uint32
	ackCount, rflags := Read(buf[:n], func(cid uint32) bool {
		got = append(got, cid)
		return true
	})
	if rflags != 0 {
		t.Fatalf("Read flags = %v", rflags)
	}
	if ackCount != len(cids) {
		t.Fatalf("ackCount = %d, want %d", ackCount, len(cids))
	}

	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	if len(got) != len(cids) {
		t.Fatalf("got %v, want %v", got, cids)
	}
	for i, c := range cids {
		if got[i] != c {
			t.Fatalf("got %v, want %v", got, cids)
		}
	}
}

func TestEngineDueOnGapBudget(t *testing.T) {
	e, err := New(2, 64, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range []uint32{1, 7} {
		if err := e.Receive(c); err != nil {
			t.Fatalf("Receive(%d): %v", c, err)
		}
	}
	if !e.Due(0) {
		t.Fatalf("Due() should be true once the gap budget (2 ranges) is reached")
	}
}

func TestEngineDueOnRate(t *testing.T) {
	e, err := New(16, 64, 10)
	if err != nil {
		t.Fatal(err)
	}
	_ = e.Receive(1)
	if e.Due(5) {
		t.Fatalf("Due(5) should be false, rate not elapsed")
	}
	if !e.Due(10) {
		t.Fatalf("Due(10) should be true, rate elapsed")
	}
}

func TestEngineDrainEmitsExactlyOneRecordForScenario(t *testing.T) {
	e, err := New(8, 64, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range []uint32{1, 2, 3, 7, 8, 12} {
		_ = e.Receive(c)
	}

	buf := make([]byte, 64)
	var records [][]byte
	if err := e.Drain(100, buf, func(rec []byte) error {
		cp := append([]byte(nil), rec...)
		records = append(records, cp)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if len(records) != 1 {
		t.Fatalf("expected exactly one ACS record, got %d", len(records))
	}

	var acked []uint32
	Read(records[0], func(cid uint32) bool {
		acked = append(acked, cid)
		return true
	})
	if len(acked) != 6 {
		t.Fatalf("acked %v, want 6 CIDs", acked)
	}
}
