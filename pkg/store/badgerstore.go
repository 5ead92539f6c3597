package store

import (
	"context"
	"os"
	"sync"

	"github.com/timshannon/badgerhold"
)

// badgerRecord is the on-disk shape of a Record, indexed by a monotonic
// sequence number so FIFO order survives a restart. It is grounded on
// storage.BundleItem from storage/store.go, generalized from a bundle
// envelope to an opaque queued record.
type badgerRecord struct {
	Seq        uint64 `badgerholdKey:"Seq"`
	Taken      bool   `badgerholdIndex:"Taken"`
	Header     []byte
	BundleSize int
	ExprTime   int64
	CTEBOffset int
}

// BadgerStore is a Service backed by BadgerHold, the teacher library's own
// embedded-KV persistence layer (storage/store.go), repurposed here to
// index opaque queue records by sequence number instead of bundle ID.
type BadgerStore struct {
	mu     sync.Mutex
	notify chan struct{}
	bh     *badgerhold.Store
	dir    string
	nextID ID
}

// NewBadgerStore opens (creating if necessary) a BadgerHold-backed store
// rooted at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir

	bh, err := badgerhold.Open(opts)
	if err != nil {
		return nil, err
	}

	// Continue the sequence after any records persisted by an earlier run.
	nextID := ID(1)
	var last []badgerRecord
	if err := bh.Find(&last, (&badgerhold.Query{}).SortBy("Seq").Reverse().Limit(1)); err != nil {
		bh.Close()
		return nil, err
	}
	if len(last) > 0 {
		nextID = ID(last[0].Seq) + 1
	}

	return &BadgerStore{
		notify: make(chan struct{}),
		bh:     bh,
		dir:    dir,
		nextID: nextID,
	}, nil
}

func (s *BadgerStore) wakeLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// Enqueue persists rec as the next sequence number in the queue.
func (s *BadgerStore) Enqueue(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := uint64(s.nextID)
	s.nextID++

	br := badgerRecord{
		Seq:        seq,
		Header:     rec.Header,
		BundleSize: rec.BundleSize,
		ExprTime:   rec.ExprTime,
		CTEBOffset: rec.CTEBOffset,
	}
	if err := s.bh.Insert(seq, &br); err != nil {
		return ErrFailedStore
	}
	s.wakeLocked()
	return nil
}

func (s *BadgerStore) popOldestUntaken() (badgerRecord, bool, error) {
	var results []badgerRecord
	q := badgerhold.Where("Taken").Eq(false).SortBy("Seq").Limit(1)
	if err := s.bh.Find(&results, q); err != nil {
		return badgerRecord{}, false, ErrFailedStore
	}
	if len(results) == 0 {
		return badgerRecord{}, false, nil
	}

	br := results[0]
	br.Taken = true
	if err := s.bh.Update(br.Seq, &br); err != nil {
		return badgerRecord{}, false, ErrFailedStore
	}
	return br, true, nil
}

// Dequeue pops the oldest untaken record, waiting on ctx's deadline if the
// queue is momentarily empty.
func (s *BadgerStore) Dequeue(ctx context.Context) (Record, ID, error) {
	for {
		s.mu.Lock()
		br, ok, err := s.popOldestUntaken()
		ch := s.notify
		s.mu.Unlock()

		if err != nil {
			return Record{}, VacantID, err
		}
		if ok {
			return Record{
				Header:     br.Header,
				BundleSize: br.BundleSize,
				ExprTime:   br.ExprTime,
				CTEBOffset: br.CTEBOffset,
			}, ID(br.Seq), nil
		}

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return Record{}, VacantID, ErrTimeout
		}
	}
}

// Retrieve fetches the record at id without affecting its taken state.
func (s *BadgerStore) Retrieve(_ context.Context, id ID) (Record, error) {
	var br badgerRecord
	if err := s.bh.Get(uint64(id), &br); err != nil {
		return Record{}, ErrNotFound
	}
	return Record{
		Header:     br.Header,
		BundleSize: br.BundleSize,
		ExprTime:   br.ExprTime,
		CTEBOffset: br.CTEBOffset,
	}, nil
}

// Relinquish permanently deletes the record at id.
func (s *BadgerStore) Relinquish(id ID) error {
	if err := s.bh.Delete(uint64(id), &badgerRecord{}); err != nil {
		return ErrNotFound
	}
	return nil
}

// GetCount reports the number of untaken records still queued.
func (s *BadgerStore) GetCount() int {
	var recs []badgerRecord
	if err := s.bh.Find(&recs, badgerhold.Where("Taken").Eq(false)); err != nil {
		return 0
	}
	return len(recs)
}

// Destroy closes the underlying BadgerHold store. The on-disk directory is
// left intact for the caller to remove explicitly if desired.
func (s *BadgerStore) Destroy() error {
	return s.bh.Close()
}
