package store

import (
	"container/list"
	"context"
	"sync"
)

// MemStore is an in-memory Service: a FIFO queue of enqueued records plus
// a side table of records handed out by Dequeue/Retrieve but not yet
// relinquished. It is grounded on core/store_simple.go's
// map-plus-mutex shape, generalized to hold opaque records instead of
// bundle packs and to block callers on an empty queue instead of failing
// immediately.
type MemStore struct {
	mu      sync.Mutex
	notify  chan struct{}
	queue   *list.List // of Record
	taken   map[ID]Record
	nextID  ID
	closed  bool
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		notify: make(chan struct{}),
		queue:  list.New(),
		taken:  make(map[ID]Record),
		nextID: 1,
	}
}

func (s *MemStore) wakeLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// Enqueue never blocks: MemStore has no capacity limit, matching the
// reference storage service's RAM-backed variant.
func (s *MemStore) Enqueue(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrFailedStore
	}
	s.queue.PushBack(rec)
	s.wakeLocked()
	return nil
}

// Dequeue pops the oldest enqueued record, waiting on ctx's deadline if
// the queue is empty.
func (s *MemStore) Dequeue(ctx context.Context) (Record, ID, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Record{}, VacantID, ErrFailedStore
		}
		if front := s.queue.Front(); front != nil {
			rec := s.queue.Remove(front).(Record)
			id := s.nextID
			s.nextID++
			s.taken[id] = rec
			s.mu.Unlock()
			return rec, id, nil
		}
		ch := s.notify
		s.mu.Unlock()

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return Record{}, VacantID, ErrTimeout
		}
	}
}

// Retrieve fetches a previously dequeued record by its ID without removing
// it from the taken set.
func (s *MemStore) Retrieve(_ context.Context, id ID) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, ErrFailedStore
	}
	rec, ok := s.taken[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Relinquish drops id from the taken set.
func (s *MemStore) Relinquish(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrFailedStore
	}
	if _, ok := s.taken[id]; !ok {
		return ErrNotFound
	}
	delete(s.taken, id)
	return nil
}

// GetCount reports the number of records still sitting in the queue,
// waiting to be dequeued.
func (s *MemStore) GetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Destroy discards all queued and taken records and rejects any further
// calls with ErrFailedStore, waking any goroutine blocked in Dequeue so it
// observes the closure immediately rather than waiting out its context.
func (s *MemStore) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.Init()
	s.taken = make(map[ID]Record)
	s.closed = true
	s.wakeLocked()
	return nil
}
