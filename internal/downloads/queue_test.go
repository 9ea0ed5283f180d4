package downloads

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tgmirror/tgmirror/internal/remote"
)

type fakeFetcher struct {
	mu         sync.Mutex
	order      []int64
	current    int
	maxSeen    int
	delay      time.Duration
	failMsgIDs map[int64]bool
	calls      int
}

func (f *fakeFetcher) ResolveEntity(ctx context.Context, dialogID int64) (*remote.Peer, error) {
	return &remote.Peer{ID: dialogID, Kind: "user"}, nil
}

func (f *fakeFetcher) DownloadAttachment(ctx context.Context, dialogID, msgID int64) (*remote.Attachment, error) {
	f.mu.Lock()
	f.calls++
	f.order = append(f.order, msgID)
	f.current++
	if f.current > f.maxSeen {
		f.maxSeen = f.current
	}
	fail := f.failMsgIDs[msgID]
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.current--
	f.mu.Unlock()

	if fail {
		return nil, errors.New("network down")
	}
	return &remote.Attachment{Data: []byte{1, 2, 3}, Mime: "image/jpeg"}, nil
}

func (f *fakeFetcher) snapshot() (order []int64, maxSeen, calls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.order...), f.maxSeen, f.calls
}

type fakeStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{blobs: make(map[string][]byte)}
}

func (s *fakeStore) HasBlob(dialogID, msgID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[taskKey(dialogID, msgID)]
	return ok, nil
}

func (s *fakeStore) UpdateBlob(dialogID, msgID int64, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[taskKey(dialogID, msgID)] = blob
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDedupBeforeStart(t *testing.T) {
	f := &fakeFetcher{}
	q := NewQueue(newFakeStore(), f, 3, true, nil, nil)

	q.Enqueue(1, 10, 0)
	q.Enqueue(1, 10, 5) // same key, must not produce a second task
	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, func() bool { _, _, calls := f.snapshot(); return calls >= 1 })
	time.Sleep(50 * time.Millisecond)
	if _, _, calls := f.snapshot(); calls != 1 {
		t.Errorf("calls = %d, want 1 for duplicate enqueue", calls)
	}
}

func TestConcurrencyCap(t *testing.T) {
	f := &fakeFetcher{delay: 30 * time.Millisecond}
	q := NewQueue(newFakeStore(), f, 3, true, nil, nil)

	for i := 1; i <= 10; i++ {
		q.Enqueue(1, int64(i), 0)
	}
	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, func() bool { _, _, calls := f.snapshot(); return calls == 10 })
	if _, maxSeen, _ := f.snapshot(); maxSeen > 3 {
		t.Errorf("max concurrent downloads = %d, want <= 3", maxSeen)
	}
}

func TestPriorityOrder(t *testing.T) {
	f := &fakeFetcher{}
	q := NewQueue(newFakeStore(), f, 1, true, nil, nil)

	q.Enqueue(1, 1, 2)
	q.Enqueue(1, 2, 9)
	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, func() bool { _, _, calls := f.snapshot(); return calls == 2 })
	order, _, _ := f.snapshot()
	if order[0] != 2 {
		t.Errorf("first download = msg %d, want msg 2 (higher priority)", order[0])
	}
}

func TestRecencyBreaksTies(t *testing.T) {
	f := &fakeFetcher{}
	q := NewQueue(newFakeStore(), f, 1, true, nil, nil)

	q.Enqueue(1, 1, 5)
	q.Enqueue(1, 2, 5)
	q.Enqueue(1, 3, 5)
	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, func() bool { _, _, calls := f.snapshot(); return calls == 3 })
	order, _, _ := f.snapshot()
	want := []int64{3, 2, 1}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v (most recent first)", order, want)
		}
	}
}

func TestSkipAlreadyCachedBlob(t *testing.T) {
	f := &fakeFetcher{}
	st := newFakeStore()
	_ = st.UpdateBlob(1, 10, []byte{9})

	q := NewQueue(st, f, 3, true, nil, nil)
	q.Enqueue(1, 10, 0)
	q.Start(context.Background())
	defer q.Stop()

	time.Sleep(80 * time.Millisecond)
	if _, _, calls := f.snapshot(); calls != 0 {
		t.Errorf("calls = %d, want 0 when blob already cached", calls)
	}
}

func TestPersistDisabled(t *testing.T) {
	f := &fakeFetcher{}
	st := newFakeStore()
	q := NewQueue(st, f, 3, false, nil, nil)

	q.Enqueue(1, 10, 0)
	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, func() bool { _, _, calls := f.snapshot(); return calls == 1 })
	time.Sleep(30 * time.Millisecond)
	if ok, _ := st.HasBlob(1, 10); ok {
		t.Error("blob persisted although persistence is disabled")
	}
}

func TestFailureDoesNotBlockOthers(t *testing.T) {
	f := &fakeFetcher{failMsgIDs: map[int64]bool{1: true}}
	st := newFakeStore()
	q := NewQueue(st, f, 1, true, nil, nil)

	q.Enqueue(1, 1, 9)
	q.Enqueue(1, 2, 0)
	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, func() bool { ok, _ := st.HasBlob(1, 2); return ok })
	if ok, _ := st.HasBlob(1, 1); ok {
		t.Error("failed download should not have persisted a blob")
	}
}

func TestDisposeRejectsAndDiscards(t *testing.T) {
	f := &fakeFetcher{delay: 50 * time.Millisecond}
	st := newFakeStore()
	q := NewQueue(st, f, 1, true, nil, nil)

	q.Enqueue(1, 1, 0)
	q.Start(context.Background())
	waitFor(t, func() bool { _, _, calls := f.snapshot(); return calls == 1 })

	// Dispose while msg 1 is in flight: its result must be discarded.
	q.Dispose()
	q.Enqueue(1, 2, 0)

	time.Sleep(100 * time.Millisecond)
	if ok, _ := st.HasBlob(1, 1); ok {
		t.Error("in-flight result persisted after dispose")
	}
	if _, _, calls := f.snapshot(); calls != 1 {
		t.Errorf("calls = %d, want 1 (enqueue after dispose must be rejected)", calls)
	}
	q.Stop()
}

func TestStopTwice(t *testing.T) {
	f := &fakeFetcher{}
	q := NewQueue(newFakeStore(), f, 1, true, nil, nil)
	q.Start(context.Background())

	q.Stop()
	q.Stop() // must not panic
}

func TestReenqueueAfterCompletion(t *testing.T) {
	f := &fakeFetcher{}
	st := newFakeStore()
	q := NewQueue(st, f, 1, false, nil, nil)

	q.Enqueue(1, 1, 0)
	q.Start(context.Background())
	defer q.Stop()
	waitFor(t, func() bool { _, _, calls := f.snapshot(); return calls == 1 })

	// The key is free again once the task finished.
	q.Enqueue(1, 1, 0)
	waitFor(t, func() bool { _, _, calls := f.snapshot(); return calls == 2 })
}
