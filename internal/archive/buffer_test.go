package archive

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/you/chatspout/internal/core"
)

type recordingStore struct {
	mu      sync.Mutex
	batches [][]core.BufferedRecord
	failing bool
	block   chan struct{}
}

func (r *recordingStore) BatchInsert(records []core.BufferedRecord) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return fmt.Errorf("storage down")
	}
	batch := append([]core.BufferedRecord(nil), records...)
	r.batches = append(r.batches, batch)
	return nil
}

func (r *recordingStore) setFailing(v bool) {
	r.mu.Lock()
	r.failing = v
	r.mu.Unlock()
}

func (r *recordingStore) batchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recordingStore) lastBatch() []core.BufferedRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.batches) == 0 {
		return nil
	}
	return r.batches[len(r.batches)-1]
}

func rec(id, topic, user string) core.BufferedRecord {
	return core.BufferedRecord{
		MsgID: id,
		Topic: topic,
		Ts:    time.Now().UTC(),
		Actor: core.Actor{Username: user},
		Text:  "text-" + id,
	}
}

func TestBufferSizeTriggeredFlush(t *testing.T) {
	store := &recordingStore{}
	b := NewBuffer(store, Options{MaxBatch: 3, FlushInterval: time.Hour})
	defer b.Close()

	for i := 0; i < 2; i++ {
		if err := b.Queue(rec(fmt.Sprintf("%d", i), "alpha", "u")); err != nil {
			t.Fatalf("queue %d: %v", i, err)
		}
	}
	if store.batchCount() != 0 {
		t.Fatalf("expected no flush yet")
	}
	if err := b.Queue(rec("2", "alpha", "u")); err != nil {
		t.Fatalf("queue 2: %v", err)
	}
	if store.batchCount() != 1 {
		t.Fatalf("expected one batch, got %d", store.batchCount())
	}
	batch := store.lastBatch()
	if len(batch) != 3 {
		t.Fatalf("batch size = %d", len(batch))
	}
	for i, r := range batch {
		if r.MsgID != fmt.Sprintf("%d", i) {
			t.Fatalf("order broken at %d: %s", i, r.MsgID)
		}
	}
}

func TestBufferTimerFlush(t *testing.T) {
	store := &recordingStore{}
	b := NewBuffer(store, Options{MaxBatch: 100, FlushInterval: 20 * time.Millisecond})
	defer b.Close()

	if err := b.Queue(rec("t1", "alpha", "u")); err != nil {
		t.Fatalf("queue: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if store.batchCount() != 1 {
		t.Fatalf("expected timer flush, got %d batches", store.batchCount())
	}
}

func TestBufferRequeueOnFailure(t *testing.T) {
	store := &recordingStore{}
	store.setFailing(true)
	b := NewBuffer(store, Options{MaxBatch: 2, FlushInterval: time.Hour})
	defer b.Close()

	_ = b.Queue(rec("a", "alpha", "u"))
	if err := b.Queue(rec("b", "alpha", "u")); err == nil {
		t.Fatalf("expected flush error while storage is down")
	}

	st := b.Stats()
	if st.Pending != 2 {
		t.Fatalf("pending after failed flush = %d, want 2", st.Pending)
	}
	if st.Failures != 1 {
		t.Fatalf("failures = %d", st.Failures)
	}

	store.setFailing(false)
	if err := b.Flush(); err != nil {
		t.Fatalf("flush after recovery: %v", err)
	}
	batch := store.lastBatch()
	if len(batch) != 2 || batch[0].MsgID != "a" || batch[1].MsgID != "b" {
		t.Fatalf("recovered batch = %+v", batch)
	}
}

func TestBufferOverflowDropsOldest(t *testing.T) {
	store := &recordingStore{}
	store.setFailing(true)
	b := NewBuffer(store, Options{MaxBatch: 2, FlushInterval: time.Hour, OverflowMultiple: 2})
	defer b.Close()

	// bound is 4; queue 6 so the oldest two fall off
	for i := 0; i < 6; i++ {
		_ = b.Queue(rec(fmt.Sprintf("%d", i), "alpha", "u"))
	}

	st := b.Stats()
	if st.Pending != 4 {
		t.Fatalf("pending = %d, want 4", st.Pending)
	}
	if st.Dropped != 2 {
		t.Fatalf("dropped = %d, want 2", st.Dropped)
	}

	store.setFailing(false)
	if err := b.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	batch := store.lastBatch()
	if len(batch) != 4 || batch[0].MsgID != "2" || batch[3].MsgID != "5" {
		t.Fatalf("surviving batch = %+v", batch)
	}
}

func TestBufferLastRecord(t *testing.T) {
	store := &recordingStore{}
	b := NewBuffer(store, Options{MaxBatch: 100, FlushInterval: time.Hour})
	defer b.Close()

	_ = b.Queue(rec("1", "alpha", "gnome"))
	_ = b.Queue(rec("2", "beta", "gnome"))
	_ = b.Queue(rec("3", "alpha", "gnome"))
	_ = b.Queue(rec("4", "alpha", "other"))

	got, ok := b.LastRecord("alpha", core.Actor{Username: "Gnome"})
	if !ok || got.MsgID != "3" {
		t.Fatalf("last record = %+v ok=%v", got, ok)
	}

	if _, ok := b.LastRecord("gamma", core.Actor{Username: "gnome"}); ok {
		t.Fatalf("unexpected match in empty topic")
	}

	// flush empties the pending list; lookups now miss
	if err := b.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, ok := b.LastRecord("alpha", core.Actor{Username: "gnome"}); ok {
		t.Fatalf("lookup must miss after flush")
	}
}

func TestBufferLastRecordPrefersStableID(t *testing.T) {
	store := &recordingStore{}
	b := NewBuffer(store, Options{MaxBatch: 100, FlushInterval: time.Hour})
	defer b.Close()

	r1 := rec("1", "alpha", "gnome")
	r1.Actor.ID = "42"
	r2 := rec("2", "alpha", "gnome")
	r2.Actor.ID = "99"
	_ = b.Queue(r1)
	_ = b.Queue(r2)

	got, ok := b.LastRecord("alpha", core.Actor{ID: "42", Username: "someone-else"})
	if !ok || got.MsgID != "1" {
		t.Fatalf("id match = %+v ok=%v", got, ok)
	}
}

func TestBufferConcurrentFlushIsNoOp(t *testing.T) {
	store := &recordingStore{block: make(chan struct{})}
	b := NewBuffer(store, Options{MaxBatch: 100, FlushInterval: time.Hour})

	_ = b.Queue(rec("1", "alpha", "u"))

	done := make(chan error, 1)
	go func() { done <- b.Flush() }()

	// wait until the first flush is inside BatchInsert
	time.Sleep(20 * time.Millisecond)
	_ = b.Queue(rec("2", "alpha", "u"))
	if err := b.Flush(); err != nil {
		t.Fatalf("second flush should be a no-op, got %v", err)
	}
	if store.batchCount() != 0 {
		t.Fatalf("no batch should land while first flush is blocked")
	}

	close(store.block)
	if err := <-done; err != nil {
		t.Fatalf("first flush: %v", err)
	}
	if store.batchCount() != 1 || len(store.lastBatch()) != 1 {
		t.Fatalf("first flush should carry only record 1")
	}

	// record 2 is still pending and goes out with Close
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if store.batchCount() != 2 || store.lastBatch()[0].MsgID != "2" {
		t.Fatalf("close flush = %+v", store.lastBatch())
	}
}

func TestBufferCloseRejectsQueue(t *testing.T) {
	store := &recordingStore{}
	b := NewBuffer(store, Options{MaxBatch: 10, FlushInterval: 0})
	_ = b.Queue(rec("1", "alpha", "u"))
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if store.batchCount() != 1 {
		t.Fatalf("close must flush pending records")
	}
	if err := b.Queue(rec("2", "alpha", "u")); err == nil {
		t.Fatalf("queue after close must fail")
	}
}
