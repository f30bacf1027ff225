package archive

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/you/chatspout/internal/core"
)

// BatchWriter is the storage collaborator. A batch either inserts fully
// or fails as a unit.
type BatchWriter interface {
	BatchInsert(records []core.BufferedRecord) error
}

var ErrClosed = errors.New("archive buffer closed")

const defaultOverflowMultiple = 3

// Buffer accumulates message records and flushes them in batches, either
// when the pending list reaches MaxBatch or when the flush interval
// elapses. A failed flush requeues its batch at the front of the pending
// list, bounded at OverflowMultiple times MaxBatch; records beyond that
// bound are dropped oldest-first.
type Buffer struct {
	base             BatchWriter
	maxBatch         int
	flushInterval    time.Duration
	overflowMultiple int

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []core.BufferedRecord
	flushing bool
	timer    *time.Timer
	closed   bool

	flushes      int64
	failures     int64
	dropped      int64
	lastFlushErr error
}

type Options struct {
	MaxBatch         int
	FlushInterval    time.Duration
	OverflowMultiple int
}

func NewBuffer(base BatchWriter, opts Options) *Buffer {
	batch := opts.MaxBatch
	if batch <= 0 {
		batch = 1
	}
	multiple := opts.OverflowMultiple
	if multiple <= 0 {
		multiple = defaultOverflowMultiple
	}
	b := &Buffer{
		base:             base,
		maxBatch:         batch,
		flushInterval:    opts.FlushInterval,
		overflowMultiple: multiple,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Queue appends one record to the pending list. Reaching MaxBatch
// triggers an immediate flush instead of waiting for the timer.
func (b *Buffer) Queue(rec core.BufferedRecord) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.pending = append(b.pending, rec)
	if len(b.pending) == 1 {
		b.startTimerLocked()
	}
	trigger := len(b.pending) >= b.maxBatch
	b.mu.Unlock()

	if trigger {
		return b.Flush()
	}
	return nil
}

// Flush hands the entire pending list to the storage collaborator as one
// batch. A concurrent flush in progress makes this call a no-op: the
// timer or size trigger that fires next picks up anything queued
// meanwhile.
func (b *Buffer) Flush() error {
	b.mu.Lock()
	if b.flushing || len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	b.flushing = true
	batch := b.pending
	b.pending = nil
	b.stopTimerLocked()
	b.mu.Unlock()

	err := b.base.BatchInsert(batch)

	b.mu.Lock()
	b.flushing = false
	b.lastFlushErr = err
	if err != nil {
		b.failures++
		b.requeueLocked(batch)
	} else {
		b.flushes++
	}
	if len(b.pending) > 0 && !b.closed {
		b.startTimerLocked()
	}
	b.cond.Broadcast()
	b.mu.Unlock()
	return err
}

// requeueLocked puts a failed batch back in front of anything queued
// during the attempt, preserving order, and enforces the overflow bound.
func (b *Buffer) requeueLocked(batch []core.BufferedRecord) {
	combined := append(batch, b.pending...)
	bound := b.maxBatch * b.overflowMultiple
	if len(combined) > bound {
		excess := len(combined) - bound
		combined = combined[excess:]
		b.dropped += int64(excess)
		slog.Warn("archive: pending overflow, dropping oldest records",
			"dropped", excess, "bound", bound)
	}
	b.pending = combined
}

// LastRecord returns the most recently queued unflushed record matching
// topic and actor, scanning most-recent-first. Actor matches by stable
// id when the record has one, otherwise by case-insensitive username.
func (b *Buffer) LastRecord(topic string, actor core.Actor) (core.BufferedRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(b.pending) - 1; i >= 0; i-- {
		rec := b.pending[i]
		if !strings.EqualFold(rec.Topic, topic) {
			continue
		}
		if actor.ID != "" && rec.Actor.ID != "" {
			if rec.Actor.ID == actor.ID {
				return rec, true
			}
			continue
		}
		if strings.EqualFold(rec.Actor.Username, actor.Username) {
			return rec, true
		}
	}
	return core.BufferedRecord{}, false
}

// Close performs one final synchronous flush and rejects further queues.
func (b *Buffer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.stopTimerLocked()
	for b.flushing {
		b.cond.Wait()
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return b.base.BatchInsert(batch)
}

// Stats reports buffer counters for operator visibility.
type Stats struct {
	Pending  int   `json:"pending"`
	Flushes  int64 `json:"flushes"`
	Failures int64 `json:"failures"`
	Dropped  int64 `json:"dropped"`
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Pending:  len(b.pending),
		Flushes:  b.flushes,
		Failures: b.failures,
		Dropped:  b.dropped,
	}
}

func (b *Buffer) startTimerLocked() {
	if b.flushInterval <= 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.flushInterval, b.onTimer)
}

func (b *Buffer) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Buffer) onTimer() {
	b.mu.Lock()
	b.timer = nil
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	if err := b.Flush(); err != nil {
		slog.Error("archive: timer flush failed", "err", err)
	}
}
