package pipetrace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
)

// Stage represents a pipeline stage used for tracking event processing.
type Stage string

const (
	StageSeen       Stage = "seen"
	StageNormalized Stage = "normalized_ok"
	StageBuffered   Stage = "buffered"
	StageFlushed    Stage = "flushed"
	StageBroadcast  Stage = "broadcast"
	StageDispatched Stage = "dispatched"

	StageDroppedPrefix = "dropped_"
)

// StageDropped creates a Stage for a dropped event with the given reason.
func StageDropped(reason string) Stage {
	return Stage(fmt.Sprintf("%s%s", StageDroppedPrefix, reason))
}

// EventTrace captures trace metadata for an event throughout the pipeline.
type EventTrace struct {
	Kind    string
	Topic   string
	User    string
	Snippet string
	TraceID string

	mu       sync.Mutex
	counters map[Stage]int64
}

// NewTrace constructs a trace from notification metadata and seeds the
// seen counter.
func NewTrace(kind, topic, user, snippet string) *EventTrace {
	trace := &EventTrace{
		Kind:     kind,
		Topic:    topic,
		User:     user,
		Snippet:  snippet,
		TraceID:  computeTraceID(kind, topic, user, snippet),
		counters: make(map[Stage]int64),
	}

	trace.counters[StageSeen] = 1
	return trace
}

// IncCounter increments the counter for the provided stage and returns the updated value.
func (t *EventTrace) IncCounter(stage Stage) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counters[stage]++
	return t.counters[stage]
}

// LogTrace logs the trace metadata and counters using structured logging.
func (t *EventTrace) LogTrace(logger *slog.Logger, msg string) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info(msg,
		"trace_id", t.TraceID,
		"kind", t.Kind,
		"topic", t.Topic,
		"user", t.User,
		"snippet", t.Snippet,
		"counters", t.snapshotCounters(),
	)
}

func (t *EventTrace) snapshotCounters() map[Stage]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	copy := make(map[Stage]int64, len(t.counters))
	for stage, count := range t.counters {
		copy[stage] = count
	}

	return copy
}

func computeTraceID(kind, topic, user, snippet string) string {
	digest := sha256.Sum256([]byte(kind + "\x1f" + topic + "\x1f" + user + "\x1f" + snippet))
	return hex.EncodeToString(digest[:])
}
