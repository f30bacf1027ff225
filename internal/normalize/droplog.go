package normalize

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultDropInterval = 5 * time.Second
	dropSampleMaxLen    = 32
)

type dropSummary struct {
	total   int
	sample  string
	channel string
}

// dropLogger aggregates unrecognized notification types and emits a
// periodic summary instead of one log line per drop.
type dropLogger struct {
	mu       sync.Mutex
	interval time.Duration
	nextEmit time.Time
	byType   map[string]*dropSummary
}

func newDropLogger(now time.Time, interval time.Duration) *dropLogger {
	if interval <= 0 {
		interval = defaultDropInterval
	}
	return &dropLogger{
		interval: interval,
		nextEmit: now.Add(interval),
		byType:   make(map[string]*dropSummary),
	}
}

func (d *dropLogger) note(now time.Time, noteType, channel string) {
	if d == nil {
		return
	}
	key := strings.ToLower(strings.TrimSpace(noteType))
	if key == "" {
		key = "unknown"
	}

	d.mu.Lock()
	entry := d.byType[key]
	if entry == nil {
		entry = &dropSummary{
			sample:  truncate(noteType, dropSampleMaxLen),
			channel: truncate(channel, dropSampleMaxLen),
		}
		d.byType[key] = entry
	}
	entry.total++

	if now.Before(d.nextEmit) {
		d.mu.Unlock()
		return
	}
	snapshot := d.byType
	d.byType = make(map[string]*dropSummary)
	d.nextEmit = now.Add(d.interval)
	d.mu.Unlock()

	for _, key := range sortedKeys(snapshot) {
		entry := snapshot[key]
		slog.Info("normalize: dropped_unrecognized",
			"type", key,
			"total", entry.total,
			"channel", entry.channel,
		)
	}
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func sortedKeys(m map[string]*dropSummary) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
