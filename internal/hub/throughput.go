package hub

import (
	"sync"
	"time"
)

const defaultRateInterval = 10 * time.Second

// throughput keeps a rolling count of message publishes per topic and
// globally. Counts accumulate for one interval and become the previous
// window on roll, so rates reflect the last completed window.
type throughput struct {
	interval time.Duration

	mu          sync.Mutex
	windowStart time.Time
	current     map[string]int64
	currentAll  int64
	prev        map[string]int64
	prevAll     int64
	prevSpan    time.Duration
}

func newThroughput(interval time.Duration) *throughput {
	if interval <= 0 {
		interval = defaultRateInterval
	}
	return &throughput{
		interval:    interval,
		windowStart: time.Now(),
		current:     make(map[string]int64),
		prev:        make(map[string]int64),
	}
}

func (t *throughput) inc(topic string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked(now)
	t.current[topic]++
	t.currentAll++
}

func (t *throughput) roll(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked(now)
}

func (t *throughput) rollLocked(now time.Time) {
	elapsed := now.Sub(t.windowStart)
	if elapsed < t.interval {
		return
	}
	t.prev = t.current
	t.prevAll = t.currentAll
	t.prevSpan = elapsed
	t.current = make(map[string]int64)
	t.currentAll = 0
	t.windowStart = now
}

func (t *throughput) snapshot(now time.Time) (float64, map[string]float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked(now)

	span := t.prevSpan
	if span <= 0 {
		return 0, nil
	}
	secs := span.Seconds()

	out := make(map[string]float64, len(t.prev))
	for topic, n := range t.prev {
		out[topic] = float64(n) / secs
	}
	if len(out) == 0 {
		out = nil
	}
	return float64(t.prevAll) / secs, out
}
