package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/you/chatspout/internal/core"
)

// Transport posts one rendered payload to a destination URL and reports
// the response status and headers.
type Transport interface {
	Post(ctx context.Context, url string, body []byte) (status int, headers http.Header, err error)
}

const (
	defaultQueueDepth = 1024
	defaultRetries    = 2
	defaultMaxWait    = 10 * time.Second
	retryBackoff      = 500 * time.Millisecond
)

// rateBucket tracks a destination's last known rate-limit state, updated
// from response headers on every attempt.
type rateBucket struct {
	remaining    int
	hasRemaining bool
	blockedUntil time.Time
}

// Dispatcher matches canonical events against webhook subscriptions and
// delivers rendered payloads with retry, backoff, and per-destination
// rate-limit respect. Events are dispatched from a single worker; the
// fan-out for one event is sequential, distinct events interleave only
// at queue granularity.
type Dispatcher struct {
	transport Transport
	store     Store
	last      LastMessageSource
	pacer     *rate.Limiter
	queue     chan core.Event
	retries   int
	maxWait   time.Duration
	sleep     func(time.Duration)
	now       func() time.Time

	mu      sync.Mutex
	subs    map[string]*Subscription
	buckets map[string]*rateBucket

	delivered       int64
	failed          int64
	retried         int64
	skippedDisabled int64
	skippedMuted    int64
	skippedUnwell   int64
	droppedEvents   int64
}

type DispatcherOptions struct {
	Transport Transport
	// Store persists subscriptions and their enabled/muted flags; nil
	// keeps everything in memory.
	Store Store
	// Last supplies buffered "last message" context for moderation
	// payloads.
	Last LastMessageSource
	// OutboundPerSec paces total outbound requests; 0 disables pacing.
	OutboundPerSec float64
	QueueDepth     int
	// Retries counts re-attempts after the first delivery. nil means the
	// default; an explicit zero disables retries.
	Retries *int
	// MaxWait caps any single pre-send or retry-after sleep.
	MaxWait time.Duration
	Sleep   func(time.Duration)
	Now     func() time.Time
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	retries := defaultRetries
	if opts.Retries != nil && *opts.Retries >= 0 {
		retries = *opts.Retries
	}
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	var pacer *rate.Limiter
	if opts.OutboundPerSec > 0 {
		pacer = rate.NewLimiter(rate.Limit(opts.OutboundPerSec), int(opts.OutboundPerSec)+1)
	}
	return &Dispatcher{
		transport: opts.Transport,
		store:     opts.Store,
		last:      opts.Last,
		pacer:     pacer,
		queue:     make(chan core.Event, depth),
		retries:   retries,
		maxWait:   maxWait,
		sleep:     sleep,
		now:       now,
		subs:      make(map[string]*Subscription),
		buckets:   make(map[string]*rateBucket),
	}
}

// LoadState primes the subscription index from the backing store.
func (d *Dispatcher) LoadState() error {
	if d.store == nil {
		return nil
	}
	subs, err := d.store.Load()
	if err != nil {
		return err
	}
	d.mu.Lock()
	for i := range subs {
		sub := subs[i]
		d.subs[sub.ID] = &sub
	}
	d.mu.Unlock()
	return nil
}

// Enqueue submits an event for dispatch and returns immediately. The
// ingestion path never depends on delivery outcome; a full queue drops
// the event.
func (d *Dispatcher) Enqueue(ev core.Event) {
	select {
	case d.queue <- ev:
	default:
		d.mu.Lock()
		d.droppedEvents++
		d.mu.Unlock()
		slog.Warn("webhook: dispatch queue full, dropping event", "kind", ev.Kind, "topic", ev.Topic)
	}
}

// Run processes the dispatch queue until ctx ends, then drains whatever
// is already queued.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-d.queue:
					d.dispatch(context.Background(), ev)
				default:
					return
				}
			}
		case ev := <-d.queue:
			d.dispatch(ctx, ev)
		}
	}
}

// dispatch fans one event out to every matching, enabled, non-muted,
// healthy destination, sequentially.
func (d *Dispatcher) dispatch(ctx context.Context, ev core.Event) {
	targets := d.matchTargets(ev)
	if len(targets) == 0 {
		return
	}

	payload := Encode(Render(ev, d.last))
	for _, sub := range targets {
		if err := d.deliver(ctx, sub, payload); err != nil {
			d.recordFailure(sub.ID, err)
		} else {
			d.recordSuccess(sub.ID)
		}
	}
}

func (d *Dispatcher) matchTargets(ev core.Event) []*Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*Subscription
	for _, sub := range d.subs {
		if !sub.Matches(ev) {
			continue
		}
		if !sub.Enabled {
			d.skippedDisabled++
			continue
		}
		if sub.Muted {
			d.skippedMuted++
			continue
		}
		if !sub.Healthy() {
			d.skippedUnwell++
			continue
		}
		out = append(out, sub.clone())
	}
	return out
}

// deliver posts the payload with a bounded retry loop. Before sending it
// respects the destination's last known rate-limit window, capped at
// maxWait. A 429 sleeps for the advertised retry-after and retries.
func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, payload []byte) error {
	d.waitForBucket(sub.ID)

	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			d.mu.Lock()
			d.retried++
			d.mu.Unlock()
		}
		if d.pacer != nil {
			if err := d.pacer.Wait(ctx); err != nil {
				return err
			}
		}

		status, headers, err := d.transport.Post(ctx, sub.URL, payload)
		d.updateBucket(sub.ID, status, headers)

		if err != nil {
			lastErr = err
			d.sleep(retryBackoff)
			continue
		}

		if status == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("destination rate limited (429)")
			d.sleep(d.capWait(retryAfter(headers)))
			continue
		}

		if status >= 200 && status < 300 {
			return nil
		}

		lastErr = fmt.Errorf("unexpected status %d", status)
		d.sleep(retryBackoff)
	}
	return lastErr
}

func (d *Dispatcher) waitForBucket(id string) {
	d.mu.Lock()
	bucket := d.buckets[id]
	var wait time.Duration
	if bucket != nil && bucket.hasRemaining && bucket.remaining <= 0 {
		if until := bucket.blockedUntil; until.After(d.now()) {
			wait = until.Sub(d.now())
		}
	}
	d.mu.Unlock()

	if wait > 0 {
		d.sleep(d.capWait(wait))
	}
}

// updateBucket refreshes the destination's rate-limit state from
// response headers when present.
func (d *Dispatcher) updateBucket(id string, status int, headers http.Header) {
	if headers == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	bucket := d.buckets[id]
	if bucket == nil {
		bucket = &rateBucket{}
		d.buckets[id] = bucket
	}

	if raw := headers.Get("X-RateLimit-Remaining"); raw != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			bucket.remaining = n
			bucket.hasRemaining = true
		}
	}
	if raw := headers.Get("X-RateLimit-Reset-After"); raw != "" {
		if secs, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil && secs > 0 {
			bucket.blockedUntil = d.now().Add(time.Duration(secs * float64(time.Second)))
		}
	}
	if status == http.StatusTooManyRequests {
		bucket.remaining = 0
		bucket.hasRemaining = true
		if after := retryAfter(headers); after > 0 {
			bucket.blockedUntil = d.now().Add(after)
		}
	}
}

func retryAfter(headers http.Header) time.Duration {
	if headers == nil {
		return retryBackoff
	}
	raw := strings.TrimSpace(headers.Get("Retry-After"))
	if raw == "" {
		return retryBackoff
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return retryBackoff
}

func (d *Dispatcher) capWait(wait time.Duration) time.Duration {
	if wait > d.maxWait {
		return d.maxWait
	}
	if wait < 0 {
		return 0
	}
	return wait
}

func (d *Dispatcher) recordSuccess(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered++
	if sub := d.subs[id]; sub != nil {
		sub.ConsecutiveFailures = 0
		sub.LastError = ""
	}
}

func (d *Dispatcher) recordFailure(id string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failed++
	sub := d.subs[id]
	if sub == nil {
		return
	}
	sub.ConsecutiveFailures++
	sub.LastError = err.Error()
	if sub.ConsecutiveFailures == failureCeiling {
		slog.Warn("webhook: destination unhealthy, excluding from matching",
			"id", id, "name", sub.Name, "err", err)
	}
}
