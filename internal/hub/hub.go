package hub

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/you/chatspout/internal/core"
)

const defaultClientBuffer = 256

// DropHandler is notified when a slow subscriber misses an envelope.
type DropHandler func(handle, topic string)

type client struct {
	handle string
	ch     chan core.Envelope
	topics map[string]struct{}
}

// Hub fans canonical events out to live subscribers keyed by topic.
// Delivery is best-effort and non-blocking per subscriber: a full client
// channel drops the envelope for that client only.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*client
	byTopic map[string]map[string]*client
	closed  bool

	buffer int
	rates  *throughput
	onDrop DropHandler
}

type Options struct {
	// ClientBuffer is the per-subscriber channel depth; 0 means default.
	ClientBuffer int
	// RateInterval is the rolling throughput window; 0 means default.
	RateInterval time.Duration
	OnDrop       DropHandler
}

func New(opts Options) *Hub {
	buffer := opts.ClientBuffer
	if buffer <= 0 {
		buffer = defaultClientBuffer
	}
	return &Hub{
		clients: make(map[string]*client),
		byTopic: make(map[string]map[string]*client),
		buffer:  buffer,
		rates:   newThroughput(opts.RateInterval),
		onDrop:  opts.OnDrop,
	}
}

// Subscribe adds (handle, topic) to the subscription index and returns
// the subscriber's receive channel. A handle may hold many topics,
// including core.GlobalTopic; all share one channel.
func (h *Hub) Subscribe(handle, topic string) (<-chan core.Envelope, bool) {
	topic = normalizeTopic(topic)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}

	c := h.clients[handle]
	if c == nil {
		c = &client{
			handle: handle,
			ch:     make(chan core.Envelope, h.buffer),
			topics: make(map[string]struct{}),
		}
		h.clients[handle] = c
	}
	c.topics[topic] = struct{}{}

	set := h.byTopic[topic]
	if set == nil {
		set = make(map[string]*client)
		h.byTopic[topic] = set
	}
	set[handle] = c
	return c.ch, true
}

// Unsubscribe removes one (handle, topic) pair. The subscriber's channel
// stays open while other subscriptions remain.
func (h *Hub) Unsubscribe(handle, topic string) {
	topic = normalizeTopic(topic)

	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.clients[handle]
	if c == nil {
		return
	}
	delete(c.topics, topic)
	h.removeFromTopicLocked(handle, topic)
	if len(c.topics) == 0 {
		delete(h.clients, handle)
		close(c.ch)
	}
}

// Disconnect drops every subscription a handle holds and closes its
// channel.
func (h *Hub) Disconnect(handle string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.clients[handle]
	if c == nil {
		return
	}
	for topic := range c.topics {
		h.removeFromTopicLocked(handle, topic)
	}
	delete(h.clients, handle)
	close(c.ch)
}

func (h *Hub) removeFromTopicLocked(handle, topic string) {
	set := h.byTopic[topic]
	if set == nil {
		return
	}
	delete(set, handle)
	if len(set) == 0 {
		delete(h.byTopic, topic)
	}
}

// Publish delivers an event to every subscriber of its topic and to
// global-topic subscribers. Per-topic delivery order for any single
// subscriber matches the order Publish was called.
func (h *Hub) Publish(topic string, ev core.Event) {
	topic = normalizeTopic(topic)
	env := core.Envelope{
		Topic:    topic,
		Kind:     ev.Kind,
		Payload:  ev,
		ServerTs: time.Now().UTC(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	if ev.Kind == core.KindMessage {
		h.rates.inc(topic, time.Now())
	}

	direct := h.byTopic[topic]
	h.deliverLocked(direct, nil, env)
	if topic != core.GlobalTopic {
		// A handle holding both the topic and the global subscription
		// gets the envelope once.
		h.deliverLocked(h.byTopic[core.GlobalTopic], direct, env)
	}
}

// PublishGlobal delivers an event only to global-topic subscribers.
func (h *Hub) PublishGlobal(ev core.Event) {
	env := core.Envelope{
		Topic:    core.GlobalTopic,
		Kind:     ev.Kind,
		Payload:  ev,
		ServerTs: time.Now().UTC(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.deliverLocked(h.byTopic[core.GlobalTopic], nil, env)
}

func (h *Hub) deliverLocked(set, already map[string]*client, env core.Envelope) {
	for handle, c := range set {
		if _, dup := already[handle]; dup {
			continue
		}
		select {
		case c.ch <- env:
		default:
			if h.onDrop != nil {
				h.onDrop(handle, env.Topic)
			}
		}
	}
}

// Run decays the throughput window on a fixed schedule until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.rates.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.rates.roll(now)
		}
	}
}

// Stats reports current subscriber counts and rolling message rates.
type Stats struct {
	Subscribers int                `json:"subscribers"`
	Topics      int                `json:"topics"`
	GlobalRate  float64            `json:"global_msgs_per_sec"`
	TopicRates  map[string]float64 `json:"topic_msgs_per_sec,omitempty"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	subscribers := len(h.clients)
	topics := len(h.byTopic)
	h.mu.Unlock()

	global, byTopic := h.rates.snapshot(time.Now())
	return Stats{
		Subscribers: subscribers,
		Topics:      topics,
		GlobalRate:  global,
		TopicRates:  byTopic,
	}
}

// Close disconnects every subscriber and rejects further publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for handle, c := range h.clients {
		delete(h.clients, handle)
		close(c.ch)
	}
	h.byTopic = make(map[string]map[string]*client)
}

func normalizeTopic(topic string) string {
	topic = strings.ToLower(strings.TrimSpace(topic))
	if topic == "" {
		return core.GlobalTopic
	}
	return topic
}
