package webhook

import (
	"fmt"
	"sort"
)

// Stats is a point-in-time snapshot of dispatcher counters.
type Stats struct {
	Subscriptions   int   `json:"subscriptions"`
	Unhealthy       int   `json:"unhealthy"`
	QueueDepth      int   `json:"queue_depth"`
	Delivered       int64 `json:"delivered"`
	Failed          int64 `json:"failed"`
	Retried         int64 `json:"retried"`
	SkippedDisabled int64 `json:"skipped_disabled"`
	SkippedMuted    int64 `json:"skipped_muted"`
	SkippedUnwell   int64 `json:"skipped_unhealthy"`
	DroppedEvents   int64 `json:"dropped_events"`
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := Stats{
		Subscriptions:   len(d.subs),
		QueueDepth:      len(d.queue),
		Delivered:       d.delivered,
		Failed:          d.failed,
		Retried:         d.retried,
		SkippedDisabled: d.skippedDisabled,
		SkippedMuted:    d.skippedMuted,
		SkippedUnwell:   d.skippedUnwell,
		DroppedEvents:   d.droppedEvents,
	}
	for _, sub := range d.subs {
		if !sub.Healthy() {
			st.Unhealthy++
		}
	}
	return st
}

// List returns all subscriptions sorted by ID, with current health
// state included.
func (d *Dispatcher) List() []Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		out = append(out, *sub.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Upsert registers or replaces a subscription. Health counters carry
// over when the destination already exists.
func (d *Dispatcher) Upsert(sub Subscription) error {
	if sub.ID == "" || sub.URL == "" {
		return fmt.Errorf("subscription needs id and url")
	}
	if d.store != nil {
		if err := d.store.Upsert(sub); err != nil {
			return err
		}
	}
	d.mu.Lock()
	if prev := d.subs[sub.ID]; prev != nil {
		sub.ConsecutiveFailures = prev.ConsecutiveFailures
		sub.LastError = prev.LastError
	}
	d.subs[sub.ID] = sub.clone()
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) Remove(id string) error {
	if d.store != nil {
		if err := d.store.Delete(id); err != nil {
			return err
		}
	}
	d.mu.Lock()
	delete(d.subs, id)
	delete(d.buckets, id)
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) Enable(id string) error  { return d.setFlags(id, true, nil) }
func (d *Dispatcher) Disable(id string) error { return d.setFlags(id, false, nil) }

func (d *Dispatcher) Mute(id string) error   { muted := true; return d.setFlags(id, false, &muted) }
func (d *Dispatcher) Unmute(id string) error { muted := false; return d.setFlags(id, false, &muted) }

// setFlags updates enabled or muted on one subscription. When muted is
// nil, enabled is set; otherwise muted is set and enabled untouched.
func (d *Dispatcher) setFlags(id string, enabled bool, muted *bool) error {
	d.mu.Lock()
	sub := d.subs[id]
	if sub == nil {
		d.mu.Unlock()
		return fmt.Errorf("unknown subscription %q", id)
	}
	next := sub.clone()
	if muted != nil {
		next.Muted = *muted
	} else {
		next.Enabled = enabled
	}
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.UpdateFlags(id, next.Enabled, next.Muted); err != nil {
			return err
		}
	}
	d.mu.Lock()
	if cur := d.subs[id]; cur != nil {
		cur.Enabled = next.Enabled
		cur.Muted = next.Muted
	}
	d.mu.Unlock()
	return nil
}

// ResetFailures clears the failure count so an unhealthy destination is
// matched again without waiting for an organic success.
func (d *Dispatcher) ResetFailures(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub := d.subs[id]
	if sub == nil {
		return fmt.Errorf("unknown subscription %q", id)
	}
	sub.ConsecutiveFailures = 0
	sub.LastError = ""
	return nil
}
