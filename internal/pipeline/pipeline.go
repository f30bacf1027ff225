package pipeline

import (
	"log/slog"
	"sync/atomic"

	"github.com/you/chatspout/internal/core"
	"github.com/you/chatspout/internal/normalize"
	"github.com/you/chatspout/internal/pipetrace"
)

// Archiver buffers message records for batched persistence.
type Archiver interface {
	Queue(rec core.BufferedRecord) error
}

// Broadcaster fans events out to live stream subscribers.
type Broadcaster interface {
	Publish(topic string, ev core.Event)
}

// Notifier accepts events for asynchronous webhook dispatch.
type Notifier interface {
	Enqueue(ev core.Event)
}

// Pipeline drives one notification through normalize, archive,
// broadcast, and webhook dispatch. Archive applies to message events
// only; broadcast and dispatch see every canonical event.
type Pipeline struct {
	normalizer *normalize.Normalizer
	archive    Archiver
	hub        Broadcaster
	webhooks   Notifier
	trace      bool
	onArchErr  func()

	seen       atomic.Int64
	accepted   atomic.Int64
	rejected   atomic.Int64
	archiveErr atomic.Int64
}

type Options struct {
	Archive  Archiver
	Hub      Broadcaster
	Webhooks Notifier
	// Trace logs a per-event stage trace; expensive, debug only.
	Trace bool
	// OnArchiveError is called once per failed archive queue attempt.
	OnArchiveError func()
}

func New(opts Options) *Pipeline {
	return &Pipeline{
		normalizer: normalize.New(),
		archive:    opts.Archive,
		hub:        opts.Hub,
		webhooks:   opts.Webhooks,
		trace:      opts.Trace,
		onArchErr:  opts.OnArchiveError,
	}
}

// Ingest normalizes one upstream notification and fans the canonical
// event out. Returns the event and true when the notification was
// recognized.
func (p *Pipeline) Ingest(note normalize.Notification) (core.Event, bool) {
	p.seen.Add(1)

	var tr *pipetrace.EventTrace
	if p.trace {
		tr = pipetrace.NewTrace(note.Type, note.Channel, note.Fields["login"], note.Fields["text"])
	}

	ev, ok := p.normalizer.Normalize(note)
	if !ok {
		p.rejected.Add(1)
		if tr != nil {
			tr.IncCounter(pipetrace.StageDropped("unrecognized"))
			tr.LogTrace(nil, "pipeline: notification dropped")
		}
		return core.Event{}, false
	}
	p.accepted.Add(1)
	if tr != nil {
		tr.IncCounter(pipetrace.StageNormalized)
	}

	if p.archive != nil {
		if rec, isMsg := core.RecordFromEvent(ev); isMsg {
			if err := p.archive.Queue(rec); err != nil {
				p.archiveErr.Add(1)
				if p.onArchErr != nil {
					p.onArchErr()
				}
				slog.Error("pipeline: archive queue failed", "topic", ev.Topic, "err", err)
			} else if tr != nil {
				tr.IncCounter(pipetrace.StageBuffered)
			}
		}
	}

	if p.hub != nil {
		p.hub.Publish(ev.Topic, ev)
		if tr != nil {
			tr.IncCounter(pipetrace.StageBroadcast)
		}
	}

	if p.webhooks != nil {
		p.webhooks.Enqueue(ev)
		if tr != nil {
			tr.IncCounter(pipetrace.StageDispatched)
		}
	}

	if tr != nil {
		tr.LogTrace(nil, "pipeline: event processed")
	}
	return ev, true
}

// Stats is a point-in-time snapshot of ingestion counters.
type Stats struct {
	Seen          int64 `json:"seen"`
	Accepted      int64 `json:"accepted"`
	Rejected      int64 `json:"rejected"`
	ArchiveErrors int64 `json:"archive_errors"`
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Seen:          p.seen.Load(),
		Accepted:      p.accepted.Load(),
		Rejected:      p.rejected.Load(),
		ArchiveErrors: p.archiveErr.Load(),
	}
}
