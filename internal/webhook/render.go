package webhook

import (
	"encoding/json"
	"time"

	"github.com/you/chatspout/internal/core"
)

// LastMessageSource lets moderation payloads carry the target's most
// recent buffered-but-unflushed message as context.
type LastMessageSource interface {
	LastRecord(topic string, actor core.Actor) (core.BufferedRecord, bool)
}

// Payload is the notification body posted to a destination.
type Payload struct {
	Kind       core.Kind  `json:"kind"`
	Topic      string     `json:"topic"`
	OccurredAt time.Time  `json:"occurred_at"`
	Actor      core.Actor `json:"actor"`

	Text         string   `json:"text,omitempty"`
	Mentions     []string `json:"mentions,omitempty"`
	Action       string   `json:"action,omitempty"`
	TargetUser   string   `json:"target_user,omitempty"`
	DurationSecs int      `json:"duration_secs,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	LastMessage  string   `json:"last_message,omitempty"`
	SubKind      string   `json:"sub_kind,omitempty"`
	Tier         string   `json:"tier,omitempty"`
	Months       int      `json:"months,omitempty"`
	GiftCount    int      `json:"gift_count,omitempty"`
	Recipient    string   `json:"recipient,omitempty"`
	Bits         int      `json:"bits,omitempty"`
	ViewerCount  int      `json:"viewer_count,omitempty"`
}

// Render builds the kind-specific notification payload for an event.
// For moderation events it attaches the target's last buffered message
// when the source has one.
func Render(ev core.Event, last LastMessageSource) Payload {
	p := Payload{
		Kind:       ev.Kind,
		Topic:      ev.Topic,
		OccurredAt: ev.OccurredAt,
		Actor:      ev.Actor,
	}

	switch ev.Kind {
	case core.KindMessage:
		if ev.Message != nil {
			p.Text = ev.Message.Text
			p.Mentions = ev.Message.Mentions
		}
	case core.KindMessageDeleted:
		if ev.Deletion != nil {
			p.TargetUser = ev.Deletion.TargetUser
			p.Text = ev.Deletion.Text
		}
	case core.KindModAction:
		if ev.ModAction != nil {
			p.Action = string(ev.ModAction.Action)
			p.TargetUser = ev.ModAction.TargetUser
			p.DurationSecs = ev.ModAction.DurationSecs
			p.Reason = ev.ModAction.Reason
			if last != nil && ev.ModAction.TargetUser != "" {
				if rec, ok := last.LastRecord(ev.Topic, core.Actor{Username: ev.ModAction.TargetUser}); ok {
					p.LastMessage = rec.Text
				}
			}
		}
	case core.KindSubscription:
		if ev.Subscription != nil {
			p.SubKind = string(ev.Subscription.SubKind)
			p.Tier = ev.Subscription.Tier
			p.Months = ev.Subscription.Months
			p.GiftCount = ev.Subscription.GiftCount
			p.Recipient = ev.Subscription.Recipient
			p.Text = ev.Subscription.Message
		}
	case core.KindCheer:
		if ev.Cheer != nil {
			p.Bits = ev.Cheer.Bits
			p.Text = ev.Cheer.Message
		}
	case core.KindRaid:
		if ev.Raid != nil {
			p.ViewerCount = ev.Raid.ViewerCount
		}
	}

	return p
}

// Encode marshals the payload; rendering never fails, a marshal error
// degrades to an empty object.
func Encode(p Payload) []byte {
	b, err := json.Marshal(p)
	if err != nil {
		return []byte("{}")
	}
	return b
}
