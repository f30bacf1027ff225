package webhook

import (
	"strings"

	"github.com/you/chatspout/internal/core"
)

// failureCeiling is the consecutive-failure count at which a destination
// is skipped by the matcher until a success or explicit reset.
const failureCeiling = 5

// Subscription describes one notification destination and its matching
// criteria. A nil filter field matches anything; a populated one is an
// allow-list. Health fields are owned by the dispatcher and are not
// persisted.
type Subscription struct {
	ID      string           `json:"id"`
	Name    string           `json:"name,omitempty"`
	URL     string           `json:"url"`
	Kinds   []core.Kind      `json:"kinds,omitempty"`
	Topics  []string         `json:"topics,omitempty"`
	Actors  []string         `json:"actors,omitempty"`
	Actions []core.ModAction `json:"actions,omitempty"`

	MinBits      *int `json:"min_bits,omitempty"`
	MinGiftCount *int `json:"min_gift_count,omitempty"`
	MinViewers   *int `json:"min_viewers,omitempty"`

	Enabled bool `json:"enabled"`
	Muted   bool `json:"muted"`

	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
}

// Healthy reports whether the destination is currently eligible for
// matching. It stays eligible for the future: one success resets the
// failure count.
func (s *Subscription) Healthy() bool {
	return s.ConsecutiveFailures < failureCeiling
}

// Matches reports whether the event satisfies every present criterion.
func (s *Subscription) Matches(ev core.Event) bool {
	if len(s.Kinds) > 0 && !containsKind(s.Kinds, ev.Kind) {
		return false
	}
	if len(s.Topics) > 0 && !containsFold(s.Topics, ev.Topic) {
		return false
	}
	if len(s.Actors) > 0 && !containsFold(s.Actors, ev.Actor.Username) {
		return false
	}

	if ev.Kind == core.KindModAction && len(s.Actions) > 0 {
		if ev.ModAction == nil || !containsAction(s.Actions, ev.ModAction.Action) {
			return false
		}
	}

	if s.MinBits != nil {
		if ev.Cheer == nil || ev.Cheer.Bits < *s.MinBits {
			return false
		}
	}
	if s.MinGiftCount != nil {
		if ev.Subscription == nil || ev.Subscription.GiftCount < *s.MinGiftCount {
			return false
		}
	}
	if s.MinViewers != nil {
		if ev.Raid == nil || ev.Raid.ViewerCount < *s.MinViewers {
			return false
		}
	}

	return true
}

func (s *Subscription) clone() *Subscription {
	cp := *s
	cp.Kinds = append([]core.Kind(nil), s.Kinds...)
	cp.Topics = append([]string(nil), s.Topics...)
	cp.Actors = append([]string(nil), s.Actors...)
	cp.Actions = append([]core.ModAction(nil), s.Actions...)
	if s.MinBits != nil {
		v := *s.MinBits
		cp.MinBits = &v
	}
	if s.MinGiftCount != nil {
		v := *s.MinGiftCount
		cp.MinGiftCount = &v
	}
	if s.MinViewers != nil {
		v := *s.MinViewers
		cp.MinViewers = &v
	}
	return &cp
}

func containsKind(list []core.Kind, kind core.Kind) bool {
	for _, k := range list {
		if k == kind {
			return true
		}
	}
	return false
}

func containsAction(list []core.ModAction, action core.ModAction) bool {
	for _, a := range list {
		if a == action {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
