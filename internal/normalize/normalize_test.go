package normalize

import (
	"testing"
	"time"

	"github.com/you/chatspout/internal/core"
)

func TestNormalizeMessage(t *testing.T) {
	n := New()
	ev, ok := n.Normalize(Notification{
		Type:    "message",
		Channel: "Alpha",
		Fields: map[string]string{
			"id":           "abc-123",
			"login":        "gnome",
			"display_name": "Gnome",
			"user_id":      "42",
			"text":         "hey @Friend check this @friend @other_one",
			"ts":           "1700000000000",
			"color":        "#FF0000",
			"badges":       "mod/1,subscriber/12",
		},
	})
	if !ok {
		t.Fatalf("expected message to normalize")
	}
	if ev.Kind != core.KindMessage {
		t.Fatalf("kind = %s", ev.Kind)
	}
	if ev.Topic != "alpha" {
		t.Fatalf("topic = %q", ev.Topic)
	}
	if ev.Actor.Username != "gnome" || ev.Actor.ID != "42" {
		t.Fatalf("actor = %+v", ev.Actor)
	}
	if ev.Message == nil || ev.Message.ID != "abc-123" {
		t.Fatalf("message payload = %+v", ev.Message)
	}
	want := time.Unix(0, 1700000000000*int64(time.Millisecond)).UTC()
	if !ev.OccurredAt.Equal(want) {
		t.Fatalf("occurred_at = %s, want %s", ev.OccurredAt, want)
	}
	if len(ev.Message.Mentions) != 2 {
		t.Fatalf("mentions = %v", ev.Message.Mentions)
	}
	if ev.Message.Mentions[0] != "friend" || ev.Message.Mentions[1] != "other_one" {
		t.Fatalf("mentions = %v", ev.Message.Mentions)
	}
}

func TestNormalizeReplyLinkage(t *testing.T) {
	n := New()
	ev, ok := n.Normalize(Notification{
		Type:    "message",
		Channel: "alpha",
		Fields: map[string]string{
			"login":                   "gnome",
			"text":                    "agreed",
			"reply_parent_msg_id":     "parent-1",
			"reply_parent_user_login": "elder",
		},
	})
	if !ok {
		t.Fatalf("expected normalize")
	}
	if ev.Message.ReplyToID != "parent-1" || ev.Message.ReplyToUser != "elder" {
		t.Fatalf("reply linkage = %+v", ev.Message)
	}
}

func TestNormalizeModActions(t *testing.T) {
	n := New()
	cases := []struct {
		noteType string
		action   core.ModAction
	}{
		{"ban", core.ActionBan},
		{"timeout", core.ActionTimeout},
		{"clear", core.ActionClear},
		{"unban", core.ActionUnban},
		{"untimeout", core.ActionUntimeout},
	}
	for _, tc := range cases {
		ev, ok := n.Normalize(Notification{
			Type:    tc.noteType,
			Channel: "alpha",
			Fields: map[string]string{
				"target":   "troll",
				"duration": "600",
				"reason":   "spam",
			},
		})
		if !ok {
			t.Fatalf("%s: expected normalize", tc.noteType)
		}
		if ev.Kind != core.KindModAction {
			t.Fatalf("%s: kind = %s", tc.noteType, ev.Kind)
		}
		if ev.ModAction.Action != tc.action {
			t.Fatalf("%s: action = %s", tc.noteType, ev.ModAction.Action)
		}
		if ev.ModAction.TargetUser != "troll" || ev.ModAction.DurationSecs != 600 {
			t.Fatalf("%s: payload = %+v", tc.noteType, ev.ModAction)
		}
	}
}

func TestNormalizeSubscriptionKinds(t *testing.T) {
	n := New()
	for _, kind := range []string{"sub", "resub", "gift", "mysterygift", "primeupgrade", "giftupgrade"} {
		ev, ok := n.Normalize(Notification{
			Type:    kind,
			Channel: "alpha",
			Fields: map[string]string{
				"login":      "patron",
				"tier":       "1000",
				"months":     "3",
				"gift_count": "5",
			},
		})
		if !ok {
			t.Fatalf("%s: expected normalize", kind)
		}
		if ev.Kind != core.KindSubscription {
			t.Fatalf("%s: kind = %s", kind, ev.Kind)
		}
		if string(ev.Subscription.SubKind) != kind {
			t.Fatalf("sub kind = %s, want %s", ev.Subscription.SubKind, kind)
		}
	}
}

func TestNormalizeCheerAndRaid(t *testing.T) {
	n := New()
	cheer, ok := n.Normalize(Notification{
		Type:    "cheer",
		Channel: "alpha",
		Fields:  map[string]string{"login": "fan", "bits": "500", "text": "cheer500 nice"},
	})
	if !ok || cheer.Cheer == nil || cheer.Cheer.Bits != 500 {
		t.Fatalf("cheer = %+v ok=%v", cheer.Cheer, ok)
	}

	raid, ok := n.Normalize(Notification{
		Type:    "raid",
		Channel: "alpha",
		Fields:  map[string]string{"login": "neighbour", "viewers": "1234"},
	})
	if !ok || raid.Raid == nil || raid.Raid.ViewerCount != 1234 {
		t.Fatalf("raid = %+v ok=%v", raid.Raid, ok)
	}
}

func TestNormalizeMalformedFieldsDegrade(t *testing.T) {
	n := New()
	ev, ok := n.Normalize(Notification{
		Type:    "cheer",
		Channel: "alpha",
		Fields:  map[string]string{"bits": "not-a-number", "ts": "garbage"},
	})
	if !ok {
		t.Fatalf("malformed fields must not reject the event")
	}
	if ev.Cheer.Bits != 0 {
		t.Fatalf("bits = %d, want 0", ev.Cheer.Bits)
	}
	if ev.OccurredAt.IsZero() {
		t.Fatalf("timestamp must degrade to now, not zero")
	}

	// nil field map is fine too
	if _, ok := n.Normalize(Notification{Type: "message", Channel: "alpha"}); !ok {
		t.Fatalf("nil fields must still normalize")
	}
}

func TestNormalizeUnknownType(t *testing.T) {
	n := New()
	if _, ok := n.Normalize(Notification{Type: "hoststart", Channel: "alpha"}); ok {
		t.Fatalf("unknown type must not normalize")
	}
}

func TestNormalizeMessageIDFallback(t *testing.T) {
	n := New()
	ev, ok := n.Normalize(Notification{
		Type:    "message",
		Channel: "alpha",
		Fields:  map[string]string{"login": "gnome", "text": "hello"},
	})
	if !ok || ev.Message.ID == "" {
		t.Fatalf("expected composed id, got %q", ev.Message.ID)
	}
}

func TestExtractMentionsBounds(t *testing.T) {
	if got := ExtractMentions("no mentions here"); got != nil {
		t.Fatalf("got %v", got)
	}
	if got := ExtractMentions("@a is too short"); got != nil {
		t.Fatalf("single-char handle matched: %v", got)
	}
	if got := ExtractMentions("@abc @abc @ABC"); len(got) != 1 || got[0] != "abc" {
		t.Fatalf("dedupe failed: %v", got)
	}
}
