package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/you/chatspout/internal/core"
)

// Notification is one upstream event, already parsed into a key/value
// structure by the protocol client. Field names follow the upstream tag
// vocabulary; missing or malformed fields degrade to zero values.
type Notification struct {
	Type    string            `json:"type"`
	Channel string            `json:"channel"`
	Fields  map[string]string `json:"fields"`
}

// Normalizer converts upstream notifications into canonical events. It
// performs no I/O and never fails: unrecognized notification types are
// the only case reported as not-normalized.
type Normalizer struct {
	drops *dropLogger
}

func New() *Normalizer {
	return &Normalizer{drops: newDropLogger(time.Now(), defaultDropInterval)}
}

// Normalize produces exactly one canonical event for a recognized
// notification type. The boolean is false when the type is unknown.
func (n *Normalizer) Normalize(note Notification) (core.Event, bool) {
	ev := core.Event{
		Topic:      strings.ToLower(strings.TrimSpace(note.Channel)),
		OccurredAt: parseTimestamp(field(note, "ts")),
		Actor:      actorFrom(note),
	}

	switch strings.ToLower(strings.TrimSpace(note.Type)) {
	case "message":
		ev.Kind = core.KindMessage
		ev.Message = messagePayload(note)
	case "message_deleted":
		ev.Kind = core.KindMessageDeleted
		ev.Deletion = &core.DeletionPayload{
			TargetMsgID: field(note, "target_msg_id"),
			TargetUser:  field(note, "target"),
			Text:        field(note, "text"),
		}
	case "ban", "timeout", "clear", "unban", "untimeout":
		ev.Kind = core.KindModAction
		ev.ModAction = &core.ModActionPayload{
			Action:       core.ModAction(strings.ToLower(strings.TrimSpace(note.Type))),
			TargetUser:   field(note, "target"),
			DurationSecs: parseInt(field(note, "duration")),
			Reason:       field(note, "reason"),
		}
	case "sub", "resub", "gift", "mysterygift", "primeupgrade", "giftupgrade":
		ev.Kind = core.KindSubscription
		ev.Subscription = &core.SubscriptionPayload{
			SubKind:   core.SubKind(strings.ToLower(strings.TrimSpace(note.Type))),
			Tier:      field(note, "tier"),
			Months:    parseInt(field(note, "months")),
			GiftCount: parseInt(field(note, "gift_count")),
			Recipient: field(note, "recipient"),
			Message:   field(note, "text"),
		}
	case "cheer":
		ev.Kind = core.KindCheer
		ev.Cheer = &core.CheerPayload{
			Bits:    parseInt(field(note, "bits")),
			Message: field(note, "text"),
		}
	case "raid":
		ev.Kind = core.KindRaid
		ev.Raid = &core.RaidPayload{ViewerCount: parseInt(field(note, "viewers"))}
	default:
		if n != nil {
			n.drops.note(time.Now(), note.Type, note.Channel)
		}
		return core.Event{}, false
	}

	return ev, true
}

func messagePayload(note Notification) *core.MessagePayload {
	text := field(note, "text")
	id := field(note, "id")
	if id == "" {
		id = fmt.Sprintf("%s-%d", field(note, "login"), parseTimestamp(field(note, "ts")).UnixNano())
	}

	raw := ""
	if len(note.Fields) > 0 {
		if b, err := json.Marshal(note.Fields); err == nil {
			raw = string(b)
		}
	}

	return &core.MessagePayload{
		ID:          id,
		Text:        text,
		Mentions:    ExtractMentions(text),
		ReplyToID:   field(note, "reply_parent_msg_id"),
		ReplyToUser: field(note, "reply_parent_user_login"),
		BadgesJSON:  encodeList(splitList(field(note, "badges"), ",")),
		EmotesJSON:  encodeList(splitList(field(note, "emotes"), "/")),
		Colour:      field(note, "color"),
		RawJSON:     raw,
	}
}

func actorFrom(note Notification) core.Actor {
	login := field(note, "login")
	display := field(note, "display_name")
	if login == "" && display != "" {
		login = strings.ToLower(display)
	}
	return core.Actor{
		ID:          field(note, "user_id"),
		Username:    login,
		DisplayName: display,
	}
}

func field(note Notification, key string) string {
	if note.Fields == nil {
		return ""
	}
	return strings.TrimSpace(note.Fields[key])
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(0, ms*int64(time.Millisecond)).UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

func parseInt(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func splitList(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func encodeList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	b, err := json.Marshal(items)
	if err != nil {
		return ""
	}
	return string(b)
}
