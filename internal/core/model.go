package core

import (
	"encoding/json"
	"time"
)

// Kind tags the canonical event variants produced by the normalizer.
type Kind string

const (
	KindMessage        Kind = "message"
	KindMessageDeleted Kind = "message_deleted"
	KindModAction      Kind = "mod_action"
	KindSubscription   Kind = "subscription"
	KindCheer          Kind = "cheer"
	KindRaid           Kind = "raid"
)

// GlobalTopic is the distinguished topic that receives every event
// regardless of its channel.
const GlobalTopic = "*"

// Actor identifies the user an event is attributed to.
type Actor struct {
	ID          string `json:"id,omitempty"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// ModAction names a moderation action variant.
type ModAction string

const (
	ActionBan       ModAction = "ban"
	ActionTimeout   ModAction = "timeout"
	ActionClear     ModAction = "clear"
	ActionUnban     ModAction = "unban"
	ActionUntimeout ModAction = "untimeout"
)

// SubKind names a subscription event variant.
type SubKind string

const (
	SubKindSub         SubKind = "sub"
	SubKindResub       SubKind = "resub"
	SubKindGift        SubKind = "gift"
	SubKindMysteryGift SubKind = "mysterygift"
	SubKindPrime       SubKind = "primeupgrade"
	SubKindGiftUpgrade SubKind = "giftupgrade"
)

// Event is the normalized, kind-tagged representation of one upstream
// notification. Exactly one payload pointer matching Kind is set.
// Events are immutable once constructed.
type Event struct {
	Kind       Kind      `json:"kind"`
	Topic      string    `json:"topic"`
	OccurredAt time.Time `json:"occurred_at"`
	Actor      Actor     `json:"actor"`

	Message      *MessagePayload      `json:"message,omitempty"`
	Deletion     *DeletionPayload     `json:"deletion,omitempty"`
	ModAction    *ModActionPayload    `json:"mod_action,omitempty"`
	Subscription *SubscriptionPayload `json:"subscription,omitempty"`
	Cheer        *CheerPayload        `json:"cheer,omitempty"`
	Raid         *RaidPayload         `json:"raid,omitempty"`
}

type MessagePayload struct {
	ID          string   `json:"id"`
	Text        string   `json:"text"`
	Mentions    []string `json:"mentions,omitempty"`
	ReplyToID   string   `json:"reply_to_id,omitempty"`
	ReplyToUser string   `json:"reply_to_user,omitempty"`
	BadgesJSON  string   `json:"badges_json,omitempty"`
	EmotesJSON  string   `json:"emotes_json,omitempty"`
	Colour      string   `json:"colour,omitempty"`
	RawJSON     string   `json:"raw_json,omitempty"`
}

type DeletionPayload struct {
	TargetMsgID string `json:"target_msg_id"`
	TargetUser  string `json:"target_user,omitempty"`
	Text        string `json:"text,omitempty"`
}

type ModActionPayload struct {
	Action       ModAction `json:"action"`
	TargetUser   string    `json:"target_user,omitempty"`
	DurationSecs int       `json:"duration_secs,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

type SubscriptionPayload struct {
	SubKind   SubKind `json:"sub_kind"`
	Tier      string  `json:"tier,omitempty"`
	Months    int     `json:"months,omitempty"`
	GiftCount int     `json:"gift_count,omitempty"`
	Recipient string  `json:"recipient,omitempty"`
	Message   string  `json:"message,omitempty"`
}

type CheerPayload struct {
	Bits    int    `json:"bits"`
	Message string `json:"message,omitempty"`
}

type RaidPayload struct {
	ViewerCount int `json:"viewer_count"`
}

// BufferedRecord is a Message-kind event flattened with the derived
// fields the archive needs for persistence. It lives only in the archive
// buffer's pending queue until flushed.
type BufferedRecord struct {
	MsgID        string
	Topic        string
	Ts           time.Time
	Actor        Actor
	Text         string
	MentionsJSON string
	ReplyToID    string
	ReplyToUser  string
	BadgesJSON   string
	EmotesJSON   string
	Colour       string
	RawJSON      string
}

// RecordFromEvent derives the persistence record for a Message-kind
// event. Returns false for any other kind.
func RecordFromEvent(ev Event) (BufferedRecord, bool) {
	if ev.Kind != KindMessage || ev.Message == nil {
		return BufferedRecord{}, false
	}
	m := ev.Message
	return BufferedRecord{
		MsgID:        m.ID,
		Topic:        ev.Topic,
		Ts:           ev.OccurredAt,
		Actor:        ev.Actor,
		Text:         m.Text,
		MentionsJSON: encodeStrings(m.Mentions),
		ReplyToID:    m.ReplyToID,
		ReplyToUser:  m.ReplyToUser,
		BadgesJSON:   m.BadgesJSON,
		EmotesJSON:   m.EmotesJSON,
		Colour:       m.Colour,
		RawJSON:      m.RawJSON,
	}, true
}

func encodeStrings(items []string) string {
	if len(items) == 0 {
		return ""
	}
	b, err := json.Marshal(items)
	if err != nil {
		return ""
	}
	return string(b)
}

// Envelope is the shape delivered to stream subscribers.
type Envelope struct {
	Topic    string    `json:"topic"`
	Kind     Kind      `json:"kind"`
	Payload  Event     `json:"payload"`
	ServerTs time.Time `json:"server_ts"`
}
