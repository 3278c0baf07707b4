package model

import (
	"fmt"
	"maps"
	"strconv"
	"time"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Channels lists every supported channel in dispatch order.
var Channels = []Channel{ChannelEmail, ChannelSMS}

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS
}

type State string

const (
	Pending      State = "pending"
	InFlight     State = "in_flight"
	Delivered    State = "delivered"
	Failed       State = "failed"
	DeadLettered State = "dead_lettered"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == Delivered || s == DeadLettered
}

// Active reports whether a message in state s still owns its dedupe key.
func (s State) Active() bool {
	return s == Pending || s == InFlight
}

type Message struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"-"`
	Channel   Channel        `json:"channel"`
	Recipient string         `json:"recipient"`
	Template  string         `json:"template"`
	Params    map[string]any `json:"params,omitempty"`
	GroupKey  string         `json:"groupKey"`
	DedupeKey string         `json:"dedupeKey"`

	EnqueuedAt  time.Time `json:"enqueuedAt"`
	AvailableAt time.Time `json:"availableAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	Attempts  int    `json:"attempts"`
	State     State  `json:"state"`
	LastError string `json:"lastError,omitempty"`

	LeaseToken     string    `json:"-"`
	LeaseExpiresAt time.Time `json:"-"`
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	m.Params = maps.Clone(m.Params)
	return m
}

// GroupKeyFor derives the batching/ordering key, e.g. "email-newQuestion".
func GroupKeyFor(ch Channel, template string) string {
	return fmt.Sprintf("%s-%s", ch, template)
}

// DedupeKeyFor derives the duplicate-suppression key from the recipient and
// the submission time truncated to bucket.
func DedupeKeyFor(recipient string, submittedAt time.Time, bucket time.Duration) string {
	if bucket > 0 {
		submittedAt = submittedAt.Truncate(bucket)
	}
	return recipient + "|" + strconv.FormatInt(submittedAt.Unix(), 10)
}
