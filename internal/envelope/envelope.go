// Package envelope defines the invalidation hint recorded for every
// state-changing action and fanned out to subscribers.
//
// An Envelope tells a subscriber that something on a channel changed. It is
// never the payload of record: subscribers always re-fetch the channel's
// authoritative state after receiving one.
package envelope

import (
	"encoding/json"
	"strings"
	"time"
)

// Feature channels.
const (
	ChannelQuestion = "question"
	ChannelTrivia   = "trivia"
	ChannelKiss     = "kiss"
	ChannelDice     = "dice"
	ChannelMood     = "mood"
	ChannelPrivacy  = "privacy"
	ChannelPair     = "pair"
	ChannelNote     = "note"
)

// KindSnapshot marks the synthetic envelope delivered when a subscription
// opens. It carries no sequence number.
const KindSnapshot = "snapshot"

// KindHeartbeat marks a liveness envelope sent through the transport on every
// active topic. It carries no sequence number and never triggers a re-fetch.
const KindHeartbeat = "heartbeat"

// MaxHintBytes bounds the encoded size of a hint.
const MaxHintBytes = 512

var knownChannels = map[string]struct{}{
	ChannelQuestion: {},
	ChannelTrivia:   {},
	ChannelKiss:     {},
	ChannelDice:     {},
	ChannelMood:     {},
	ChannelPrivacy:  {},
	ChannelPair:     {},
	ChannelNote:     {},
}

type Envelope struct {
	ID           string         `json:"id"`
	PairKey      string         `json:"pairKey"`
	Channel      string         `json:"channel"`
	Kind         string         `json:"kind"`
	OriginatorID string         `json:"originatorId,omitempty"`
	Seq          int64          `json:"seq"`
	At           time.Time      `json:"at,omitzero"`
	Hint         map[string]any `json:"hint,omitempty"`
}

// Draft is an envelope before the log assigns its id and sequence.
type Draft struct {
	PairKey      string
	Channel      string
	Kind         string
	OriginatorID string
	Hint         map[string]any
}

// KnownChannel reports whether channel is one of the feature channels.
func KnownChannel(channel string) bool {
	_, ok := knownChannels[channel]
	return ok
}

// Channels returns every feature channel.
func Channels() []string {
	return []string{ChannelQuestion, ChannelTrivia, ChannelKiss, ChannelDice, ChannelMood, ChannelPrivacy, ChannelPair, ChannelNote}
}

// Topic is the broadcast path for a pair's channel.
func Topic(pairKey, channel string) string {
	return "candle." + pairKey + "." + channel
}

// ParseTopic is the inverse of Topic.
func ParseTopic(topic string) (pairKey, channel string, ok bool) {
	rest, found := strings.CutPrefix(topic, "candle.")
	if !found {
		return "", "", false
	}
	idx := strings.LastIndex(rest, ".")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// Snapshot builds the envelope sent first on every new subscription.
func Snapshot(pairKey, channel string, at time.Time) Envelope {
	return Envelope{
		PairKey: pairKey,
		Channel: channel,
		Kind:    KindSnapshot,
		At:      at,
	}
}

// IsSnapshot reports whether e is the synthetic snapshot signal.
func (e Envelope) IsSnapshot() bool {
	return e.Kind == KindSnapshot
}

// Heartbeat builds a liveness envelope for a pair channel.
func Heartbeat(pairKey, channel string, at time.Time) Envelope {
	return Envelope{
		PairKey: pairKey,
		Channel: channel,
		Kind:    KindHeartbeat,
		At:      at,
	}
}

func (e Envelope) IsHeartbeat() bool {
	return e.Kind == KindHeartbeat
}

// Newer reports whether e should trigger a re-fetch for a subscriber that has
// already applied state up to lastSeen. Snapshots always do.
func (e Envelope) Newer(lastSeen int64) bool {
	if e.IsHeartbeat() {
		return false
	}
	return e.IsSnapshot() || e.Seq > lastSeen
}

// TrimHint drops a hint whose encoding exceeds MaxHintBytes.
func TrimHint(hint map[string]any) map[string]any {
	if len(hint) == 0 {
		return nil
	}
	encoded, err := json.Marshal(hint)
	if err != nil || len(encoded) > MaxHintBytes {
		return nil
	}
	return hint
}

func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func Decode(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}
