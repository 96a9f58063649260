package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"candle/api/internal/broker"
	"candle/api/internal/envelope"
	"candle/api/internal/privacy"
)

const eventPageSize = 100

// channelCategories names the category that hides a partner's events on a
// channel entirely.
var channelCategories = map[string]string{
	envelope.ChannelKiss: privacy.CategoryKisses,
	envelope.ChannelDice: privacy.CategoryDice,
	envelope.ChannelMood: privacy.CategoryMood,
}

// eventView applies the originator's mask to events on their way to viewer.
// Visibility is looked up once per originator and category.
type eventView struct {
	filter *privacy.Filter
	viewer string
	cache  map[[2]string]bool
}

func (s *Service) newEventView(viewer string) *eventView {
	return &eventView{filter: s.privacy, viewer: viewer, cache: map[[2]string]bool{}}
}

func (v *eventView) visible(ctx context.Context, owner, category string) bool {
	key := [2]string{owner, category}
	if visible, ok := v.cache[key]; ok {
		return visible
	}
	visible := v.filter.Visible(ctx, owner, v.viewer, category)
	v.cache[key] = visible
	return visible
}

// project returns env as viewer may see it. Hidden partner activity is
// dropped; a partner's answer events lose their time when answer times are
// hidden.
func (v *eventView) project(ctx context.Context, env envelope.Envelope) (envelope.Envelope, bool) {
	if env.OriginatorID == "" || env.OriginatorID == v.viewer {
		return env, true
	}
	if category, ok := channelCategories[env.Channel]; ok {
		if !v.visible(ctx, env.OriginatorID, category) {
			return envelope.Envelope{}, false
		}
		return env, true
	}
	if env.Channel == envelope.ChannelQuestion && !v.visible(ctx, env.OriginatorID, privacy.CategoryAnswerTimes) {
		env.At = time.Time{}
	}
	return env, true
}

// Events reads the ordered log of one of the caller's channels after seq.
// The cursor is the last sequence number read, so a page of hidden events
// still moves the caller forward.
func (s *Service) Events(ctx context.Context, session Session, channel string, after int64) (map[string]any, error) {
	if !envelope.KnownChannel(channel) {
		return nil, domainError(http.StatusNotFound, "UNKNOWN_CHANNEL", "Unknown channel", nil)
	}
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, pair.PairKey, channel, after, eventPageSize)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	view := s.newEventView(session.ParticipantID)
	visible := make([]envelope.Envelope, 0, len(events))
	cursor := after
	for _, env := range events {
		cursor = max(cursor, env.Seq)
		if projected, ok := view.project(ctx, env); ok {
			visible = append(visible, projected)
		}
	}
	return map[string]any{"pairKey": pair.PairKey, "channel": channel, "events": visible, "cursor": cursor}, nil
}

// EventStream is a subscription projected for one participant.
type EventStream struct {
	sub  *broker.Subscription
	view *eventView
}

func (e *EventStream) Events() <-chan envelope.Envelope {
	return e.sub.Events()
}

// Project reports whether env may be forwarded, and in what form.
// Visibility is re-read for every envelope because masks change while the
// stream is open.
func (e *EventStream) Project(ctx context.Context, env envelope.Envelope) (envelope.Envelope, bool) {
	clear(e.view.cache)
	return e.view.project(ctx, env)
}

func (e *EventStream) Close() {
	e.sub.Close()
}

// Subscribe opens a broker subscription on one of the caller's channels.
func (s *Service) Subscribe(ctx context.Context, session Session, channel string) (*EventStream, error) {
	if !envelope.KnownChannel(channel) {
		return nil, domainError(http.StatusNotFound, "UNKNOWN_CHANNEL", "Unknown channel", nil)
	}
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	sub, err := s.broker.Subscribe(ctx, pair.PairKey, channel)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &EventStream{sub: sub, view: s.newEventView(session.ParticipantID)}, nil
}
