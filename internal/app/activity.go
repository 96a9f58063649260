package app

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"candle/api/internal/envelope"
	"candle/api/internal/ledger"
	"candle/api/internal/privacy"
	"candle/api/internal/store"
)

const (
	KindKissSent  = "kiss_sent"
	KindDiceRoll  = "dice_rolled"
	KindMoodCheck = "mood_checked_in"

	recentLimit    = 20
	maxMoodNoteLen = 280

	defaultMoodHistoryDays = 30
	maxMoodHistoryDays     = 365
)

var ValidMoods = []string{"happy", "content", "neutral", "stressed", "sad"}

func (s *Service) SendKiss(ctx context.Context, session Session) (map[string]any, error) {
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	entry, event, err := s.ledger.Append(ctx, pair.PairKey, session.ParticipantID, KindKissSent,
		map[string]any{"to": pair.Partner(session.ParticipantID)}, envelope.ChannelKiss)
	if err != nil {
		return nil, err
	}
	s.publish(event)
	return map[string]any{"id": entry.ID, "sentAt": entry.At}, nil
}

// Kisses reports how many kisses each partner has sent, in total and today.
func (s *Service) Kisses(ctx context.Context, session Session) (map[string]any, error) {
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	entries, err := s.ledger.Entries(ctx, pair.PairKey, ledger.ByKind(KindKissSent))
	if err != nil {
		return nil, err
	}
	today := ledger.On(s.now())
	countsOf := func(participant string) map[string]int {
		total, todayCount := 0, 0
		for _, entry := range entries {
			if entry.ActorID != participant {
				continue
			}
			total++
			if today(entry) {
				todayCount++
			}
		}
		return map[string]int{"total": total, "today": todayCount}
	}

	partnerID := pair.Partner(session.ParticipantID)
	payload := map[string]any{"mine": countsOf(session.ParticipantID), "partner": nil}
	if counts, ok := privacy.Project(ctx, s.privacy, partnerID, session.ParticipantID, privacy.CategoryKisses, countsOf(partnerID)); ok {
		payload["partner"] = counts
	}
	return payload, nil
}

func (s *Service) RollDice(ctx context.Context, session Session) (map[string]any, error) {
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	value := s.intn(6) + 1
	entry, event, err := s.ledger.Append(ctx, pair.PairKey, session.ParticipantID, KindDiceRoll,
		map[string]any{"value": value}, envelope.ChannelDice)
	if err != nil {
		return nil, err
	}
	s.publish(event)
	return map[string]any{"id": entry.ID, "value": value, "rolledAt": entry.At}, nil
}

// DiceRolls lists recent rolls, newest first. The partner's rolls are left
// out when their dice mask hides them.
func (s *Service) DiceRolls(ctx context.Context, session Session) (map[string]any, error) {
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	entries, err := s.ledger.Entries(ctx, pair.PairKey, ledger.ByKind(KindDiceRoll))
	if err != nil {
		return nil, err
	}
	partnerID := pair.Partner(session.ParticipantID)
	partnerVisible := s.privacy.Visible(ctx, partnerID, session.ParticipantID, privacy.CategoryDice)

	rolls := make([]map[string]any, 0, recentLimit)
	for _, entry := range slices.Backward(entries) {
		if len(rolls) == recentLimit {
			break
		}
		if entry.ActorID == partnerID && !partnerVisible {
			continue
		}
		rolls = append(rolls, map[string]any{
			"id":       entry.ID,
			"by":       entry.ActorID,
			"value":    ledger.Sum([]store.LedgerEntry{entry}, "value"),
			"rolledAt": entry.At,
		})
	}
	return map[string]any{"rolls": rolls, "partnerHidden": !partnerVisible}, nil
}

type MoodInput struct {
	Mood string `json:"mood"`
	Note string `json:"note"`
}

// CheckInMood appends a check-in. The latest check-in of a day is the
// participant's mood for that day.
func (s *Service) CheckInMood(ctx context.Context, session Session, input MoodInput) (map[string]any, error) {
	mood := strings.ToLower(strings.TrimSpace(input.Mood))
	if !slices.Contains(ValidMoods, mood) {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_MOOD", "Unknown mood", map[string]any{"moods": ValidMoods})
	}
	note := strings.TrimSpace(input.Note)
	if len([]rune(note)) > maxMoodNoteLen {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "note is too long", nil)
	}
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	detail := map[string]any{"mood": mood, "date": s.today()}
	if note != "" {
		detail["note"] = note
	}
	entry, event, err := s.ledger.Append(ctx, pair.PairKey, session.ParticipantID, KindMoodCheck, detail, envelope.ChannelMood)
	if err != nil {
		return nil, err
	}
	s.publish(event)
	return moodPayload(entry), nil
}

func (s *Service) TodayMood(ctx context.Context, session Session) (map[string]any, error) {
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	entries, err := s.ledger.Entries(ctx, pair.PairKey, ledger.And(ledger.ByKind(KindMoodCheck), ledger.On(s.now())))
	if err != nil {
		return nil, err
	}
	latestOf := func(participant string) map[string]any {
		var own []store.LedgerEntry
		for _, entry := range entries {
			if entry.ActorID == participant {
				own = append(own, entry)
			}
		}
		entry, ok := ledger.Latest(own)
		if !ok {
			return nil
		}
		return moodPayload(entry)
	}

	partnerID := pair.Partner(session.ParticipantID)
	payload := map[string]any{"mine": latestOf(session.ParticipantID), "partner": nil}
	if mood, ok := privacy.Project(ctx, s.privacy, partnerID, session.ParticipantID, privacy.CategoryMood, latestOf(partnerID)); ok && mood != nil {
		payload["partner"] = mood
	}
	return payload, nil
}

// MoodHistory lists both partners' check-ins of the last days days, newest
// first. days of zero means the default window.
func (s *Service) MoodHistory(ctx context.Context, session Session, days int) (map[string]any, error) {
	if days == 0 {
		days = defaultMoodHistoryDays
	}
	if days < 1 || days > maxMoodHistoryDays {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "days must be between 1 and 365", nil)
	}
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	since := s.now().UTC().AddDate(0, 0, -days)
	entries, err := s.ledger.Entries(ctx, pair.PairKey, ledger.ByKind(KindMoodCheck))
	if err != nil {
		return nil, err
	}
	partnerID := pair.Partner(session.ParticipantID)
	partnerVisible := s.privacy.Visible(ctx, partnerID, session.ParticipantID, privacy.CategoryMood)

	moods := make([]map[string]any, 0)
	for _, entry := range slices.Backward(entries) {
		if entry.At.Before(since) {
			continue
		}
		if entry.ActorID == partnerID && !partnerVisible {
			continue
		}
		moods = append(moods, moodPayload(entry))
	}
	return map[string]any{"moods": moods, "days": days, "partnerHidden": !partnerVisible}, nil
}

func moodPayload(entry store.LedgerEntry) map[string]any {
	payload := map[string]any{
		"id":     entry.ID,
		"userId": entry.ActorID,
		"mood":   entry.Detail["mood"],
		"date":   entry.Detail["date"],
		"at":     entry.At,
	}
	if note, ok := entry.Detail["note"]; ok {
		payload["note"] = note
	}
	return payload
}
