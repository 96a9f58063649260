package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"candle/api/internal/envelope"
	"candle/api/internal/interaction"
	"candle/api/internal/ledger"
	"candle/api/internal/privacy"
	"candle/api/internal/store"
)

const (
	maxAnswerLength = 500
	historyLimit    = 100

	KindQuestionReacted = "question_reacted"
)

var ValidReactions = []string{"heart", "laugh", "surprised", "cry", "fire"}

// QuestionCategories rotate by day of year.
var QuestionCategories = []string{"emotional", "playful", "gratitude", "dreams", "communication", "spicy", "hypothetical"}

// QuestionSource writes the text of a daily question. previous holds the
// pair's earlier questions so a source can avoid repeats.
type QuestionSource interface {
	Question(ctx context.Context, category string, previous []string) (string, error)
}

// StaticQuestions is the built-in catalog.
type StaticQuestions struct{}

var questionCatalog = map[string][]string{
	"emotional": {
		"What's something you've never told me that you've been wanting to share?",
		"When was the last time you felt truly understood by me?",
		"What emotion do you find hardest to express, and why?",
	},
	"playful": {
		"If we could swap lives for a day, what would you do first?",
		"What's the most embarrassing thing you'd be willing to do for a million dollars?",
		"If you could give me any silly superpower, what would it be?",
	},
	"gratitude": {
		"What's something small I do that makes your day better?",
		"When did you last feel really grateful for our relationship?",
		"What moment together are you most thankful for?",
	},
	"dreams": {
		"If we had unlimited resources, what adventure would you want us to take?",
		"What's a dream you've never shared with anyone?",
		"Where do you see us in 10 years?",
	},
	"communication": {
		"How can I better support you when you're stressed?",
		"What's something you wish I understood better about you?",
		"How do you prefer to receive apologies?",
	},
	"spicy": {
		"What was going through your mind when we first met?",
		"What's your favorite memory of us being spontaneous?",
		"What's something romantic you've always wanted to try together?",
	},
	"hypothetical": {
		"If we could live anywhere in the world for a year, where would you choose?",
		"If you could relive one day from our relationship, which would it be?",
		"If we wrote a book about us, what would the title be?",
	},
}

func (StaticQuestions) Question(_ context.Context, category string, previous []string) (string, error) {
	options, ok := questionCatalog[category]
	if !ok {
		options = questionCatalog["emotional"]
	}
	for _, text := range options {
		if !slices.Contains(previous, text) {
			return text, nil
		}
	}
	return options[len(previous)%len(options)], nil
}

// CategoryForDate picks the category of date (YYYY-MM-DD).
func CategoryForDate(date string) string {
	parsed, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return QuestionCategories[0]
	}
	return QuestionCategories[parsed.YearDay()%len(QuestionCategories)]
}

type questionMeta struct {
	Text     string `json:"text"`
	Category string `json:"category"`
	Date     string `json:"date"`
}

func dailyQuestionID(pairKey, date string) string {
	return envelope.ChannelQuestion + ":" + pairKey + ":" + date
}

// ensureDailyQuestion returns today's question of pair, creating it on first
// access. Concurrent creators converge on a single record.
func (s *Service) ensureDailyQuestion(ctx context.Context, pair store.Pair) (store.InteractionRecord, error) {
	date := s.today()
	id := dailyQuestionID(pair.PairKey, date)
	record, err := s.store.GetInteraction(ctx, id)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.InteractionRecord{}, fmt.Errorf("load question: %w", err)
	}

	earlier, err := s.store.ListInteractions(ctx, pair.PairKey, envelope.ChannelQuestion, historyLimit)
	if err != nil {
		return store.InteractionRecord{}, fmt.Errorf("list questions: %w", err)
	}
	previous := make([]string, 0, len(earlier))
	for _, item := range earlier {
		var meta questionMeta
		if json.Unmarshal(item.Meta, &meta) == nil {
			previous = append(previous, meta.Text)
		}
	}

	category := CategoryForDate(date)
	text, err := s.questions.Question(ctx, category, previous)
	if err != nil || strings.TrimSpace(text) == "" {
		text, _ = StaticQuestions{}.Question(ctx, category, previous)
	}

	reveal := interaction.NewReveal(pair.ParticipantA, pair.ParticipantB)
	state, err := json.Marshal(reveal)
	if err != nil {
		return store.InteractionRecord{}, fmt.Errorf("encode question: %w", err)
	}
	meta, err := json.Marshal(questionMeta{Text: text, Category: category, Date: date})
	if err != nil {
		return store.InteractionRecord{}, fmt.Errorf("encode question: %w", err)
	}
	record, err = s.store.EnsureInteraction(ctx, store.InteractionRecord{
		ID:       id,
		PairKey:  pair.PairKey,
		Channel:  envelope.ChannelQuestion,
		Protocol: store.ProtocolReveal,
		Phase:    string(reveal.Phase()),
		State:    state,
		Meta:     meta,
	})
	if err != nil {
		return store.InteractionRecord{}, fmt.Errorf("create question: %w", err)
	}
	return record, nil
}

func decodeReveal(record store.InteractionRecord) (interaction.Reveal, questionMeta, error) {
	var reveal interaction.Reveal
	var meta questionMeta
	if err := json.Unmarshal(record.State, &reveal); err != nil {
		return reveal, meta, fmt.Errorf("decode reveal %s: %w", record.ID, err)
	}
	if len(record.Meta) > 0 {
		if err := json.Unmarshal(record.Meta, &meta); err != nil {
			return reveal, meta, fmt.Errorf("decode question meta %s: %w", record.ID, err)
		}
	}
	return reveal, meta, nil
}

func (s *Service) TodayQuestion(ctx context.Context, session Session) (map[string]any, error) {
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	record, err := s.ensureDailyQuestion(ctx, pair)
	if err != nil {
		return nil, err
	}
	reactions, err := s.questionReactions(ctx, pair.PairKey)
	if err != nil {
		return nil, err
	}
	return s.questionPayload(ctx, pair, session.ParticipantID, record, reactions)
}

// AnswerQuestion submits the caller's answer to questionID, or to today's
// question when questionID is empty.
func (s *Service) AnswerQuestion(ctx context.Context, session Session, questionID, text string) (map[string]any, error) {
	if strings.TrimSpace(text) == "" {
		return nil, interaction.ErrInvalidValue
	}
	if utf8.RuneCountInString(text) > maxAnswerLength {
		return nil, domainError(http.StatusUnprocessableEntity, "ANSWER_TOO_LONG", fmt.Sprintf("Answer must be %d characters or less", maxAnswerLength), nil)
	}
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	if questionID == "" {
		record, err := s.ensureDailyQuestion(ctx, pair)
		if err != nil {
			return nil, err
		}
		questionID = record.ID
	}

	caller := session.ParticipantID
	record, err := s.mutateInteraction(ctx, questionID, func(record *store.InteractionRecord) (store.Commit, error) {
		if record.PairKey != pair.PairKey || record.Channel != envelope.ChannelQuestion {
			return store.Commit{}, store.ErrNotFound
		}
		reveal, meta, err := decodeReveal(*record)
		if err != nil {
			return store.Commit{}, err
		}
		now := s.now()
		if err := reveal.Submit(caller, text, now); err != nil {
			return store.Commit{}, err
		}
		state, err := json.Marshal(reveal)
		if err != nil {
			return store.Commit{}, fmt.Errorf("encode reveal: %w", err)
		}
		record.State = state
		record.Phase = string(reveal.Phase())

		commit := store.Commit{
			Event: envelope.Draft{
				PairKey:      pair.PairKey,
				Channel:      envelope.ChannelQuestion,
				Kind:         "answered",
				OriginatorID: caller,
				Hint:         map[string]any{"interactionId": record.ID, "phase": record.Phase},
			},
			Ledger: []store.LedgerEntry{{
				Scope:   pair.PairKey,
				ActorID: caller,
				Kind:    ledger.KindQuestionAnswered,
				Detail:  map[string]any{"date": meta.Date, "interactionId": record.ID},
				At:      now,
			}},
		}
		if reveal.Phase() == interaction.RevealRevealed {
			commit.Event.Kind = "revealed"
			commit.Ledger = append(commit.Ledger, store.LedgerEntry{
				Scope:   pair.PairKey,
				ActorID: caller,
				Kind:    ledger.KindQuestionRevealed,
				Detail:  map[string]any{"date": meta.Date, "interactionId": record.ID},
				At:      now,
			})
		}
		return commit, nil
	})
	if err != nil {
		return nil, err
	}
	reactions, err := s.questionReactions(ctx, pair.PairKey)
	if err != nil {
		return nil, err
	}
	return s.questionPayload(ctx, pair, caller, record, reactions)
}

func (s *Service) QuestionHistory(ctx context.Context, session Session) ([]map[string]any, error) {
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListInteractions(ctx, pair.PairKey, envelope.ChannelQuestion, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	reactions, err := s.questionReactions(ctx, pair.PairKey)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(records))
	for _, record := range records {
		payload, err := s.questionPayload(ctx, pair, session.ParticipantID, record, reactions)
		if err != nil {
			return nil, err
		}
		items = append(items, payload)
	}
	return items, nil
}

// ReactToQuestion records the caller's reaction to a revealed question. A
// later reaction replaces an earlier one.
func (s *Service) ReactToQuestion(ctx context.Context, session Session, questionID, reaction string) (map[string]any, error) {
	reaction = strings.ToLower(strings.TrimSpace(reaction))
	if !slices.Contains(ValidReactions, reaction) {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_REACTION", "Unknown reaction", map[string]any{"reactions": ValidReactions})
	}
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	if questionID == "" {
		questionID = dailyQuestionID(pair.PairKey, s.today())
	}
	record, err := s.store.GetInteraction(ctx, questionID)
	if err != nil {
		return nil, fmt.Errorf("load question: %w", err)
	}
	if record.PairKey != pair.PairKey || record.Channel != envelope.ChannelQuestion {
		return nil, store.ErrNotFound
	}
	if record.Phase != string(interaction.RevealRevealed) {
		return nil, interaction.ErrPartnerNotReady
	}
	_, event, err := s.ledger.Append(ctx, pair.PairKey, session.ParticipantID, KindQuestionReacted,
		map[string]any{"interactionId": record.ID, "reaction": reaction}, envelope.ChannelQuestion)
	if err != nil {
		return nil, err
	}
	s.publish(event)
	return map[string]any{"success": true, "reaction": reaction}, nil
}

// questionReactions maps question id to each participant's latest reaction.
func (s *Service) questionReactions(ctx context.Context, pairKey string) (map[string]map[string]string, error) {
	entries, err := s.ledger.Entries(ctx, pairKey, ledger.ByKind(KindQuestionReacted))
	if err != nil {
		return nil, err
	}
	reactions := map[string]map[string]string{}
	for _, entry := range entries {
		id, _ := entry.Detail["interactionId"].(string)
		reaction, _ := entry.Detail["reaction"].(string)
		if reactions[id] == nil {
			reactions[id] = map[string]string{}
		}
		reactions[id][entry.ActorID] = reaction
	}
	return reactions, nil
}

func (s *Service) questionPayload(ctx context.Context, pair store.Pair, caller string, record store.InteractionRecord, reactions map[string]map[string]string) (map[string]any, error) {
	reveal, meta, err := decodeReveal(record)
	if err != nil {
		return nil, err
	}
	view := reveal.ViewFor(caller)
	payload := map[string]any{
		"id":                record.ID,
		"text":              meta.Text,
		"category":          meta.Category,
		"date":              meta.Date,
		"phase":             view.Phase,
		"waiting":           view.Waiting,
		"bothAnswered":      view.Phase == interaction.RevealRevealed,
		"userAnswer":        nil,
		"userAnsweredAt":    nil,
		"partnerAnswer":     nil,
		"partnerAnsweredAt": nil,
		"userReaction":      nil,
		"partnerReaction":   nil,
	}
	if view.Mine != nil {
		payload["userAnswer"] = view.Mine.Value
		payload["userAnsweredAt"] = view.Mine.At
	}
	if view.Partner != nil {
		payload["partnerAnswer"] = view.Partner.Value
		if at, ok := privacy.Project(ctx, s.privacy, pair.Partner(caller), caller, privacy.CategoryAnswerTimes, view.Partner.At); ok {
			payload["partnerAnsweredAt"] = at
		}
	}
	if view.Phase == interaction.RevealRevealed {
		if reaction, ok := reactions[record.ID][caller]; ok {
			payload["userReaction"] = reaction
		}
		if reaction, ok := reactions[record.ID][pair.Partner(caller)]; ok {
			payload["partnerReaction"] = reaction
		}
	}
	return payload, nil
}

// Streak reports the pair's shared reveal streak and each partner's own
// answer streak. Only the partner's answer streak is subject to their mask.
func (s *Service) Streak(ctx context.Context, session Session) (map[string]any, error) {
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	revealed, err := s.ledger.Entries(ctx, pair.PairKey, ledger.ByKind(ledger.KindQuestionRevealed))
	if err != nil {
		return nil, err
	}
	self := session.ParticipantID
	partnerID := pair.Partner(self)
	mine, err := s.ledger.Entries(ctx, pair.PairKey, ledger.And(ledger.ByKind(ledger.KindQuestionAnswered), ledger.ByActor(self)))
	if err != nil {
		return nil, err
	}
	theirs, err := s.ledger.Entries(ctx, pair.PairKey, ledger.And(ledger.ByKind(ledger.KindQuestionAnswered), ledger.ByActor(partnerID)))
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"together": ledger.ComputeStreak(revealed, now),
		"mine":     ledger.ComputeStreak(mine, now),
		"partner":  nil,
	}
	if partner, ok := privacy.Project(ctx, s.privacy, partnerID, self, privacy.CategoryStreak, ledger.ComputeStreak(theirs, now)); ok {
		payload["partner"] = partner
	}
	return payload, nil
}
