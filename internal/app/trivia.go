package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"candle/api/internal/envelope"
	"candle/api/internal/interaction"
	"candle/api/internal/ledger"
	"candle/api/internal/privacy"
	"candle/api/internal/store"
	"candle/api/internal/util"
)

const (
	KindTriviaGuessed = "trivia_guessed"
	KindTriviaCorrect = "trivia_correct"
	triviaPoints      = 10
	triviaListLimit   = 20
)

var TriviaCategories = []string{"favorites", "memories", "preferences", "dreams", "habits", "personality"}

type TriviaQuestion struct {
	Text    string
	Options []string
}

// TriviaSource writes a multiple choice question about subject.
type TriviaSource interface {
	Trivia(ctx context.Context, category, subject string) (TriviaQuestion, error)
}

type StaticTrivia struct{}

var triviaCatalog = map[string]TriviaQuestion{
	"favorites": {
		Text:    "What is %s's favorite way to spend a lazy Sunday?",
		Options: []string{"Sleeping in and watching movies", "Going for a hike or outdoor activity", "Cooking a big brunch", "Reading or relaxing at home"},
	},
	"memories": {
		Text:    "What made %s laugh the hardest recently?",
		Options: []string{"A funny video or meme", "Something you said", "A pet doing something silly", "A comedy show or movie"},
	},
	"preferences": {
		Text:    "How does %s prefer to unwind after a stressful day?",
		Options: []string{"Exercise or physical activity", "Quiet time alone", "Talking about their day", "Comfort food and TV"},
	},
	"dreams": {
		Text:    "What's on %s's bucket list?",
		Options: []string{"Traveling to a specific country", "Learning a new skill", "Starting a business", "An adventure activity"},
	},
	"habits": {
		Text:    "What's %s's morning routine like?",
		Options: []string{"Quick shower and out the door", "Coffee first, everything else later", "Full routine with breakfast", "Hit snooze multiple times"},
	},
	"personality": {
		Text:    "What's %s's love language?",
		Options: []string{"Words of affirmation", "Quality time", "Physical touch", "Acts of service"},
	},
}

func (StaticTrivia) Trivia(_ context.Context, category, subject string) (TriviaQuestion, error) {
	item, ok := triviaCatalog[category]
	if !ok {
		item = triviaCatalog["favorites"]
	}
	return TriviaQuestion{
		Text:    fmt.Sprintf(item.Text, subject),
		Options: slices.Clone(item.Options),
	}, nil
}

type CreateTriviaInput struct {
	About    string `json:"about"`
	Category string `json:"category"`
}

type triviaMeta struct {
	Text     string `json:"text"`
	Category string `json:"category"`
}

// CreateTrivia starts a turn. The participant the question is about sets the
// answer; the other one guesses.
func (s *Service) CreateTrivia(ctx context.Context, session Session, input CreateTriviaInput) (map[string]any, error) {
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	caller := session.ParticipantID
	partner := pair.Partner(caller)

	var setter string
	switch strings.ToLower(strings.TrimSpace(input.About)) {
	case "me":
		setter = caller
	case "partner":
		setter = partner
	case "":
		setter = []string{caller, partner}[s.intn(2)]
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", `about must be "me" or "partner"`, nil)
	}
	guesser := pair.Partner(setter)

	category := strings.ToLower(strings.TrimSpace(input.Category))
	if category == "" {
		category = TriviaCategories[s.intn(len(TriviaCategories))]
	} else if !slices.Contains(TriviaCategories, category) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown trivia category", map[string]any{"categories": TriviaCategories})
	}

	subject := "your partner"
	if setter == caller && session.Name != "" {
		subject = session.Name
	}
	question, err := s.trivia.Trivia(ctx, category, subject)
	if err != nil {
		question, _ = StaticTrivia{}.Trivia(ctx, category, subject)
	}

	turn, err := interaction.NewTurn(setter, guesser, question.Options)
	if err != nil {
		return nil, err
	}
	state, err := json.Marshal(turn)
	if err != nil {
		return nil, fmt.Errorf("encode turn: %w", err)
	}
	meta, err := json.Marshal(triviaMeta{Text: question.Text, Category: category})
	if err != nil {
		return nil, fmt.Errorf("encode trivia meta: %w", err)
	}
	record := store.InteractionRecord{
		ID:       util.NewID("trivia"),
		PairKey:  pair.PairKey,
		Channel:  envelope.ChannelTrivia,
		Protocol: store.ProtocolTurn,
		Phase:    string(turn.Phase()),
		State:    state,
		Meta:     meta,
	}
	result, err := s.store.Commit(ctx, store.Commit{
		Interaction: &record,
		Event: envelope.Draft{
			PairKey:      pair.PairKey,
			Channel:      envelope.ChannelTrivia,
			Kind:         "created",
			OriginatorID: caller,
			Hint:         map[string]any{"interactionId": record.ID, "phase": record.Phase},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create trivia: %w", err)
	}
	s.publish(result.Event)
	return triviaPayload(*result.Interaction, caller)
}

func (s *Service) GetTrivia(ctx context.Context, session Session, id string) (map[string]any, error) {
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	record, err := s.loadOwnInteraction(ctx, pair, id, envelope.ChannelTrivia)
	if err != nil {
		return nil, err
	}
	return triviaPayload(record, session.ParticipantID)
}

func (s *Service) ListTrivia(ctx context.Context, session Session) ([]map[string]any, error) {
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListInteractions(ctx, pair.PairKey, envelope.ChannelTrivia, triviaListLimit)
	if err != nil {
		return nil, fmt.Errorf("list trivia: %w", err)
	}
	items := make([]map[string]any, 0, len(records))
	for _, record := range records {
		payload, err := triviaPayload(record, session.ParticipantID)
		if err != nil {
			return nil, err
		}
		items = append(items, payload)
	}
	return items, nil
}

// SetTrivia commits the ground truth.
func (s *Service) SetTrivia(ctx context.Context, session Session, id, answer string) (map[string]any, error) {
	return s.advanceTrivia(ctx, session, id, func(turn *interaction.Turn, record *store.InteractionRecord, commit *store.Commit) error {
		if err := turn.Set(session.ParticipantID, answer, s.now()); err != nil {
			return err
		}
		commit.Event.Kind = "set"
		return nil
	})
}

// GuessTrivia resolves the turn. Every guess is recorded; a correct one also
// scores points, in the same commit as the resolution.
func (s *Service) GuessTrivia(ctx context.Context, session Session, id, guess string) (map[string]any, error) {
	return s.advanceTrivia(ctx, session, id, func(turn *interaction.Turn, record *store.InteractionRecord, commit *store.Commit) error {
		now := s.now()
		correct, err := turn.Guess(session.ParticipantID, guess, now)
		if err != nil {
			return err
		}
		commit.Event.Kind = "guessed"
		commit.Ledger = append(commit.Ledger, store.LedgerEntry{
			Scope:   record.PairKey,
			ActorID: session.ParticipantID,
			Kind:    KindTriviaGuessed,
			Detail:  map[string]any{"interactionId": record.ID, "correct": correct},
			At:      now,
		})
		if correct {
			commit.Ledger = append(commit.Ledger, store.LedgerEntry{
				Scope:   record.PairKey,
				ActorID: session.ParticipantID,
				Kind:    KindTriviaCorrect,
				Detail:  map[string]any{"interactionId": record.ID, "points": triviaPoints},
				At:      now,
			})
		}
		return nil
	})
}

type turnStep func(turn *interaction.Turn, record *store.InteractionRecord, commit *store.Commit) error

func (s *Service) advanceTrivia(ctx context.Context, session Session, id string, step turnStep) (map[string]any, error) {
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	record, err := s.mutateInteraction(ctx, id, func(record *store.InteractionRecord) (store.Commit, error) {
		if record.PairKey != pair.PairKey || record.Channel != envelope.ChannelTrivia {
			return store.Commit{}, store.ErrNotFound
		}
		var turn interaction.Turn
		if err := json.Unmarshal(record.State, &turn); err != nil {
			return store.Commit{}, fmt.Errorf("decode turn %s: %w", record.ID, err)
		}
		commit := store.Commit{Event: envelope.Draft{
			PairKey:      pair.PairKey,
			Channel:      envelope.ChannelTrivia,
			OriginatorID: session.ParticipantID,
		}}
		if err := step(&turn, record, &commit); err != nil {
			return store.Commit{}, err
		}
		state, err := json.Marshal(turn)
		if err != nil {
			return store.Commit{}, fmt.Errorf("encode turn: %w", err)
		}
		record.State = state
		record.Phase = string(turn.Phase())
		commit.Event.Hint = map[string]any{"interactionId": record.ID, "phase": record.Phase}
		return commit, nil
	})
	if err != nil {
		return nil, err
	}
	return triviaPayload(record, session.ParticipantID)
}

func triviaPayload(record store.InteractionRecord, caller string) (map[string]any, error) {
	var turn interaction.Turn
	if err := json.Unmarshal(record.State, &turn); err != nil {
		return nil, fmt.Errorf("decode turn %s: %w", record.ID, err)
	}
	var meta triviaMeta
	if len(record.Meta) > 0 {
		if err := json.Unmarshal(record.Meta, &meta); err != nil {
			return nil, fmt.Errorf("decode trivia meta %s: %w", record.ID, err)
		}
	}
	view := turn.ViewFor(caller)
	return map[string]any{
		"id":          record.ID,
		"question":    meta.Text,
		"category":    meta.Category,
		"aboutUserId": turn.SetterID,
		"phase":       view.Phase,
		"role":        view.Role,
		"options":     view.Options,
		"groundTruth": view.GroundTruth,
		"guess":       view.Guess,
		"isCorrect":   view.IsCorrect,
		"createdAt":   record.CreatedAt,
	}, nil
}

type TriviaScore struct {
	Points  int `json:"points"`
	Correct int `json:"correct"`
	Guesses int `json:"guesses"`
}

// TriviaScores derives both partners' scores from the ledger. The partner's
// score passes through their trivia_score mask.
func (s *Service) TriviaScores(ctx context.Context, session Session) (map[string]any, error) {
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	entries, err := s.ledger.Entries(ctx, pair.PairKey, ledger.ByKind(KindTriviaGuessed, KindTriviaCorrect))
	if err != nil {
		return nil, err
	}
	scoreOf := func(participant string) TriviaScore {
		var correct, guesses []store.LedgerEntry
		for _, entry := range entries {
			if entry.ActorID != participant {
				continue
			}
			switch entry.Kind {
			case KindTriviaCorrect:
				correct = append(correct, entry)
			case KindTriviaGuessed:
				guesses = append(guesses, entry)
			}
		}
		return TriviaScore{
			Points:  ledger.Sum(correct, "points"),
			Correct: len(correct),
			Guesses: len(guesses),
		}
	}

	partnerID := pair.Partner(session.ParticipantID)
	payload := map[string]any{
		"mine":    scoreOf(session.ParticipantID),
		"partner": nil,
	}
	if score, ok := privacy.Project(ctx, s.privacy, partnerID, session.ParticipantID, privacy.CategoryTriviaScore, scoreOf(partnerID)); ok {
		payload["partner"] = score
	}
	return payload, nil
}
