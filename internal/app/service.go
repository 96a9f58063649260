package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"go.uber.org/zap"

	"candle/api/internal/auth"
	"candle/api/internal/broker"
	"candle/api/internal/config"
	"candle/api/internal/envelope"
	"candle/api/internal/interaction"
	"candle/api/internal/ledger"
	"candle/api/internal/pairkey"
	"candle/api/internal/privacy"
	"candle/api/internal/store"
)

// maxWriteAttempts bounds how often a transition is re-evaluated after losing
// the conditional write.
const maxWriteAttempts = 5

type Session struct {
	ParticipantID string
	Name          string
}

// DataStore is the persistence the service needs. Commit is the only write path
// for interactions, ledger entries, masks and their envelopes.
type DataStore interface {
	Commit(context.Context, store.Commit) (store.CommitResult, error)
	EnsureInteraction(context.Context, store.InteractionRecord) (store.InteractionRecord, error)
	GetInteraction(context.Context, string) (store.InteractionRecord, error)
	ListInteractions(context.Context, string, string, int) ([]store.InteractionRecord, error)
	ListLedger(context.Context, string) ([]store.LedgerEntry, error)
	GetMask(context.Context, string) (map[string]bool, error)
	ListEvents(context.Context, string, string, int64, int) ([]envelope.Envelope, error)
	GetPairByMember(context.Context, string) (store.Pair, error)
	SavePairingCode(context.Context, store.PairingCode) error
	RedeemPairingCode(context.Context, string, string, time.Time) (store.Pair, envelope.Envelope, error)
	Ping(ctx context.Context) error
}

type eventBroker interface {
	Publish(envelope.Envelope)
	Subscribe(ctx context.Context, pairKey, channel string) (*broker.Subscription, error)
}

type Service struct {
	cfg       config.Config
	store     DataStore
	broker    eventBroker
	ledger    *ledger.Ledger
	privacy   *privacy.Filter
	questions QuestionSource
	trivia    TriviaSource
	logger    *zap.Logger
	now       func() time.Time
	intn      func(int) int
}

func New(cfg config.Config, dataStore DataStore, eventBroker eventBroker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:       cfg,
		store:     dataStore,
		broker:    eventBroker,
		ledger:    ledger.New(dataStore),
		privacy:   privacy.NewFilter(dataStore, logger),
		questions: StaticQuestions{},
		trivia:    StaticTrivia{},
		logger:    logger.Named("app"),
		intn:      rand.IntN,
	}
	s.now = func() time.Time { return time.Now().UTC() }
	return s
}

// WithClock replaces the service clock, including the ledger's.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.ledger.WithClock(now)
	return s
}

func (s *Service) WithQuestionSource(source QuestionSource) *Service {
	s.questions = source
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	if err := pairkey.Validate(claims.Subject); err != nil {
		return Session{}, fmt.Errorf("%w: subject: %w", auth.ErrInvalidToken, err)
	}
	return Session{ParticipantID: claims.Subject, Name: claims.Name}, nil
}

func (s *Service) pairOf(ctx context.Context, participantID string) (store.Pair, error) {
	pair, err := s.store.GetPairByMember(ctx, participantID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Pair{}, domainError(http.StatusConflict, "NOT_PAIRED", "You need to pair with a partner first", nil)
	}
	if err != nil {
		return store.Pair{}, fmt.Errorf("load pair: %w", err)
	}
	return pair, nil
}

// publish hands a committed event to the broker. Broadcast is best effort
// and never fails the write.
func (s *Service) publish(env envelope.Envelope) {
	if env.ID == "" {
		return
	}
	s.broker.Publish(env)
}

func (s *Service) today() string {
	return s.now().UTC().Format(time.DateOnly)
}

// transition mutates record in place and returns the rest of the commit:
// ledger entries and the event draft. It must be a pure function of record
// so it can be re-run after a lost race.
type transition func(record *store.InteractionRecord) (store.Commit, error)

// mutateInteraction reads the interaction, applies fn and writes the result
// conditionally on the version that was read. A lost race re-reads and
// re-evaluates, which turns it into a legal transition or a legality error.
func (s *Service) mutateInteraction(ctx context.Context, id string, fn transition) (store.InteractionRecord, error) {
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		record, err := s.store.GetInteraction(ctx, id)
		if err != nil {
			return store.InteractionRecord{}, err
		}
		expected := record.Version
		commit, err := fn(&record)
		if err != nil {
			return store.InteractionRecord{}, err
		}
		commit.Interaction = &record
		commit.ExpectedVersion = expected

		result, err := s.store.Commit(ctx, commit)
		if errors.Is(err, store.ErrVersionConflict) {
			s.logger.Debug("interaction write lost, re-evaluating",
				zap.String("interaction_id", id),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return store.InteractionRecord{}, fmt.Errorf("commit interaction: %w", err)
		}
		s.publish(result.Event)
		return *result.Interaction, nil
	}
	return store.InteractionRecord{}, interaction.ErrWriteConflict
}

// loadOwnInteraction fetches an interaction and hides it from anyone outside
// its pair.
func (s *Service) loadOwnInteraction(ctx context.Context, pair store.Pair, id, channel string) (store.InteractionRecord, error) {
	record, err := s.store.GetInteraction(ctx, id)
	if err != nil {
		return store.InteractionRecord{}, err
	}
	if record.PairKey != pair.PairKey || record.Channel != channel {
		return store.InteractionRecord{}, store.ErrNotFound
	}
	return record, nil
}
