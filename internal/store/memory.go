package store

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"candle/api/internal/envelope"
	"candle/api/internal/pairkey"
	"candle/api/internal/util"
)

// MemoryStore is an in-process store with the same commit semantics as
// PostgresStore. It backs tests and single-node development.
type MemoryStore struct {
	mu sync.Mutex

	now          func() time.Time
	pairs        map[string]Pair
	members      map[string]string
	codes        map[string]PairingCode
	interactions map[string]InteractionRecord
	ledger       []LedgerEntry
	masks        map[string]map[string]bool
	cursors      map[string]int64
	events       map[string][]envelope.Envelope
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:          func() time.Time { return time.Now().UTC() },
		pairs:        map[string]Pair{},
		members:      map[string]string{},
		codes:        map[string]PairingCode{},
		interactions: map[string]InteractionRecord{},
		masks:        map[string]map[string]bool{},
		cursors:      map[string]int64{},
		events:       map[string][]envelope.Envelope{},
	}
}

// WithClock replaces the clock used for store-assigned timestamps.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Commit(_ context.Context, c Commit) (CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var result CommitResult
	if c.Interaction != nil {
		record := cloneInteraction(*c.Interaction)
		current, exists := s.interactions[record.ID]
		switch {
		case c.ExpectedVersion == 0 && exists:
			return CommitResult{}, ErrVersionConflict
		case c.ExpectedVersion == 0:
			record.Version = 1
			record.CreatedAt = now
		case !exists || current.Version != c.ExpectedVersion:
			return CommitResult{}, ErrVersionConflict
		default:
			record.PairKey = current.PairKey
			record.Channel = current.Channel
			record.Protocol = current.Protocol
			record.CreatedAt = current.CreatedAt
			record.Version = current.Version + 1
		}
		if len(record.Meta) == 0 {
			record.Meta = json.RawMessage("{}")
		}
		record.UpdatedAt = now
		s.interactions[record.ID] = record
		saved := cloneInteraction(record)
		result.Interaction = &saved
	}

	for _, entry := range c.Ledger {
		if entry.ID == "" {
			entry.ID = util.NewID("")
		}
		if entry.At.IsZero() {
			entry.At = now
		}
		if entry.Detail == nil {
			entry.Detail = map[string]any{}
		}
		entry.Position = int64(len(s.ledger) + 1)
		s.ledger = append(s.ledger, entry)
		result.Ledger = append(result.Ledger, entry)
	}

	if c.Mask != nil {
		mask, ok := s.masks[c.Mask.OwnerID]
		if !ok {
			mask = map[string]bool{}
			s.masks[c.Mask.OwnerID] = mask
		}
		mask[c.Mask.Category] = c.Mask.Visible
	}

	result.Event = s.appendEventLocked(c.Event, now)
	return result, nil
}

func (s *MemoryStore) appendEventLocked(draft envelope.Draft, now time.Time) envelope.Envelope {
	key := draft.PairKey + "|" + draft.Channel
	s.cursors[key]++
	event := envelope.Envelope{
		ID:           util.NewID(""),
		PairKey:      draft.PairKey,
		Channel:      draft.Channel,
		Kind:         draft.Kind,
		OriginatorID: draft.OriginatorID,
		Seq:          s.cursors[key],
		At:           now,
		Hint:         envelope.TrimHint(draft.Hint),
	}
	s.events[key] = append(s.events[key], event)
	return event
}

func (s *MemoryStore) EnsureInteraction(_ context.Context, record InteractionRecord) (InteractionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.interactions[record.ID]; ok {
		return cloneInteraction(current), nil
	}
	now := s.now()
	record = cloneInteraction(record)
	if len(record.Meta) == 0 {
		record.Meta = json.RawMessage("{}")
	}
	record.Version = 1
	record.CreatedAt = now
	record.UpdatedAt = now
	s.interactions[record.ID] = record
	return cloneInteraction(record), nil
}

func (s *MemoryStore) GetInteraction(_ context.Context, id string) (InteractionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.interactions[id]
	if !ok {
		return InteractionRecord{}, ErrNotFound
	}
	return cloneInteraction(record), nil
}

func (s *MemoryStore) ListInteractions(_ context.Context, pairKey, channel string, limit int) ([]InteractionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]InteractionRecord, 0)
	for _, record := range s.interactions {
		if record.PairKey == pairKey && record.Channel == channel {
			items = append(items, cloneInteraction(record))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) ListLedger(_ context.Context, scope string) ([]LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]LedgerEntry, 0)
	for _, entry := range s.ledger {
		if entry.Scope == scope {
			items = append(items, entry)
		}
	}
	return items, nil
}

func (s *MemoryStore) GetMask(_ context.Context, ownerID string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mask := map[string]bool{}
	for category, visible := range s.masks[ownerID] {
		mask[category] = visible
	}
	return mask, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, pairKey, channel string, afterSeq int64, limit int) ([]envelope.Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]envelope.Envelope, 0)
	for _, event := range s.events[pairKey+"|"+channel] {
		if event.Seq <= afterSeq {
			continue
		}
		items = append(items, event)
		if len(items) == limit {
			break
		}
	}
	return items, nil
}

func (s *MemoryStore) GetPairByMember(_ context.Context, participantID string) (Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.members[participantID]
	if !ok {
		return Pair{}, ErrNotFound
	}
	return s.pairs[key], nil
}

func (s *MemoryStore) SavePairingCode(_ context.Context, code PairingCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.codes[code.Code]; ok && existing.UserID != code.UserID {
		return ErrCodeTaken
	}
	for key, existing := range s.codes {
		if existing.UserID == code.UserID {
			delete(s.codes, key)
		}
	}
	code.CreatedAt = s.now()
	s.codes[code.Code] = code
	return nil
}

func (s *MemoryStore) RedeemPairingCode(_ context.Context, code, redeemerID string, now time.Time) (Pair, envelope.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.codes[code]
	if !ok {
		return Pair{}, envelope.Envelope{}, ErrCodeNotFound
	}
	if !now.Before(stored.ExpiresAt) {
		delete(s.codes, code)
		return Pair{}, envelope.Envelope{}, ErrCodeExpired
	}

	key, err := pairkey.Canonicalize(stored.UserID, redeemerID)
	if err != nil {
		return Pair{}, envelope.Envelope{}, err
	}
	a, b, err := pairkey.Split(key)
	if err != nil {
		return Pair{}, envelope.Envelope{}, err
	}
	if _, ok := s.members[a]; ok {
		return Pair{}, envelope.Envelope{}, ErrAlreadyPaired
	}
	if _, ok := s.members[b]; ok {
		return Pair{}, envelope.Envelope{}, ErrAlreadyPaired
	}

	pair := Pair{PairKey: key, ParticipantA: a, ParticipantB: b, CreatedAt: s.now()}
	s.pairs[key] = pair
	s.members[a] = key
	s.members[b] = key
	for codeKey, existing := range s.codes {
		if existing.UserID == a || existing.UserID == b {
			delete(s.codes, codeKey)
		}
	}

	event := s.appendEventLocked(envelope.Draft{
		PairKey:      key,
		Channel:      envelope.ChannelPair,
		Kind:         "paired",
		OriginatorID: redeemerID,
	}, pair.CreatedAt)
	return pair, event, nil
}

func cloneInteraction(record InteractionRecord) InteractionRecord {
	record.State = slices.Clone(record.State)
	record.Meta = slices.Clone(record.Meta)
	return record
}
