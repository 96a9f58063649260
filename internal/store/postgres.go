package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"candle/api/internal/envelope"
	"candle/api/internal/pairkey"
	"candle/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Commit applies c in a single transaction. The per-channel cursor row is
// locked by the event append, so sequence order matches commit order.
func (s *PostgresStore) Commit(ctx context.Context, c Commit) (CommitResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitResult{}, fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var result CommitResult
	if c.Interaction != nil {
		record, err := writeInteraction(ctx, tx, *c.Interaction, c.ExpectedVersion)
		if err != nil {
			return CommitResult{}, err
		}
		result.Interaction = &record
	}

	for _, entry := range c.Ledger {
		saved, err := insertLedgerEntry(ctx, tx, entry)
		if err != nil {
			return CommitResult{}, err
		}
		result.Ledger = append(result.Ledger, saved)
	}

	if c.Mask != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO visibility_masks (owner_id, category, visible, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (owner_id, category) DO UPDATE SET visible=EXCLUDED.visible, updated_at=NOW()
		`, c.Mask.OwnerID, c.Mask.Category, c.Mask.Visible); err != nil {
			return CommitResult{}, fmt.Errorf("upsert visibility mask: %w", err)
		}
	}

	event, err := appendEvent(ctx, tx, c.Event)
	if err != nil {
		return CommitResult{}, err
	}
	result.Event = event

	if err := tx.Commit(); err != nil {
		return CommitResult{}, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

func writeInteraction(ctx context.Context, q queryer, record InteractionRecord, expectedVersion int64) (InteractionRecord, error) {
	meta := jsonOrEmpty(record.Meta)
	if expectedVersion == 0 {
		err := q.QueryRowContext(ctx, `
			INSERT INTO interactions (id, pair_key, channel, protocol, phase, state, meta, version)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, 1)
			ON CONFLICT (id) DO NOTHING
			RETURNING version, created_at, updated_at
		`, record.ID, record.PairKey, record.Channel, record.Protocol, record.Phase, string(record.State), meta).
			Scan(&record.Version, &record.CreatedAt, &record.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return InteractionRecord{}, ErrVersionConflict
		}
		if err != nil {
			return InteractionRecord{}, fmt.Errorf("insert interaction: %w", err)
		}
		return record, nil
	}

	err := q.QueryRowContext(ctx, `
		UPDATE interactions
		SET phase=$3, state=$4::jsonb, meta=$5::jsonb, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING pair_key, channel, protocol, version, created_at, updated_at
	`, record.ID, expectedVersion, record.Phase, string(record.State), meta).
		Scan(&record.PairKey, &record.Channel, &record.Protocol, &record.Version, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return InteractionRecord{}, ErrVersionConflict
	}
	if err != nil {
		return InteractionRecord{}, fmt.Errorf("update interaction: %w", err)
	}
	return record, nil
}

func insertLedgerEntry(ctx context.Context, q queryer, entry LedgerEntry) (LedgerEntry, error) {
	if entry.ID == "" {
		entry.ID = util.NewID("")
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	detail := entry.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	encoded, err := json.Marshal(detail)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("marshal ledger detail: %w", err)
	}
	err = q.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (id, scope, actor_id, kind, detail, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		RETURNING position
	`, entry.ID, entry.Scope, entry.ActorID, entry.Kind, string(encoded), entry.At).Scan(&entry.Position)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	return entry, nil
}

func appendEvent(ctx context.Context, q queryer, draft envelope.Draft) (envelope.Envelope, error) {
	event := envelope.Envelope{
		ID:           util.NewID(""),
		PairKey:      draft.PairKey,
		Channel:      draft.Channel,
		Kind:         draft.Kind,
		OriginatorID: draft.OriginatorID,
		Hint:         envelope.TrimHint(draft.Hint),
	}
	var hint any
	if event.Hint != nil {
		encoded, err := json.Marshal(event.Hint)
		if err != nil {
			return envelope.Envelope{}, fmt.Errorf("marshal event hint: %w", err)
		}
		hint = string(encoded)
	}

	if err := q.QueryRowContext(ctx, `
		INSERT INTO channel_cursors (pair_key, channel, seq)
		VALUES ($1, $2, 1)
		ON CONFLICT (pair_key, channel) DO UPDATE SET seq=channel_cursors.seq+1
		RETURNING seq
	`, event.PairKey, event.Channel).Scan(&event.Seq); err != nil {
		return envelope.Envelope{}, fmt.Errorf("advance channel cursor: %w", err)
	}

	if err := q.QueryRowContext(ctx, `
		INSERT INTO events (id, pair_key, channel, seq, kind, originator_id, hint)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		RETURNING created_at
	`, event.ID, event.PairKey, event.Channel, event.Seq, event.Kind, event.OriginatorID, hint).Scan(&event.At); err != nil {
		return envelope.Envelope{}, fmt.Errorf("insert event: %w", err)
	}
	return event, nil
}

// EnsureInteraction inserts record unless an interaction with the same id
// exists, and returns whichever is stored. No event is appended.
func (s *PostgresStore) EnsureInteraction(ctx context.Context, record InteractionRecord) (InteractionRecord, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (id, pair_key, channel, protocol, phase, state, meta, version)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, 1)
		ON CONFLICT (id) DO NOTHING
	`, record.ID, record.PairKey, record.Channel, record.Protocol, record.Phase, string(record.State), jsonOrEmpty(record.Meta)); err != nil {
		return InteractionRecord{}, fmt.Errorf("ensure interaction: %w", err)
	}
	return s.GetInteraction(ctx, record.ID)
}

const interactionColumns = `id, pair_key, channel, protocol, phase, state, meta, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInteraction(row rowScanner) (InteractionRecord, error) {
	var record InteractionRecord
	var state, meta []byte
	if err := row.Scan(
		&record.ID,
		&record.PairKey,
		&record.Channel,
		&record.Protocol,
		&record.Phase,
		&state,
		&meta,
		&record.Version,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return InteractionRecord{}, err
	}
	record.State = json.RawMessage(state)
	record.Meta = json.RawMessage(meta)
	return record, nil
}

func (s *PostgresStore) GetInteraction(ctx context.Context, id string) (InteractionRecord, error) {
	record, err := scanInteraction(s.db.QueryRowContext(ctx, `SELECT `+interactionColumns+` FROM interactions WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return InteractionRecord{}, ErrNotFound
	}
	if err != nil {
		return InteractionRecord{}, fmt.Errorf("get interaction: %w", err)
	}
	return record, nil
}

// ListInteractions returns a pair's interactions on channel, newest first.
func (s *PostgresStore) ListInteractions(ctx context.Context, pairKey, channel string, limit int) ([]InteractionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+interactionColumns+`
		FROM interactions
		WHERE pair_key=$1 AND channel=$2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, pairKey, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()

	items := make([]InteractionRecord, 0)
	for rows.Next() {
		record, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interactions: %w", err)
	}
	return items, nil
}

// ListLedger returns every entry in scope in append order.
func (s *PostgresStore) ListLedger(ctx context.Context, scope string) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, actor_id, kind, detail, position, created_at
		FROM ledger_entries
		WHERE scope=$1
		ORDER BY position ASC
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	items := make([]LedgerEntry, 0)
	for rows.Next() {
		var entry LedgerEntry
		var detailRaw []byte
		if err := rows.Scan(&entry.ID, &entry.Scope, &entry.ActorID, &entry.Kind, &detailRaw, &entry.Position, &entry.At); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if len(detailRaw) > 0 {
			if err := json.Unmarshal(detailRaw, &entry.Detail); err != nil {
				return nil, fmt.Errorf("decode ledger detail %s: %w", entry.ID, err)
			}
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger: %w", err)
	}
	return items, nil
}

// GetMask returns the explicit visibility settings of owner. Categories that
// were never set are absent.
func (s *PostgresStore) GetMask(ctx context.Context, ownerID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category, visible FROM visibility_masks WHERE owner_id=$1`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("get visibility mask: %w", err)
	}
	defer rows.Close()

	mask := map[string]bool{}
	for rows.Next() {
		var category string
		var visible bool
		if err := rows.Scan(&category, &visible); err != nil {
			return nil, fmt.Errorf("scan visibility mask: %w", err)
		}
		mask[category] = visible
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate visibility mask: %w", err)
	}
	return mask, nil
}

// ListEvents returns events on a pair's channel with seq > afterSeq in
// sequence order.
func (s *PostgresStore) ListEvents(ctx context.Context, pairKey, channel string, afterSeq int64, limit int) ([]envelope.Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pair_key, channel, seq, kind, originator_id, hint, created_at
		FROM events
		WHERE pair_key=$1 AND channel=$2 AND seq>$3
		ORDER BY seq ASC
		LIMIT $4
	`, pairKey, channel, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	items := make([]envelope.Envelope, 0)
	for rows.Next() {
		var event envelope.Envelope
		var hintRaw []byte
		if err := rows.Scan(&event.ID, &event.PairKey, &event.Channel, &event.Seq, &event.Kind, &event.OriginatorID, &hintRaw, &event.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(hintRaw) > 0 {
			if err := json.Unmarshal(hintRaw, &event.Hint); err != nil {
				return nil, fmt.Errorf("decode event hint %s: %w", event.ID, err)
			}
		}
		items = append(items, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPairByMember(ctx context.Context, participantID string) (Pair, error) {
	var pair Pair
	err := s.db.QueryRowContext(ctx, `
		SELECT p.pair_key, p.participant_a, p.participant_b, p.created_at
		FROM pair_members m
		JOIN pairs p ON p.pair_key = m.pair_key
		WHERE m.participant_id=$1
	`, participantID).Scan(&pair.PairKey, &pair.ParticipantA, &pair.ParticipantB, &pair.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Pair{}, ErrNotFound
	}
	if err != nil {
		return Pair{}, fmt.Errorf("get pair: %w", err)
	}
	return pair, nil
}

// SavePairingCode replaces any outstanding code of the same user.
func (s *PostgresStore) SavePairingCode(ctx context.Context, code PairingCode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save pairing code: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pairing_codes WHERE user_id=$1`, code.UserID); err != nil {
		return fmt.Errorf("clear pairing codes: %w", err)
	}
	result, err := tx.ExecContext(ctx, `
		INSERT INTO pairing_codes (code, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO NOTHING
	`, code.Code, code.UserID, code.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert pairing code: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert pairing code: %w", err)
	}
	if affected == 0 {
		return ErrCodeTaken
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pairing code: %w", err)
	}
	return nil
}

// RedeemPairingCode pairs the code's owner with redeemerID. The pair, both
// memberships and the pairing event are written atomically; an expired code
// is removed.
func (s *PostgresStore) RedeemPairingCode(ctx context.Context, code, redeemerID string, now time.Time) (Pair, envelope.Envelope, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Pair{}, envelope.Envelope{}, fmt.Errorf("begin redeem pairing code: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var ownerID string
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx, `SELECT user_id, expires_at FROM pairing_codes WHERE code=$1 FOR UPDATE`, code).Scan(&ownerID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Pair{}, envelope.Envelope{}, ErrCodeNotFound
	}
	if err != nil {
		return Pair{}, envelope.Envelope{}, fmt.Errorf("lookup pairing code: %w", err)
	}

	if !now.Before(expiresAt) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pairing_codes WHERE code=$1`, code); err != nil {
			return Pair{}, envelope.Envelope{}, fmt.Errorf("delete expired pairing code: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return Pair{}, envelope.Envelope{}, fmt.Errorf("commit expired pairing code: %w", err)
		}
		return Pair{}, envelope.Envelope{}, ErrCodeExpired
	}

	key, err := pairkey.Canonicalize(ownerID, redeemerID)
	if err != nil {
		return Pair{}, envelope.Envelope{}, err
	}
	pair := Pair{PairKey: key}
	if pair.ParticipantA, pair.ParticipantB, err = pairkey.Split(key); err != nil {
		return Pair{}, envelope.Envelope{}, err
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO pairs (pair_key, participant_a, participant_b)
		VALUES ($1, $2, $3)
		ON CONFLICT (pair_key) DO NOTHING
		RETURNING created_at
	`, pair.PairKey, pair.ParticipantA, pair.ParticipantB).Scan(&pair.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Pair{}, envelope.Envelope{}, ErrAlreadyPaired
	}
	if err != nil {
		return Pair{}, envelope.Envelope{}, fmt.Errorf("insert pair: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO pair_members (participant_id, pair_key)
		VALUES ($1, $3), ($2, $3)
		ON CONFLICT (participant_id) DO NOTHING
	`, pair.ParticipantA, pair.ParticipantB, pair.PairKey)
	if err != nil {
		return Pair{}, envelope.Envelope{}, fmt.Errorf("insert pair members: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Pair{}, envelope.Envelope{}, fmt.Errorf("insert pair members: %w", err)
	}
	if affected != 2 {
		return Pair{}, envelope.Envelope{}, ErrAlreadyPaired
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pairing_codes WHERE user_id IN ($1, $2)`, pair.ParticipantA, pair.ParticipantB); err != nil {
		return Pair{}, envelope.Envelope{}, fmt.Errorf("delete pairing codes: %w", err)
	}

	event, err := appendEvent(ctx, tx, envelope.Draft{
		PairKey:      pair.PairKey,
		Channel:      envelope.ChannelPair,
		Kind:         "paired",
		OriginatorID: redeemerID,
	})
	if err != nil {
		return Pair{}, envelope.Envelope{}, err
	}

	if err := tx.Commit(); err != nil {
		return Pair{}, envelope.Envelope{}, fmt.Errorf("commit pairing: %w", err)
	}
	return pair, event, nil
}

func jsonOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
