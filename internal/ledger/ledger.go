// Package ledger records countable actions as append-only entries. There is
// no stored counter anywhere: every total, score and streak is computed from
// the entries of a scope.
package ledger

import (
	"context"
	"fmt"
	"time"

	"candle/api/internal/envelope"
	"candle/api/internal/store"
)

type Store interface {
	Commit(context.Context, store.Commit) (store.CommitResult, error)
	ListLedger(context.Context, string) ([]store.LedgerEntry, error)
}

type Ledger struct {
	store Store
	now   func() time.Time
}

func New(s Store) *Ledger {
	return &Ledger{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the clock used to stamp appended entries.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Append records one entry in scope, which is a pair key, and appends the
// matching event on channel in the same commit. Appends never conflict.
func (l *Ledger) Append(ctx context.Context, scope, actorID, kind string, detail map[string]any, channel string) (store.LedgerEntry, envelope.Envelope, error) {
	result, err := l.store.Commit(ctx, store.Commit{
		Ledger: []store.LedgerEntry{{
			Scope:   scope,
			ActorID: actorID,
			Kind:    kind,
			Detail:  detail,
			At:      l.now(),
		}},
		Event: envelope.Draft{
			PairKey:      scope,
			Channel:      channel,
			Kind:         kind,
			OriginatorID: actorID,
		},
	})
	if err != nil {
		return store.LedgerEntry{}, envelope.Envelope{}, fmt.Errorf("append ledger entry: %w", err)
	}
	return result.Ledger[0], result.Event, nil
}

// Entries returns the entries of scope matching pred, in append order.
func (l *Ledger) Entries(ctx context.Context, scope string, pred Predicate) ([]store.LedgerEntry, error) {
	all, err := l.store.ListLedger(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	if pred == nil {
		return all, nil
	}
	out := make([]store.LedgerEntry, 0, len(all))
	for _, entry := range all {
		if pred(entry) {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Count is the only way to read a total.
func (l *Ledger) Count(ctx context.Context, scope string, pred Predicate) (int, error) {
	entries, err := l.Entries(ctx, scope, pred)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Predicate selects ledger entries.
type Predicate func(store.LedgerEntry) bool

func All() Predicate {
	return func(store.LedgerEntry) bool { return true }
}

func ByActor(actorID string) Predicate {
	return func(e store.LedgerEntry) bool { return e.ActorID == actorID }
}

func ByKind(kinds ...string) Predicate {
	return func(e store.LedgerEntry) bool {
		for _, kind := range kinds {
			if e.Kind == kind {
				return true
			}
		}
		return false
	}
}

// On matches entries whose timestamp falls on day (UTC).
func On(day time.Time) Predicate {
	want := day.UTC().Format(time.DateOnly)
	return func(e store.LedgerEntry) bool { return e.At.UTC().Format(time.DateOnly) == want }
}

func And(preds ...Predicate) Predicate {
	return func(e store.LedgerEntry) bool {
		for _, pred := range preds {
			if !pred(e) {
				return false
			}
		}
		return true
	}
}

// Sum adds up the numeric detail field of entries. Non-numeric or missing
// values count as zero.
func Sum(entries []store.LedgerEntry, field string) int {
	total := 0
	for _, entry := range entries {
		switch v := entry.Detail[field].(type) {
		case int:
			total += v
		case int64:
			total += int(v)
		case float64:
			total += int(v)
		}
	}
	return total
}

// Latest returns the last entry, if any.
func Latest(entries []store.LedgerEntry) (store.LedgerEntry, bool) {
	if len(entries) == 0 {
		return store.LedgerEntry{}, false
	}
	return entries[len(entries)-1], true
}
