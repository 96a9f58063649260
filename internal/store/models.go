package store

import (
	"encoding/json"
	"time"

	"candle/api/internal/envelope"
)

// Protocols an interaction record can hold.
const (
	ProtocolReveal = "reveal"
	ProtocolTurn   = "turn"
)

type Pair struct {
	PairKey      string
	ParticipantA string
	ParticipantB string
	CreatedAt    time.Time
}

// Partner returns the member of p that is not self, or "" if self is not a
// member.
func (p Pair) Partner(self string) string {
	switch self {
	case p.ParticipantA:
		return p.ParticipantB
	case p.ParticipantB:
		return p.ParticipantA
	default:
		return ""
	}
}

func (p Pair) Has(id string) bool {
	return id != "" && (id == p.ParticipantA || id == p.ParticipantB)
}

type PairingCode struct {
	Code      string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// InteractionRecord persists one reveal or turn occurrence. State holds the
// machine encoded as JSON; Version is the compare-and-set token.
type InteractionRecord struct {
	ID        string
	PairKey   string
	Channel   string
	Protocol  string
	Phase     string
	State     json.RawMessage
	Meta      json.RawMessage
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerEntry is append-only. Aggregates are always derived from entries.
type LedgerEntry struct {
	ID       string
	Scope    string
	ActorID  string
	Kind     string
	Detail   map[string]any
	Position int64
	At       time.Time
}

type MaskChange struct {
	OwnerID  string
	Category string
	Visible  bool
}

// Commit is one atomic write against the log: an optional conditional
// interaction write, any ledger entries, an optional mask change, and the
// event recording the action.
type Commit struct {
	Interaction *InteractionRecord
	// ExpectedVersion is the version the interaction had when it was read;
	// zero means the interaction must not exist yet.
	ExpectedVersion int64
	Ledger          []LedgerEntry
	Mask            *MaskChange
	Event           envelope.Draft
}

type CommitResult struct {
	Interaction *InteractionRecord
	Ledger      []LedgerEntry
	Event       envelope.Envelope
}
