package interaction

import (
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

type TurnPhase string

const (
	TurnAwaitingSetter  TurnPhase = "awaiting_setter"
	TurnAwaitingGuesser TurnPhase = "awaiting_guesser"
	TurnResolved        TurnPhase = "resolved"
)

// Turn is the asymmetric protocol: the setter commits a ground truth, then
// the guesser reacts to it. Who the setter is gets decided when the
// interaction is created; Turn only enforces identity.
type Turn struct {
	SetterID    string     `json:"setterId"`
	GuesserID   string     `json:"guesserId"`
	Options     []string   `json:"options,omitempty"`
	GroundTruth *string    `json:"groundTruth,omitempty"`
	SetAt       *time.Time `json:"setAt,omitempty"`
	Guessed     *string    `json:"guess,omitempty"`
	GuessedAt   *time.Time `json:"guessedAt,omitempty"`
	IsCorrect   *bool      `json:"isCorrect,omitempty"`
}

// TurnView is a single participant's projection of a Turn. GroundTruth stays
// hidden from the guesser until the turn resolves.
type TurnView struct {
	Phase       TurnPhase `json:"phase"`
	Role        string    `json:"role"`
	Options     []string  `json:"options,omitempty"`
	GroundTruth *string   `json:"groundTruth"`
	Guess       *string   `json:"guess"`
	IsCorrect   *bool     `json:"isCorrect"`
}

const (
	RoleSetter  = "setter"
	RoleGuesser = "guesser"
)

func NewTurn(setterID, guesserID string, options []string) (Turn, error) {
	if setterID == "" || guesserID == "" || setterID == guesserID {
		return Turn{}, ErrNotParticipant
	}
	return Turn{
		SetterID:  setterID,
		GuesserID: guesserID,
		Options:   slices.Clone(options),
	}, nil
}

func (t Turn) Phase() TurnPhase {
	switch {
	case t.GroundTruth == nil:
		return TurnAwaitingSetter
	case t.Guessed == nil:
		return TurnAwaitingGuesser
	default:
		return TurnResolved
	}
}

// Set commits the ground truth. Only the setter may call it, exactly once.
func (t *Turn) Set(participant, value string, at time.Time) error {
	if participant != t.SetterID {
		if participant == t.GuesserID {
			return ErrNotYourTurn
		}
		return ErrNotParticipant
	}
	if t.Phase() != TurnAwaitingSetter {
		return ErrAlreadyResponded
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ErrInvalidValue
	}
	if len(t.Options) > 0 && !slices.Contains(t.Options, value) {
		return ErrInvalidValue
	}
	set := at
	t.GroundTruth = &value
	t.SetAt = &set
	return nil
}

// Guess evaluates the guesser's answer against the ground truth and resolves
// the turn. A guess made before the setter has committed fails with
// ErrPartnerNotReady and leaves t untouched.
func (t *Turn) Guess(participant, value string, at time.Time) (bool, error) {
	if participant != t.GuesserID {
		if participant == t.SetterID {
			return false, ErrNotYourTurn
		}
		return false, ErrNotParticipant
	}
	switch t.Phase() {
	case TurnAwaitingSetter:
		return false, ErrPartnerNotReady
	case TurnResolved:
		return false, ErrAlreadyResponded
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return false, ErrInvalidValue
	}
	correct := Matches(*t.GroundTruth, value)
	guessed := at
	t.Guessed = &value
	t.GuessedAt = &guessed
	t.IsCorrect = &correct
	return correct, nil
}

// Matches is an exact comparison after trimming and Unicode case folding.
func Matches(groundTruth, guess string) bool {
	return normalize(groundTruth) == normalize(guess)
}

func normalize(value string) string {
	return cases.Fold().String(strings.TrimSpace(value))
}

func (t Turn) ViewFor(caller string) TurnView {
	view := TurnView{Phase: t.Phase(), Options: t.Options}
	switch caller {
	case t.SetterID:
		view.Role = RoleSetter
		view.GroundTruth = t.GroundTruth
	case t.GuesserID:
		view.Role = RoleGuesser
		if view.Phase == TurnResolved {
			view.GroundTruth = t.GroundTruth
		}
	default:
		return TurnView{Phase: view.Phase}
	}
	view.Guess = t.Guessed
	view.IsCorrect = t.IsCorrect
	return view
}
