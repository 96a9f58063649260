package interaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnScenario(t *testing.T) {
	turn, err := NewTurn("alice", "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, TurnAwaitingSetter, turn.Phase())

	before := turn
	_, err = turn.Guess("bob", "Paris", t0)
	assert.ErrorIs(t, err, ErrPartnerNotReady)
	assert.Equal(t, before, turn, "a premature guess must not mutate the turn")

	require.NoError(t, turn.Set("alice", "Paris", t0))
	assert.Equal(t, TurnAwaitingGuesser, turn.Phase())

	correct, err := turn.Guess("bob", "paris", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, correct)
	assert.Equal(t, TurnResolved, turn.Phase())
	require.NotNil(t, turn.IsCorrect)
	assert.True(t, *turn.IsCorrect)
}

func TestTurnSetterIdentity(t *testing.T) {
	turn, err := NewTurn("alice", "bob", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, turn.Set("bob", "Rome", t0), ErrNotYourTurn)
	assert.ErrorIs(t, turn.Set("mallory", "Rome", t0), ErrNotParticipant)
	assert.Equal(t, TurnAwaitingSetter, turn.Phase())

	require.NoError(t, turn.Set("alice", "Rome", t0))
	assert.ErrorIs(t, turn.Set("alice", "Oslo", t0), ErrAlreadyResponded)
	assert.ErrorIs(t, turn.Set("bob", "Oslo", t0), ErrNotYourTurn)
	assert.Equal(t, "Rome", *turn.GroundTruth)
}

func TestTurnGuessRules(t *testing.T) {
	turn, err := NewTurn("alice", "bob", nil)
	require.NoError(t, err)
	require.NoError(t, turn.Set("alice", "Rome", t0))

	_, err = turn.Guess("alice", "Rome", t0)
	assert.ErrorIs(t, err, ErrNotYourTurn)
	_, err = turn.Guess("bob", "  ", t0)
	assert.ErrorIs(t, err, ErrInvalidValue)

	correct, err := turn.Guess("bob", "Milan", t0)
	require.NoError(t, err)
	assert.False(t, correct)

	_, err = turn.Guess("bob", "Rome", t0)
	assert.ErrorIs(t, err, ErrAlreadyResponded)
	assert.Equal(t, "Milan", *turn.Guessed)
}

func TestTurnOptionsConstrainGroundTruth(t *testing.T) {
	turn, err := NewTurn("alice", "bob", []string{"Tea", "Coffee"})
	require.NoError(t, err)
	assert.ErrorIs(t, turn.Set("alice", "Juice", t0), ErrInvalidValue)
	require.NoError(t, turn.Set("alice", "Coffee", t0))

	correct, err := turn.Guess("bob", "coffee", t0)
	require.NoError(t, err)
	assert.True(t, correct)
}

func TestTurnViewHidesGroundTruthFromGuesser(t *testing.T) {
	turn, err := NewTurn("alice", "bob", nil)
	require.NoError(t, err)
	require.NoError(t, turn.Set("alice", "Paris", t0))

	setter := turn.ViewFor("alice")
	assert.Equal(t, RoleSetter, setter.Role)
	require.NotNil(t, setter.GroundTruth)

	guesser := turn.ViewFor("bob")
	assert.Equal(t, RoleGuesser, guesser.Role)
	assert.Nil(t, guesser.GroundTruth)

	_, err = turn.Guess("bob", "PARIS", t0)
	require.NoError(t, err)
	guesser = turn.ViewFor("bob")
	require.NotNil(t, guesser.GroundTruth)
	assert.Equal(t, "Paris", *guesser.GroundTruth)

	assert.Equal(t, TurnView{Phase: TurnResolved}, turn.ViewFor("mallory"))
}

func TestNewTurnRejectsBadRoles(t *testing.T) {
	_, err := NewTurn("alice", "alice", nil)
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = NewTurn("", "bob", nil)
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestMatchesFoldsCase(t *testing.T) {
	assert.True(t, Matches("École", "ÉCOLE"))
	assert.True(t, Matches(" Paris ", "paris"))
	assert.False(t, Matches("Paris", "Pari"))
}
