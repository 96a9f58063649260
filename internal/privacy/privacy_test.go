package privacy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"candle/api/internal/envelope"
	"candle/api/internal/store"
)

type staticMasks struct {
	masks map[string]map[string]bool
	err   error
}

func (s staticMasks) GetMask(_ context.Context, owner string) (map[string]bool, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.masks[owner], nil
}

type mood struct {
	Mood string
	Note string
}

func TestProjectHonoursMask(t *testing.T) {
	ctx := context.Background()
	f := NewFilter(staticMasks{masks: map[string]map[string]bool{
		"alice": {CategoryMood: false, CategoryKisses: true},
	}}, nil)

	got, ok := Project(ctx, f, "alice", "bob", CategoryMood, mood{Mood: "happy", Note: "sun"})
	assert.False(t, ok)
	assert.Equal(t, mood{}, got)

	got, ok = Project(ctx, f, "alice", "alice", CategoryMood, mood{Mood: "happy"})
	assert.True(t, ok, "owners always see their own data")
	assert.Equal(t, "happy", got.Mood)

	count, ok := Project(ctx, f, "alice", "bob", CategoryKisses, 12)
	assert.True(t, ok)
	assert.Equal(t, 12, count)

	count, ok = Project(ctx, f, "alice", "bob", CategoryDice, 3)
	assert.True(t, ok, "unset categories are visible")
	assert.Equal(t, 3, count)
}

func TestLookupFailureHidesAndLogs(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := NewFilter(staticMasks{err: errors.New("db down")}, zap.New(core))

	_, ok := Project(context.Background(), f, "alice", "bob", CategoryStreak, 5)
	assert.False(t, ok)
	assert.Equal(t, 1, logs.FilterMessage("mask lookup failed; hiding data").Len())
}

// Toggling a mask changes the next projection and never rewrites stored data.
func TestMaskToggleIsNotRetroactive(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	f := NewFilter(s, nil)

	_, err := s.Commit(ctx, store.Commit{
		Ledger: []store.LedgerEntry{{Scope: "alice_bob", ActorID: "alice", Kind: "mood", Detail: map[string]any{"mood": "sad"}}},
		Event:  envelope.Draft{PairKey: "alice_bob", Channel: envelope.ChannelMood, Kind: "mood"},
	})
	assert.NoError(t, err)

	setVisible := func(visible bool) {
		_, err := s.Commit(ctx, store.Commit{
			Mask:  &store.MaskChange{OwnerID: "alice", Category: CategoryMood, Visible: visible},
			Event: envelope.Draft{PairKey: "alice_bob", Channel: envelope.ChannelPrivacy, Kind: "mask_changed"},
		})
		assert.NoError(t, err)
	}

	setVisible(false)
	assert.False(t, f.Visible(ctx, "alice", "bob", CategoryMood))
	setVisible(true)
	assert.True(t, f.Visible(ctx, "alice", "bob", CategoryMood))

	entries, err := s.ListLedger(ctx, "alice_bob")
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "sad", entries[0].Detail["mood"])
}

func TestMaskSettings(t *testing.T) {
	settings := Mask{CategoryMood: false}.Settings()
	assert.Len(t, settings, len(Categories()))
	assert.False(t, settings[CategoryMood])
	assert.True(t, settings[CategoryStreak])
	assert.True(t, KnownCategory(CategoryAnswerTimes))
	assert.False(t, KnownCategory("location"))
}
