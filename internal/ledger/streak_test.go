package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"candle/api/internal/store"
)

func revealedOn(days ...string) []store.LedgerEntry {
	entries := make([]store.LedgerEntry, 0, len(days))
	for _, day := range days {
		entries = append(entries, store.LedgerEntry{Kind: KindQuestionRevealed, Detail: map[string]any{"date": day}})
	}
	return entries
}

func TestComputeStreak(t *testing.T) {
	today := time.Date(2026, 10, 17, 18, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		entries []store.LedgerEntry
		want    Streak
	}{
		{
			name:    "no history",
			entries: nil,
			want:    Streak{MilestonesReached: []int{}, NextMilestone: 7},
		},
		{
			name:    "ends today",
			entries: revealedOn("2026-10-15", "2026-10-16", "2026-10-17"),
			want:    Streak{Current: 3, Longest: 3, LastCompletedDate: "2026-10-17", MilestonesReached: []int{}, NextMilestone: 7},
		},
		{
			name:    "ends yesterday is still alive",
			entries: revealedOn("2026-10-15", "2026-10-16"),
			want:    Streak{Current: 2, Longest: 2, LastCompletedDate: "2026-10-16", MilestonesReached: []int{}, NextMilestone: 7},
		},
		{
			name:    "missed a day",
			entries: revealedOn("2026-10-10", "2026-10-11", "2026-10-12", "2026-10-15"),
			want:    Streak{Current: 0, Longest: 3, LastCompletedDate: "2026-10-15", MilestonesReached: []int{}, NextMilestone: 7},
		},
		{
			name: "duplicates and unordered entries",
			entries: append(revealedOn("2026-10-17", "2026-10-16"),
				revealedOn("2026-10-16", "2026-10-17")...),
			want: Streak{Current: 2, Longest: 2, LastCompletedDate: "2026-10-17", MilestonesReached: []int{}, NextMilestone: 7},
		},
		{
			name:    "milestone reached",
			entries: revealedOn("2026-10-09", "2026-10-10", "2026-10-11", "2026-10-12", "2026-10-13", "2026-10-14", "2026-10-15", "2026-10-16"),
			want:    Streak{Current: 8, Longest: 8, LastCompletedDate: "2026-10-16", MilestonesReached: []int{7}, NextMilestone: 14},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ComputeStreak(tc.entries, today))
		})
	}
}

func TestComputeStreakIgnoresOtherKinds(t *testing.T) {
	today := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	entries := []store.LedgerEntry{
		{Kind: "kiss", At: today},
		{Kind: KindQuestionRevealed, At: today},
	}
	got := ComputeStreak(entries, today)
	assert.Equal(t, 1, got.Current)
	assert.Equal(t, "2026-10-17", got.LastCompletedDate)
}
