package ledger

import (
	"sort"
	"time"

	"candle/api/internal/store"
)

// KindQuestionRevealed is appended once per daily question when both
// partners have answered. Its detail carries the question date.
const KindQuestionRevealed = "question_revealed"

// KindQuestionAnswered is appended for every submitted answer, with the
// answering participant as actor.
const KindQuestionAnswered = "question_answered"

var Milestones = []int{7, 14, 30, 60, 100, 365}

type Streak struct {
	Current           int    `json:"currentStreak"`
	Longest           int    `json:"longestStreak"`
	LastCompletedDate string `json:"lastCompletedDate,omitempty"`
	MilestonesReached []int  `json:"milestonesReached"`
	NextMilestone     int    `json:"nextMilestone,omitempty"`
}

// ComputeStreak derives a streak from dated entries, one completed day per
// distinct date. Callers select the entries. The current streak is the run of
// consecutive days ending at the last completed day, and drops to zero once a
// full day is missed relative to today.
func ComputeStreak(entries []store.LedgerEntry, today time.Time) Streak {
	days := map[string]struct{}{}
	for _, entry := range entries {
		day, _ := entry.Detail["date"].(string)
		if day == "" {
			day = entry.At.UTC().Format(time.DateOnly)
		}
		if _, err := time.Parse(time.DateOnly, day); err != nil {
			continue
		}
		days[day] = struct{}{}
	}

	streak := Streak{MilestonesReached: []int{}}
	if len(days) == 0 {
		streak.NextMilestone = Milestones[0]
		return streak
	}

	sorted := make([]string, 0, len(days))
	for day := range days {
		sorted = append(sorted, day)
	}
	sort.Strings(sorted)

	run := 0
	var prev time.Time
	for i, day := range sorted {
		parsed, _ := time.Parse(time.DateOnly, day)
		if i > 0 && parsed.Sub(prev) == 24*time.Hour {
			run++
		} else {
			run = 1
		}
		if run > streak.Longest {
			streak.Longest = run
		}
		prev = parsed
	}

	streak.LastCompletedDate = sorted[len(sorted)-1]
	todayDate, _ := time.Parse(time.DateOnly, today.UTC().Format(time.DateOnly))
	if todayDate.Sub(prev) <= 24*time.Hour {
		streak.Current = run
	}

	for _, milestone := range Milestones {
		if streak.Longest >= milestone {
			streak.MilestonesReached = append(streak.MilestonesReached, milestone)
		}
		if streak.NextMilestone == 0 && milestone > streak.Current {
			streak.NextMilestone = milestone
		}
	}
	return streak
}
