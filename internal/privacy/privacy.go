// Package privacy decides what one partner may see of the other's data.
package privacy

import (
	"context"

	"go.uber.org/zap"
)

// Shareable categories.
const (
	CategoryMood        = "mood"
	CategoryKisses      = "kisses"
	CategoryDice        = "dice"
	CategoryTriviaScore = "trivia_score"
	CategoryAnswerTimes = "answer_times"
	CategoryStreak      = "streak"
)

func Categories() []string {
	return []string{CategoryMood, CategoryKisses, CategoryDice, CategoryTriviaScore, CategoryAnswerTimes, CategoryStreak}
}

func KnownCategory(category string) bool {
	for _, known := range Categories() {
		if known == category {
			return true
		}
	}
	return false
}

// Mask is one owner's explicit settings. A category that was never set is
// visible.
type Mask map[string]bool

func (m Mask) Visible(category string) bool {
	visible, ok := m[category]
	return !ok || visible
}

// Settings returns the effective visibility of every category.
func (m Mask) Settings() map[string]bool {
	out := make(map[string]bool, len(Categories()))
	for _, category := range Categories() {
		out[category] = m.Visible(category)
	}
	return out
}

type MaskSource interface {
	GetMask(context.Context, string) (map[string]bool, error)
}

type Filter struct {
	source MaskSource
	logger *zap.Logger
}

func NewFilter(source MaskSource, logger *zap.Logger) *Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{source: source, logger: logger.Named("privacy")}
}

// Visible reports whether viewer may see owner's data in category. Owners
// always see their own data. A failed mask lookup hides the data.
func (f *Filter) Visible(ctx context.Context, ownerID, viewerID, category string) bool {
	if ownerID == viewerID {
		return true
	}
	mask, err := f.source.GetMask(ctx, ownerID)
	if err != nil {
		f.logger.Warn("mask lookup failed; hiding data",
			zap.String("owner_id", ownerID),
			zap.String("category", category),
			zap.Error(err),
		)
		return false
	}
	return Mask(mask).Visible(category)
}

// Project returns data when viewer may see it and the zero value otherwise.
// Hidden data is never an error.
func Project[T any](ctx context.Context, f *Filter, ownerID, viewerID, category string, data T) (T, bool) {
	if !f.Visible(ctx, ownerID, viewerID, category) {
		var zero T
		return zero, false
	}
	return data, true
}
