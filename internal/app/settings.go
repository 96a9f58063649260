package app

import (
	"context"
	"fmt"
	"net/http"

	"candle/api/internal/envelope"
	"candle/api/internal/privacy"
	"candle/api/internal/store"
)

func (s *Service) PrivacySettings(ctx context.Context, session Session) (map[string]any, error) {
	mask, err := s.store.GetMask(ctx, session.ParticipantID)
	if err != nil {
		return nil, fmt.Errorf("load privacy settings: %w", err)
	}
	return map[string]any{"settings": privacy.Mask(mask).Settings()}, nil
}

// UpdatePrivacy changes one category. The change and its privacy event are
// committed together so the partner's cached view gets invalidated.
func (s *Service) UpdatePrivacy(ctx context.Context, session Session, category string, visible bool) (map[string]any, error) {
	if !privacy.KnownCategory(category) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown privacy category", map[string]any{"categories": privacy.Categories()})
	}
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	result, err := s.store.Commit(ctx, store.Commit{
		Mask: &store.MaskChange{OwnerID: session.ParticipantID, Category: category, Visible: visible},
		Event: envelope.Draft{
			PairKey:      pair.PairKey,
			Channel:      envelope.ChannelPrivacy,
			Kind:         "updated",
			OriginatorID: session.ParticipantID,
			Hint:         map[string]any{"category": category},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("update privacy: %w", err)
	}
	s.publish(result.Event)
	return s.PrivacySettings(ctx, session)
}
