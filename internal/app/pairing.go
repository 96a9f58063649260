package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"candle/api/internal/pairkey"
	"candle/api/internal/store"
)

const (
	pairingCodeLength   = 6
	pairingCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	pairingCodeAttempts = 5
)

func (s *Service) newPairingCode() string {
	var b strings.Builder
	for range pairingCodeLength {
		b.WriteByte(pairingCodeAlphabet[s.intn(len(pairingCodeAlphabet))])
	}
	return b.String()
}

// CreatePairingCode replaces any outstanding code of the caller with a fresh
// one.
func (s *Service) CreatePairingCode(ctx context.Context, session Session) (map[string]any, error) {
	if _, err := s.store.GetPairByMember(ctx, session.ParticipantID); err == nil {
		return nil, domainError(http.StatusConflict, "ALREADY_PAIRED", "You are already paired", nil)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load pair: %w", err)
	}

	ttl := s.cfg.PairingCodeTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := s.now()
	for range pairingCodeAttempts {
		code := store.PairingCode{
			Code:      s.newPairingCode(),
			UserID:    session.ParticipantID,
			ExpiresAt: now.Add(ttl),
		}
		err := s.store.SavePairingCode(ctx, code)
		if errors.Is(err, store.ErrCodeTaken) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save pairing code: %w", err)
		}
		return map[string]any{
			"code":      code.Code,
			"expiresAt": code.ExpiresAt,
		}, nil
	}
	return nil, fmt.Errorf("save pairing code: %w", store.ErrCodeTaken)
}

// ConnectPairing redeems a partner's code and creates the pair.
func (s *Service) ConnectPairing(ctx context.Context, session Session, code string) (map[string]any, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "code is required", nil)
	}
	pair, event, err := s.store.RedeemPairingCode(ctx, code, session.ParticipantID, s.now())
	switch {
	case errors.Is(err, store.ErrCodeNotFound):
		return nil, domainError(http.StatusNotFound, "CODE_NOT_FOUND", "Invalid pairing code", nil)
	case errors.Is(err, store.ErrCodeExpired):
		return nil, domainError(http.StatusGone, "CODE_EXPIRED", "Pairing code has expired", nil)
	case errors.Is(err, store.ErrAlreadyPaired):
		return nil, domainError(http.StatusConflict, "ALREADY_PAIRED", "One of you is already paired", nil)
	case errors.Is(err, pairkey.ErrSelfPairing):
		return nil, domainError(http.StatusUnprocessableEntity, "SELF_PAIRING", "You cannot pair with yourself", nil)
	case errors.Is(err, pairkey.ErrInvalidID), errors.Is(err, pairkey.ErrMissingID):
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	case err != nil:
		return nil, fmt.Errorf("redeem pairing code: %w", err)
	}
	s.publish(event)
	return pairPayload(pair, session.ParticipantID), nil
}

func (s *Service) GetPair(ctx context.Context, session Session) (map[string]any, error) {
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	return pairPayload(pair, session.ParticipantID), nil
}

func pairPayload(pair store.Pair, self string) map[string]any {
	return map[string]any{
		"pairKey":   pair.PairKey,
		"partnerId": pair.Partner(self),
		"createdAt": pair.CreatedAt,
	}
}
