package app

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"unicode/utf8"

	"candle/api/internal/envelope"
	"candle/api/internal/ledger"
	"candle/api/internal/store"
)

const (
	KindNoteSent = "note_sent"
	KindNoteRead = "note_read"

	maxNoteLength = 500
	maxNoteEmoji  = 16
	noteListLimit = 50
)

type NoteInput struct {
	Message string `json:"message"`
	Emoji   string `json:"emoji"`
}

// SendNote leaves a note for the caller's partner.
func (s *Service) SendNote(ctx context.Context, session Session, input NoteInput) (map[string]any, error) {
	message := strings.TrimSpace(input.Message)
	if message == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "message is required", nil)
	}
	if utf8.RuneCountInString(message) > maxNoteLength {
		return nil, domainError(http.StatusUnprocessableEntity, "NOTE_TOO_LONG", fmt.Sprintf("Note must be %d characters or less", maxNoteLength), nil)
	}
	emoji := strings.TrimSpace(input.Emoji)
	if utf8.RuneCountInString(emoji) > maxNoteEmoji {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "emoji is too long", nil)
	}
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	detail := map[string]any{
		"to":       pair.Partner(session.ParticipantID),
		"message":  message,
		"fromName": session.Name,
	}
	if emoji != "" {
		detail["emoji"] = emoji
	}
	entry, event, err := s.ledger.Append(ctx, pair.PairKey, session.ParticipantID, KindNoteSent, detail, envelope.ChannelNote)
	if err != nil {
		return nil, err
	}
	s.publish(event)
	return notePayload(entry, false), nil
}

// noteBook is the pair's notes and the ids their recipients have read.
type noteBook struct {
	notes []store.LedgerEntry
	read  map[string]bool
}

func (s *Service) loadNotes(ctx context.Context, pairKey string) (noteBook, error) {
	entries, err := s.ledger.Entries(ctx, pairKey, ledger.ByKind(KindNoteSent, KindNoteRead))
	if err != nil {
		return noteBook{}, err
	}
	book := noteBook{read: map[string]bool{}}
	for _, entry := range entries {
		switch entry.Kind {
		case KindNoteSent:
			book.notes = append(book.notes, entry)
		case KindNoteRead:
			if id, ok := entry.Detail["noteId"].(string); ok {
				book.read[id] = true
			}
		}
	}
	return book, nil
}

// list returns up to noteListLimit notes matching keep, newest first.
func (b noteBook) list(keep func(store.LedgerEntry) bool) []map[string]any {
	notes := make([]map[string]any, 0)
	for _, entry := range slices.Backward(b.notes) {
		if len(notes) == noteListLimit {
			break
		}
		if keep(entry) {
			notes = append(notes, notePayload(entry, b.read[entry.ID]))
		}
	}
	return notes
}

// ListNotes returns the notes the caller has received.
func (s *Service) ListNotes(ctx context.Context, session Session) ([]map[string]any, error) {
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	book, err := s.loadNotes(ctx, pair.PairKey)
	if err != nil {
		return nil, err
	}
	return book.list(addressedTo(session.ParticipantID)), nil
}

// SentNotes returns the notes the caller has sent, with their read state.
func (s *Service) SentNotes(ctx context.Context, session Session) ([]map[string]any, error) {
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	book, err := s.loadNotes(ctx, pair.PairKey)
	if err != nil {
		return nil, err
	}
	return book.list(func(entry store.LedgerEntry) bool { return entry.ActorID == session.ParticipantID }), nil
}

// MarkNoteRead marks a received note read. Marking twice is a no-op; notes
// addressed to someone else are not found.
func (s *Service) MarkNoteRead(ctx context.Context, session Session, noteID string) (map[string]any, error) {
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	book, err := s.loadNotes(ctx, pair.PairKey)
	if err != nil {
		return nil, err
	}
	idx := slices.IndexFunc(book.notes, func(entry store.LedgerEntry) bool { return entry.ID == noteID })
	if idx < 0 || !addressedTo(session.ParticipantID)(book.notes[idx]) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Note not found", nil)
	}
	if !book.read[noteID] {
		_, event, err := s.ledger.Append(ctx, pair.PairKey, session.ParticipantID, KindNoteRead,
			map[string]any{"noteId": noteID}, envelope.ChannelNote)
		if err != nil {
			return nil, err
		}
		s.publish(event)
	}
	return map[string]any{"success": true}, nil
}

func (s *Service) UnreadNoteCount(ctx context.Context, session Session) (map[string]any, error) {
	pair, err := s.pairOf(ctx, session.ParticipantID)
	if err != nil {
		return nil, err
	}
	book, err := s.loadNotes(ctx, pair.PairKey)
	if err != nil {
		return nil, err
	}
	count := 0
	for _, entry := range book.notes {
		if addressedTo(session.ParticipantID)(entry) && !book.read[entry.ID] {
			count++
		}
	}
	return map[string]any{"count": count}, nil
}

func addressedTo(participant string) func(store.LedgerEntry) bool {
	return func(entry store.LedgerEntry) bool {
		to, _ := entry.Detail["to"].(string)
		return to == participant
	}
}

func notePayload(entry store.LedgerEntry, read bool) map[string]any {
	payload := map[string]any{
		"id":         entry.ID,
		"fromUserId": entry.ActorID,
		"fromName":   entry.Detail["fromName"],
		"message":    entry.Detail["message"],
		"emoji":      nil,
		"isRead":     read,
		"createdAt":  entry.At,
	}
	if emoji, ok := entry.Detail["emoji"]; ok {
		payload["emoji"] = emoji
	}
	return payload
}
