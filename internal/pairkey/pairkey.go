// Package pairkey derives the canonical namespace key for a two-participant
// relationship. Every other component partitions its data by this key.
package pairkey

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"unicode"
)

// Separator joins the two sorted participant ids. Inside an id it is escaped,
// so plain ids produce keys like "alice_bob".
const Separator = "_"

var escaper = strings.NewReplacer("%", "%25", Separator, "%5F")

var (
	ErrMissingID   = errors.New("participant id is required")
	ErrSelfPairing = errors.New("participant cannot pair with themselves")
	ErrInvalidID   = errors.New("participant id has surrounding or control whitespace")
	ErrNotMember   = errors.New("participant is not a member of the pair")
)

// Validate rejects ids a pair key cannot carry unchanged. Ids are used as
// given, never trimmed, so they keep matching the authenticated subject.
func Validate(id string) error {
	if id == "" {
		return ErrMissingID
	}
	if strings.TrimSpace(id) != id {
		return ErrInvalidID
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return ErrInvalidID
		}
	}
	return nil
}

// Canonicalize sorts the two ids and joins them, so Canonicalize(a, b) ==
// Canonicalize(b, a) for every a != b.
func Canonicalize(idA, idB string) (string, error) {
	if err := Validate(idA); err != nil {
		return "", err
	}
	if err := Validate(idB); err != nil {
		return "", err
	}
	if idA == idB {
		return "", ErrSelfPairing
	}
	ids := []string{idA, idB}
	sort.Strings(ids)
	return escaper.Replace(ids[0]) + Separator + escaper.Replace(ids[1]), nil
}

// Split returns the two participant ids encoded in a pair key.
func Split(pairKey string) (string, string, error) {
	left, right, ok := strings.Cut(pairKey, Separator)
	if !ok || left == "" || right == "" || strings.Contains(right, Separator) {
		return "", "", fmt.Errorf("malformed pair key %q", pairKey)
	}
	a, err := url.PathUnescape(left)
	if err != nil {
		return "", "", fmt.Errorf("malformed pair key %q: %w", pairKey, err)
	}
	b, err := url.PathUnescape(right)
	if err != nil {
		return "", "", fmt.Errorf("malformed pair key %q: %w", pairKey, err)
	}
	return a, b, nil
}

// Partner returns the participant in pairKey that is not self.
func Partner(pairKey, self string) (string, error) {
	a, b, err := Split(pairKey)
	if err != nil {
		return "", err
	}
	switch self {
	case a:
		return b, nil
	case b:
		return a, nil
	default:
		return "", ErrNotMember
	}
}
