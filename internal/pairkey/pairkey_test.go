package pairkey

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeIsOrderIndependent(t *testing.T) {
	ids := []string{"alice", "bob", "user-1", "user-2", "8f3e", "Z", "a"}
	for _, a := range ids {
		for _, b := range ids {
			if a == b {
				continue
			}
			ab, err := Canonicalize(a, b)
			require.NoError(t, err)
			ba, err := Canonicalize(b, a)
			require.NoError(t, err)
			assert.Equal(t, ab, ba, fmt.Sprintf("%s/%s", a, b))
		}
	}
}

func TestCanonicalizeSortsAndJoins(t *testing.T) {
	key, err := Canonicalize("zoe", "adam")
	require.NoError(t, err)
	assert.Equal(t, "adam_zoe", key)
}

func TestCanonicalizeRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want error
	}{
		{name: "self pairing", a: "alice", b: "alice", want: ErrSelfPairing},
		{name: "missing first", a: "", b: "bob", want: ErrMissingID},
		{name: "blank second", a: "alice", b: "  ", want: ErrInvalidID},
		{name: "leading space", a: " alice", b: "bob", want: ErrInvalidID},
		{name: "trailing space", a: "alice", b: "bob ", want: ErrInvalidID},
		{name: "control character", a: "ali\nce", b: "bob", want: ErrInvalidID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Canonicalize(tt.a, tt.b)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPartner(t *testing.T) {
	key, err := Canonicalize("alice", "bob")
	require.NoError(t, err)

	partner, err := Partner(key, "alice")
	require.NoError(t, err)
	assert.Equal(t, "bob", partner)

	partner, err = Partner(key, "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", partner)

	_, err = Partner(key, "carol")
	assert.ErrorIs(t, err, ErrNotMember)

	_, err = Partner("nounderscore", "alice")
	assert.Error(t, err)
}

func TestIdsWithSeparatorRoundTrip(t *testing.T) {
	pairs := [][2]string{
		{"al_ice", "bob"},
		{"a_", "b"},
		{"a", "_b"},
		{"100%_real", "x%5Fy"},
		{"user_1", "user_2"},
	}
	seen := map[string][2]string{}
	for _, p := range pairs {
		key, err := Canonicalize(p[0], p[1])
		require.NoError(t, err, p)
		if prev, dup := seen[key]; dup {
			t.Fatalf("%v and %v share key %q", prev, p, key)
		}
		seen[key] = p

		a, b, err := Split(key)
		require.NoError(t, err, key)
		assert.ElementsMatch(t, []string{p[0], p[1]}, []string{a, b}, key)

		partner, err := Partner(key, p[0])
		require.NoError(t, err)
		assert.Equal(t, p[1], partner)
	}
}

func TestSplitRejectsMalformedKeys(t *testing.T) {
	for _, key := range []string{"", "alice", "_bob", "alice_", "a_b_c", "a%zz_b"} {
		_, _, err := Split(key)
		assert.Error(t, err, key)
	}
}
