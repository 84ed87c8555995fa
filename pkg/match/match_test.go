package match

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	require.Equal(t, "382W", Normalize(" 382-w "))
	require.Equal(t, "BUS50", Normalize("bus #50!"))
	require.Equal(t, "", Normalize("---"))
	require.Equal(t, "L23X", Normalize("l23X"))
}

func TestEditDistance(t *testing.T) {
	require.Equal(t, 0, EditDistance("", ""))
	require.Equal(t, 0, EditDistance("382W", "382W"))
	require.Equal(t, 3, EditDistance("", "abc"))
	require.Equal(t, 1, EditDistance("123", "128"))
	require.Equal(t, 1, EditDistance("123", "1234"))
	require.Equal(t, 2, EditDistance("L23X", "123"))
}

func TestEditDistanceProperties(t *testing.T) {
	pairs := [][2]string{
		{"382W", "832W"}, {"50", "500"}, {"", "X1"}, {"ABC", "CBA"}, {"kitten", "sitting"},
	}
	for _, p := range pairs {
		require.Equal(t, EditDistance(p[0], p[1]), EditDistance(p[1], p[0]))
		require.Equal(t, 0, EditDistance(p[0], p[0]))
	}
	require.Equal(t, 3, EditDistance("kitten", "sitting"))
}

func TestValidateExact(t *testing.T) {
	wl := []string{"123", "34A", "382W"}
	require.Equal(t, "34A", Validate("34a", nil, wl))
	require.Equal(t, "382W", Validate(" 382-W ", nil, wl))
}

func TestValidateTooShort(t *testing.T) {
	wl := []string{"5", "50"}
	require.Equal(t, NoMatch, Validate("5", nil, wl))
	require.Equal(t, NoMatch, Validate("!", nil, wl))
	require.Equal(t, "50", Validate("50", nil, wl))
}

func TestValidateWords(t *testing.T) {
	wl := []string{"382W"}
	// The full text doesn't match, but one recognized word does
	require.Equal(t, "382W", Validate("BUS 382W EXPRESS", []string{"BUS", "382W", "EXPRESS"}, wl))
}

func TestValidateContainment(t *testing.T) {
	wl := []string{"382W"}
	// Entry inside text, entry is at least half the text's length
	require.Equal(t, "382W", Validate("X382W", nil, wl))
	require.Equal(t, "382W", Validate("NO382WAY", nil, wl))
	// Entry is less than half of a long noisy string: rejected
	require.Equal(t, NoMatch, Validate("DOWNTOWN382WEXPRESS", nil, wl))

	// Text inside entry, text is at least 60% of the entry's length
	require.Equal(t, "382W", Validate("82W", nil, wl))
	require.Equal(t, NoMatch, Validate("2W", nil, wl))
}

func TestValidateFuzzy(t *testing.T) {
	wl := []string{"123", "34A"}
	// Single misread character
	require.Equal(t, "123", Validate("128", nil, wl))
	// Distance 2 with equal length: too far
	require.Equal(t, NoMatch, Validate("l23X", nil, wl))
	// Way off in length: rejected
	require.Equal(t, NoMatch, Validate("34AXYZQ", nil, wl))
}

func TestValidateFuzzyTieBreak(t *testing.T) {
	// Both entries are distance 1 from the text; the first in whitelist
	// order wins
	wl := []string{"120", "128"}
	require.Equal(t, "120", Validate("12X", nil, wl))
}
