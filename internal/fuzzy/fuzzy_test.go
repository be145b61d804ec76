package fuzzy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRatio(t *testing.T) {
	require.Equal(t, 1.0, Ratio("", ""))
	require.Equal(t, 1.0, Ratio("abc", "abc"))
	require.Equal(t, 0.0, Ratio("abc", ""))
	require.Equal(t, 0.0, Ratio("abc", "xyz"))
}

func TestRatioPartialOverlap(t *testing.T) {
	// "abcd" vs "bcde": matching block "bcd" of length 3, 2*3/8.
	require.InDelta(t, 0.75, Ratio("abcd", "bcde"), 1e-9)
}

func TestRatioNearMissIsHigh(t *testing.T) {
	a := "return fmt.Errorf(\"open %s: %w\", path, err)"
	b := "return fmt.Errorf(\"open %s: %w\", name, err)"
	require.Greater(t, Ratio(a, b), 0.8)
}
