package shared

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseQtyRoundsToThreePlaces(t *testing.T) {
	q, err := ParseQty("1.23456")
	require.NoError(t, err)
	require.Equal(t, "1.235", q.String())

	_, err = ParseQty("abc")
	require.Error(t, err)
}

func TestMinQty(t *testing.T) {
	require.True(t, MinQty(MustQty("2"), MustQty("1.5")).Equal(MustQty("1.5")))
	require.True(t, MinQty(MustQty("0"), MustQty("3")).IsZero())
}
