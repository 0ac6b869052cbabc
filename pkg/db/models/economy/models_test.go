package economy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReason(t *testing.T) {
	r, err := ParseReason("duel")
	require.NoError(t, err)
	assert.Equal(t, ReasonDuel, r)

	_, err = ParseReason("lottery")
	assert.Error(t, err)
}

func TestDuelStatsFinalize(t *testing.T) {
	s := DuelStats{Matches: 3, Wins: 2, AvgMetric: 251.123456}
	s.Finalize()
	assert.Equal(t, 66.67, s.WinRatePct)
	assert.Equal(t, 251.1235, s.AvgMetric)

	empty := DuelStats{AvgMetric: 12}
	empty.Finalize()
	assert.Zero(t, empty.WinRatePct)
	assert.Zero(t, empty.AvgMetric)
}

func TestSum(t *testing.T) {
	assert.Equal(t, int64(0), Sum([]LedgerEntry{{Amount: -20}, {Amount: 19}, {Amount: 1}}))
	assert.Equal(t, int64(0), Sum(nil))
}
