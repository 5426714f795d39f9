package match

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// ==================== STATUS TESTS ====================

func TestStatusOrdering(t *testing.T) {
	order := []Status{StatusWaitingForOpponent, StatusSelectingAssets, StatusInProgress, StatusFinished}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, order[i].Rank(), order[i-1].Rank(), "%s should rank above %s", order[i], order[i-1])
	}
	assert.Equal(t, StatusFinished.Rank(), StatusCancelled.Rank())
	assert.True(t, StatusFinished.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.False(t, Status("paused").Valid())
}

func TestNewer(t *testing.T) {
	waiting := &Match{Status: StatusWaitingForOpponent, Version: 1}
	selecting := &Match{Status: StatusSelectingAssets, Version: 2}
	reselect := &Match{Status: StatusSelectingAssets, Version: 3}
	finished := &Match{Status: StatusFinished, Version: 5}

	assert.True(t, Newer(waiting, nil))
	assert.False(t, Newer(nil, waiting))
	assert.True(t, Newer(selecting, waiting))
	assert.True(t, Newer(reselect, selecting), "same status, higher version")
	assert.False(t, Newer(selecting, selecting), "duplicate is not newer")
	assert.False(t, Newer(reselect, finished))
	assert.False(t, Newer(&Match{Status: StatusSelectingAssets, Version: 9}, &Match{Status: StatusInProgress, Version: 4}),
		"status outranks version")
}

func TestTrackerFiltersDeliveries(t *testing.T) {
	tr := NewTracker(&Match{Status: StatusSelectingAssets, Version: 2})

	assert.False(t, tr.Observe(&Match{Status: StatusWaitingForOpponent, Version: 1}))
	assert.False(t, tr.Observe(&Match{Status: StatusSelectingAssets, Version: 2}))
	assert.True(t, tr.Observe(&Match{Status: StatusInProgress, Version: 4}))
	assert.False(t, tr.Observe(&Match{Status: StatusSelectingAssets, Version: 3}))
	assert.True(t, tr.Observe(&Match{Status: StatusFinished, Version: 5}))
	assert.Equal(t, int64(5), tr.Current().Version)
}

// ==================== MATCH TESTS ====================

func TestMatchClone(t *testing.T) {
	start := time.Now()
	m := &Match{ID: "m", StartTime: &start}
	c := m.Clone()

	*c.StartTime = start.Add(time.Hour)
	assert.True(t, m.StartTime.Equal(start), "clone must not share time pointers")
}

func TestMatchTimer(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	end := now.Add(30 * time.Second)
	m := &Match{EndTime: &end}

	assert.False(t, m.Expired(now))
	assert.Equal(t, 30*time.Second, m.Remaining(now))
	assert.True(t, m.Expired(end))
	assert.Equal(t, time.Duration(0), m.Remaining(end.Add(time.Second)))

	assert.False(t, (&Match{}).Expired(now))
}

func TestMatchParticipants(t *testing.T) {
	m := &Match{CreatorWallet: "a", OpponentWallet: "b"}
	assert.True(t, m.IsParticipant("a"))
	assert.True(t, m.IsParticipant("b"))
	assert.False(t, m.IsParticipant("c"))
	assert.False(t, (&Match{CreatorWallet: "a"}).IsParticipant(""))
}

func TestMatchChanges(t *testing.T) {
	m := &Match{
		CreatorStartPrice:  decimal.NewNullDecimal(d("100")),
		CreatorEndPrice:    decimal.NewNullDecimal(d("105")),
		OpponentStartPrice: decimal.NewNullDecimal(d("100")),
	}
	cc, ok := m.CreatorChange()
	require.True(t, ok)
	assert.True(t, d("5").Equal(cc))

	_, ok = m.OpponentChange()
	assert.False(t, ok, "no end price yet")
}

// ==================== SCORING TESTS ====================

func TestPercentChange(t *testing.T) {
	tests := []struct {
		reference, current, want string
	}{
		{"100", "110", "10"},
		{"100", "90", "-10"},
		{"0", "50", "0"},
		{"200", "200", "0"},
		{"64000", "64640", "1"},
	}

	for _, tt := range tests {
		got := PercentChange(d(tt.reference), d(tt.current))
		assert.True(t, d(tt.want).Equal(got), "PercentChange(%s, %s) = %s, want %s", tt.reference, tt.current, got, tt.want)
	}
}

func TestScoreTieGoesToCreator(t *testing.T) {
	out := Score(d("100"), d("105"), d("2000"), d("2100"))
	assert.True(t, out.CreatorChange.Equal(out.OpponentChange))
	assert.True(t, out.CreatorWins)
}

func TestScore(t *testing.T) {
	out := Score(d("100"), d("105"), d("100"), d("95"))
	assert.True(t, d("5").Equal(out.CreatorChange))
	assert.True(t, d("-5").Equal(out.OpponentChange))
	assert.True(t, out.CreatorWins)

	out = Score(d("100"), d("99"), d("50"), d("51"))
	assert.False(t, out.CreatorWins)
}

// ==================== INVITE CODE TESTS ====================

func TestNewInviteCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := NewInviteCode()
		require.NoError(t, err)
		assert.True(t, ValidInviteCode(code), "invalid code %q", code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 190, "codes should rarely collide")
}

func TestValidInviteCode(t *testing.T) {
	assert.True(t, ValidInviteCode("ABC234"))
	assert.False(t, ValidInviteCode("ABC23"))
	assert.False(t, ValidInviteCode("ABC0I1"), "look-alike characters excluded")
	assert.Equal(t, "ABC234", NormalizeInviteCode(" abc234 "))
}

// ==================== ERROR TESTS ====================

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsValidation(ErrSelfJoin))
	assert.False(t, IsRetriable(ErrSelfJoin))
	assert.False(t, IsRetriable(ErrInvalidState))
	assert.True(t, IsRetriable(ErrPriceUnavailable))
	assert.True(t, IsRetriable(assert.AnError), "unknown failures are transient")
	assert.False(t, IsRetriable(nil))
}
