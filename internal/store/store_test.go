package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duel/internal/match"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := New(filepath.Join(t.TempDir(), "duel-test.db"))
	require.NoError(t, err, "failed to create store")
	t.Cleanup(func() { store.Close() })

	return store
}

func newTestMatch(id, code string) *match.Match {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &match.Match{
		ID:              id,
		InviteCode:      code,
		CreatorWallet:   "wallet-a",
		Status:          match.StatusWaitingForOpponent,
		DurationSeconds: 60,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// ==================== MIGRATION TESTS ====================

func TestMigrationsApplied(t *testing.T) {
	store := setupTestStore(t)

	applied, pending, err := store.MigrationStatus()
	require.NoError(t, err)
	assert.Len(t, applied, len(migrations))
	assert.Empty(t, pending)

	// Running again is a no-op
	require.NoError(t, store.Migrate())
}

func TestInMemoryStore(t *testing.T) {
	store, err := New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.CreateMatch(ctx, newTestMatch("m1", "ABC234")))

	got, err := store.GetMatch(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "ABC234", got.InviteCode)
}

// ==================== MATCH TESTS ====================

func TestCreateAndGetMatch(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m := newTestMatch("m1", "ABC234")
	require.NoError(t, store.CreateMatch(ctx, m))

	got, err := store.GetMatch(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, m.InviteCode, got.InviteCode)
	assert.Equal(t, m.CreatorWallet, got.CreatorWallet)
	assert.Equal(t, match.StatusWaitingForOpponent, got.Status)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, m.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.StartTime)
	assert.False(t, got.CreatorStartPrice.Valid)

	byCode, err := store.GetMatchByInviteCode(ctx, "ABC234")
	require.NoError(t, err)
	assert.Equal(t, "m1", byCode.ID)
}

func TestGetMatchNotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.GetMatch(ctx, "missing")
	assert.ErrorIs(t, err, match.ErrNotFound)

	_, err = store.GetMatchByInviteCode(ctx, "ZZZZZZ")
	assert.ErrorIs(t, err, match.ErrNotFound)
}

func TestInviteCodeUniqueWhileOpen(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateMatch(ctx, newTestMatch("m1", "ABC234")))

	err := store.CreateMatch(ctx, newTestMatch("m2", "ABC234"))
	assert.ErrorIs(t, err, match.ErrInviteCodeTaken)

	// Once the holder is terminal the code may be reused
	first, err := store.GetMatch(ctx, "m1")
	require.NoError(t, err)
	cancelled := first.Clone()
	cancelled.Status = match.StatusCancelled
	cancelled.Version = 2
	ok, err := store.UpdateMatch(ctx, cancelled, match.Precondition{Status: first.Status, Version: first.Version})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.CreateMatch(ctx, newTestMatch("m2", "ABC234")))

	byCode, err := store.GetMatchByInviteCode(ctx, "ABC234")
	require.NoError(t, err)
	assert.Equal(t, "m2", byCode.ID, "open match should win the lookup")
}

func TestUpdateMatchConditional(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m := newTestMatch("m1", "ABC234")
	require.NoError(t, store.CreateMatch(ctx, m))

	joined := m.Clone()
	joined.OpponentWallet = "wallet-b"
	joined.Status = match.StatusSelectingAssets
	joined.Version = 2

	ok, err := store.UpdateMatch(ctx, joined, match.Precondition{Status: match.StatusWaitingForOpponent, Version: 1})
	require.NoError(t, err)
	assert.True(t, ok)

	// Same precondition again loses
	ok, err = store.UpdateMatch(ctx, joined, match.Precondition{Status: match.StatusWaitingForOpponent, Version: 1})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetMatch(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "wallet-b", got.OpponentWallet)
	assert.Equal(t, int64(2), got.Version)
}

func TestUpdateMatchRoundTripsPrices(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m := newTestMatch("m1", "ABC234")
	m.OpponentWallet = "wallet-b"
	m.Status = match.StatusSelectingAssets
	m.CreatorAsset = "BTC"
	m.OpponentAsset = "ETH"
	require.NoError(t, store.CreateMatch(ctx, m))

	start := time.Date(2026, 1, 2, 3, 5, 0, 123e6, time.UTC)
	end := start.Add(60 * time.Second)
	next := m.Clone()
	next.Status = match.StatusInProgress
	next.StartTime = &start
	next.EndTime = &end
	next.CreatorStartPrice = decimal.NewNullDecimal(decimal.RequireFromString("64123.45678901"))
	next.OpponentStartPrice = decimal.NewNullDecimal(decimal.RequireFromString("3012.5"))
	next.Version = 2

	ok, err := store.UpdateMatch(ctx, next, match.Precondition{Status: m.Status, Version: m.Version})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.GetMatch(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got.StartTime)
	assert.True(t, start.Equal(*got.StartTime))
	assert.True(t, end.Equal(*got.EndTime))
	assert.True(t, got.CreatorStartPrice.Valid)
	assert.True(t, decimal.RequireFromString("64123.45678901").Equal(got.CreatorStartPrice.Decimal))
	assert.True(t, decimal.RequireFromString("3012.5").Equal(got.OpponentStartPrice.Decimal))
	assert.False(t, got.CreatorEndPrice.Valid)
}

func TestUpdateMatchTerminalImmutable(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m := newTestMatch("m1", "ABC234")
	m.OpponentWallet = "wallet-b"
	m.Status = match.StatusFinished
	m.WinnerWallet = "wallet-a"
	require.NoError(t, store.CreateMatch(ctx, m))

	overwrite := m.Clone()
	overwrite.WinnerWallet = "wallet-b"
	overwrite.Version = 2

	ok, err := store.UpdateMatch(ctx, overwrite, match.Precondition{Status: match.StatusFinished, Version: 1})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetMatch(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "wallet-a", got.WinnerWallet)
}

func TestUpdateMatchRejectsBackwards(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m := newTestMatch("m1", "ABC234")
	m.OpponentWallet = "wallet-b"
	m.Status = match.StatusSelectingAssets
	require.NoError(t, store.CreateMatch(ctx, m))

	back := m.Clone()
	back.Status = match.StatusWaitingForOpponent
	back.Version = 2
	_, err := store.UpdateMatch(ctx, back, match.Precondition{Status: match.StatusSelectingAssets, Version: 1})
	assert.Error(t, err)
}

func TestSelfMatchRejectedBySchema(t *testing.T) {
	store := setupTestStore(t)

	m := newTestMatch("m1", "ABC234")
	m.OpponentWallet = m.CreatorWallet
	assert.Error(t, store.CreateMatch(context.Background(), m))
}

func TestConcurrentConditionalUpdates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m := newTestMatch("m1", "ABC234")
	require.NoError(t, store.CreateMatch(ctx, m))

	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := m.Clone()
			next.OpponentWallet = "wallet-" + string(rune('b'+i))
			next.Status = match.StatusSelectingAssets
			next.Version = 2
			ok, err := store.UpdateMatch(ctx, next, match.Precondition{Status: m.Status, Version: m.Version})
			if err != nil {
				t.Errorf("UpdateMatch: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one conditional write should land")
}

func TestListIdleAndExpired(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	old := newTestMatch("old", "AAAAAA")
	old.UpdatedAt = base
	require.NoError(t, store.CreateMatch(ctx, old))

	fresh := newTestMatch("fresh", "BBBBBB")
	fresh.UpdatedAt = base.Add(2 * time.Hour)
	require.NoError(t, store.CreateMatch(ctx, fresh))

	end := base.Add(time.Minute)
	running := newTestMatch("running", "CCCCCC")
	running.OpponentWallet = "wallet-b"
	running.Status = match.StatusInProgress
	running.EndTime = &end
	running.UpdatedAt = base
	require.NoError(t, store.CreateMatch(ctx, running))

	idle, err := store.ListIdleMatches(ctx, base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "old", idle[0].ID)

	expired, err := store.ListExpiredMatches(ctx, base.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = store.ListExpiredMatches(ctx, end, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "running", expired[0].ID)
}

func TestListMatchesByWallet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := newTestMatch("m1", "AAAAAA")
	require.NoError(t, store.CreateMatch(ctx, first))

	second := newTestMatch("m2", "BBBBBB")
	second.CreatorWallet = "wallet-c"
	second.OpponentWallet = "wallet-a"
	second.Status = match.StatusSelectingAssets
	second.CreatedAt = first.CreatedAt.Add(time.Minute)
	require.NoError(t, store.CreateMatch(ctx, second))

	list, err := store.ListMatchesByWallet(ctx, "wallet-a", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "m2", list[0].ID)
	assert.Equal(t, "m1", list[1].ID)
}

// ==================== API KEY TESTS ====================

func TestCreateAndVerifyAPIKey(t *testing.T) {
	store := setupTestStore(t)

	key, plaintext, err := store.CreateAPIKey("frontend")
	require.NoError(t, err)
	assert.NotEmpty(t, key.ID)
	assert.NotContains(t, key.KeyHash, plaintext, "key should be hashed")

	got, err := store.VerifyAPIKey(plaintext)
	require.NoError(t, err)
	assert.Equal(t, "frontend", got.Name)
	assert.NotNil(t, got.LastUsedAt)

	_, err = store.VerifyAPIKey(plaintext + "x")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = store.VerifyAPIKey("garbage")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestCreateAPIKeyDuplicate(t *testing.T) {
	store := setupTestStore(t)

	_, _, err := store.CreateAPIKey("frontend")
	require.NoError(t, err)

	_, _, err = store.CreateAPIKey("frontend")
	assert.ErrorIs(t, err, ErrKeyExists)
}

func TestRevokeAPIKey(t *testing.T) {
	store := setupTestStore(t)

	_, plaintext, err := store.CreateAPIKey("frontend")
	require.NoError(t, err)

	require.NoError(t, store.RevokeAPIKey("frontend"))
	_, err = store.VerifyAPIKey(plaintext)
	assert.ErrorIs(t, err, ErrInvalidKey)

	assert.ErrorIs(t, store.RevokeAPIKey("nobody"), ErrKeyNotFound)

	keys, err := store.ListAPIKeys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.True(t, keys[0].Revoked)
}
