package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestSnapshotRepo_CreateWithPositions(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSnapshotRepo(db)
	ctx := context.Background()
	accountID := createTestAccount(t, db, createTestUser(t, db, "alice"), "U1")

	base := decimal.RequireFromString("920.50")
	rate := decimal.RequireFromString("0.9205")
	cost := decimal.RequireFromString("800")
	id, err := repo.Create(ctx, model.Snapshot{
		AccountID:    accountID,
		Date:         day(2026, 3, 1),
		Balance:      decimal.RequireFromString("1000.00"),
		Currency:     "USD",
		BaseBalance:  &base,
		BaseCurrency: "EUR",
		ExchangeRate: &rate,
		Raw:          map[string]any{"nav": "1000.00"},
		Positions: []model.Position{{
			Symbol: "VT", Name: "Vanguard Total World", Quantity: decimal.NewFromInt(10),
			Price: decimal.NewFromInt(100), MarketValue: decimal.NewFromInt(1000), CostBasis: &cost,
			Currency: "USD", AssetClass: model.AssetClassEquity,
		}},
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	snapshots, err := repo.ListByAccount(ctx, accountID)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)

	got := snapshots[0]
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(1000)))
	require.NotNil(t, got.BaseBalance)
	assert.True(t, got.BaseBalance.Equal(base))
	assert.Equal(t, model.SnapshotSourceAuto, got.Source)
	assert.Equal(t, "1000.00", got.Raw["nav"])
	require.Len(t, got.Positions, 1)
	assert.Equal(t, "VT", got.Positions[0].Symbol)
	require.NotNil(t, got.Positions[0].CostBasis)
	assert.True(t, got.Positions[0].CostBasis.Equal(cost))
}

func TestSnapshotRepo_NullBaseBalance(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSnapshotRepo(db)
	ctx := context.Background()
	accountID := createTestAccount(t, db, createTestUser(t, db, "alice"), "U1")

	_, err := repo.Create(ctx, model.Snapshot{AccountID: accountID, Date: day(2026, 3, 1), Balance: decimal.NewFromInt(5), Currency: "JPY"})
	require.NoError(t, err)

	snapshots, err := repo.ListByAccount(ctx, accountID)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Nil(t, snapshots[0].BaseBalance)
	assert.Nil(t, snapshots[0].ExchangeRate)
}

func TestSnapshotRepo_HasDuplicate(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSnapshotRepo(db)
	ctx := context.Background()
	accountID := createTestAccount(t, db, createTestUser(t, db, "alice"), "U1")

	_, err := repo.Create(ctx, model.Snapshot{AccountID: accountID, Date: day(2026, 3, 1), Balance: decimal.RequireFromString("100.00"), Currency: "EUR"})
	require.NoError(t, err)

	dup, err := repo.HasDuplicate(ctx, accountID, day(2026, 3, 1), decimal.NewFromInt(100), "EUR")
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = repo.HasDuplicate(ctx, accountID, day(2026, 3, 1), decimal.NewFromInt(101), "EUR")
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = repo.HasDuplicate(ctx, accountID, day(2026, 3, 2), decimal.NewFromInt(100), "EUR")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestSnapshotRepo_DatesAndLatest(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSnapshotRepo(db)
	ctx := context.Background()
	userID := createTestUser(t, db, "alice")
	a1 := createTestAccount(t, db, userID, "A")
	a2 := createTestAccount(t, db, userID, "B")

	for _, d := range []int{1, 3, 5} {
		_, err := repo.Create(ctx, model.Snapshot{AccountID: a1, Date: day(2026, 3, d), Balance: decimal.NewFromInt(int64(d)), Currency: "EUR"})
		require.NoError(t, err)
	}
	_, err := repo.Create(ctx, model.Snapshot{AccountID: a2, Date: day(2026, 3, 2), Balance: decimal.NewFromInt(50), Currency: "EUR"})
	require.NoError(t, err)

	dates, err := repo.Dates(ctx, a1, day(2026, 3, 2), day(2026, 3, 31))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{day(2026, 3, 3), day(2026, 3, 5)}, dates)

	latest, err := repo.LatestByUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.True(t, latest[0].Balance.Equal(decimal.NewFromInt(5)))
	assert.True(t, latest[1].Balance.Equal(decimal.NewFromInt(50)))

	inRange, err := repo.ListByUser(ctx, userID, day(2026, 3, 2), day(2026, 3, 3))
	require.NoError(t, err)
	assert.Len(t, inRange, 2)
}
