package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func strPtr(s string) *string { return &s }

func record(region, instanceType string, product *string, price string, at time.Time) PriceRecord {
	return PriceRecord{
		Region:             region,
		InstanceType:       instanceType,
		ProductDescription: product,
		Price:              decimal.RequireFromString(price),
		AvailabilityZone:   strPtr(region + "a"),
		ObservedAt:         at,
	}
}

func TestSQLiteInsertAndScanPriceRecords(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	n, err := store.InsertPriceRecords(ctx, []PriceRecord{
		record("us-east-1", "m5.large", strPtr("Linux/UNIX"), "0.0412", base),
		record("us-east-1", "m5.large", nil, "0.05", base.Add(time.Minute)),
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	var got []PriceRecord
	require.NoError(t, store.ScanPriceRecords(ctx, func(r PriceRecord) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 2)
	require.EqualValues(t, 1, got[0].ID)
	require.Equal(t, "Linux/UNIX", *got[0].ProductDescription)
	require.True(t, got[0].Price.Equal(decimal.RequireFromString("0.0412")))
	require.True(t, got[0].ObservedAt.Equal(base))
	require.Nil(t, got[1].ProductDescription)
}

func TestSQLiteResetPriceRecordsEmptiesTable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.InsertPriceRecords(ctx, []PriceRecord{
		record("eu-west-1", "c5.xlarge", nil, "0.1", time.Now().UTC()),
	})
	require.NoError(t, err)
	require.NoError(t, store.ResetPriceRecords(ctx))

	count := 0
	require.NoError(t, store.ScanPriceRecords(ctx, func(PriceRecord) error {
		count++
		return nil
	}))
	require.Zero(t, count)
}

func TestSQLiteAveragePricesGroupsNullDescriptionSeparately(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	_, err := store.InsertPriceRecords(ctx, []PriceRecord{
		record("us-west-2", "t3.micro", strPtr("Linux/UNIX"), "1", now),
		record("us-west-2", "t3.micro", strPtr("Linux/UNIX"), "3", now),
		record("us-west-2", "t3.micro", nil, "10", now),
	})
	require.NoError(t, err)

	avgs, err := store.AveragePrices(ctx)
	require.NoError(t, err)
	require.Len(t, avgs, 2)

	linux := Key{Region: "us-west-2", InstanceType: "t3.micro", ProductDescription: "Linux/UNIX", HasDescription: true}
	bare := Key{Region: "us-west-2", InstanceType: "t3.micro"}
	require.True(t, avgs[linux].Equal(decimal.NewFromInt(2)), "got %s", avgs[linux])
	require.True(t, avgs[bare].Equal(decimal.NewFromInt(10)), "got %s", avgs[bare])
}

func TestSQLiteReplaceLatestSwapsTable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	first := []PriceRecord{record("us-east-1", "m5.large", nil, "0.2", now)}
	first[0].ID = 7
	require.NoError(t, store.ReplaceLatest(ctx, first))

	second := []PriceRecord{
		record("us-east-1", "m5.large", nil, "0.3", now),
		record("eu-west-1", "m5.large", nil, "0.4", now),
	}
	second[0].ID = 11
	second[1].ID = 12
	require.NoError(t, store.ReplaceLatest(ctx, second))

	latest, err := store.ListLatest(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.EqualValues(t, 11, latest[0].ID)
	require.EqualValues(t, 12, latest[1].ID)

	require.NoError(t, store.ReplaceLatest(ctx, nil))
	latest, err = store.ListLatest(ctx)
	require.NoError(t, err)
	require.Empty(t, latest)
}

func TestSQLiteInsertStealIsIdempotentPerCategory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.ResetSteals(ctx))

	rec := record("ap-south-1", "r5.large", strPtr("Windows"), "0.05", time.Now().UTC())
	rec.ID = 42

	inserted, err := store.InsertSteal(ctx, NewSteal(rec, StealLowInRegion))
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = store.InsertSteal(ctx, NewSteal(rec, StealLowInRegion))
	require.NoError(t, err)
	require.False(t, inserted)

	inserted, err = store.InsertSteal(ctx, NewSteal(rec, StealLowInInstanceType))
	require.NoError(t, err)
	require.True(t, inserted)

	steals, err := store.QuerySteals(ctx, StealQuery{})
	require.NoError(t, err)
	require.Len(t, steals, 2)

	steals, err = store.QuerySteals(ctx, StealQuery{Type: StealLowInRegion})
	require.NoError(t, err)
	require.Len(t, steals, 1)
	require.EqualValues(t, 42, steals[0].SourceRecordID)
	require.Equal(t, "Windows", *steals[0].ProductDescription)
}

func TestSQLiteQueryLatestFiltersSortsAndPages(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	rows := []PriceRecord{
		record("us-east-1", "a1", strPtr("Linux/UNIX"), "0.5", base),
		record("us-east-1", "a2", strPtr("Linux/UNIX"), "0.1", base.Add(time.Hour)),
		record("us-east-1", "a3", strPtr("Windows"), "0.3", base.Add(2*time.Hour)),
		record("eu-west-1", "a4", strPtr("Linux/UNIX"), "0.2", base.Add(3*time.Hour)),
	}
	for i := range rows {
		rows[i].ID = int64(i + 1)
	}
	require.NoError(t, store.ReplaceLatest(ctx, rows))

	got, total, err := store.QueryLatest(ctx, LatestQuery{})
	require.NoError(t, err)
	require.EqualValues(t, 4, total)
	require.Equal(t, "a4", got[0].InstanceType, "default order is timestamp DESC")

	minPrice := decimal.RequireFromString("0.15")
	got, total, err = store.QueryLatest(ctx, LatestQuery{
		Region:    "us-east-1",
		MinPrice:  &minPrice,
		SortBy:    "spot_price",
		SortOrder: "asc",
		Limit:     1,
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Len(t, got, 1)
	require.Equal(t, "a3", got[0].InstanceType)

	got, _, err = store.QueryLatest(ctx, LatestQuery{SortBy: "spot_price; DROP TABLE steals", SortOrder: "sideways"})
	require.NoError(t, err)
	require.Equal(t, "a4", got[0].InstanceType)

	meta, err := store.LatestMetadata(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"eu-west-1", "us-east-1"}, meta.Regions)
	require.Equal(t, []string{"Linux/UNIX", "Windows"}, meta.ProductDescriptions)
	require.True(t, meta.MinPrice.Equal(decimal.RequireFromString("0.1")))
	require.True(t, meta.MaxPrice.Equal(decimal.RequireFromString("0.5")))
}

func TestSQLitePriceHistoryMatchesNullDescription(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.InsertPriceRecords(ctx, []PriceRecord{
		record("us-east-1", "m5.large", nil, "0.3", base.Add(time.Hour)),
		record("us-east-1", "m5.large", nil, "0.2", base),
		record("us-east-1", "m5.large", strPtr("Linux/UNIX"), "0.9", base),
	})
	require.NoError(t, err)

	history, err := store.PriceHistory(ctx, Key{Region: "us-east-1", InstanceType: "m5.large"}, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.True(t, history[0].ObservedAt.Before(history[1].ObservedAt))
}

func TestSQLiteAdvisoryLockIsExclusive(t *testing.T) {
	store := newTestStore(t)

	unlock, ok, err := store.TryAdvisoryLock(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.TryAdvisoryLock(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, ok)

	unlock()
	unlock, ok, err = store.TryAdvisoryLock(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)
	unlock()
}

func TestSortClauseWhitelist(t *testing.T) {
	require.Equal(t, "timestamp DESC", SortClause("", ""))
	require.Equal(t, "spot_price ASC", SortClause("SPOT_PRICE", "asc"))
	require.Equal(t, "timestamp ASC", SortClause("id", "ASC"))
	require.Equal(t, "region DESC", SortClause("region", "up"))
}

func TestNilStoreReturnsNotConfigured(t *testing.T) {
	var pg *PostgresStore
	err := pg.ResetSteals(context.Background())
	require.ErrorIs(t, err, ErrNotConfigured)

	var lite *SQLiteStore
	_, err = lite.InsertSteal(context.Background(), Steal{})
	require.ErrorIs(t, err, ErrNotConfigured)
}
