package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"spotwatch/internal/storage"
)

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func rec(region, instanceType string, product *string, price string, at time.Time) storage.PriceRecord {
	return storage.PriceRecord{
		Region:             region,
		InstanceType:       instanceType,
		ProductDescription: product,
		Price:              decimal.RequireFromString(price),
		ObservedAt:         at,
	}
}

func strPtr(s string) *string { return &s }

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *storage.SQLiteStore) {
	t.Helper()
	linux := strPtr("Linux/UNIX")
	_, err := store.InsertPriceRecords(context.Background(), []storage.PriceRecord{
		rec("us-east-1", "m5.large", linux, "0.10", t0),
		rec("us-east-1", "m5.large", linux, "0.12", t0.Add(2*time.Hour)),
		rec("us-east-1", "m5.large", linux, "0.11", t0.Add(time.Hour)),
		rec("us-east-1", "m5.large", nil, "0.30", t0.Add(time.Hour)),
		rec("us-east-1", "m5.large", nil, "0.31", t0),
		rec("eu-west-1", "c5.large", linux, "0.07", t0),
		// same timestamp as the row above; the later id wins
		rec("eu-west-1", "c5.large", linux, "0.08", t0),
	})
	require.NoError(t, err)
}

func TestRebuildKeepsLatestPerKey(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seed(t, store)

	res, err := NewBuilder(store, zerolog.Nop()).Rebuild(ctx)
	require.NoError(t, err)
	require.Equal(t, 7, res.RecordsScanned)
	require.Equal(t, 3, res.Keys)

	latest, err := store.ListLatest(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 3)

	byKey := map[storage.Key]storage.PriceRecord{}
	for _, r := range latest {
		_, dup := byKey[r.Key()]
		require.False(t, dup, "one row per key")
		byKey[r.Key()] = r
	}

	linux := storage.Key{Region: "us-east-1", InstanceType: "m5.large", ProductDescription: "Linux/UNIX", HasDescription: true}
	require.True(t, byKey[linux].Price.Equal(decimal.RequireFromString("0.12")))

	bare := storage.Key{Region: "us-east-1", InstanceType: "m5.large"}
	require.True(t, byKey[bare].Price.Equal(decimal.RequireFromString("0.30")))

	tie := storage.Key{Region: "eu-west-1", InstanceType: "c5.large", ProductDescription: "Linux/UNIX", HasDescription: true}
	require.True(t, byKey[tie].Price.Equal(decimal.RequireFromString("0.08")))
}

func TestRebuildLatestIsNotOlderThanAnyRecord(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seed(t, store)

	_, err := NewBuilder(store, zerolog.Nop()).Rebuild(ctx)
	require.NoError(t, err)

	latest, err := store.ListLatest(ctx)
	require.NoError(t, err)
	byKey := map[storage.Key]storage.PriceRecord{}
	for _, r := range latest {
		byKey[r.Key()] = r
	}

	require.NoError(t, store.ScanPriceRecords(ctx, func(r storage.PriceRecord) error {
		l, ok := byKey[r.Key()]
		require.True(t, ok, "every raw key has a snapshot row")
		require.False(t, l.ObservedAt.Before(r.ObservedAt))
		return nil
	}))
}

func TestRebuildIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seed(t, store)
	b := NewBuilder(store, zerolog.Nop())

	_, err := b.Rebuild(ctx)
	require.NoError(t, err)
	first, err := store.ListLatest(ctx)
	require.NoError(t, err)

	_, err = b.Rebuild(ctx)
	require.NoError(t, err)
	second, err := store.ListLatest(ctx)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestRebuildOnEmptyStore(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	res, err := NewBuilder(store, zerolog.Nop()).Rebuild(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Keys)

	latest, err := store.ListLatest(ctx)
	require.NoError(t, err)
	require.Empty(t, latest)
}

func TestLatestOrdersNullDescriptionFirst(t *testing.T) {
	rows := Latest(map[storage.Key]storage.PriceRecord{
		{Region: "a", InstanceType: "x", ProductDescription: "Windows", HasDescription: true}: rec("a", "x", strPtr("Windows"), "1", t0),
		{Region: "a", InstanceType: "x"}: rec("a", "x", nil, "1", t0),
		{Region: "a", InstanceType: "w"}: rec("a", "w", nil, "1", t0),
	})
	require.Equal(t, "w", rows[0].InstanceType)
	require.Nil(t, rows[1].ProductDescription)
	require.Equal(t, "Windows", *rows[2].ProductDescription)
}
