package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PriceRecordStore owns the raw spot_prices table.
type PriceRecordStore interface {
	ResetPriceRecords(ctx context.Context) error
	InsertPriceRecords(ctx context.Context, batch []PriceRecord) (int64, error)
	ScanPriceRecords(ctx context.Context, fn func(PriceRecord) error) error
	AveragePrices(ctx context.Context) (map[Key]decimal.Decimal, error)
}

// SnapshotStore owns the latest_spot_prices table.
type SnapshotStore interface {
	ReplaceLatest(ctx context.Context, rows []PriceRecord) error
	ListLatest(ctx context.Context) ([]PriceRecord, error)
}

// StealStore owns the steals table.
type StealStore interface {
	ResetSteals(ctx context.Context) error
	InsertSteal(ctx context.Context, steal Steal) (bool, error)
}

// Reader serves the read-only queries behind listings and reports.
type Reader interface {
	QueryLatest(ctx context.Context, q LatestQuery) ([]PriceRecord, int64, error)
	LatestMetadata(ctx context.Context) (Metadata, error)
	QuerySteals(ctx context.Context, q StealQuery) ([]Steal, error)
	PriceHistory(ctx context.Context, key Key, limit int) ([]PriceRecord, error)
}

// AdvisoryLocker exposes the global run lock.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Backend is a complete store implementation.
type Backend interface {
	PriceRecordStore
	SnapshotStore
	StealStore
	Reader
	AdvisoryLocker
	Migrate(ctx context.Context) error
	Close()
}

// PostgresStore implements Backend on a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	d    dialect
}

// NewPostgresStore wires a pgx pool into a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, d: postgresDialect}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Migrate creates any missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, s.d.schema()); err != nil {
		return wrap("migrate", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, wrap("acquire connection", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, wrap("try advisory lock", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// ResetPriceRecords drops and recreates the raw table.
func (s *PostgresStore) ResetPriceRecords(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, s.d.resetPrices()); err != nil {
		return wrap("reset spot_prices", err)
	}
	return nil
}

// InsertPriceRecords writes one batch as a single multi-row insert in its own transaction.
func (s *PostgresStore) InsertPriceRecords(ctx context.Context, batch []PriceRecord) (int64, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	query, args, err := s.d.insertPrices(pricesTable, false, batch)
	if err != nil {
		return 0, wrap("build price insert", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, wrap("begin price batch", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, wrap("insert price batch", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, wrap("commit price batch", err)
	}
	return tag.RowsAffected(), nil
}

// ScanPriceRecords streams every raw record in id order.
func (s *PostgresStore) ScanPriceRecords(ctx context.Context, fn func(PriceRecord) error) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	query, args, err := s.d.selectPrices(pricesTable).OrderBy("id").ToSql()
	if err != nil {
		return wrap("build price scan", err)
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return wrap("scan spot_prices", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanPriceRecord(rows)
		if err != nil {
			return wrap("scan spot_prices", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return wrap("scan spot_prices", rows.Err())
}

// AveragePrices returns the historical average price per key.
func (s *PostgresStore) AveragePrices(ctx context.Context) (map[Key]decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query, args, err := s.d.averagePrices()
	if err != nil {
		return nil, wrap("build average query", err)
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("average prices", err)
	}
	defer rows.Close()

	averages := make(map[Key]decimal.Decimal)
	for rows.Next() {
		var (
			rec     PriceRecord
			product sql.NullString
			avgStr  string
		)
		if err := rows.Scan(&rec.Region, &rec.InstanceType, &product, &avgStr); err != nil {
			return nil, wrap("average prices", err)
		}
		avg, err := decimal.NewFromString(avgStr)
		if err != nil {
			return nil, wrap("parse average price", err)
		}
		rec.ProductDescription = nullableString(product)
		averages[rec.Key()] = avg
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("average prices", err)
	}
	return averages, nil
}

// ReplaceLatest swaps in a new snapshot: rows are loaded into a staging table
// which replaces latest_spot_prices inside one transaction.
func (s *PostgresStore) ReplaceLatest(ctx context.Context, rows []PriceRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return wrap("begin snapshot swap", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, s.d.createStaging()); err != nil {
		return wrap("create snapshot staging", err)
	}
	for _, chunk := range chunks(rows, insertChunk) {
		query, args, err := s.d.insertPrices(stagingTable, true, chunk)
		if err != nil {
			return wrap("build snapshot insert", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return wrap("insert snapshot rows", err)
		}
	}
	if _, err := tx.Exec(ctx, s.d.swapDDL); err != nil {
		return wrap("swap snapshot", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrap("commit snapshot swap", err)
	}
	return nil
}

// ListLatest returns every snapshot row in id order.
func (s *PostgresStore) ListLatest(ctx context.Context) ([]PriceRecord, error) {
	query, args, err := s.d.selectPrices(latestTable).OrderBy("id").ToSql()
	if err != nil {
		return nil, wrap("build latest list", err)
	}
	return s.queryPrices(ctx, "list latest", query, args)
}

// ResetSteals drops and recreates the steals table.
func (s *PostgresStore) ResetSteals(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, s.d.resetSteals()); err != nil {
		return wrap("reset steals", err)
	}
	return nil
}

// InsertSteal stores a steal unless one already exists for the same source
// record and category. It reports whether a row was written.
func (s *PostgresStore) InsertSteal(ctx context.Context, steal Steal) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	query, args, err := s.d.stealExists(steal)
	if err != nil {
		return false, wrap("build steal check", err)
	}
	var existing int64
	if err := pool.QueryRow(ctx, query, args...).Scan(&existing); err != nil {
		return false, wrap("check steal", err)
	}
	if existing > 0 {
		return false, nil
	}

	if steal.CreatedAt.IsZero() {
		steal.CreatedAt = time.Now().UTC()
	}
	query, args, err = s.d.insertSteal(steal)
	if err != nil {
		return false, wrap("build steal insert", err)
	}
	tag, err := pool.Exec(ctx, query, args...)
	if err != nil {
		return false, wrap("insert steal", err)
	}
	return tag.RowsAffected() > 0, nil
}

// QueryLatest lists snapshot rows with filters, ordering and paging, plus the
// unpaged total.
func (s *PostgresStore) QueryLatest(ctx context.Context, q LatestQuery) ([]PriceRecord, int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, 0, err
	}

	countSQL, countArgs, err := s.d.countLatest(q)
	if err != nil {
		return nil, 0, wrap("build latest count", err)
	}
	var total int64
	if err := pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, wrap("count latest", err)
	}

	query, args, err := s.d.queryLatest(q)
	if err != nil {
		return nil, 0, wrap("build latest query", err)
	}
	records, err := s.queryPrices(ctx, "query latest", query, args)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// LatestMetadata lists distinct regions and product descriptions and the price range.
func (s *PostgresStore) LatestMetadata(ctx context.Context) (Metadata, error) {
	var meta Metadata
	var err error
	if meta.Regions, err = s.distinct(ctx, "region"); err != nil {
		return Metadata{}, err
	}
	if meta.ProductDescriptions, err = s.distinct(ctx, "product_description"); err != nil {
		return Metadata{}, err
	}

	pool, err := s.getPool()
	if err != nil {
		return Metadata{}, err
	}
	query, args, err := s.d.latestPriceRange()
	if err != nil {
		return Metadata{}, wrap("build price range", err)
	}
	var minStr, maxStr string
	if err := pool.QueryRow(ctx, query, args...).Scan(&minStr, &maxStr); err != nil {
		return Metadata{}, wrap("price range", err)
	}
	if meta.MinPrice, err = decimal.NewFromString(minStr); err != nil {
		return Metadata{}, wrap("parse min price", err)
	}
	if meta.MaxPrice, err = decimal.NewFromString(maxStr); err != nil {
		return Metadata{}, wrap("parse max price", err)
	}
	return meta, nil
}

func (s *PostgresStore) distinct(ctx context.Context, column string) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	query, args, err := s.d.distinctLatest(column)
	if err != nil {
		return nil, wrap("build distinct "+column, err)
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("distinct "+column, err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrap("distinct "+column, err)
	}
	return values, nil
}

// QuerySteals lists steals ordered by price ascending.
func (s *PostgresStore) QuerySteals(ctx context.Context, q StealQuery) ([]Steal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	query, args, err := s.d.querySteals(q)
	if err != nil {
		return nil, wrap("build steal query", err)
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("query steals", err)
	}
	defer rows.Close()

	steals := make([]Steal, 0)
	for rows.Next() {
		var (
			st       Steal
			product  sql.NullString
			priceStr string
			typ      string
		)
		if err := rows.Scan(
			&st.ID,
			&st.SourceRecordID,
			&st.Region,
			&st.InstanceType,
			&product,
			&priceStr,
			&st.ObservedAt,
			&typ,
			&st.CreatedAt,
		); err != nil {
			return nil, wrap("query steals", err)
		}
		if st.Price, err = decimal.NewFromString(priceStr); err != nil {
			return nil, wrap("parse steal price", err)
		}
		st.ProductDescription = nullableString(product)
		st.Type = StealType(typ)
		steals = append(steals, st)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("query steals", err)
	}
	return steals, nil
}

// PriceHistory lists raw observations for one key in time order.
func (s *PostgresStore) PriceHistory(ctx context.Context, key Key, limit int) ([]PriceRecord, error) {
	query, args, err := s.d.priceHistory(key, limit)
	if err != nil {
		return nil, wrap("build price history", err)
	}
	return s.queryPrices(ctx, "price history", query, args)
}

func (s *PostgresStore) queryPrices(ctx context.Context, op, query string, args []any) ([]PriceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	records := make([]PriceRecord, 0)
	for rows.Next() {
		rec, err := scanPriceRecord(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return records, nil
}

func scanPriceRecord(rows pgx.Rows) (PriceRecord, error) {
	var (
		rec      PriceRecord
		product  sql.NullString
		zone     sql.NullString
		priceStr string
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.Region,
		&rec.InstanceType,
		&product,
		&priceStr,
		&zone,
		&rec.ObservedAt,
	); err != nil {
		return PriceRecord{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return PriceRecord{}, fmt.Errorf("parse spot price: %w", err)
	}
	rec.Price = price
	rec.ProductDescription = nullableString(product)
	rec.AvailabilityZone = nullableString(zone)
	rec.ObservedAt = rec.ObservedAt.UTC()
	return rec, nil
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

var _ Backend = (*PostgresStore)(nil)
