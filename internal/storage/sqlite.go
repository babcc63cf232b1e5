package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Backend on an embedded SQLite database. It serves
// single-host deployments and tests.
type SQLiteStore struct {
	db   *sqlx.DB
	d    dialect
	lock sync.Mutex
}

type priceRow struct {
	ID                 int64           `db:"id"`
	Region             string          `db:"region"`
	InstanceType       string          `db:"instance_type"`
	ProductDescription sql.NullString  `db:"product_description"`
	Price              decimal.Decimal `db:"spot_price"`
	AvailabilityZone   sql.NullString  `db:"availability_zone"`
	ObservedAt         time.Time       `db:"timestamp"`
}

func (r priceRow) record() PriceRecord {
	return PriceRecord{
		ID:                 r.ID,
		Region:             r.Region,
		InstanceType:       r.InstanceType,
		ProductDescription: nullableString(r.ProductDescription),
		Price:              r.Price,
		AvailabilityZone:   nullableString(r.AvailabilityZone),
		ObservedAt:         r.ObservedAt.UTC(),
	}
}

type stealRow struct {
	ID                 int64           `db:"id"`
	SourceRecordID     int64           `db:"source_record_id"`
	Region             string          `db:"region"`
	InstanceType       string          `db:"instance_type"`
	ProductDescription sql.NullString  `db:"product_description"`
	Price              decimal.Decimal `db:"spot_price"`
	ObservedAt         time.Time       `db:"timestamp"`
	Type               string          `db:"steal_type"`
	CreatedAt          time.Time       `db:"created_at"`
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:" for a
// throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database.path is required for sqlite")
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_time_format=sqlite"
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, wrap(fmt.Sprintf("open sqlite %s", path), err)
	}
	// a single connection keeps ":memory:" databases shared and serialises writers
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db, d: sqliteDialect}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *SQLiteStore) getDB() (*sqlx.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// Migrate creates any missing tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, s.d.schema()); err != nil {
		return wrap("migrate", err)
	}
	return nil
}

// TryAdvisoryLock emulates the Postgres run lock within the process.
func (s *SQLiteStore) TryAdvisoryLock(_ context.Context, _ int64) (func(), bool, error) {
	if _, err := s.getDB(); err != nil {
		return nil, false, err
	}
	if !s.lock.TryLock() {
		return nil, false, nil
	}
	return s.lock.Unlock, true, nil
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	return res, nil
}

// ResetPriceRecords drops and recreates the raw table.
func (s *SQLiteStore) ResetPriceRecords(ctx context.Context) error {
	_, err := s.exec(ctx, "reset spot_prices", s.d.resetPrices())
	return err
}

// InsertPriceRecords writes one batch as a single multi-row insert in its own transaction.
func (s *SQLiteStore) InsertPriceRecords(ctx context.Context, batch []PriceRecord) (int64, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	query, args, err := s.d.insertPrices(pricesTable, false, batch)
	if err != nil {
		return 0, wrap("build price insert", err)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, wrap("begin price batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, wrap("insert price batch", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, wrap("commit price batch", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ScanPriceRecords streams every raw record in id order.
func (s *SQLiteStore) ScanPriceRecords(ctx context.Context, fn func(PriceRecord) error) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	query, args, err := s.d.selectPrices(pricesTable).OrderBy("id").ToSql()
	if err != nil {
		return wrap("build price scan", err)
	}
	rows, err := db.QueryxContext(ctx, query, args...)
	if err != nil {
		return wrap("scan spot_prices", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row priceRow
		if err := rows.StructScan(&row); err != nil {
			return wrap("scan spot_prices", err)
		}
		if err := fn(row.record()); err != nil {
			return err
		}
	}
	return wrap("scan spot_prices", rows.Err())
}

// AveragePrices returns the historical average price per key.
func (s *SQLiteStore) AveragePrices(ctx context.Context) (map[Key]decimal.Decimal, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	query, args, err := s.d.averagePrices()
	if err != nil {
		return nil, wrap("build average query", err)
	}
	rows, err := db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("average prices", err)
	}
	defer rows.Close()

	averages := make(map[Key]decimal.Decimal)
	for rows.Next() {
		var (
			rec     PriceRecord
			product sql.NullString
			avg     decimal.Decimal
		)
		if err := rows.Scan(&rec.Region, &rec.InstanceType, &product, &avg); err != nil {
			return nil, wrap("average prices", err)
		}
		rec.ProductDescription = nullableString(product)
		averages[rec.Key()] = avg
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("average prices", err)
	}
	return averages, nil
}

// ReplaceLatest swaps in a new snapshot through a staging table in one transaction.
func (s *SQLiteStore) ReplaceLatest(ctx context.Context, rows []PriceRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return wrap("begin snapshot swap", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.d.createStaging()); err != nil {
		return wrap("create snapshot staging", err)
	}
	for _, chunk := range chunks(rows, insertChunk) {
		query, args, err := s.d.insertPrices(stagingTable, true, chunk)
		if err != nil {
			return wrap("build snapshot insert", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return wrap("insert snapshot rows", err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.d.swapDDL); err != nil {
		return wrap("swap snapshot", err)
	}
	return wrap("commit snapshot swap", tx.Commit())
}

// ListLatest returns every snapshot row in id order.
func (s *SQLiteStore) ListLatest(ctx context.Context) ([]PriceRecord, error) {
	query, args, err := s.d.selectPrices(latestTable).OrderBy("id").ToSql()
	if err != nil {
		return nil, wrap("build latest list", err)
	}
	return s.selectPrices(ctx, "list latest", query, args)
}

// ResetSteals drops and recreates the steals table.
func (s *SQLiteStore) ResetSteals(ctx context.Context) error {
	_, err := s.exec(ctx, "reset steals", s.d.resetSteals())
	return err
}

// InsertSteal stores a steal unless one already exists for the same source
// record and category. It reports whether a row was written.
func (s *SQLiteStore) InsertSteal(ctx context.Context, steal Steal) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	query, args, err := s.d.stealExists(steal)
	if err != nil {
		return false, wrap("build steal check", err)
	}
	var existing int64
	if err := db.GetContext(ctx, &existing, query, args...); err != nil {
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
	res, err := s.exec(ctx, "insert steal", query, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// QueryLatest lists snapshot rows with filters, ordering and paging, plus the
// unpaged total.
func (s *SQLiteStore) QueryLatest(ctx context.Context, q LatestQuery) ([]PriceRecord, int64, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, 0, err
	}
	countSQL, countArgs, err := s.d.countLatest(q)
	if err != nil {
		return nil, 0, wrap("build latest count", err)
	}
	var total int64
	if err := db.GetContext(ctx, &total, countSQL, countArgs...); err != nil {
		return nil, 0, wrap("count latest", err)
	}

	query, args, err := s.d.queryLatest(q)
	if err != nil {
		return nil, 0, wrap("build latest query", err)
	}
	records, err := s.selectPrices(ctx, "query latest", query, args)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// LatestMetadata lists distinct regions and product descriptions and the price range.
func (s *SQLiteStore) LatestMetadata(ctx context.Context) (Metadata, error) {
	db, err := s.getDB()
	if err != nil {
		return Metadata{}, err
	}

	var meta Metadata
	for column, dest := range map[string]*[]string{
		"region":              &meta.Regions,
		"product_description": &meta.ProductDescriptions,
	} {
		query, args, err := s.d.distinctLatest(column)
		if err != nil {
			return Metadata{}, wrap("build distinct "+column, err)
		}
		if err := db.SelectContext(ctx, dest, query, args...); err != nil {
			return Metadata{}, wrap("distinct "+column, err)
		}
	}

	query, args, err := s.d.latestPriceRange()
	if err != nil {
		return Metadata{}, wrap("build price range", err)
	}
	if err := db.QueryRowxContext(ctx, query, args...).Scan(&meta.MinPrice, &meta.MaxPrice); err != nil {
		return Metadata{}, wrap("price range", err)
	}
	return meta, nil
}

// QuerySteals lists steals ordered by price ascending.
func (s *SQLiteStore) QuerySteals(ctx context.Context, q StealQuery) ([]Steal, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	query, args, err := s.d.querySteals(q)
	if err != nil {
		return nil, wrap("build steal query", err)
	}
	var rows []stealRow
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, wrap("query steals", err)
	}

	steals := make([]Steal, 0, len(rows))
	for _, r := range rows {
		steals = append(steals, Steal{
			ID:                 r.ID,
			SourceRecordID:     r.SourceRecordID,
			Region:             r.Region,
			InstanceType:       r.InstanceType,
			ProductDescription: nullableString(r.ProductDescription),
			Price:              r.Price,
			ObservedAt:         r.ObservedAt.UTC(),
			Type:               StealType(r.Type),
			CreatedAt:          r.CreatedAt.UTC(),
		})
	}
	return steals, nil
}

// PriceHistory lists raw observations for one key in time order.
func (s *SQLiteStore) PriceHistory(ctx context.Context, key Key, limit int) ([]PriceRecord, error) {
	query, args, err := s.d.priceHistory(key, limit)
	if err != nil {
		return nil, wrap("build price history", err)
	}
	return s.selectPrices(ctx, "price history", query, args)
}

func (s *SQLiteStore) selectPrices(ctx context.Context, op, query string, args []any) ([]PriceRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var rows []priceRow
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, wrap(op, err)
	}
	records := make([]PriceRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, r.record())
	}
	return records, nil
}

var _ Backend = (*SQLiteStore)(nil)
