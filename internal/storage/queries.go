package storage

import (
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// insertChunk bounds rows per INSERT so parameter counts stay well below the
// driver limits of both dialects.
const insertChunk = 1000

var priceColumns = []string{
	"region",
	"instance_type",
	"product_description",
	"spot_price",
	"availability_zone",
	"timestamp",
}

var stealColumns = []string{
	"id",
	"source_record_id",
	"region",
	"instance_type",
	"product_description",
	"spot_price",
	"timestamp",
	"steal_type",
	"created_at",
}

// SortColumns are the columns the latest listing may be ordered by.
var SortColumns = []string{"region", "instance_type", "product_description", "spot_price", "timestamp"}

const (
	defaultSortColumn = "timestamp"
	defaultSortOrder  = "DESC"
)

// SortClause whitelists the requested column and direction, falling back to
// timestamp DESC.
func SortClause(column, order string) string {
	col := defaultSortColumn
	for _, allowed := range SortColumns {
		if strings.EqualFold(column, allowed) {
			col = allowed
			break
		}
	}
	dir := strings.ToUpper(strings.TrimSpace(order))
	if dir != "ASC" && dir != "DESC" {
		dir = defaultSortOrder
	}
	return col + " " + dir
}

func withID(cols []string) []string {
	return append([]string{"id"}, cols...)
}

func (d dialect) insertPrices(table string, keepID bool, rows []PriceRecord) (string, []any, error) {
	cols := priceColumns
	if keepID {
		cols = withID(cols)
	}
	q := sq.Insert(table).Columns(cols...).PlaceholderFormat(d.placeholder)
	for _, r := range rows {
		values := []any{
			r.Region,
			r.InstanceType,
			r.ProductDescription,
			r.Price.String(),
			r.AvailabilityZone,
			r.ObservedAt.UTC(),
		}
		if keepID {
			values = append([]any{r.ID}, values...)
		}
		q = q.Values(values...)
	}
	return q.ToSql()
}

func (d dialect) selectPrices(table string) sq.SelectBuilder {
	return sq.Select(withID(priceColumns)...).From(table).PlaceholderFormat(d.placeholder)
}

func (d dialect) averagePrices() (string, []any, error) {
	return sq.Select("region", "instance_type", "product_description", "AVG(spot_price)").
		From(pricesTable).
		GroupBy("region", "instance_type", "product_description").
		PlaceholderFormat(d.placeholder).
		ToSql()
}

func latestFilters(q LatestQuery) sq.And {
	conds := sq.And{}
	if q.Region != "" {
		conds = append(conds, sq.Eq{"region": q.Region})
	}
	if q.ProductDescription != "" {
		conds = append(conds, sq.Eq{"product_description": q.ProductDescription})
	}
	if q.MinPrice != nil {
		conds = append(conds, sq.GtOrEq{"spot_price": q.MinPrice.String()})
	}
	if q.MaxPrice != nil {
		conds = append(conds, sq.LtOrEq{"spot_price": q.MaxPrice.String()})
	}
	return conds
}

func (d dialect) queryLatest(q LatestQuery) (string, []any, error) {
	b := d.selectPrices(latestTable).
		Where(latestFilters(q)).
		OrderBy(SortClause(q.SortBy, q.SortOrder), "id ASC")
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}
	if q.Offset > 0 {
		b = b.Offset(uint64(q.Offset))
	}
	return b.ToSql()
}

func (d dialect) countLatest(q LatestQuery) (string, []any, error) {
	return sq.Select("COUNT(*)").
		From(latestTable).
		Where(latestFilters(q)).
		PlaceholderFormat(d.placeholder).
		ToSql()
}

func (d dialect) distinctLatest(column string) (string, []any, error) {
	return sq.Select(column).Distinct().
		From(latestTable).
		Where(sq.NotEq{column: nil}).
		OrderBy(column).
		PlaceholderFormat(d.placeholder).
		ToSql()
}

func (d dialect) latestPriceRange() (string, []any, error) {
	return sq.Select("COALESCE(MIN(spot_price), 0)", "COALESCE(MAX(spot_price), 0)").
		From(latestTable).
		PlaceholderFormat(d.placeholder).
		ToSql()
}

func (d dialect) priceHistory(key Key, limit int) (string, []any, error) {
	b := d.selectPrices(pricesTable).
		Where(sq.Eq{
			"region":              key.Region,
			"instance_type":       key.InstanceType,
			"product_description": key.Description(),
		}).
		OrderBy("timestamp ASC", "id ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return b.ToSql()
}

func (d dialect) stealExists(s Steal) (string, []any, error) {
	return sq.Select("COUNT(*)").
		From(stealsTable).
		Where(sq.Eq{"source_record_id": s.SourceRecordID, "steal_type": string(s.Type)}).
		PlaceholderFormat(d.placeholder).
		ToSql()
}

func (d dialect) insertSteal(s Steal) (string, []any, error) {
	return sq.Insert(stealsTable).
		Columns(stealColumns[1:]...).
		Values(
			s.SourceRecordID,
			s.Region,
			s.InstanceType,
			s.ProductDescription,
			s.Price.String(),
			s.ObservedAt.UTC(),
			string(s.Type),
			s.CreatedAt.UTC(),
		).
		Suffix("ON CONFLICT (source_record_id, steal_type) DO NOTHING").
		PlaceholderFormat(d.placeholder).
		ToSql()
}

func (d dialect) querySteals(q StealQuery) (string, []any, error) {
	b := sq.Select(stealColumns...).From(stealsTable).PlaceholderFormat(d.placeholder)
	if q.Region != "" {
		b = b.Where(sq.Eq{"region": q.Region})
	}
	if q.ProductDescription != "" {
		b = b.Where(sq.Eq{"product_description": q.ProductDescription})
	}
	if q.Type != "" {
		b = b.Where(sq.Eq{"steal_type": string(q.Type)})
	}
	b = b.OrderBy("spot_price ASC", "id ASC")
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}
	return b.ToSql()
}

func chunks(rows []PriceRecord, size int) [][]PriceRecord {
	var out [][]PriceRecord
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
