package steals

import (
	"context"
	"fmt"
	"sort"

	"spotwatch/internal/storage"
)

// belowAverage flags rows priced at or under ratio * the historical average of
// their exact key. Keys without history are skipped.
func (c *Classifier) belowAverage(ctx context.Context, latest []storage.PriceRecord) ([]storage.PriceRecord, error) {
	averages, err := c.store.AveragePrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("average prices: %w", err)
	}

	var out []storage.PriceRecord
	for _, rec := range latest {
		avg, ok := averages[rec.Key()]
		if !ok {
			continue
		}
		if rec.Price.LessThanOrEqual(avg.Mul(c.opts.BelowAverageRatio)) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (c *Classifier) lowInRegion(_ context.Context, latest []storage.PriceRecord) ([]storage.PriceRecord, error) {
	return cheapestPerGroup(latest, c.opts.TopN, func(r storage.PriceRecord) groupKey {
		return groupKey{value: r.Region, present: true}
	}), nil
}

// lowInProductDescription backs the low_in_instance_type category, which is
// grouped by product description. Rows without one form their own group.
func (c *Classifier) lowInProductDescription(_ context.Context, latest []storage.PriceRecord) ([]storage.PriceRecord, error) {
	return cheapestPerGroup(latest, c.opts.TopN, func(r storage.PriceRecord) groupKey {
		if r.ProductDescription == nil {
			return groupKey{}
		}
		return groupKey{value: *r.ProductDescription, present: true}
	}), nil
}

type groupKey struct {
	value   string
	present bool
}

// cheapestPerGroup returns the n cheapest rows of every group, ties broken by
// id. Groups with fewer than n rows are returned whole.
func cheapestPerGroup(rows []storage.PriceRecord, n int, key func(storage.PriceRecord) groupKey) []storage.PriceRecord {
	groups := make(map[groupKey][]storage.PriceRecord)
	var order []groupKey
	for _, r := range rows {
		k := key(r)
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	var out []storage.PriceRecord
	for _, k := range order {
		g := groups[k]
		sort.SliceStable(g, func(i, j int) bool {
			if c := g[i].Price.Cmp(g[j].Price); c != 0 {
				return c < 0
			}
			return g[i].ID < g[j].ID
		})
		if len(g) > n {
			g = g[:n]
		}
		out = append(out, g...)
	}
	return out
}
