// Package snapshot derives the latest price per (region, instance type,
// product description) from the raw price table.
package snapshot

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"spotwatch/internal/storage"
)

// Store is the storage surface the builder needs.
type Store interface {
	ScanPriceRecords(ctx context.Context, fn func(storage.PriceRecord) error) error
	ReplaceLatest(ctx context.Context, rows []storage.PriceRecord) error
}

// Result summarises a rebuild.
type Result struct {
	RecordsScanned int
	Keys           int
	Duration       time.Duration
}

// Builder recomputes the latest snapshot.
type Builder struct {
	store  Store
	logger zerolog.Logger
}

// NewBuilder constructs a Builder.
func NewBuilder(store Store, logger zerolog.Logger) *Builder {
	return &Builder{store: store, logger: logger.With().Str("component", "snapshot").Logger()}
}

// Rebuild replaces the snapshot with one row per key. An empty raw table
// yields an empty snapshot.
func (b *Builder) Rebuild(ctx context.Context) (Result, error) {
	started := time.Now()

	latest := make(map[storage.Key]storage.PriceRecord)
	scanned := 0
	err := b.store.ScanPriceRecords(ctx, func(rec storage.PriceRecord) error {
		scanned++
		key := rec.Key()
		if cur, ok := latest[key]; !ok || newer(rec, cur) {
			latest[key] = rec
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("scan price records: %w", err)
	}

	rows := Latest(latest)
	if err := b.store.ReplaceLatest(ctx, rows); err != nil {
		return Result{}, fmt.Errorf("replace latest snapshot: %w", err)
	}

	res := Result{RecordsScanned: scanned, Keys: len(rows), Duration: time.Since(started)}
	b.logger.Info().
		Int("records_scanned", res.RecordsScanned).
		Int("keys", res.Keys).
		Dur("duration", res.Duration).
		Msg("snapshot rebuilt")
	return res, nil
}

// newer reports whether a supersedes b for the same key: later observation
// first, then the higher id.
func newer(a, b storage.PriceRecord) bool {
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.After(b.ObservedAt)
	}
	return a.ID > b.ID
}

// Latest flattens the per-key winners in a stable order: region, instance
// type, then product description with the null group first.
func Latest(byKey map[storage.Key]storage.PriceRecord) []storage.PriceRecord {
	rows := make([]storage.PriceRecord, 0, len(byKey))
	for _, rec := range byKey {
		rows = append(rows, rec)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].Key(), rows[j].Key()
		if a.Region != b.Region {
			return a.Region < b.Region
		}
		if a.InstanceType != b.InstanceType {
			return a.InstanceType < b.InstanceType
		}
		if a.HasDescription != b.HasDescription {
			return !a.HasDescription
		}
		return a.ProductDescription < b.ProductDescription
	})
	return rows
}
