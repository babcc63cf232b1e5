package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// StealType names the heuristic that flagged a steal.
type StealType string

const (
	StealBelowAverage      StealType = "below_average_threshold"
	StealLowInRegion       StealType = "low_in_region"
	StealLowInInstanceType StealType = "low_in_instance_type"
)

// StealTypes lists every category in classification order.
var StealTypes = []StealType{StealBelowAverage, StealLowInRegion, StealLowInInstanceType}

// Valid reports whether t is a known category.
func (t StealType) Valid() bool {
	for _, known := range StealTypes {
		if t == known {
			return true
		}
	}
	return false
}

// PriceRecord is one spot price observation. Rows of the latest snapshot share
// the shape; their ID is the ID of the raw record they were derived from.
type PriceRecord struct {
	ID                 int64
	Region             string          `validate:"required"`
	InstanceType       string          `validate:"required"`
	ProductDescription *string
	Price              decimal.Decimal `validate:"gte=0"`
	AvailabilityZone   *string
	ObservedAt         time.Time       `validate:"required"`
}

// Key returns the snapshot grouping key of the record.
func (r PriceRecord) Key() Key {
	k := Key{Region: r.Region, InstanceType: r.InstanceType}
	if r.ProductDescription != nil {
		k.ProductDescription = *r.ProductDescription
		k.HasDescription = true
	}
	return k
}

// Key identifies a (region, instance type, product description) series.
// A missing product description forms its own group.
type Key struct {
	Region             string
	InstanceType       string
	ProductDescription string
	HasDescription     bool
}

// Description returns the product description as a nullable pointer.
func (k Key) Description() *string {
	if !k.HasDescription {
		return nil
	}
	d := k.ProductDescription
	return &d
}

// Steal is a classified price anomaly.
type Steal struct {
	ID                 int64
	SourceRecordID     int64
	Region             string
	InstanceType       string
	ProductDescription *string
	Price              decimal.Decimal
	ObservedAt         time.Time
	Type               StealType
	CreatedAt          time.Time
}

// NewSteal builds a steal of the given type from a snapshot row.
func NewSteal(rec PriceRecord, t StealType) Steal {
	return Steal{
		SourceRecordID:     rec.ID,
		Region:             rec.Region,
		InstanceType:       rec.InstanceType,
		ProductDescription: rec.ProductDescription,
		Price:              rec.Price,
		ObservedAt:         rec.ObservedAt,
		Type:               t,
	}
}

// LatestQuery filters, sorts and pages the latest snapshot.
type LatestQuery struct {
	Region             string
	ProductDescription string
	MinPrice           *decimal.Decimal
	MaxPrice           *decimal.Decimal
	SortBy             string
	SortOrder          string
	Limit              int
	Offset             int
}

// StealQuery filters the steals table. Results are always price ascending.
type StealQuery struct {
	Region             string
	ProductDescription string
	Type               StealType
	Limit              int
}

// Metadata summarises the latest snapshot for filter pickers.
type Metadata struct {
	Regions             []string
	ProductDescriptions []string
	MinPrice            decimal.Decimal
	MaxPrice            decimal.Decimal
}
