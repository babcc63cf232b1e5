package ingest

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"spotwatch/internal/fetcher"
	"spotwatch/internal/storage"
)

// ValidationError reports a provider record that cannot be stored. The record
// is skipped; the batch carries on.
type ValidationError struct {
	Region string
	Field  string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record in %s: %s: %v", e.Region, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// normalize maps a provider observation onto a PriceRecord. Empty optional
// fields become nil.
func normalize(v *validator.Validate, region string, obs fetcher.Observation) (storage.PriceRecord, error) {
	raw := strings.TrimSpace(obs.SpotPrice)
	if raw == "" {
		return storage.PriceRecord{}, &ValidationError{Region: region, Field: "spot_price", Err: errors.New("missing")}
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return storage.PriceRecord{}, &ValidationError{Region: region, Field: "spot_price", Err: err}
	}

	rec := storage.PriceRecord{
		Region:             region,
		InstanceType:       strings.TrimSpace(obs.InstanceType),
		ProductDescription: optional(obs.ProductDescription),
		Price:              price,
		AvailabilityZone:   optional(obs.AvailabilityZone),
		ObservedAt:         obs.Timestamp.UTC(),
	}

	if err := v.Struct(rec); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return storage.PriceRecord{}, &ValidationError{
				Region: region,
				Field:  fe.Field(),
				Err:    fmt.Errorf("failed %q check", fe.Tag()),
			}
		}
		return storage.PriceRecord{}, &ValidationError{Region: region, Field: "record", Err: err}
	}
	return rec, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
