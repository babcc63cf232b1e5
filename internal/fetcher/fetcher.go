package fetcher

import (
	"context"
	"fmt"
	"time"
)

// Observation is a single spot price point as reported by the provider.
// Fields are left as the provider sent them; normalisation happens in ingest.
type Observation struct {
	InstanceType       string
	ProductDescription string
	AvailabilityZone   string
	SpotPrice          string
	Timestamp          time.Time
}

// HistoryRequest asks for one page of spot price history in a region. Nil
// bounds fall back to the provider default window.
type HistoryRequest struct {
	Region     string
	Start      *time.Time
	End        *time.Time
	MaxResults int32
	NextToken  string
}

// HistoryPage is one page of results. An empty NextToken means the region is
// exhausted.
type HistoryPage struct {
	Observations []Observation
	NextToken    string
}

// SpotPriceProvider enumerates regions and pages through spot price history.
type SpotPriceProvider interface {
	Regions(ctx context.Context) ([]string, error)
	PriceHistory(ctx context.Context, req HistoryRequest) (HistoryPage, error)
}

// ProviderError reports a network, auth or API failure for one region.
type ProviderError struct {
	Region string
	Op     string
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Region == "" {
		return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("provider %s (%s): %v", e.Op, e.Region, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
