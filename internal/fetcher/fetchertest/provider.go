// Package fetchertest provides a scripted SpotPriceProvider for tests.
package fetchertest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"spotwatch/internal/fetcher"
)

// Provider serves canned pages per region. Pages are addressed by the
// continuation token: the first request has an empty token, page i>0 is
// requested with token "page-i".
type Provider struct {
	RegionList []string
	RegionsErr error
	Pages      map[string][]fetcher.HistoryPage
	// Errors fails a region once the given page index is requested.
	Errors map[string]ErrorAt

	mu       sync.Mutex
	Requests []fetcher.HistoryRequest
}

// ErrorAt makes Provider fail with Err when page Page is requested.
type ErrorAt struct {
	Page int
	Err  error
}

// Paged splits observations into pages of size n and links them with tokens.
func Paged(obs []fetcher.Observation, n int) []fetcher.HistoryPage {
	var pages []fetcher.HistoryPage
	for start := 0; start < len(obs); start += n {
		end := min(start+n, len(obs))
		pages = append(pages, fetcher.HistoryPage{Observations: obs[start:end]})
	}
	if len(pages) == 0 {
		pages = append(pages, fetcher.HistoryPage{})
	}
	for i := range pages[:len(pages)-1] {
		pages[i].NextToken = "page-" + strconv.Itoa(i+1)
	}
	return pages
}

// Regions implements fetcher.SpotPriceProvider.
func (p *Provider) Regions(context.Context) ([]string, error) {
	if p.RegionsErr != nil {
		return nil, &fetcher.ProviderError{Op: "describe regions", Err: p.RegionsErr}
	}
	return append([]string(nil), p.RegionList...), nil
}

// PriceHistory implements fetcher.SpotPriceProvider.
func (p *Provider) PriceHistory(_ context.Context, req fetcher.HistoryRequest) (fetcher.HistoryPage, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	p.mu.Unlock()

	idx := 0
	if req.NextToken != "" {
		if _, err := fmt.Sscanf(req.NextToken, "page-%d", &idx); err != nil {
			return fetcher.HistoryPage{}, &fetcher.ProviderError{Region: req.Region, Op: "describe spot price history", Err: err}
		}
	}
	if e, ok := p.Errors[req.Region]; ok && e.Page == idx {
		return fetcher.HistoryPage{}, &fetcher.ProviderError{Region: req.Region, Op: "describe spot price history", Err: e.Err}
	}

	pages := p.Pages[req.Region]
	if idx >= len(pages) {
		return fetcher.HistoryPage{}, nil
	}
	return pages[idx], nil
}

// RequestCount returns how many history requests were made for region.
func (p *Provider) RequestCount(region string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.Requests {
		if r.Region == region {
			n++
		}
	}
	return n
}

var _ fetcher.SpotPriceProvider = (*Provider)(nil)
