package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const regionsXML = `<?xml version="1.0" encoding="UTF-8"?>
<DescribeRegionsResponse xmlns="http://ec2.amazonaws.com/doc/2016-11-15/">
  <requestId>req-1</requestId>
  <regionInfo>
    <item><regionName>us-west-2</regionName><regionEndpoint>ec2.us-west-2.amazonaws.com</regionEndpoint></item>
    <item><regionName>eu-west-1</regionName><regionEndpoint>ec2.eu-west-1.amazonaws.com</regionEndpoint></item>
  </regionInfo>
</DescribeRegionsResponse>`

const historyPageXML = `<?xml version="1.0" encoding="UTF-8"?>
<DescribeSpotPriceHistoryResponse xmlns="http://ec2.amazonaws.com/doc/2016-11-15/">
  <requestId>req-2</requestId>
  <spotPriceHistorySet>
    <item>
      <instanceType>m5.large</instanceType>
      <productDescription>Linux/UNIX</productDescription>
      <spotPrice>0.041200</spotPrice>
      <timestamp>2024-05-01T10:00:00.000Z</timestamp>
      <availabilityZone>us-east-1a</availabilityZone>
    </item>
    <item>
      <instanceType>c5.xlarge</instanceType>
      <productDescription>Windows</productDescription>
      <spotPrice>0.180000</spotPrice>
      <timestamp>2024-05-01T09:30:00.000Z</timestamp>
      <availabilityZone>us-east-1b</availabilityZone>
    </item>
  </spotPriceHistorySet>
  <nextToken>%s</nextToken>
</DescribeSpotPriceHistoryResponse>`

const authFailureXML = `<?xml version="1.0" encoding="UTF-8"?>
<Response><Errors><Error><Code>AuthFailure</Code><Message>credentials rejected</Message></Error></Errors><RequestID>req-3</RequestID></Response>`

func newTestEC2(t *testing.T, handler http.HandlerFunc) *EC2 {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewEC2(EC2Options{
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		DefaultRegion:   "us-east-1",
		Endpoint:        srv.URL,
		Timeout:         5 * time.Second,
		MaxAttempts:     1,
	}, zerolog.Nop())
}

func TestEC2RegionsSorted(t *testing.T) {
	p := newTestEC2(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if got := r.Form.Get("Action"); got != "DescribeRegions" {
			t.Errorf("unexpected action %q", got)
		}
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(regionsXML))
	})

	regions, err := p.Regions(context.Background())
	if err != nil {
		t.Fatalf("regions: %v", err)
	}
	if len(regions) != 2 || regions[0] != "eu-west-1" || regions[1] != "us-west-2" {
		t.Fatalf("unexpected regions %v", regions)
	}
}

func TestEC2PriceHistoryPassesTokenAndWindow(t *testing.T) {
	var gotToken, gotStart, gotMax string
	p := newTestEC2(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotToken = r.Form.Get("NextToken")
		gotStart = r.Form.Get("StartTime")
		gotMax = r.Form.Get("MaxResults")
		w.Header().Set("Content-Type", "text/xml")
		_, _ = fmt.Fprintf(w, historyPageXML, "token-2")
	})

	start := time.Date(2024, 4, 30, 10, 0, 0, 0, time.UTC)
	page, err := p.PriceHistory(context.Background(), HistoryRequest{
		Region:     "us-east-1",
		Start:      &start,
		MaxResults: 1000,
		NextToken:  "token-1",
	})
	if err != nil {
		t.Fatalf("price history: %v", err)
	}

	if gotToken != "token-1" {
		t.Fatalf("continuation token not forwarded, got %q", gotToken)
	}
	if gotStart == "" {
		t.Fatal("start time not forwarded")
	}
	if gotMax != "1000" {
		t.Fatalf("max results not forwarded, got %q", gotMax)
	}
	if page.NextToken != "token-2" {
		t.Fatalf("expected next token token-2, got %q", page.NextToken)
	}
	if len(page.Observations) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(page.Observations))
	}

	first := page.Observations[0]
	if first.InstanceType != "m5.large" || first.ProductDescription != "Linux/UNIX" || first.AvailabilityZone != "us-east-1a" {
		t.Fatalf("unexpected observation %+v", first)
	}
	if first.SpotPrice != "0.041200" {
		t.Fatalf("spot price should be passed through verbatim, got %q", first.SpotPrice)
	}
	if !first.Timestamp.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp %s", first.Timestamp)
	}
}

func TestEC2PriceHistoryLastPageHasNoToken(t *testing.T) {
	p := newTestEC2(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		_, _ = fmt.Fprintf(w, historyPageXML, "")
	})

	page, err := p.PriceHistory(context.Background(), HistoryRequest{Region: "us-east-1"})
	if err != nil {
		t.Fatalf("price history: %v", err)
	}
	if page.NextToken != "" {
		t.Fatalf("expected empty token, got %q", page.NextToken)
	}
}

func TestEC2PriceHistoryAPIErrorIsProviderError(t *testing.T) {
	p := newTestEC2(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(authFailureXML))
	})

	_, err := p.PriceHistory(context.Background(), HistoryRequest{Region: "ap-south-1"})
	if err == nil {
		t.Fatal("expected an error for a 401 response")
	}
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %T", err)
	}
	if perr.Region != "ap-south-1" {
		t.Fatalf("error should carry the region, got %q", perr.Region)
	}
}

func TestEC2PriceHistoryRequiresRegion(t *testing.T) {
	p := NewEC2(EC2Options{}, zerolog.Nop())
	if _, err := p.PriceHistory(context.Background(), HistoryRequest{}); err == nil {
		t.Fatal("missing region should fail before any request")
	}
}
