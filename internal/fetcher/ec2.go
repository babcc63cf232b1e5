package fetcher

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/rs/zerolog"
)

// EC2Options parameterise the EC2 spot price provider.
type EC2Options struct {
	Profile         string
	CredentialsFile string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultRegion   string
	Endpoint        string
	Timeout         time.Duration
	MaxAttempts     int
}

// EC2 reads spot price history through the EC2 API, one client per region.
type EC2 struct {
	opts   EC2Options
	logger zerolog.Logger

	clientMux sync.Mutex
	base      *aws.Config
	clients   map[string]*ec2.Client
}

// NewEC2 builds a provider. No AWS calls are made until first use.
func NewEC2(opts EC2Options, logger zerolog.Logger) *EC2 {
	if opts.DefaultRegion == "" {
		opts.DefaultRegion = "us-east-1"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &EC2{
		opts:    opts,
		logger:  logger.With().Str("component", "ec2_provider").Logger(),
		clients: make(map[string]*ec2.Client),
	}
}

// Regions lists the regions enabled for the account, sorted by name.
func (e *EC2) Regions(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	client, err := e.getClient(ctx, e.opts.DefaultRegion)
	if err != nil {
		return nil, &ProviderError{Op: "describe regions", Err: err}
	}

	out, err := client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, &ProviderError{Op: "describe regions", Err: err}
	}

	regions := make([]string, 0, len(out.Regions))
	for _, r := range out.Regions {
		if name := aws.ToString(r.RegionName); name != "" {
			regions = append(regions, name)
		}
	}
	sort.Strings(regions)
	return regions, nil
}

// PriceHistory fetches one page of spot price history.
func (e *EC2) PriceHistory(ctx context.Context, req HistoryRequest) (HistoryPage, error) {
	if req.Region == "" {
		return HistoryPage{}, &ProviderError{Op: "describe spot price history", Err: errors.New("region is required")}
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	client, err := e.getClient(ctx, req.Region)
	if err != nil {
		return HistoryPage{}, &ProviderError{Region: req.Region, Op: "describe spot price history", Err: err}
	}

	input := &ec2.DescribeSpotPriceHistoryInput{
		StartTime: req.Start,
		EndTime:   req.End,
	}
	if req.MaxResults > 0 {
		input.MaxResults = aws.Int32(req.MaxResults)
	}
	if req.NextToken != "" {
		input.NextToken = aws.String(req.NextToken)
	}

	out, err := client.DescribeSpotPriceHistory(ctx, input)
	if err != nil {
		return HistoryPage{}, &ProviderError{Region: req.Region, Op: "describe spot price history", Err: err}
	}

	page := HistoryPage{
		Observations: make([]Observation, 0, len(out.SpotPriceHistory)),
		NextToken:    aws.ToString(out.NextToken),
	}
	for _, sp := range out.SpotPriceHistory {
		page.Observations = append(page.Observations, Observation{
			InstanceType:       string(sp.InstanceType),
			ProductDescription: string(sp.ProductDescription),
			AvailabilityZone:   aws.ToString(sp.AvailabilityZone),
			SpotPrice:          aws.ToString(sp.SpotPrice),
			Timestamp:          aws.ToTime(sp.Timestamp),
		})
	}

	e.logger.Debug().
		Str("region", req.Region).
		Int("observations", len(page.Observations)).
		Bool("more", page.NextToken != "").
		Msg("fetched spot price page")

	return page, nil
}

func (e *EC2) getClient(ctx context.Context, region string) (*ec2.Client, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if client, ok := e.clients[region]; ok {
		return client, nil
	}

	if e.base == nil {
		cfg, err := e.loadConfig(ctx)
		if err != nil {
			return nil, err
		}
		e.base = &cfg
	}

	client := ec2.NewFromConfig(*e.base, func(o *ec2.Options) {
		o.Region = region
		if e.opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(e.opts.Endpoint)
		}
		if e.opts.MaxAttempts > 0 {
			o.RetryMaxAttempts = e.opts.MaxAttempts
		}
	})
	e.clients[region] = client
	return client, nil
}

func (e *EC2) loadConfig(ctx context.Context) (aws.Config, error) {
	loaders := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(e.opts.DefaultRegion),
	}
	if e.opts.Profile != "" {
		loaders = append(loaders, awsconfig.WithSharedConfigProfile(e.opts.Profile))
	}
	if e.opts.CredentialsFile != "" {
		loaders = append(loaders, awsconfig.WithSharedCredentialsFiles([]string{e.opts.CredentialsFile}))
	}
	if e.opts.AccessKeyID != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(e.opts.AccessKeyID, e.opts.SecretAccessKey, e.opts.SessionToken),
		))
	}
	return awsconfig.LoadDefaultConfig(ctx, loaders...)
}

var _ SpotPriceProvider = (*EC2)(nil)
