// Package s3 implements objectstore.Store on Amazon S3.
//
// Buckets in other accounts are reached by assuming the bucket's role
// through STS. Clients are cached per region and role; assumed-role
// credentials are refreshed by the SDK's credentials cache before they
// expire.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/heraldhq/herald/objectstore"
)

const (
	// DefaultRegion is used for buckets that do not name a region.
	DefaultRegion = "us-east-1"

	// DefaultAssumeRoleDuration is the lifetime of assumed-role credentials.
	DefaultAssumeRoleDuration = time.Hour
)

// API is the subset of the S3 client the store uses.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Presigner signs upload requests.
type Presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error)
}

// PresignedRequest is a signed request URL.
type PresignedRequest struct {
	URL string
}

type presignClient struct {
	client *s3.PresignClient
}

func (p presignClient) PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
	req, err := p.client.PresignPutObject(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return &PresignedRequest{URL: req.URL}, nil
}

// Config configures the S3 store.
type Config struct {
	// Region is used when a bucket does not name one. Defaults to DefaultRegion.
	Region string

	// Endpoint overrides the S3 endpoint, for S3-compatible services.
	Endpoint string

	// UsePathStyle addresses buckets by path instead of virtual host.
	UsePathStyle bool

	// AssumeRoleDuration is the lifetime of assumed-role credentials.
	AssumeRoleDuration time.Duration
}

type clientKey struct {
	region  string
	roleARN string
}

type client struct {
	api     API
	presign Presigner
}

// Store is an objectstore.Store backed by S3.
type Store struct {
	base   aws.Config
	config Config
	logger *slog.Logger

	mu        sync.Mutex
	clients   map[clientKey]client
	newClient func(loc objectstore.Location) client
}

var _ objectstore.Store = (*Store)(nil)

// New loads the default AWS configuration chain and returns a Store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewFromConfig(awsCfg, cfg, logger), nil
}

// NewFromConfig returns a Store using awsCfg for credentials.
func NewFromConfig(awsCfg aws.Config, cfg Config, logger *slog.Logger) *Store {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.AssumeRoleDuration <= 0 {
		cfg.AssumeRoleDuration = DefaultAssumeRoleDuration
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		base:    awsCfg,
		config:  cfg,
		logger:  logger,
		clients: make(map[clientKey]client),
	}
	s.newClient = s.buildClient
	return s
}

func (s *Store) clientFor(loc objectstore.Location) client {
	region := loc.Region
	if region == "" {
		region = s.config.Region
	}
	key := clientKey{region: region, roleARN: loc.RoleARN}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[key]; ok {
		return c
	}
	loc.Region = region
	c := s.newClient(loc)
	s.clients[key] = c
	return c
}

func (s *Store) buildClient(loc objectstore.Location) client {
	cfg := s.base.Copy()
	cfg.Region = loc.Region

	if loc.RoleARN != "" {
		sessionName := loc.SessionName
		if sessionName == "" {
			sessionName = "herald"
		}
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(s.base), loc.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = sessionName
			o.Duration = s.config.AssumeRoleDuration
		})
		cfg.Credentials = aws.NewCredentialsCache(provider)
		s.logger.Debug("Using assumed role for bucket access",
			"role_arn", loc.RoleARN,
			"region", loc.Region)
	}

	api := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.config.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.config.Endpoint)
		}
		o.UsePathStyle = s.config.UsePathStyle
	})
	return client{api: api, presign: presignClient{client: s3.NewPresignClient(api)}}
}

// Put uploads body to key.
func (s *Store) Put(ctx context.Context, loc objectstore.Location, key string, body []byte, contentType string) error {
	c := s.clientFor(loc)
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(loc.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", loc.Bucket, key, err)
	}
	return nil
}

// PresignPut returns a URL that accepts a PUT of key until expires elapses.
func (s *Store) PresignPut(ctx context.Context, loc objectstore.Location, key, contentType string, expires time.Duration) (string, error) {
	c := s.clientFor(loc)
	req, err := c.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(loc.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presign s3://%s/%s: %w", loc.Bucket, key, err)
	}
	return req.URL, nil
}

// List returns up to maxKeys objects under prefix.
func (s *Store) List(ctx context.Context, loc objectstore.Location, prefix string, maxKeys int) (*objectstore.Listing, error) {
	c := s.clientFor(loc)
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(loc.Bucket),
		Prefix: aws.String(prefix),
	}
	if maxKeys > 0 {
		input.MaxKeys = aws.Int32(int32(maxKeys))
	}
	out, err := c.api.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("list s3://%s/%s: %w", loc.Bucket, prefix, err)
	}

	listing := &objectstore.Listing{Truncated: aws.ToBool(out.IsTruncated)}
	for _, obj := range out.Contents {
		listing.Objects = append(listing.Objects, objectstore.Object{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	return listing, nil
}

// Head returns the object's metadata, or objectstore.ErrNotFound.
func (s *Store) Head(ctx context.Context, loc objectstore.Location, key string) (*objectstore.Object, error) {
	c := s.clientFor(loc)
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
			return nil, objectstore.ErrNotFound
		}
		return nil, fmt.Errorf("head s3://%s/%s: %w", loc.Bucket, key, err)
	}
	return &objectstore.Object{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, loc objectstore.Location, key string) error {
	c := s.clientFor(loc)
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", loc.Bucket, key, err)
	}
	return nil
}
