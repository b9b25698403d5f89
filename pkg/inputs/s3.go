package inputs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/bmatcuk/doublestar/v4"
)

// S3Config configures access for s3:// input patterns.
//
// Credentials follow the AWS SDK v2 default chain unless an explicit key
// pair is given.
type S3Config struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// DefaultAWSRegion is the fallback region for AWS S3 when none resolves.
const DefaultAWSRegion = "us-east-1"

// ObjectLister is the subset of the S3 API the resolver needs.
type ObjectLister interface {
	s3.ListObjectsV2APIClient
}

func newS3Client(ctx context.Context, cfg S3Config) (ObjectLister, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

func loadAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if (cfg.AccessKeyID != "") != (cfg.SecretAccessKey != "") {
		return aws.Config{}, errors.New("both access key ID and secret access key must be provided together")
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultAWSRegion
	}
	return awsCfg, nil
}

// parseS3URI splits s3://bucket/key-pattern.
func parseS3URI(uri string) (bucket, keyPattern string, err error) {
	rest := strings.TrimPrefix(uri, "s3://")
	bucket, keyPattern, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid s3 uri %q: bucket is required", uri)
	}
	if keyPattern == "" || strings.HasSuffix(keyPattern, "/") {
		keyPattern += "**"
	}
	return bucket, keyPattern, nil
}

func (r *Resolver) resolveS3(ctx context.Context, uri string) ([]string, error) {
	bucket, keyPattern, err := parseS3URI(uri)
	if err != nil {
		return nil, err
	}
	if !doublestar.ValidatePattern(keyPattern) {
		return nil, fmt.Errorf("invalid glob %q", keyPattern)
	}

	client, err := r.s3Client(ctx, r.s3)
	if err != nil {
		return nil, err
	}

	input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if prefix := staticPrefix(keyPattern); prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var out []string
	pages := s3.NewListObjectsV2Paginator(client, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, describeS3Error(bucket, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if ok, _ := doublestar.Match(keyPattern, key); ok {
				out = append(out, "s3://"+bucket+"/"+key)
			}
		}
	}
	return out, nil
}

// describeS3Error turns API error codes into operator-readable messages.
func describeS3Error(bucket string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return fmt.Errorf("bucket %q not found: %w", bucket, err)
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("access denied listing bucket %q: %w", bucket, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("invalid credentials for bucket %q: %w", bucket, err)
		}
	}
	return fmt.Errorf("list bucket %q: %w", bucket, err)
}

// staticPrefix returns the portion of a glob before its first metacharacter,
// truncated to the last complete path segment.
func staticPrefix(pattern string) string {
	idx := strings.IndexAny(pattern, "*?[{\\")
	if idx == -1 {
		return pattern
	}
	prefix := pattern[:idx]
	if slash := strings.LastIndex(prefix, "/"); slash >= 0 {
		return prefix[:slash+1]
	}
	return ""
}
