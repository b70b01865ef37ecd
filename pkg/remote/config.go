// Package remote mirrors approved baseline images between the local
// output tree and an S3 or S3-compatible bucket, so a team shares one set
// of approved baselines.
package remote

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config configures the baseline mirror.
//
// Authentication follows the AWS SDK v2 default chain unless explicit
// credentials are set. For S3-compatible stores (MinIO, Wasabi, Spaces)
// set Endpoint and usually ForcePathStyle.
type Config struct {
	// Bucket is the bucket holding shared baselines (required).
	Bucket string `mapstructure:"bucket"`

	// Prefix is prepended to every object key, so one bucket can hold
	// baselines for several projects.
	Prefix string `mapstructure:"prefix"`

	// Region is the AWS region. Empty lets the SDK resolve it.
	Region string `mapstructure:"region"`

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string `mapstructure:"endpoint"`

	// Profile selects a shared-config profile.
	Profile string `mapstructure:"profile"`

	// AccessKeyID and SecretAccessKey are explicit credentials. Both must
	// be set together; they take precedence over the default chain.
	AccessKeyID     string `mapstructure:"accessKeyId"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`

	// ForcePathStyle forces path-style URLs. Required for most
	// S3-compatible stores.
	ForcePathStyle bool `mapstructure:"forcePathStyle"`
}

// Validate checks the configuration for obvious mistakes.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("remote: bucket name is required")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return fmt.Errorf("remote: accessKeyId and secretAccessKey must be set together")
	}
	if strings.HasPrefix(c.Prefix, "/") {
		return fmt.Errorf("remote: prefix must not start with /")
	}
	return nil
}

// newClient builds the S3 client for the configuration.
func newClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		// AWS convention when nothing else resolves a region.
		awsCfg.Region = "us-east-1"
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}
