// Package s3 provides the report archiver: sweep reports uploaded to an S3
// bucket as JSON, one object per run.
//
// This package wraps the AWS SDK v2. Keys are deterministic (derived from
// the run's start date and run ID), so re-archiving a run overwrites its
// object instead of accumulating duplicates.
//
// # Authentication
//
// The client uses AWS SDK default credential chain:
//  1. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  2. Shared credentials file (~/.aws/credentials)
//  3. IAM role (if running on EC2)
//
// Uploads must be signed, so there is no anonymous mode: without
// credentials, New succeeds but PutObject will be rejected by S3.
//
// # Usage Example
//
//	client, err := s3.New(ctx, s3.Config{
//		Region: "us-east-1",
//		Bucket: "dmsweep-reports",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	client.SetLogger(logger)
//
//	key, err := client.ArchiveReport(ctx, report)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("archived as s3://%s/%s\n", "dmsweep-reports", key)
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/superfly/dmsweep"
)

// Client wraps the S3 client with helper methods for report archival.
type Client struct {
	s3Client *s3.Client
	logger   *logrus.Logger
	bucket   string
	prefix   string
}

// Config holds S3 client configuration.
type Config struct {
	// Region is the AWS region (optional, defaults to us-east-1)
	Region string

	// Bucket is the S3 bucket reports are archived to
	Bucket string

	// Prefix is prepended to every report key, for shared buckets
	Prefix string
}

// DefaultConfig returns a default S3 configuration.
func DefaultConfig() Config {
	return Config{
		Region: "us-east-1",
		Bucket: "dmsweep-reports",
	}
}

// New creates a new S3 archiver client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	// Load AWS configuration
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Client{
		s3Client: s3.NewFromConfig(awsCfg),
		logger:   logrus.New(),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
	}, nil
}

// SetLogger sets a custom logger for the client.
func (c *Client) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// SuppressLogs disables all log output from the S3 client.
// This is useful when running in TUI mode where logs would interfere with the display.
func (c *Client) SuppressLogs() {
	c.logger.SetOutput(io.Discard)
}

// Bucket returns the bucket reports are archived to.
func (c *Client) Bucket() string {
	return c.bucket
}

// ArchiveReport uploads a run's JSON report under its deterministic key and
// returns the key used.
func (c *Client) ArchiveReport(ctx context.Context, report *dmsweep.SweepReport) (string, error) {
	key := dmsweep.DeriveReportKey(report.StartedAt, report.RunID)
	if c.prefix != "" {
		key = path.Join(c.prefix, key)
	}
	if err := validateKey(key); err != nil {
		return "", fmt.Errorf("invalid report key: %w", err)
	}

	body, err := report.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}

	logger := c.logger.WithFields(logrus.Fields{
		"bucket":     c.bucket,
		"key":        key,
		"size_bytes": len(body),
	})

	if exists, err := c.ObjectExists(ctx, key); err == nil && exists {
		logger.Debug("overwriting previously archived report")
	}

	logger.Info("uploading sweep report")

	_, err = c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload report: %w", err)
	}

	logger.Info("sweep report archived")

	return key, nil
}

// ObjectExists checks if an object exists in the archive bucket.
func (c *Client) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})

	if err != nil {
		// Check if it's a "not found" error
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}

	return true, nil
}

// validateKey validates an object key for security.
func validateKey(key string) error {
	// Check for empty key
	if key == "" {
		return fmt.Errorf("object key cannot be empty")
	}

	// Check length (max 1024 characters)
	if len(key) > 1024 {
		return fmt.Errorf("object key too long: %d characters (max 1024)", len(key))
	}

	// Check for path traversal attempts
	if strings.Contains(key, "..") {
		return fmt.Errorf("object key contains path traversal: %s", key)
	}

	// Check for absolute paths (should be relative)
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("object key should not start with /: %s", key)
	}

	// Check for null bytes
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("object key contains null byte")
	}

	return nil
}
