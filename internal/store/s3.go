// ABOUTME: S3-backed result sink uploading one JSON object per scan.
// ABOUTME: Supports optional role assumption through STS for cross-account buckets.

package store

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/jfeddern/KubeScan/internal/types"
	"github.com/sirupsen/logrus"
)

// ObjectPutter is the subset of the S3 client the sink needs
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config holds the bucket settings for the S3 sink
type S3Config struct {
	Bucket        string
	Prefix        string
	Region        string
	AssumeRoleARN string
}

// S3Sink uploads reports to s3://<bucket>/<prefix>/scan_<id>.json
type S3Sink struct {
	client ObjectPutter
	bucket string
	prefix string
	logger *logrus.Logger
}

// NewS3Sink loads the default AWS configuration and creates an S3 sink
func NewS3Sink(ctx context.Context, cfg S3Config, logger *logrus.Logger) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if cfg.AssumeRoleARN != "" {
		logger.WithField("role_arn", cfg.AssumeRoleARN).Info("Assuming role for S3 result uploads")
		stsClient := sts.NewFromConfig(awsCfg.Copy())
		awsCfg.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, cfg.AssumeRoleARN))
	}

	return NewS3SinkForClient(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix, logger), nil
}

// NewS3SinkForClient creates an S3 sink around an existing client
func NewS3SinkForClient(client ObjectPutter, bucket, prefix string, logger *logrus.Logger) *S3Sink {
	return &S3Sink{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}
}

// Name returns the sink name
func (s *S3Sink) Name() string {
	return "s3"
}

// Key returns the object key used for scanID
func (s *S3Sink) Key(scanID string) string {
	return path.Join(s.prefix, objectName(scanID))
}

// Save uploads result as a JSON object
func (s *S3Sink) Save(ctx context.Context, result *types.ScanResult) error {
	data, err := encode(result)
	if err != nil {
		return err
	}

	key := s.Key(result.ScanID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload scan result to s3://%s/%s: %w", s.bucket, key, err)
	}

	s.logger.WithFields(logrus.Fields{
		"scan_id": result.ScanID,
		"bucket":  s.bucket,
		"key":     key,
	}).Info("Uploaded scan result")
	return nil
}
