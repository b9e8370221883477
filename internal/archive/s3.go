// Package archive stores settlement reconciliation records in S3-compatible storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/duel-arena/internal/config"
	"github.com/duel-arena/internal/domain"
)

// ObjectPutter is the subset of the S3 client the archive uses
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Reconciler writes one JSON object per failed settlement
type S3Reconciler struct {
	client ObjectPutter
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Reconciler builds an S3 client from the archive configuration
func NewS3Reconciler(ctx context.Context, cfg *config.ArchiveConfig, logger *slog.Logger) (*S3Reconciler, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3ReconcilerWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewS3ReconcilerWithClient wraps an existing client
func NewS3ReconcilerWithClient(client ObjectPutter, bucket, prefix string, logger *slog.Logger) *S3Reconciler {
	return &S3Reconciler{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}
}

// RecordReconciliation uploads the record as <prefix>/<duel id>.json
func (r *S3Reconciler) RecordReconciliation(ctx context.Context, rec domain.ReconciliationRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling reconciliation record: %w", err)
	}

	key := r.objectKey(rec.DuelID)
	_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("uploading reconciliation record: %w", err)
	}

	r.logger.Info("reconciliation record archived",
		"duel_id", rec.DuelID,
		"outcome", rec.Outcome,
		"bucket", r.bucket,
		"key", key,
	)
	return nil
}

func (r *S3Reconciler) objectKey(duelID string) string {
	return path.Join(r.prefix, duelID+".json")
}
