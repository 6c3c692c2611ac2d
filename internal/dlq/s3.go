package dlq

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// objectPutter is the subset of *s3.Client used by S3Sink.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes each rejected envelope to its own S3 object.
type S3Sink struct {
	client objectPutter
	config S3Config
	logger *slog.Logger
	now    func() time.Time
}

// NewS3Sink creates an S3Sink with static credentials and a custom endpoint.
func NewS3Sink(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger.Info("rejected-batch archive enabled",
		"endpoint", cfg.Endpoint,
		"bucket", cfg.Bucket,
	)

	return newS3Sink(client, cfg, logger), nil
}

func newS3Sink(client objectPutter, cfg S3Config, logger *slog.Logger) *S3Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Sink{
		client: client,
		config: cfg,
		logger: logger.With("component", "dlq-s3"),
		now:    time.Now,
	}
}

// Archive uploads envelope under a time-partitioned key.
func (s *S3Sink) Archive(ctx context.Context, envelope []byte, count int) error {
	key := s.key(s.now().UTC())

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(envelope),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"event-count": strconv.Itoa(count),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to archive rejected batch: %w", err)
	}

	s.logger.Info("archived rejected batch",
		"key", key,
		"count", count,
		"size_bytes", len(envelope),
	)
	return nil
}

// key format: {prefix}/year={y}/month={m}/day={d}/batch_{uuid}.json.
func (s *S3Sink) key(t time.Time) string {
	return fmt.Sprintf(
		"%s/year=%d/month=%02d/day=%02d/batch_%s.json",
		s.config.Prefix,
		t.Year(),
		t.Month(),
		t.Day(),
		uuid.New().String(),
	)
}
