// Package archive stores raw provider payloads in object storage, keyed by
// environment, symbol and trading date, so any load can be audited or
// replayed without re-fetching the provider.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mkowalik/stockflow/internal/domain"
)

// Config selects the archive bucket. An empty bucket disables archival.
type Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	// Endpoint overrides the AWS endpoint for MinIO-style deployments.
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Enabled reports whether archival is configured at all.
func (c Config) Enabled() bool {
	return c.Bucket != ""
}

// uploader is the slice of manager.Uploader the archiver needs.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3 uploads payloads under <prefix>/<env>/<symbol>/<date>.csv.
type S3 struct {
	up     uploader
	bucket string
	prefix string
	log    zerolog.Logger
}

// NewS3 builds the archiver from ambient AWS configuration plus the static
// overrides in cfg.
func NewS3(ctx context.Context, cfg Config) (*S3, error) {
	if !cfg.Enabled() {
		return nil, errors.New("archive bucket not configured")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3{
		up:     manager.NewUploader(client),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		log:    log.With().Str("component", "archive").Logger(),
	}, nil
}

// Store uploads one payload. The key is deterministic, so re-runs of the
// same logical date overwrite rather than accumulate.
func (s *S3) Store(ctx context.Context, env domain.Environment, symbol string, day time.Time, payload []byte) error {
	key := s.key(env, symbol, day)
	_, err := s.up.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	s.log.Debug().Str("key", key).Int("bytes", len(payload)).Msg("payload archived")
	return nil
}

func (s *S3) key(env domain.Environment, symbol string, day time.Time) string {
	key := fmt.Sprintf("%s/%s/%s.csv", env, strings.ToLower(symbol), day.Format(domain.DateLayout))
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	return key
}
