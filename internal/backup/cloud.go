package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// ErrMirrorUnconfigured indicates the S3 mirror settings are incomplete.
var ErrMirrorUnconfigured = errors.New("s3 mirror unconfigured")

// Uploader mirrors a finished archive to remote storage.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) error
}

// S3Config configures the S3 mirror. Endpoint and path-style addressing
// support MinIO-compatible stores.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// S3Mirror uploads backup archives to an S3 bucket for CLOUD and HYBRID
// storage locations.
type S3Mirror struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	logger   zerolog.Logger
}

// NewS3Mirror builds an S3 mirror from static credentials or the ambient
// credential chain when none are configured.
func NewS3Mirror(ctx context.Context, cfg S3Config, logger zerolog.Logger) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrMirrorUnconfigured)
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
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Mirror{
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		logger:   logger.With().Str("component", "s3mirror").Logger(),
	}, nil
}

// Upload streams the local archive to the bucket under prefix/key.
func (m *S3Mirror) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open archive for upload: %w", err)
	}
	defer f.Close()

	objectKey := key
	if m.prefix != "" {
		objectKey = path.Join(m.prefix, key)
	}
	_, err = m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(objectKey),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", objectKey, err)
	}

	m.logger.Info().Str("bucket", m.bucket).Str("key", objectKey).Msg("archive mirrored")
	return nil
}
