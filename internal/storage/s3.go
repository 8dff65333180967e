package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"soundline/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v4"
)

const (
	// ArchivePrefix is the keyspace for inbound archives
	ArchivePrefix = "archives/"
	// ProcessedPrefix is the keyspace for retained clips
	ProcessedPrefix = "processed/"

	// MultipartThreshold is the payload size above which uploads switch
	// to multipart (100MB)
	MultipartThreshold = 100 * 1024 * 1024

	// RequestTimeout bounds a single blob-store call. Archives run to
	// gigabytes, so this is minutes-scale.
	RequestTimeout = 15 * time.Minute
)

// BlobStore is the object-storage surface the workers consume. Implemented
// by S3Storage; faked in worker tests.
type BlobStore interface {
	UploadArchive(ctx context.Context, localPath, batchID string) (string, error)
	DownloadArchive(ctx context.Context, s3Key, localPath string) error
	UploadOpus(ctx context.Context, localPath string, audioID int64, dateStr string) (string, error)
	Delete(ctx context.Context, key string) error
	Head(ctx context.Context, key string) (int64, error)
	CheckConnection(ctx context.Context) error
}

// ErrNotFound is returned by Head for missing keys.
var ErrNotFound = errors.New("object not found")

// S3Storage talks to an S3-compatible blob store (OpenStack Swift, radosgw,
// AWS) using S3v4 signatures and path-style addressing.
type S3Storage struct {
	client *s3.Client
	bucket string
}

// Config holds blob store connection settings
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

// ConfigFromEnv builds a Config from the recognised BLOB_* keys.
func ConfigFromEnv() Config {
	return Config{
		Endpoint:  config.BlobEndpoint,
		AccessKey: config.BlobAccessKey,
		SecretKey: config.BlobSecretKey,
		Bucket:    config.BlobBucket,
	}
}

// New creates a blob store client and verifies bucket access.
func New(ctx context.Context, cfg Config) (*S3Storage, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("BLOB_ENDPOINT is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("BLOB_ACCESS_KEY and BLOB_SECRET_KEY are required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "",
		)),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true // Swift/radosgw require path-style addressing
	})

	storage := &S3Storage{client: client, bucket: cfg.Bucket}

	if err := storage.CheckConnection(ctx); err != nil {
		return nil, fmt.Errorf("failed to access bucket %s: %w", cfg.Bucket, err)
	}

	slog.Info("Blob storage initialized", "bucket", cfg.Bucket, "endpoint", cfg.Endpoint)
	return storage, nil
}

// retryPolicy is the transient-error policy: capped exponential backoff,
// 1s initial, 30s cap, 5 attempts total.
func retryPolicy(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(policy, 4), ctx)
}

// ArchiveKey returns the blob key for a batch's source archive.
func ArchiveKey(batchID string) string {
	return fmt.Sprintf("%s%s.tar", ArchivePrefix, batchID)
}

// OpusKey returns the blob key for a retained clip.
func OpusKey(audioID int64, dateStr string) string {
	return fmt.Sprintf("%s%s/%d.opus", ProcessedPrefix, dateStr, audioID)
}

// UploadArchive uploads a tar archive to archives/{batch_id}.tar. Payloads
// over MultipartThreshold go through the multipart uploader.
func (s *S3Storage) UploadArchive(ctx context.Context, localPath, batchID string) (string, error) {
	key := ArchiveKey(batchID)

	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("archive not found: %w", err)
	}

	slog.Info("Uploading archive",
		"path", filepath.Base(localPath), "key", key, "size_mb", info.Size()/1024/1024)

	if err := s.putFile(ctx, key, localPath, info.Size()); err != nil {
		return "", err
	}

	slog.Info("Archive upload complete", "key", key)
	return key, nil
}

// UploadOpus uploads a processed clip to processed/{date}/{audio_id}.opus.
func (s *S3Storage) UploadOpus(ctx context.Context, localPath string, audioID int64, dateStr string) (string, error) {
	key := OpusKey(audioID, dateStr)

	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("opus file not found: %w", err)
	}

	if err := s.putFile(ctx, key, localPath, info.Size()); err != nil {
		return "", err
	}

	slog.Debug("Opus uploaded", "audio_id", audioID, "key", key)
	return key, nil
}

func (s *S3Storage) putFile(ctx context.Context, key, localPath string, size int64) error {
	return backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
		defer cancel()

		f, err := os.Open(localPath)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to open %s: %w", localPath, err))
		}
		defer f.Close()

		if size > MultipartThreshold {
			uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
				u.PartSize = 50 * 1024 * 1024
				u.Concurrency = 4
			})
			_, err = uploader.Upload(callCtx, &s3.PutObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(key),
				Body:   f,
			})
		} else {
			_, err = s.client.PutObject(callCtx, &s3.PutObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(key),
				Body:   f,
			})
		}
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
		return nil
	}, retryPolicy(ctx))
}

// DownloadArchive fetches a blob into localPath.
func (s *S3Storage) DownloadArchive(ctx context.Context, s3Key, localPath string) error {
	slog.Info("Downloading archive", "key", s3Key, "dest", localPath)

	err := backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
		defer cancel()

		result, err := s.client.GetObject(callCtx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s3Key),
		})
		if err != nil {
			var noKey *types.NoSuchKey
			if errors.As(err, &noKey) {
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, s3Key))
			}
			return fmt.Errorf("failed to download %s: %w", s3Key, err)
		}
		defer result.Body.Close()

		out, err := os.Create(localPath)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create %s: %w", localPath, err))
		}

		if _, err := io.Copy(out, result.Body); err != nil {
			out.Close()
			os.Remove(localPath)
			return fmt.Errorf("failed to write %s: %w", localPath, err)
		}
		return out.Close()
	}, retryPolicy(ctx))
	if err != nil {
		return err
	}

	if info, err := os.Stat(localPath); err == nil {
		slog.Info("Download complete", "key", s3Key, "size_mb", info.Size()/1024/1024)
	}
	return nil
}

// Delete removes a blob. Missing keys are not an error.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	callCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	_, err := s.client.DeleteObject(callCtx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	slog.Info("Blob deleted", "key", key)
	return nil
}

// Head returns a blob's size, or ErrNotFound.
func (s *S3Storage) Head(ctx context.Context, key string) (int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	result, err := s.client.HeadObject(callCtx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return 0, fmt.Errorf("failed to head %s: %w", key, err)
	}

	return aws.ToInt64(result.ContentLength), nil
}

// CheckConnection verifies bucket access. Health checks only.
func (s *S3Storage) CheckConnection(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.client.HeadBucket(callCtx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", s.bucket, err)
	}
	return nil
}
