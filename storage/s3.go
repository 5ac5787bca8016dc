package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

// S3Mirror replicates sealed ciphertext into an S3 (or compatible) bucket.
// Objects are private: ciphertext is useless without the enclave seal key,
// but there is no reason to publish it either.
type S3Mirror struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// S3MirrorConfig describes the target bucket. Empty credentials fall back to
// the default AWS credential chain.
type S3MirrorConfig struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3Mirror creates an S3 mirror client.
func NewS3Mirror(cfg S3MirrorConfig, log *slog.Logger) (*S3Mirror, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	query := url.Values{}
	query.Set("region", cfg.Region)
	if cfg.Endpoint != "" {
		query.Set("endpoint", cfg.Endpoint)
	}

	return &S3Mirror{
		client:      s3.New(sess),
		bucketName:  cfg.Bucket,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		log:         log,
		locationURI: fmt.Sprintf("s3://%s/%s?%s", cfg.Bucket, cfg.Prefix, query.Encode()),
	}, nil
}

func (m *S3Mirror) Fetch(ctx context.Context, id interfaces.BlobID, kind interfaces.BlobKind) ([]byte, error) {
	start := time.Now()
	key := m.objectKey(id, kind)

	result, err := m.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			m.log.Debug("Blob not found in S3 mirror",
				slog.String("bucket", m.bucketName),
				slog.String("key", key))
			return nil, interfaces.ErrBlobNotFound
		}
		m.log.Error("Failed to get object from S3",
			slog.String("bucket", m.bucketName),
			slog.String("key", key),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrMirrorUnavailable, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}

	m.log.Debug("Fetched blob from S3 mirror",
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

func (m *S3Mirror) Store(ctx context.Context, data []byte, kind interfaces.BlobKind) (interfaces.BlobID, error) {
	id := interfaces.ComputeBlobID(data)
	key := m.objectKey(id, kind)

	_, err := m.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return id, fmt.Errorf("%w: failed to upload object to S3: %v", interfaces.ErrMirrorUnavailable, err)
	}

	m.log.Debug("Stored blob in S3 mirror",
		slog.String("bucket", m.bucketName),
		slog.String("key", key))
	return id, nil
}

// Available heads the bucket.
func (m *S3Mirror) Available(ctx context.Context) bool {
	_, err := m.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(m.bucketName),
	})
	if err != nil {
		m.log.Warn("S3 mirror unavailable",
			slog.String("bucket", m.bucketName),
			"err", err)
		return false
	}
	return true
}

func (m *S3Mirror) Name() string {
	return fmt.Sprintf("s3-%s", m.bucketName)
}

func (m *S3Mirror) LocationURI() string {
	return m.locationURI
}

func (m *S3Mirror) objectKey(id interfaces.BlobID, kind interfaces.BlobKind) string {
	return path.Join(m.prefix, kind.String(), id.String())
}
