package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/provlab/phone-provisioning-backend/interfaces"
)

// S3Store implements a storage backend using Amazon S3 or compatible
// services. Keys map to object keys under an optional prefix.
type S3Store struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Store creates a new S3 storage backend. If accessKey and secretKey
// are empty the client uses the ambient AWS credential chain.
func NewS3Store(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Store, error) {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		// Custom endpoints (minio and friends) usually need path-style
		// addressing.
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Store{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.Trim(prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

// Get retrieves an object from S3 by key. Returns an error wrapping
// interfaces.ErrConfigNotFound if the object doesn't exist.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	objectKey := s.objectKey(key)

	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			s.log.Debug("Record not found in S3",
				slog.String("bucket", s.bucketName),
				slog.String("key", objectKey),
				slog.Duration("duration", time.Since(start)))
			return nil, fmt.Errorf("%w: %s", interfaces.ErrConfigNotFound, key)
		}

		s.log.Error("Failed to get object from S3",
			slog.String("bucket", s.bucketName),
			slog.String("key", objectKey),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("%w: get %s: %v", interfaces.ErrStoreUnavailable, objectKey, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", interfaces.ErrStoreUnavailable, objectKey, err)
	}

	s.log.Debug("Fetched record from S3",
		slog.String("bucket", s.bucketName),
		slog.String("key", objectKey),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Put uploads the value under key.
func (s *S3Store) Put(ctx context.Context, key string, value []byte) error {
	objectKey := s.objectKey(key)

	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(objectKey),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", interfaces.ErrStoreUnavailable, objectKey, err)
	}

	s.log.Debug("Stored record in S3",
		slog.String("bucket", s.bucketName),
		slog.String("key", objectKey),
		slog.Int("size", len(value)))

	return nil
}

// Delete removes the object for key. Deleting an absent object is not an
// error in S3.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	objectKey := s.objectKey(key)

	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", interfaces.ErrStoreUnavailable, objectKey, err)
	}
	return nil
}

// List returns all keys under the given namespace prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	objectPrefix := s.objectKey(strings.TrimSuffix(prefix, "/")) + "/"

	var keys []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(objectPrefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, object := range page.Contents {
			key := aws.StringValue(object.Key)
			if s.prefix != "" {
				key = strings.TrimPrefix(key, s.prefix+"/")
			}
			keys = append(keys, key)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %v", interfaces.ErrStoreUnavailable, objectPrefix, err)
	}
	return keys, nil
}

// Name returns a unique identifier for this storage backend.
func (s *S3Store) Name() string {
	return fmt.Sprintf("s3-%s", s.bucketName)
}

// LocationURI returns the URI that identifies this storage backend.
func (s *S3Store) LocationURI() string {
	return s.locationURI
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}
