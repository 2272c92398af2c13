// Package gcs stores photo objects in a Google Cloud Storage bucket and signs V4 read URLs.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/MarkoPoloResearchLab/photovault/internal/objectstore"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

var _ objectstore.Store = (*Store)(nil)

var ErrInvalidConfig = errors.New("invalid gcs config")

// Config selects the bucket and the credentials used for signing.
type Config struct {
	Bucket          string
	CredentialsFile string
}

// Store implements objectstore.Store on a GCS bucket.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	logger *zap.Logger
}

// New opens a GCS client. The caller owns the returned Store and must Close it.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	bucketName := strings.TrimSpace(cfg.Bucket)
	if bucketName == "" {
		return nil, fmt.Errorf("%w: bucket is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var options []option.ClientOption
	if credentialsFile := strings.TrimSpace(cfg.CredentialsFile); credentialsFile != "" {
		options = append(options, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &Store{client: client, bucket: client.Bucket(bucketName), logger: logger}, nil
}

// Close releases the underlying client.
func (store *Store) Close() error {
	return store.client.Close()
}

func (store *Store) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	objectName, err := normalizePath(path)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty payload", objectstore.ErrInvalidInput)
	}
	writer := store.bucket.Object(objectName).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("gcs write %s: %w", objectName, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("gcs close %s: %w", objectName, err)
	}
	return objectName, nil
}

func (store *Store) Get(ctx context.Context, ref string) (objectstore.Object, error) {
	objectName, err := normalizePath(ref)
	if err != nil {
		return objectstore.Object{}, err
	}
	reader, err := store.bucket.Object(objectName).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return objectstore.Object{}, fmt.Errorf("%w: %s", objectstore.ErrNotFound, objectName)
		}
		return objectstore.Object{}, fmt.Errorf("gcs read %s: %w", objectName, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return objectstore.Object{}, fmt.Errorf("gcs read %s: %w", objectName, err)
	}
	return objectstore.Object{Data: data, ContentType: reader.Attrs.ContentType}, nil
}

// DeletePrefix removes every object under prefix. It keeps going after individual failures and returns the first one.
func (store *Store) DeletePrefix(ctx context.Context, prefix string) error {
	if strings.Trim(strings.TrimSpace(prefix), "/") == "" {
		return fmt.Errorf("%w: refusing to delete an empty prefix", objectstore.ErrInvalidPath)
	}
	objects := store.bucket.Objects(ctx, &storage.Query{Prefix: strings.TrimLeft(prefix, "/")})
	var firstErr error
	for {
		attrs, err := objects.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("gcs list %s: %w", prefix, err)
		}
		if err := store.bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			store.logger.Warn("gcs delete failed", zap.String("object", attrs.Name), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("gcs delete %s: %w", attrs.Name, err)
			}
		}
	}
	return firstErr
}

func (store *Store) SignedURL(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	objectName, err := normalizePath(ref)
	if err != nil {
		return "", err
	}
	signed, err := store.bucket.SignedURL(objectName, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("gcs sign %s: %w", objectName, err)
	}
	return signed, nil
}

func normalizePath(path string) (string, error) {
	trimmed := strings.Trim(strings.TrimSpace(path), "/")
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty path", objectstore.ErrInvalidPath)
	}
	return trimmed, nil
}
