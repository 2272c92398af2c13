// Package objectstore defines the content storage contract used for photo objects.
package objectstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("object not found")
	ErrInvalidPath  = errors.New("invalid object path")
	ErrInvalidInput = errors.New("invalid object input")
)

// Store writes, reads and signs access to stored objects. Refs returned by Put are opaque to callers.
type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) (Object, error)
	DeletePrefix(ctx context.Context, prefix string) error
	SignedURL(ctx context.Context, ref string, ttl time.Duration) (string, error)
}

// Object is a stored payload with its content type.
type Object struct {
	Data        []byte
	ContentType string
}
