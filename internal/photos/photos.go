// Package photos persists generated images to object storage and keeps their metadata.
package photos

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("photo set not found")
	ErrInvalidInput  = errors.New("invalid photo input")
	ErrStorage       = errors.New("photo storage failed")
	ErrInvalidConfig = errors.New("invalid photo service config")
)

// Image is raw image bytes plus their MIME type.
type Image struct {
	Data     []byte
	MIMEType string
}

// PhotoSet is one generation batch owned by a single account.
type PhotoSet struct {
	ID             string
	AccountID      string
	Theme          string
	SourceImageRef string
	OutputRefs     []string
	CreditsUsed    int64
	ReservationID  string
	CreatedAt      time.Time
}

// SignedImage pairs a stored reference with a freshly minted access URL.
type SignedImage struct {
	Ref string
	URL string
}

// View is a PhotoSet with access URLs valid until ExpiresAt.
type View struct {
	PhotoSet
	Images    []SignedImage
	ExpiresAt time.Time
}

// MetadataStore persists PhotoSet records. Get and Delete must report ErrNotFound for sets the account does not own.
type MetadataStore interface {
	Save(ctx context.Context, photoSet PhotoSet) error
	List(ctx context.Context, accountID string, limit int) ([]PhotoSet, error)
	Get(ctx context.Context, photoSetID string, accountID string) (PhotoSet, error)
	Delete(ctx context.Context, photoSetID string, accountID string) error
}

// Transform rewrites an image before storage.
type Transform interface {
	Apply(image Image) (Image, error)
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(image Image) (Image, error)

// Apply calls the function.
func (transform TransformFunc) Apply(image Image) (Image, error) {
	return transform(image)
}
