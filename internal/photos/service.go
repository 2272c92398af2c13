package photos

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/photovault/internal/ids"
	"github.com/MarkoPoloResearchLab/photovault/internal/objectstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultSignedURLTTL   = 24 * time.Hour
	DefaultMaxUploadBytes = 10 << 20
	defaultListLimit      = 50
)

// Option configures a Service.
type Option func(*Service)

// WithTransform replaces the image transform applied before storage. Nil disables transforms.
func WithTransform(transform Transform) Option {
	return func(service *Service) {
		service.transform = transform
	}
}

// WithSignedURLTTL sets how long minted access URLs stay valid.
func WithSignedURLTTL(ttl time.Duration) Option {
	return func(service *Service) {
		if ttl > 0 {
			service.signedURLTTL = ttl
		}
	}
}

// WithMaxUploadBytes bounds the size of uploaded source images.
func WithMaxUploadBytes(limit int64) Option {
	return func(service *Service) {
		if limit > 0 {
			service.maxUploadBytes = limit
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(service *Service) {
		if now != nil {
			service.now = now
		}
	}
}

// WithIDGenerator overrides photo set id generation.
func WithIDGenerator(generate func() (string, error)) Option {
	return func(service *Service) {
		if generate != nil {
			service.newSetID = generate
		}
	}
}

// Service stores outputs, lists sets with fresh signed URLs and deletes sets with their objects.
type Service struct {
	objects        objectstore.Store
	metadata       MetadataStore
	transform      Transform
	logger         *zap.Logger
	now            func() time.Time
	newSetID       func() (string, error)
	signedURLTTL   time.Duration
	maxUploadBytes int64
}

// NewService wires a Service. The default transform downsizes and recompresses to JPEG.
func NewService(objects objectstore.Store, metadata MetadataStore, logger *zap.Logger, options ...Option) (*Service, error) {
	if objects == nil {
		return nil, fmt.Errorf("%w: object store is nil", ErrInvalidConfig)
	}
	if metadata == nil {
		return nil, fmt.Errorf("%w: metadata store is nil", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	service := &Service{
		objects:        objects,
		metadata:       metadata,
		transform:      NewJPEGTransform(DefaultMaxWidth, DefaultJPEGQuality),
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
		newSetID:       ids.NewPhotoSetID,
		signedURLTTL:   DefaultSignedURLTTL,
		maxUploadBytes: DefaultMaxUploadBytes,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// StoreRequest describes a batch of generated outputs to persist.
type StoreRequest struct {
	AccountID   string
	Theme       string
	SourceRef   string
	CreditsUsed int64
	// ReservationID links the set to the credits that paid for it.
	ReservationID string
	Outputs       []Image
}

// Store writes every output object first and the metadata record last.
// Any write failure fails the call; objects already written for the attempt are left in place.
func (service *Service) Store(ctx context.Context, request StoreRequest) (PhotoSet, error) {
	accountID := strings.TrimSpace(request.AccountID)
	if accountID == "" {
		return PhotoSet{}, fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(request.Theme) == "" {
		return PhotoSet{}, fmt.Errorf("%w: theme is required", ErrInvalidInput)
	}
	if len(request.Outputs) == 0 {
		return PhotoSet{}, fmt.Errorf("%w: no outputs", ErrInvalidInput)
	}
	photoSetID, err := service.newSetID()
	if err != nil {
		return PhotoSet{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	refs := make([]string, 0, len(request.Outputs))
	for index, output := range request.Outputs {
		prepared := service.prepare(output, photoSetID, index)
		ref, err := service.objects.Put(ctx, photoObjectPath(accountID, photoSetID, index, prepared.MIMEType), prepared.Data, prepared.MIMEType)
		if err != nil {
			service.logger.Error("photo object write failed",
				zap.String("account_id", accountID),
				zap.String("photo_set_id", photoSetID),
				zap.Int("index", index),
				zap.Strings("written_refs", refs),
				zap.Error(err),
			)
			return PhotoSet{}, fmt.Errorf("%w: object %d: %v", ErrStorage, index, err)
		}
		refs = append(refs, ref)
	}
	photoSet := PhotoSet{
		ID:             photoSetID,
		AccountID:      accountID,
		Theme:          strings.TrimSpace(request.Theme),
		SourceImageRef: strings.TrimSpace(request.SourceRef),
		OutputRefs:     refs,
		CreditsUsed:    request.CreditsUsed,
		ReservationID:  strings.TrimSpace(request.ReservationID),
		CreatedAt:      service.now(),
	}
	if err := service.metadata.Save(ctx, photoSet); err != nil {
		service.logger.Error("photo metadata write failed",
			zap.String("account_id", accountID),
			zap.String("photo_set_id", photoSetID),
			zap.Strings("written_refs", refs),
			zap.Error(err),
		)
		return PhotoSet{}, fmt.Errorf("%w: metadata: %v", ErrStorage, err)
	}
	return photoSet, nil
}

// List returns the account's photo sets, newest first, with access URLs minted for this read.
func (service *Service) List(ctx context.Context, accountID string, limit int) ([]View, error) {
	trimmed := strings.TrimSpace(accountID)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	photoSets, err := service.metadata.List(ctx, trimmed, limit)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(photoSets))
	for _, photoSet := range photoSets {
		views = append(views, service.sign(ctx, photoSet))
	}
	return views, nil
}

// Get returns a single owned photo set with fresh access URLs.
func (service *Service) Get(ctx context.Context, photoSetID string, accountID string) (View, error) {
	photoSet, err := service.lookup(ctx, photoSetID, accountID)
	if err != nil {
		return View{}, err
	}
	return service.sign(ctx, photoSet), nil
}

// Delete removes an owned photo set. Object deletion is best-effort; the metadata is always removed.
func (service *Service) Delete(ctx context.Context, photoSetID string, accountID string) error {
	photoSet, err := service.lookup(ctx, photoSetID, accountID)
	if err != nil {
		return err
	}
	prefix := photoSetPrefix(photoSet.AccountID, photoSet.ID)
	if err := service.objects.DeletePrefix(ctx, prefix); err != nil {
		service.logger.Warn("photo object deletion incomplete",
			zap.String("account_id", photoSet.AccountID),
			zap.String("photo_set_id", photoSet.ID),
			zap.String("prefix", prefix),
			zap.Error(err),
		)
	}
	return service.metadata.Delete(ctx, photoSet.ID, photoSet.AccountID)
}

// Upload stores a source image and returns its reference.
func (service *Service) Upload(ctx context.Context, accountID string, image Image) (string, error) {
	trimmed := strings.TrimSpace(accountID)
	if trimmed == "" {
		return "", fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	if len(image.Data) == 0 {
		return "", fmt.Errorf("%w: empty image", ErrInvalidInput)
	}
	if int64(len(image.Data)) > service.maxUploadBytes {
		return "", fmt.Errorf("%w: image exceeds %d bytes", ErrInvalidInput, service.maxUploadBytes)
	}
	if !supportedMIME(image.MIMEType) {
		return "", fmt.Errorf("%w: unsupported image type %q", ErrInvalidInput, image.MIMEType)
	}
	mimeType := normalizeMIME(image.MIMEType)
	ref, err := service.objects.Put(ctx, uploadObjectPath(trimmed, uuid.NewString(), mimeType), image.Data, mimeType)
	if err != nil {
		return "", fmt.Errorf("%w: upload: %v", ErrStorage, err)
	}
	return ref, nil
}

// LoadSource reads back an uploaded source image owned by the account.
func (service *Service) LoadSource(ctx context.Context, accountID string, ref string) (Image, error) {
	trimmedAccount := strings.TrimSpace(accountID)
	trimmedRef := strings.TrimSpace(ref)
	if trimmedAccount == "" || trimmedRef == "" {
		return Image{}, fmt.Errorf("%w: account id and source ref are required", ErrInvalidInput)
	}
	if !strings.HasPrefix(trimmedRef, uploadPrefix(trimmedAccount)) {
		return Image{}, fmt.Errorf("%w: source %s", ErrNotFound, trimmedRef)
	}
	object, err := service.objects.Get(ctx, trimmedRef)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return Image{}, fmt.Errorf("%w: source %s", ErrNotFound, trimmedRef)
		}
		return Image{}, fmt.Errorf("%w: load source: %v", ErrStorage, err)
	}
	return Image{Data: object.Data, MIMEType: object.ContentType}, nil
}

func (service *Service) lookup(ctx context.Context, photoSetID string, accountID string) (PhotoSet, error) {
	trimmedID := strings.TrimSpace(photoSetID)
	trimmedAccount := strings.TrimSpace(accountID)
	if trimmedID == "" || trimmedAccount == "" {
		return PhotoSet{}, fmt.Errorf("%w: photo set %q", ErrNotFound, photoSetID)
	}
	return service.metadata.Get(ctx, trimmedID, trimmedAccount)
}

func (service *Service) prepare(output Image, photoSetID string, index int) Image {
	if service.transform == nil {
		return output
	}
	transformed, err := service.transform.Apply(output)
	if err != nil {
		service.logger.Warn("image transform failed, storing original",
			zap.String("photo_set_id", photoSetID),
			zap.Int("index", index),
			zap.Error(err),
		)
		return output
	}
	return transformed
}

// sign returns one image per output ref in order. A ref that cannot be signed keeps an empty URL.
func (service *Service) sign(ctx context.Context, photoSet PhotoSet) View {
	view := View{
		PhotoSet:  photoSet,
		Images:    make([]SignedImage, 0, len(photoSet.OutputRefs)),
		ExpiresAt: service.now().Add(service.signedURLTTL),
	}
	for _, ref := range photoSet.OutputRefs {
		signedURL, err := service.objects.SignedURL(ctx, ref, service.signedURLTTL)
		if err != nil {
			service.logger.Warn("signed url failed",
				zap.String("photo_set_id", photoSet.ID),
				zap.String("ref", ref),
				zap.Error(err),
			)
			signedURL = ""
		}
		view.Images = append(view.Images, SignedImage{Ref: ref, URL: signedURL})
	}
	return view
}
