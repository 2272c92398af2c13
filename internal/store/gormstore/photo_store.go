package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/photovault/internal/photos"
	"gorm.io/gorm"
)

const errorSubjectPhotoSet = "photo_set"

var _ photos.MetadataStore = (*PhotoSetStore)(nil)

// PhotoSetStore persists photo set metadata in photo_sets.
type PhotoSetStore struct {
	db *gorm.DB
}

// NewPhotoSetStore returns a PhotoSetStore backed by gorm.DB.
func NewPhotoSetStore(db *gorm.DB) *PhotoSetStore {
	return &PhotoSetStore{db: db}
}

func (store *PhotoSetStore) Save(ctx context.Context, photoSet photos.PhotoSet) error {
	createdAt := photoSet.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	model := PhotoSet{
		ID:             photoSet.ID,
		AccountID:      photoSet.AccountID,
		Theme:          photoSet.Theme,
		SourceImageRef: photoSet.SourceImageRef,
		OutputRefs:     append([]string{}, photoSet.OutputRefs...),
		CreditsUsed:    photoSet.CreditsUsed,
		ReservationID:  photoSet.ReservationID,
		CreatedAt:      createdAt,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectPhotoSet, errorCodeInsert, err)
	}
	return nil
}

func (store *PhotoSetStore) List(ctx context.Context, accountID string, limit int) ([]photos.PhotoSet, error) {
	var rows []PhotoSet
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPhotoSet, errorCodeList, err)
	}
	sets := make([]photos.PhotoSet, 0, len(rows))
	for _, row := range rows {
		sets = append(sets, mapPhotoSet(row))
	}
	return sets, nil
}

func (store *PhotoSetStore) Get(ctx context.Context, photoSetID string, accountID string) (photos.PhotoSet, error) {
	var row PhotoSet
	err := store.db.WithContext(ctx).
		Where("id = ? AND account_id = ?", photoSetID, accountID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return photos.PhotoSet{}, wrapStoreError(errorSubjectPhotoSet, errorCodeGet, photos.ErrNotFound)
		}
		return photos.PhotoSet{}, wrapStoreError(errorSubjectPhotoSet, errorCodeGet, err)
	}
	return mapPhotoSet(row), nil
}

func (store *PhotoSetStore) Delete(ctx context.Context, photoSetID string, accountID string) error {
	result := store.db.WithContext(ctx).
		Where("id = ? AND account_id = ?", photoSetID, accountID).
		Delete(&PhotoSet{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPhotoSet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPhotoSet, errorCodeUpdate, photos.ErrNotFound)
	}
	return nil
}

// FindByReservation returns the photo set produced under a reservation.
func (store *PhotoSetStore) FindByReservation(ctx context.Context, accountID string, reservationID string) (photos.PhotoSet, error) {
	var row PhotoSet
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND reservation_id = ? AND reservation_id <> ''", accountID, reservationID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return photos.PhotoSet{}, wrapStoreError(errorSubjectPhotoSet, errorCodeGet, photos.ErrNotFound)
		}
		return photos.PhotoSet{}, wrapStoreError(errorSubjectPhotoSet, errorCodeGet, err)
	}
	return mapPhotoSet(row), nil
}

func mapPhotoSet(row PhotoSet) photos.PhotoSet {
	return photos.PhotoSet{
		ID:             row.ID,
		AccountID:      row.AccountID,
		Theme:          row.Theme,
		SourceImageRef: row.SourceImageRef,
		OutputRefs:     append([]string{}, row.OutputRefs...),
		CreditsUsed:    row.CreditsUsed,
		ReservationID:  row.ReservationID,
		CreatedAt:      row.CreatedAt.UTC(),
	}
}
