package gormstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/photovault/internal/usage"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const errorSubjectUsage = "usage"

var _ usage.Store = (*UsageStore)(nil)

// UsageStore persists usage records in usage_records.
type UsageStore struct {
	db *gorm.DB
}

// NewUsageStore returns a UsageStore backed by gorm.DB.
func NewUsageStore(db *gorm.DB) *UsageStore {
	return &UsageStore{db: db}
}

func (store *UsageStore) Append(ctx context.Context, record usage.Record) error {
	metadata := datatypes.JSON([]byte(defaultMetadataJSON))
	if len(record.Metadata) > 0 {
		encoded, err := json.Marshal(record.Metadata)
		if err != nil {
			return wrapStoreError(errorSubjectUsage, errorCodeInvalid, fmt.Errorf("%w: %v", usage.ErrInvalidRecord, err))
		}
		metadata = datatypes.JSON(encoded)
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	model := UsageRecord{
		ID:              record.ID,
		AccountID:       record.AccountID,
		Action:          string(record.Action),
		CreditsInvolved: record.CreditsInvolved,
		Detail:          record.Detail,
		Metadata:        metadata,
		CreatedAt:       createdAt,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeInsert, err)
	}
	return nil
}

func (store *UsageStore) List(ctx context.Context, accountID string, limit int) ([]usage.Record, error) {
	var rows []UsageRecord
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectUsage, errorCodeList, err)
	}
	records := make([]usage.Record, 0, len(rows))
	for _, row := range rows {
		var metadata map[string]any
		if len(row.Metadata) > 0 {
			if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
				return nil, wrapStoreError(errorSubjectUsage, errorCodeInvalid, err)
			}
		}
		records = append(records, usage.Record{
			ID:              row.ID,
			AccountID:       row.AccountID,
			Action:          usage.Action(row.Action),
			CreditsInvolved: row.CreditsInvolved,
			Detail:          row.Detail,
			Metadata:        metadata,
			CreatedAt:       row.CreatedAt.UTC(),
		})
	}
	return records, nil
}
