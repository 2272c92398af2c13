package gormstore

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/photovault/internal/payment"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const errorSubjectPaymentEvent = "payment_event"

var _ payment.EventStore = (*PaymentEventStore)(nil)

// PaymentEventStore remembers processed provider event ids in payment_events.
type PaymentEventStore struct {
	db *gorm.DB
}

// NewPaymentEventStore returns a PaymentEventStore backed by gorm.DB.
func NewPaymentEventStore(db *gorm.DB) *PaymentEventStore {
	return &PaymentEventStore{db: db}
}

func (store *PaymentEventStore) Seen(ctx context.Context, providerEventID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&PaymentEvent{}).
		Where("provider_event_id = ?", providerEventID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectPaymentEvent, errorCodeLookup, err)
	}
	return count > 0, nil
}

// Record stores the event id. Recording an id twice keeps the first row.
func (store *PaymentEventStore) Record(ctx context.Context, event payment.ProcessedEvent) error {
	processedAt := event.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}
	model := PaymentEvent{
		ProviderEventID: event.ProviderEventID,
		Type:            event.Type,
		AccountID:       event.AccountID,
		ProcessedAt:     processedAt,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "provider_event_id"}}, DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectPaymentEvent, errorCodeInsert, err)
	}
	return nil
}
