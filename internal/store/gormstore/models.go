package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID         string    `gorm:"primaryKey"`
	Email             string    `gorm:"not null;default:''"`
	Credits           int64     `gorm:"not null;default:0;check:chk_accounts_credits_non_negative,credits >= 0"`
	SubscriptionState string    `gorm:"not null;default:'none'"`
	SubscriptionRef   *string   `gorm:"index:idx_accounts_subscription_ref"`
	Active            bool      `gorm:"not null;default:true"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID        string         `gorm:"type:uuid;primaryKey"`
	AccountID      string         `gorm:"not null;index:idx_ledger_account_created,priority:1;index:uniq_ledger_entries_account_idem,unique,priority:1"`
	Kind           string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	Reason         string         `gorm:"not null"`
	ReservationID  *string        `gorm:"index:idx_ledger_reservation"`
	IdempotencyKey string         `gorm:"not null;index:uniq_ledger_entries_account_idem,unique,priority:2"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Reservation mirrors the reservations table.
type Reservation struct {
	AccountID     string    `gorm:"primaryKey"`
	ReservationID string    `gorm:"primaryKey"`
	Amount        int64     `gorm:"not null"`
	Consumed      int64     `gorm:"not null;default:0"`
	Refunded      int64     `gorm:"not null;default:0"`
	Status        string    `gorm:"not null;index:idx_reservations_status_created,priority:1"`
	CreatedAt     time.Time `gorm:"not null;index:idx_reservations_status_created,priority:2"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

// UsageRecord mirrors the usage_records table.
type UsageRecord struct {
	ID              string         `gorm:"type:uuid;primaryKey"`
	AccountID       string         `gorm:"not null;index:idx_usage_account_created,priority:1"`
	Action          string         `gorm:"not null"`
	CreditsInvolved int64          `gorm:"not null"`
	Detail          string         `gorm:"not null;default:''"`
	Metadata        datatypes.JSON `gorm:"not null"`
	CreatedAt       time.Time      `gorm:"not null;index:idx_usage_account_created,priority:2"`
}

func (UsageRecord) TableName() string { return "usage_records" }

func (record *UsageRecord) BeforeCreate(tx *gorm.DB) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	return nil
}

// PhotoSet mirrors the photo_sets table.
type PhotoSet struct {
	ID             string                      `gorm:"primaryKey"`
	AccountID      string                      `gorm:"not null;index:idx_photo_sets_account_created,priority:1"`
	Theme          string                      `gorm:"not null"`
	SourceImageRef string                      `gorm:"not null"`
	OutputRefs     datatypes.JSONSlice[string] `gorm:"not null"`
	CreditsUsed    int64                       `gorm:"not null"`
	ReservationID  string                      `gorm:"not null;default:'';index:idx_photo_sets_reservation"`
	CreatedAt      time.Time                   `gorm:"not null;index:idx_photo_sets_account_created,priority:2"`
}

func (PhotoSet) TableName() string { return "photo_sets" }

// PaymentEvent mirrors the payment_events table: one row per processed provider event.
type PaymentEvent struct {
	ProviderEventID string    `gorm:"primaryKey"`
	Type            string    `gorm:"not null"`
	AccountID       string    `gorm:"not null;default:''"`
	ProcessedAt     time.Time `gorm:"not null"`
}

func (PaymentEvent) TableName() string { return "payment_events" }

func allModels() []any {
	return []any{&Account{}, &LedgerEntry{}, &Reservation{}, &UsageRecord{}, &PhotoSet{}, &PaymentEvent{}}
}
