package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Action names a user-visible operation recorded for audit.
type Action string

const (
	ActionGenerate     Action = "generate"
	ActionPurchase     Action = "purchase"
	ActionSubscription Action = "subscription"
	ActionDeletePhotos Action = "delete_photos"
	ActionUpload       Action = "upload"
)

const defaultListLimit = 50

var (
	ErrInvalidRecord  = errors.New("invalid usage record")
	ErrInvalidConfig  = errors.New("invalid usage recorder config")
	errEmptyAccountID = errors.New("empty account id")
)

// Record is one append-only audit line. It never affects balances.
type Record struct {
	ID              string
	AccountID       string
	Action          Action
	CreditsInvolved int64
	Detail          string
	Metadata        map[string]any
	CreatedAt       time.Time
}

// Store persists usage records.
type Store interface {
	Append(ctx context.Context, record Record) error
	List(ctx context.Context, accountID string, limit int) ([]Record, error)
}

// Recorder validates and appends usage records.
type Recorder struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder wires a Recorder.
func NewRecorder(store Store, logger *zap.Logger, now func() time.Time) (*Recorder, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is nil", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Recorder{store: store, logger: logger, now: now}, nil
}

// Record appends a usage line. Failures are logged and returned; callers decide whether they matter.
func (recorder *Recorder) Record(ctx context.Context, accountID string, action Action, creditsInvolved int64, detail string, metadata map[string]any) error {
	record := Record{
		AccountID:       strings.TrimSpace(accountID),
		Action:          action,
		CreditsInvolved: creditsInvolved,
		Detail:          strings.TrimSpace(detail),
		Metadata:        metadata,
		CreatedAt:       recorder.now(),
	}
	if record.AccountID == "" {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, errEmptyAccountID)
	}
	if strings.TrimSpace(string(record.Action)) == "" {
		return fmt.Errorf("%w: empty action", ErrInvalidRecord)
	}
	if err := recorder.store.Append(ctx, record); err != nil {
		recorder.logger.Warn("usage record failed",
			zap.String("account_id", record.AccountID),
			zap.String("action", string(record.Action)),
			zap.Int64("credits", record.CreditsInvolved),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// List returns the most recent usage records for an account.
func (recorder *Recorder) List(ctx context.Context, accountID string, limit int) ([]Record, error) {
	trimmed := strings.TrimSpace(accountID)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, errEmptyAccountID)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	return recorder.store.List(ctx, trimmed, limit)
}
