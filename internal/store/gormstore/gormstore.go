package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/photovault/pkg/ledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintAccountIdempotencyKey = "uniq_ledger_entries_account_idem"
	constraintReservationPrimary    = "reservations_pkey"
	defaultMetadataJSON             = "{}"
	errorOperationStore             = "store"
	errorSubjectAccount             = "account"
	errorSubjectBalance             = "balance"
	errorSubjectEntry               = "entry"
	errorSubjectReservation         = "reservation"
	errorSubjectTransaction         = "tx"
	errorCodeCreate                 = "create"
	errorCodeCredit                 = "credit"
	errorCodeDebit                  = "debit"
	errorCodeDuplicate              = "duplicate"
	errorCodeGet                    = "get"
	errorCodeInsert                 = "insert"
	errorCodeInvalid                = "invalid"
	errorCodeList                   = "list"
	errorCodeLookup                 = "lookup"
	errorCodeSerialization          = "serialization"
	errorCodeSum                    = "sum"
	errorCodeUpdate                 = "update"
	errorCodeUpdateStatus           = "update_status"
)

var _ ledger.Store = (*Store)(nil)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction. Serialization failures and lock contention surface as ledger.ErrConcurrentUpdate.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if err != nil && !errors.Is(err, ledger.ErrConcurrentUpdate) && isTransientConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeSerialization, errors.Join(ledger.ErrConcurrentUpdate, err))
	}
	return err
}

func (store *Store) GetOrCreateAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	now := time.Now().UTC()
	seed := Account{
		AccountID:         accountID.String(),
		SubscriptionState: ledger.SubscriptionNone.String(),
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(&seed).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return store.GetAccount(ctx, accountID)
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("account_id = ?", accountID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUnknownAccount)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model)
}

func (store *Store) FindAccountBySubscription(ctx context.Context, subscriptionRef ledger.SubscriptionRef) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Where("subscription_ref = ?", subscriptionRef.String()).
		Order("updated_at DESC").
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, ledger.ErrUnknownAccount)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(model)
}

// DebitCredits subtracts amount only while the balance covers it.
func (store *Store) DebitCredits(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits) (ledger.Credits, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND credits >= ?", accountID.String(), amount.Int64()).
		Updates(map[string]any{
			"credits":    gorm.Expr("credits - ?", amount.Int64()),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDebit, result.Error)
	}
	account, err := store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if result.RowsAffected == 0 {
		return account.Credits(), wrapStoreError(errorSubjectBalance, errorCodeDebit, ledger.ErrInsufficientCredits)
	}
	return account.Credits(), nil
}

func (store *Store) AddCredits(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits) (ledger.Credits, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]any{
			"credits":    gorm.Expr("credits + ?", amount.Int64()),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeCredit, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeCredit, ledger.ErrUnknownAccount)
	}
	account, err := store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Credits(), nil
}

func (store *Store) UpdateSubscription(ctx context.Context, accountID ledger.AccountID, subscriptionState ledger.SubscriptionState, subscriptionRef ledger.SubscriptionRef) error {
	var ref *string
	if !subscriptionRef.IsZero() {
		value := subscriptionRef.String()
		ref = &value
	}
	return store.updateAccount(ctx, accountID, map[string]any{
		"subscription_state": subscriptionState.String(),
		"subscription_ref":   ref,
	})
}

func (store *Store) UpdateEmail(ctx context.Context, accountID ledger.AccountID, email string) error {
	return store.updateAccount(ctx, accountID, map[string]any{"email": email})
}

func (store *Store) SetAccountActive(ctx context.Context, accountID ledger.AccountID, active bool) error {
	return store.updateAccount(ctx, accountID, map[string]any{"active": active})
}

func (store *Store) updateAccount(ctx context.Context, accountID ledger.AccountID, values map[string]any) error {
	values["updated_at"] = time.Now().UTC()
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(values)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) error {
	var reservationID *string
	reservationValue, hasReservation := entryInput.ReservationID()
	if hasReservation {
		value := reservationValue.String()
		reservationID = &value
	}
	entry := LedgerEntry{
		AccountID:      entryInput.AccountID().String(),
		Kind:           entryInput.Kind().String(),
		Amount:         entryInput.Amount().Int64(),
		Reason:         entryInput.Reason().String(),
		ReservationID:  reservationID,
		IdempotencyKey: entryInput.IdempotencyKey().String(),
		Metadata:       datatypesJSON(entryInput.Metadata().String()),
		CreatedAt:      time.Unix(entryInput.CreatedUnixUTC(), 0).UTC(),
	}
	if entryInput.CreatedUnixUTC() == 0 {
		entry.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&entry).Error
	if isUniqueViolation(err, constraintAccountIdempotencyKey) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

// SumEntries returns earned - spent + refunded over every entry of the account.
func (store *Store) SumEntries(ctx context.Context, accountID ledger.AccountID) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(case when kind = ? then -amount else amount end),0) as total", ledger.EntrySpent.String()).
		Where("account_id = ?", accountID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation ledger.Reservation) error {
	model := Reservation{
		AccountID:     reservation.AccountID().String(),
		ReservationID: reservation.ReservationID().String(),
		Amount:        reservation.Amount().Int64(),
		Consumed:      reservation.Consumed().Int64(),
		Refunded:      reservation.Refunded().Int64(),
		Status:        reservation.Status().String(),
		CreatedAt:     time.Unix(reservation.CreatedUnixUTC(), 0).UTC(),
		UpdatedAt:     time.Unix(reservation.UpdatedUnixUTC(), 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintReservationPrimary) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, ledger.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, accountID ledger.AccountID, reservationID ledger.ReservationID) (ledger.Reservation, error) {
	var model Reservation
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ? AND reservation_id = ?", accountID.String(), reservationID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrUnknownReservation)
		}
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservation, err := mapReservation(model)
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

// CloseReservation writes the outcome only while the stored row is still reserved.
func (store *Store) CloseReservation(ctx context.Context, reservation ledger.Reservation) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("account_id = ? AND reservation_id = ? AND status = ?",
			reservation.AccountID().String(), reservation.ReservationID().String(), ledger.ReservationStatusReserved.String()).
		Updates(map[string]any{
			"consumed":   reservation.Consumed().Int64(),
			"refunded":   reservation.Refunded().Int64(),
			"status":     reservation.Status().String(),
			"updated_at": time.Unix(reservation.UpdatedUnixUTC(), 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		err := store.db.WithContext(ctx).
			Model(&Reservation{}).
			Where("account_id = ? AND reservation_id = ?", reservation.AccountID().String(), reservation.ReservationID().String()).
			Count(&count).Error
		if err != nil {
			return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, ledger.ErrUnknownReservation)
		}
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, ledger.ErrReservationClosed)
	}
	return nil
}

// ListOpenReservations returns reserved rows opened before the cutoff, oldest first.
func (store *Store) ListOpenReservations(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]ledger.Reservation, error) {
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", ledger.ReservationStatusReserved.String(), time.Unix(createdBeforeUnixUTC, 0).UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	reservations := make([]ledger.Reservation, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(model Account) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(model.AccountID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	credits, err := ledger.NewCredits(model.Credits)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	state, err := ledger.ParseSubscriptionState(model.SubscriptionState)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	var ref ledger.SubscriptionRef
	if model.SubscriptionRef != nil {
		ref = ledger.NewSubscriptionRef(*model.SubscriptionRef)
	}
	account, err := ledger.NewAccount(accountID, model.Email, credits, state, ref, model.Active, model.CreatedAt.Unix(), model.UpdatedAt.Unix())
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func mapReservation(model Reservation) (ledger.Reservation, error) {
	accountID, err := ledger.NewAccountID(model.AccountID)
	if err != nil {
		return ledger.Reservation{}, err
	}
	reservationID, err := ledger.NewReservationID(model.ReservationID)
	if err != nil {
		return ledger.Reservation{}, err
	}
	amount, err := ledger.NewPositiveCredits(model.Amount)
	if err != nil {
		return ledger.Reservation{}, err
	}
	consumed, err := ledger.NewCredits(model.Consumed)
	if err != nil {
		return ledger.Reservation{}, err
	}
	refunded, err := ledger.NewCredits(model.Refunded)
	if err != nil {
		return ledger.Reservation{}, err
	}
	status, err := ledger.ParseReservationStatus(model.Status)
	if err != nil {
		return ledger.Reservation{}, err
	}
	return ledger.NewReservationRecord(accountID, reservationID, amount, consumed, refunded, status, model.CreatedAt.Unix(), model.UpdatedAt.Unix())
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, err
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Entry{}, err
	}
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.Entry{}, err
	}
	amount, err := ledger.NewPositiveCredits(row.Amount)
	if err != nil {
		return ledger.Entry{}, err
	}
	reason, err := ledger.NewReason(row.Reason)
	if err != nil {
		return ledger.Entry{}, err
	}
	var reservationID *ledger.ReservationID
	if row.ReservationID != nil {
		parsedReservationID, err := ledger.NewReservationID(*row.ReservationID)
		if err != nil {
			return ledger.Entry{}, err
		}
		reservationID = &parsedReservationID
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.NewEntry(entryID, accountID, kind, amount, reason, reservationID, idempotencyKey, metadata, row.CreatedAt.Unix())
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}
