package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service contains the domain logic over a Store.
type Service struct {
	store         Store
	nowFn         func() int64
	logger        OperationLogger
	locker        Locker
	retryAttempts int
	retryBackoff  time.Duration
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:         store,
		nowFn:         now,
		retryAttempts: defaultRetryAttempts,
		retryBackoff:  defaultRetryBackoff,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Reserve debits amount from the account and opens a reservation for it.
// The debit is conditional: a balance below amount yields ErrInsufficientCredits and no change.
func (service *Service) Reserve(ctx context.Context, accountID AccountID, amount PositiveCredits, reservationID ReservationID, metadata MetadataJSON) (Reservation, error) {
	var reservation Reservation
	operationError := service.mutate(ctx, accountID, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if !account.Active() {
			return ErrAccountInactive
		}
		if _, err := transactionStore.DebitCredits(ctx, accountID, amount); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		opened, err := NewReservation(accountID, reservationID, amount, nowUnixUTC)
		if err != nil {
			return err
		}
		if err := transactionStore.CreateReservation(ctx, opened); err != nil {
			return err
		}
		idempotencyKey, err := deriveIdempotencyKey(idempotencyPrefixReserve, reservationID)
		if err != nil {
			return err
		}
		reason, err := NewReason(defaultReserveReason)
		if err != nil {
			return err
		}
		entryInput, err := NewEntryInput(accountID, EntrySpent, amount, reason, &reservationID, idempotencyKey, metadata, nowUnixUTC)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertEntry(ctx, entryInput); err != nil {
			return err
		}
		reservation = opened
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationReserve,
		AccountID:     accountID,
		ReservationID: reservationID,
		Amount:        amount.ToCredits(),
		Metadata:      metadata,
		Error:         operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return reservation, nil
}

// Settle consumes the given units of an open reservation and refunds the remainder.
// Settling zero units is a full refund. Closed reservations are returned unchanged.
func (service *Service) Settle(ctx context.Context, accountID AccountID, reservationID ReservationID, consumed Credits, reason Reason) (Reservation, error) {
	return service.closeReservation(ctx, operationSettle, accountID, reservationID, consumed, reason)
}

// Refund returns every unconsumed credit of an open reservation. Closed reservations are returned unchanged.
func (service *Service) Refund(ctx context.Context, accountID AccountID, reservationID ReservationID, reason Reason) (Reservation, error) {
	return service.closeReservation(ctx, operationRefund, accountID, reservationID, 0, reason)
}

// Credit appends an earned entry and increments the balance.
// A repeated idempotency key is a no-op reported as (false, nil).
func (service *Service) Credit(ctx context.Context, accountID AccountID, amount PositiveCredits, reason Reason, idempotencyKey IdempotencyKey, metadata MetadataJSON) (bool, error) {
	operationError := service.mutate(ctx, accountID, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateAccount(ctx, accountID); err != nil {
			return err
		}
		entryInput, err := NewEntryInput(accountID, EntryEarned, amount, reason, nil, idempotencyKey, metadata, service.nowFn())
		if err != nil {
			return err
		}
		if err := transactionStore.InsertEntry(ctx, entryInput); err != nil {
			return err
		}
		_, err = transactionStore.AddCredits(ctx, accountID, amount)
		return err
	})
	applied := operationError == nil
	status := ""
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		status = operationStatusDuplicate
		operationError = nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationCredit,
		AccountID:      accountID,
		Amount:         amount.ToCredits(),
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Status:         status,
		Error:          operationError,
	})
	return applied, operationError
}

func (service *Service) closeReservation(ctx context.Context, operation string, accountID AccountID, reservationID ReservationID, consumed Credits, reason Reason) (Reservation, error) {
	if reason.value == "" {
		reason = Reason{value: defaultRefundReason}
	}
	var result Reservation
	status := ""
	operationError := service.mutate(ctx, accountID, func(ctx context.Context, transactionStore Store) error {
		status = ""
		current, err := transactionStore.GetReservation(ctx, accountID, reservationID)
		if err != nil {
			return err
		}
		if current.Status().Closed() {
			result = current
			status = operationStatusNoop
			return nil
		}
		closed, err := current.close(consumed, service.nowFn())
		if err != nil {
			return err
		}
		if err := transactionStore.CloseReservation(ctx, closed); err != nil {
			if errors.Is(err, ErrReservationClosed) {
				// Lost a race with another closer; the retry observes the closed row.
				return fmt.Errorf("%w: %v", ErrConcurrentUpdate, err)
			}
			return err
		}
		if closed.Refunded() > 0 {
			if err := service.appendRefund(ctx, transactionStore, closed, reason); err != nil {
				return err
			}
		}
		result = closed
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operation,
		AccountID:     accountID,
		ReservationID: reservationID,
		Amount:        result.Refunded(),
		Status:        status,
		Error:         operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return result, nil
}

func (service *Service) appendRefund(ctx context.Context, transactionStore Store, closed Reservation, reason Reason) error {
	refundAmount, err := NewPositiveCredits(closed.Refunded().Int64())
	if err != nil {
		return err
	}
	reservationID := closed.ReservationID()
	idempotencyKey, err := deriveIdempotencyKey(idempotencyPrefixRefund, reservationID)
	if err != nil {
		return err
	}
	metadata, err := MetadataFromMap(map[string]any{
		"reserved": closed.Amount().Int64(),
		"consumed": closed.Consumed().Int64(),
	})
	if err != nil {
		return err
	}
	entryInput, err := NewEntryInput(closed.AccountID(), EntryRefunded, refundAmount, reason, &reservationID, idempotencyKey, metadata, closed.UpdatedUnixUTC())
	if err != nil {
		return err
	}
	if err := transactionStore.InsertEntry(ctx, entryInput); err != nil {
		return err
	}
	_, err = transactionStore.AddCredits(ctx, closed.AccountID(), refundAmount)
	return err
}

// mutate runs fn in a transaction under the account lock, retrying transient conflicts.
func (service *Service) mutate(ctx context.Context, accountID AccountID, fn func(ctx context.Context, transactionStore Store) error) error {
	if accountID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if service.locker != nil {
		unlock, err := service.locker.Lock(ctx, accountLockPrefix+idempotencyKeyDelimiter+accountID.String())
		if err != nil {
			return WrapError("service", "account_lock", "acquire", err)
		}
		defer unlock()
	}
	var err error
	for attempt := 1; attempt <= service.retryAttempts; attempt++ {
		err = service.store.WithTx(ctx, fn)
		if !errors.Is(err, ErrConcurrentUpdate) || attempt == service.retryAttempts {
			return err
		}
		timer := time.NewTimer(service.retryBackoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func deriveIdempotencyKey(prefix string, reservationID ReservationID) (IdempotencyKey, error) {
	return NewIdempotencyKey(prefix + idempotencyKeyDelimiter + reservationID.String())
}
