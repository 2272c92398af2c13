package ledger

import (
	"context"
	"fmt"
	"strings"
)

// Balance returns the account snapshot, creating the account on first use.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Account, error) {
	return service.store.GetOrCreateAccount(ctx, accountID)
}

// ListEntries lists ledger entries for an account before a cutoff time, newest first.
func (service *Service) ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if _, err := service.store.GetOrCreateAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, accountID, beforeUnixUTC, limit)
}

// OpenReservations lists reservations still holding credits that were opened before the cutoff, oldest first.
func (service *Service) OpenReservations(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]Reservation, error) {
	if limit <= 0 {
		limit = defaultOpenReservationLimit
	}
	return service.store.ListOpenReservations(ctx, createdBeforeUnixUTC, limit)
}

// Reconcile verifies that the stored balance equals the signed sum of the account's entries.
func (service *Service) Reconcile(ctx context.Context, accountID AccountID) (Account, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err == nil {
		var entrySum int64
		entrySum, err = service.store.SumEntries(ctx, accountID)
		if err == nil && entrySum != account.Credits().Int64() {
			err = WrapError(operationReconcile, "balance", "mismatch", fmt.Errorf("%w: credits %d, entries %d", ErrBalanceMismatch, account.Credits(), entrySum))
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationReconcile,
		AccountID: accountID,
		Amount:    account.Credits(),
		Error:     err,
	})
	return account, err
}

// SetSubscription records the account's subscription state and provider reference.
func (service *Service) SetSubscription(ctx context.Context, accountID AccountID, state SubscriptionState, subscriptionRef SubscriptionRef) error {
	operationError := service.mutate(ctx, accountID, func(ctx context.Context, transactionStore Store) error {
		if _, err := ParseSubscriptionState(state.String()); err != nil {
			return err
		}
		if _, err := transactionStore.GetOrCreateAccount(ctx, accountID); err != nil {
			return err
		}
		return transactionStore.UpdateSubscription(ctx, accountID, state, subscriptionRef)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSubscribe,
		AccountID: accountID,
		Status:    statusFor(operationError, state.String()),
		Error:     operationError,
	})
	return operationError
}

// AccountBySubscription resolves the account holding a provider subscription.
func (service *Service) AccountBySubscription(ctx context.Context, subscriptionRef SubscriptionRef) (Account, error) {
	if subscriptionRef.IsZero() {
		return Account{}, fmt.Errorf("%w: empty subscription reference", ErrUnknownAccount)
	}
	return service.store.FindAccountBySubscription(ctx, subscriptionRef)
}

// Deactivate blocks further reservations for the account. The account and its ledger are kept.
func (service *Service) Deactivate(ctx context.Context, accountID AccountID) error {
	operationError := service.mutate(ctx, accountID, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetAccount(ctx, accountID); err != nil {
			return err
		}
		return transactionStore.SetAccountActive(ctx, accountID, false)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDeactivate,
		AccountID: accountID,
		Error:     operationError,
	})
	return operationError
}

// SetEmail stores the contact email reported by the identity provider.
func (service *Service) SetEmail(ctx context.Context, accountID AccountID, email string) error {
	normalized := strings.TrimSpace(email)
	if normalized == "" {
		return nil
	}
	operationError := service.mutate(ctx, accountID, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Email() == normalized {
			return nil
		}
		return transactionStore.UpdateEmail(ctx, accountID, normalized)
	})
	if operationError != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationEmail,
			AccountID: accountID,
			Error:     operationError,
		})
	}
	return operationError
}

func statusFor(err error, okStatus string) string {
	if err != nil {
		return operationStatusError
	}
	return okStatus
}
