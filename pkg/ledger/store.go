package ledger

import "context"

// Store is the persistence contract used by Service.
//
// DebitCredits must be a conditional update that never drives credits below zero and
// returns ErrInsufficientCredits instead. Transient conflicts surface as ErrConcurrentUpdate.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, accountID AccountID) (Account, error)
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	FindAccountBySubscription(ctx context.Context, subscriptionRef SubscriptionRef) (Account, error)
	DebitCredits(ctx context.Context, accountID AccountID, amount PositiveCredits) (Credits, error)
	AddCredits(ctx context.Context, accountID AccountID, amount PositiveCredits) (Credits, error)
	UpdateSubscription(ctx context.Context, accountID AccountID, state SubscriptionState, subscriptionRef SubscriptionRef) error
	UpdateEmail(ctx context.Context, accountID AccountID, email string) error
	SetAccountActive(ctx context.Context, accountID AccountID, active bool) error
	InsertEntry(ctx context.Context, entry EntryInput) error
	SumEntries(ctx context.Context, accountID AccountID) (int64, error)
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, accountID AccountID, reservationID ReservationID) (Reservation, error)
	CloseReservation(ctx context.Context, reservation Reservation) error
	ListOpenReservations(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]Reservation, error)
	ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error)
}

// Locker serializes mutations for a single account across callers.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
