package ledger

import (
	"fmt"
	"strings"
)

// EntryInput captures the data required to append a ledger entry.
type EntryInput struct {
	accountID      AccountID
	kind           EntryKind
	amount         PositiveCredits
	reason         Reason
	reservationID  *ReservationID
	idempotencyKey IdempotencyKey
	metadata       MetadataJSON
	createdUnixUTC int64
}

// NewEntryInput validates the payload for a new ledger entry.
func NewEntryInput(accountID AccountID, kind EntryKind, amount PositiveCredits, reason Reason, reservationID *ReservationID, idempotencyKey IdempotencyKey, metadata MetadataJSON, createdUnixUTC int64) (EntryInput, error) {
	if accountID.IsZero() {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if _, err := ParseEntryKind(kind.String()); err != nil {
		return EntryInput{}, err
	}
	if amount <= 0 {
		return EntryInput{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	if reason.value == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidReason)
	}
	if idempotencyKey.value == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	var reservationCopy *ReservationID
	if reservationID != nil {
		if reservationID.value == "" {
			return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
		}
		value := *reservationID
		reservationCopy = &value
	}
	return EntryInput{
		accountID:      accountID,
		kind:           kind,
		amount:         amount,
		reason:         reason,
		reservationID:  reservationCopy,
		idempotencyKey: idempotencyKey,
		metadata:       metadata,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

func (input EntryInput) AccountID() AccountID {
	return input.accountID
}

func (input EntryInput) Kind() EntryKind {
	return input.kind
}

func (input EntryInput) Amount() PositiveCredits {
	return input.amount
}

func (input EntryInput) Reason() Reason {
	return input.reason
}

// ReservationID returns the linked reservation, if any.
func (input EntryInput) ReservationID() (ReservationID, bool) {
	if input.reservationID == nil {
		return ReservationID{}, false
	}
	return *input.reservationID, true
}

func (input EntryInput) IdempotencyKey() IdempotencyKey {
	return input.idempotencyKey
}

func (input EntryInput) Metadata() MetadataJSON {
	return input.metadata
}

func (input EntryInput) CreatedUnixUTC() int64 {
	return input.createdUnixUTC
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryInput
	entryID EntryID
}

// NewEntry rebuilds a persisted entry.
func NewEntry(entryID EntryID, accountID AccountID, kind EntryKind, amount PositiveCredits, reason Reason, reservationID *ReservationID, idempotencyKey IdempotencyKey, metadata MetadataJSON, createdUnixUTC int64) (Entry, error) {
	if entryID.value == "" {
		return Entry{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	input, err := NewEntryInput(accountID, kind, amount, reason, reservationID, idempotencyKey, metadata, createdUnixUTC)
	if err != nil {
		return Entry{}, err
	}
	return Entry{EntryInput: input, entryID: entryID}, nil
}

func (entry Entry) EntryID() EntryID {
	return entry.entryID
}

// Signed returns the balance delta applied by the entry.
func (entry Entry) Signed() int64 {
	return entry.kind.Signed(entry.amount)
}

// Reservation tracks credits held for a generation request.
type Reservation struct {
	accountID      AccountID
	reservationID  ReservationID
	amount         PositiveCredits
	consumed       Credits
	refunded       Credits
	status         ReservationStatus
	createdUnixUTC int64
	updatedUnixUTC int64
}

// NewReservation builds an open reservation.
func NewReservation(accountID AccountID, reservationID ReservationID, amount PositiveCredits, createdUnixUTC int64) (Reservation, error) {
	return NewReservationRecord(accountID, reservationID, amount, 0, 0, ReservationStatusReserved, createdUnixUTC, createdUnixUTC)
}

// NewReservationRecord rebuilds a reservation in any state and enforces consumed + refunded == amount once closed.
func NewReservationRecord(accountID AccountID, reservationID ReservationID, amount PositiveCredits, consumed Credits, refunded Credits, status ReservationStatus, createdUnixUTC int64, updatedUnixUTC int64) (Reservation, error) {
	if accountID.IsZero() {
		return Reservation{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if reservationID.value == "" {
		return Reservation{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	if amount <= 0 {
		return Reservation{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	if _, err := ParseReservationStatus(status.String()); err != nil {
		return Reservation{}, err
	}
	if consumed < 0 || refunded < 0 {
		return Reservation{}, fmt.Errorf("%w: negative outcome", ErrInvalidReservationOutcome)
	}
	outcome := consumed.Int64() + refunded.Int64()
	switch {
	case status == ReservationStatusReserved && outcome != 0:
		return Reservation{}, fmt.Errorf("%w: open reservation carries an outcome", ErrInvalidReservationOutcome)
	case status.Closed() && outcome != amount.Int64():
		return Reservation{}, fmt.Errorf("%w: consumed %d plus refunded %d must equal %d", ErrInvalidReservationOutcome, consumed, refunded, amount)
	}
	return Reservation{
		accountID:      accountID,
		reservationID:  reservationID,
		amount:         amount,
		consumed:       consumed,
		refunded:       refunded,
		status:         status,
		createdUnixUTC: createdUnixUTC,
		updatedUnixUTC: updatedUnixUTC,
	}, nil
}

func (reservation Reservation) AccountID() AccountID {
	return reservation.accountID
}

func (reservation Reservation) ReservationID() ReservationID {
	return reservation.reservationID
}

func (reservation Reservation) Amount() PositiveCredits {
	return reservation.amount
}

func (reservation Reservation) Consumed() Credits {
	return reservation.consumed
}

func (reservation Reservation) Refunded() Credits {
	return reservation.refunded
}

func (reservation Reservation) Status() ReservationStatus {
	return reservation.status
}

func (reservation Reservation) CreatedUnixUTC() int64 {
	return reservation.createdUnixUTC
}

func (reservation Reservation) UpdatedUnixUTC() int64 {
	return reservation.updatedUnixUTC
}

// close returns the terminal form of the reservation after consuming the given units.
func (reservation Reservation) close(consumed Credits, nowUnixUTC int64) (Reservation, error) {
	if consumed < 0 || consumed.Int64() > reservation.amount.Int64() {
		return Reservation{}, fmt.Errorf("%w: consumed %d outside [0, %d]", ErrInvalidReservationOutcome, consumed, reservation.amount)
	}
	status := ReservationStatusConsumed
	if consumed == 0 {
		status = ReservationStatusRefunded
	}
	refunded := Credits(reservation.amount.Int64() - consumed.Int64())
	return NewReservationRecord(reservation.accountID, reservation.reservationID, reservation.amount, consumed, refunded, status, reservation.createdUnixUTC, nowUnixUTC)
}

// Account is the per-user balance holder.
type Account struct {
	accountID         AccountID
	email             string
	credits           Credits
	subscriptionState SubscriptionState
	subscriptionRef   SubscriptionRef
	active            bool
	createdUnixUTC    int64
	updatedUnixUTC    int64
}

// NewAccount validates an account snapshot.
func NewAccount(accountID AccountID, email string, credits Credits, subscriptionState SubscriptionState, subscriptionRef SubscriptionRef, active bool, createdUnixUTC int64, updatedUnixUTC int64) (Account, error) {
	if accountID.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if credits < 0 {
		return Account{}, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	state, err := ParseSubscriptionState(subscriptionState.String())
	if err != nil {
		return Account{}, err
	}
	return Account{
		accountID:         accountID,
		email:             strings.TrimSpace(email),
		credits:           credits,
		subscriptionState: state,
		subscriptionRef:   subscriptionRef,
		active:            active,
		createdUnixUTC:    createdUnixUTC,
		updatedUnixUTC:    updatedUnixUTC,
	}, nil
}

func (account Account) AccountID() AccountID {
	return account.accountID
}

func (account Account) Email() string {
	return account.email
}

func (account Account) Credits() Credits {
	return account.credits
}

func (account Account) SubscriptionState() SubscriptionState {
	return account.subscriptionState
}

func (account Account) SubscriptionRef() SubscriptionRef {
	return account.subscriptionRef
}

func (account Account) Active() bool {
	return account.active
}

func (account Account) CreatedUnixUTC() int64 {
	return account.createdUnixUTC
}

func (account Account) UpdatedUnixUTC() int64 {
	return account.updatedUnixUTC
}
