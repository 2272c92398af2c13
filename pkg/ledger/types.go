package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a non-negative credit count (balances, consumed and refunded portions).
type Credits int64

// PositiveCredits is a strictly positive credit count used for entry and reservation amounts.
type PositiveCredits int64

// AccountID identifies an account owner.
type AccountID struct {
	value string
}

// EntryID identifies a ledger entry.
type EntryID struct {
	value string
}

// ReservationID identifies a reservation.
type ReservationID struct {
	value string
}

// IdempotencyKey scopes duplicate detection.
type IdempotencyKey struct {
	value string
}

// Reason is the human readable cause recorded on an entry.
type Reason struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// SubscriptionRef is the payment provider's subscription identifier. It may be empty.
type SubscriptionRef struct {
	value string
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	EntryEarned   EntryKind = "earned"
	EntrySpent    EntryKind = "spent"
	EntryRefunded EntryKind = "refunded"
)

// ReservationStatus defines the reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusReserved ReservationStatus = "reserved"
	ReservationStatusConsumed ReservationStatus = "consumed"
	ReservationStatusRefunded ReservationStatus = "refunded"
)

// SubscriptionState tracks the account's recurring plan.
type SubscriptionState string

const (
	SubscriptionNone      SubscriptionState = "none"
	SubscriptionActive    SubscriptionState = "active"
	SubscriptionCancelled SubscriptionState = "cancelled"
)

// NewCredits validates a non-negative credit count.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 returns the raw count.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewPositiveCredits validates a strictly positive credit count.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return PositiveCredits(raw), nil
}

// Int64 returns the raw count.
func (credits PositiveCredits) Int64() int64 {
	return int64(credits)
}

// ToCredits widens the value to Credits.
func (credits PositiveCredits) ToCredits() Credits {
	return Credits(credits)
}

// Signed returns the balance delta an entry of this kind applies.
func (kind EntryKind) Signed(amount PositiveCredits) int64 {
	if kind == EntrySpent {
		return -amount.Int64()
	}
	return amount.Int64()
}

// String returns the kind value.
func (kind EntryKind) String() string {
	return string(kind)
}

// ParseEntryKind validates a stored kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch EntryKind(strings.TrimSpace(raw)) {
	case EntryEarned:
		return EntryEarned, nil
	case EntrySpent:
		return EntrySpent, nil
	case EntryRefunded:
		return EntryRefunded, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
	}
}

// String returns the status value.
func (status ReservationStatus) String() string {
	return string(status)
}

// Closed reports whether the reservation reached a terminal state.
func (status ReservationStatus) Closed() bool {
	return status == ReservationStatusConsumed || status == ReservationStatusRefunded
}

// ParseReservationStatus validates a stored status.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(strings.TrimSpace(raw)) {
	case ReservationStatusReserved:
		return ReservationStatusReserved, nil
	case ReservationStatusConsumed:
		return ReservationStatusConsumed, nil
	case ReservationStatusRefunded:
		return ReservationStatusRefunded, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
	}
}

// String returns the state value.
func (state SubscriptionState) String() string {
	return string(state)
}

// ParseSubscriptionState validates a stored subscription state. Empty input maps to none.
func ParseSubscriptionState(raw string) (SubscriptionState, error) {
	switch SubscriptionState(strings.TrimSpace(raw)) {
	case "", SubscriptionNone:
		return SubscriptionNone, nil
	case SubscriptionActive:
		return SubscriptionActive, nil
	case SubscriptionCancelled:
		return SubscriptionCancelled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSubscriptionState, raw)
	}
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id was never validated.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewReason validates an entry reason.
func NewReason(raw string) (Reason, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reason{}, fmt.Errorf("%w: empty value", ErrInvalidReason)
	}
	return Reason{value: trimmed}, nil
}

// String returns the reason text.
func (reason Reason) String() string {
	return reason.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap marshals a map into MetadataJSON.
func MetadataFromMap(values map[string]any) (MetadataJSON, error) {
	if len(values) == 0 {
		return NewMetadataJSON("")
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(raw))
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewSubscriptionRef normalizes a provider subscription id. Empty is allowed.
func NewSubscriptionRef(raw string) SubscriptionRef {
	return SubscriptionRef{value: strings.TrimSpace(raw)}
}

// String returns the provider id.
func (ref SubscriptionRef) String() string {
	return ref.value
}

// IsZero reports whether no subscription is referenced.
func (ref SubscriptionRef) IsZero() bool {
	return ref.value == ""
}
