package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

type stubAccountState struct {
	email             string
	credits           Credits
	subscriptionState SubscriptionState
	subscriptionRef   SubscriptionRef
	active            bool
}

type stubStore struct {
	mutex        sync.Mutex
	accounts     map[AccountID]stubAccountState
	reservations map[ReservationID]Reservation
	entries      []EntryInput
	idempotency  map[string]struct{}
	listEntries  []Entry
}

func newStubStore(test *testing.T, accountID AccountID, initialCredits Credits) *stubStore {
	test.Helper()
	store := &stubStore{
		accounts:     make(map[AccountID]stubAccountState),
		reservations: make(map[ReservationID]Reservation),
		idempotency:  make(map[string]struct{}),
	}
	store.accounts[accountID] = stubAccountState{credits: initialCredits, subscriptionState: SubscriptionNone, active: true}
	return store
}

// WithTx snapshots the state and restores it when fn fails.
func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	accounts := make(map[AccountID]stubAccountState, len(store.accounts))
	for key, value := range store.accounts {
		accounts[key] = value
	}
	reservations := make(map[ReservationID]Reservation, len(store.reservations))
	for key, value := range store.reservations {
		reservations[key] = value
	}
	idempotency := make(map[string]struct{}, len(store.idempotency))
	for key := range store.idempotency {
		idempotency[key] = struct{}{}
	}
	entries := append([]EntryInput(nil), store.entries...)
	err := fn(ctx, store)
	if err != nil {
		store.accounts = accounts
		store.reservations = reservations
		store.idempotency = idempotency
		store.entries = entries
	}
	return err
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, accountID AccountID) (Account, error) {
	state, ok := store.accounts[accountID]
	if !ok {
		state = stubAccountState{subscriptionState: SubscriptionNone, active: true}
		store.accounts[accountID] = state
	}
	return store.snapshot(accountID, state)
}

func (store *stubStore) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	state, ok := store.accounts[accountID]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return store.snapshot(accountID, state)
}

func (store *stubStore) FindAccountBySubscription(ctx context.Context, subscriptionRef SubscriptionRef) (Account, error) {
	for accountID, state := range store.accounts {
		if state.subscriptionRef == subscriptionRef {
			return store.snapshot(accountID, state)
		}
	}
	return Account{}, ErrUnknownAccount
}

func (store *stubStore) DebitCredits(ctx context.Context, accountID AccountID, amount PositiveCredits) (Credits, error) {
	state, ok := store.accounts[accountID]
	if !ok {
		return 0, ErrUnknownAccount
	}
	if state.credits.Int64() < amount.Int64() {
		return state.credits, ErrInsufficientCredits
	}
	state.credits -= amount.ToCredits()
	store.accounts[accountID] = state
	return state.credits, nil
}

func (store *stubStore) AddCredits(ctx context.Context, accountID AccountID, amount PositiveCredits) (Credits, error) {
	state, ok := store.accounts[accountID]
	if !ok {
		return 0, ErrUnknownAccount
	}
	state.credits += amount.ToCredits()
	store.accounts[accountID] = state
	return state.credits, nil
}

func (store *stubStore) UpdateSubscription(ctx context.Context, accountID AccountID, subscriptionState SubscriptionState, subscriptionRef SubscriptionRef) error {
	state, ok := store.accounts[accountID]
	if !ok {
		return ErrUnknownAccount
	}
	state.subscriptionState = subscriptionState
	state.subscriptionRef = subscriptionRef
	store.accounts[accountID] = state
	return nil
}

func (store *stubStore) UpdateEmail(ctx context.Context, accountID AccountID, email string) error {
	state, ok := store.accounts[accountID]
	if !ok {
		return ErrUnknownAccount
	}
	state.email = email
	store.accounts[accountID] = state
	return nil
}

func (store *stubStore) SetAccountActive(ctx context.Context, accountID AccountID, active bool) error {
	state, ok := store.accounts[accountID]
	if !ok {
		return ErrUnknownAccount
	}
	state.active = active
	store.accounts[accountID] = state
	return nil
}

func (store *stubStore) InsertEntry(ctx context.Context, entryInput EntryInput) error {
	key := entryInput.AccountID().String() + "|" + entryInput.IdempotencyKey().String()
	if _, exists := store.idempotency[key]; exists {
		return ErrDuplicateIdempotencyKey
	}
	store.idempotency[key] = struct{}{}
	store.entries = append(store.entries, entryInput)
	return nil
}

func (store *stubStore) SumEntries(ctx context.Context, accountID AccountID) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var sum int64
	for _, entry := range store.entries {
		if entry.AccountID() == accountID {
			sum += entry.Kind().Signed(entry.Amount())
		}
	}
	return sum, nil
}

func (store *stubStore) CreateReservation(ctx context.Context, reservation Reservation) error {
	if _, exists := store.reservations[reservation.ReservationID()]; exists {
		return ErrReservationExists
	}
	store.reservations[reservation.ReservationID()] = reservation
	return nil
}

func (store *stubStore) GetReservation(ctx context.Context, accountID AccountID, reservationID ReservationID) (Reservation, error) {
	reservation, ok := store.reservations[reservationID]
	if !ok || reservation.AccountID() != accountID {
		return Reservation{}, ErrUnknownReservation
	}
	return reservation, nil
}

func (store *stubStore) CloseReservation(ctx context.Context, reservation Reservation) error {
	current, ok := store.reservations[reservation.ReservationID()]
	if !ok {
		return ErrUnknownReservation
	}
	if current.Status() != ReservationStatusReserved {
		return ErrReservationClosed
	}
	store.reservations[reservation.ReservationID()] = reservation
	return nil
}

func (store *stubStore) ListOpenReservations(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]Reservation, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	open := make([]Reservation, 0)
	for _, reservation := range store.reservations {
		if reservation.Status() == ReservationStatusReserved && reservation.CreatedUnixUTC() < createdBeforeUnixUTC {
			open = append(open, reservation)
		}
	}
	sort.Slice(open, func(left, right int) bool {
		return open[left].ReservationID().String() < open[right].ReservationID().String()
	})
	if len(open) > limit {
		open = open[:limit]
	}
	return open, nil
}

func (store *stubStore) ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	return append([]Entry(nil), store.listEntries...), nil
}

func (store *stubStore) snapshot(accountID AccountID, state stubAccountState) (Account, error) {
	return NewAccount(accountID, state.email, state.credits, state.subscriptionState, state.subscriptionRef, state.active, 1, 1)
}

func (store *stubStore) credits(test *testing.T, accountID AccountID) Credits {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	state, ok := store.accounts[accountID]
	if !ok {
		test.Fatalf("account %s not found", accountID.String())
	}
	return state.credits
}

func (store *stubStore) entryKinds() []string {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	kinds := make([]string, 0, len(store.entries))
	for _, entry := range store.entries {
		kinds = append(kinds, fmt.Sprintf("%s:%d", entry.Kind(), entry.Amount()))
	}
	return kinds
}

func (store *stubStore) mustReservation(test *testing.T, reservationID ReservationID) Reservation {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	reservation, ok := store.reservations[reservationID]
	if !ok {
		test.Fatalf("reservation %s not found", reservationID.String())
	}
	return reservation
}

// conflictStore fails the first failures transactions with ErrConcurrentUpdate.
type conflictStore struct {
	*stubStore
	failures int
	calls    int
}

func (store *conflictStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.calls++
	if store.calls <= store.failures {
		return WrapError("store", "tx", "serialization", ErrConcurrentUpdate)
	}
	return store.stubStore.WithTx(ctx, fn)
}

type recordingLocker struct {
	mutex    sync.Mutex
	keys     []string
	released int
}

func (locker *recordingLocker) Lock(ctx context.Context, key string) (func(), error) {
	locker.mutex.Lock()
	locker.keys = append(locker.keys, key)
	locker.mutex.Unlock()
	return func() {
		locker.mutex.Lock()
		locker.released++
		locker.mutex.Unlock()
	}, nil
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) statuses() []string {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	statuses := make([]string, 0, len(logger.entries))
	for _, entry := range logger.entries {
		statuses = append(statuses, entry.Operation+"/"+entry.Status)
	}
	sort.Strings(statuses)
	return statuses
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	options = append([]ServiceOption{WithRetryPolicy(defaultRetryAttempts, 0)}, options...)
	service, err := NewService(store, func() int64 { return 100 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	value, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return value
}

func mustReservationID(test *testing.T, raw string) ReservationID {
	test.Helper()
	value, err := NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	return value
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	value, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	value, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	return value
}

func mustCredits(test *testing.T, raw int64) Credits {
	test.Helper()
	value, err := NewCredits(raw)
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	return value
}

func mustReason(test *testing.T, raw string) Reason {
	test.Helper()
	value, err := NewReason(raw)
	if err != nil {
		test.Fatalf("reason: %v", err)
	}
	return value
}

func mustEntryID(test *testing.T, raw string) EntryID {
	test.Helper()
	value, err := NewEntryID(raw)
	if err != nil {
		test.Fatalf("entry id: %v", err)
	}
	return value
}
