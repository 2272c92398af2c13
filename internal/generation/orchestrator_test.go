package generation

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/photovault/internal/catalog"
	"github.com/MarkoPoloResearchLab/photovault/internal/objectstore/memory"
	"github.com/MarkoPoloResearchLab/photovault/internal/photos"
	"github.com/MarkoPoloResearchLab/photovault/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/photovault/internal/usage"
	"github.com/MarkoPoloResearchLab/photovault/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fixture struct {
	ledger    *ledger.Service
	photos    *photos.Service
	photoSets *gormstore.PhotoSetStore
	usage     *usage.Recorder
	themes    *catalog.Catalog
	accountID ledger.AccountID
	sourceRef string
}

func newFixture(t *testing.T, initialCredits int64) fixture {
	t.Helper()
	ctx := context.Background()
	db, cleanup, _, err := gormstore.Open(ctx, filepath.Join(t.TempDir(), "photovault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })
	require.NoError(t, gormstore.Migrate(db))

	ledgerService, err := ledger.NewService(gormstore.New(db), func() int64 { return time.Now().UTC().Unix() }, ledger.WithRetryPolicy(5, 0))
	require.NoError(t, err)
	photoSets := gormstore.NewPhotoSetStore(db)
	photoService, err := photos.NewService(memory.New("https://objects.test", []byte("signing-key")), photoSets, zap.NewNop())
	require.NoError(t, err)
	recorder, err := usage.NewRecorder(gormstore.NewUsageStore(db), zap.NewNop(), nil)
	require.NoError(t, err)
	themes, err := catalog.Default()
	require.NoError(t, err)

	accountID, err := ledger.NewAccountID("user-1")
	require.NoError(t, err)
	if initialCredits > 0 {
		amount, err := ledger.NewPositiveCredits(initialCredits)
		require.NoError(t, err)
		reason, err := ledger.NewReason("purchase")
		require.NoError(t, err)
		key, err := ledger.NewIdempotencyKey("payment:evt_seed")
		require.NoError(t, err)
		_, err = ledgerService.Credit(ctx, accountID, amount, reason, key, ledger.MetadataJSON{})
		require.NoError(t, err)
	}
	sourceRef, err := photoService.Upload(ctx, accountID.String(), photos.Image{Data: []byte("source-bytes"), MIMEType: "image/png"})
	require.NoError(t, err)

	return fixture{
		ledger:    ledgerService,
		photos:    photoService,
		photoSets: photoSets,
		usage:     recorder,
		themes:    themes,
		accountID: accountID,
		sourceRef: sourceRef,
	}
}

func (f fixture) orchestrator(t *testing.T, cfg Config, provider Provider, options ...Option) *Orchestrator {
	t.Helper()
	return f.orchestratorWithStore(t, cfg, provider, f.photos, options...)
}

func (f fixture) orchestratorWithStore(t *testing.T, cfg Config, provider Provider, store PhotoStore, options ...Option) *Orchestrator {
	t.Helper()
	orchestrator, err := NewOrchestrator(cfg, f.ledger, provider, store, f.themes, f.usage, zap.NewNop(), options...)
	require.NoError(t, err)
	return orchestrator
}

func (f fixture) balance(t *testing.T) int64 {
	t.Helper()
	account, err := f.ledger.Balance(context.Background(), f.accountID)
	require.NoError(t, err)
	return account.Credits().Int64()
}

func (f fixture) request(count int) Request {
	return Request{AccountID: f.accountID, SourceRef: f.sourceRef, Theme: "anime", Count: count}
}

// failingFirst fails the first n calls and succeeds afterwards.
func failingFirst(n int64) (Provider, *atomic.Int64) {
	var calls atomic.Int64
	return ProviderFunc(func(ctx context.Context, source photos.Image, prompt string) (photos.Image, error) {
		if calls.Add(1) <= n {
			return photos.Image{}, errors.New("provider overloaded")
		}
		return photos.Image{Data: []byte("generated"), MIMEType: "image/png"}, nil
	}), &calls
}

type observerSpy struct {
	mutex  sync.Mutex
	states []State
}

func (spy *observerSpy) ObserveGeneration(_ string, _ int, _ int, state State, _ time.Duration) {
	spy.mutex.Lock()
	defer spy.mutex.Unlock()
	spy.states = append(spy.states, state)
}

func TestGenerateCompletesBatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 20)
	provider, calls := failingFirst(0)
	observer := &observerSpy{}

	result, err := f.orchestrator(t, Config{}, provider, WithObserver(observer)).Generate(context.Background(), f.request(10))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, 10, result.Succeeded)
	assert.Equal(t, int64(0), result.Refunded)
	assert.Len(t, result.PhotoSet.OutputRefs, 10)
	assert.Equal(t, int64(10), result.PhotoSet.CreditsUsed)
	assert.True(t, strings.HasPrefix(result.PhotoSet.ID, "pset_"))
	assert.True(t, strings.HasPrefix(result.ReservationID, "rsv_"))
	assert.Equal(t, int64(10), calls.Load())
	assert.Equal(t, int64(10), f.balance(t))
	assert.Equal(t, []State{StateCompleted}, observer.states)

	records, err := f.usage.List(context.Background(), f.accountID.String(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, usage.ActionGenerate, records[0].Action)
	assert.Equal(t, int64(10), records[0].CreditsInvolved)
	assert.Equal(t, result.PhotoSet.ID, records[0].Metadata["photoSetId"])
}

func TestGeneratePartialSuccessRefundsUnusedCredits(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 20)
	provider, _ := failingFirst(3)

	result, err := f.orchestrator(t, Config{}, provider).Generate(context.Background(), f.request(10))
	require.NoError(t, err)
	assert.Equal(t, StatePartiallyCompleted, result.State)
	assert.Equal(t, 7, result.Succeeded)
	assert.Equal(t, int64(3), result.Refunded)
	assert.Len(t, result.PhotoSet.OutputRefs, 7)
	assert.Equal(t, int64(13), f.balance(t))

	_, err = f.ledger.Reconcile(context.Background(), f.accountID)
	require.NoError(t, err)
}

func TestGenerateWithNoOutputsRefundsEverything(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 20)
	provider, _ := failingFirst(10)

	result, err := f.orchestrator(t, Config{}, provider).Generate(context.Background(), f.request(10))
	require.ErrorIs(t, err, ErrGenerationUnavailable)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, int64(10), result.Refunded)
	assert.Equal(t, int64(20), f.balance(t))

	entries, err := f.ledger.ListEntries(context.Background(), f.accountID, 0, 10)
	require.NoError(t, err)
	var spent, refunded int64
	for _, entry := range entries {
		switch entry.Kind() {
		case ledger.EntrySpent:
			spent += entry.Amount().Int64()
		case ledger.EntryRefunded:
			refunded += entry.Amount().Int64()
		}
	}
	assert.Equal(t, spent, refunded)
}

func TestGenerateRejectsInsufficientCreditsBeforeDispatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5)
	provider, calls := failingFirst(0)

	result, err := f.orchestrator(t, Config{}, provider).Generate(context.Background(), f.request(10))
	require.ErrorIs(t, err, ledger.ErrInsufficientCredits)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, int64(0), calls.Load())
	assert.Equal(t, int64(5), f.balance(t))

	records, err := f.usage.List(context.Background(), f.accountID.String(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, string(StateFailed), records[0].Metadata["state"])
}

func TestGenerateCountsTimeoutsAsFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 20)
	var calls atomic.Int64
	provider := ProviderFunc(func(ctx context.Context, source photos.Image, prompt string) (photos.Image, error) {
		if calls.Add(1) <= 2 {
			<-ctx.Done()
			return photos.Image{}, ctx.Err()
		}
		return photos.Image{Data: []byte("generated"), MIMEType: "image/png"}, nil
	})

	result, err := f.orchestrator(t, Config{CallTimeout: 20 * time.Millisecond}, provider).Generate(context.Background(), f.request(10))
	require.NoError(t, err)
	assert.Equal(t, 8, result.Succeeded)
	assert.Equal(t, int64(12), f.balance(t))
}

type failingPhotoStore struct {
	*photos.Service
}

func (store failingPhotoStore) Store(context.Context, photos.StoreRequest) (photos.PhotoSet, error) {
	return photos.PhotoSet{}, photos.ErrStorage
}

func TestGenerateStorageFailureRefundsInFull(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 20)
	provider, _ := failingFirst(0)

	result, err := f.orchestratorWithStore(t, Config{}, provider, failingPhotoStore{f.photos}).Generate(context.Background(), f.request(10))
	require.ErrorIs(t, err, ErrStorageFailure)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, int64(10), result.Refunded)
	assert.Equal(t, int64(20), f.balance(t))
}

func TestGenerateSurvivesCallerCancellation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 20)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	provider := ProviderFunc(func(ctx context.Context, source photos.Image, prompt string) (photos.Image, error) {
		if err := ctx.Err(); err != nil {
			return photos.Image{}, err
		}
		return photos.Image{Data: []byte("generated"), MIMEType: "image/png"}, nil
	})

	result, err := f.orchestrator(t, Config{}, provider).Generate(ctx, f.request(3))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, int64(17), f.balance(t))
}

func TestGenerateBoundsConcurrency(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 20)
	var inFlight, peak atomic.Int64
	provider := ProviderFunc(func(ctx context.Context, source photos.Image, prompt string) (photos.Image, error) {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			observed := peak.Load()
			if current <= observed || peak.CompareAndSwap(observed, current) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return photos.Image{Data: []byte("generated"), MIMEType: "image/png"}, nil
	})

	_, err := f.orchestrator(t, Config{Concurrency: 2}, provider).Generate(context.Background(), f.request(8))
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestGenerateValidatesBeforeReserving(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 20)
	provider, calls := failingFirst(0)
	orchestrator := f.orchestrator(t, Config{}, provider)

	testCases := []struct {
		name   string
		mutate func(request *Request)
	}{
		{name: "unknown theme", mutate: func(request *Request) { request.Theme = "watercolor" }},
		{name: "zero count", mutate: func(request *Request) { request.Count = 0 }},
		{name: "count above max", mutate: func(request *Request) { request.Count = DefaultMaxCount + 1 }},
		{name: "long guidance", mutate: func(request *Request) { request.Guidance = strings.Repeat("é", MaxGuidanceRunes+1) }},
		{name: "missing source", mutate: func(request *Request) { request.SourceRef = " " }},
		{name: "foreign source", mutate: func(request *Request) { request.SourceRef = "users/someone-else/uploads/x.png" }},
	}
	for _, testCase := range testCases {
		request := f.request(2)
		testCase.mutate(&request)
		_, err := orchestrator.Generate(context.Background(), request)
		require.ErrorIs(t, err, ErrInvalidRequest, testCase.name)
	}
	assert.Equal(t, int64(0), calls.Load())
	assert.Equal(t, int64(20), f.balance(t))
}

func TestGeneratePassesGuidanceInPrompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 20)
	var prompts sync.Map
	provider := ProviderFunc(func(ctx context.Context, source photos.Image, prompt string) (photos.Image, error) {
		prompts.Store(prompt, true)
		assert.Equal(t, []byte("source-bytes"), source.Data)
		return photos.Image{Data: []byte("generated"), MIMEType: "image/png"}, nil
	})
	request := f.request(2)
	request.Guidance = "  wearing a red scarf "

	_, err := f.orchestrator(t, Config{}, provider).Generate(context.Background(), request)
	require.NoError(t, err)
	anime, _ := f.themes.Theme("anime")
	_, ok := prompts.Load(anime.Prompt + ". Additional guidance: wearing a red scarf")
	assert.True(t, ok)
}

func TestComposePrompt(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "base", ComposePrompt("base", "   "))
	assert.Equal(t, "base. Additional guidance: smile", ComposePrompt("base", "smile"))
}

var errLedgerUnavailable = errors.New("ledger connection reset")

// flakyLedger fails the first settle and refund calls with a transient error.
type flakyLedger struct {
	*ledger.Service
	refundFailures atomic.Int64
	settleFailures atomic.Int64
	refundCalls    atomic.Int64
	settleCalls    atomic.Int64
}

func (flaky *flakyLedger) Refund(ctx context.Context, accountID ledger.AccountID, reservationID ledger.ReservationID, reason ledger.Reason) (ledger.Reservation, error) {
	flaky.refundCalls.Add(1)
	if flaky.refundFailures.Add(-1) >= 0 {
		return ledger.Reservation{}, errLedgerUnavailable
	}
	return flaky.Service.Refund(ctx, accountID, reservationID, reason)
}

func (flaky *flakyLedger) Settle(ctx context.Context, accountID ledger.AccountID, reservationID ledger.ReservationID, consumed ledger.Credits, reason ledger.Reason) (ledger.Reservation, error) {
	flaky.settleCalls.Add(1)
	if flaky.settleFailures.Add(-1) >= 0 {
		return ledger.Reservation{}, errLedgerUnavailable
	}
	return flaky.Service.Settle(ctx, accountID, reservationID, consumed, reason)
}

func (f fixture) flakyOrchestrator(t *testing.T, flaky *flakyLedger, provider Provider, attempts int) *Orchestrator {
	t.Helper()
	cfg := Config{CompensationAttempts: attempts, CompensationBackoff: time.Millisecond}
	orchestrator, err := NewOrchestrator(cfg, flaky, provider, f.photos, f.themes, f.usage, zap.NewNop())
	require.NoError(t, err)
	return orchestrator
}

func TestGenerateRetriesTransientRefundFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	flaky := &flakyLedger{Service: f.ledger}
	flaky.refundFailures.Store(1)
	provider, _ := failingFirst(4)

	result, err := f.flakyOrchestrator(t, flaky, provider, 3).Generate(context.Background(), f.request(4))
	require.ErrorIs(t, err, ErrGenerationUnavailable)
	assert.NotErrorIs(t, err, ErrRefundPending)
	assert.False(t, result.RefundPending)
	assert.Equal(t, int64(4), result.Refunded)
	assert.Equal(t, int64(2), flaky.refundCalls.Load())
	assert.Equal(t, int64(10), f.balance(t))
}

func TestGenerateExhaustedRefundIsRecovered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	flaky := &flakyLedger{Service: f.ledger}
	flaky.refundFailures.Store(100)
	provider, _ := failingFirst(4)

	result, err := f.flakyOrchestrator(t, flaky, provider, 3).Generate(context.Background(), f.request(4))
	require.ErrorIs(t, err, ErrGenerationUnavailable)
	require.ErrorIs(t, err, ErrRefundPending)
	assert.True(t, result.RefundPending)
	assert.Equal(t, int64(0), result.Refunded)
	assert.Equal(t, int64(3), flaky.refundCalls.Load())
	assert.Equal(t, int64(6), f.balance(t))

	recovery := f.recovery(t, time.Hour)
	report, err := recovery.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Examined: 1, Refunded: 1, RefundedCredits: 4}, report)
	assert.Equal(t, int64(10), f.balance(t))

	_, err = f.ledger.Reconcile(context.Background(), f.accountID)
	require.NoError(t, err)
}

func TestGenerateExhaustedSettleIsRecoveredFromPhotoSet(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 20)
	flaky := &flakyLedger{Service: f.ledger}
	flaky.settleFailures.Store(100)
	provider, _ := failingFirst(3)

	result, err := f.flakyOrchestrator(t, flaky, provider, 2).Generate(context.Background(), f.request(10))
	require.NoError(t, err)
	assert.Equal(t, StatePartiallyCompleted, result.State)
	assert.True(t, result.RefundPending)
	assert.Equal(t, result.ReservationID, result.PhotoSet.ReservationID)
	assert.Equal(t, int64(10), f.balance(t))

	report, err := f.recovery(t, time.Hour).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Examined: 1, Settled: 1, RefundedCredits: 3}, report)
	assert.Equal(t, int64(13), f.balance(t))

	report, err = f.recovery(t, time.Hour).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{}, report)
}

func TestGenerateReportsStateTransitions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 20)
	provider, _ := failingFirst(0)
	core, logs := observer.New(zapcore.DebugLevel)
	orchestrator, err := NewOrchestrator(Config{}, f.ledger, provider, f.photos, f.themes, f.usage, zap.New(core))
	require.NoError(t, err)

	_, err = orchestrator.Generate(context.Background(), f.request(2))
	require.NoError(t, err)
	var states []string
	for _, entry := range logs.FilterMessage("generation state").All() {
		states = append(states, entry.ContextMap()["state"].(string))
	}
	assert.Equal(t, []string{"reserved", "dispatched", "completed"}, states)
}
