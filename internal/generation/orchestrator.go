package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MarkoPoloResearchLab/photovault/internal/ids"
	"github.com/MarkoPoloResearchLab/photovault/internal/photos"
	"github.com/MarkoPoloResearchLab/photovault/internal/usage"
	"github.com/MarkoPoloResearchLab/photovault/pkg/ledger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCount       = 10
	DefaultMaxCount    = 20
	DefaultConcurrency = 10
	DefaultCallTimeout = 90 * time.Second
	MaxGuidanceRunes   = 500

	DefaultCompensationAttempts = 5
	DefaultCompensationBackoff  = 200 * time.Millisecond

	guidanceSeparator = ". Additional guidance: "
	reasonNoOutputs   = "generation failed"
	reasonPartial     = "generation partially failed"
	reasonStorage     = "generation storage failed"

	operationSettle = "settle"
	operationRefund = "refund"
)

// Config bounds a batch.
type Config struct {
	MaxCount    int
	Concurrency int
	CallTimeout time.Duration
	// CompensationAttempts bounds how often a failed settle or refund is retried.
	CompensationAttempts int
	CompensationBackoff  time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = DefaultMaxCount
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.CompensationAttempts <= 0 {
		cfg.CompensationAttempts = DefaultCompensationAttempts
	}
	if cfg.CompensationBackoff <= 0 {
		cfg.CompensationBackoff = DefaultCompensationBackoff
	}
	return cfg
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithObserver reports finished requests, typically to metrics.
func WithObserver(observer Observer) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.observer = observer
	}
}

// WithReservationIDs overrides reservation id minting.
func WithReservationIDs(generate func() (string, error)) Option {
	return func(orchestrator *Orchestrator) {
		if generate != nil {
			orchestrator.newReservationID = generate
		}
	}
}

// Orchestrator coordinates the ledger, the generation provider and photo persistence.
type Orchestrator struct {
	cfg              Config
	ledger           Ledger
	provider         Provider
	photos           PhotoStore
	themes           ThemeCatalog
	usage            UsageRecorder
	observer         Observer
	logger           *zap.Logger
	newReservationID func() (string, error)
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(cfg Config, ledgerService Ledger, provider Provider, photoStore PhotoStore, themes ThemeCatalog, recorder UsageRecorder, logger *zap.Logger, options ...Option) (*Orchestrator, error) {
	switch {
	case ledgerService == nil:
		return nil, fmt.Errorf("%w: ledger is nil", ErrInvalidConfig)
	case provider == nil:
		return nil, fmt.Errorf("%w: provider is nil", ErrInvalidConfig)
	case photoStore == nil:
		return nil, fmt.Errorf("%w: photo store is nil", ErrInvalidConfig)
	case themes == nil:
		return nil, fmt.Errorf("%w: theme catalog is nil", ErrInvalidConfig)
	case recorder == nil:
		return nil, fmt.Errorf("%w: usage recorder is nil", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	orchestrator := &Orchestrator{
		cfg:              cfg.withDefaults(),
		ledger:           ledgerService,
		provider:         provider,
		photos:           photoStore,
		themes:           themes,
		usage:            recorder,
		logger:           logger,
		newReservationID: ids.NewReservationID,
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	return orchestrator, nil
}

// Generate runs one batch. Credits for outputs that were not delivered are always returned.
// The work is detached from ctx cancellation so a client disconnect cannot strand a reservation.
func (orchestrator *Orchestrator) Generate(ctx context.Context, request Request) (Result, error) {
	started := time.Now()
	result := Result{Requested: request.Count, State: StateRequested}
	ctx = context.WithoutCancel(ctx)

	result, err := orchestrator.run(ctx, request, result)
	orchestrator.recordUsage(ctx, request, result, err)
	if orchestrator.observer != nil {
		orchestrator.observer.ObserveGeneration(request.Theme, result.Requested, result.Succeeded, result.State, time.Since(started))
	}
	return result, err
}

func (orchestrator *Orchestrator) run(ctx context.Context, request Request, result Result) (Result, error) {
	prompt, err := orchestrator.validate(request)
	if err != nil {
		result.State = StateFailed
		return result, err
	}
	source, err := orchestrator.photos.LoadSource(ctx, request.AccountID.String(), request.SourceRef)
	if err != nil {
		result.State = StateFailed
		if errors.Is(err, photos.ErrNotFound) || errors.Is(err, photos.ErrInvalidInput) {
			return result, fmt.Errorf("%w: source image: %v", ErrInvalidRequest, err)
		}
		return result, err
	}

	rawReservationID, err := orchestrator.newReservationID()
	if err != nil {
		result.State = StateFailed
		return result, err
	}
	reservationID, err := ledger.NewReservationID(rawReservationID)
	if err != nil {
		result.State = StateFailed
		return result, err
	}
	amount, err := ledger.NewPositiveCredits(int64(request.Count))
	if err != nil {
		result.State = StateFailed
		return result, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	metadata, err := ledger.MetadataFromMap(map[string]any{"theme": request.Theme, "count": request.Count})
	if err != nil {
		result.State = StateFailed
		return result, err
	}
	if _, err := orchestrator.ledger.Reserve(ctx, request.AccountID, amount, reservationID, metadata); err != nil {
		result.State = StateFailed
		return result, err
	}
	result.ReservationID = reservationID.String()
	orchestrator.transition(&result, request, StateReserved)

	orchestrator.transition(&result, request, StateDispatched)
	outputs := orchestrator.dispatch(ctx, request, source, prompt)
	result.Succeeded = len(outputs)

	if len(outputs) == 0 {
		orchestrator.transition(&result, request, StateFailed)
		result.Refunded, result.RefundPending = orchestrator.refund(ctx, request.AccountID, reservationID, reasonNoOutputs)
		err := fmt.Errorf("%w: 0 of %d images generated", ErrGenerationUnavailable, request.Count)
		if result.RefundPending {
			err = fmt.Errorf("%w: %w", err, ErrRefundPending)
		}
		return result, err
	}

	photoSet, err := orchestrator.photos.Store(ctx, photos.StoreRequest{
		AccountID:     request.AccountID.String(),
		Theme:         request.Theme,
		SourceRef:     request.SourceRef,
		CreditsUsed:   int64(len(outputs)),
		ReservationID: reservationID.String(),
		Outputs:       outputs,
	})
	if err != nil {
		orchestrator.transition(&result, request, StateFailed)
		result.Refunded, result.RefundPending = orchestrator.refund(ctx, request.AccountID, reservationID, reasonStorage)
		orchestrator.logger.Error("generated images lost",
			zap.String("account_id", request.AccountID.String()),
			zap.String("reservation_id", reservationID.String()),
			zap.Int("generated", len(outputs)),
			zap.Bool("refund_pending", result.RefundPending),
			zap.Error(err),
		)
		storeErr := fmt.Errorf("%w: %v", ErrStorageFailure, err)
		if result.RefundPending {
			storeErr = fmt.Errorf("%w: %w", storeErr, ErrRefundPending)
		}
		return result, storeErr
	}
	result.PhotoSet = photoSet

	reason, _ := ledger.NewReason(reasonPartial)
	settled, err := orchestrator.compensate(ctx, request.AccountID, reservationID, operationSettle, func() (ledger.Reservation, error) {
		return orchestrator.ledger.Settle(ctx, request.AccountID, reservationID, ledger.Credits(len(outputs)), reason)
	})
	if err != nil {
		// The photo set records the reservation, so recovery can settle it from the set later.
		result.RefundPending = len(outputs) < request.Count
	} else {
		result.Refunded = settled.Refunded().Int64()
	}
	if len(outputs) == request.Count {
		orchestrator.transition(&result, request, StateCompleted)
	} else {
		orchestrator.transition(&result, request, StatePartiallyCompleted)
	}
	return result, nil
}

func (orchestrator *Orchestrator) transition(result *Result, request Request, state State) {
	result.State = state
	orchestrator.logger.Debug("generation state",
		zap.String("account_id", request.AccountID.String()),
		zap.String("reservation_id", result.ReservationID),
		zap.String("state", string(state)),
	)
}

func (orchestrator *Orchestrator) validate(request Request) (string, error) {
	if request.AccountID.IsZero() {
		return "", fmt.Errorf("%w: missing account", ErrInvalidRequest)
	}
	if strings.TrimSpace(request.SourceRef) == "" {
		return "", fmt.Errorf("%w: missing source image", ErrInvalidRequest)
	}
	if request.Count < 1 || request.Count > orchestrator.cfg.MaxCount {
		return "", fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidRequest, orchestrator.cfg.MaxCount)
	}
	theme, ok := orchestrator.themes.Theme(request.Theme)
	if !ok {
		return "", fmt.Errorf("%w: unknown theme %q", ErrInvalidRequest, request.Theme)
	}
	guidance := strings.TrimSpace(request.Guidance)
	if utf8.RuneCountInString(guidance) > MaxGuidanceRunes {
		return "", fmt.Errorf("%w: guidance longer than %d characters", ErrInvalidRequest, MaxGuidanceRunes)
	}
	return ComposePrompt(theme.Prompt, guidance), nil
}

// dispatch runs Count provider calls and returns the successful outputs in request order.
func (orchestrator *Orchestrator) dispatch(ctx context.Context, request Request, source photos.Image, prompt string) []photos.Image {
	slots := make([]*photos.Image, request.Count)
	var mutex sync.Mutex
	var group errgroup.Group
	group.SetLimit(orchestrator.cfg.Concurrency)
	for index := 0; index < request.Count; index++ {
		group.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, orchestrator.cfg.CallTimeout)
			defer cancel()
			output, err := orchestrator.provider.Generate(callCtx, source, prompt)
			if err == nil && len(output.Data) == 0 {
				err = errors.New("provider returned no image")
			}
			if err != nil {
				orchestrator.logger.Warn("generation call failed",
					zap.String("account_id", request.AccountID.String()),
					zap.String("theme", request.Theme),
					zap.Int("index", index),
					zap.Error(err),
				)
				return nil
			}
			mutex.Lock()
			slots[index] = &output
			mutex.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	outputs := make([]photos.Image, 0, len(slots))
	for _, slot := range slots {
		if slot != nil {
			outputs = append(outputs, *slot)
		}
	}
	return outputs
}

// refund returns the refunded amount, or pending=true when every attempt failed.
func (orchestrator *Orchestrator) refund(ctx context.Context, accountID ledger.AccountID, reservationID ledger.ReservationID, rawReason string) (int64, bool) {
	reason, _ := ledger.NewReason(rawReason)
	refunded, err := orchestrator.compensate(ctx, accountID, reservationID, operationRefund, func() (ledger.Reservation, error) {
		return orchestrator.ledger.Refund(ctx, accountID, reservationID, reason)
	})
	if err != nil {
		return 0, true
	}
	return refunded.Refunded().Int64(), false
}

// compensate retries a settle or refund with linear backoff until it succeeds,
// fails with an error retrying cannot fix, or runs out of attempts.
func (orchestrator *Orchestrator) compensate(ctx context.Context, accountID ledger.AccountID, reservationID ledger.ReservationID, operation string, closeReservation func() (ledger.Reservation, error)) (ledger.Reservation, error) {
	var err error
retry:
	for attempt := 1; attempt <= orchestrator.cfg.CompensationAttempts; attempt++ {
		var reservation ledger.Reservation
		reservation, err = closeReservation()
		if err == nil {
			return reservation, nil
		}
		if permanentLedgerError(err) || attempt == orchestrator.cfg.CompensationAttempts {
			break retry
		}
		orchestrator.logger.Warn("reservation "+operation+" failed, retrying",
			zap.String("account_id", accountID.String()),
			zap.String("reservation_id", reservationID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		timer := time.NewTimer(orchestrator.cfg.CompensationBackoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			err = errors.Join(err, ctx.Err())
			break retry
		case <-timer.C:
		}
	}
	orchestrator.logger.Error("reservation "+operation+" abandoned; left for recovery",
		zap.String("account_id", accountID.String()),
		zap.String("reservation_id", reservationID.String()),
		zap.Error(err),
	)
	return ledger.Reservation{}, err
}

func permanentLedgerError(err error) bool {
	return errors.Is(err, ledger.ErrUnknownReservation) ||
		errors.Is(err, ledger.ErrInvalidReservationOutcome) ||
		errors.Is(err, ledger.ErrInvalidCredits) ||
		errors.Is(err, ledger.ErrInvalidAccountID) ||
		errors.Is(err, ledger.ErrInvalidReservationID)
}

func (orchestrator *Orchestrator) recordUsage(ctx context.Context, request Request, result Result, runErr error) {
	if request.AccountID.IsZero() {
		return
	}
	metadata := map[string]any{
		"theme":         request.Theme,
		"requested":     result.Requested,
		"succeeded":     result.Succeeded,
		"refunded":      result.Refunded,
		"state":         string(result.State),
		"reservationId": result.ReservationID,
	}
	if result.PhotoSet.ID != "" {
		metadata["photoSetId"] = result.PhotoSet.ID
	}
	if runErr != nil {
		metadata["error"] = runErr.Error()
	}
	detail := fmt.Sprintf("generated %d of %d %s photos", result.Succeeded, result.Requested, request.Theme)
	_ = orchestrator.usage.Record(ctx, request.AccountID.String(), usage.ActionGenerate, result.PhotoSet.CreditsUsed, detail, metadata)
}

// ComposePrompt appends optional user guidance to a theme prompt.
func ComposePrompt(themePrompt string, guidance string) string {
	trimmed := strings.TrimSpace(guidance)
	if trimmed == "" {
		return themePrompt
	}
	return themePrompt + guidanceSeparator + trimmed
}
