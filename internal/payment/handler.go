package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/photovault/internal/catalog"
	"github.com/MarkoPoloResearchLab/photovault/internal/usage"
	"github.com/MarkoPoloResearchLab/photovault/pkg/ledger"
	"go.uber.org/zap"
)

const (
	idempotencyPrefixPayment  = "payment:"
	idempotencyPrefixCheckout = "checkout:"
	successPathTemplate       = "/?session_id={CHECKOUT_SESSION_ID}&payment_success=true"
	cancelPath                = "/pricing"
)

// Handler applies provider events to the ledger exactly once per event id.
type Handler struct {
	provider Provider
	events   EventStore
	ledger   Ledger
	prices   PriceTable
	usage    UsageRecorder
	billing  BillingProvider
	logger   *zap.Logger
	now      func() time.Time
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithUsageRecorder records purchases and subscription changes in the usage history.
func WithUsageRecorder(recorder UsageRecorder) HandlerOption {
	return func(handler *Handler) {
		handler.usage = recorder
	}
}

// WithBilling enables checkout confirmation, subscription details, the billing portal and plan changes.
func WithBilling(billing BillingProvider) HandlerOption {
	return func(handler *Handler) {
		handler.billing = billing
	}
}

// WithClock overrides the time source used for processed-event rows.
func WithClock(now func() time.Time) HandlerOption {
	return func(handler *Handler) {
		if now != nil {
			handler.now = now
		}
	}
}

// NewHandler wires a Handler.
func NewHandler(provider Provider, events EventStore, ledgerService Ledger, prices PriceTable, logger *zap.Logger, options ...HandlerOption) (*Handler, error) {
	switch {
	case provider == nil:
		return nil, fmt.Errorf("%w: provider is nil", ErrInvalidConfig)
	case events == nil:
		return nil, fmt.Errorf("%w: event store is nil", ErrInvalidConfig)
	case ledgerService == nil:
		return nil, fmt.Errorf("%w: ledger is nil", ErrInvalidConfig)
	case prices == nil:
		return nil, fmt.Errorf("%w: price table is nil", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &Handler{
		provider: provider,
		events:   events,
		ledger:   ledgerService,
		prices:   prices,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		if option != nil {
			option(handler)
		}
	}
	return handler, nil
}

// Handle verifies, deduplicates and applies one webhook delivery.
// A replayed event id yields ErrDuplicateWebhook and no effect.
func (handler *Handler) Handle(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	event, err := handler.provider.VerifyEvent(payload, signature)
	if err != nil && errors.Is(err, ErrInvalidEvent) {
		// Signed by the provider but undecodable; not a forgery.
		handler.logger.Error("webhook event malformed", zap.Int("payload_bytes", len(payload)), zap.Error(err))
		return Outcome{}, err
	}
	if err != nil {
		handler.logger.Warn("webhook signature rejected",
			zap.String("event", "security.webhook_signature"),
			zap.Int("payload_bytes", len(payload)),
			zap.Bool("signature_present", strings.TrimSpace(signature) != ""),
			zap.Error(err),
		)
		if !errors.Is(err, ErrInvalidWebhookSignature) {
			err = fmt.Errorf("%w: %v", ErrInvalidWebhookSignature, err)
		}
		return Outcome{}, err
	}
	if strings.TrimSpace(event.ID) == "" {
		return Outcome{}, fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}
	outcome := Outcome{EventID: event.ID, Type: event.Type, AccountID: event.AccountID}

	seen, err := handler.events.Seen(ctx, event.ID)
	if err != nil {
		return outcome, err
	}
	if seen {
		handler.logger.Info("webhook replay ignored", zap.String("event_id", event.ID), zap.String("type", event.Type))
		return outcome, ErrDuplicateWebhook
	}

	var applyErr error
	switch event.Type {
	case EventCheckoutCompleted:
		outcome, applyErr = handler.applyCheckout(ctx, event, outcome)
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		outcome, applyErr = handler.applySubscription(ctx, event, outcome)
	default:
		handler.logger.Debug("webhook event ignored", zap.String("event_id", event.ID), zap.String("type", event.Type))
	}
	if applyErr != nil && !isPermanent(applyErr) {
		// Transient failures stay unrecorded so the provider's retry reprocesses them.
		handler.logger.Error("webhook processing failed", zap.String("event_id", event.ID), zap.String("type", event.Type), zap.Error(applyErr))
		return outcome, applyErr
	}
	if applyErr != nil {
		handler.logger.Error("webhook event unusable", zap.String("event_id", event.ID), zap.String("type", event.Type), zap.Error(applyErr))
	}
	recordErr := handler.events.Record(ctx, ProcessedEvent{
		ProviderEventID: event.ID,
		Type:            event.Type,
		AccountID:       outcome.AccountID,
		ProcessedAt:     handler.now(),
	})
	if recordErr != nil {
		// The credit itself is idempotent on the checkout session, so a lost dedup row cannot double credit.
		handler.logger.Warn("webhook dedup record failed", zap.String("event_id", event.ID), zap.Error(recordErr))
	}
	return outcome, applyErr
}

// CreateCheckout opens a hosted checkout for a known price and returns its redirect URL.
func (handler *Handler) CreateCheckout(ctx context.Context, accountID ledger.AccountID, email string, priceID string, origin string) (string, error) {
	if _, ok := handler.prices.PlanByPriceID(priceID); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPrice, priceID)
	}
	account, err := handler.ledger.Balance(ctx, accountID)
	if err != nil {
		return "", err
	}
	if account.SubscriptionState() == ledger.SubscriptionActive && !account.SubscriptionRef().IsZero() {
		return "", ErrSubscriptionActive
	}
	base := strings.TrimRight(strings.TrimSpace(origin), "/")
	url, err := handler.provider.CreateCheckoutSession(ctx, CheckoutRequest{
		AccountID:  accountID.String(),
		Email:      strings.TrimSpace(email),
		PriceID:    strings.TrimSpace(priceID),
		SuccessURL: base + successPathTemplate,
		CancelURL:  base + cancelPath,
	})
	if err != nil {
		handler.logger.Error("checkout session failed", zap.String("account_id", accountID.String()), zap.String("price_id", priceID), zap.Error(err))
		return "", err
	}
	return url, nil
}

func (handler *Handler) applyCheckout(ctx context.Context, event Event, outcome Outcome) (Outcome, error) {
	accountID, err := ledger.NewAccountID(event.AccountID)
	if err != nil {
		return outcome, fmt.Errorf("%w: checkout without user id: %v", ErrInvalidEvent, err)
	}
	plan, applied, err := handler.creditPurchase(ctx, purchase{
		accountID: accountID,
		priceID:   event.PriceID,
		email:     event.Email,
		sessionID: event.CheckoutSessionID,
		eventID:   event.ID,
	})
	if err != nil {
		return outcome, err
	}
	outcome.Applied = applied
	if applied {
		outcome.Credited = plan.Credits
	}
	return outcome, nil
}

// purchase is a paid checkout from either the webhook or the post-redirect confirmation.
type purchase struct {
	accountID ledger.AccountID
	priceID   string
	email     string
	sessionID string
	eventID   string
}

// idempotencyKey keys on the checkout session so the webhook and the confirmation credit once between them.
func (request purchase) idempotencyKey() string {
	if strings.TrimSpace(request.sessionID) != "" {
		return idempotencyPrefixCheckout + strings.TrimSpace(request.sessionID)
	}
	return idempotencyPrefixPayment + request.eventID
}

func (handler *Handler) creditPurchase(ctx context.Context, request purchase) (catalog.Plan, bool, error) {
	plan, ok := handler.prices.PlanByPriceID(request.priceID)
	if !ok {
		return plan, false, fmt.Errorf("%w: %q", ErrUnknownPrice, request.priceID)
	}
	amount, err := ledger.NewPositiveCredits(plan.Credits)
	if err != nil {
		return plan, false, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	reason, err := ledger.NewReason("purchase " + plan.ID)
	if err != nil {
		return plan, false, err
	}
	rawKey := request.idempotencyKey()
	idempotencyKey, err := ledger.NewIdempotencyKey(rawKey)
	if err != nil {
		return plan, false, err
	}
	details := map[string]any{"priceId": plan.PriceID, "plan": plan.ID}
	if request.eventID != "" {
		details["eventId"] = request.eventID
	}
	if request.sessionID != "" {
		details["sessionId"] = request.sessionID
	}
	metadata, err := ledger.MetadataFromMap(details)
	if err != nil {
		return plan, false, err
	}
	applied, err := handler.ledger.Credit(ctx, request.accountID, amount, reason, idempotencyKey, metadata)
	if err != nil {
		return plan, false, err
	}
	if err := handler.ledger.SetEmail(ctx, request.accountID, request.email); err != nil {
		handler.logger.Warn("email update failed", zap.String("account_id", request.accountID.String()), zap.Error(err))
	}
	if applied {
		handler.recordUsage(ctx, request.accountID.String(), usage.ActionPurchase, plan.Credits, "purchased "+plan.Name, details)
	}
	handler.logger.Info("checkout credited",
		zap.String("idempotency_key", rawKey),
		zap.String("account_id", request.accountID.String()),
		zap.Int64("credits", plan.Credits),
		zap.Bool("applied", applied),
	)
	return plan, applied, nil
}

func (handler *Handler) applySubscription(ctx context.Context, event Event, outcome Outcome) (Outcome, error) {
	ref := ledger.NewSubscriptionRef(event.SubscriptionRef)
	accountID, err := ledger.NewAccountID(event.AccountID)
	if err != nil {
		account, lookupErr := handler.ledger.AccountBySubscription(ctx, ref)
		if lookupErr != nil {
			if errors.Is(lookupErr, ledger.ErrUnknownAccount) {
				return outcome, fmt.Errorf("%w: subscription %q has no account", ErrInvalidEvent, event.SubscriptionRef)
			}
			return outcome, lookupErr
		}
		accountID = account.AccountID()
	}
	outcome.AccountID = accountID.String()

	state := SubscriptionStateFor(event.SubscriptionStatus)
	if event.Type == EventSubscriptionDeleted {
		state = ledger.SubscriptionCancelled
	}
	if err := handler.ledger.SetSubscription(ctx, accountID, state, ref); err != nil {
		return outcome, err
	}
	outcome.Applied = true
	handler.recordUsage(ctx, accountID.String(), usage.ActionSubscription, 0, "subscription "+state.String(), map[string]any{
		"subscriptionId": event.SubscriptionRef,
		"status":         event.SubscriptionStatus,
		"eventId":        event.ID,
	})
	handler.logger.Info("subscription updated",
		zap.String("event_id", event.ID),
		zap.String("account_id", accountID.String()),
		zap.String("state", state.String()),
	)
	return outcome, nil
}

func (handler *Handler) recordUsage(ctx context.Context, accountID string, action usage.Action, credits int64, detail string, metadata map[string]any) {
	if handler.usage == nil {
		return
	}
	_ = handler.usage.Record(ctx, accountID, action, credits, detail, metadata)
}

// SubscriptionStateFor maps provider subscription statuses onto account states.
// Statuses that still entitle the customer count as active.
func SubscriptionStateFor(providerStatus string) ledger.SubscriptionState {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "active", "trialing", "past_due":
		return ledger.SubscriptionActive
	default:
		return ledger.SubscriptionCancelled
	}
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrInvalidEvent) || errors.Is(err, ErrUnknownPrice)
}
