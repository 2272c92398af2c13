// Package payment turns verified payment-provider webhooks into ledger credits and subscription changes.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/photovault/internal/catalog"
	"github.com/MarkoPoloResearchLab/photovault/internal/usage"
	"github.com/MarkoPoloResearchLab/photovault/pkg/ledger"
)

var (
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")
	ErrDuplicateWebhook        = errors.New("duplicate webhook event")
	ErrInvalidEvent            = errors.New("invalid webhook event")
	ErrUnknownPrice            = errors.New("unknown price")
	ErrSubscriptionActive      = errors.New("account already has an active subscription")
	ErrInvalidConfig           = errors.New("invalid payment handler config")
	ErrNoSubscription          = errors.New("account has no subscription")
	ErrBillingUnavailable      = errors.New("billing is not configured")
	ErrCheckoutNotFound        = errors.New("checkout session not found")
)

// Provider event types the handler acts on.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// PaymentStatusPaid is the checkout payment status that releases credits.
const PaymentStatusPaid = "paid"

// Event is a verified provider event reduced to the fields the handler uses.
type Event struct {
	ID                 string
	Type               string
	AccountID          string
	Email              string
	PriceID            string
	CheckoutSessionID  string
	SubscriptionRef    string
	SubscriptionStatus string
}

// CheckoutRequest describes a hosted checkout session for one price.
type CheckoutRequest struct {
	AccountID  string
	Email      string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// Provider verifies webhook payloads and opens checkout sessions.
// VerifyEvent wraps signature failures with ErrInvalidWebhookSignature and
// authentic payloads it cannot decode with ErrInvalidEvent.
type Provider interface {
	VerifyEvent(payload []byte, signature string) (Event, error)
	CreateCheckoutSession(ctx context.Context, request CheckoutRequest) (string, error)
}

// CheckoutSession is a hosted checkout as the provider reports it after redirect.
type CheckoutSession struct {
	ID              string
	AccountID       string
	PriceID         string
	Email           string
	PaymentStatus   string
	CustomerRef     string
	SubscriptionRef string
}

// Subscription is the provider's current view of a recurring plan.
type Subscription struct {
	ID                 string
	Status             string
	CustomerRef        string
	PriceID            string
	ItemID             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
}

// BillingProvider reads checkout sessions and manages subscriptions.
// Lookups of unknown sessions wrap ErrCheckoutNotFound.
type BillingProvider interface {
	CheckoutSession(ctx context.Context, sessionID string) (CheckoutSession, error)
	Subscription(ctx context.Context, subscriptionRef string) (Subscription, error)
	CreatePortalSession(ctx context.Context, customerRef string, returnURL string) (string, error)
	ChangeSubscriptionPrice(ctx context.Context, subscriptionRef string, itemID string, priceID string) (Subscription, error)
}

// CheckoutConfirmation reports what confirming a checkout session did.
type CheckoutConfirmation struct {
	SessionID       string
	Paid            bool
	Applied         bool
	Credited        int64
	CustomerRef     string
	SubscriptionRef string
}

// ProcessedEvent is the dedup row kept for each handled provider event.
type ProcessedEvent struct {
	ProviderEventID string
	Type            string
	AccountID       string
	ProcessedAt     time.Time
}

// EventStore remembers which provider events were already handled.
type EventStore interface {
	Seen(ctx context.Context, providerEventID string) (bool, error)
	Record(ctx context.Context, event ProcessedEvent) error
}

// Ledger is the subset of the ledger service the handler drives.
type Ledger interface {
	Credit(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits, reason ledger.Reason, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) (bool, error)
	Balance(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error)
	SetSubscription(ctx context.Context, accountID ledger.AccountID, state ledger.SubscriptionState, subscriptionRef ledger.SubscriptionRef) error
	AccountBySubscription(ctx context.Context, subscriptionRef ledger.SubscriptionRef) (ledger.Account, error)
	SetEmail(ctx context.Context, accountID ledger.AccountID, email string) error
}

// PriceTable resolves provider price ids to credit plans.
type PriceTable interface {
	PlanByPriceID(priceID string) (catalog.Plan, bool)
}

// UsageRecorder appends audit lines.
type UsageRecorder interface {
	Record(ctx context.Context, accountID string, action usage.Action, creditsInvolved int64, detail string, metadata map[string]any) error
}

// Outcome summarizes what a webhook delivery changed.
type Outcome struct {
	EventID   string
	Type      string
	AccountID string
	Credited  int64
	Applied   bool
}
