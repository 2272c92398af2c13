// Package stripeprovider adapts Stripe webhooks and checkout sessions to payment.Provider.
package stripeprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/photovault/internal/payment"
	stripe "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

const (
	metadataUserID  = "userId"
	metadataPriceID = "priceId"
)

var (
	_ payment.Provider        = (*Provider)(nil)
	_ payment.BillingProvider = (*Provider)(nil)
)

// Config holds Stripe credentials.
type Config struct {
	SecretKey        string
	WebhookSecret    string
	WebhookTolerance time.Duration
	// APIURL points the client at another API base, such as stripe-mock.
	APIURL string
}

// Provider talks to Stripe.
type Provider struct {
	api              *client.API
	webhookSecret    string
	webhookTolerance time.Duration
}

// New builds a Provider. The secret key is only needed for checkout; the webhook secret is always required.
func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, fmt.Errorf("%w: stripe webhook secret is required", payment.ErrInvalidConfig)
	}
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	api := &client.API{}
	var backends *stripe.Backends
	if apiURL := strings.TrimSpace(cfg.APIURL); apiURL != "" {
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{URL: stripe.String(apiURL)})
		backends = &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
	}
	api.Init(strings.TrimSpace(cfg.SecretKey), backends)
	return &Provider{api: api, webhookSecret: cfg.WebhookSecret, webhookTolerance: tolerance}, nil
}

// VerifyEvent checks the Stripe-Signature header and extracts the fields the handler needs.
func (provider *Provider) VerifyEvent(payload []byte, signature string) (payment.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, provider.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                provider.webhookTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return payment.Event{}, fmt.Errorf("%w: %v", payment.ErrInvalidWebhookSignature, err)
	}
	return mapEvent(event)
}

// CreateCheckoutSession opens a one-off payment session for a single price.
func (provider *Provider) CreateCheckoutSession(ctx context.Context, request payment.CheckoutRequest) (string, error) {
	params := checkoutParams(request)
	params.Context = ctx
	session, err := provider.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe checkout: %w", err)
	}
	return session.URL, nil
}

// CheckoutSession loads a checkout session for post-redirect confirmation.
func (provider *Provider) CheckoutSession(ctx context.Context, sessionID string) (payment.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	session, err := provider.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		if isNotFound(err) {
			return payment.CheckoutSession{}, fmt.Errorf("%w: %s", payment.ErrCheckoutNotFound, sessionID)
		}
		return payment.CheckoutSession{}, fmt.Errorf("stripe checkout lookup: %w", err)
	}
	return mapCheckoutSession(session), nil
}

// Subscription loads a subscription with its first item's price.
func (provider *Provider) Subscription(ctx context.Context, subscriptionRef string) (payment.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	subscription, err := provider.api.Subscriptions.Get(subscriptionRef, params)
	if err != nil {
		if isNotFound(err) {
			return payment.Subscription{}, fmt.Errorf("%w: %s", payment.ErrNoSubscription, subscriptionRef)
		}
		return payment.Subscription{}, fmt.Errorf("stripe subscription lookup: %w", err)
	}
	return mapSubscription(subscription), nil
}

// CreatePortalSession opens the Stripe customer portal.
func (provider *Provider) CreatePortalSession(ctx context.Context, customerRef string, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerRef),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	session, err := provider.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe billing portal: %w", err)
	}
	return session.URL, nil
}

// ChangeSubscriptionPrice swaps the price of one subscription item, prorating the difference.
func (provider *Provider) ChangeSubscriptionPrice(ctx context.Context, subscriptionRef string, itemID string, priceID string) (payment.Subscription, error) {
	params := subscriptionChangeParams(itemID, priceID)
	params.Context = ctx
	subscription, err := provider.api.Subscriptions.Update(subscriptionRef, params)
	if err != nil {
		return payment.Subscription{}, fmt.Errorf("stripe subscription update: %w", err)
	}
	return mapSubscription(subscription), nil
}

func subscriptionChangeParams(itemID string, priceID string) *stripe.SubscriptionParams {
	return &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(itemID), Price: stripe.String(priceID)},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}
}

func mapCheckoutSession(session *stripe.CheckoutSession) payment.CheckoutSession {
	mapped := payment.CheckoutSession{
		ID:            session.ID,
		AccountID:     session.Metadata[metadataUserID],
		PriceID:       session.Metadata[metadataPriceID],
		Email:         session.CustomerEmail,
		PaymentStatus: string(session.PaymentStatus),
	}
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		mapped.Email = session.CustomerDetails.Email
	}
	if session.Customer != nil {
		mapped.CustomerRef = session.Customer.ID
	}
	if session.Subscription != nil {
		mapped.SubscriptionRef = session.Subscription.ID
	}
	return mapped
}

func mapSubscription(subscription *stripe.Subscription) payment.Subscription {
	mapped := payment.Subscription{
		ID:                subscription.ID,
		Status:            string(subscription.Status),
		CancelAtPeriodEnd: subscription.CancelAtPeriodEnd,
	}
	if subscription.CurrentPeriodStart > 0 {
		mapped.CurrentPeriodStart = time.Unix(subscription.CurrentPeriodStart, 0).UTC()
	}
	if subscription.CurrentPeriodEnd > 0 {
		mapped.CurrentPeriodEnd = time.Unix(subscription.CurrentPeriodEnd, 0).UTC()
	}
	if subscription.Customer != nil {
		mapped.CustomerRef = subscription.Customer.ID
	}
	if subscription.Items != nil && len(subscription.Items.Data) > 0 {
		item := subscription.Items.Data[0]
		mapped.ItemID = item.ID
		if item.Price != nil {
			mapped.PriceID = item.Price.ID
		}
	}
	return mapped
}

func isNotFound(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) && (stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing)
}

func checkoutParams(request payment.CheckoutRequest) *stripe.CheckoutSessionParams {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(request.PriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL: stripe.String(request.SuccessURL),
		CancelURL:  stripe.String(request.CancelURL),
	}
	if request.Email != "" {
		params.CustomerEmail = stripe.String(request.Email)
	}
	params.AddMetadata(metadataPriceID, request.PriceID)
	params.AddMetadata(metadataUserID, request.AccountID)
	return params
}

func mapEvent(event stripe.Event) (payment.Event, error) {
	mapped := payment.Event{ID: event.ID, Type: string(event.Type)}
	if event.Data == nil {
		return mapped, nil
	}
	switch mapped.Type {
	case payment.EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return payment.Event{}, fmt.Errorf("%w: checkout session: %v", payment.ErrInvalidEvent, err)
		}
		checkout := mapCheckoutSession(&session)
		mapped.AccountID = checkout.AccountID
		mapped.PriceID = checkout.PriceID
		mapped.Email = checkout.Email
		mapped.CheckoutSessionID = checkout.ID
	case payment.EventSubscriptionCreated, payment.EventSubscriptionUpdated, payment.EventSubscriptionDeleted:
		var subscription stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
			return payment.Event{}, fmt.Errorf("%w: subscription: %v", payment.ErrInvalidEvent, err)
		}
		mapped.AccountID = subscription.Metadata[metadataUserID]
		mapped.SubscriptionRef = subscription.ID
		mapped.SubscriptionStatus = string(subscription.Status)
	}
	return mapped, nil
}
