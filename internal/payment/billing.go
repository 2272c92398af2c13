package payment

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/photovault/internal/usage"
	"github.com/MarkoPoloResearchLab/photovault/pkg/ledger"
	"go.uber.org/zap"
)

const portalReturnPath = "/pricing"

// ConfirmCheckout credits a paid checkout session when the buyer returns from the provider,
// so credits do not wait on webhook delivery. It shares the webhook's idempotency key.
// Unpaid sessions report Paid=false and change nothing.
func (handler *Handler) ConfirmCheckout(ctx context.Context, accountID ledger.AccountID, sessionID string) (CheckoutConfirmation, error) {
	sessionID = strings.TrimSpace(sessionID)
	if handler.billing == nil {
		return CheckoutConfirmation{}, ErrBillingUnavailable
	}
	if sessionID == "" {
		return CheckoutConfirmation{}, fmt.Errorf("%w: empty session id", ErrCheckoutNotFound)
	}
	session, err := handler.billing.CheckoutSession(ctx, sessionID)
	if err != nil {
		return CheckoutConfirmation{}, err
	}
	if session.AccountID != accountID.String() {
		handler.logger.Warn("checkout confirmation for another account",
			zap.String("event", "security.checkout_mismatch"),
			zap.String("account_id", accountID.String()),
			zap.String("session_id", sessionID),
		)
		return CheckoutConfirmation{}, fmt.Errorf("%w: %s", ErrCheckoutNotFound, sessionID)
	}
	confirmation := CheckoutConfirmation{
		SessionID:       session.ID,
		Paid:            session.PaymentStatus == PaymentStatusPaid,
		CustomerRef:     session.CustomerRef,
		SubscriptionRef: session.SubscriptionRef,
	}
	if !confirmation.Paid {
		return confirmation, nil
	}
	plan, applied, err := handler.creditPurchase(ctx, purchase{
		accountID: accountID,
		priceID:   session.PriceID,
		email:     session.Email,
		sessionID: session.ID,
	})
	if err != nil {
		return confirmation, err
	}
	confirmation.Applied = applied
	if applied {
		confirmation.Credited = plan.Credits
	}
	if session.SubscriptionRef != "" {
		if err := handler.ledger.SetSubscription(ctx, accountID, ledger.SubscriptionActive, ledger.NewSubscriptionRef(session.SubscriptionRef)); err != nil {
			return confirmation, err
		}
	}
	return confirmation, nil
}

// SubscriptionDetails returns the provider's view of the account's subscription.
// The boolean is false when the account never subscribed.
func (handler *Handler) SubscriptionDetails(ctx context.Context, accountID ledger.AccountID) (Subscription, bool, error) {
	ref, err := handler.subscriptionRef(ctx, accountID)
	if err != nil {
		return Subscription{}, false, err
	}
	if ref == "" {
		return Subscription{}, false, nil
	}
	if handler.billing == nil {
		return Subscription{}, false, ErrBillingUnavailable
	}
	subscription, err := handler.billing.Subscription(ctx, ref)
	if err != nil {
		return Subscription{}, false, err
	}
	return subscription, true, nil
}

// CreatePortal opens the provider's self-service billing portal for the subscription's customer.
func (handler *Handler) CreatePortal(ctx context.Context, accountID ledger.AccountID, origin string) (string, error) {
	subscription, ok, err := handler.SubscriptionDetails(ctx, accountID)
	if err != nil {
		return "", err
	}
	if !ok || subscription.CustomerRef == "" {
		return "", ErrNoSubscription
	}
	returnURL := strings.TrimRight(strings.TrimSpace(origin), "/") + portalReturnPath
	url, err := handler.billing.CreatePortalSession(ctx, subscription.CustomerRef, returnURL)
	if err != nil {
		handler.logger.Error("billing portal failed", zap.String("account_id", accountID.String()), zap.Error(err))
		return "", err
	}
	return url, nil
}

// ChangeSubscription moves the subscription to another catalog price with proration.
// Choosing the current price changes nothing.
func (handler *Handler) ChangeSubscription(ctx context.Context, accountID ledger.AccountID, priceID string) (Subscription, error) {
	priceID = strings.TrimSpace(priceID)
	plan, known := handler.prices.PlanByPriceID(priceID)
	if !known {
		return Subscription{}, fmt.Errorf("%w: %s", ErrUnknownPrice, priceID)
	}
	current, ok, err := handler.SubscriptionDetails(ctx, accountID)
	if err != nil {
		return Subscription{}, err
	}
	if !ok {
		return Subscription{}, ErrNoSubscription
	}
	if current.PriceID == priceID {
		return current, nil
	}
	updated, err := handler.billing.ChangeSubscriptionPrice(ctx, current.ID, current.ItemID, priceID)
	if err != nil {
		handler.logger.Error("subscription change failed",
			zap.String("account_id", accountID.String()),
			zap.String("subscription_ref", current.ID),
			zap.String("price_id", priceID),
			zap.Error(err),
		)
		return Subscription{}, err
	}
	state := SubscriptionStateFor(updated.Status)
	if err := handler.ledger.SetSubscription(ctx, accountID, state, ledger.NewSubscriptionRef(updated.ID)); err != nil {
		return updated, err
	}
	handler.recordUsage(ctx, accountID.String(), usage.ActionSubscription, 0, "subscription changed to "+plan.Name, map[string]any{
		"subscriptionId": updated.ID,
		"fromPriceId":    current.PriceID,
		"priceId":        priceID,
	})
	handler.logger.Info("subscription changed",
		zap.String("account_id", accountID.String()),
		zap.String("subscription_ref", updated.ID),
		zap.String("price_id", priceID),
		zap.String("state", state.String()),
	)
	return updated, nil
}

func (handler *Handler) subscriptionRef(ctx context.Context, accountID ledger.AccountID) (string, error) {
	account, err := handler.ledger.Balance(ctx, accountID)
	if err != nil {
		return "", err
	}
	return account.SubscriptionRef().String(), nil
}
