package httpapi

import (
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/photovault/internal/payment"
	"github.com/gin-gonic/gin"
)

type upgradeRequest struct {
	NewPriceID string `json:"new_price_id"`
}

type subscriptionPayload struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	PriceID            string `json:"price_id"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
}

func newSubscriptionPayload(subscription payment.Subscription) subscriptionPayload {
	payload := subscriptionPayload{
		ID:                subscription.ID,
		Status:            subscription.Status,
		PriceID:           subscription.PriceID,
		CancelAtPeriodEnd: subscription.CancelAtPeriodEnd,
	}
	if !subscription.CurrentPeriodStart.IsZero() {
		payload.CurrentPeriodStart = subscription.CurrentPeriodStart.Unix()
	}
	if !subscription.CurrentPeriodEnd.IsZero() {
		payload.CurrentPeriodEnd = subscription.CurrentPeriodEnd.Unix()
	}
	return payload
}

// handleConfirmCheckout is called by the success page with the provider's session id.
func (handler *httpHandler) handleConfirmCheckout(ctx *gin.Context) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	confirmation, err := handler.deps.Payments.ConfirmCheckout(ctx.Request.Context(), principal.AccountID, ctx.Param("sessionId"))
	if err != nil {
		handler.writeError(ctx, "checkout confirmation", err)
		return
	}
	if !confirmation.Paid {
		ctx.JSON(http.StatusOK, gin.H{"status": "pending"})
		return
	}
	response := gin.H{
		"status":          "success",
		"applied":         confirmation.Applied,
		"credited":        confirmation.Credited,
		"customer_id":     confirmation.CustomerRef,
		"subscription_id": confirmation.SubscriptionRef,
	}
	if account, balanceErr := handler.deps.Ledger.Balance(ctx.Request.Context(), principal.AccountID); balanceErr == nil {
		response["credits"] = account.Credits().Int64()
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleSubscription(ctx *gin.Context) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	subscription, found, err := handler.deps.Payments.SubscriptionDetails(ctx.Request.Context(), principal.AccountID)
	if err != nil {
		handler.writeError(ctx, "subscription", err)
		return
	}
	if !found {
		ctx.JSON(http.StatusOK, gin.H{"has_subscription": false})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"has_subscription": true, "subscription": newSubscriptionPayload(subscription)})
}

func (handler *httpHandler) handleCreatePortal(ctx *gin.Context) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	url, err := handler.deps.Payments.CreatePortal(ctx.Request.Context(), principal.AccountID, handler.origin(ctx))
	if err != nil {
		handler.writeError(ctx, "billing portal", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"url": url})
}

func (handler *httpHandler) handleUpgradeSubscription(ctx *gin.Context) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request upgradeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.NewPriceID) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with new_price_id"))
		return
	}
	subscription, err := handler.deps.Payments.ChangeSubscription(ctx.Request.Context(), principal.AccountID, request.NewPriceID)
	if err != nil {
		handler.writeError(ctx, "subscription change", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "subscription": newSubscriptionPayload(subscription)})
}
