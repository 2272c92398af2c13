package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/photovault/internal/generation"
	"github.com/MarkoPoloResearchLab/photovault/internal/payment"
	"github.com/MarkoPoloResearchLab/photovault/internal/photos"
	"github.com/MarkoPoloResearchLab/photovault/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// writeError maps domain errors onto status codes. Unknown errors are logged and hidden.
func (handler *httpHandler) writeError(ctx *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		ctx.JSON(http.StatusBadRequest, insufficientCreditsResponse(0, 0))
	case errors.Is(err, ledger.ErrAccountInactive):
		ctx.JSON(http.StatusForbidden, errorResponse("account_inactive", "account is deactivated"))
	case errors.Is(err, photos.ErrNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "photo not found"))
	case errors.Is(err, generation.ErrInvalidRequest),
		errors.Is(err, photos.ErrInvalidInput),
		errors.Is(err, ledger.ErrInvalidAccountID):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case errors.Is(err, payment.ErrUnknownPrice):
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_price", "price is not offered"))
	case errors.Is(err, payment.ErrNoSubscription):
		ctx.JSON(http.StatusBadRequest, errorResponse("no_subscription", "no active subscription found"))
	case errors.Is(err, payment.ErrCheckoutNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("checkout_not_found", "checkout session not found"))
	case errors.Is(err, payment.ErrBillingUnavailable):
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("billing_unavailable", "billing is not configured"))
	case errors.Is(err, payment.ErrSubscriptionActive):
		ctx.JSON(http.StatusConflict, errorResponse("subscription_active", "account already has an active subscription"))
	case errors.Is(err, generation.ErrRefundPending):
		handler.logger.Error(operation+" refund deferred", zap.Error(err))
		code := "generation_unavailable"
		if errors.Is(err, generation.ErrStorageFailure) {
			code = "storage_failure"
		}
		response := errorResponse(code, "request failed; your credits will be refunded automatically")
		response["refund_pending"] = true
		ctx.JSON(http.StatusServiceUnavailable, response)
	case errors.Is(err, generation.ErrGenerationUnavailable):
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("generation_unavailable", "no images could be generated; credits were refunded"))
	case errors.Is(err, generation.ErrStorageFailure):
		handler.logger.Error(operation+" failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_failure", "images could not be saved; credits were refunded"))
	default:
		handler.logger.Error(operation+" failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", operation+" failed"))
	}
}

func (handler *httpHandler) writeInsufficientCredits(ctx *gin.Context, accountID ledger.AccountID, required int) {
	var available int64
	if account, err := handler.deps.Ledger.Balance(ctx.Request.Context(), accountID); err == nil {
		available = account.Credits().Int64()
	}
	ctx.JSON(http.StatusBadRequest, insufficientCreditsResponse(int64(required), available))
}

func insufficientCreditsResponse(required int64, available int64) gin.H {
	response := errorResponse("insufficient_credits", "not enough credits; purchase a plan to continue")
	response["redirect_to_pricing"] = true
	if required > 0 {
		response["required"] = required
		response["available"] = available
	}
	return response
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type generateRequest struct {
	SourceRef string `json:"source_ref"`
	Theme     string `json:"theme"`
	Count     int    `json:"count"`
	Guidance  string `json:"guidance"`
}

type checkoutRequest struct {
	PriceID string `json:"price_id"`
}

type uploadRequest struct {
	ImageData string `json:"image_data"`
}

type accountPayload struct {
	AccountID         string `json:"account_id"`
	Email             string `json:"email,omitempty"`
	Credits           int64  `json:"credits"`
	SubscriptionState string `json:"subscription_state"`
	Active            bool   `json:"active"`
	CreatedUnixUTC    int64  `json:"created_unix_utc"`
}

func newAccountPayload(account ledger.Account) accountPayload {
	return accountPayload{
		AccountID:         account.AccountID().String(),
		Email:             account.Email(),
		Credits:           account.Credits().Int64(),
		SubscriptionState: account.SubscriptionState().String(),
		Active:            account.Active(),
		CreatedUnixUTC:    account.CreatedUnixUTC(),
	}
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	Type           string          `json:"type"`
	Amount         int64           `json:"amount"`
	Delta          int64           `json:"delta"`
	Reason         string          `json:"reason"`
	ReservationID  string          `json:"reservation_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func newEntryPayload(entry ledger.Entry) entryPayload {
	payload := entryPayload{
		EntryID:        entry.EntryID().String(),
		Type:           entry.Kind().String(),
		Amount:         entry.Amount().Int64(),
		Delta:          entry.Signed(),
		Reason:         entry.Reason().String(),
		IdempotencyKey: entry.IdempotencyKey().String(),
		Metadata:       json.RawMessage(entry.Metadata().String()),
		CreatedUnixUTC: entry.CreatedUnixUTC(),
	}
	if reservationID, ok := entry.ReservationID(); ok {
		payload.ReservationID = reservationID.String()
	}
	return payload
}

type usagePayload struct {
	ID              string         `json:"id"`
	Action          string         `json:"action"`
	CreditsInvolved int64          `json:"credits_involved"`
	Detail          string         `json:"detail,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedUnixUTC  int64          `json:"created_unix_utc"`
}

// imagePayload has an empty url when the link could not be signed.
type imagePayload struct {
	Ref string `json:"ref"`
	URL string `json:"url"`
}

type photoSetPayload struct {
	ID             string         `json:"id"`
	Theme          string         `json:"theme"`
	SourceImageRef string         `json:"source_image_ref,omitempty"`
	CreditsUsed    int64          `json:"credits_used"`
	Images         []imagePayload `json:"images"`
	CreatedUnixUTC int64          `json:"created_unix_utc"`
	ExpiresUnixUTC int64          `json:"urls_expire_unix_utc,omitempty"`
}

func newPhotoSetPayload(view photos.View) photoSetPayload {
	payload := photoSetPayload{
		ID:             view.ID,
		Theme:          view.Theme,
		SourceImageRef: view.SourceImageRef,
		CreditsUsed:    view.CreditsUsed,
		CreatedUnixUTC: view.CreatedAt.Unix(),
	}
	if !view.ExpiresAt.IsZero() {
		payload.ExpiresUnixUTC = view.ExpiresAt.Unix()
	}
	urls := make(map[string]string, len(view.Images))
	for _, image := range view.Images {
		urls[image.Ref] = image.URL
	}
	payload.Images = make([]imagePayload, 0, len(view.OutputRefs))
	for _, ref := range view.OutputRefs {
		payload.Images = append(payload.Images, imagePayload{Ref: ref, URL: urls[ref]})
	}
	return payload
}
