package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/photovault/internal/generation"
	"github.com/MarkoPoloResearchLab/photovault/internal/identity"
	"github.com/MarkoPoloResearchLab/photovault/internal/payment"
	"github.com/MarkoPoloResearchLab/photovault/internal/photos"
	"github.com/MarkoPoloResearchLab/photovault/internal/usage"
	"github.com/MarkoPoloResearchLab/photovault/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	uploadFormField     = "image"
)

func (handler *httpHandler) handleAccount(ctx *gin.Context) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	account, err := handler.deps.Ledger.Balance(ctx.Request.Context(), principal.AccountID)
	if err != nil {
		handler.writeError(ctx, "account", err)
		return
	}
	if principal.Email != "" && principal.Email != account.Email() {
		if err := handler.deps.Ledger.SetEmail(ctx.Request.Context(), principal.AccountID, principal.Email); err != nil {
			handler.logger.Warn("email sync failed", zap.String("account_id", principal.AccountID.String()), zap.Error(err))
		} else if refreshed, err := handler.deps.Ledger.Balance(ctx.Request.Context(), principal.AccountID); err == nil {
			account = refreshed
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"account": newAccountPayload(account)})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	limit, err := parseLimit(ctx.Query("limit"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", err.Error()))
		return
	}
	before := time.Now().UTC().Add(time.Second).Unix()
	if raw := strings.TrimSpace(ctx.Query("before")); raw != "" {
		parsed, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_before", "before must be a positive unix timestamp"))
			return
		}
		before = parsed
	}
	entries, err := handler.deps.Ledger.ListEntries(ctx.Request.Context(), principal.AccountID, before, limit)
	if err != nil {
		handler.writeError(ctx, "transactions", err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, newEntryPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (handler *httpHandler) handleUsage(ctx *gin.Context) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	limit, err := parseLimit(ctx.Query("limit"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", err.Error()))
		return
	}
	records, err := handler.deps.Usage.List(ctx.Request.Context(), principal.AccountID.String(), limit)
	if err != nil {
		handler.writeError(ctx, "usage", err)
		return
	}
	payload := make([]usagePayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, usagePayload{
			ID:              record.ID,
			Action:          string(record.Action),
			CreditsInvolved: record.CreditsInvolved,
			Detail:          record.Detail,
			Metadata:        record.Metadata,
			CreatedUnixUTC:  record.CreatedAt.Unix(),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"usage": payload})
}

func (handler *httpHandler) handleThemes(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"themes": handler.deps.Catalog.Themes()})
}

func (handler *httpHandler) handlePrices(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"plans": handler.deps.Catalog.Plans()})
}

func (handler *httpHandler) handleCheckout(ctx *gin.Context) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request checkoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.PriceID) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with price_id"))
		return
	}
	url, err := handler.deps.Payments.CreateCheckout(ctx.Request.Context(), principal.AccountID, principal.Email, request.PriceID, handler.origin(ctx))
	if err != nil {
		handler.writeError(ctx, "checkout", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"url": url})
}

func (handler *httpHandler) handleUpload(ctx *gin.Context) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	image, err := handler.readUpload(ctx)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_upload", err.Error()))
		return
	}
	ref, err := handler.deps.Photos.Upload(ctx.Request.Context(), principal.AccountID.String(), image)
	if err != nil {
		handler.writeError(ctx, "upload", err)
		return
	}
	handler.recordUsage(ctx, principal, usage.ActionUpload, 0, "source image uploaded", map[string]any{"ref": ref, "bytes": len(image.Data)})
	ctx.JSON(http.StatusCreated, gin.H{"source_ref": ref})
}

func (handler *httpHandler) handleGenerate(ctx *gin.Context) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request generateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	count := request.Count
	if count == 0 {
		count = generation.DefaultCount
	}
	result, err := handler.deps.Generator.Generate(ctx.Request.Context(), generation.Request{
		AccountID: principal.AccountID,
		SourceRef: request.SourceRef,
		Theme:     request.Theme,
		Count:     count,
		Guidance:  request.Guidance,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			handler.writeInsufficientCredits(ctx, principal.AccountID, count)
			return
		}
		handler.writeError(ctx, "generate", err)
		return
	}

	response := gin.H{
		"state":          result.State,
		"requested":      result.Requested,
		"succeeded":      result.Succeeded,
		"refunded":       result.Refunded,
		"refund_pending": result.RefundPending,
		"reservation_id": result.ReservationID,
	}
	view, viewErr := handler.deps.Photos.Get(ctx.Request.Context(), result.PhotoSet.ID, principal.AccountID.String())
	if viewErr != nil {
		handler.logger.Warn("generated photo set unreadable", zap.String("photo_set_id", result.PhotoSet.ID), zap.Error(viewErr))
		view = photos.View{PhotoSet: result.PhotoSet}
	}
	response["photo_set"] = newPhotoSetPayload(view)
	if account, balanceErr := handler.deps.Ledger.Balance(ctx.Request.Context(), principal.AccountID); balanceErr == nil {
		response["credits"] = account.Credits().Int64()
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleListPhotos(ctx *gin.Context) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	limit, err := parseLimit(ctx.Query("limit"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", err.Error()))
		return
	}
	views, err := handler.deps.Photos.List(ctx.Request.Context(), principal.AccountID.String(), limit)
	if err != nil {
		handler.writeError(ctx, "photos", err)
		return
	}
	payload := make([]photoSetPayload, 0, len(views))
	for _, view := range views {
		payload = append(payload, newPhotoSetPayload(view))
	}
	ctx.JSON(http.StatusOK, gin.H{"photos": payload})
}

func (handler *httpHandler) handleGetPhoto(ctx *gin.Context) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	view, err := handler.deps.Photos.Get(ctx.Request.Context(), ctx.Param("id"), principal.AccountID.String())
	if err != nil {
		handler.writeError(ctx, "photo", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"photo": newPhotoSetPayload(view)})
}

func (handler *httpHandler) handleDeletePhoto(ctx *gin.Context) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	photoSetID := ctx.Param("id")
	if err := handler.deps.Photos.Delete(ctx.Request.Context(), photoSetID, principal.AccountID.String()); err != nil {
		handler.writeError(ctx, "delete photo", err)
		return
	}
	handler.recordUsage(ctx, principal, usage.ActionDeletePhotos, 0, "photo set deleted", map[string]any{"photoSetId": photoSetID})
	ctx.JSON(http.StatusOK, gin.H{"deleted": photoSetID})
}

func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	outcome, err := handler.deps.Payments.Handle(ctx.Request.Context(), payload, ctx.GetHeader(stripeSignatureHeader))
	result := webhookResult(outcome, err)
	if handler.deps.Webhooks != nil {
		handler.deps.Webhooks.ObserveWebhook(outcome.Type, result)
	}
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"received": true, "applied": outcome.Applied})
	case errors.Is(err, payment.ErrDuplicateWebhook):
		ctx.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
	case errors.Is(err, payment.ErrInvalidWebhookSignature):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "webhook signature rejected"))
	case errors.Is(err, payment.ErrInvalidEvent), errors.Is(err, payment.ErrUnknownPrice):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_event", err.Error()))
	default:
		// A 5xx makes the provider redeliver.
		ctx.JSON(http.StatusInternalServerError, errorResponse("webhook_failed", "event not processed"))
	}
}

func webhookResult(outcome payment.Outcome, err error) string {
	switch {
	case err == nil && outcome.Applied:
		return "applied"
	case err == nil:
		return "ignored"
	case errors.Is(err, payment.ErrDuplicateWebhook):
		return "duplicate"
	case errors.Is(err, payment.ErrInvalidWebhookSignature), errors.Is(err, payment.ErrInvalidEvent), errors.Is(err, payment.ErrUnknownPrice):
		return "rejected"
	default:
		return "failed"
	}
}

func (handler *httpHandler) readUpload(ctx *gin.Context) (photos.Image, error) {
	limit := handler.cfg.MaxUploadBytes
	if strings.HasPrefix(ctx.ContentType(), "multipart/") {
		fileHeader, err := ctx.FormFile(uploadFormField)
		if err != nil {
			return photos.Image{}, fmt.Errorf("multipart field %q is required", uploadFormField)
		}
		if fileHeader.Size > limit {
			return photos.Image{}, fmt.Errorf("image exceeds %d bytes", limit)
		}
		file, err := fileHeader.Open()
		if err != nil {
			return photos.Image{}, err
		}
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, limit+1))
		if err != nil {
			return photos.Image{}, err
		}
		mimeType := fileHeader.Header.Get("Content-Type")
		if mimeType == "" || mimeType == "application/octet-stream" {
			mimeType = http.DetectContentType(data)
		}
		return photos.Image{Data: data, MIMEType: mimeType}, nil
	}
	var request uploadRequest
	if err := json.NewDecoder(io.LimitReader(ctx.Request.Body, limit*2)).Decode(&request); err != nil {
		return photos.Image{}, errors.New("expected multipart image or JSON image_data")
	}
	return decodeDataURL(request.ImageData)
}

// decodeDataURL accepts "data:image/png;base64,..." or bare base64.
func decodeDataURL(raw string) (photos.Image, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return photos.Image{}, errors.New("image_data is required")
	}
	mimeType := ""
	if strings.HasPrefix(trimmed, "data:") {
		header, body, found := strings.Cut(trimmed, ",")
		if !found || !strings.HasSuffix(header, ";base64") {
			return photos.Image{}, errors.New("image_data must be a base64 data URL")
		}
		mimeType = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		trimmed = body
	}
	data, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return photos.Image{}, fmt.Errorf("image_data is not valid base64: %v", err)
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return photos.Image{Data: data, MIMEType: mimeType}, nil
}

func (handler *httpHandler) recordUsage(ctx *gin.Context, principal identity.Principal, action usage.Action, credits int64, detail string, metadata map[string]any) {
	if err := handler.deps.Usage.Record(ctx.Request.Context(), principal.AccountID.String(), action, credits, detail, metadata); err != nil {
		handler.logger.Warn("usage record dropped", zap.String("action", string(action)), zap.Error(err))
	}
}

func parseLimit(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(trimmed)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return limit, nil
}
