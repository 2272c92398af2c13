// Package httpapi exposes photovault over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/photovault/internal/catalog"
	"github.com/MarkoPoloResearchLab/photovault/internal/generation"
	"github.com/MarkoPoloResearchLab/photovault/internal/identity"
	"github.com/MarkoPoloResearchLab/photovault/internal/payment"
	"github.com/MarkoPoloResearchLab/photovault/internal/photos"
	"github.com/MarkoPoloResearchLab/photovault/internal/usage"
	"github.com/MarkoPoloResearchLab/photovault/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	principalKey          = "principal"
	stripeSignatureHeader = "Stripe-Signature"
	defaultShutdown       = 5 * time.Second
	maxWebhookBytes       = 1 << 20
)

var ErrInvalidConfig = errors.New("invalid http api config")

// TokenVerifier authenticates callers.
type TokenVerifier interface {
	Verify(token string) (identity.Principal, error)
	CookieName() string
}

// Ledger is the read side of the credit ledger plus contact sync.
type Ledger interface {
	Balance(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error)
	ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error)
	SetEmail(ctx context.Context, accountID ledger.AccountID, email string) error
}

// Generator runs generation requests.
type Generator interface {
	Generate(ctx context.Context, request generation.Request) (generation.Result, error)
}

// PhotoService reads, deletes and uploads photos.
type PhotoService interface {
	List(ctx context.Context, accountID string, limit int) ([]photos.View, error)
	Get(ctx context.Context, photoSetID string, accountID string) (photos.View, error)
	Delete(ctx context.Context, photoSetID string, accountID string) error
	Upload(ctx context.Context, accountID string, image photos.Image) (string, error)
}

// UsageHistory records and lists audit lines.
type UsageHistory interface {
	Record(ctx context.Context, accountID string, action usage.Action, creditsInvolved int64, detail string, metadata map[string]any) error
	List(ctx context.Context, accountID string, limit int) ([]usage.Record, error)
}

// Catalog lists themes and purchasable plans.
type Catalog interface {
	Themes() []catalog.Theme
	Plans() []catalog.Plan
}

// Payments applies webhooks and opens checkouts.
type Payments interface {
	Handle(ctx context.Context, payload []byte, signature string) (payment.Outcome, error)
	CreateCheckout(ctx context.Context, accountID ledger.AccountID, email string, priceID string, origin string) (string, error)
	ConfirmCheckout(ctx context.Context, accountID ledger.AccountID, sessionID string) (payment.CheckoutConfirmation, error)
	SubscriptionDetails(ctx context.Context, accountID ledger.AccountID) (payment.Subscription, bool, error)
	CreatePortal(ctx context.Context, accountID ledger.AccountID, origin string) (string, error)
	ChangeSubscription(ctx context.Context, accountID ledger.AccountID, priceID string) (payment.Subscription, error)
}

// WebhookObserver counts webhook deliveries.
type WebhookObserver interface {
	ObserveWebhook(eventType string, result string)
}

// Config carries the HTTP-level settings.
type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	PublicOrigin    string
	ShutdownTimeout time.Duration
	MaxUploadBytes  int64
}

// Dependencies are the services behind the routes. Metrics and Objects are optional;
// Objects serves signed object links when the storage backend has no public endpoint.
type Dependencies struct {
	Verifier  TokenVerifier
	Ledger    Ledger
	Generator Generator
	Photos    PhotoService
	Usage     UsageHistory
	Catalog   Catalog
	Payments  Payments
	Webhooks  WebhookObserver
	Metrics   http.Handler
	Objects   http.Handler
	Logger    *zap.Logger
}

func (deps Dependencies) validate() error {
	switch {
	case deps.Verifier == nil:
		return fmt.Errorf("%w: verifier is nil", ErrInvalidConfig)
	case deps.Ledger == nil:
		return fmt.Errorf("%w: ledger is nil", ErrInvalidConfig)
	case deps.Generator == nil:
		return fmt.Errorf("%w: generator is nil", ErrInvalidConfig)
	case deps.Photos == nil:
		return fmt.Errorf("%w: photo service is nil", ErrInvalidConfig)
	case deps.Usage == nil:
		return fmt.Errorf("%w: usage history is nil", ErrInvalidConfig)
	case deps.Catalog == nil:
		return fmt.Errorf("%w: catalog is nil", ErrInvalidConfig)
	case deps.Payments == nil:
		return fmt.Errorf("%w: payments are nil", ErrInvalidConfig)
	}
	return nil
}

// NewRouter builds the gin engine.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = photos.DefaultMaxUploadBytes
	}
	handler := &httpHandler{cfg: cfg, deps: deps, logger: deps.Logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	if deps.Objects != nil {
		objects := http.StripPrefix("/objects", deps.Objects)
		router.GET("/objects/*ref", gin.WrapH(objects))
		router.HEAD("/objects/*ref", gin.WrapH(objects))
	}
	// Stripe authenticates with its signature header, not a session.
	router.POST("/api/webhook", handler.handleWebhook)

	api := router.Group("/api")
	api.Use(handler.authenticate)

	api.GET("/account", handler.handleAccount)
	api.GET("/transactions", handler.handleTransactions)
	api.GET("/usage", handler.handleUsage)
	api.GET("/themes", handler.handleThemes)
	api.GET("/prices", handler.handlePrices)
	api.POST("/checkout", handler.handleCheckout)
	api.GET("/subscription", handler.handleSubscription)
	api.GET("/subscription/:sessionId", handler.handleConfirmCheckout)
	api.POST("/create-portal-session", handler.handleCreatePortal)
	api.POST("/upgrade-subscription", handler.handleUpgradeSubscription)
	api.POST("/uploads", handler.handleUpload)
	api.POST("/generate", handler.handleGenerate)
	api.GET("/photos", handler.handleListPhotos)
	api.GET("/photos/:id", handler.handleGetPhoto)
	api.DELETE("/photos/:id", handler.handleDeletePhoto)

	return router, nil
}

// Run serves the router until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	router, err := NewRouter(cfg, deps)
	if err != nil {
		return err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdown
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("photovault http listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type httpHandler struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger
}

// authenticate accepts a bearer token, falling back to the session cookie.
func (handler *httpHandler) authenticate(ctx *gin.Context) {
	token := identity.BearerToken(ctx.GetHeader("Authorization"))
	if token == "" {
		if cookie, err := ctx.Cookie(handler.deps.Verifier.CookieName()); err == nil {
			token = cookie
		}
	}
	principal, err := handler.deps.Verifier.Verify(token)
	if err != nil {
		code := "unauthorized"
		if errors.Is(err, identity.ErrExpired) {
			code = "session_expired"
		}
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(code, "authentication required"))
		return
	}
	ctx.Set(principalKey, principal)
	ctx.Next()
}

func getPrincipal(ctx *gin.Context) (identity.Principal, bool) {
	value, ok := ctx.Get(principalKey)
	if !ok {
		return identity.Principal{}, false
	}
	principal, ok := value.(identity.Principal)
	return principal, ok && !principal.AccountID.IsZero()
}

func (handler *httpHandler) origin(ctx *gin.Context) string {
	if origin := strings.TrimSpace(ctx.GetHeader("Origin")); origin != "" {
		for _, allowed := range handler.cfg.AllowedOrigins {
			if allowed == origin {
				return origin
			}
		}
	}
	return handler.cfg.PublicOrigin
}
