package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/internal/billing"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	// SignatureHeader carries the provider's webhook signature.
	SignatureHeader = "Billing-Signature"
	// StripeSignatureHeader is accepted when SignatureHeader is absent.
	StripeSignatureHeader = "Stripe-Signature"

	defaultRequestTimeout = 10 * time.Second
	shutdownTimeout       = 5 * time.Second
	maxWebhookBodyBytes   = 1 << 20
)

// Services are the engine components served over HTTP.
type Services struct {
	Wallets    *ledger.WalletService
	Pricing    *ledger.PricingService
	Allowance  *ledger.AllowanceTracker
	Spend      *ledger.SpendCoordinator
	Reconciler *billing.Reconciler
	Scheduler  *billing.CycleScheduler
}

func (services Services) validate() error {
	switch {
	case services.Wallets == nil:
		return fmt.Errorf("%w: wallet service is nil", ledger.ErrInvalidServiceConfig)
	case services.Pricing == nil:
		return fmt.Errorf("%w: pricing service is nil", ledger.ErrInvalidServiceConfig)
	case services.Allowance == nil:
		return fmt.Errorf("%w: allowance tracker is nil", ledger.ErrInvalidServiceConfig)
	case services.Spend == nil:
		return fmt.Errorf("%w: spend coordinator is nil", ledger.ErrInvalidServiceConfig)
	case services.Reconciler == nil:
		return fmt.Errorf("%w: reconciler is nil", ledger.ErrInvalidServiceConfig)
	case services.Scheduler == nil:
		return fmt.Errorf("%w: scheduler is nil", ledger.ErrInvalidServiceConfig)
	}
	return nil
}

// RouterConfig holds transport settings for the router.
type RouterConfig struct {
	AllowedOrigins     []string
	Tokens             *TokenIssuer
	RateLimitPerSecond float64
	RateLimitBurst     int
	RequestTimeout     time.Duration
	Logger             *zap.Logger
	Now                func() time.Time
}

// NewRouter assembles the gin engine serving the credit API.
func NewRouter(cfg RouterConfig, services Services) (*gin.Engine, error) {
	if err := services.validate(); err != nil {
		return nil, err
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("%w: token issuer is nil", ledger.ErrInvalidServiceConfig)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	handler := &httpHandler{
		services: services,
		logger:   cfg.Logger,
		timeout:  cfg.RequestTimeout,
		now:      cfg.Now,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metricsMiddleware())
	router.Use(requestLoggingMiddleware(cfg.Logger))
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders: []string{"Authorization", "Content-Type", "Origin", "Accept"},
			MaxAge:       12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limited := router.Group("/")
	if cfg.RateLimitPerSecond > 0 && cfg.RateLimitBurst > 0 {
		limited.Use(rateLimitMiddleware(cfg.RateLimitPerSecond, cfg.RateLimitBurst))
	}

	limited.POST("/webhooks/billing", handler.handleWebhook)

	api := limited.Group("/api")
	api.Use(authMiddleware(cfg.Tokens))

	actions := api.Group("/actions")
	actions.Use(requireRole(RoleService, RoleAdmin))
	actions.GET("/quote", handler.handleQuote)
	actions.POST("/check", handler.handleCheck)
	actions.POST("/commit", handler.handleCommit)

	admin := api.Group("/admin")
	admin.Use(requireRole(RoleAdmin))
	admin.GET("/pricing", handler.handleListPricing)
	admin.POST("/pricing", handler.handleCreatePricing)
	admin.GET("/pricing/:action_type", handler.handleGetPricing)
	admin.PUT("/pricing/:action_type", handler.handleUpdatePricing)
	admin.GET("/wallets/:user_id", handler.handleGetWallet)
	admin.GET("/wallets/:user_id/usage/:action_type", handler.handleUsage)
	admin.POST("/wallets/:user_id/lock", handler.handleLock)
	admin.POST("/wallets/:user_id/unlock", handler.handleUnlock)
	admin.POST("/wallets/:user_id/grant", handler.handleGrant)
	admin.POST("/wallets/:user_id/adjust", handler.handleAdjust)
	admin.POST("/resets", handler.handleRunResets)

	return router, nil
}

// Serve runs handler on addr until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("creditd listening", zap.String("addr", addr))
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
