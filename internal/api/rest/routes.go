package rest

import (
	"net/http"
	"time"

	"github.com/Dhoini/license-service/internal/api/rest/handlers"
	"github.com/Dhoini/license-service/internal/api/rest/middleware"
	authmw "github.com/Dhoini/license-service/internal/middleware"
	"github.com/Dhoini/license-service/internal/service"
	"github.com/Dhoini/license-service/internal/stripe"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps сервисы, которые обслуживает REST API
type Deps struct {
	Ledger     *service.SubscriptionLedger
	Registry   *service.DeviceRegistry
	Verifier   *service.LicenseVerifier
	Usage      *service.UsageTracker
	Processor  *service.EventProcessor
	Billing    *service.Billing
	Webhooks   handlers.EventVerifier
	Auth       *authmw.JWTMiddleware
	Store      handlers.Pinger
	Metrics    *prometheus.Registry
	AdminScope string
	CORS       []string
}

// SetupRouter настраивает маршрутизатор Gin с маршрутами и middleware
func SetupRouter(d Deps, log *logger.Logger) *gin.Engine {
	r := gin.New()

	r.Use(middleware.RequestID())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(gin.Recovery())
	if len(d.CORS) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     d.CORS,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowHeaders:     []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
			ExposeHeaders:    []string{"Retry-After", middleware.RequestIDHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	health := handlers.NewHealthHandler(d.Store, log)
	r.GET("/health", health.HealthCheck)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{})))
	}

	account := handlers.NewAccountHandler(d.Ledger, log)
	license := handlers.NewLicenseHandler(d.Verifier, log)
	devices := handlers.NewDeviceHandler(d.Registry, log)
	usage := handlers.NewUsageHandler(d.Usage, log)
	billing := handlers.NewBillingHandler(d.Billing, log)
	admin := handlers.NewAdminHandler(d.Ledger, log)
	webhook := handlers.NewWebhookHandler(d.Webhooks, d.Processor, stripe.SignatureHeader, log)

	v1 := r.Group("/api/v1", d.Auth.RequireAuth())
	{
		v1.POST("/account", account.Provision)
		v1.DELETE("/account", account.Delete)
		v1.GET("/subscription", account.GetSubscription)

		v1.POST("/license/verify", license.Verify)

		dev := v1.Group("/devices")
		{
			dev.GET("", devices.List)
			dev.DELETE("/:id", devices.Remove)
			dev.POST("/:id/logout", devices.Logout)
			dev.POST("/:id/reactivate", devices.Reactivate)
		}

		v1.GET("/usage/:metric/check", usage.Check)
		v1.POST("/usage/:metric", usage.Record)

		if d.Billing != nil {
			v1.POST("/billing/checkout", billing.Checkout)
		}
	}

	adminGroup := r.Group("/api/v1/admin", d.Auth.RequireAuth(d.AdminScope))
	{
		adminGroup.PUT("/users/:id/tier", admin.SetTier)
	}

	// Вебхуки на корневом уровне роутера, без identity токена
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/stripe", webhook.HandleStripeWebhook)
	}
	return r
}
