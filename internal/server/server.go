package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openmetron/metron/internal/billing"
	billingdomain "github.com/openmetron/metron/internal/billing/domain"
	"github.com/openmetron/metron/internal/cache"
	"github.com/openmetron/metron/internal/cluster"
	"github.com/openmetron/metron/internal/collector"
	"github.com/openmetron/metron/internal/config"
	"github.com/openmetron/metron/internal/function"
	functiondomain "github.com/openmetron/metron/internal/function/domain"
	"github.com/openmetron/metron/internal/observability"
	obslogger "github.com/openmetron/metron/internal/observability/logger"
	obsmetrics "github.com/openmetron/metron/internal/observability/metrics"
	obstracing "github.com/openmetron/metron/internal/observability/tracing"
	"github.com/openmetron/metron/internal/plan"
	plandomain "github.com/openmetron/metron/internal/plan/domain"
	"github.com/openmetron/metron/internal/ratelimit"
	"github.com/openmetron/metron/internal/subscription"
	subscriptiondomain "github.com/openmetron/metron/internal/subscription/domain"
	"github.com/openmetron/metron/internal/usage"
)

var Module = fx.Module("http.server",
	config.Module,
	observability.Module,
	fx.Provide(registerGin),
	cache.Module,
	ratelimit.Module,
	cluster.Module,
	plan.Module,
	function.Module,
	usage.Module,
	collector.Module,
	subscription.Module,
	billing.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !cfg.IsDev() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log))
	r.Use(obstracing.GinMiddleware(cfg.AppName))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(cfg, log, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	db     *gorm.DB
	log    *zap.Logger

	planSvc         plandomain.Service
	functionSvc     functiondomain.Service
	subscriptionSvc subscriptiondomain.Service
	billingSvc      billingdomain.Service
	functionRepo    functiondomain.Repository

	requests    *collector.RequestCounter
	buckets     *ratelimit.TokenBucket
	obsMetrics  *obsmetrics.Metrics
	descriptors cache.DescriptorCache

	proxies *proxyCache
}

type ServerParams struct {
	fx.In

	Gin *gin.Engine
	Cfg config.Config
	DB  *gorm.DB
	Log *zap.Logger

	PlanSvc         plandomain.Service
	FunctionSvc     functiondomain.Service
	SubscriptionSvc subscriptiondomain.Service
	BillingSvc      billingdomain.Service
	FunctionRepo    functiondomain.Repository

	Requests    *collector.RequestCounter
	Buckets     *ratelimit.TokenBucket `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics    `optional:"true"`
	Descriptors cache.DescriptorCache
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		log:             p.Log.Named("http.server"),
		planSvc:         p.PlanSvc,
		functionSvc:     p.FunctionSvc,
		subscriptionSvc: p.SubscriptionSvc,
		billingSvc:      p.BillingSvc,
		functionRepo:    p.FunctionRepo,
		requests:        p.Requests,
		buckets:         p.Buckets,
		obsMetrics:      p.ObsMetrics,
		descriptors:     p.Descriptors,
		proxies:         newProxyCache(),
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerInvokeRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", s.AccountRequired())

	// -------- Plans --------
	api.GET("/plans", s.ListPlans)
	api.GET("/plans/:code", s.GetPlan)

	// -------- Functions --------
	api.POST("/functions", s.DeployFunction)
	api.GET("/functions", s.ListFunctions)
	api.GET("/functions/:name", s.GetFunction)
	api.DELETE("/functions/:name", s.DeleteFunction)

	// -------- Subscription --------
	api.POST("/subscription", s.Subscribe)
	api.GET("/subscription", s.GetSubscription)
	api.POST("/subscription/upgrade", s.UpgradeSubscription)

	// -------- Billing --------
	api.GET("/billing/summary", s.GetBillingSummary)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")

	// Operator endpoint: a period parked held by the coverage check is
	// released for rating after the gap has been investigated.
	admin.POST("/billing/periods/:id/release", s.ReleaseHeldPeriod)
}

func (s *Server) registerInvokeRoutes() {
	s.engine.Any("/fn/:name/*path", s.InvokeFunction)
	s.engine.Any("/fn/:name", s.InvokeFunction)
}
