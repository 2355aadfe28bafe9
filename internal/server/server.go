package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	accountdomain "github.com/coursivo/tally/internal/account/domain"
	attributionservice "github.com/coursivo/tally/internal/attribution/service"
	auditdomain "github.com/coursivo/tally/internal/audit/domain"
	"github.com/coursivo/tally/internal/auditcontext"
	"github.com/coursivo/tally/internal/config"
	ledgerdomain "github.com/coursivo/tally/internal/ledger/domain"
	"github.com/coursivo/tally/internal/observability/metrics"
	"github.com/coursivo/tally/internal/observability/tracing"
	orderservice "github.com/coursivo/tally/internal/order/service"
	"github.com/coursivo/tally/internal/snapshot"
	taxservice "github.com/coursivo/tally/internal/tax/service"
	txcontextservice "github.com/coursivo/tally/internal/txcontext/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// HeaderRequestID carries the correlation id echoed back to clients.
const HeaderRequestID = "X-Request-ID"

type Params struct {
	fx.In

	Config         config.Config
	Log            *zap.Logger
	DB             *gorm.DB
	Accounts       accountdomain.Repository
	LedgerSvc      ledgerdomain.Service
	OrderSvc       *orderservice.Service
	TaxSvc         *taxservice.Service
	AttributionSvc *attributionservice.Service
	ContextSvc     *txcontextservice.Resolver
	SnapshotSvc    *snapshot.Service
	AuditSvc       auditdomain.Service
	HTTPMetrics    *metrics.HTTPMetrics `optional:"true"`

	// Consumed so the tracer provider (and the global propagator it
	// installs) is built before the router starts serving.
	TracerProvider *sdktrace.TracerProvider `optional:"true"`
}

// Server owns the HTTP surface. Handlers stay thin and delegate to the
// domain services.
type Server struct {
	cfg            config.Config
	log            *zap.Logger
	db             *gorm.DB
	accounts       accountdomain.Repository
	ledgerSvc      ledgerdomain.Service
	orderSvc       *orderservice.Service
	taxSvc         *taxservice.Service
	attributionSvc *attributionservice.Service
	contextSvc     *txcontextservice.Resolver
	snapshotSvc    *snapshot.Service
	auditSvc       auditdomain.Service
	httpMetrics    *metrics.HTTPMetrics
	limiter        *rateLimiter
}

func New(p Params) *Server {
	return &Server{
		cfg:            p.Config,
		log:            p.Log.Named("server"),
		db:             p.DB,
		accounts:       p.Accounts,
		ledgerSvc:      p.LedgerSvc,
		orderSvc:       p.OrderSvc,
		taxSvc:         p.TaxSvc,
		attributionSvc: p.AttributionSvc,
		contextSvc:     p.ContextSvc,
		snapshotSvc:    p.SnapshotSvc,
		auditSvc:       p.AuditSvc,
		httpMetrics:    p.HTTPMetrics,
		limiter:        newRateLimiter(p.Config.RateLimitRequests, p.Config.RateLimitWindow),
	}
}

// Router builds the gin engine with the full middleware chain and all
// routes registered.
func (s *Server) Router() *gin.Engine {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestID())
	engine.Use(tracing.GinMiddleware(s.cfg.ServiceName))
	engine.Use(metrics.GinMiddleware(s.httpMetrics))

	engine.GET("/healthz", s.Health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/v1")
	v1.Use(s.APIKeyRequired(), s.RateLimit())
	{
		v1.POST("/transactions", s.CreateTransaction)
		v1.GET("/transactions/:id", s.GetTransaction)
		v1.GET("/transactions/:id/contexts", s.ListTransactionContexts)

		v1.GET("/accounts/:id/balance", s.GetBalance)
		v1.POST("/accounts/:id/snapshots", s.TakeSnapshot)
		v1.GET("/accounts/:id/snapshots/latest", s.LatestSnapshot)

		v1.POST("/orders", s.CreateOrder)
		v1.GET("/orders/:id", s.GetOrder)
		v1.POST("/orders/:id/payments", s.RecordPayment)
		v1.POST("/orders/:id/finalize", s.FinalizeOrder)
		v1.GET("/orders/:id/tax", s.GetOrderTax)
		v1.GET("/orders/:id/attributions", s.ListOrderAttributions)

		v1.POST("/plans", s.CreatePlan)
		v1.GET("/plans/:id", s.GetPlan)

		v1.PUT("/attributions/employees", s.SetEmployeeAttribution)
	}

	return engine
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(HeaderRequestID, requestID)
		c.Request = c.Request.WithContext(
			auditcontext.WithRequestID(c.Request.Context(), requestID),
		)
		c.Next()
	}
}

// Health reports liveness, including database reachability.
func (s *Server) Health(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

var Module = fx.Module("server",
	fx.Provide(New),
	fx.Invoke(runHTTP),
)

func runHTTP(lc fx.Lifecycle, s *Server, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
