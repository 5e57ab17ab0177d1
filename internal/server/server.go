package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dukahq/duka/internal/catalog"
	catalogdomain "github.com/dukahq/duka/internal/catalog/domain"
	"github.com/dukahq/duka/internal/clock"
	"github.com/dukahq/duka/internal/commission"
	commissiondomain "github.com/dukahq/duka/internal/commission/domain"
	"github.com/dukahq/duka/internal/config"
	"github.com/dukahq/duka/internal/logger"
	"github.com/dukahq/duka/internal/migration"
	obsmetrics "github.com/dukahq/duka/internal/observability/metrics"
	"github.com/dukahq/duka/internal/order"
	orderdomain "github.com/dukahq/duka/internal/order/domain"
	"github.com/dukahq/duka/internal/payment"
	paymentdomain "github.com/dukahq/duka/internal/payment/domain"
	"github.com/dukahq/duka/internal/providers/email"
	"github.com/dukahq/duka/internal/providers/pdf"
	"github.com/dukahq/duka/internal/ratelimit"
	"github.com/dukahq/duka/internal/referral"
	"github.com/dukahq/duka/internal/scheduler"
	"github.com/dukahq/duka/pkg/db"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	config.Module,
	logger.Module,
	clock.Module,
	db.Module,
	migration.Module,
	obsmetrics.Module,
	ratelimit.Module,
	email.Module,
	pdf.Module,
	catalog.Module,
	referral.Module,
	order.Module,
	payment.Module,
	commission.Module,
	scheduler.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(metrics *obsmetrics.Metrics, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.GinMiddleware(log))
	r.Use(metrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	return r
}

func registerGin(metrics *obsmetrics.Metrics, log *zap.Logger) *gin.Engine {
	return NewEngine(metrics, log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
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
	engine        *gin.Engine
	log           *zap.Logger
	genID         *snowflake.Node
	orderSvc      orderdomain.Service
	paymentSvc    paymentdomain.Service
	commissionSvc commissiondomain.Service
	catalogSvc    catalogdomain.Service
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Log           *zap.Logger
	GenID         *snowflake.Node
	OrderSvc      orderdomain.Service
	PaymentSvc    paymentdomain.Service
	CommissionSvc commissiondomain.Service
	CatalogSvc    catalogdomain.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:        p.Gin,
		log:           p.Log.Named("http.server"),
		genID:         p.GenID,
		orderSvc:      p.OrderSvc,
		paymentSvc:    p.PaymentSvc,
		commissionSvc: p.CommissionSvc,
		catalogSvc:    p.CatalogSvc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	r := s.engine

	r.GET("/products", s.listProducts)

	r.POST("/orders", s.createOrder)
	r.GET("/orders/:id", s.getOrder)
	r.POST("/orders/:id/cancel", s.cancelOrder)
	r.POST("/orders/:id/payment-attempts", s.retryPayment)
	r.GET("/orders/:id/receipt", s.orderReceipt)

	r.POST("/payments/callback", s.paymentCallback)
	r.GET("/payments/status/:attemptId", s.paymentStatus)
}
