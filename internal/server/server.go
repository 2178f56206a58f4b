package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	attachmentdomain "github.com/practikit/billing/internal/attachment/domain"
	"github.com/practikit/billing/internal/config"
	invoicingdomain "github.com/practikit/billing/internal/invoicing/domain"
	reviewqueuedomain "github.com/practikit/billing/internal/reviewqueue/domain"
	statementdomain "github.com/practikit/billing/internal/statement/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLoggingMiddleware(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
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
	cfg           config.Config
	db            *gorm.DB
	genID         *snowflake.Node
	statementSvc  statementdomain.Service
	attachmentSvc attachmentdomain.Service
	invoicingSvc  invoicingdomain.Service
	reviewSvc     reviewqueuedomain.Service
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	DB            *gorm.DB
	GenID         *snowflake.Node
	StatementSvc  statementdomain.Service
	AttachmentSvc attachmentdomain.Service
	InvoicingSvc  invoicingdomain.Service
	ReviewSvc     reviewqueuedomain.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		genID:         p.GenID,
		statementSvc:  p.StatementSvc,
		attachmentSvc: p.AttachmentSvc,
		invoicingSvc:  p.InvoicingSvc,
		reviewSvc:     p.ReviewSvc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")

	// Orders
	v1.POST("/orders", s.PlaceOrder)

	// Statements
	v1.GET("/statements", s.ListStatements)
	v1.GET("/statements/:id", s.GetStatementByID)

	// Review queue
	v1.GET("/review-queue", s.ListReviewQueue)
	v1.POST("/review-queue/:id/resolve", s.ResolveReviewItem)

	// Payment provider webhooks
	v1.POST("/webhooks/payments/:provider", s.HandlePaymentWebhook)
}
