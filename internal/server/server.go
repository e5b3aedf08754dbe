package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quillforge/quillforge/internal/config"
	creditdomain "github.com/quillforge/quillforge/internal/credit/domain"
	obsmetrics "github.com/quillforge/quillforge/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(TracingMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_ = ctx
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

type ServerParams struct {
	fx.In

	Engine    *gin.Engine
	Cfg       config.Config
	Log       *zap.Logger
	CreditSvc creditdomain.Service
}

type Server struct {
	engine    *gin.Engine
	cfg       config.Config
	log       *zap.Logger
	creditSvc creditdomain.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:    p.Engine,
		cfg:       p.Cfg,
		log:       p.Log.Named("server"),
		creditSvc: p.CreditSvc,
	}
	s.RegisterAPIRoutes()
	return s
}

func (s *Server) RegisterAPIRoutes() {
	v1 := s.engine.Group("/v1")
	v1.Use(ResolveCapability(s.cfg))

	org := v1.Group("/orgs/:org_id")
	org.GET("/credits", s.GetBalance)
	org.GET("/credits/ledger", s.ListLedger)
	org.POST("/credits/spend", s.Spend)
	org.POST("/credits/topup", s.Topup)
	org.POST("/credits/grant", s.Grant)
	org.POST("/credits/refund", s.Refund)
}
