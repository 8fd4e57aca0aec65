// Package server exposes health, metrics, the manual run trigger and
// read-only views over the published output tables.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/attribution/internal/config"
	ledgerdomain "github.com/smallbiznis/attribution/internal/ledger/domain"
	"github.com/smallbiznis/attribution/internal/observability"
	obsmiddleware "github.com/smallbiznis/attribution/internal/observability/logger"
	obstracing "github.com/smallbiznis/attribution/internal/observability/tracing"
	"github.com/smallbiznis/attribution/internal/pipeline"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultHTTPAddr = ":8080"

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(func(svc *pipeline.Service) Runner { return svc }),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// Runner executes one attribution run for the manual trigger.
type Runner interface {
	Execute(ctx context.Context, trigger string) (*ledgerdomain.Run, error)
}

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = defaultHTTPAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err), zap.String("addr", addr))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
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
	db     *gorm.DB
	log    *zap.Logger
	runner Runner
	ledger ledgerdomain.Repository
}

type ServerParams struct {
	fx.In

	Gin    *gin.Engine
	DB     *gorm.DB
	Log    *zap.Logger
	Runner Runner
	Ledger ledgerdomain.Repository
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine: p.Gin,
		db:     p.DB,
		log:    p.Log.Named("http.server"),
		runner: p.Runner,
		ledger: p.Ledger,
	}

	svc.registerInternalRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal")

	internal.POST("/runs", s.TriggerRun)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	api.GET("/runs/latest", s.GetLatestRun)
	api.GET("/ledger", s.ListLedger)

	rollups := api.Group("/rollups")
	{
		rollups.GET("/daily", s.ListDailyRollups)
		rollups.GET("/funnels", s.ListFunnelRollups)
		rollups.GET("/campaigns", s.ListCampaignRollups)
		rollups.GET("/channels", s.ListChannelRollups)
		rollups.GET("/countries", s.ListCountryRollups)
		rollups.GET("/plans", s.ListPlanRollups)
	}
}
