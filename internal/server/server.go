package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	accountingdomain "github.com/smallbiznis/accountingproxy/internal/accounting/domain"
	"github.com/smallbiznis/accountingproxy/internal/accounting/metering"
	"github.com/smallbiznis/accountingproxy/internal/config"
	"github.com/smallbiznis/accountingproxy/internal/observability"
	obsmiddleware "github.com/smallbiznis/accountingproxy/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/accountingproxy/internal/observability/metrics"
	obstracing "github.com/smallbiznis/accountingproxy/internal/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	setupValidator()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
		Fields:          accountingLogFields,
	}))
	r.Use(obstracing.GinMiddleware(
		obstracing.WithSkippedPaths("/health", "/metrics"),
		obstracing.WithSpanAttributes(accountingSpanAttributes),
	))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func accountingLogFields(c *gin.Context) []zap.Field {
	if unit := strings.TrimSpace(c.GetString(metering.ContextKeyUnit)); unit != "" {
		return []zap.Field{zap.String("unit", unit)}
	}
	return nil
}

func accountingSpanAttributes(c *gin.Context) []attribute.KeyValue {
	if unit := strings.TrimSpace(c.GetString(metering.ContextKeyUnit)); unit != "" {
		return []attribute.KeyValue{attribute.String("accounting.unit", unit)}
	}
	return nil
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	accountingSvc accountingdomain.Service
	hook          *metering.Hook
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	AccountingSvc accountingdomain.Service
	Hook          *metering.Hook `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		accountingSvc: p.AccountingSvc,
		hook:          p.Hook,
	}

	svc.registerAccountingRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAccountingRoutes() {
	accounting := s.engine.Group("/accounting")

	accounting.GET("/units", s.ListUnits)
	accounting.GET("/acquisitions", s.NotifyAcquisitions)
	accounting.POST("/acquisitions", s.CreateAcquisition)
	accounting.DELETE("/acquisitions", s.DeleteAcquisition)
	accounting.POST("/token", s.SaveToken)
	accounting.GET("/records", s.ListRecords)

	if s.hook != nil {
		accounting.POST("/meter", s.Meter)
	}
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
