// Package api exposes the engine over HTTP: market and position reads,
// trading endpoints, operation history, and a token-gated admin surface.
package api

import (
	"context"
	"net/http"
	"time"

	"OutcomePerp/internal/engine"
	"OutcomePerp/internal/observability"
	"OutcomePerp/internal/persistence"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config tunes the HTTP server.
type Config struct {
	Addr string
	// AdminToken gates the /admin endpoints; empty disables them.
	AdminToken string
}

// Server wires the engine, record history, and health state into a gin
// router.
type Server struct {
	engine  *engine.Engine
	records *persistence.RecordReader // nil when running without Postgres
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
	cfg     Config
	httpSrv *http.Server
}

func NewServer(
	eng *engine.Engine,
	records *persistence.RecordReader,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
	cfg Config,
) *Server {
	return &Server{
		engine:  eng,
		records: records,
		health:  health,
		metrics: metrics,
		log:     log,
		cfg:     cfg,
	}
}

// Router builds the gin engine. Exposed for httptest.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.observe())

	r.GET("/healthz", gin.WrapF(s.health.LivenessHandler))
	r.GET("/readyz", gin.WrapF(s.health.ReadinessHandler))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.GET("/markets", s.listMarkets)
		v1.GET("/markets/:id", s.getMarket)
		v1.GET("/markets/:id/price", s.getPrice)
		v1.GET("/markets/:id/quote", s.getQuote)
		v1.GET("/markets/:id/funding", s.getFunding)
		v1.GET("/markets/:id/pool", s.getPool)
		v1.GET("/markets/:id/positions", s.listPositions)
		v1.GET("/markets/:id/liquidatable", s.listLiquidatable)

		v1.GET("/positions/:owner/:id", s.getPosition)
		v1.POST("/positions/:owner/:id/open", s.openPosition)
		v1.POST("/positions/:owner/:id/close", s.closePosition)
		v1.POST("/positions/:owner/:id/collateral", s.moveCollateral)

		v1.POST("/liquidations/:owner/:id", s.liquidate)

		v1.GET("/records", s.listRecords)
	}

	if s.cfg.AdminToken != "" {
		admin := r.Group("/admin", s.requireAdmin())
		admin.POST("/markets", s.createMarket)
		admin.POST("/markets/:id/config", s.configureMarket)
		admin.POST("/markets/:id/active", s.setMarketActive)
		admin.POST("/markets/:id/price", s.forcePrice)
	}

	return r
}

// Run serves until the context is cancelled, then drains in-flight
// requests.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()
	s.log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if s.metrics == nil {
			return
		}
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		s.metrics.QueryRequests.WithLabelValues(endpoint, http.StatusText(c.Writer.Status())).Inc()
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Token") != s.cfg.AdminToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}
