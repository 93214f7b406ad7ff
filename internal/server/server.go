// Package server exposes the OTC core over HTTP: command endpoints for
// orders, matching, escrow and arbitration, and read-only snapshot
// queries for the presentation layer.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/welloex/otc-core/internal/cache"
	"github.com/welloex/otc-core/internal/config"
	"github.com/welloex/otc-core/internal/otc/arbitration"
	"github.com/welloex/otc-core/internal/otc/escrow"
	"github.com/welloex/otc-core/internal/otc/matching"
	"github.com/welloex/otc-core/internal/otc/orderbook"
	"github.com/welloex/otc-core/internal/otc/reputation"
)

// Server is the HTTP front of the core.
type Server struct {
	cfg    config.ServerConfig
	logger *zap.Logger

	book   *orderbook.Book
	engine *matching.Engine
	escrow *escrow.Service
	arb    *arbitration.Service
	ledger *reputation.Ledger
	cache  *cache.Cache

	http *http.Server
}

// New assembles the router. cache may be nil.
func New(cfg config.ServerConfig, book *orderbook.Book, engine *matching.Engine,
	esc *escrow.Service, arb *arbitration.Service, ledger *reputation.Ledger,
	snapshots *cache.Cache, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		book:   book,
		engine: engine,
		escrow: esc,
		arb:    arb,
		ledger: ledger,
		cache:  snapshots,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
	}))

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", s.submitOrder)
		v1.DELETE("/orders/:id", s.cancelOrder)
		v1.GET("/orders/:id", s.getOrder)
		v1.GET("/orderbook/:instrument", s.depth)
		v1.GET("/orderbook/:instrument/best", s.best)
		v1.GET("/pricing/:instrument", s.pricing)

		v1.POST("/match/recommendations", s.recommend)
		v1.POST("/match/auto", s.autoMatch)

		v1.GET("/escrow/:id", s.getTrade)
		v1.POST("/escrow/:id/fiat-sent", s.fiatSent)
		v1.POST("/escrow/:id/confirm-receipt", s.confirmReceipt)

		v1.POST("/disputes", s.openDispute)
		v1.GET("/disputes/:id", s.getDispute)
		v1.POST("/disputes/:id/evidence", s.submitEvidence)
		v1.POST("/disputes/:id/votes", s.castVote)

		v1.GET("/reputation/:id", s.reputationSnapshot)
	}

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
