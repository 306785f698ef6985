// Package api HTTP control surface: strategy CRUD, ledger queries, manual ticks and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ladderbot/logger"
	"ladderbot/manager"
	"ladderbot/quant"
	"ladderbot/store"
	"ladderbot/trader/types"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Server HTTP API server
type Server struct {
	router        *gin.Engine
	traderManager *manager.TraderManager
	httpServer    *http.Server
	port          int
}

// NewServer Creates API server
func NewServer(traderManager *manager.TraderManager, port int) *Server {
	// Set to Release mode (reduce log output)
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), corsMiddleware())

	s := &Server{
		router:        router,
		traderManager: traderManager,
		port:          port,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

// requestLogger request log through the global logger
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/metrics" {
			return
		}
		logger.Debugf("[API] %s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

// setupRoutes Setup routes
func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)

		// Strategy management
		api.GET("/strategies", s.handleListStrategies)
		api.POST("/strategies", s.handleCreateStrategy)
		api.GET("/strategies/:id/:ticker", s.handleGetStrategy)
		api.PUT("/strategies/:id/:ticker", s.handleUpdateStrategy)
		api.DELETE("/strategies/:id/:ticker", s.handleDeleteStrategy)
		api.POST("/strategies/:id/:ticker/reset", s.handleResetStrategy)

		// Order ledger
		api.GET("/orders", s.handleListOrders)

		// Manual scheduler pass
		api.POST("/tick", s.handleTick)
	}
}

// handleHealth Health check
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// CreateStrategyRequest body of POST /api/strategies
type CreateStrategyRequest struct {
	StrategyID  int64           `json:"strategy_id" binding:"required"`
	Ticker      string          `json:"ticker" binding:"required"`
	MaxCapital  quant.Price     `json:"max_capital"`
	StepTrigger decimal.Decimal `json:"step_trigger"`
	StepAmount  int64           `json:"step_amount"`
	Paused      bool            `json:"paused"`
}

// StrategyResponse strategy with its ledger counts
type StrategyResponse struct {
	*store.Strategy
	Orders []store.StatusCount `json:"orders"`
}

func (s *Server) handleListStrategies(c *gin.Context) {
	filter := store.StrategyFilter{
		Ticker:        strings.ToUpper(c.Query("ticker")),
		IncludePaused: c.Query("include_paused") == "true",
	}
	if v := c.Query("strategy_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid strategy_id"})
			return
		}
		filter.StrategyID = id
	}

	strategies, err := s.traderManager.ListStrategies(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategies": strategies})
}

func (s *Server) handleCreateStrategy(c *gin.Context) {
	var req CreateStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	st := &store.Strategy{
		StrategyID:  req.StrategyID,
		Ticker:      strings.ToUpper(strings.TrimSpace(req.Ticker)),
		MaxCapital:  req.MaxCapital,
		StepTrigger: req.StepTrigger,
		StepAmount:  req.StepAmount,
		Paused:      req.Paused,
	}
	if err := s.traderManager.CreateStrategy(c.Request.Context(), st); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (s *Server) handleGetStrategy(c *gin.Context) {
	id, ticker, ok := strategyKey(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	st, err := s.traderManager.GetStrategy(ctx, id, ticker)
	if err != nil {
		writeError(c, err)
		return
	}
	stats, err := s.traderManager.OrderStats(ctx, id, ticker)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, StrategyResponse{Strategy: st, Orders: stats})
}

func (s *Server) handleUpdateStrategy(c *gin.Context) {
	id, ticker, ok := strategyKey(c)
	if !ok {
		return
	}
	var params store.StrategyParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	st, err := s.traderManager.UpdateStrategy(c.Request.Context(), id, ticker, params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleDeleteStrategy(c *gin.Context) {
	id, ticker, ok := strategyKey(c)
	if !ok {
		return
	}
	if err := s.traderManager.DeleteStrategy(c.Request.Context(), id, ticker); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Strategy deleted"})
}

func (s *Server) handleResetStrategy(c *gin.Context) {
	id, ticker, ok := strategyKey(c)
	if !ok {
		return
	}
	if err := s.traderManager.ResetStrategy(c.Request.Context(), id, ticker); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Ladder will be rebuilt on the next tick"})
}

// handleListOrders ledger query:
// ?strategy_id=&ticker=&status=created,unknown&kind=LIMIT&direction=BUY&since=RFC3339&limit=
func (s *Server) handleListOrders(c *gin.Context) {
	filter := store.OrderFilter{
		Ticker:    strings.ToUpper(c.Query("ticker")),
		Kind:      types.OrderKind(strings.ToUpper(c.Query("kind"))),
		Direction: types.Direction(strings.ToUpper(c.Query("direction"))),
		Limit:     100,
	}
	if v := c.Query("strategy_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid strategy_id"})
			return
		}
		filter.StrategyID = id
	}
	if v := c.Query("status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			filter.Statuses = append(filter.Statuses, store.OrderStatus(strings.ToLower(strings.TrimSpace(part))))
		}
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		filter.CreatedSince = since
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = min(limit, 1000)
	}

	orders, err := s.traderManager.Orders(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

func (s *Server) handleTick(c *gin.Context) {
	report, err := s.traderManager.RunTick(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// strategyKey parses :id/:ticker, writing 400 on failure
func strategyKey(c *gin.Context) (int64, string, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid strategy id"})
		return 0, "", false
	}
	return id, strings.ToUpper(c.Param("ticker")), true
}

// writeError maps domain errors to HTTP status codes
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrStrategyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrStrategyExists), errors.Is(err, manager.ErrOrdersStillActive):
		status = http.StatusConflict
	case errors.Is(err, store.ErrInvalidStrategy), errors.Is(err, store.ErrCapitalInvariant):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		logger.Errorf("❌ [API] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// Start starts the HTTP server, blocking until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	logger.Infof("🌐 API server starting at http://localhost%s", addr)
	logger.Infof("📊 API Documentation:")
	logger.Infof("  • GET    /api/health                          - Health check")
	logger.Infof("  • GET    /metrics                             - Prometheus metrics")
	logger.Infof("  • GET    /api/strategies                      - List strategies (?include_paused=true)")
	logger.Infof("  • POST   /api/strategies                      - Create strategy")
	logger.Infof("  • GET    /api/strategies/:id/:ticker          - Strategy with ledger counts")
	logger.Infof("  • PUT    /api/strategies/:id/:ticker          - Update parameters")
	logger.Infof("  • DELETE /api/strategies/:id/:ticker          - Cancel ladder and delete")
	logger.Infof("  • POST   /api/strategies/:id/:ticker/reset    - Rebuild ladder on next tick")
	logger.Infof("  • GET    /api/orders                          - Order ledger query")
	logger.Infof("  • POST   /api/tick                            - Run one scheduler pass now")
	logger.Info()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown Gracefully shutdown server
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
