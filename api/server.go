package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"bmc/config"
	"bmc/engine"
	"bmc/featureflag"
	"bmc/model"
)

// Server exposes the engine's control surface to the dashboard.
type Server struct {
	engine *engine.Engine
	flags  *featureflag.RuntimeFlags
	router *gin.Engine
	port   int
}

// NewServer builds the router. The server is not listening until Run.
func NewServer(eng *engine.Engine, flags *featureflag.RuntimeFlags, port int) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine: eng,
		flags:  flags,
		router: gin.New(),
		port:   port,
	}
	s.router.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	g := s.router.Group("/api/ma-options")
	g.GET("/bmc-signal", s.handleBMCSignal)
	g.POST("/bmc-start", s.handleBMCStart)
	g.POST("/bmc-config", s.handleBMCConfig)

	g.GET("/execution/status", s.handleExecutionStatus)
	g.POST("/execution/budget", s.handleSetBudget)
	g.POST("/execution/close-position", s.handleClosePosition)
	g.POST("/execution/swap-model", s.handleSwapModel)
	g.POST("/execution/list-models", s.handleListModels)
	g.POST("/execution/stop", s.handleStop)

	s.router.POST("/admin/feature-flags", s.handleFeatureFlags)
	s.registerMetricsRoute()
}

// Run blocks serving HTTP on the configured port.
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.port)
	log.Printf("🌐 API server listening on %s", addr)
	return s.router.Run(addr)
}

func (s *Server) handleBMCSignal(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.SignalStatus())
}

type startRequest struct {
	Tickers []config.TickerConfig `json:"tickers"`
}

func (s *Server) handleBMCStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := s.engine.Start(req.Tickers); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, engine.ErrAlreadyRunning) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": true, "started": len(req.Tickers)})
}

type configRequest struct {
	Ticker string                `json:"ticker"`
	Config config.StrategyConfig `json:"config"`
}

func (s *Server) handleBMCConfig(c *gin.Context) {
	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := s.engine.Configure(req.Ticker, req.Config); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, engine.ErrUnknownTicker) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticker": req.Ticker, "applied": true})
}

func (s *Server) handleExecutionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.ExecutionStatus())
}

type budgetRequest struct {
	Budget int64 `json:"budget"`
}

func (s *Server) handleSetBudget(c *gin.Context) {
	var req budgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := s.engine.SetBudget(req.Budget); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_budget": req.Budget})
}

type closePositionRequest struct {
	PositionID string `json:"position_id"`
}

func (s *Server) handleClosePosition(c *gin.Context) {
	var req closePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	snap, err := s.engine.ClosePosition(req.PositionID)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, engine.ErrUnknownPosition) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"position": snap})
}

type swapModelRequest struct {
	StrategyID string `json:"strategy_id"`
	VersionID  string `json:"version_id"`
}

func (s *Server) handleSwapModel(c *gin.Context) {
	var req swapModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := s.engine.SwapModel(req.StrategyID, req.VersionID); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, engine.ErrUnknownStrategy) || errors.Is(err, model.ErrVersionNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy_id": req.StrategyID, "version_id": req.VersionID})
}

type listModelsRequest struct {
	StrategyID string `json:"strategy_id"`
	Ticker     string `json:"ticker"`
}

func (s *Server) handleListModels(c *gin.Context) {
	var req listModelsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	versions, err := s.engine.ListModels(req.StrategyID, req.Ticker)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, engine.ErrUnknownStrategy) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": versions})
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.engine.Stop(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": false})
}

// handleFeatureFlags applies a partial flag update and returns the resulting
// snapshot; an empty body just reads the current state.
func (s *Server) handleFeatureFlags(c *gin.Context) {
	var update featureflag.Update
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&update); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"flags": s.flags.Apply(update)})
}
