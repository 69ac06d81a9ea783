package diag

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"signal-trader/internal/logger"
	"signal-trader/internal/registry"
	"signal-trader/internal/router"

	"github.com/gin-gonic/gin"
)

// Server exposes a local diagnostic HTTP interface: read-only views of the
// books plus the manual trade operations. It is meant for the operator on
// localhost, not for the public internet.
type Server struct {
	reg    *registry.Registry
	router *router.Router
	srv    *http.Server
}

// New builds the diagnostic server listening on addr.
func New(addr string, reg *registry.Registry, rt *router.Router) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{reg: reg, router: rt}
	engine.GET("/trades", s.getTrades)
	engine.GET("/strategies", s.getStrategies)
	engine.GET("/balances/virtual", s.getVirtualBalances)
	engine.GET("/transactions", s.getTransactions)
	engine.GET("/history", s.getBalanceHistory)
	engine.POST("/trades/:id/close", s.postClose)
	engine.POST("/trades/:id/stop", s.postStop)
	engine.POST("/trades/:id/resume", s.postResume)
	engine.DELETE("/trades/:id", s.deleteTrade)

	s.srv = &http.Server{Addr: addr, Handler: engine}
	return s
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		logger.S().Infof("diagnostic interface listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.S().Errorf("diagnostic server: %v", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) getTrades(c *gin.Context) {
	c.JSON(http.StatusOK, s.reg.Trades())
}

func (s *Server) getStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, s.reg.Strategies())
}

func (s *Server) getVirtualBalances(c *gin.Context) {
	c.JSON(http.StatusOK, s.reg.VirtualBalances())
}

func (s *Server) getTransactions(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	c.JSON(http.StatusOK, s.reg.Transactions(limit))
}

func (s *Server) getBalanceHistory(c *gin.Context) {
	c.JSON(http.StatusOK, s.reg.BalanceHistory())
}

func (s *Server) postClose(c *gin.Context) {
	s.manual(c, func(id string) error { return s.router.CloseTrade(id) })
}

func (s *Server) postStop(c *gin.Context) {
	s.manual(c, func(id string) error { return s.router.StopTrade(id, true) })
}

func (s *Server) postResume(c *gin.Context) {
	s.manual(c, func(id string) error { return s.router.StopTrade(id, false) })
}

func (s *Server) deleteTrade(c *gin.Context) {
	s.manual(c, func(id string) error { return s.router.DeleteTrade(id) })
}

func (s *Server) manual(c *gin.Context, op func(id string) error) {
	id := c.Param("id")
	if err := op(id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "time": time.Now()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "time": time.Now()})
}
