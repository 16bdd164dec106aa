// Package api exposes the management HTTP API: pool inspection and
// mutation, refresh triggers, listener control, rotation mode, filters,
// and the log tail. It holds references to the core components but links
// no state into them beyond the pool and the log hub.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/drsoft-oss/proxyhub/internal/gateway"
	"github.com/drsoft-oss/proxyhub/internal/loghub"
	"github.com/drsoft-oss/proxyhub/internal/pool"
	"github.com/drsoft-oss/proxyhub/internal/refresh"
	"github.com/drsoft-oss/proxyhub/internal/validator"
)

// Server is the management API server.
type Server struct {
	pool *pool.Pool
	gw   *gateway.Gateway
	orch *refresh.Orchestrator
	hub  *loghub.Hub
	log  *slog.Logger

	srv *http.Server
}

// New creates and wires the API server on addr.
func New(addr string, p *pool.Pool, gw *gateway.Gateway, orch *refresh.Orchestrator, hub *loghub.Hub, log *slog.Logger) *Server {
	s := &Server{pool: p, gw: gw, orch: orch, hub: hub, log: log}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	proxyGroup := engine.Group("/api/proxy")
	{
		proxyGroup.POST("/fetch", s.handleFetch)
		proxyGroup.POST("/check", s.handleCheck)
		proxyGroup.GET("/list", s.handleList)
		proxyGroup.POST("/rotate", s.handleRotate)
		proxyGroup.GET("/regions", s.handleRegions)
		proxyGroup.GET("/count", s.handleCount)
		proxyGroup.GET("/current", s.handleGetCurrent)
		proxyGroup.POST("/current", s.handleSetCurrent)
		proxyGroup.POST("/report_failure", s.handleReportFailure)
		proxyGroup.DELETE("/:address", s.handleRemove)
	}

	serverGroup := engine.Group("/api/server")
	{
		serverGroup.POST("/start", s.handleServerStart)
		serverGroup.POST("/stop", s.handleServerStop)
		serverGroup.POST("/rotation", s.handleRotationMode)
		serverGroup.GET("/status", s.handleServerStatus)
	}

	engine.POST("/api/filter", s.handleFilter)
	engine.GET("/api/logs", s.handleLogs)
	engine.GET("/ws/logs", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// -----------------------------------------------------------------------
// Request / response shapes
// -----------------------------------------------------------------------

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func ok(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, response{Success: true, Message: message, Data: data})
}

func fail(c *gin.Context, code int, message string) {
	c.JSON(code, response{Success: false, Message: message})
}

type checkRequest struct {
	Proxies  []string `json:"proxies" binding:"required"`
	Protocol string   `json:"protocol"`
}

type addressRequest struct {
	Address string `json:"address" binding:"required"`
}

type filterRequest struct {
	Region       string `json:"region"`
	MaxLatencyMS *int   `json:"max_latency_ms"`
}

type rotationRequest struct {
	PerRequest bool `json:"per_request"`
}

type startServerRequest struct {
	HTTPAddr   string `json:"http_addr"`
	SOCKS5Addr string `json:"socks5_addr"`
}

type serverStatus struct {
	Running      bool        `json:"running"`
	HTTPAddr     string      `json:"http_addr"`
	SOCKS5Addr   string      `json:"socks5_addr"`
	RotationMode string      `json:"rotation_mode"`
	Current      *pool.Entry `json:"current_proxy"`
	Refreshing   bool        `json:"refreshing"`
}

// -----------------------------------------------------------------------
// Proxy handlers
// -----------------------------------------------------------------------

// handleFetch starts a full refresh in the background.
func (s *Server) handleFetch(c *gin.Context) {
	if s.orch.Busy() {
		fail(c, http.StatusConflict, "a refresh is already running")
		return
	}
	go func() {
		if _, err := s.orch.Refresh(context.Background()); err != nil {
			s.log.Warn("background refresh failed", "error", err)
		}
	}()
	ok(c, "refresh started, watch the logs", nil)
}

// handleCheck validates a supplied candidate list in the background and
// admits survivors without clearing the pool.
func (s *Server) handleCheck(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "proxies list is required")
		return
	}
	proto := pool.Protocol(req.Protocol)
	switch proto {
	case pool.ProtocolHTTP, pool.ProtocolSOCKS4, pool.ProtocolSOCKS5:
	case "":
		proto = pool.ProtocolHTTP
	default:
		fail(c, http.StatusBadRequest, "protocol must be HTTP, SOCKS4, or SOCKS5")
		return
	}

	candidates := make([]validator.Candidate, 0, len(req.Proxies))
	for _, addr := range req.Proxies {
		candidates = append(candidates, validator.Candidate{Address: addr, Protocol: proto})
	}
	go func() {
		if _, err := s.orch.CheckList(context.Background(), candidates); err != nil {
			s.log.Warn("manual check failed", "error", err)
		}
	}()
	ok(c, "validation started, watch the logs", nil)
}

// handleList returns Working entries matching the query filters, sorted by
// score descending.
func (s *Server) handleList(c *gin.Context) {
	region := c.DefaultQuery("region", pool.RegionAll)
	maxLatency, err := latencyParam(c)
	if err != nil {
		fail(c, http.StatusBadRequest, "max_latency_ms must be an integer")
		return
	}

	var filtered []pool.Entry
	for _, e := range s.pool.Snapshot() {
		if e.Status != pool.StatusWorking {
			continue
		}
		if region != pool.RegionAll && e.Location != region {
			continue
		}
		if maxLatency >= 0 && e.Latency*1000 > float64(maxLatency) {
			continue
		}
		filtered = append(filtered, e)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Score > filtered[j].Score
	})
	ok(c, "ok", filtered)
}

func (s *Server) handleRotate(c *gin.Context) {
	entry := s.pool.Next()
	if entry == nil {
		ok(c, "no proxy available", nil)
		return
	}
	ok(c, "rotated to "+entry.Address, entry)
}

func (s *Server) handleRegions(c *gin.Context) {
	maxLatency, err := latencyParam(c)
	if err != nil {
		fail(c, http.StatusBadRequest, "max_latency_ms must be an integer")
		return
	}
	ok(c, "ok", s.pool.RegionsWithCounts(maxLatency))
}

func (s *Server) handleCount(c *gin.Context) {
	ok(c, "ok", gin.H{"count": s.pool.CountActive()})
}

func (s *Server) handleGetCurrent(c *gin.Context) {
	entry := s.pool.Current()
	if entry == nil {
		ok(c, "no current proxy", nil)
		return
	}
	ok(c, "ok", entry)
}

func (s *Server) handleSetCurrent(c *gin.Context) {
	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "address is required")
		return
	}
	entry := s.pool.SetCurrent(req.Address)
	if entry == nil {
		fail(c, http.StatusNotFound, "no Working proxy with that address")
		return
	}
	ok(c, "current proxy set", entry)
}

func (s *Server) handleReportFailure(c *gin.Context) {
	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "address is required")
		return
	}
	s.pool.ReportFailure(req.Address)
	ok(c, "failure recorded", nil)
}

func (s *Server) handleRemove(c *gin.Context) {
	address := c.Param("address")
	if s.pool.Remove(address) {
		ok(c, "proxy removed", nil)
		return
	}
	fail(c, http.StatusNotFound, "proxy not found")
}

// -----------------------------------------------------------------------
// Server-control handlers
// -----------------------------------------------------------------------

func (s *Server) handleServerStart(c *gin.Context) {
	if s.gw.Running() {
		fail(c, http.StatusConflict, "gateway already running")
		return
	}

	var req startServerRequest
	if err := c.ShouldBindJSON(&req); err == nil && (req.HTTPAddr != "" || req.SOCKS5Addr != "") {
		httpAddr, socksAddr := s.gw.Addrs()
		if req.HTTPAddr != "" {
			httpAddr = req.HTTPAddr
		}
		if req.SOCKS5Addr != "" {
			socksAddr = req.SOCKS5Addr
		}
		if err := s.gw.SetAddrs(httpAddr, socksAddr); err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := s.gw.Start(); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	httpAddr, socksAddr := s.gw.Addrs()
	ok(c, "gateway started", gin.H{"http_addr": httpAddr, "socks5_addr": socksAddr})
}

func (s *Server) handleServerStop(c *gin.Context) {
	if !s.gw.Running() {
		fail(c, http.StatusConflict, "gateway not running")
		return
	}
	s.gw.Stop()
	ok(c, "gateway stopped", nil)
}

func (s *Server) handleRotationMode(c *gin.Context) {
	var req rotationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "per_request is required")
		return
	}
	s.gw.SetRotatePerRequest(req.PerRequest)
	mode := "fixed"
	if req.PerRequest {
		mode = "per_request"
	}
	ok(c, "rotation mode set to "+mode, nil)
}

func (s *Server) handleServerStatus(c *gin.Context) {
	httpAddr, socksAddr := s.gw.Addrs()
	mode := "fixed"
	if s.gw.RotatePerRequest() {
		mode = "per_request"
	}
	ok(c, "ok", serverStatus{
		Running:      s.gw.Running(),
		HTTPAddr:     httpAddr,
		SOCKS5Addr:   socksAddr,
		RotationMode: mode,
		Current:      s.pool.Current(),
		Refreshing:   s.orch.Busy(),
	})
}

// -----------------------------------------------------------------------
// Filter and logs
// -----------------------------------------------------------------------

func (s *Server) handleFilter(c *gin.Context) {
	var req filterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid filter payload")
		return
	}
	maxLatency := pool.NoLatencyCap
	if req.MaxLatencyMS != nil {
		maxLatency = *req.MaxLatencyMS
	}
	s.pool.SetFilter(req.Region, maxLatency)
	ok(c, "filter installed", nil)
}

func (s *Server) handleLogs(c *gin.Context) {
	n := 100
	if raw := c.Query("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			fail(c, http.StatusBadRequest, "n must be an integer")
			return
		}
		n = parsed
	}
	ok(c, "ok", s.hub.Tail(n))
}

// latencyParam parses the optional max_latency_ms query parameter,
// defaulting to no bound.
func latencyParam(c *gin.Context) (int, error) {
	raw := c.Query("max_latency_ms")
	if raw == "" {
		return pool.NoLatencyCap, nil
	}
	return strconv.Atoi(raw)
}
