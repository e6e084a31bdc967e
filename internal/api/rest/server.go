package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/api/websocket"
	"github.com/KevinKickass/OpenAcqCore/internal/auth"
	"github.com/KevinKickass/OpenAcqCore/internal/interfaces"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Login attempts per client IP; lockout covers slower guessing.
const (
	loginRate  = 1.0
	loginBurst = 5
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
	gatherer    prometheus.Gatherer
}

func NewServer(lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService, gatherer prometheus.Gatherer) *Server {
	if lm.Config().Logging.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
		gatherer:    gatherer,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", lm.Config().Server.HTTPPort),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// block reads wait up to acquisition.read_timeout
		WriteTimeout: lm.Config().Acquisition.ReadTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string { return s.server.Addr }

// Serve blocks until the listener fails or Shutdown is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Starting REST API server", zap.String("address", lis.Addr().String()))
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("rest server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/auth/login", RateLimitMiddleware(loginRate, loginBurst), s.login)

		// websocket clients authenticate with their first message
		v1.GET("/ws/live", s.wsLiveConnection)

		api := v1.Group("")
		api.Use(s.authService.AuthMiddleware())

		api.GET("/auth/me", s.getCurrentUser)

		operator := api.Group("")
		operator.Use(auth.RequirePermission(auth.PermOperator))
		{
			operator.GET("/system/status", s.getSystemStatus)
			operator.GET("/objects", s.getObject)
			operator.GET("/types", s.listTypes)
			operator.GET("/profiles", s.listProfiles)
			operator.GET("/sniffer", s.getSniffer)
			operator.GET("/audit", s.getAudit)
			operator.GET("/ws/status", s.wsStatus)
		}

		devices := api.Group("/devices")
		{
			// Read operations: Operator+
			devices.GET("", auth.RequirePermission(auth.PermOperator), s.listDevices)
			devices.GET("/:id", auth.RequirePermission(auth.PermOperator), s.getDevice)
			devices.GET("/:id/csets/:cset/channels/:chan/block", auth.RequirePermission(auth.PermOperator), s.readBlock)

			// Acquisition control: Technician+
			devices.POST("/:id/csets/:cset/arm", auth.RequirePermission(auth.PermTechnician), s.armSet)
			devices.PUT("/:id/csets/:cset/enabled", auth.RequirePermission(auth.PermTechnician), s.setEnabled)
			devices.PUT("/:id/csets/:cset/timing/attrs/:attr", auth.RequirePermission(auth.PermTechnician), s.setTimingAttr)
			devices.POST("/:id/csets/:cset/channels/:chan/block", auth.RequirePermission(auth.PermTechnician), s.writeBlock)

			// Registration and rebinding: Admin
			devices.POST("", auth.RequirePermission(auth.PermAdmin), s.createDevice)
			devices.DELETE("/:id", auth.RequirePermission(auth.PermAdmin), s.deleteDevice)
			devices.PUT("/:id/csets/:cset/transport", auth.RequirePermission(auth.PermAdmin), s.changeTransport)
			devices.PUT("/:id/csets/:cset/timing", auth.RequirePermission(auth.PermAdmin), s.changeTiming)
		}

		api.DELETE("/sniffer", auth.RequirePermission(auth.PermAdmin), s.resetSniffer)
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
// healthCheck fails once shutdown has begun so load balancers drain us.
func (s *Server) healthCheck(c *gin.Context) {
	st := s.lm.GetCurrentStatus()
	code, status := http.StatusOK, "ok"
	if !st.Accepting {
		code, status = http.StatusServiceUnavailable, "stopping"
	}
	c.JSON(code, gin.H{
		"status":    status,
		"state":     st.State,
		"timestamp": time.Now().Unix(),
	})
}
