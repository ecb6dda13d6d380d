// Package api implements the HTTP request surface: a uniform JSON
// envelope over gin-gonic/gin, plus the websocket upgrade endpoint that
// hands connections to internal/hub. Grounded on router/routes.go's gin
// route table shape and router/handler.go's shared websocket upgrader.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devicelab-dev/labctl/internal/hub"
	"github.com/devicelab-dev/labctl/internal/logger"
	"github.com/devicelab-dev/labctl/internal/models"
	"github.com/devicelab-dev/labctl/internal/registry"
	"github.com/devicelab-dev/labctl/internal/reservation"
	"github.com/devicelab-dev/labctl/internal/supervisor"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires every route table entry onto the shared components.
type Server struct {
	log         *logger.CustomLogger
	registry    *registry.Registry
	reservation *reservation.Manager
	supervisor  *supervisor.Supervisor
	hub         *hub.Hub
	frontendURL string
	uploadDir   string
}

func NewServer(log *logger.CustomLogger, reg *registry.Registry, res *reservation.Manager, sup *supervisor.Supervisor, h *hub.Hub, frontendURL, uploadDir string) *Server {
	return &Server{log: log, registry: reg, reservation: res, supervisor: sup, hub: h, frontendURL: frontendURL, uploadDir: uploadDir}
}

// Router builds the gin engine with every route wired.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(s.cors())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", s.handleWebsocket)

	devices := r.Group("/devices")
	{
		devices.GET("", s.listDevices)
		devices.GET("/:id", s.getDevice)
		devices.POST("/refresh", s.refreshDevices)
		devices.POST("/:id/reserve", s.reserveDevice)
		devices.POST("/:id/release", s.releaseDevice)
		devices.POST("/:id/command", s.genericCommand)
		devices.POST("/:id/tap", s.typedCommand(models.CommandTap))
		devices.POST("/:id/swipe", s.typedCommand(models.CommandSwipe))
		devices.POST("/:id/drag", s.typedCommand(models.CommandDrag))
		devices.POST("/:id/key", s.typedCommand(models.CommandKey))
		devices.POST("/:id/text", s.typedCommand(models.CommandText))
		devices.POST("/:id/shell", s.typedCommand(models.CommandShell))
		devices.POST("/:id/install-app", s.installApp)
		devices.GET("/:id/sessions", s.sessionsForDevice)
		devices.GET("/:id/reservations", s.reservationsForDevice)

		devices.POST("/:id/appium/start", s.appiumStart)
		devices.POST("/:id/appium/stop", s.appiumStop)
		devices.GET("/:id/appium/status", s.appiumStatus)
		devices.GET("/:id/appium/logs", s.appiumGetLogs)
		devices.DELETE("/:id/appium/logs", s.appiumClearLogs)
		devices.POST("/:id/appium/auto-start", s.appiumAutoStart)
	}

	sessions := r.Group("/sessions")
	{
		sessions.GET("", s.listSessions)
		sessions.POST("", s.createSession)
		sessions.GET("/:id", s.getSession)
		sessions.POST("/:id/end", s.endSession)
		sessions.GET("/user/:uid", s.sessionsForUser)
	}

	system := r.Group("/system")
	{
		system.GET("/health", s.systemHealth)
		system.GET("/stats", s.systemStats)
		system.GET("/reservations", s.systemReservations)
	}

	r.GET("/appium/servers", s.listAppiumServers)

	analytics := r.Group("/analytics")
	{
		analytics.GET("", s.analyticsOverview)
		analytics.GET("/devices", s.analyticsDevices)
		analytics.GET("/hourly", s.analyticsHourly)
	}

	return r
}

func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.LogWarn("api", "websocket upgrade failed: "+err.Error())
		return
	}
	s.hub.Serve(conn)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.LogDebug("api", c.Request.Method+" "+c.Request.URL.Path+" "+time.Since(start).String())
	}
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", s.frontendURL)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func withTimeout(c *gin.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), d)
}
