// Package admin exposes the device registry and sharing coordinator over a
// local HTTP control surface.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/devicelink/internal/auth"
	"github.com/danmuck/devicelink/internal/device"
	"github.com/danmuck/devicelink/internal/events"
	"github.com/danmuck/devicelink/internal/observability"
	"github.com/danmuck/devicelink/internal/sharing"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Config struct {
	NodeID      string
	Addr        string
	CORSOrigins []string
	// Token guards every route except /health; empty disables the check.
	Token string
}

// Registry is the device surface the admin routes drive.
type Registry interface {
	Snapshot() device.Device
	Register(ctx context.Context, name string) <-chan device.Result
	Deregister(ctx context.Context) <-chan device.Result
	Logout(ctx context.Context, clearLocal bool) <-chan device.Result
	ResetLocally() error
}

// Sharing is the coordinator surface the admin routes drive.
type Sharing interface {
	StartAsCentral(ctx context.Context, provider sharing.AuthProvider) error
	StartAsPeripheral(ctx context.Context) error
	Stop()
	Session() (sharing.SessionInfo, bool)
}

type Deps struct {
	Registry Registry
	Sharing  Sharing
	Events   *events.Recorder
}

type Server struct {
	cfg      Config
	router   *gin.Engine
	registry Registry
	sharing  Sharing
	events   *events.Recorder
	appeared time.Time

	// base outlives individual requests; operations and sessions run under it.
	base context.Context
}

func New(base context.Context, cfg Config, deps Deps) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger(cfg.NodeID, "admin")))
	r.Use(observability.RequestMetricsMiddleware(cfg.NodeID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		router:   r,
		registry: deps.Registry,
		sharing:  deps.Sharing,
		events:   deps.Events,
		appeared: time.Now(),
		base:     base,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on cfg.Addr until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info().Str("addr", s.cfg.Addr).Msg("admin.Server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.cfg.NodeID,
		})
	})

	routes := s.router.Group("/")
	if strings.TrimSpace(s.cfg.Token) != "" {
		routes.Use(auth.Middleware(auth.StaticToken{Token: s.cfg.Token}))
	}
	routes.GET("/metrics", gin.WrapH(promhttp.Handler()))

	routes.GET("/device", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"device": s.registry.Snapshot()})
	})
	routes.POST("/device/register", s.handleRegister)
	routes.POST("/device/deregister", func(c *gin.Context) {
		s.respond(c, s.registry.Deregister(s.base))
	})
	routes.POST("/device/logout", s.handleLogout)
	routes.POST("/device/reset", func(c *gin.Context) {
		if err := s.registry.ResetLocally(); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"device": s.registry.Snapshot()})
	})

	routes.GET("/events", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"events": eventViews(s.events)})
	})

	routes.GET("/sharing", func(c *gin.Context) {
		info, ok := s.sharing.Session()
		if !ok {
			c.JSON(http.StatusOK, gin.H{"session": nil})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": info})
	})
	routes.POST("/sharing/central", func(c *gin.Context) {
		s.startSharing(c, func() error { return s.sharing.StartAsCentral(s.base, nil) })
	})
	routes.POST("/sharing/peripheral", func(c *gin.Context) {
		s.startSharing(c, func() error { return s.sharing.StartAsPeripheral(s.base) })
	})
	routes.POST("/sharing/stop", func(c *gin.Context) {
		s.sharing.Stop()
		info, _ := s.sharing.Session()
		c.JSON(http.StatusOK, gin.H{"session": info})
	})
}

type registerBody struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var body registerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.respond(c, s.registry.Register(s.base, body.Name))
}

type logoutBody struct {
	ClearLocal bool `json:"clear_local"`
}

func (s *Server) handleLogout(c *gin.Context) {
	var body logoutBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	s.respond(c, s.registry.Logout(s.base, body.ClearLocal))
}

func (s *Server) startSharing(c *gin.Context, start func() error) {
	if err := start(); err != nil {
		s.fail(c, err)
		return
	}
	info, _ := s.sharing.Session()
	c.JSON(http.StatusAccepted, gin.H{"session": info})
}

// respond waits for the operation; the operation itself keeps running if
// the client goes away.
func (s *Server) respond(c *gin.Context, results <-chan device.Result) {
	select {
	case res := <-results:
		if res.Err != nil {
			c.JSON(statusFor(res.Err), gin.H{
				"completed": false,
				"outcome":   res.Outcome,
				"error":     res.Err.Error(),
				"device":    s.registry.Snapshot(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"completed": res.Completed,
			"outcome":   res.Outcome,
			"device":    s.registry.Snapshot(),
		})
	case <-c.Request.Context().Done():
		c.Status(http.StatusRequestTimeout)
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrPreconditionViolation):
		return http.StatusConflict
	case errors.Is(err, device.ErrNetworkFailure), errors.Is(err, sharing.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type eventView struct {
	Name      events.Name `json:"name"`
	Timestamp time.Time   `json:"timestamp"`
	DeviceID  string      `json:"device_id,omitempty"`
	Status    string      `json:"status,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func eventViews(rec *events.Recorder) []eventView {
	if rec == nil {
		return []eventView{}
	}
	history := rec.Events()
	out := make([]eventView, 0, len(history))
	for _, e := range history {
		v := eventView{Name: e.Name, Timestamp: e.Timestamp, DeviceID: e.DeviceID, Status: e.Status}
		if e.Err != nil {
			v.Error = e.Err.Error()
		}
		out = append(out, v)
	}
	return out
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
