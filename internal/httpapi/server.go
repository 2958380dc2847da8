// Package httpapi exposes the tenant-scoped REST surface: generic resource
// CRUD, subscription and topic management, the $status and $events
// operations, the websocket attach route and the health and metrics
// endpoints.
package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/carewire/carewire/internal/config"
	"github.com/carewire/carewire/internal/fhirdoc"
	"github.com/carewire/carewire/internal/platform/metrics"
	"github.com/carewire/carewire/internal/platform/middleware"
	"github.com/carewire/carewire/internal/tenant"
)

// Server owns the echo instance and resolves tenants per request.
type Server struct {
	echo    *echo.Echo
	tenants *tenant.Registry
	logger  zerolog.Logger
}

func New(cfg *config.Config, tenants *tenant.Registry, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitPerSecond,
		BurstSize:         cfg.RateLimitBurst,
	}))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(middleware.DefaultBodyLimit))

	s := &Server{echo: e, tenants: tenants, logger: logger.With().Str("component", "httpapi").Logger()}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying server for lifecycle management and tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	s.echo.GET("/metrics", metrics.Handler())

	t := s.echo.Group("/:tenant")

	subs := &subscriptionHandler{server: s}
	t.POST("/Subscription", subs.Create)
	t.GET("/Subscription", subs.List)
	t.GET("/Subscription/:id", subs.Get)
	t.PUT("/Subscription/:id", subs.Update)
	t.DELETE("/Subscription/:id", subs.Delete)
	t.GET("/Subscription/:id/$status", subs.Status)
	t.GET("/Subscription/:id/$events", subs.Events)

	topics := &topicHandler{server: s}
	t.POST("/SubscriptionTopic", topics.Create)
	t.GET("/SubscriptionTopic", topics.List)

	t.GET("/ws", s.handleWebsocket)

	res := &resourceHandler{server: s}
	t.POST("/:resourceType", res.Create)
	t.GET("/:resourceType", res.List)
	t.GET("/:resourceType/:id", res.Get)
	t.PUT("/:resourceType/:id", res.Update)
	t.DELETE("/:resourceType/:id", res.Delete)
}

func (s *Server) engine(c echo.Context) (*tenant.Engine, error) {
	eng, err := s.tenants.Get(c.Param("tenant"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return eng, nil
}

func (s *Server) handleWebsocket(c echo.Context) error {
	eng, err := s.engine(c)
	if err != nil {
		return err
	}
	return eng.WS.HandleConnect(c)
}

func outcomeJSON(c echo.Context, status int, oo *fhirdoc.OperationOutcome) error {
	return c.JSON(status, oo)
}
