// Package metrics runs the admin HTTP side-channel (SPEC_FULL.md §6.4): a
// small echo server, separate from the chat TCP listener, exposing
// /healthz, /metrics (Prometheus), and a read-only /api/users snapshot. It
// carries no control-plane operations — kick/ban/rename stay on the admin
// console's stdin (internal/admin) so no unspecified network surface is
// added for administrative actions.
//
// Grounded on the teacher's api.go: an *echo.Echo wrapped in a small struct,
// registered routes, RequestLoggerWithConfig + Recover middleware, and a
// JSON error handler.
package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatterd/internal/registry"
)

// RoomStats is the narrow view of server.Room that metrics needs, kept
// minimal so this package doesn't import internal/server (avoiding an
// import cycle: server already imports metrics to report into it).
type RoomStats interface {
	ClientCount() int
}

// Gauges/counters scraped via /metrics. Registered once at package init,
// the way promauto.NewGauge is normally used for process-lifetime metrics.
var (
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatterd_connected_clients",
		Help: "Number of currently connected chat clients.",
	})
	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatterd_broadcast_dropped_total",
		Help: "Broadcast messages dropped because a subscriber's backlog was full.",
	})
	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatterd_rate_limit_rejections_total",
		Help: "Messages rejected by the per-connection rate limiter.",
	})
	KicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatterd_kicks_total",
		Help: "Users kicked by an administrator.",
	})
	BansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatterd_bans_total",
		Help: "IP addresses banned by an administrator.",
	})
)

// Server wraps an echo.Echo serving the admin HTTP side-channel.
type Server struct {
	reg   *registry.Registry
	stats RoomStats
	echo  *echo.Echo
}

// healthResponse is the /healthz payload.
type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

// userEntry is one row of the /api/users snapshot.
type userEntry struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// NewServer constructs a metrics Server over reg (for the /api/users
// snapshot) and stats (for the connected-client count).
func NewServer(reg *registry.Registry, stats RoomStats) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[metrics] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{reg: reg, stats: stats, echo: e}
	e.GET("/healthz", s.handleHealthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/api/users", s.handleUsers)
	return s
}

func (s *Server) handleHealthz(c echo.Context) error {
	ConnectedClients.Set(float64(s.stats.ClientCount()))
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Clients: s.stats.ClientCount()})
}

func (s *Server) handleUsers(c echo.Context) error {
	snapshot := s.reg.List()
	out := make([]userEntry, 0, len(snapshot))
	for name, e := range snapshot {
		out = append(out, userEntry{Name: name, Status: e.Status})
	}
	return c.JSON(http.StatusOK, out)
}

// Run starts the echo server on addr and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[metrics] shutdown: %v", err)
	}
}

// jsonErrorHandler matches the teacher's consistent {"error": "..."} body
// for every error response, instead of echo's default mixed text/JSON.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		if c.Request().Method == http.MethodHead {
			c.NoContent(code) //nolint:errcheck
		} else {
			c.JSON(code, map[string]string{"error": msg}) //nolint:errcheck
		}
	}
}
