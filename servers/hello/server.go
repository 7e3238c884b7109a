package hello

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	mcp "github.com/MegaGrindStone/hello-mcp"
	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the hello MCP server with its HTTP routes, access log and metrics.
type Server struct {
	cfg    Config
	mcp    *mcp.Server
	router chi.Router
	logger *slog.Logger
}

// Info identifies the server in initialize responses.
var Info = mcp.Info{
	Name:    "hello-mcp",
	Version: "1.0.0",
}

// New wires the hello server. Metrics are registered on registry and served on cfg.MetricsPath,
// a nil registry uses a fresh one.
func New(cfg Config, logger *slog.Logger, registry *prometheus.Registry) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m, err := newMetrics(registry)
	if err != nil {
		return nil, err
	}

	tools, err := NewDispatcher(
		mcp.WithDispatcherLogger(logger),
		mcp.WithToolCallObserver(m.observeToolCall),
	)
	if err != nil {
		return nil, err
	}

	options := []mcp.ServerOption{
		mcp.WithServerLogger(logger),
		mcp.WithMessageURL(cfg.MessageURL()),
		mcp.WithServerIdleTimeout(cfg.IdleTimeout),
		mcp.WithKeepAliveInterval(cfg.KeepAliveInterval),
		mcp.WithSendTimeout(cfg.SendTimeout),
		mcp.WithServerOnClientConnected(m.sessionOpened),
		mcp.WithServerOnClientDisconnected(m.sessionClosed),
	}
	if cfg.MaxMessageSize > 0 {
		options = append(options, mcp.WithMaxMessageSize(cfg.MaxMessageSize))
	}
	mcpSrv := mcp.NewServer(Info, tools, options...)

	s := &Server{
		cfg:    cfg,
		mcp:    mcpSrv,
		router: chi.NewRouter(),
		logger: logger.With(slog.String("package", "hello"), slog.String("component", "http")),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(s.accessLog)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
	}))

	s.router.Method(http.MethodGet, cfg.SSEPath, mcpSrv.HandleSSE())
	s.router.Method(http.MethodPost, cfg.MessagePath, mcpSrv.HandleMessage())
	s.router.Method(http.MethodGet, cfg.HealthPath, mcpSrv.HandleHealth())
	if cfg.MetricsPath != "" {
		s.router.Method(http.MethodGet, cfg.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	return s, nil
}

// Handler returns the HTTP handler serving every route of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// MCP returns the underlying MCP server.
func (s *Server) MCP() *mcp.Server {
	return s.mcp
}

// Shutdown closes every session and waits for their streams to end.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.mcp.Shutdown(ctx)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)

		level := slog.LevelInfo
		switch {
		case m.Code >= http.StatusInternalServerError:
			level = slog.LevelError
		case m.Code >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		s.logger.LogAttrs(r.Context(), level, "request",
			slog.String("requestID", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", m.Code),
			slog.Int64("bytes", m.Written),
			slog.Duration("duration", m.Duration),
		)
	})
}
