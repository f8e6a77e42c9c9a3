package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rhuss/batchgate/pkg/transport"
)

// Server wraps an http.Server with the transport adapter and manages
// startup and graceful shutdown.
type Server struct {
	httpServer *http.Server
	adapter    *Adapter
	config     ServerConfig
	logger     *slog.Logger
}

// ServerConfig holds configuration for the transport server.
type ServerConfig struct {
	Addr              string
	MaxBodySize       int64
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Logger            *slog.Logger

	models  transport.ModelCatalog
	usage   transport.UsageReader
	mounts  []mount
	wrapper []func(http.Handler) http.Handler
}

type mount struct {
	pattern string
	handler http.Handler
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:              ":8080",
		MaxBodySize:       1 << 20, // 1 MB
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		Logger:            slog.Default(),
	}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) ServerOption {
	return func(s *Server) { s.config.Addr = addr }
}

// WithMaxBodySize sets the maximum request body size.
func WithMaxBodySize(n int64) ServerOption {
	return func(s *Server) { s.config.MaxBodySize = n }
}

// WithShutdownTimeout sets the graceful shutdown deadline.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.config.ShutdownTimeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.config.Logger = l; s.logger = l }
}

// WithModels enables GET /v1/models.
func WithModels(m transport.ModelCatalog) ServerOption {
	return func(s *Server) { s.config.models = m }
}

// WithUsage enables GET /v1/usage.
func WithUsage(u transport.UsageReader) ServerOption {
	return func(s *Server) { s.config.usage = u }
}

// WithHandler mounts an additional handler (health, metrics, MCP) next to
// the API routes. Mounted handlers bypass the API middleware chain but not
// the wrappers added with WithHTTPMiddleware.
func WithHandler(pattern string, h http.Handler) ServerOption {
	return func(s *Server) { s.config.mounts = append(s.config.mounts, mount{pattern, h}) }
}

// WithHTTPMiddleware wraps the whole handler tree. The first wrapper added
// is the outermost.
func WithHTTPMiddleware(mw func(http.Handler) http.Handler) ServerOption {
	return func(s *Server) { s.config.wrapper = append(s.config.wrapper, mw) }
}

// NewServer creates a server for creator. Default middleware (recovery,
// request ID, logging) is applied automatically.
func NewServer(creator transport.CompletionCreator, opts ...ServerOption) *Server {
	s := &Server{
		config: DefaultServerConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.adapter = NewAdapter(creator, Config{
		MaxBodySize: s.config.MaxBodySize,
		Models:      s.config.models,
		Usage:       s.config.usage,
	},
		transport.Recovery(),
		transport.RequestID(),
		transport.Logging(s.logger),
	)

	mux := http.NewServeMux()
	mux.Handle("/", s.adapter.Handler())
	for _, m := range s.config.mounts {
		mux.Handle(m.pattern, m.handler)
	}

	var handler http.Handler = mux
	for i := len(s.config.wrapper) - 1; i >= 0; i-- {
		handler = s.config.wrapper[i](handler)
	}

	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           handler,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}
	return s
}

// Handler returns the complete handler tree. Used for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run listens on the configured address and serves until ctx ends, then
// shuts down gracefully, waiting for waiting callers within the configured
// timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", slog.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	return s.shutdown()
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down gracefully",
		slog.Duration("timeout", s.config.ShutdownTimeout),
		slog.Int("waiting", s.adapter.InFlight()),
	)
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("shutdown error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

// Shutdown gracefully shuts down the server with the given context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
