// Package api provides the HTTP API hosts push events to and admins manage
// issues, ignore rules, domains and notifications through.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazeguard/internal/api/auth"
	"github.com/good-yellow-bee/blazeguard/internal/api/health"
	"github.com/good-yellow-bee/blazeguard/internal/api/middleware"
	"github.com/good-yellow-bee/blazeguard/internal/audit"
	"github.com/good-yellow-bee/blazeguard/internal/events"
	"github.com/good-yellow-bee/blazeguard/internal/lifecycle"
	"github.com/good-yellow-bee/blazeguard/internal/logging"
	"github.com/good-yellow-bee/blazeguard/internal/notification"
	"github.com/good-yellow-bee/blazeguard/internal/pipeline"
	"github.com/good-yellow-bee/blazeguard/internal/reputation"
	"github.com/good-yellow-bee/blazeguard/internal/security"
	"github.com/good-yellow-bee/blazeguard/internal/suppression"
)

// Config contains HTTP API server configuration.
type Config struct {
	Address          string
	JWTSecret        []byte
	TokenTTL         time.Duration
	TrustProxy       bool // honour X-Forwarded-For / X-Real-IP
	EventsPerMinute  int  // per host subject
	LockoutThreshold int
	LockoutDuration  time.Duration
	MaxBodyBytes     int64
	RequestTimeout   time.Duration
	TLS              security.TLSConfig
	Version          string
	Verbose          bool
}

// SetDefaults applies default values for missing configuration.
func (c *Config) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.EventsPerMinute == 0 {
		c.EventsPerMinute = 600
	}
	if c.LockoutThreshold == 0 {
		c.LockoutThreshold = 10
	}
	if c.LockoutDuration == 0 {
		c.LockoutDuration = 15 * time.Minute
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// EventPublisher accepts host events. *events.Bus implements it.
type EventPublisher interface {
	Publish(ctx context.Context, ev events.Event) int
}

// Scanner runs an on-demand scan. *pipeline.Dispatcher implements it.
type Scanner interface {
	RunScan(ctx context.Context) (*pipeline.ScanReport, error)
}

// Deps are the services the handlers call.
type Deps struct {
	Lifecycle *lifecycle.Service
	Rules     *suppression.Engine
	Domains   *reputation.Workflow
	Queue     *notification.Queue
	Audit     *audit.Log
	Events    EventPublisher
	Scanner   Scanner // optional
}

// Server is the HTTP API server.
type Server struct {
	config  *Config
	deps    Deps
	jwt     *auth.JWTService
	lockout *auth.LockoutTracker
	limiter *middleware.RateLimiter
	health  *health.Handler
	logger  *zap.Logger
	server  *http.Server
}

// New creates a new API server.
func New(cfg *Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Lifecycle == nil || deps.Rules == nil || deps.Domains == nil || deps.Queue == nil || deps.Audit == nil || deps.Events == nil {
		return nil, fmt.Errorf("api: lifecycle, rules, domains, queue, audit and events are required")
	}
	cfg.SetDefaults()

	jwtService, err := auth.NewJWTService(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:  cfg,
		deps:    deps,
		jwt:     jwtService,
		lockout: auth.NewLockoutTracker(cfg.LockoutThreshold, cfg.LockoutDuration),
		limiter: middleware.NewRateLimiter(cfg.EventsPerMinute),
		health:  health.NewHandler(cfg.Version),
		logger:  logging.OrNop(logger).Named("api"),
	}

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.setupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(s.logger),
	}
	if cfg.TLS.Enabled {
		tlsConfig, err := security.LoadServerTLS(cfg.TLS)
		if err != nil {
			return nil, err
		}
		s.server.TLSConfig = tlsConfig
	}

	return s, nil
}

// Handler returns the router. Used by tests and embedding servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// JWT returns the token service.
func (s *Server) JWT() *auth.JWTService {
	return s.jwt
}

// Run starts the HTTP server and blocks until context is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP API listening",
			zap.String("address", ln.Addr().String()),
			zap.Bool("tls", s.config.TLS.Enabled))
		var err error
		if s.config.TLS.Enabled {
			err = s.server.ServeTLS(ln, "", "")
		} else {
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	janitor := time.NewTicker(5 * time.Minute)
	defer janitor.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down HTTP API server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return s.server.Shutdown(shutdownCtx)
		case err, ok := <-errChan:
			if !ok {
				return nil
			}
			return err
		case <-janitor.C:
			s.lockout.Cleanup()
			s.limiter.Cleanup()
		}
	}
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// RegisterHealthChecker adds a readiness checker.
func (s *Server) RegisterHealthChecker(c health.Checker) {
	s.health.RegisterChecker(c)
}

// fail writes err as an API error. Unknown errors are logged and hidden
// behind a 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		JSONError(w, apiErr)
		return
	}
	if mapped := fromServiceError(err); mapped != nil {
		JSONError(w, mapped)
		return
	}
	s.logger.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	JSONError(w, ErrInternalServer)
}

// record appends an audit entry for the caller. A failed append is logged
// and does not fail the request.
func (s *Server) record(r *http.Request, eventType string, data map[string]any) {
	user := middleware.GetSubject(r.Context())
	if err := s.deps.Audit.Record(r.Context(), eventType, user, middleware.ClientIP(r), data); err != nil {
		s.logger.Warn("audit append failed", zap.String("event_type", eventType), zap.Error(err))
	}
}
