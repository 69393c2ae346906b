// Package server exposes livenessd over HTTP: session lifecycle, probe
// submission, binary frame ingest over WebSocket with score push, score
// and evaluation queries, plus metrics and health probes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"livenessd/internal/config"
	"livenessd/internal/health"
	"livenessd/internal/metrics"
	"livenessd/internal/pipeline"
	"livenessd/internal/security"
)

// limiterIdle is how long a client's rate-limit bucket survives without
// requests.
const limiterIdle = 10 * time.Minute

// Options are the collaborators of a Server.
type Options struct {
	Config      config.ServerConfig
	MetricsPath string
	Manager     *pipeline.Manager
	Health      *health.Checker
	Metrics     *metrics.LivenessMetrics
	Logger      *slog.Logger
}

// Server is the livenessd HTTP API.
type Server struct {
	cfg      config.ServerConfig
	manager  *pipeline.Manager
	health   *health.Checker
	metrics  *metrics.LivenessMetrics
	log      *slog.Logger
	validate *validator.Validate
	conns    *security.ConnectionLimiter
	clients  *security.ClientLimiter
	engine   *gin.Engine

	// ctx is the base of every request and is cancelled on Shutdown so
	// hijacked streams end too.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[string]struct{}
	http    *http.Server
}

// New builds the server and its routes.
func New(opts Options) (*Server, error) {
	if opts.Manager == nil {
		return nil, errors.New("server: manager is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Health == nil {
		opts.Health = health.NewChecker()
	}

	v, err := newValidator()
	if err != nil {
		return nil, err
	}

	burst := int(opts.Config.RequestsPerMinute / 10)
	if burst < 10 {
		burst = 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      opts.Config,
		manager:  opts.Manager,
		health:   opts.Health,
		metrics:  opts.Metrics,
		log:      opts.Logger.With("component", "server"),
		validate: v,
		conns:    security.NewConnectionLimiter(opts.Config.MaxStreams, opts.Config.MaxStreamsPerIP),
		clients:  security.NewClientLimiter(float64(opts.Config.RequestsPerMinute), burst, limiterIdle),
		ctx:      ctx,
		cancel:   cancel,
		streams:  make(map[string]struct{}),
	}
	s.engine = s.routes(opts.MetricsPath)
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: time.Duration(s.cfg.ReadTimeoutSec) * time.Second,
		// No WriteTimeout: its deadline would survive the WebSocket
		// hijack. Stream writes use writeTimeout instead.
		IdleTimeout: 2 * time.Minute,
		BaseContext: func(net.Listener) context.Context { return s.ctx },
	}

	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.log.Info("listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests, ends open streams and waits for
// in-flight requests until ctx expires. Sessions are left to the manager.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Housekeep drops idle rate-limit buckets.
func (s *Server) Housekeep() {
	if n := s.clients.Sweep(); n > 0 {
		s.log.Debug("rate limiter swept", "clients", n)
	}
}

func (s *Server) writeTimeout() time.Duration {
	if s.cfg.WriteTimeoutSec < 1 {
		return 5 * time.Second
	}
	return time.Duration(s.cfg.WriteTimeoutSec) * time.Second
}

// Streams returns the number of open frame streams.
func (s *Server) Streams() int { return s.conns.Current() }

func (s *Server) attach(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.streams[id]; busy {
		return false
	}
	s.streams[id] = struct{}{}
	return true
}

func (s *Server) detach(id string) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}
