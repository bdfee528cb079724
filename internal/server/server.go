// Package server exposes the live run state over HTTP.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/sirupsen/logrus"

	"github.com/zsiec/stgen/internal/config"
	"github.com/zsiec/stgen/internal/errors"
	"github.com/zsiec/stgen/internal/health"
	"github.com/zsiec/stgen/internal/logger"
	"github.com/zsiec/stgen/internal/receiver"
	"github.com/zsiec/stgen/internal/results"
	"github.com/zsiec/stgen/internal/stats"
)

const healthCheckInterval = 30 * time.Second

// SummarySource provides the current run summary.
type SummarySource interface {
	Summary() stats.Summary
}

// SessionSource provides receiver sessions.
type SessionSource interface {
	Sessions() []receiver.SessionInfo
	Session(id string) (receiver.SessionInfo, bool)
}

// Options selects what the server exposes. Nil sources answer 404.
type Options struct {
	Summary     SummarySource
	Sessions    SessionSource
	Results     results.Store
	QoS         config.QoSConfig
	MetricsPath string
	Checkers    []health.Checker
}

// Server is the status API. HTTP/1.1 is always served; HTTP/3 is added when
// TLS material is configured.
type Server struct {
	config       *config.APIConfig
	opts         Options
	router       *mux.Router
	httpServer   *http.Server
	http3Server  *http3.Server
	logger       *logrus.Logger
	log          logger.Logger
	healthMgr    *health.Manager
	errorHandler *errors.ErrorHandler

	mu       sync.Mutex
	listener net.Listener
}

// New creates a server with its routes registered.
func New(cfg *config.APIConfig, log *logrus.Logger, opts Options) *Server {
	adapter := logger.NewLogrusAdapter(log.WithField("component", "api"))

	s := &Server{
		config:       cfg,
		opts:         opts,
		router:       mux.NewRouter(),
		logger:       log,
		log:          adapter,
		healthMgr:    health.NewManager(adapter),
		errorHandler: errors.NewErrorHandler(adapter),
	}

	for _, c := range opts.Checkers {
		s.healthMgr.Register(c)
	}

	s.setupRoutes()
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.ListenAddr, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.mu.Unlock()

	errCh := make(chan error, 2)

	if s.config.HTTP3Enabled() {
		if err := s.startHTTP3(errCh); err != nil {
			ln.Close()
			return err
		}
	}

	go s.healthMgr.StartPeriodicChecks(ctx, healthCheckInterval)

	s.log.WithField("addr", ln.Addr().String()).Info("Starting status API")
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		_ = s.Shutdown()
		return fmt.Errorf("status API failed: %w", err)
	case <-ctx.Done():
		return s.Shutdown()
	}
}

func (s *Server) startHTTP3(errCh chan<- error) error {
	cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS certificates: %w", err)
	}

	tlsConfig := http3.ConfigureTLSConfig(&tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	})

	quicConfig := &quic.Config{
		MaxIdleTimeout:  s.config.ReadTimeout + s.config.WriteTimeout,
		KeepAlivePeriod: s.config.ReadTimeout / 2,
	}

	addr := net.JoinHostPort(s.config.ListenAddr, strconv.Itoa(s.config.HTTP3Port))
	ln, err := quic.ListenAddrEarly(addr, tlsConfig, quicConfig)
	if err != nil {
		return fmt.Errorf("failed to listen on %s/udp: %w", addr, err)
	}

	s.mu.Lock()
	s.http3Server = &http3.Server{Handler: s.router}
	srv := s.http3Server
	s.mu.Unlock()

	s.log.WithField("addr", ln.Addr().String()).Info("Starting status API over HTTP/3")
	go func() {
		if err := srv.ServeListener(ln); err != nil && err != http.ErrServerClosed && err != quic.ErrServerClosed {
			errCh <- err
		}
	}()
	return nil
}

// Shutdown stops both listeners.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	httpServer, http3Server := s.httpServer, s.http3Server
	s.mu.Unlock()

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var firstErr error
	if http3Server != nil {
		if err := http3Server.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close HTTP/3 server: %w", err)
		}
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.log.Info("Status API shutdown complete")
	return firstErr
}

// Addr returns the bound TCP address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HealthManager exposes the checker manager.
func (s *Server) HealthManager() *health.Manager {
	return s.healthMgr
}

// GetRouter returns the router for testing.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}
