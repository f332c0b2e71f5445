package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/relay/internal/web/app"
)

// Server serves an application over HTTP
type Server struct {
	httpServer *http.Server
	config     *Config
	log        *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// Config holds server configuration
type Config struct {
	// Address is the listen address (e.g., ":8080")
	Address string

	// TLS configuration
	TLSConfig *TLSConfig

	// Timeouts
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ReadHeaderTimeout time.Duration

	MaxHeaderBytes int

	// HTTP/2 settings
	EnableHTTP2 bool

	// Compression enables gzip response encoding when set
	Compression *CompressionConfig

	Logger *zap.Logger
}

// TLSConfig holds TLS configuration
type TLSConfig struct {
	CertFile string
	KeyFile  string

	// MinVersion is the minimum TLS version (default: TLS 1.2)
	MinVersion uint16

	// Config overrides the generated tls.Config
	Config *tls.Config
}

// DefaultConfig returns the default server configuration
func DefaultConfig() *Config {
	return &Config{
		Address:           ":8080",
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
		EnableHTTP2:       true,
	}
}

// New readies the application and wraps it in an HTTP server. Startup
// errors from the application are returned here.
func New(a *app.App, config *Config) (*Server, error) {
	if a == nil {
		return nil, fmt.Errorf("application cannot be nil")
	}
	if config == nil {
		return nil, fmt.Errorf("server config cannot be nil")
	}
	if err := a.Ready(); err != nil {
		return nil, fmt.Errorf("application failed to start: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = a.Logger()
	}

	var handlerOpts []HandlerOption
	if config.Compression != nil {
		handlerOpts = append(handlerOpts, WithCompression(*config.Compression))
	}

	httpServer := &http.Server{
		Addr:              config.Address,
		Handler:           Handler(a, handlerOpts...),
		ReadTimeout:       config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		MaxHeaderBytes:    config.MaxHeaderBytes,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}

	if config.TLSConfig != nil {
		tlsConfig, err := buildTLSConfig(config.TLSConfig, config.EnableHTTP2)
		if err != nil {
			return nil, err
		}
		httpServer.TLSConfig = tlsConfig
	}

	return &Server{
		httpServer: httpServer,
		config:     config,
		log:        logger,
	}, nil
}

// Listen opens the listener without serving, so Addr reports the bound
// address before Serve is called
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.httpServer.TLSConfig)
	}
	s.listener = listener
	return nil
}

// Start listens and serves until the server is shut down. It returns nil
// after a graceful shutdown.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	s.log.Info("server listening",
		zap.String("address", listener.Addr().String()),
		zap.Bool("tls", s.config.TLSConfig != nil),
	)

	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Close immediately closes the server
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// Addr returns the bound address once listening, else the configured one
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// buildTLSConfig builds a TLS configuration with optional HTTP/2
func buildTLSConfig(tlsConfig *TLSConfig, enableHTTP2 bool) (*tls.Config, error) {
	if tlsConfig.Config != nil {
		config := tlsConfig.Config.Clone()
		if enableHTTP2 {
			config.NextProtos = []string{"h2", "http/1.1"}
		}
		return config, nil
	}

	config := &tls.Config{
		MinVersion: tlsConfig.MinVersion,
	}
	if config.MinVersion == 0 {
		config.MinVersion = tls.VersionTLS12
	}
	if enableHTTP2 {
		config.NextProtos = []string{"h2", "http/1.1"}
	}

	if tlsConfig.CertFile != "" || tlsConfig.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.CertFile, tlsConfig.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}
	return config, nil
}
