// Package profiling exposes pprof on a dedicated listener and runtime
// statistics as a relay route.
//
// pprof output includes goroutine stacks and heap contents. Bind the
// profiling listener to a loopback or otherwise private address.
package profiling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Config holds profiling configuration
type Config struct {
	// Addr is the listen address of the profiling server
	Addr string
	// Path is the URL prefix of the pprof endpoints
	Path string
	// BlockRate sets the block profiling rate (0 = disabled)
	BlockRate int
	// MutexFraction sets the mutex profiling fraction (0 = disabled)
	MutexFraction int
	Logger        *zap.Logger
}

// DefaultConfig returns default profiling configuration
func DefaultConfig() Config {
	return Config{
		Addr:          "localhost:6060",
		Path:          "/debug/pprof",
		BlockRate:     0,
		MutexFraction: 0,
	}
}

// Handler returns a router serving the pprof endpoints under config.Path
func Handler(config Config) http.Handler {
	if config.BlockRate > 0 {
		runtime.SetBlockProfileRate(config.BlockRate)
	}
	if config.MutexFraction > 0 {
		runtime.SetMutexProfileFraction(config.MutexFraction)
	}

	router := chi.NewRouter()
	router.Route(config.Path, func(r chi.Router) {
		r.HandleFunc("/", pprof.Index)
		r.HandleFunc("/cmdline", pprof.Cmdline)
		r.HandleFunc("/profile", pprof.Profile)
		r.HandleFunc("/symbol", pprof.Symbol)
		r.HandleFunc("/trace", pprof.Trace)
		for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
			r.Handle("/"+name, pprof.Handler(name))
		}
	})
	return router
}

// Server is a dedicated pprof listener
type Server struct {
	config   Config
	http     *http.Server
	listener net.Listener
	log      *zap.Logger
}

// NewServer binds the profiling listener. Serving starts with Serve.
func NewServer(config Config) (*Server, error) {
	if config.Addr == "" {
		return nil, errors.New("profiling address is required")
	}
	if config.Path == "" {
		config.Path = DefaultConfig().Path
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	listener, err := net.Listen("tcp", config.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", config.Addr, err)
	}

	return &Server{
		config:   config,
		listener: listener,
		log:      logger,
		http: &http.Server{
			Handler:           Handler(config),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Addr returns the bound address
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until Shutdown is called
func (s *Server) Serve() error {
	s.log.Info("profiling server listening",
		zap.String("address", s.Addr()),
		zap.String("path", s.config.Path),
	)
	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener, including one that never served
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	_ = s.listener.Close()
	return err
}

// RuntimeStats returns current runtime statistics
func RuntimeStats() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]interface{}{
			"alloc":       m.Alloc,
			"total_alloc": m.TotalAlloc,
			"sys":         m.Sys,
			"num_gc":      m.NumGC,
		},
		"cpu": map[string]interface{}{
			"num_cpu":      runtime.NumCPU(),
			"num_cgo_call": runtime.NumCgoCall(),
		},
	}
}
