// Package server exposes the HTTP control plane: config and template
// editing, run submission, SSE event streaming, and the image gallery.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/danshapiro/adgen/internal/events"
)

// Config holds server configuration.
type Config struct {
	Addr         string // listen address, e.g. ":8080"
	ConfigPath   string // run config YAML edited via the API
	TemplatePath string // prompt template YAML edited via the API
	OutDir       string // root directory runs write into
}

// Server manages at most one active generation run at a time.
type Server struct {
	config  Config
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	logger  *log.Logger

	mu     sync.Mutex
	runs   map[string]*runState
	active *runState
}

// runState tracks a submitted run for the lifetime of the server.
type runState struct {
	ID        string
	OutDir    string
	Bus       *events.Bus
	Cancel    context.CancelFunc
	StartedAt time.Time

	mu   sync.Mutex
	done bool
	err  error
}

func (rs *runState) finish(err error) {
	rs.mu.Lock()
	rs.done = true
	rs.err = err
	rs.mu.Unlock()
}

func (rs *runState) running() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return !rs.done
}

func (rs *runState) status() (string, string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.done {
		return "running", ""
	}
	if rs.err != nil {
		return "failed", rs.err.Error()
	}
	return "finished", ""
}

// New creates a Server with the given config.
func New(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		baseCtx: ctx,
		cancel:  cancel,
		logger:  log.New(os.Stderr, "[adgen-server] ", log.LstdFlags),
		runs:    make(map[string]*runState),
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("PUT /api/config", s.handlePutConfig)
	mux.HandleFunc("GET /api/template", s.handleGetTemplate)
	mux.HandleFunc("PUT /api/template", s.handlePutTemplate)
	mux.HandleFunc("POST /api/run", s.handleStartRun)
	mux.HandleFunc("GET /api/run/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/run/{id}/events", s.handleRunEvents)
	mux.HandleFunc("POST /api/run/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /api/images", s.handleListImages)
	mux.HandleFunc("GET /api/images/{name}", s.handleGetImage)
	mux.HandleFunc("GET /api/costs", s.handleCosts)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

// Handler exposes the routed handler, mostly for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.logger.Printf("received %s, shutting down...", sig)
		s.Shutdown()
	}()

	s.logger.Printf("listening on %s", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown cancels any active run and drains HTTP connections.
func (s *Server) Shutdown() {
	s.mu.Lock()
	for _, rs := range s.runs {
		rs.Cancel()
	}
	s.mu.Unlock()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	s.cancel()
}

// csrfProtect rejects state-changing cross-origin browser requests. CLI and
// same-host callers either omit Origin or use a localhost origin.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}
