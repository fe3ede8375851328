package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/headline-goat/splitgoat/internal/experiment"
)

type Server struct {
	svc        *experiment.Service
	port       int
	token      string
	tokenFile  string
	out        io.Writer
	logger     *slog.Logger
	router     *http.ServeMux
	httpServer *http.Server
	startTime  time.Time
}

// Options configures a Server. Zero values are replaced with defaults.
type Options struct {
	Port      int
	Token     string // generated when empty
	TokenFile string // written on start so the CLI can print the token
	Out       io.Writer // startup messages; defaults to stdout
	Logger    *slog.Logger
}

func New(svc *experiment.Service, opts Options) *Server {
	srv := &Server{
		svc:       svc,
		port:      opts.Port,
		token:     opts.Token,
		tokenFile: opts.TokenFile,
		out:       opts.Out,
		logger:    opts.Logger,
		router:    http.NewServeMux(),
		startTime: time.Now(),
	}
	if srv.token == "" {
		srv.token = generateToken()
	}
	if srv.out == nil {
		srv.out = os.Stdout
	}
	if srv.logger == nil {
		srv.logger = slog.New(slog.DiscardHandler)
	}

	srv.setupRoutes()
	srv.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.port),
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return srv
}

func (s *Server) setupRoutes() {
	// Public endpoints
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.Handle("GET /metrics", promhttp.Handler())
	s.router.Handle("GET /api/tests/{id}/assignment", cors(http.HandlerFunc(s.handleAssignment)))
	s.router.Handle("OPTIONS /api/tests/{id}/assignment", cors(nil))
	s.router.Handle("POST /api/tests/{id}/conversions", cors(http.HandlerFunc(s.handleConversion)))
	s.router.Handle("OPTIONS /api/tests/{id}/conversions", cors(nil))

	// Admin endpoints (protected)
	s.router.Handle("POST /api/tests", s.authMiddleware(http.HandlerFunc(s.handleCreateTest)))
	s.router.Handle("GET /api/tests", s.authMiddleware(http.HandlerFunc(s.handleListTests)))
	s.router.Handle("GET /api/tests/{id}", s.authMiddleware(http.HandlerFunc(s.handleGetTest)))
	s.router.Handle("PATCH /api/tests/{id}", s.authMiddleware(http.HandlerFunc(s.handleUpdateTest)))
	s.router.Handle("DELETE /api/tests/{id}", s.authMiddleware(http.HandlerFunc(s.handleDeleteTest)))
	s.router.Handle("POST /api/tests/{id}/start", s.authMiddleware(s.transitionHandler(s.svc.StartTest)))
	s.router.Handle("POST /api/tests/{id}/pause", s.authMiddleware(s.transitionHandler(s.svc.PauseTest)))
	s.router.Handle("POST /api/tests/{id}/end", s.authMiddleware(s.transitionHandler(s.svc.EndTest)))
	s.router.Handle("GET /api/tests/{id}/results", s.authMiddleware(http.HandlerFunc(s.handleResults)))
	s.router.Handle("GET /api/tests/{id}/conversions", s.authMiddleware(http.HandlerFunc(s.handleListConversions)))
}

// Start serves until Shutdown, printing the address and admin token first.
// A server stopped through Shutdown returns nil.
func (s *Server) Start() error {
	return s.start(true)
}

// StartQuiet starts the server without printing startup messages
func (s *Server) StartQuiet() error {
	return s.start(false)
}

func (s *Server) start(printMessages bool) error {
	// Write token to file for the token command
	if s.tokenFile != "" {
		if err := os.WriteFile(s.tokenFile, []byte(s.token), 0600); err != nil {
			s.logger.Warn("failed to write token file", "path", s.tokenFile, "error", err)
		}
	}

	if printMessages {
		fmt.Fprintln(s.out)
		fmt.Fprintf(s.out, "splitgoat running on http://localhost:%d\n", s.port)
		fmt.Fprintf(s.out, "Admin token: %s\n", s.token)
		fmt.Fprintln(s.out)
		fmt.Fprintln(s.out, "Press Ctrl+C to stop")
	}

	s.logger.Info("server listening", "port", s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if s.tokenFile != "" {
		os.Remove(s.tokenFile)
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) Handler() http.Handler {
	return s.loggingMiddleware(s.router)
}

func generateToken() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(bytes)
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
