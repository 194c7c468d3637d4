package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruleflow/ruleflow/internal/config"
	applog "github.com/ruleflow/ruleflow/internal/log"
	"github.com/ruleflow/ruleflow/internal/plugin"
	"github.com/ruleflow/ruleflow/internal/rule"
	"github.com/ruleflow/ruleflow/internal/statistics"
)

// Deps are the components the API reports on.
type Deps struct {
	Rules    *rule.Manager
	Plugins  *plugin.Manager
	Recorder *statistics.Recorder
	Logs     *applog.Broadcaster
	// Purge drops cached values, rule files and plugin rules. Optional.
	Purge func()
}

type APIServer struct {
	version string
	cfg     *config.Config
	addr    string
	deps    Deps

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

func New(addr string, version string, cfg *config.Config, deps Deps) *APIServer {
	return &APIServer{
		version: version,
		cfg:     cfg,
		addr:    addr,
		deps:    deps,
	}
}

// Handler builds the API router.
func (s *APIServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(slogMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/version", s.handleVersion)

	r.Group(func(r chi.Router) {
		if s.cfg.APIServerSecret != "" {
			r.Use(s.authMiddleware)
		}

		r.Get("/config", s.handleConfig)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleRules)
			r.Put("/", s.handleReloadRules)
			r.Get("/{directive}", s.handleDirectiveRules)
		})
		r.Route("/plugins", func(r chi.Router) {
			r.Get("/", s.handlePlugins)
			r.Get("/{name}", s.handlePlugin)
		})
		r.Route("/stats", func(r chi.Router) {
			r.Get("/", s.handleStats)
			r.Get("/rewrites", s.handleRewriteStats)
			r.Get("/connections", s.handleConnectionStats)
		})
		r.Post("/cache/purge", s.handlePurge)
		r.Get("/logs", s.handleLogs)

		r.Mount("/debug", middleware.Profiler())
	})

	return r
}

func (s *APIServer) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api-server listen failed: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Unlock()
	slog.Info("api-server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Serve blocks until Close. The log stream is long-lived, so there is no
// write timeout.
func (s *APIServer) Serve() error {
	s.mu.Lock()
	ln, srv := s.listener, s.httpServer
	s.mu.Unlock()
	if ln == nil {
		return errors.New("api-server not listening")
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *APIServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *APIServer) Close() error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Info("api-server shutting down")
	return srv.Shutdown(ctx)
}

func slogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("api-server request",
			slog.String("id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

// authMiddleware accepts the secret as a bearer token or, for browsers
// opening the log stream, as the secret query parameter.
func (s *APIServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			token = r.URL.Query().Get("secret")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIServerSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
