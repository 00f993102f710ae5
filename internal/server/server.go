package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/faucetdb/spigot/internal/authz"
	"github.com/faucetdb/spigot/internal/config"
	"github.com/faucetdb/spigot/internal/handler"
	"github.com/faucetdb/spigot/internal/ratelimit"
	"github.com/faucetdb/spigot/internal/server/middleware"
	"github.com/faucetdb/spigot/internal/service"
	"github.com/faucetdb/spigot/internal/ui"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	EnableUI        bool
	Version         string

	RateLimitEnabled bool
	AuthPolicy       ratelimit.Policy
	GeneralPolicy    ratelimit.Policy
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:             "0.0.0.0",
		Port:             8080,
		ShutdownTimeout:  30 * time.Second,
		CORSOrigins:      []string{"*"},
		EnableUI:         true,
		Version:          "dev",
		RateLimitEnabled: true,
		AuthPolicy:       ratelimit.AuthPolicy,
		GeneralPolicy:    ratelimit.GeneralPolicy,
	}
}

// Deps are the components the routes are served by.
type Deps struct {
	Store    *config.Store
	Auth     *service.Authenticator
	Admins   *service.AdminService
	Sessions *service.SessionRegistry
	Lockout  *service.LockoutGuard
	CSRF     *service.CSRFManager
	Limiter  *ratelimit.Limiter
	Enforcer *authz.Enforcer
}

// Server is the top-level HTTP server for spigot. It owns the Chi router and
// the components behind it.
type Server struct {
	cfg    Config
	deps   Deps
	router chi.Router
	logger *slog.Logger
}

// New creates a new Server and wires up all routes and middleware. Run it
// under a supervisor with Serve, or use it directly as an http.Handler.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", middleware.CSRFHeader, "X-Requested-With", "X-Request-ID"},
		ExposedHeaders: []string{
			"X-Request-ID", middleware.CSRFHeader,
			"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Window", "Retry-After",
		},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))

	// --- Operational endpoints (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.json", handler.NewOpenAPIHandler(s.cfg.Version, s.logger).ServeSpec)

	gate := middleware.NewGatekeeper(s.deps.Auth, s.deps.CSRF, s.logger)
	csrf := middleware.CSRF(s.deps.CSRF, s.logger)
	authH := handler.NewAuthHandler(s.deps.Auth, s.deps.CSRF, s.logger)
	sysH := handler.NewSystemHandler(s.deps.Auth, s.deps.Admins, s.deps.Sessions, s.deps.Lockout, s.deps.Enforcer, s.logger)
	require := func(obj, act string) func(http.Handler) http.Handler {
		return middleware.Require(s.deps.Enforcer, obj, act, s.logger)
	}

	// --- Credential endpoints: strict rate policy, no CSRF ---
	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit(s.cfg.AuthPolicy))
		r.Post("/auth/login", authH.Login)
		r.Post("/auth/refresh", authH.Refresh)
		r.With(gate.OptionalAuthenticate).Post("/auth/register", authH.Register)
	})

	// --- Protected endpoints ---
	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit(s.cfg.GeneralPolicy))
		r.Use(gate.Authenticate)
		r.Use(csrf)

		r.Post("/auth/logout", authH.Logout)
		r.Get("/auth/csrf", authH.CSRFToken)

		r.Route("/api/v1/system", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(require(authz.ObjProfile, authz.ActRead))
				r.Get("/me", sysH.Me)
			})
			r.Group(func(r chi.Router) {
				r.Use(require(authz.ObjProfile, authz.ActWrite))
				r.Put("/me", sysH.UpdateMe)
				r.Put("/me/password", sysH.ChangePassword)
			})

			r.With(require(authz.ObjOwnSessions, authz.ActRead)).Get("/session", sysH.ListSessions)
			r.Group(func(r chi.Router) {
				r.Use(require(authz.ObjOwnSessions, authz.ActWrite))
				r.Delete("/session", sysH.RevokeSessions)
				r.Delete("/session/{sessionId}", sysH.RevokeSession)
			})

			r.Group(func(r chi.Router) {
				r.Use(require(authz.ObjAdmins, authz.ActRead))
				r.Get("/admin", sysH.ListAdmins)
				r.Get("/admin/{adminId}", sysH.GetAdmin)
			})
			r.Group(func(r chi.Router) {
				r.Use(require(authz.ObjAdmins, authz.ActWrite))
				r.Put("/admin/{adminId}", sysH.UpdateAdmin)
				r.Delete("/admin/{adminId}", sysH.DeleteAdmin)
			})

			r.With(require(authz.ObjLockouts, authz.ActRead)).Get("/lockout", sysH.ListLockouts)
			r.With(require(authz.ObjLockouts, authz.ActWrite)).Delete("/lockout/{kind}/{value}", sysH.ClearLockout)
		})
	})

	// --- Embedded admin UI ---
	if s.cfg.EnableUI {
		s.mountUI(r)
	}

	s.router = r
}

func (s *Server) rateLimit(p ratelimit.Policy) func(http.Handler) http.Handler {
	if !s.cfg.RateLimitEnabled || s.deps.Limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.RateLimit(s.deps.Limiter, p, s.logger)
}

// mountUI serves the embedded SPA. The dist/ directory is produced by the UI
// build and embedded via go:embed in internal/ui.
func (s *Server) mountUI(r chi.Router) {
	distFS, err := fs.Sub(ui.Dist, "dist")
	if err != nil {
		s.logger.Error("failed to create sub filesystem for UI", "error", err)
		return
	}
	fileServer := http.FileServer(http.FS(distFS))
	r.Handle("/assets/*", fileServer)

	// SPA fallback: serve index.html for all UI routes
	spaHandler := func(w http.ResponseWriter, r *http.Request) {
		f, err := distFS.Open("index.html")
		if err != nil {
			http.Error(w, "UI not available", http.StatusNotFound)
			return
		}
		defer f.Close()
		stat, _ := f.Stat()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		http.ServeContent(w, r, "index.html", stat.ModTime(), f.(io.ReadSeeker))
	}
	r.Get("/admin", spaHandler)
	r.Get("/admin/*", spaHandler)
	r.Get("/", spaHandler)
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the store answers a
// ping, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := map[string]string{"store": "ok"}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "check", "store", "error", err)
		checks["store"] = "unreachable"
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Serve listens until ctx is cancelled, then drains in-flight requests within
// the shutdown timeout. It implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("server listen: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	<-errCh
	s.logger.Info("server stopped")
	return ctx.Err()
}

// String names the service in supervisor logs.
func (s *Server) String() string { return "http-server" }

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
