package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/faucetdb/spigot/internal/authz"
	"github.com/faucetdb/spigot/internal/cache"
	"github.com/faucetdb/spigot/internal/config"
	spigotmcp "github.com/faucetdb/spigot/internal/mcp"
	"github.com/faucetdb/spigot/internal/ratelimit"
	"github.com/faucetdb/spigot/internal/server"
	"github.com/faucetdb/spigot/internal/service"
)

// app holds every component built from one configuration.
type app struct {
	cfg      *config.YAMLConfig
	logger   *slog.Logger
	store    *config.Store
	kv       *cache.Store
	codec    *service.TokenCodec
	sessions *service.SessionRegistry
	lockout  *service.LockoutGuard
	auth     *service.Authenticator
	admins   *service.AdminService
	csrf     *service.CSRFManager
	limiter  *ratelimit.Limiter
	enforcer *authz.Enforcer
}

// newApp opens the store and cache and builds the services on top of them.
func newApp(cfg *config.YAMLConfig, logger *slog.Logger) (*app, error) {
	store, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: store}

	if a.kv, err = cache.Open(cfg.Cache.Dir); err != nil {
		a.Close()
		return nil, err
	}

	secret := []byte(cfg.Auth.JWTSecret)
	if len(secret) == 0 {
		if secret, err = service.GenerateSecret(); err != nil {
			a.Close()
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		logger.Warn("auth.jwt_secret is not set; using a random secret, tokens will not survive a restart")
	}

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithQueryTimeout(config.ParseDuration(cfg.Store.QueryTimeout, 5*time.Second)),
	}
	if cfg.Auth.BcryptCost > 0 {
		opts = append(opts, service.WithBcryptCost(cfg.Auth.BcryptCost))
	}

	a.codec, err = service.NewTokenCodec(service.TokenConfig{
		Secret:     secret,
		Issuer:     cfg.Auth.Issuer,
		AccessTTL:  config.ParseDuration(cfg.Auth.AccessTTL, 0),
		RefreshTTL: config.ParseDuration(cfg.Auth.RefreshTTL, 0),
		Leeway:     config.ParseDuration(cfg.Auth.ClockSkew, 0),
	}, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.sessions = service.NewSessionRegistry(store, opts...)
	a.lockout = service.NewLockoutGuard(store, a.lockoutPolicy(), opts...)
	a.admins = service.NewAdminService(store, a.sessions, opts...)
	a.csrf = service.NewCSRFManager(a.kv, config.ParseDuration(cfg.CSRF.TTL, service.DefaultCSRFTTL), opts...)
	if a.auth, err = service.NewAuthenticator(store, a.codec, a.sessions, a.lockout, opts...); err != nil {
		a.Close()
		return nil, err
	}

	a.limiter = ratelimit.New(a.kv,
		ratelimit.WithLogger(logger),
		ratelimit.WithSweepProbability(cfg.RateLimit.SweepProbability),
	)
	if a.enforcer, err = authz.NewEnforcer(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) lockoutPolicy() service.LockoutPolicy {
	p := service.DefaultLockoutPolicy
	if a.cfg.Lockout.Threshold > 0 {
		p.Threshold = a.cfg.Lockout.Threshold
	}
	p.Duration = config.ParseDuration(a.cfg.Lockout.Duration, p.Duration)
	return p
}

func (a *app) ratePolicies() (auth, general ratelimit.Policy) {
	auth, general = ratelimit.AuthPolicy, ratelimit.GeneralPolicy
	if l := a.cfg.RateLimit.Auth.Limit; l > 0 {
		auth.Limit = l
	}
	auth.Window = config.ParseDuration(a.cfg.RateLimit.Auth.Window, auth.Window)
	if l := a.cfg.RateLimit.General.Limit; l > 0 {
		general.Limit = l
	}
	general.Window = config.ParseDuration(a.cfg.RateLimit.General.Window, general.Window)
	return auth, general
}

// server builds the HTTP server.
func (a *app) server() *server.Server {
	authPolicy, generalPolicy := a.ratePolicies()
	cfg := server.Config{
		Host:             a.cfg.Server.Host,
		Port:             a.cfg.Server.Port,
		ShutdownTimeout:  config.ParseDuration(a.cfg.Server.ShutdownTimeout, server.DefaultConfig().ShutdownTimeout),
		CORSOrigins:      a.cfg.Server.CORS.Origins,
		EnableUI:         a.cfg.Server.EnableUI,
		Version:          versionString(),
		RateLimitEnabled: a.cfg.RateLimit.Enabled,
		AuthPolicy:       authPolicy,
		GeneralPolicy:    generalPolicy,
	}
	return server.New(cfg, server.Deps{
		Store:    a.store,
		Auth:     a.auth,
		Admins:   a.admins,
		Sessions: a.sessions,
		Lockout:  a.lockout,
		CSRF:     a.csrf,
		Limiter:  a.limiter,
		Enforcer: a.enforcer,
	}, a.logger)
}

// mcpServer builds the operator MCP server.
func (a *app) mcpServer() *spigotmcp.MCPServer {
	authPolicy, generalPolicy := a.ratePolicies()
	policy := spigotmcp.Policy{
		Lockout:          a.lockout.Policy(),
		AccessTTL:        a.codec.AccessTTL(),
		RefreshTTL:       config.ParseDuration(a.cfg.Auth.RefreshTTL, 7*24*time.Hour),
		CSRFTTL:          config.ParseDuration(a.cfg.CSRF.TTL, service.DefaultCSRFTTL),
		RateLimits:       []ratelimit.Policy{authPolicy, generalPolicy},
		RateLimitEnabled: a.cfg.RateLimit.Enabled,
	}
	return spigotmcp.NewMCPServer(spigotmcp.Deps{
		Admins:   a.admins,
		Sessions: a.sessions,
		Lockout:  a.lockout,
	}, policy, versionString(), a.logger)
}

// Close releases the cache and the store.
func (a *app) Close() error {
	var errs []error
	if a.kv != nil {
		errs = append(errs, a.kv.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
