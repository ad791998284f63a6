package main

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"rrlb/internal/admin"
	"rrlb/internal/config"
	"rrlb/internal/dispatch"
	"rrlb/internal/gateway"
	"rrlb/internal/health"
	"rrlb/internal/middleware"
	"rrlb/internal/registry"
	"rrlb/internal/stats"
)

// app holds the runtime objects built from one Config. The registry is the
// single shared state; every other component holds a handle to it.
type app struct {
	ctx context.Context

	reg     *registry.Registry
	disp    *dispatch.Dispatcher
	monitor *health.Monitor
	gw      *gateway.Gateway
	admin   *admin.Server

	// chain is the middleware-wrapped gateway. It is swapped on hot-reload
	// without restarting the server.
	chain atomic.Value // http.Handler
	// limiterCancel stops the janitor of the current rate limiter.
	limiterCancel atomic.Value // context.CancelFunc

	// adminRoutes is the bare admin API; adminChain is adminRoutes behind the
	// current auth settings and is swapped together with chain.
	adminRoutes http.Handler
	adminChain  atomic.Value // http.Handler
}

func newApp(ctx context.Context, cfg config.Config, startTime time.Time) (*app, error) {
	reg, err := registry.New(cfg.BackendURLs())
	if err != nil {
		return nil, fmt.Errorf("building registry: %w", err)
	}
	disp := dispatch.New(reg)

	mon := health.New(reg, health.Config{
		Interval: cfg.HealthCheck.ParsedInterval(),
		Timeout:  cfg.HealthCheck.ParsedTimeout(),
		Path:     cfg.HealthCheck.Path,
	})

	agg := stats.New(reg, stats.Config{
		Timeout:     cfg.Stats.ParsedTimeout(),
		HealthPath:  cfg.HealthCheck.Path,
		MetricsPath: cfg.Stats.MetricsPath,
	})

	gw, err := gateway.New(disp, agg, gateway.Options{
		Mode:      gateway.Mode(cfg.Mode),
		Version:   version,
		StartTime: startTime,
	})
	if err != nil {
		return nil, err
	}

	a := &app{ctx: ctx, reg: reg, disp: disp, monitor: mon, gw: gw}
	if cfg.Admin.Enabled {
		a.admin = admin.New(reg, disp, cfg.Admin.ListenAddr, startTime, version, a.wrapAdmin)
	}
	a.applyMiddleware(cfg)
	return a, nil
}

// wrapAdmin puts the admin routes behind adminChain so auth changes reach the
// admin listener without restarting it.
func (a *app) wrapAdmin(routes http.Handler) http.Handler {
	a.adminRoutes = routes
	a.adminChain.Store(routes)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.adminChain.Load().(http.Handler).ServeHTTP(w, r)
	})
}

// applyMiddleware rebuilds the request chain from the reloadable sections of
// cfg and swaps it in atomically.
func (a *app) applyMiddleware(cfg config.Config) {
	var h http.Handler = a.gw.Routes()
	if cfg.Auth.Enabled {
		h = middleware.JWTAuth(cfg.Auth.Secret, cfg.Auth.Exclude)(h)
	}
	if cfg.RateLimit.Enabled {
		lctx, cancel := context.WithCancel(a.ctx)
		h = middleware.RateLimiter(lctx, cfg.RateLimit.RPS, cfg.RateLimit.Burst)(h)
		a.swapLimiterCancel(cancel)
	} else {
		a.swapLimiterCancel(nil)
	}
	a.chain.Store(middleware.Logger(h))

	if a.adminRoutes != nil {
		ah := a.adminRoutes
		if cfg.Auth.Enabled {
			ah = middleware.JWTAuth(cfg.Auth.Secret, nil)(ah)
		}
		a.adminChain.Store(ah)
	}
}

func (a *app) swapLimiterCancel(next context.CancelFunc) {
	if next == nil {
		next = func() {}
	}
	if prev, ok := a.limiterCancel.Swap(next).(context.CancelFunc); ok {
		prev()
	}
}

// handler is the top-level mux. /healthz is answered locally with no
// middleware so container probes always see the process itself.
func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.gw.Healthz)
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.chain.Load().(http.Handler).ServeHTTP(w, r)
	}))
	return mux
}
