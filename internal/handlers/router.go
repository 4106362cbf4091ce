package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stockroom/api/internal/platform/httpx"
)

const (
	defaultAPIPrefix = "/api/v1"
	defaultTimeout   = 60 * time.Second
)

type routerConfig struct {
	basePath    string
	timeout     time.Duration
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	orders      *OrderHandlers
	inventory   *InventoryHandlers
	admin       *AdminHandlers
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

// NewRouter builds the chi router. Request id and real IP run first, then any extra
// middleware in the order given. Every API route except the event stream gets a timeout.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{basePath: defaultAPIPrefix, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		if cfg.orders != nil {
			cfg.orders.StreamRoutes(api)
		}
		api.Group(func(g chi.Router) {
			g.Use(middleware.Timeout(cfg.timeout))
			if cfg.orders != nil {
				g.Route("/orders", cfg.orders.Routes)
			}
			if cfg.inventory != nil {
				g.Route("/inventory", cfg.inventory.Routes)
			}
			if cfg.admin != nil {
				g.Route("/admin", cfg.admin.Routes)
			}
		})
	})
	return r
}

// WithMiddlewares appends global middleware.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.middlewares = append(cfg.middlewares, mw...) }
}

// WithRequestTimeout overrides the per-request timeout for API routes.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *routerConfig) {
		if d > 0 {
			cfg.timeout = d
		}
	}
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

func WithOrderRoutes(h *OrderHandlers) Option {
	return func(cfg *routerConfig) { cfg.orders = h }
}

func WithInventoryRoutes(h *InventoryHandlers) Option {
	return func(cfg *routerConfig) { cfg.inventory = h }
}

func WithAdminRoutes(h *AdminHandlers) Option {
	return func(cfg *routerConfig) { cfg.admin = h }
}
