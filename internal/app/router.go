package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	authzhttp "github.com/bastion-sec/bastion/internal/authz/http"
	"github.com/bastion-sec/bastion/internal/observability"
	"github.com/bastion-sec/bastion/internal/shared"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Handler *authzhttp.Handler
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics
}

// NewRouter constructs the chi.Router with kernel defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)
	r.Use(requestContext)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		status := http.StatusOK
		body := `{"status":"ok"}`
		if params.Pool != nil {
			if err := params.Pool.Ping(req.Context()); err != nil {
				status = http.StatusServiceUnavailable
				body = `{"status":"degraded","component":"postgres"}`
			}
		}
		if status == http.StatusOK && params.Redis != nil {
			if err := params.Redis.Ping(req.Context()).Err(); err != nil {
				status = http.StatusServiceUnavailable
				body = `{"status":"degraded","component":"redis"}`
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})

	r.Route("/api", params.Handler.MountRoutes)

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}

// requestContext carries the request id into the kernel's context so audit
// records written during the request correlate back to it.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimw.GetReqID(r.Context()); id != "" {
			r = r.WithContext(shared.ContextWithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
