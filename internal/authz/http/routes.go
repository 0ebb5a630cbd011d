package authzhttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

const loginRateLimit = 10
const loginRateWindow = time.Minute

// MountRoutes registers the kernel API under the given router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	loginLimiter := httprate.Limit(loginRateLimit, loginRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)

	r.Group(func(gr chi.Router) {
		gr.Use(loginLimiter)
		gr.Post("/login", h.Login)
	})
	r.Delete("/session", h.Logout)

	r.Post("/permissions", h.RegisterPermission)
	r.Get("/permissions", h.ListPermissions)
	r.Post("/roles", h.RegisterRole)
	r.Get("/roles", h.ListRoles)
	r.Post("/grants", h.CreateGrant)
	r.Get("/grants", h.ListGrants)
	r.Delete("/grants", h.RevokeGrant)
	r.Post("/access/check", h.CheckAccess)
}
