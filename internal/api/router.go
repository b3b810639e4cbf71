package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/whiteshards/cryptix/internal/api/middleware"
	"github.com/whiteshards/cryptix/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	// Visitor flow (anonymous, IP rate limited)
	CreateSession http.HandlerFunc
	GetSession    http.HandlerFunc
	IssueToken    http.HandlerFunc
	CheckToken    http.HandlerFunc
	ClearToken    http.HandlerFunc
	FindByToken   http.HandlerFunc
	Progress      http.HandlerFunc
	GenerateKey   http.HandlerFunc
	RenewKey      http.HandlerFunc
	RedeemKey     http.HandlerFunc

	// Public keysystem view
	GetPublicKeysystem http.HandlerFunc

	// Owner surface (Auth)
	CreateKeysystem   http.HandlerFunc
	ListKeysystems    http.HandlerFunc
	UpdateKeysystem   http.HandlerFunc
	DeleteKeysystem   http.HandlerFunc
	AddCheckpoint     http.HandlerFunc
	ReplaceCheckpoint http.HandlerFunc
	RemoveCheckpoint  http.HandlerFunc
	CreateAPIKey      http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public, unthrottled
	r.Get("/v1/health", orNotImplemented(deps.HealthHandler))
	r.Get("/v1/keysystems/{id}", orNotImplemented(deps.GetPublicKeysystem))

	// Visitor flow: anonymous but IP rate limited
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimit.Limit)

		r.Post("/v1/sessions", orNotImplemented(deps.CreateSession))
		r.Get("/v1/sessions", orNotImplemented(deps.GetSession))
		r.Post("/v1/sessions/token", orNotImplemented(deps.IssueToken))
		r.Get("/v1/sessions/token/check", orNotImplemented(deps.CheckToken))
		r.Delete("/v1/sessions/token", orNotImplemented(deps.ClearToken))

		r.Get("/v1/checkpoints/find-by-token", orNotImplemented(deps.FindByToken))
		r.Post("/v1/checkpoints/progress", orNotImplemented(deps.Progress))

		r.Post("/v1/keys/generate", orNotImplemented(deps.GenerateKey))
		r.Post("/v1/keys/renew", orNotImplemented(deps.RenewKey))
		r.Post("/v1/keys/redeem", orNotImplemented(deps.RedeemKey))
	})

	// Owner surface
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)

		r.Post("/v1/keysystems", orNotImplemented(deps.CreateKeysystem))
		r.Get("/v1/keysystems", orNotImplemented(deps.ListKeysystems))
		r.Patch("/v1/keysystems/{id}", orNotImplemented(deps.UpdateKeysystem))
		r.Delete("/v1/keysystems/{id}", orNotImplemented(deps.DeleteKeysystem))

		r.Post("/v1/keysystems/{id}/checkpoints", orNotImplemented(deps.AddCheckpoint))
		r.Put("/v1/keysystems/{id}/checkpoints/{index}", orNotImplemented(deps.ReplaceCheckpoint))
		r.Delete("/v1/keysystems/{id}/checkpoints/{index}", orNotImplemented(deps.RemoveCheckpoint))

		// Minting new API keys needs the admin scope
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/v1/owners/keys", orNotImplemented(deps.CreateAPIKey))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
