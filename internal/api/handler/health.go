package handler

import (
	"net/http"

	"github.com/whiteshards/cryptix/internal/api/response"
	"github.com/whiteshards/cryptix/internal/cache"
	"github.com/whiteshards/cryptix/internal/store"
)

type healthStatus struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

// NewHealthHandler reports database and redis connectivity.
func NewHealthHandler(st store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hs := healthStatus{Status: "ok", Database: "ok", Redis: "ok"}

		if err := st.Ping(r.Context()); err != nil {
			hs.Status = "degraded"
			hs.Database = "unreachable"
		}
		if err := c.Ping(r.Context()); err != nil {
			hs.Status = "degraded"
			hs.Redis = "unreachable"
		}

		if hs.Status != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED", "One or more dependencies are unreachable", hs)
			return
		}
		response.JSON(w, hs)
	}
}
