// Package api exposes the engine over a local HTTP control surface.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/wusimpl/antigravity-quota-watcher/internal/engine"
)

// Router assembles the control API around an engine.
func Router(eng *engine.Engine, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", LoginHandler(eng))
		r.Post("/login/cancel", CancelLoginHandler(eng))
		r.Post("/logout", LogoutHandler(eng))

		r.Get("/auth/state", AuthStateHandler(eng))

		r.Get("/accounts", AccountsHandler(eng))
		r.Post("/accounts/{id}/activate", ActivateAccountHandler(eng))

		r.Get("/quota", AllQuotasHandler(eng))
		r.Get("/quota/{key}", QuotaHandler(eng))
		r.Get("/quota/{key}/history", HistoryHandler(eng))
		r.Post("/refresh", RefreshHandler(eng))

		r.Get("/events", EventsHandler(eng, log))
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
