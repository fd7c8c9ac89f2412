package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wusimpl/antigravity-quota-watcher/internal/auth/google"
	"github.com/wusimpl/antigravity-quota-watcher/internal/engine"
	"github.com/wusimpl/antigravity-quota-watcher/internal/store"
)

// LoginHandler starts an interactive login attempt. Returns 409 when one
// is already in flight; progress is observable on /api/events.
func LoginHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The flow outlives this request; cancellation goes through
		// /login/cancel, not the request context.
		if err := eng.Login(context.Background()); err != nil {
			if errors.Is(err, google.ErrLoginInProgress) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}

// CancelLoginHandler aborts the in-flight login attempt.
func CancelLoginHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eng.CancelLogin()
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

// LogoutHandler removes an account; with no body or empty id it removes
// the active one.
func LogoutHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			AccountID string `json:"accountId"`
		}
		// Body is optional.
		_ = json.NewDecoder(r.Body).Decode(&body)

		err := eng.Logout(body.AccountID)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
		case errors.Is(err, engine.ErrNotAuthenticated), errors.Is(err, store.ErrAccountNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

// AuthStateHandler reports the derived authentication state and, while a
// login is pending, the authorization URL for manual copy.
func AuthStateHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]string{"state": string(eng.AuthStatus())}
		if url := eng.LoginURL(); url != "" && resp["state"] == string(engine.StateAuthenticating) {
			resp["authUrl"] = url
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// AccountsHandler lists the roster with the active account marked.
func AccountsHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, err := eng.Accounts()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		active, err := eng.ActiveAccount()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		type accountView struct {
			ID       string `json:"id"`
			Email    string `json:"email"`
			Name     string `json:"name,omitempty"`
			Picture  string `json:"picture,omitempty"`
			Tier     string `json:"tier,omitempty"`
			IsActive bool   `json:"isActive"`
		}
		views := make([]accountView, 0, len(accounts))
		for _, acc := range accounts {
			views = append(views, accountView{
				ID:       acc.ID,
				Email:    acc.Email,
				Name:     acc.Name,
				Picture:  acc.Picture,
				Tier:     acc.Tier,
				IsActive: active != nil && acc.ID == active.ID,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"accounts": views,
			"count":    len(views),
		})
	}
}

// ActivateAccountHandler switches the active account.
func ActivateAccountHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := eng.SetActiveAccount(id)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"status": "activated", "id": id})
		case errors.Is(err, store.ErrAccountNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

// AllQuotasHandler returns every cached snapshot keyed by account.
func AllQuotasHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, eng.AllQuotas())
	}
}

// QuotaHandler returns the cached snapshot for one account key.
func QuotaHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		snap, ok := eng.Quota(key)
		if !ok {
			writeError(w, http.StatusNotFound, "no snapshot for "+key)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// HistoryHandler returns recent persisted samples for one account key.
func HistoryHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		samples, err := eng.History(key, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"samples": samples,
			"count":   len(samples),
		})
	}
}

// RefreshHandler triggers an immediate poll cycle on every provider.
func RefreshHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eng.RefreshNow()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
	}
}
