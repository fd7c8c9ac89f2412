package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/wusimpl/antigravity-quota-watcher/internal/auth/google"
	"github.com/wusimpl/antigravity-quota-watcher/internal/engine"
	"github.com/wusimpl/antigravity-quota-watcher/internal/quota"
)

type sseEvent struct {
	name string
	data any
}

// EventsHandler bridges the engine's subscription channels onto a
// server-sent-events stream. Slow consumers drop events rather than
// block the dispatchers.
func EventsHandler(eng *engine.Engine, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		events := make(chan sseEvent, 64)
		push := func(name string, data any) {
			select {
			case events <- sseEvent{name: name, data: data}:
			default: // consumer too slow, drop
			}
		}

		updateID := eng.SubscribeQuotaUpdates(func(key string, snap quota.Snapshot) {
			push("quota", map[string]any{"account": key, "snapshot": snap})
		})
		errorID := eng.SubscribeQuotaErrors(func(key string, err error) {
			push("quota_error", map[string]string{"account": key, "error": err.Error()})
		})
		statusID := eng.SubscribeStatus(func(ev quota.StatusEvent) {
			push("status", ev)
		})
		loginID := eng.SubscribeLogin(func(ev google.FlowEvent) {
			data := map[string]any{"state": ev.State.String()}
			if ev.AuthURL != "" {
				data["authUrl"] = ev.AuthURL
			}
			if ev.Err != nil {
				data["error"] = ev.Err.Error()
			}
			if ev.Account != nil {
				data["email"] = ev.Account.Email
			}
			push("login", data)
		})
		defer func() {
			eng.UnsubscribeQuota(updateID)
			eng.UnsubscribeQuota(errorID)
			eng.UnsubscribeQuota(statusID)
			eng.UnsubscribeLogin(loginID)
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev := <-events:
				payload, err := json.Marshal(ev.data)
				if err != nil {
					log.Warn("marshal event failed", zap.String("event", ev.name), zap.Error(err))
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, payload)
				flusher.Flush()
			}
		}
	}
}
