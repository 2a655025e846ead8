package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kalambet/acctintel/internal/conversation"
)

// heartbeatInterval keeps idle event streams alive through proxies.
var heartbeatInterval = 15 * time.Second

// handleEvents streams conversation store changes as server-sent events.
// Each event names a conversation; clients re-read it to render.
func handleEvents(deps ViewDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, errInternal, "streaming not supported")
			return
		}

		changes, unsubscribe := deps.Store.Subscribe()
		defer unsubscribe()

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
			case c, ok := <-changes:
				if !ok {
					return
				}
				if err := writeEvent(w, c); err != nil {
					deps.Logger.WarnContext(ctx, "dropping change event", "conversation_id", c.ConversationID, "error", err)
					continue
				}
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, c conversation.Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", c.Kind, data)
	return err
}
