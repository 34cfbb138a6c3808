package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// StreamHandler returns an HTTP handler that delivers hub events as
// Server-Sent Events. The pipeline is selected with the "pipeline" query
// parameter; omitting it streams every event.
//
// Each connection owns its subscription and tears it down explicitly on
// disconnect; cleanup never relies on garbage collection.
func StreamHandler(hub *Hub, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, `{"error":"streaming not supported"}`, http.StatusInternalServerError)
			return
		}

		pipelineID := r.URL.Query().Get("pipeline")

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ch, unsubscribe := hub.Subscribe(pipelineID)
		defer unsubscribe()

		ctx := r.Context()

		logger.Info("event stream client connected",
			"pipeline_id", pipelineID,
			"remote_addr", r.RemoteAddr,
		)

		for {
			select {
			case <-ctx.Done():
				logger.Info("event stream client disconnected",
					"pipeline_id", pipelineID,
					"remote_addr", r.RemoteAddr,
				)
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\n", ev.Type)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
