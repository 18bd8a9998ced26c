package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"posterstore.dev/internal/obs"
	"posterstore.dev/internal/stream"
)

// streamHeartbeat keeps idle admin connections open through proxies.
const streamHeartbeat = 25 * time.Second

var marshalOrderEvent = func(evt stream.OrderEvent) ([]byte, error) { return json.Marshal(evt) }

// OrderStream pushes newly fulfilled sessions to the admin panel as
// Server-Sent Events. Each event's id is the payment session id.
func (a *API) OrderStream(w http.ResponseWriter, r *http.Request) {
	if a.deps.Stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	events := a.deps.Stream.Subscribe(r.Context())
	fmt.Fprint(w, ": stream started\nretry: 5000\n\n")
	flusher.Flush()

	ping := time.NewTicker(streamHeartbeat)
	defer ping.Stop()
	for {
		select {
		case evt, open := <-events:
			if !open {
				return
			}
			if err := writeOrderEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeOrderEvent skips events that cannot be encoded; only write errors end
// the stream.
func writeOrderEvent(w http.ResponseWriter, evt stream.OrderEvent) error {
	payload, err := marshalOrderEvent(evt)
	if err != nil {
		obs.Warn("order event dropped", map[string]any{"session_id": evt.SessionID, "error": err})
		return nil
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: order\ndata: %s\n\n", evt.SessionID, payload)
	return err
}
