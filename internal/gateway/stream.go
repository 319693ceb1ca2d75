package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// pingInterval is the idle keep-alive period for the SSE stream, matching
// the subscriber queue's 15s poll timeout in the original dashboard.
const pingInterval = 15 * time.Second

// handleStream serves GET /stream?call_id=…. It subscribes to the event
// bus, emits an initial "connected" event, forwards every bus message as
// an SSE data line (optionally filtered to one call_id), and emits a named
// "ping" event on 15s idle so intermediaries do not time the connection
// out.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	callFilter := strings.TrimSpace(r.URL.Query().Get("call_id"))
	subscriberID, mailbox := g.bus.Subscribe()
	defer g.bus.Unsubscribe(subscriberID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeSSEData(w, map[string]any{
		"type":      "connected",
		"call_id":   nullableString(callFilter),
		"timestamp": g.clock.Now().UTC().Format(time.RFC3339),
	})
	flusher.Flush()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-mailbox:
			if !ok {
				return
			}
			if callFilter != "" && !payloadMatchesCallID(payload, callFilter) {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			ticker.Reset(pingInterval)
		case <-ticker.C:
			fmt.Fprint(w, "event: ping\n")
			writeSSEData(w, map[string]any{
				"type":      "ping",
				"timestamp": g.clock.Now().UTC().Format(time.RFC3339),
			})
			flusher.Flush()
		}
	}
}

func writeSSEData(w http.ResponseWriter, v any) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", encoded)
}

// payloadMatchesCallID decodes a pre-serialized bus message and compares
// its call_id field against filter.
func payloadMatchesCallID(payload, filter string) bool {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return false
	}
	cid, _ := decoded["call_id"].(string)
	return strings.TrimSpace(cid) == filter
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
