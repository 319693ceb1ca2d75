package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/MrWong99/telemetryplane/internal/ingest"
)

// handleAlertAck serves POST /alerts/{id}/ack. Acknowledgement and the
// resulting supervisor_alert_ack publish both happen inside
// [ingest.Engine.AckAlert]; this handler only translates the id and result.
func (g *Gateway) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	idStr := r.PathValue("id")
	alertID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid alert id"})
		return
	}

	alert, err := g.engine.AckAlert(alertID)
	if err != nil {
		if errors.Is(err, ingest.ErrAlertNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"detail": "alert not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "alert": alert})
}
