package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"ums-dlna/work/logger"
	"ums-dlna/work/renderer"
)

// statusResponse is the /api/status payload.
type statusResponse struct {
	FriendlyName     string           `json:"friendlyName"`
	SystemUpdateID   int64            `json:"systemUpdateId"`
	RenderersKnown   int              `json:"renderersKnown"`
	RenderersActive  int              `json:"renderersActive"`
	Renderers        []rendererStatus `json:"renderers"`
	EventSubscribers int              `json:"eventSubscribers"`
}

type rendererStatus struct {
	Identity       string `json:"identity"`
	InstanceID     string `json:"instanceId"`
	Active         bool   `json:"active"`
	TransportState string `json:"transportState"`
	PositionQuery  bool   `json:"positionQuerySupported"`
}

// HandleStatus reports server and renderer state as JSON.
func HandleStatus(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := statusResponse{
			FriendlyName:   s.Cfg.FriendlyName,
			SystemUpdateID: s.Counter.Get(),
			RenderersKnown: s.Registry.Size(),
		}

		s.Registry.Range(func(rec *renderer.Record) bool {
			status.Renderers = append(status.Renderers, rendererStatus{
				Identity:       rec.Identity,
				InstanceID:     rec.InstanceID,
				Active:         rec.IsActive(),
				TransportState: rec.TransportState(),
				PositionQuery:  rec.PositionQuerySupported(),
			})
			return true
		})
		status.RenderersActive = s.Registry.ActiveCount()
		status.EventSubscribers = s.subscribers.Size()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.Warn("{handlers - HandleStatus} Failed to encode status: %v", err)
		}
	}
}

// iconPNG is the 48x48 placeholder icon advertised in the device
// description, stored inline to keep the binary self-contained.
var iconPNG, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mP8z8BQDwAEhQGAhKmMIQAAAABJRU5ErkJggg==")

// HandleIcon serves the device icon.
func HandleIcon(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(iconPNG)))
	w.Write(iconPNG)
}
