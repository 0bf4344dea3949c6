package hub

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/paulo-ssantos/house-mix-copilot-sub000/internal/bus"
)

type statusResponse struct {
	Role  bus.Role       `json:"role"`
	State State          `json:"state"`
	Peers []bus.PeerInfo `json:"peers"`
}

// StatusHandler serves a JSON snapshot of the hub state and its peer
// table, for the hosting application's UI to surface connection status.
func (h *Hub) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response := statusResponse{
			Role:  h.Role(),
			State: h.State(),
			Peers: h.Peers(),
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			h.logger.Error("failed to encode status response",
				zap.Error(err))
		}
	})
}
