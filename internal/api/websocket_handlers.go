package api

import (
	"net/http"
)

// WebSocket endpoints

// HandleCanvasWebSocket opens a live session on the canvas
func (h *Handler) HandleCanvasWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleCanvasConnection(w, r)
}
