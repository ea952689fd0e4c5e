package api

import (
	"pixel-canvas/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// tracing first so recovered panics land on the request span
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", h.Health).Methods("GET")

	// Canvas endpoints
	api.HandleFunc("/canvas", h.GetCanvas).Methods("GET")
	api.HandleFunc("/canvas/pixels/{x:[0-9-]+}/{y:[0-9-]+}", h.GetPixel).Methods("GET")
	api.HandleFunc("/canvas/edits", h.ListEdits).Methods("GET")
	api.HandleFunc("/canvas/pixels", h.PlacePixel).Methods("POST", "OPTIONS")
	api.HandleFunc("/canvas/clear", h.ClearRegion).Methods("POST", "OPTIONS")

	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")

	// WebSocket routes
	r.HandleFunc("/ws/canvas", h.HandleCanvasWebSocket).Methods("GET")

	return r
}
