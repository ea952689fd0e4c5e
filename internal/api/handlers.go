package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"pixel-canvas/internal/canvas"
	"pixel-canvas/internal/middleware"
	"pixel-canvas/internal/models"
	"pixel-canvas/internal/permissions"
	"pixel-canvas/internal/services/collaboration"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	maxBodySize         = 4096
)

// Handler handles HTTP requests
type Handler struct {
	canvas    CanvasReader
	edits     EditService
	history   EditHistory
	sessions  SessionLister
	auth      IdentityResolver
	wsHandler *collaboration.WebSocketHandler
}

func NewHandler(
	canvas CanvasReader,
	edits EditService,
	history EditHistory,
	sessions SessionLister,
	auth IdentityResolver,
	wsHandler *collaboration.WebSocketHandler,
) *Handler {
	return &Handler{
		canvas:    canvas,
		edits:     edits,
		history:   history,
		sessions:  sessions,
		auth:      auth,
		wsHandler: wsHandler,
	}
}

// PixelResponse is a pixel with its coordinates
type PixelResponse struct {
	X   int    `json:"x"`
	Y   int    `json:"y"`
	Hex string `json:"hex"`
	models.Pixel
}

// errorResponse mirrors the WebSocket error message
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, canvas.HTTPStatus(err), errorResponse{
		Code:    canvas.ErrorCode(err),
		Message: err.Error(),
	})
}

// identify authenticates the request and checks it may perform op
func (h *Handler) identify(w http.ResponseWriter, r *http.Request, op permissions.Operation) (models.Identity, bool) {
	id, err := h.auth.FromRequest(r)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		w.Header().Set("WWW-Authenticate", `Basic realm="canvas"`)
		writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "Unauthorized", Message: err.Error()})
		return models.Identity{}, false
	}
	if !permissions.Allowed(id.Permissions, op) {
		writeError(w, fmt.Errorf("%s may not %s: %w", id.Username, op, canvas.ErrPermissionDenied))
		return models.Identity{}, false
	}
	return id, true
}

// Health reports liveness and a few pipeline gauges
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"seq":      h.canvas.Sequence(),
		"sessions": h.sessions.Count(),
		"queue":    h.edits.QueueLength(),
	})
}

// Canvas handlers

func (h *Handler) GetCanvas(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identify(w, r, permissions.OpView); !ok {
		return
	}

	snap := h.canvas.Snapshot()
	writeJSON(w, http.StatusOK, &models.SnapshotMessage{
		Type:   models.MessageTypeSnapshot,
		Seq:    snap.Seq,
		Width:  snap.Width,
		Height: snap.Height,
		Pixels: snap.Colors(),
	})
}

func (h *Handler) GetPixel(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identify(w, r, permissions.OpView); !ok {
		return
	}

	vars := mux.Vars(r)
	x, errX := strconv.Atoi(vars["x"])
	y, errY := strconv.Atoi(vars["y"])
	if errX != nil || errY != nil {
		writeError(w, fmt.Errorf("coordinates must be integers: %w", canvas.ErrInvalidEdit))
		return
	}

	px, err := h.canvas.GetPixel(x, y)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PixelResponse{X: x, Y: y, Hex: px.Color.Hex(), Pixel: px})
}

func (h *Handler) ListEdits(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identify(w, r, permissions.OpView); !ok {
		return
	}

	var since uint64
	limit := defaultHistoryLimit

	if s := r.URL.Query().Get("since"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, fmt.Errorf("since must be a sequence number: %w", canvas.ErrInvalidEdit))
			return
		}
		since = v
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	edits, err := h.history.EditsSince(r.Context(), since, limit)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"edits": edits,
		"since": since,
		"limit": limit,
	})
}

// PlacePixel submits a single pixel edit through the edit pipeline
func (h *Handler) PlacePixel(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, models.MessageTypePlace)
}

// ClearRegion submits a rectangle fill through the edit pipeline
func (h *Handler) ClearRegion(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, models.MessageTypeClear)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, kind models.MessageType) {
	ctx, span := middleware.StartSpan(r.Context(), "Canvas.Submit",
		attribute.String("edit.type", string(kind)),
	)
	defer span.End()

	// the pipeline checks the permission; here only authentication matters
	id, ok := h.identify(w, r.WithContext(ctx), permissions.OpView)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("user.name", id.Username))

	var msg models.ClientMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&msg); err != nil {
		writeError(w, fmt.Errorf("malformed body: %w", canvas.ErrInvalidEdit))
		return
	}

	var edit *models.Edit
	switch kind {
	case models.MessageTypePlace:
		if msg.Color == nil {
			writeError(w, fmt.Errorf("color is required: %w", canvas.ErrInvalidEdit))
			return
		}
		edit = models.NewPlacePixel("", msg.X, msg.Y, *msg.Color)
	case models.MessageTypeClear:
		color := h.canvas.Background()
		if msg.Color != nil {
			color = *msg.Color
		}
		edit = models.NewClearRegion("", msg.X, msg.Y, msg.Width, msg.Height, color)
	}

	accepted, err := h.edits.Submit(ctx, id, edit)
	if err != nil {
		if !errors.Is(err, canvas.ErrRateLimited) {
			middleware.AddSpanError(ctx, err)
		}
		writeError(w, err)
		return
	}

	span.SetAttributes(attribute.Int64("edit.seq", int64(accepted.Seq)))
	writeJSON(w, http.StatusCreated, accepted)
}

// Session handlers

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identify(w, r, permissions.OpView); !ok {
		return
	}

	sessions := h.sessions.GetSessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}
