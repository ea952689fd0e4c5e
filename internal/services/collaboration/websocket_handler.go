package collaboration

import (
	"context"
	"log"
	"net/http"

	"pixel-canvas/internal/middleware"
	"pixel-canvas/internal/models"
	"pixel-canvas/internal/permissions"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

// IdentityResolver authenticates the HTTP request that opens a session
type IdentityResolver interface {
	FromRequest(r *http.Request) (models.Identity, error)
}

// WebSocketHandler handles WebSocket connections to the canvas
type WebSocketHandler struct {
	sessionManager *SessionManager
	submitter      EditSubmitter
	auth           IdentityResolver
	maxMessageSize int64
	upgrader       websocket.Upgrader
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(sessionManager *SessionManager, submitter EditSubmitter, auth IdentityResolver, maxMessageSize int64) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
		submitter:      submitter,
		auth:           auth,
		maxMessageSize: maxMessageSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: check Origin against an allow-list from config
				return true
			},
		},
	}
}

// HandleCanvasConnection authenticates the request, upgrades it and starts
// the session's pumps. The first messages a client sees are welcome and
// snapshot, followed by every accepted edit in seq order.
func (h *WebSocketHandler) HandleCanvasConnection(w http.ResponseWriter, r *http.Request) {
	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("remote.addr", r.RemoteAddr),
	)
	defer span.End()

	id, err := h.auth.FromRequest(r)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		w.Header().Set("WWW-Authenticate", `Basic realm="canvas"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	if !permissions.Allowed(id.Permissions, permissions.OpView) {
		http.Error(w, "permission denied", http.StatusForbidden)
		return
	}
	span.SetAttributes(attribute.String("user.name", id.Username))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}
	if h.maxMessageSize > 0 {
		conn.SetReadLimit(h.maxMessageSize)
	}

	session, err := h.sessionManager.Register(id, r.RemoteAddr, conn)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		code, text := closeFrame(err)
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
		conn.Close()
		return
	}
	span.SetAttributes(attribute.String("session.id", session.ID))

	// the request context ends with this handler; the session outlives it
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		<-session.Done()
		cancel()
	}()

	go session.WritePump()
	go session.ReadPump(sessionCtx, h.submitter)

	log.Printf("✓ WebSocket connection established (user: %s, session: %s)", id.Username, session.ID)
}
