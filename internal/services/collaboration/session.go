package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"pixel-canvas/internal/canvas"
	"pixel-canvas/internal/middleware"
	"pixel-canvas/internal/models"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var errSessionClosed = errors.New("session closed")

// EditSubmitter is the edit pipeline as seen by a session
type EditSubmitter interface {
	Submit(ctx context.Context, id models.Identity, edit *models.Edit) (*models.Edit, error)
}

// Session is one live connection to the canvas
type Session struct {
	*models.Session
	Identity models.Identity
	Conn     *websocket.Conn

	manager *SessionManager

	mu       sync.Mutex // guards send against close
	send     chan []byte
	closed   bool
	reason   error
	closedCh chan struct{}

	// seq of the last edit queued for this session; written by Register
	// and Publish only
	lastDelivered atomic.Uint64
	lastActive    atomic.Int64
}

func newSession(info *models.Session, id models.Identity, conn *websocket.Conn, sm *SessionManager) *Session {
	s := &Session{
		Session:  info,
		Identity: id,
		Conn:     conn,
		manager:  sm,
		send:     make(chan []byte, sm.queueSize),
		closedCh: make(chan struct{}),
	}
	s.touch()
	return s
}

// enqueue queues a message without blocking
func (s *Session) enqueue(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errSessionClosed
	}
	select {
	case s.send <- msg:
		return nil
	default:
		return canvas.ErrSessionOverflow
	}
}

// close releases the outbound queue; the first reason wins
func (s *Session) close(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason
	close(s.send)
	close(s.closedCh)
}

// Messages returns the outbound queue. It is closed when the session ends.
func (s *Session) Messages() <-chan []byte {
	return s.send
}

// Done is closed when the session ends
func (s *Session) Done() <-chan struct{} {
	return s.closedCh
}

// Err returns why the session was closed, nil for a normal close
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// LastDelivered returns the seq of the last edit queued for this session
func (s *Session) LastDelivered() uint64 {
	return s.lastDelivered.Load()
}

// LastActive returns when the client was last heard from
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// ReadPump reads submissions from the WebSocket connection until it fails
// Each submission is answered with an ack or an error on this session only.
func (s *Session) ReadPump(ctx context.Context, submitter EditSubmitter) {
	defer func() {
		s.manager.Deregister(s)
		s.Conn.Close()
	}()

	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.touch()
		return nil
	})

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error on session %s: %v", s.ID, err)
			}
			return
		}

		s.touch()
		s.HandleMessage(ctx, submitter, message)
	}
}

// HandleMessage processes one client message
func (s *Session) HandleMessage(ctx context.Context, submitter EditSubmitter, message []byte) {
	ctx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
		attribute.String("session.id", s.ID),
		attribute.String("user.name", s.Username),
		attribute.Int("message.size", len(message)),
	)
	defer span.End()

	var msg models.ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.manager.Reply(s, &models.ErrorMessage{
			Type:    models.MessageTypeError,
			Code:    canvas.ErrorCode(canvas.ErrInvalidEdit),
			Message: "malformed message",
		})
		return
	}

	edit, err := s.editFromMessage(&msg)
	if err == nil {
		edit, err = submitter.Submit(ctx, s.Identity, edit)
	}
	if err != nil {
		middleware.AddSpanError(ctx, err)
		s.manager.Reply(s, &models.ErrorMessage{
			Type:    models.MessageTypeError,
			ID:      msg.ID,
			Code:    canvas.ErrorCode(err),
			Message: err.Error(),
		})
		return
	}

	span.SetAttributes(attribute.Int64("edit.seq", int64(edit.Seq)))
	s.manager.Reply(s, &models.AckMessage{
		Type: models.MessageTypeAck,
		ID:   msg.ID,
		Seq:  edit.Seq,
	})
}

// editFromMessage converts a submission to an unsequenced edit
func (s *Session) editFromMessage(msg *models.ClientMessage) (*models.Edit, error) {
	switch msg.Type {
	case models.MessageTypePlace:
		if msg.Color == nil {
			return nil, fmt.Errorf("color is required: %w", canvas.ErrInvalidEdit)
		}
		return models.NewPlacePixel(s.Username, msg.X, msg.Y, *msg.Color), nil

	case models.MessageTypeClear:
		color := s.manager.state.Background()
		if msg.Color != nil {
			color = *msg.Color
		}
		return models.NewClearRegion(s.Username, msg.X, msg.Y, msg.Width, msg.Height, color), nil

	default:
		return nil, fmt.Errorf("unknown message type %q: %w", msg.Type, canvas.ErrInvalidEdit)
	}
}

// WritePump writes queued messages to the WebSocket connection, one frame
// per message, and sends the close frame when the session ends
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.writeClose()
				return
			}
			// an overflowed session is dropped without draining its backlog
			if errors.Is(s.Err(), canvas.ErrSessionOverflow) {
				s.writeClose()
				return
			}

			if err := s.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) writeClose() {
	code, text := closeFrame(s.Err())
	s.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}

// closeFrame maps a close reason to a WebSocket close code
func closeFrame(reason error) (int, string) {
	switch {
	case reason == nil:
		return websocket.CloseNormalClosure, ""
	case errors.Is(reason, canvas.ErrSessionOverflow):
		return websocket.CloseTryAgainLater, canvas.ErrorCode(reason)
	case errors.Is(reason, ErrShuttingDown):
		return websocket.CloseGoingAway, reason.Error()
	default:
		return websocket.CloseInternalServerErr, reason.Error()
	}
}
