package models

import (
	"time"

	"pixel-canvas/internal/permissions"

	"github.com/segmentio/ksuid"
)

// Session describes an active WebSocket connection to the canvas
// Sessions are ephemeral and never persisted.
type Session struct {
	ID           string            `json:"id"`
	Username     string            `json:"username"`
	Permissions  permissions.Level `json:"permissions"`
	RemoteAddr   string            `json:"remote_addr,omitempty"`
	ConnectedAt  time.Time         `json:"connected_at"`
	LastActiveAt time.Time         `json:"last_active_at"`
}

// MessageType defines the kinds of messages in the canvas protocol
type MessageType string

const (
	// client -> server
	MessageTypePlace MessageType = "place"
	MessageTypeClear MessageType = "clear"

	// server -> client
	MessageTypeWelcome  MessageType = "welcome"
	MessageTypeSnapshot MessageType = "snapshot"
	MessageTypeEdit     MessageType = "edit"
	MessageTypeAck      MessageType = "ack"
	MessageTypeError    MessageType = "error"
)

// ClientMessage is a submit request read from a connection
type ClientMessage struct {
	Type   MessageType `json:"type"`
	ID     string      `json:"id,omitempty"` // echoed back in ack/error for correlation
	X      int         `json:"x"`
	Y      int         `json:"y"`
	Width  int         `json:"width,omitempty"`
	Height int         `json:"height,omitempty"`
	Color  *Color      `json:"color,omitempty"`
}

// WelcomeMessage is the first message on every connection
type WelcomeMessage struct {
	Type        MessageType       `json:"type"`
	SessionID   string            `json:"session_id"`
	Username    string            `json:"username"`
	Permissions permissions.Level `json:"permissions"`
}

// SnapshotMessage bootstraps a new session. Pixels are row-major.
type SnapshotMessage struct {
	Type   MessageType `json:"type"`
	Seq    uint64      `json:"seq"`
	Width  int         `json:"width"`
	Height int         `json:"height"`
	Pixels []Color     `json:"pixels"`
}

// EditMessage announces an accepted edit to every live session
type EditMessage struct {
	Type   MessageType `json:"type"`
	Seq    uint64      `json:"seq"`
	Kind   EditKind    `json:"kind"`
	X      int         `json:"x"`
	Y      int         `json:"y"`
	Width  int         `json:"width,omitempty"`
	Height int         `json:"height,omitempty"`
	Color  Color       `json:"color"`
	Author string      `json:"author"`
}

// AckMessage confirms a submission was accepted
type AckMessage struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id,omitempty"`
	Seq  uint64      `json:"seq"`
}

// ErrorMessage reports a rejected submission to its sender only
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	ID      string      `json:"id,omitempty"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// NewEditMessage converts an accepted edit to its broadcast form
func NewEditMessage(e *Edit) *EditMessage {
	msg := &EditMessage{
		Type:   MessageTypeEdit,
		Seq:    e.Seq,
		Kind:   e.Kind,
		X:      e.X,
		Y:      e.Y,
		Color:  e.Color,
		Author: e.Author,
	}
	if e.Kind == EditClearRegion {
		msg.Width = e.Width
		msg.Height = e.Height
	}
	return msg
}

func NewSession(username string, level permissions.Level, remoteAddr string) *Session {
	now := time.Now()
	return &Session{
		ID:           ksuid.New().String(),
		Username:     username,
		Permissions:  level,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}
