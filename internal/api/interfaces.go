package api

import (
	"context"
	"net/http"

	"pixel-canvas/internal/models"
)

// Interfaces here describe only what the handlers call, so the services
// behind them can be swapped for fakes in tests.

// EditService submits edits through the single ordered pipeline
type EditService interface {
	Submit(ctx context.Context, id models.Identity, edit *models.Edit) (*models.Edit, error)
	QueueLength() int
}

// CanvasReader reads the live in-memory canvas
type CanvasReader interface {
	Snapshot() *models.CanvasSnapshot
	GetPixel(x, y int) (models.Pixel, error)
	Sequence() uint64
	Background() models.Color
}

// EditHistory reads the durable change log
type EditHistory interface {
	EditsSince(ctx context.Context, since uint64, limit int) ([]*models.Edit, error)
}

// SessionLister reports live sessions
type SessionLister interface {
	GetSessions() []*models.Session
	Count() int
}

// IdentityResolver authenticates a request
type IdentityResolver interface {
	FromRequest(r *http.Request) (models.Identity, error)
}
