package services

import (
	"context"

	"pixel-canvas/internal/models"
)

// Interfaces live with their consumer: this package declares only the
// storage and delivery methods it calls.

// CanvasStore is the durable change log as seen by the edit pipeline
type CanvasStore interface {
	AppendBatch(ctx context.Context, edits []*models.Edit) error
	TruncateAfter(ctx context.Context, seq uint64) error
}

// CompactionStore is what the compactor needs from storage
type CompactionStore interface {
	CountEdits(ctx context.Context) (int64, error)
	Compact(ctx context.Context, snap *models.CanvasSnapshot) error
	LatestSnapshotSeq(ctx context.Context) (uint64, error)
}

// Publisher receives accepted edits in sequence order
// The session manager implements it.
type Publisher interface {
	Publish(edit *models.Edit)
}
