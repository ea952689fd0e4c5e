package repository

import (
	"context"
	"errors"
	"fmt"

	"pixel-canvas/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/*
CANVAS STORE

Two tables:
  canvas_edits      append-only change log, primary key = sequence number
  canvas_snapshots  compacted snapshots (see snapshot_codec.go)

Recovery = latest snapshot + every change log entry after it, in seq order.
Because seq is the primary key, appending an entry that is already stored
overwrites it in place: a retried append after an ambiguous failure can never
duplicate an edit, and a slot left behind by a batch that was reported as
failed is replaced by the edit that later takes that sequence number.
Replay on restart is exactly-once.
*/

// ErrEditNotFound is returned by point lookups for an unknown sequence number
var ErrEditNotFound = errors.New("edit not found")

// CanvasRepositoryImpl handles change log and snapshot storage
type CanvasRepositoryImpl struct {
	db *gorm.DB
}

// NewCanvasRepository creates a new canvas repository
func NewCanvasRepository(db *gorm.DB) *CanvasRepositoryImpl {
	return &CanvasRepositoryImpl{db: db}
}

// AppendBatch durably stores sequenced edits in a single transaction
func (r *CanvasRepositoryImpl) AppendBatch(ctx context.Context, edits []*models.Edit) error {
	if len(edits) == 0 {
		return nil
	}
	for _, e := range edits {
		if e.Seq == 0 {
			return fmt.Errorf("failed to append edits: edit by %s has no sequence number", e.Author)
		}
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "seq"}},
			UpdateAll: true,
		}).CreateInBatches(edits, 200).Error
	})
	if err != nil {
		return fmt.Errorf("failed to append edits: %w", err)
	}
	return nil
}

// TruncateAfter removes change log entries with seq > after
// The committer calls it when a batch it reported as failed may still have
// reached the database.
func (r *CanvasRepositoryImpl) TruncateAfter(ctx context.Context, after uint64) error {
	if err := r.db.WithContext(ctx).Where("seq > ?", after).Delete(&models.Edit{}).Error; err != nil {
		return fmt.Errorf("failed to truncate change log after %d: %w", after, err)
	}
	return nil
}

// LoadSnapshot returns the latest compacted snapshot (nil if the canvas was
// never compacted) and the change log entries after it
func (r *CanvasRepositoryImpl) LoadSnapshot(ctx context.Context) (*models.CanvasSnapshot, []*models.Edit, error) {
	var since uint64
	var snap *models.CanvasSnapshot

	var rec models.SnapshotRecord
	err := r.db.WithContext(ctx).Order("seq DESC").First(&rec).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// empty canvas
	case err != nil:
		return nil, nil, fmt.Errorf("failed to load snapshot: %w", err)
	default:
		snap, err = DecodeSnapshot(&rec)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load snapshot: %w", err)
		}
		since = snap.Seq
	}

	var edits []*models.Edit
	if err := r.db.WithContext(ctx).
		Where("seq > ?", since).
		Order("seq ASC").
		Find(&edits).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to load change log: %w", err)
	}

	return snap, edits, nil
}

// GetEdit looks up one change log entry by sequence number
// Entries folded into a snapshot by compaction are no longer available.
func (r *CanvasRepositoryImpl) GetEdit(ctx context.Context, seq uint64) (*models.Edit, error) {
	var edit models.Edit

	err := r.db.WithContext(ctx).First(&edit, "seq = ?", seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("seq %d: %w", seq, ErrEditNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get edit: %w", err)
	}
	return &edit, nil
}

// EditsSince returns up to limit change log entries with seq > since
func (r *CanvasRepositoryImpl) EditsSince(ctx context.Context, since uint64, limit int) ([]*models.Edit, error) {
	var edits []*models.Edit

	err := r.db.WithContext(ctx).
		Where("seq > ?", since).
		Order("seq ASC").
		Limit(limit).
		Find(&edits).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list edits: %w", err)
	}
	return edits, nil
}

// CountEdits returns the number of change log entries not yet compacted
func (r *CanvasRepositoryImpl) CountEdits(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Edit{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count edits: %w", err)
	}
	return count, nil
}

// Compact stores snap as the new base snapshot and drops the change log
// entries and older snapshots it covers, in one transaction
func (r *CanvasRepositoryImpl) Compact(ctx context.Context, snap *models.CanvasSnapshot) error {
	rec, err := EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("failed to compact: %w", err)
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error; err != nil {
			return err
		}
		if err := tx.Where("seq <= ?", snap.Seq).Delete(&models.Edit{}).Error; err != nil {
			return err
		}
		return tx.Where("seq < ?", snap.Seq).Delete(&models.SnapshotRecord{}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to compact at seq %d: %w", snap.Seq, err)
	}
	return nil
}

// LatestSnapshotSeq returns the seq of the newest compacted snapshot, 0 if none
func (r *CanvasRepositoryImpl) LatestSnapshotSeq(ctx context.Context) (uint64, error) {
	var seqs []uint64
	err := r.db.WithContext(ctx).
		Model(&models.SnapshotRecord{}).
		Order("seq DESC").
		Limit(1).
		Pluck("seq", &seqs).Error
	if err != nil {
		return 0, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	if len(seqs) == 0 {
		return 0, nil
	}
	return seqs[0], nil
}
