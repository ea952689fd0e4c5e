package models

import (
	"time"
)

// EditKind distinguishes the mutating canvas operations
type EditKind string

const (
	EditPlacePixel  EditKind = "place_pixel"
	EditClearRegion EditKind = "clear_region"
)

// Edit is a proposed or accepted canvas change
// Lifecycle: submitted -> validated -> rejected (never stored) or accepted
// (sequenced, persisted, applied, broadcast). Accepted edits are immutable.
//
// The same struct is the change log row, so the sequence number doubles as
// the primary key and a re-append of an already stored edit is a no-op.
type Edit struct {
	Seq         uint64    `json:"seq" gorm:"primaryKey;autoIncrement:false"`
	Kind        EditKind  `json:"kind" gorm:"type:varchar(16);not null"`
	X           int       `json:"x" gorm:"not null"`
	Y           int       `json:"y" gorm:"not null"`
	Width       int       `json:"width,omitempty" gorm:"not null;default:1"`
	Height      int       `json:"height,omitempty" gorm:"not null;default:1"`
	Color       Color     `json:"color" gorm:"not null"`
	Author      string    `json:"author" gorm:"type:varchar(64);not null;index"`
	SubmittedAt time.Time `json:"submitted_at" gorm:"not null"`
	AcceptedAt  time.Time `json:"accepted_at" gorm:"not null"`
}

// TableName override
func (Edit) TableName() string {
	return "canvas_edits"
}

// NewPlacePixel builds a single pixel edit
func NewPlacePixel(author string, x, y int, color Color) *Edit {
	return &Edit{
		Kind:        EditPlacePixel,
		X:           x,
		Y:           y,
		Width:       1,
		Height:      1,
		Color:       color,
		Author:      author,
		SubmittedAt: time.Now(),
	}
}

// NewClearRegion builds a rectangle fill edit
func NewClearRegion(author string, x, y, width, height int, color Color) *Edit {
	return &Edit{
		Kind:        EditClearRegion,
		X:           x,
		Y:           y,
		Width:       width,
		Height:      height,
		Color:       color,
		Author:      author,
		SubmittedAt: time.Now(),
	}
}

// Cells returns how many pixels the edit touches
func (e *Edit) Cells() int {
	if e.Kind == EditPlacePixel {
		return 1
	}
	return e.Width * e.Height
}
