package models

import (
	"time"
)

// CanvasSnapshot is a full materialization of the canvas at Seq
// Snapshots are never mutated after creation; a newer snapshot replaces an
// older one. Many sessions read the same value concurrently.
type CanvasSnapshot struct {
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Seq       uint64    `json:"seq"`
	Pixels    []Pixel   `json:"-"` // row-major, len = Width*Height
	CreatedAt time.Time `json:"created_at"`
}

// At returns the pixel at (x, y); the caller checks bounds
func (s *CanvasSnapshot) At(x, y int) Pixel {
	return s.Pixels[y*s.Width+x]
}

// Colors flattens the snapshot into a row-major color slice for the wire
func (s *CanvasSnapshot) Colors() []Color {
	colors := make([]Color, len(s.Pixels))
	for i, p := range s.Pixels {
		colors[i] = p.Color
	}
	return colors
}

// SnapshotRecord is the persisted, compacted form of a CanvasSnapshot
// Data holds the encoded pixels (see repository snapshot codec).
type SnapshotRecord struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement:false"`
	Width     int       `gorm:"not null"`
	Height    int       `gorm:"not null"`
	Codec     string    `gorm:"type:varchar(32);not null"`
	Data      []byte    `gorm:"not null"`
	Checksum  []byte    `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName override
func (SnapshotRecord) TableName() string {
	return "canvas_snapshots"
}
