// Package canvas holds the authoritative in-memory pixel grid.
//
// State is the single serialization point for canvas writes: Apply runs under
// an exclusive lock and hands out a total, gap-free sequence of numbers. Reads
// (GetPixel, Snapshot) share a read lock and can never observe a half-applied
// edit. Snapshots are immutable and cached until the next Apply, so any number
// of joining sessions share one copy.
package canvas

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pixel-canvas/internal/models"
)

// State is the canvas grid plus the global acceptance sequence counter
type State struct {
	width      int
	height     int
	background models.Color

	mu     sync.RWMutex
	pixels []models.Pixel // row-major
	seq    uint64

	// last snapshot handed out; valid while its Seq equals seq
	cached atomic.Pointer[models.CanvasSnapshot]
}

// New creates a canvas where every pixel has the background color
func New(width, height int, background models.Color) (*State, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("canvas dimensions must be positive, got %dx%d", width, height)
	}
	if !background.Valid() {
		return nil, fmt.Errorf("background color %d: %w", background, ErrInvalidEdit)
	}

	pixels := make([]models.Pixel, width*height)
	for i := range pixels {
		pixels[i].Color = background
	}

	return &State{
		width:      width,
		height:     height,
		background: background,
		pixels:     pixels,
	}, nil
}

// Bounds returns the canvas width and height
func (s *State) Bounds() (int, int) {
	return s.width, s.height
}

// Background returns the color of never-written pixels
func (s *State) Background() models.Color {
	return s.background
}

// Contains reports whether (x, y) lies on the canvas
func (s *State) Contains(x, y int) bool {
	return x >= 0 && x < s.width && y >= 0 && y < s.height
}

// Sequence returns the number of the last applied edit (0 = none)
func (s *State) Sequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// GetPixel returns the current value at (x, y)
func (s *State) GetPixel(x, y int) (models.Pixel, error) {
	if !s.Contains(x, y) {
		return models.Pixel{}, fmt.Errorf("pixel (%d,%d) on %dx%d canvas: %w", x, y, s.width, s.height, ErrOutOfBounds)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pixels[y*s.width+x], nil
}

// Validate checks an edit against the canvas bounds and value ranges
// It touches no mutable state and may run concurrently with anything.
func (s *State) Validate(e *models.Edit) error {
	if e == nil {
		return fmt.Errorf("empty edit: %w", ErrInvalidEdit)
	}
	if !e.Color.Valid() {
		return fmt.Errorf("color %d exceeds %d: %w", e.Color, models.MaxColor, ErrInvalidEdit)
	}
	if e.Author == "" {
		return fmt.Errorf("edit has no author: %w", ErrInvalidEdit)
	}

	switch e.Kind {
	case models.EditPlacePixel:
		if !s.Contains(e.X, e.Y) {
			return fmt.Errorf("pixel (%d,%d) on %dx%d canvas: %w", e.X, e.Y, s.width, s.height, ErrOutOfBounds)
		}
	case models.EditClearRegion:
		if e.Width <= 0 || e.Height <= 0 {
			return fmt.Errorf("region size %dx%d: %w", e.Width, e.Height, ErrInvalidEdit)
		}
		// both corners must be on the canvas; compare without overflowing
		if !s.Contains(e.X, e.Y) || e.Width > s.width-e.X || e.Height > s.height-e.Y {
			return fmt.Errorf("region (%d,%d %dx%d) on %dx%d canvas: %w",
				e.X, e.Y, e.Width, e.Height, s.width, s.height, ErrOutOfBounds)
		}
	default:
		return fmt.Errorf("unknown edit kind %q: %w", e.Kind, ErrInvalidEdit)
	}

	return nil
}

// Apply mutates the canvas with an already validated and permitted edit and
// returns its sequence number.
//
// If e.Seq is zero the next number is assigned. A non-zero e.Seq must equal
// the next number: the committer sequences edits before persisting them and
// Apply confirms the slot.
func (s *State) Apply(e *models.Edit) (uint64, error) {
	if err := s.Validate(e); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.seq + 1
	if e.Seq != 0 && e.Seq != next {
		return 0, fmt.Errorf("edit carries seq %d, next is %d: %w", e.Seq, next, ErrSequenceConflict)
	}
	e.Seq = next
	if e.AcceptedAt.IsZero() {
		e.AcceptedAt = time.Now()
	}

	s.write(e)
	s.seq = next
	return next, nil
}

// write stores the edit's cells; callers hold the write lock
func (s *State) write(e *models.Edit) {
	px := models.Pixel{
		Color:      e.Color,
		LastEditor: e.Author,
		Seq:        e.Seq,
		UpdatedAt:  e.AcceptedAt,
	}

	if e.Kind == models.EditPlacePixel {
		s.pixels[e.Y*s.width+e.X] = px
		return
	}
	for y := e.Y; y < e.Y+e.Height; y++ {
		row := s.pixels[y*s.width+e.X : y*s.width+e.X+e.Width]
		for i := range row {
			row[i] = px
		}
	}
}

// Snapshot returns a consistent point-in-time copy of the canvas
// The returned value is shared and must not be modified.
func (s *State) Snapshot() *models.CanvasSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if snap := s.cached.Load(); snap != nil && snap.Seq == s.seq {
		return snap
	}

	pixels := make([]models.Pixel, len(s.pixels))
	copy(pixels, s.pixels)
	snap := &models.CanvasSnapshot{
		Width:     s.width,
		Height:    s.height,
		Seq:       s.seq,
		Pixels:    pixels,
		CreatedAt: time.Now(),
	}

	// concurrent readers may race to build the same seq; either copy is fine
	s.cached.Store(snap)
	return snap
}

// Restore loads persisted state at startup: the compacted snapshot (nil for
// an empty canvas) followed by the change log after it. The log must continue
// the snapshot's sequence without gaps.
func (s *State) Restore(snap *models.CanvasSnapshot, edits []*models.Edit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap != nil {
		if snap.Width != s.width || snap.Height != s.height {
			return fmt.Errorf("stored canvas is %dx%d, configured canvas is %dx%d",
				snap.Width, snap.Height, s.width, s.height)
		}
		if len(snap.Pixels) != s.width*s.height {
			return fmt.Errorf("stored snapshot has %d pixels, want %d", len(snap.Pixels), s.width*s.height)
		}
		copy(s.pixels, snap.Pixels)
		s.seq = snap.Seq
	}

	for _, e := range edits {
		if e.Seq != s.seq+1 {
			return fmt.Errorf("change log gap: have seq %d, next entry is %d: %w", s.seq, e.Seq, ErrSequenceConflict)
		}
		if err := s.Validate(e); err != nil {
			return fmt.Errorf("change log entry %d: %w", e.Seq, err)
		}
		s.write(e)
		s.seq = e.Seq
	}

	s.cached.Store(nil)
	return nil
}
