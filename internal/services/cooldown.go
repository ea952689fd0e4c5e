package services

import (
	"fmt"
	"sync"
	"time"

	"pixel-canvas/internal/canvas"
)

// Cooldown enforces a minimum interval between one author's accepted edits.
//
// A submission reserves the author's slot while it is in flight; the slot is
// only consumed (Commit) when the edit is accepted. A rejected or failed edit
// releases the slot untouched. Locking is per author so authors never
// contend with each other.
type Cooldown struct {
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex // guards the map, not the slots
	authors map[string]*authorSlot
}

type authorSlot struct {
	mu      sync.Mutex
	last    time.Time // last accepted edit
	pending bool
	swept   bool // dropped from the map, reservers must fetch a new slot
}

// Reservation is a claim on an author's slot for one in-flight edit
// A nil Reservation (cooldown disabled) is valid and does nothing.
type Reservation struct {
	slot *authorSlot
	once sync.Once
}

// NewCooldown creates a cooldown policy; interval 0 disables it
func NewCooldown(interval time.Duration) *Cooldown {
	return &Cooldown{
		interval: interval,
		now:      time.Now,
		authors:  make(map[string]*authorSlot),
	}
}

// Interval returns the configured minimum spacing
func (c *Cooldown) Interval() time.Duration {
	if c == nil {
		return 0
	}
	return c.interval
}

func (c *Cooldown) slot(author string) *authorSlot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.authors[author]
	if !ok {
		s = &authorSlot{}
		c.authors[author] = s
	}
	return s
}

// Reserve claims the author's slot or fails with canvas.ErrRateLimited
func (c *Cooldown) Reserve(author string) (*Reservation, error) {
	if c == nil || c.interval <= 0 {
		return nil, nil
	}

	s := c.slot(author)
	s.mu.Lock()
	for s.swept {
		s.mu.Unlock()
		s = c.slot(author)
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	if s.pending {
		return nil, fmt.Errorf("%s has an edit in flight: %w", author, canvas.ErrRateLimited)
	}
	if !s.last.IsZero() {
		if wait := c.interval - c.now().Sub(s.last); wait > 0 {
			return nil, fmt.Errorf("%s must wait %s: %w", author, wait.Round(time.Millisecond), canvas.ErrRateLimited)
		}
	}

	s.pending = true
	return &Reservation{slot: s}, nil
}

// Commit consumes the slot: the edit was accepted at the given time
func (r *Reservation) Commit(at time.Time) {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.slot.mu.Lock()
		r.slot.last = at
		r.slot.pending = false
		r.slot.mu.Unlock()
	})
}

// Release frees the slot without consuming it
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.slot.mu.Lock()
		r.slot.pending = false
		r.slot.mu.Unlock()
	})
}

// Sweep forgets authors whose cooldown has long expired
func (c *Cooldown) Sweep() int {
	if c == nil || c.interval <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	cutoff := c.now().Add(-c.interval)
	for author, s := range c.authors {
		s.mu.Lock()
		idle := !s.pending && s.last.Before(cutoff)
		if idle {
			s.swept = true
		}
		s.mu.Unlock()
		if idle {
			delete(c.authors, author)
			removed++
		}
	}
	return removed
}
