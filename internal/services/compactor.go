package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"pixel-canvas/internal/canvas"
)

// Compactor bounds change log growth by periodically folding it into a
// stored snapshot. Every applied edit is already durable, so any snapshot of
// the canvas state is safe to persist as the new recovery base.
type Compactor struct {
	state     *canvas.State
	store     CompactionStore
	cooldown  *Cooldown
	interval  time.Duration
	threshold int64

	mu   sync.Mutex // one compaction at a time
	done chan struct{}
	wg   sync.WaitGroup
}

// NewCompactor creates a compactor; threshold is the number of change log
// entries that triggers a compaction on the next tick
func NewCompactor(state *canvas.State, store CompactionStore, cooldown *Cooldown, interval time.Duration, threshold int64) *Compactor {
	return &Compactor{
		state:     state,
		store:     store,
		cooldown:  cooldown,
		interval:  interval,
		threshold: threshold,
		done:      make(chan struct{}),
	}
}

// Start begins the periodic compaction loop
func (c *Compactor) Start() {
	if c.interval <= 0 {
		log.Println("⚠️  Compaction disabled (interval is 0)")
		return
	}

	c.wg.Add(1)
	go c.loop()
	log.Printf("✓ Compactor started (every %s, threshold %d edits)", c.interval, c.threshold)
}

func (c *Compactor) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.interval)
			if _, err := c.MaybeCompact(ctx); err != nil {
				log.Printf("⚠️  Compaction failed: %v", err)
			}
			cancel()

			if n := c.cooldown.Sweep(); n > 0 {
				log.Printf("  Forgot cooldown state of %d idle authors", n)
			}
		}
	}
}

// MaybeCompact compacts when the change log has reached the threshold
func (c *Compactor) MaybeCompact(ctx context.Context) (bool, error) {
	count, err := c.store.CountEdits(ctx)
	if err != nil {
		return false, err
	}
	if count < c.threshold {
		return false, nil
	}
	return c.CompactNow(ctx)
}

// CompactNow stores the current canvas as the recovery base
// It reports false when the stored snapshot is already current.
func (c *Compactor) CompactNow(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.state.Snapshot()

	latest, err := c.store.LatestSnapshotSeq(ctx)
	if err != nil {
		return false, err
	}
	if snap.Seq <= latest {
		return false, nil
	}

	start := time.Now()
	if err := c.store.Compact(ctx, snap); err != nil {
		return false, fmt.Errorf("failed to compact at seq %d: %w", snap.Seq, err)
	}

	log.Printf("✓ Compacted canvas at seq %d in %s", snap.Seq, time.Since(start).Round(time.Millisecond))
	return true, nil
}

// Shutdown stops the loop and writes a final snapshot
func (c *Compactor) Shutdown() {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := c.CompactNow(ctx); err != nil {
		log.Printf("⚠️  Final compaction failed: %v", err)
	}
}
