package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"pixel-canvas/internal/canvas"
	"pixel-canvas/internal/middleware"
	"pixel-canvas/internal/models"
	"pixel-canvas/internal/permissions"

	"go.opentelemetry.io/otel/attribute"
)

/*
EDIT PIPELINE

Submit runs on the caller's goroutine and does everything that needs no
global ordering:

  1. validate bounds and values       -> canvas.ErrOutOfBounds / ErrInvalidEdit
  2. permission gate                  -> canvas.ErrPermissionDenied
  3. reserve the author's cooldown    -> canvas.ErrRateLimited

then queues the edit for the committer and waits for the outcome.

The committer is the single writer. It drains the queue into a batch,
numbers the batch after the canvas's current sequence, appends it to the
change log in one transaction (retrying with bounded backoff), and only then
applies each edit to the canvas and publishes it. Nothing is applied or
announced before it is durable, and a batch that cannot be stored consumes
no sequence numbers, so persistence and apply form one failure unit without
any rollback. Batching lets the disk write of one group overlap with the
validation of the next instead of paying one fsync per edit.
*/

// PipelineConfig sizes the queue and the persistence retry policy
type PipelineConfig struct {
	QueueSize       int
	MaxBatch        int
	PersistAttempts int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	AppendTimeout   time.Duration
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 128
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = 1
	}
	if c.AppendTimeout <= 0 {
		c.AppendTimeout = 10 * time.Second
	}
	return c
}

// SettleTimeout is the longest a committed batch can take to settle: every
// append attempt timing out, the backoff between them, and the truncate
// after the last failure. Submitters waiting on a deadline shorter than
// this can be cut off while their edit is still being stored.
func (c PipelineConfig) SettleTimeout() time.Duration {
	c = c.withDefaults()

	total := time.Duration(c.PersistAttempts) * c.AppendTimeout
	backoff := c.RetryBackoff
	for attempt := 1; attempt < c.PersistAttempts; attempt++ {
		total += backoff
		backoff = c.nextBackoff(backoff)
	}
	return total + c.AppendTimeout
}

func (c PipelineConfig) nextBackoff(backoff time.Duration) time.Duration {
	backoff *= 2
	if c.MaxRetryBackoff > 0 && backoff > c.MaxRetryBackoff {
		backoff = c.MaxRetryBackoff
	}
	return backoff
}

// EditPipeline is the only path from a submitted edit to canvas state
type EditPipeline struct {
	state     *canvas.State
	store     CanvasStore
	publisher Publisher
	cooldown  *Cooldown
	cfg       PipelineConfig

	queue chan *pendingEdit
	wg    sync.WaitGroup

	mu     sync.RWMutex // guards closed against sends on queue
	closed bool
}

type pendingEdit struct {
	ctx         context.Context
	edit        *models.Edit
	reservation *Reservation
	result      chan error // buffered, the committer never blocks on it
}

// NewEditPipeline creates the pipeline; Start launches the committer
func NewEditPipeline(
	state *canvas.State,
	store CanvasStore,
	publisher Publisher,
	cooldown *Cooldown,
	cfg PipelineConfig,
) *EditPipeline {
	cfg = cfg.withDefaults()

	return &EditPipeline{
		state:     state,
		store:     store,
		publisher: publisher,
		cooldown:  cooldown,
		cfg:       cfg,
		queue:     make(chan *pendingEdit, cfg.QueueSize),
	}
}

// Start launches the committer goroutine
func (p *EditPipeline) Start() {
	p.wg.Add(1)
	go p.committer()
	log.Printf("✓ Edit pipeline started (queue %d, batch %d, cooldown %s)",
		p.cfg.QueueSize, p.cfg.MaxBatch, p.cooldown.Interval())
}

// Submit validates, permission-checks and rate-limits an edit, then waits
// until it is durably recorded and applied. The returned edit carries its
// sequence number. Rejections are returned without any side effect.
func (p *EditPipeline) Submit(ctx context.Context, id models.Identity, edit *models.Edit) (*models.Edit, error) {
	if edit == nil {
		return nil, fmt.Errorf("empty submission: %w", canvas.ErrInvalidEdit)
	}
	edit.Author = id.Username
	edit.Seq = 0
	edit.AcceptedAt = time.Time{}
	if edit.SubmittedAt.IsZero() {
		edit.SubmittedAt = time.Now()
	}

	if err := p.state.Validate(edit); err != nil {
		return nil, err
	}

	op := OperationFor(edit.Kind)
	if !permissions.Allowed(id.Permissions, op) {
		return nil, fmt.Errorf("%s may not %s: %w", id.Username, op, canvas.ErrPermissionDenied)
	}

	reservation, err := p.cooldown.Reserve(id.Username)
	if err != nil {
		return nil, err
	}

	pe := &pendingEdit{
		ctx:         ctx,
		edit:        edit,
		reservation: reservation,
		result:      make(chan error, 1),
	}
	if err := p.enqueue(ctx, pe); err != nil {
		reservation.Release()
		return nil, err
	}

	select {
	case err := <-pe.result:
		if err != nil {
			return nil, err
		}
		return edit, nil
	case <-ctx.Done():
		// the committer still settles the edit; the caller just stops waiting
		return nil, ctx.Err()
	}
}

func (p *EditPipeline) enqueue(ctx context.Context, pe *pendingEdit) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return fmt.Errorf("server is shutting down: %w", canvas.ErrPersistenceFailure)
	}
	select {
	case p.queue <- pe:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OperationFor maps an edit kind to the operation the gate checks
func OperationFor(kind models.EditKind) permissions.Operation {
	switch kind {
	case models.EditPlacePixel:
		return permissions.OpPlacePixel
	case models.EditClearRegion:
		return permissions.OpClearRegion
	default:
		return permissions.Operation(-1)
	}
}

// committer is the single writer loop
func (p *EditPipeline) committer() {
	defer p.wg.Done()

	for first := range p.queue {
		batch := []*pendingEdit{first}

	drain:
		for len(batch) < p.cfg.MaxBatch {
			select {
			case pe, ok := <-p.queue:
				if !ok {
					break drain
				}
				batch = append(batch, pe)
			default:
				break drain
			}
		}

		p.commit(batch)
	}
}

// commit persists, applies and publishes one batch
func (p *EditPipeline) commit(batch []*pendingEdit) {
	// submitters that went away before their edit was stored are dropped
	live := batch[:0]
	for _, pe := range batch {
		if err := pe.ctx.Err(); err != nil {
			pe.reservation.Release()
			pe.result <- err
			continue
		}
		live = append(live, pe)
	}
	if len(live) == 0 {
		return
	}

	ctx, span := middleware.StartSpan(context.Background(), "EditPipeline.Commit",
		attribute.Int("batch.size", len(live)),
	)
	defer span.End()

	base := p.state.Sequence()
	acceptedAt := time.Now()
	edits := make([]*models.Edit, len(live))
	for i, pe := range live {
		pe.edit.Seq = base + uint64(i) + 1
		pe.edit.AcceptedAt = acceptedAt
		edits[i] = pe.edit
	}

	if err := p.persist(ctx, edits); err != nil {
		middleware.AddSpanError(ctx, err)
		log.Printf("❌ Dropping %d edits (seq %d-%d): %v", len(live), base+1, base+uint64(len(live)), err)

		// the last attempt may have landed anyway; clear the slots so the
		// log cannot hold edits nobody saw accepted
		p.truncate(base)

		for _, pe := range live {
			pe.edit.Seq = 0
			pe.edit.AcceptedAt = time.Time{}
			pe.reservation.Release()
			pe.result <- err
		}
		return
	}

	for _, pe := range live {
		if _, err := p.state.Apply(pe.edit); err != nil {
			// cannot happen while the committer is the only writer
			log.Printf("❌ Durable edit %d could not be applied: %v", pe.edit.Seq, err)
			middleware.AddSpanError(ctx, err)
			pe.reservation.Release()
			pe.result <- err
			continue
		}
		pe.reservation.Commit(pe.edit.AcceptedAt)
		if p.publisher != nil {
			p.publisher.Publish(pe.edit)
		}
		pe.result <- nil
	}

	span.SetAttributes(attribute.Int64("canvas.seq", int64(p.state.Sequence())))
}

// persist appends the batch, retrying with exponential backoff
func (p *EditPipeline) persist(ctx context.Context, edits []*models.Edit) error {
	backoff := p.cfg.RetryBackoff

	var err error
	for attempt := 1; attempt <= p.cfg.PersistAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AppendTimeout)
		err = p.store.AppendBatch(attemptCtx, edits)
		cancel()
		if err == nil {
			if attempt > 1 {
				log.Printf("✓ Change log append succeeded on attempt %d", attempt)
			}
			return nil
		}

		log.Printf("⚠️  Change log append attempt %d/%d failed: %v", attempt, p.cfg.PersistAttempts, err)
		middleware.AddSpanEvent(ctx, "changelog.append_failed",
			attribute.Int("attempt", attempt),
			attribute.Int("attempts", p.cfg.PersistAttempts),
			attribute.String("error", err.Error()),
		)
		if attempt == p.cfg.PersistAttempts {
			break
		}

		time.Sleep(backoff)
		backoff = p.cfg.nextBackoff(backoff)
	}

	return fmt.Errorf("%w after %d attempts: %w", canvas.ErrPersistenceFailure, p.cfg.PersistAttempts, err)
}

func (p *EditPipeline) truncate(base uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AppendTimeout)
	defer cancel()
	if err := p.store.TruncateAfter(ctx, base); err != nil {
		// the next successful append overwrites these slots
		log.Printf("⚠️  Failed to clear change log after seq %d: %v", base, err)
	}
}

// QueueLength returns the number of edits waiting for the committer
func (p *EditPipeline) QueueLength() int {
	return len(p.queue)
}

// Shutdown stops accepting submissions and waits until every queued edit
// has been settled
func (p *EditPipeline) Shutdown() {
	log.Println("🛑 Shutting down edit pipeline...")

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	log.Println("✓ Edit pipeline shutdown complete")
}
