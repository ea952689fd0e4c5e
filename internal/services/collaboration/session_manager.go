package collaboration

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"pixel-canvas/internal/canvas"
	"pixel-canvas/internal/models"

	"github.com/gorilla/websocket"
)

/*
SESSION MANAGER AND BROADCAST FANOUT

Every live session sits in one broadcast set guarded by mu.

  Register  (write lock)  snapshot at seq N is queued first, the session
                          joins with lastDelivered = N
  Publish   (read lock)   called only by the edit pipeline's committer, in
                          seq order; skips sessions with lastDelivered >= seq

The committer applies an edit to the canvas before publishing it, so a
snapshot taken between the two already contains the edit and the seq filter
drops the duplicate; any edit applied after the snapshot reaches the session
because it has joined by the time Publish takes the lock. Each session thus
sees snapshot(N), N+1, N+2, ... with no gaps and no repeats.

Delivery never blocks: a session whose bounded queue is full is
disconnected (canvas.ErrSessionOverflow) and must reconnect for a fresh
snapshot.
*/

// ErrShuttingDown is the close reason for sessions dropped by Shutdown
var ErrShuttingDown = errors.New("server shutting down")

// SessionManager manages all active canvas sessions
type SessionManager struct {
	state       *canvas.State
	queueSize   int
	idleTimeout time.Duration

	mu       sync.RWMutex
	sessions map[*Session]bool
	closed   bool

	// encoded snapshot message, reused while the canvas is unchanged
	snapMu   sync.Mutex
	snapSeq  uint64
	snapData []byte

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSessionManager creates a new session manager
func NewSessionManager(state *canvas.State, queueSize int, idleTimeout time.Duration) *SessionManager {
	// room for at least the welcome and snapshot messages
	if queueSize < 2 {
		queueSize = 2
	}
	return &SessionManager{
		state:       state,
		queueSize:   queueSize,
		idleTimeout: idleTimeout,
		sessions:    make(map[*Session]bool),
		done:        make(chan struct{}),
	}
}

// Start launches the idle session cleanup loop
func (sm *SessionManager) Start() {
	log.Println("🔄 Starting canvas session manager...")

	if sm.idleTimeout > 0 {
		sm.wg.Add(1)
		go sm.cleanupLoop()
	}

	log.Println("✓ Canvas session manager started")
}

// Register creates a session for an authenticated connection, queues the
// welcome and snapshot messages and joins it to the broadcast set.
// conn may be nil when the caller drives the session itself.
func (sm *SessionManager) Register(id models.Identity, remoteAddr string, conn *websocket.Conn) (*Session, error) {
	session := newSession(models.NewSession(id.Username, id.Permissions, remoteAddr), id, conn, sm)

	welcome, err := json.Marshal(&models.WelcomeMessage{
		Type:        models.MessageTypeWelcome,
		SessionID:   session.ID,
		Username:    id.Username,
		Permissions: id.Permissions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode welcome: %w", err)
	}

	// encode outside the fanout lock; under it this is usually a cache hit
	if _, _, err := sm.snapshotMessage(); err != nil {
		return nil, err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.closed {
		return nil, ErrShuttingDown
	}

	seq, data, err := sm.snapshotMessage()
	if err != nil {
		return nil, err
	}

	session.enqueue(welcome)
	session.enqueue(data)
	session.lastDelivered.Store(seq)
	sm.sessions[session] = true

	log.Printf("  Session %s (%s) joined at seq %d (total: %d sessions)",
		session.ID, id.Username, seq, len(sm.sessions))

	return session, nil
}

// snapshotMessage returns the current canvas snapshot encoded for the wire
func (sm *SessionManager) snapshotMessage() (uint64, []byte, error) {
	snap := sm.state.Snapshot()

	sm.snapMu.Lock()
	defer sm.snapMu.Unlock()

	if sm.snapData != nil && sm.snapSeq == snap.Seq {
		return sm.snapSeq, sm.snapData, nil
	}

	data, err := json.Marshal(&models.SnapshotMessage{
		Type:   models.MessageTypeSnapshot,
		Seq:    snap.Seq,
		Width:  snap.Width,
		Height: snap.Height,
		Pixels: snap.Colors(),
	})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	sm.snapSeq = snap.Seq
	sm.snapData = data
	return snap.Seq, data, nil
}

// Deregister removes a session from the broadcast set and releases its
// queue. Safe to call any number of times.
func (sm *SessionManager) Deregister(session *Session) {
	sm.deregister(session, nil)
}

func (sm *SessionManager) deregister(session *Session, reason error) {
	sm.mu.Lock()
	_, ok := sm.sessions[session]
	if ok {
		delete(sm.sessions, session)
	}
	remaining := len(sm.sessions)
	sm.mu.Unlock()

	session.close(reason)

	if ok {
		log.Printf("  Session %s (%s) left (remaining: %d sessions)", session.ID, session.Username, remaining)
	}
}

// Publish delivers an accepted edit to every live session
// Only the edit pipeline's committer calls it, in increasing seq order.
func (sm *SessionManager) Publish(edit *models.Edit) {
	data, err := json.Marshal(models.NewEditMessage(edit))
	if err != nil {
		log.Printf("❌ Failed to encode edit %d: %v", edit.Seq, err)
		return
	}

	var overflow []*Session

	sm.mu.RLock()
	for session := range sm.sessions {
		if edit.Seq <= session.lastDelivered.Load() {
			// already contained in the snapshot this session joined with
			continue
		}

		switch err := session.enqueue(data); {
		case err == nil:
			session.lastDelivered.Store(edit.Seq)
		case errors.Is(err, canvas.ErrSessionOverflow):
			overflow = append(overflow, session)
		}
	}
	sm.mu.RUnlock()

	for _, session := range overflow {
		log.Printf("⚠️  Session %s buffer full at seq %d, closing connection", session.ID, edit.Seq)
		sm.deregister(session, canvas.ErrSessionOverflow)
	}
}

// Reply queues a message for one session only (acks and rejections)
func (sm *SessionManager) Reply(session *Session, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("❌ Failed to encode reply for session %s: %v", session.ID, err)
		return
	}

	if err := session.enqueue(data); errors.Is(err, canvas.ErrSessionOverflow) {
		log.Printf("⚠️  Session %s buffer full, closing connection", session.ID)
		sm.deregister(session, canvas.ErrSessionOverflow)
	}
}

// GetSessions returns a description of every live session
func (sm *SessionManager) GetSessions() []*models.Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	result := make([]*models.Session, 0, len(sm.sessions))
	for session := range sm.sessions {
		info := *session.Session
		info.LastActiveAt = session.LastActive()
		result = append(result, &info)
	}
	return result
}

// Count returns the number of live sessions
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// cleanupLoop periodically removes inactive sessions
func (sm *SessionManager) cleanupLoop() {
	defer sm.wg.Done()

	interval := sm.idleTimeout / 2
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			sm.cleanup()
		}
	}
}

// cleanup removes sessions idle longer than the timeout
func (sm *SessionManager) cleanup() {
	now := time.Now()

	var stale []*Session
	sm.mu.RLock()
	for session := range sm.sessions {
		if now.Sub(session.LastActive()) > sm.idleTimeout {
			stale = append(stale, session)
		}
	}
	sm.mu.RUnlock()

	for _, session := range stale {
		log.Printf("  Cleaning up inactive session %s", session.ID)
		sm.deregister(session, nil)
	}
}

// Shutdown closes every session and refuses new ones
func (sm *SessionManager) Shutdown() {
	log.Println("🛑 Shutting down session manager...")

	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return
	}
	sm.closed = true
	close(sm.done)

	sessions := sm.sessions
	sm.sessions = make(map[*Session]bool)
	sm.mu.Unlock()

	for session := range sessions {
		session.close(ErrShuttingDown)
	}
	sm.wg.Wait()

	log.Println("✓ Session manager shutdown complete")
}
