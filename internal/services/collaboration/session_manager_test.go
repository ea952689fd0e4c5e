package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"pixel-canvas/internal/canvas"
	"pixel-canvas/internal/models"
	"pixel-canvas/internal/permissions"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

const (
	red   models.Color = 0xFF0000
	blue  models.Color = 0x0000FF
	white models.Color = 0xFFFFFF
)

var (
	alice = models.Identity{Username: "alice", Permissions: permissions.Artist}
	bob   = models.Identity{Username: "bob", Permissions: permissions.Viewer}
)

// wireMessage is the union of every server message
type wireMessage struct {
	Type        models.MessageType `json:"type"`
	ID          string             `json:"id"`
	Seq         uint64             `json:"seq"`
	Kind        models.EditKind    `json:"kind"`
	X           int                `json:"x"`
	Y           int                `json:"y"`
	Width       int                `json:"width"`
	Height      int                `json:"height"`
	Color       models.Color       `json:"color"`
	Author      string             `json:"author"`
	Pixels      []models.Color     `json:"pixels"`
	Code        string             `json:"code"`
	Username    string             `json:"username"`
	Permissions permissions.Level  `json:"permissions"`
}

// drain returns every message queued for the session without blocking
func drain(t *testing.T, s *Session) []wireMessage {
	t.Helper()
	var out []wireMessage
	for {
		select {
		case data, ok := <-s.Messages():
			if !ok {
				return out
			}
			var msg wireMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("bad message %s: %v", data, err)
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func edits(msgs []wireMessage) []uint64 {
	var seqs []uint64
	for _, m := range msgs {
		if m.Type == models.MessageTypeEdit {
			seqs = append(seqs, m.Seq)
		}
	}
	return seqs
}

func newManager(t *testing.T, queueSize int) (*SessionManager, *canvas.State) {
	t.Helper()
	state, err := canvas.New(10, 10, white)
	if err != nil {
		t.Fatal(err)
	}
	sm := NewSessionManager(state, queueSize, 0)
	t.Cleanup(sm.Shutdown)
	return sm, state
}

// commit mimics the committer: apply, then publish
func commit(t *testing.T, sm *SessionManager, state *canvas.State, e *models.Edit) *models.Edit {
	t.Helper()
	if _, err := state.Apply(e); err != nil {
		t.Fatal(err)
	}
	sm.Publish(e)
	return e
}

func TestRegisterQueuesWelcomeThenSnapshot(t *testing.T) {
	sm, state := newManager(t, 16)
	commit(t, sm, state, models.NewPlacePixel("alice", 3, 3, red))

	s, err := sm.Register(bob, "127.0.0.1:1", nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, sm.Count())
	assert.Equal(t, uint64(1), s.LastDelivered())

	msgs := drain(t, s)
	assert.Equal(t, 2, len(msgs))
	assert.Equal(t, models.MessageTypeWelcome, msgs[0].Type)
	assert.Equal(t, "bob", msgs[0].Username)
	assert.Equal(t, permissions.Viewer, msgs[0].Permissions)

	snap := msgs[1]
	assert.Equal(t, models.MessageTypeSnapshot, snap.Type)
	assert.Equal(t, uint64(1), snap.Seq)
	assert.Equal(t, 100, len(snap.Pixels))
	assert.Equal(t, red, snap.Pixels[3*10+3])
	assert.Equal(t, white, snap.Pixels[4*10+4])
}

func TestPublishInOrderWithoutDuplicates(t *testing.T) {
	sm, state := newManager(t, 64)

	early, _ := sm.Register(alice, "", nil)
	commit(t, sm, state, models.NewPlacePixel("alice", 0, 0, red))

	// applied but not yet published when the late session joins
	pending := models.NewPlacePixel("alice", 1, 0, red)
	if _, err := state.Apply(pending); err != nil {
		t.Fatal(err)
	}
	late, _ := sm.Register(bob, "", nil)
	sm.Publish(pending)

	commit(t, sm, state, models.NewPlacePixel("alice", 2, 0, blue))

	assert.Equal(t, []uint64{1, 2, 3}, edits(drain(t, early)))

	msgs := drain(t, late)
	assert.Equal(t, uint64(2), msgs[1].Seq)
	assert.Equal(t, []uint64{3}, edits(msgs))
}

func TestSnapshotAndBroadcastsReconstructCanvas(t *testing.T) {
	sm, state := newManager(t, 256)

	commit(t, sm, state, models.NewPlacePixel("alice", 5, 5, red))
	s, _ := sm.Register(bob, "", nil)
	commit(t, sm, state, models.NewClearRegion("mod", 4, 4, 3, 3, blue))
	commit(t, sm, state, models.NewPlacePixel("alice", 5, 5, red))
	commit(t, sm, state, models.NewPlacePixel("alice", 9, 9, red))

	msgs := drain(t, s)
	view := append([]models.Color(nil), msgs[1].Pixels...)
	for _, m := range msgs[2:] {
		for y := m.Y; y < m.Y+max(m.Height, 1); y++ {
			for x := m.X; x < m.X+max(m.Width, 1); x++ {
				view[y*10+x] = m.Color
			}
		}
	}

	assert.Equal(t, state.Snapshot().Colors(), view)
}

func TestOverflowDisconnectsSlowSession(t *testing.T) {
	// the welcome and snapshot already fill the queue
	sm, state := newManager(t, 2)

	slow, _ := sm.Register(bob, "", nil)
	commit(t, sm, state, models.NewPlacePixel("alice", 0, 0, red))

	assert.Equal(t, 0, sm.Count())
	assert.Equal(t, true, errors.Is(slow.Err(), canvas.ErrSessionOverflow))
	select {
	case <-slow.Done():
	default:
		t.Fatal("overflowed session was not closed")
	}

	// other sessions keep receiving
	fresh, _ := sm.Register(alice, "", nil)
	drain(t, fresh)
	commit(t, sm, state, models.NewPlacePixel("alice", 1, 0, red))
	assert.Equal(t, []uint64{2}, edits(drain(t, fresh)))
}

func TestDeregisterIsIdempotent(t *testing.T) {
	sm, _ := newManager(t, 8)

	s, _ := sm.Register(bob, "", nil)
	other, _ := sm.Register(alice, "", nil)

	sm.Deregister(s)
	sm.Deregister(s)

	assert.Equal(t, 1, sm.Count())
	assert.Equal(t, nil, s.Err())
	assert.Equal(t, errSessionClosed, s.enqueue([]byte("{}")))

	sessions := sm.GetSessions()
	assert.Equal(t, 1, len(sessions))
	assert.Equal(t, other.ID, sessions[0].ID)
}

func TestShutdownClosesSessions(t *testing.T) {
	state, _ := canvas.New(4, 4, white)
	sm := NewSessionManager(state, 8, time.Minute)
	sm.Start()

	s, _ := sm.Register(bob, "", nil)
	sm.Shutdown()
	sm.Shutdown()

	assert.Equal(t, true, errors.Is(s.Err(), ErrShuttingDown))
	assert.Equal(t, 0, sm.Count())

	_, err := sm.Register(alice, "", nil)
	assert.Equal(t, ErrShuttingDown, err)
}

func TestIdleSessionsAreCleanedUp(t *testing.T) {
	state, _ := canvas.New(4, 4, white)
	sm := NewSessionManager(state, 8, time.Minute)

	s, _ := sm.Register(bob, "", nil)
	s.lastActive.Store(time.Now().Add(-2 * time.Minute).UnixNano())
	active, _ := sm.Register(alice, "", nil)

	sm.cleanup()

	assert.Equal(t, 1, sm.Count())
	assert.Equal(t, active.ID, sm.GetSessions()[0].ID)
	sm.Shutdown()
}

type fakeSubmitter struct {
	calls []*models.Edit
	err   error
}

func (f *fakeSubmitter) Submit(ctx context.Context, id models.Identity, edit *models.Edit) (*models.Edit, error) {
	if f.err != nil {
		return nil, f.err
	}
	accepted := *edit
	accepted.Author = id.Username
	accepted.Seq = uint64(len(f.calls) + 1)
	f.calls = append(f.calls, &accepted)
	return &accepted, nil
}

func TestHandleMessage(t *testing.T) {
	sm, _ := newManager(t, 16)
	s, _ := sm.Register(alice, "", nil)
	drain(t, s)
	sub := &fakeSubmitter{}
	ctx := context.Background()

	s.HandleMessage(ctx, sub, []byte(`{"type":"place","id":"r1","x":3,"y":4,"color":255}`))
	s.HandleMessage(ctx, sub, []byte(`{"type":"clear","id":"r2","x":0,"y":0,"width":2,"height":2}`))

	msgs := drain(t, s)
	assert.Equal(t, 2, len(msgs))
	assert.Equal(t, models.MessageTypeAck, msgs[0].Type)
	assert.Equal(t, "r1", msgs[0].ID)
	assert.Equal(t, uint64(1), msgs[0].Seq)
	assert.Equal(t, "r2", msgs[1].ID)

	assert.Equal(t, models.Color(255), sub.calls[0].Color)
	assert.Equal(t, models.EditClearRegion, sub.calls[1].Kind)
	// clear without a color falls back to the background
	assert.Equal(t, white, sub.calls[1].Color)
}

func TestHandleMessageErrors(t *testing.T) {
	sm, _ := newManager(t, 16)
	s, _ := sm.Register(alice, "", nil)
	drain(t, s)
	ctx := context.Background()

	tests := []struct {
		name    string
		message string
		err     error
		code    string
	}{
		{"malformed", `{"type":`, nil, "InvalidEdit"},
		{"missing color", `{"type":"place","id":"a","x":1,"y":1}`, nil, "InvalidEdit"},
		{"unknown type", `{"type":"erase","id":"b"}`, nil, "InvalidEdit"},
		{"denied", `{"type":"place","id":"c","x":1,"y":1,"color":1}`,
			fmt.Errorf("alice: %w", canvas.ErrPermissionDenied), "PermissionDenied"},
		{"rate limited", `{"type":"place","id":"d","x":1,"y":1,"color":1}`,
			canvas.ErrRateLimited, "RateLimited"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.HandleMessage(ctx, &fakeSubmitter{err: tt.err}, []byte(tt.message))
			msgs := drain(t, s)
			assert.Equal(t, 1, len(msgs))
			assert.Equal(t, models.MessageTypeError, msgs[0].Type)
			assert.Equal(t, tt.code, msgs[0].Code)
		})
	}
}

func TestCloseFrame(t *testing.T) {
	code, _ := closeFrame(nil)
	assert.Equal(t, websocket.CloseNormalClosure, code)

	code, text := closeFrame(canvas.ErrSessionOverflow)
	assert.Equal(t, websocket.CloseTryAgainLater, code)
	assert.Equal(t, "SessionOverflow", text)

	code, _ = closeFrame(ErrShuttingDown)
	assert.Equal(t, websocket.CloseGoingAway, code)
}
