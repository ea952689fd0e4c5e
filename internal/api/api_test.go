package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pixel-canvas/internal/auth"
	"pixel-canvas/internal/canvas"
	"pixel-canvas/internal/db"
	"pixel-canvas/internal/models"
	"pixel-canvas/internal/permissions"
	"pixel-canvas/internal/repository"
	"pixel-canvas/internal/services"
	"pixel-canvas/internal/services/collaboration"

	"github.com/glebarez/sqlite"
	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
	"gorm.io/gorm/logger"
)

const (
	red   models.Color = 0xFF0000
	white models.Color = 0xFFFFFF
)

type testServer struct {
	*httptest.Server
	state    *canvas.State
	repo     *repository.CanvasRepositoryImpl
	sessions *collaboration.SessionManager
}

func newTestServer(t *testing.T, anonymousView bool) *testServer {
	t.Helper()
	ctx := context.Background()

	gdb, err := db.Open(sqlite.Open(db.SQLiteDSN(filepath.Join(t.TempDir(), "canvas.db"))), logger.Silent)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { gdb.Close() })

	accounts := repository.NewAccountRepository(gdb.DB)
	for _, spec := range []string{"alice:secret:artist", "bob:secret:viewer", "mod:secret:moderator"} {
		account, err := auth.ParseAccountSpec(spec)
		if err != nil {
			t.Fatal(err)
		}
		if err := accounts.Create(ctx, account); err != nil {
			t.Fatal(err)
		}
	}

	state, _ := canvas.New(10, 10, white)
	repo := repository.NewCanvasRepository(gdb.DB)
	sessions := collaboration.NewSessionManager(state, 64, time.Minute)
	sessions.Start()

	pipeline := services.NewEditPipeline(state, repo, sessions, services.NewCooldown(0), services.PipelineConfig{
		PersistAttempts: 3,
		RetryBackoff:    time.Millisecond,
	})
	pipeline.Start()

	authenticator := auth.NewAuthenticator(accounts, anonymousView)
	ws := collaboration.NewWebSocketHandler(sessions, pipeline, authenticator, 4096)
	router := SetupRoutes(NewHandler(state, pipeline, repo, sessions, authenticator, ws))

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		sessions.Shutdown()
		srv.Close()
		pipeline.Shutdown()
	})

	return &testServer{Server: srv, state: state, repo: repo, sessions: sessions}
}

func (ts *testServer) do(t *testing.T, method, path, user string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, _ := http.NewRequest(method, ts.URL+path, reader)
	if user != "" {
		req.SetBasicAuth(user, "secret")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestRESTSubmitAndRead(t *testing.T) {
	ts := newTestServer(t, true)

	resp, body := ts.do(t, "POST", "/api/canvas/pixels", "alice", map[string]any{"x": 3, "y": 3, "color": red})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(1), body["seq"])
	assert.Equal(t, "alice", body["author"])

	resp, body = ts.do(t, "POST", "/api/canvas/pixels", "bob", map[string]any{"x": 4, "y": 4, "color": 0xFF})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "PermissionDenied", body["code"])

	resp, body = ts.do(t, "POST", "/api/canvas/pixels", "alice", map[string]any{"x": 10, "y": 0, "color": red})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "OutOfBounds", body["code"])

	resp, body = ts.do(t, "POST", "/api/canvas/clear", "alice", map[string]any{"x": 0, "y": 0, "width": 2, "height": 2})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = ts.do(t, "GET", "/api/canvas/pixels/3/3", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(red), body["color"])
	assert.Equal(t, "#ff0000", body["hex"])
	assert.Equal(t, "alice", body["last_editor"])

	resp, _ = ts.do(t, "GET", "/api/canvas/pixels/-1/3", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, "GET", "/api/canvas", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["seq"])
	assert.Equal(t, 100, len(body["pixels"].([]any)))

	resp, body = ts.do(t, "GET", "/api/canvas/edits?since=0", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, len(body["edits"].([]any)))

	// only the accepted edit reached the durable log
	n, err := ts.repo.CountEdits(context.Background())
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(1), n)

	resp, body = ts.do(t, "GET", "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestRESTAuthentication(t *testing.T) {
	ts := newTestServer(t, false)

	resp, _ := ts.do(t, "GET", "/api/canvas", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, true, strings.HasPrefix(resp.Header.Get("WWW-Authenticate"), "Basic"))

	req, _ := http.NewRequest("GET", ts.URL+"/api/canvas", nil)
	req.SetBasicAuth("alice", "wrong")
	resp, err := http.DefaultClient.Do(req)
	assert.Equal(t, nil, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.do(t, "GET", "/api/canvas", "bob", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// health needs no credentials
	resp, _ = ts.do(t, "GET", "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type wsMessage struct {
	Type   models.MessageType `json:"type"`
	ID     string             `json:"id"`
	Seq    uint64             `json:"seq"`
	X      int                `json:"x"`
	Y      int                `json:"y"`
	Color  models.Color       `json:"color"`
	Author string             `json:"author"`
	Pixels []models.Color     `json:"pixels"`
	Code   string             `json:"code"`
}

func dial(t *testing.T, ts *testServer, user string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if user != "" {
		req, _ := http.NewRequest("GET", ts.URL, nil)
		req.SetBasicAuth(user, "secret")
		header.Set("Authorization", req.Header.Get("Authorization"))
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/canvas"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestWebSocketSessions(t *testing.T) {
	ts := newTestServer(t, true)

	artist := dial(t, ts, "alice")
	assert.Equal(t, models.MessageTypeWelcome, read(t, artist).Type)
	snap := read(t, artist)
	assert.Equal(t, models.MessageTypeSnapshot, snap.Type)
	assert.Equal(t, uint64(0), snap.Seq)

	viewer := dial(t, ts, "bob")
	read(t, viewer)
	read(t, viewer)

	artist.WriteJSON(map[string]any{"type": "place", "id": "r1", "x": 3, "y": 3, "color": red})

	// the broadcast is queued before the submitter's ack
	edit := read(t, artist)
	assert.Equal(t, models.MessageTypeEdit, edit.Type)
	assert.Equal(t, uint64(1), edit.Seq)
	assert.Equal(t, "alice", edit.Author)
	ack := read(t, artist)
	assert.Equal(t, models.MessageTypeAck, ack.Type)
	assert.Equal(t, "r1", ack.ID)
	assert.Equal(t, uint64(1), ack.Seq)

	edit = read(t, viewer)
	assert.Equal(t, uint64(1), edit.Seq)
	assert.Equal(t, red, edit.Color)

	// a view-only submission is answered on its own session only
	viewer.WriteJSON(map[string]any{"type": "place", "id": "r2", "x": 4, "y": 4, "color": red})
	rejected := read(t, viewer)
	assert.Equal(t, models.MessageTypeError, rejected.Type)
	assert.Equal(t, "r2", rejected.ID)
	assert.Equal(t, "PermissionDenied", rejected.Code)

	artist.WriteJSON(map[string]any{"type": "place", "id": "r3", "x": 5, "y": 5, "color": red})
	assert.Equal(t, uint64(2), read(t, artist).Seq)
	assert.Equal(t, "r3", read(t, artist).ID)
	assert.Equal(t, uint64(2), read(t, viewer).Seq)

	late := dial(t, ts, "")
	read(t, late)
	snap = read(t, late)
	assert.Equal(t, uint64(2), snap.Seq)
	assert.Equal(t, red, snap.Pixels[3*10+3])
	assert.Equal(t, white, snap.Pixels[4*10+4])

	resp, body := ts.do(t, "GET", "/api/sessions", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["count"])
}

func TestWebSocketRequiresCredentials(t *testing.T) {
	ts := newTestServer(t, false)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/canvas"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPermissionPresetsOverHTTP(t *testing.T) {
	ts := newTestServer(t, true)

	resp, body := ts.do(t, "POST", "/api/canvas/clear", "mod", map[string]any{"x": 0, "y": 0, "width": 3, "height": 3, "color": red})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, string(models.EditClearRegion), body["kind"])

	px, _ := ts.state.GetPixel(2, 2)
	assert.Equal(t, red, px.Color)
	assert.Equal(t, true, permissions.Allowed(permissions.Moderator, permissions.OpClearRegion))
}
