package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vexa.gg/parkour/internal/parkour/catalog"
	"vexa.gg/parkour/internal/parkour/engine"
	"vexa.gg/parkour/internal/parkour/tuning"
	"vexa.gg/parkour/internal/protocol"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func ms(v int64) *int64 { return &v }

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine, *clock) {
	t.Helper()
	srv, _, eng, clk := newTestServerWS(t)
	return srv, eng, clk
}

func newTestServerWS(t *testing.T) (*httptest.Server, *Server, *engine.Engine, *clock) {
	t.Helper()
	start := &catalog.Transform{X: 0, Y: 64, Z: 0}
	cat, err := catalog.New([]catalog.MapDefinition{{
		ID:                "A",
		FirstCompletionXP: 100,
		Active:            true,
		Start:             start,
		Checkpoints:       []catalog.Transform{{X: 5}, {X: 10}},
		GoldTimeMs:        ms(3000),
		SilverTimeMs:      ms(5000),
		BronzeTimeMs:      ms(8000),
	}})
	require.NoError(t, err)
	clk := &clock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(cat, engine.Config{Tuning: tuning.Defaults(), Now: clk.Now})
	ws := NewServer(eng, nil)
	srv := httptest.NewServer(ws.Handler())
	t.Cleanup(srv.Close)
	return srv, ws, eng, clk
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

type result struct {
	Type    string          `json:"type"`
	ReqID   string          `json:"req_id"`
	For     string          `json:"for"`
	OK      bool            `json:"ok"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func request(t *testing.T, conn *websocket.Conn, req protocol.RequestMsg) result {
	t.Helper()
	req.ProtocolVersion = protocol.Version
	send(t, conn, req)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var res result
	require.NoError(t, conn.ReadJSON(&res))
	require.Equal(t, protocol.TypeResult, res.Type)
	require.Equal(t, req.ReqID, res.ReqID)
	return res
}

func hello(t *testing.T, conn *websocket.Conn, id uuid.UUID, name string) protocol.WelcomeMsg {
	t.Helper()
	send(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, PlayerID: id.String(), Name: name})
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var w protocol.WelcomeMsg
	require.NoError(t, conn.ReadJSON(&w))
	require.Equal(t, protocol.TypeWelcome, w.Type)
	return w
}

func intp(v int) *int { return &v }

func TestServer_RunLifecycle(t *testing.T) {
	srv, eng, clk := newTestServer(t)
	conn := dial(t, srv)
	id := uuid.New()

	w := hello(t, conn, id, "Ann")
	assert.True(t, w.FirstVisit)
	assert.Equal(t, "Ann", w.Name)
	assert.Equal(t, 50, w.PageSize)

	res := request(t, conn, protocol.RequestMsg{Type: protocol.TypeFinish, ReqID: "1"})
	assert.False(t, res.OK)
	assert.Equal(t, protocol.ErrNoActiveRun, res.Code)

	res = request(t, conn, protocol.RequestMsg{Type: protocol.TypeStartRun, ReqID: "2", MapID: "nope"})
	assert.Equal(t, protocol.ErrMapNotFound, res.Code)

	res = request(t, conn, protocol.RequestMsg{Type: protocol.TypeStartRun, ReqID: "3", MapID: "A"})
	require.True(t, res.OK, res.Message)

	res = request(t, conn, protocol.RequestMsg{Type: protocol.TypeCheckpoint, ReqID: "4"})
	assert.Equal(t, protocol.ErrBadRequest, res.Code)

	clk.Advance(time.Second)
	res = request(t, conn, protocol.RequestMsg{Type: protocol.TypeFinish, ReqID: "5"})
	assert.Equal(t, protocol.ErrCheckpointsMissing, res.Code)

	res = request(t, conn, protocol.RequestMsg{Type: protocol.TypeCheckpoint, ReqID: "6", Checkpoint: intp(0)})
	require.True(t, res.OK)
	clk.Advance(time.Second)
	res = request(t, conn, protocol.RequestMsg{Type: protocol.TypeCheckpoint, ReqID: "7", Checkpoint: intp(1)})
	require.True(t, res.OK)
	var cp struct {
		Recorded bool `json:"recorded"`
		Reached  int  `json:"reached"`
		Total    int  `json:"total"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &cp))
	assert.Equal(t, 2, cp.Reached)
	assert.Equal(t, 2, cp.Total)

	clk.Advance(500 * time.Millisecond)
	res = request(t, conn, protocol.RequestMsg{Type: protocol.TypeFinish, ReqID: "8"})
	require.True(t, res.OK, res.Message)
	var fin struct {
		ElapsedMs int64  `json:"elapsed_ms"`
		Mode      string `json:"mode"`
		Medal     string `json:"medal"`
		Progress  struct {
			FirstCompletion bool   `json:"first_completion"`
			XPAwarded       int64  `json:"xp_awarded"`
			NewTier         string `json:"new_tier"`
		} `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &fin))
	assert.Equal(t, int64(2500), fin.ElapsedMs)
	assert.Equal(t, "normal", fin.Mode)
	assert.Equal(t, "GOLD", fin.Medal)
	assert.True(t, fin.Progress.FirstCompletion)
	assert.Equal(t, int64(100), fin.Progress.XPAwarded)
	assert.Equal(t, "VexaGod", fin.Progress.NewTier)

	res = request(t, conn, protocol.RequestMsg{Type: protocol.TypeMapBoard, ReqID: "9", MapID: "A"})
	require.True(t, res.OK)
	var board engine.MapBoard
	require.NoError(t, json.Unmarshal(res.Data, &board))
	require.Len(t, board.Rows, 1)
	assert.Equal(t, "Ann", board.Rows[0].Name)

	res = request(t, conn, protocol.RequestMsg{Type: protocol.TypeProgress, ReqID: "10"})
	require.True(t, res.OK)
	var prog struct {
		XP   int64  `json:"xp"`
		Rank string `json:"rank"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &prog))
	assert.Equal(t, int64(100), prog.XP)

	res = request(t, conn, protocol.RequestMsg{Type: "JUMP", ReqID: "11"})
	assert.Equal(t, protocol.ErrBadRequest, res.Code)

	_ = conn.Close()
	assert.Eventually(t, func() bool { return eng.OnlineCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_PracticeAndDisconnect(t *testing.T) {
	srv, eng, clk := newTestServer(t)
	conn := dial(t, srv)
	id := uuid.New()
	hello(t, conn, id, "Ben")
	assert.Equal(t, 1, eng.OnlineCount())

	res := request(t, conn, protocol.RequestMsg{Type: protocol.TypePractice, ReqID: "p0"})
	assert.Equal(t, protocol.ErrNoActiveRun, res.Code)

	request(t, conn, protocol.RequestMsg{Type: protocol.TypeStartRun, ReqID: "s", MapID: "A"})
	res = request(t, conn, protocol.RequestMsg{Type: protocol.TypePractice, ReqID: "p1"})
	require.True(t, res.OK)
	res = request(t, conn, protocol.RequestMsg{Type: protocol.TypeFail, ReqID: "f"})
	require.True(t, res.OK)
	clk.Advance(time.Second)

	_ = conn.Close()
	assert.Eventually(t, func() bool {
		_, running := eng.Runs.Session(id)
		return !running && eng.OnlineCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, eng.Progress.IsMapCompleted(id, "A"))
}

func TestServer_HandshakeRejections(t *testing.T) {
	srv, eng, _ := newTestServer(t)

	conn := dial(t, srv)
	send(t, conn, protocol.RequestMsg{Type: protocol.TypeStartRun, ProtocolVersion: protocol.Version, MapID: "A"})
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)

	conn = dial(t, srv)
	send(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, PlayerID: "not-a-uuid"})
	var msg protocol.ErrorMsg
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, protocol.ErrInvalidUUIDCode, msg.Code)

	conn = dial(t, srv)
	send(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.1", PlayerID: uuid.NewString()})
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)

	assert.Equal(t, 0, eng.OnlineCount())
}

func TestServer_ShutdownLeavesEveryConnection(t *testing.T) {
	srv, ws, eng, _ := newTestServerWS(t)
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for i, id := range ids {
		conn := dial(t, srv)
		hello(t, conn, id, fmt.Sprintf("P%d", i))
		res := request(t, conn, protocol.RequestMsg{Type: protocol.TypeStartRun, ReqID: "s", MapID: "A"})
		require.True(t, res.OK)
	}
	require.Equal(t, 3, eng.OnlineCount())
	require.Equal(t, 3, eng.Runs.ActiveCount())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Shutdown(ctx))

	// Shutdown returns only after every handler has left the engine.
	assert.Equal(t, 0, eng.OnlineCount())
	assert.Equal(t, 0, eng.Runs.ActiveCount())
	for _, id := range ids {
		_, running := eng.Runs.Session(id)
		assert.False(t, running)
	}

	// new sockets are refused once shutdown has begun
	late := dial(t, srv)
	_ = late.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, PlayerID: uuid.NewString(), Name: "late"})
	_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := late.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, eng.OnlineCount())
}
