package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdvr/internal/door"
	"mdvr/internal/sensor"
	"mdvr/internal/types"
)

type fakeGate struct {
	mu          sync.Mutex
	status      door.StatusSnapshot
	initErr     error
	autostops   []int
	deactivated int
	subscribers []func(door.StatusSnapshot)
}

func newFakeGate() *fakeGate {
	return &fakeGate{status: door.StatusSnapshot{Status: "unknown", Timestamp: 1700000000}}
}

func (g *fakeGate) Initialize(ctx context.Context, autostopSeconds int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.autostops = append(g.autostops, autostopSeconds)
	if g.initErr != nil {
		return g.initErr
	}
	g.status.Initialized = true
	g.status.Autostop = autostopSeconds > 0
	g.status.SecondsLeft = autostopSeconds
	return nil
}

func (g *fakeGate) Deactivate(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deactivated++
	g.status = door.StatusSnapshot{Status: "unknown", Timestamp: g.status.Timestamp}
	return nil
}

func (g *fakeGate) Status() door.StatusSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

func (g *fakeGate) Subscribe(fn func(door.StatusSnapshot)) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribers = append(g.subscribers, fn)
	return func() {}
}

func (g *fakeGate) publish(status door.StatusSnapshot) {
	g.mu.Lock()
	g.status = status
	subscribers := append(([]func(door.StatusSnapshot))(nil), g.subscribers...)
	g.mu.Unlock()
	for _, fn := range subscribers {
		fn(status)
	}
}

type fakeEventStore struct {
	events []types.HealthEvent
	err    error
	limit  int
}

func (s *fakeEventStore) List(limit int) ([]types.HealthEvent, error) {
	s.limit = limit
	if s.err != nil {
		return nil, s.err
	}
	if limit < len(s.events) {
		return s.events[:limit], nil
	}
	return s.events, nil
}

func newTestServer(gate Gate, opts ...Option) *Server {
	cfg := DefaultServerConfig()
	cfg.Listen = "127.0.0.1:0"
	return NewServer(cfg, gate, opts...)
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	gate := newFakeGate()
	gate.status = door.StatusSnapshot{Status: "closed", Timestamp: 1700000000, Initialized: true, Autostop: true, SecondsLeft: 42}
	s := newTestServer(gate)

	rec := doRequest(t, s, http.MethodGet, "/reed-switch/status")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, `{"status":"closed","timestamp":1700000000,"initialized":true,"autostop":true,"seconds_left":42}`, strings.TrimSpace(rec.Body.String()))
}

func TestInitializeEndpoint(t *testing.T) {
	gate := newFakeGate()
	s := newTestServer(gate)

	rec := doRequest(t, s, http.MethodPost, "/reed-switch/initialize")

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp CommandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.True(t, resp.Autostop)
	assert.Equal(t, 180, resp.SecondsLeft)
	assert.Equal(t, []int{180}, gate.autostops)
}

func TestInitializeHardwareFailure(t *testing.T) {
	gate := newFakeGate()
	gate.initErr = &sensor.HardwareInitError{Pin: "GPIO16", Err: errors.New("gpio host unavailable")}
	s := newTestServer(gate)

	rec := doRequest(t, s, http.MethodPost, "/reed-switch/initialize")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp CommandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "GPIO16")
}

func TestStopEndpoint(t *testing.T) {
	gate := newFakeGate()
	s := newTestServer(gate)

	rec := doRequest(t, s, http.MethodPost, "/reed-switch/stop")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, gate.deactivated)
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(newFakeGate())
	rec := doRequest(t, s, http.MethodGet, "/reed-switch/initialize")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEventsEndpoint(t *testing.T) {
	store := &fakeEventStore{events: []types.HealthEvent{
		{ID: 3, Kind: types.EventCameraOutcome, CameraIndex: 0, Message: "success"},
		{ID: 2, Kind: types.EventGateTransition, CameraIndex: -1, Message: "armed -> recording"},
		{ID: 1, Kind: types.EventGateTransition, CameraIndex: -1, Message: "idle -> armed"},
	}}
	s := newTestServer(newFakeGate(), WithEventStore(store))

	rec := doRequest(t, s, http.MethodGet, "/api/events?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, int64(3), resp.Events[0].ID)
	assert.Equal(t, 2, store.limit)

	doRequest(t, s, http.MethodGet, "/api/events?limit=5000")
	assert.Equal(t, maxEventsLimit, store.limit)
}

func TestEventsEndpointErrors(t *testing.T) {
	s := newTestServer(newFakeGate())
	assert.Equal(t, http.StatusNotFound, doRequest(t, s, http.MethodGet, "/api/events").Code)

	store := &fakeEventStore{}
	s = newTestServer(newFakeGate(), WithEventStore(store))
	assert.Equal(t, http.StatusBadRequest, doRequest(t, s, http.MethodGet, "/api/events?limit=abc").Code)
	assert.Equal(t, http.StatusBadRequest, doRequest(t, s, http.MethodGet, "/api/events?limit=0").Code)

	store.err = errors.New("database is locked")
	assert.Equal(t, http.StatusInternalServerError, doRequest(t, s, http.MethodGet, "/api/events").Code)
}

func TestMetricsAndHealthRoutes(t *testing.T) {
	health := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	s := newTestServer(newFakeGate(), WithHealthHandler(health))

	rec := doRequest(t, s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	assert.Equal(t, http.StatusServiceUnavailable, doRequest(t, s, http.MethodGet, "/healthz").Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	s := newTestServer(newFakeGate())
	s.router.HandleFunc("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rec := doRequest(t, s, http.MethodGet, "/panic")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func readMessage(t *testing.T, conn *websocket.Conn) WebSocketMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg WebSocketMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func statusOf(t *testing.T, msg WebSocketMessage) door.StatusSnapshot {
	t.Helper()
	raw, err := json.Marshal(msg.Data)
	require.NoError(t, err)
	var status door.StatusSnapshot
	require.NoError(t, json.Unmarshal(raw, &status))
	return status
}

func TestWebSocketStatusStream(t *testing.T) {
	gate := newFakeGate()
	s := newTestServer(gate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.WebSocket().Start(ctx)
	unsubscribe := gate.Subscribe(func(status door.StatusSnapshot) {
		s.WebSocket().BroadcastEvent(MessageReedSwitchUpdate, status)
	})
	defer unsubscribe()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, MessageConnectionEstablished, readMessage(t, conn).Type)
	first := readMessage(t, conn)
	assert.Equal(t, MessageReedSwitchUpdate, first.Type)
	assert.Equal(t, "unknown", statusOf(t, first).Status)

	require.Eventually(t, func() bool { return s.WebSocket().GetConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	gate.publish(door.StatusSnapshot{Status: "closed", Timestamp: 1700000100, Initialized: true})
	update := readMessage(t, conn)
	assert.Equal(t, MessageReedSwitchUpdate, update.Type)
	assert.Equal(t, "closed", statusOf(t, update).Status)
	assert.True(t, statusOf(t, update).Initialized)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "get_status"}))
	reply := readMessage(t, conn)
	assert.Equal(t, MessageReedSwitchUpdate, reply.Type)
	assert.Equal(t, int64(1700000100), statusOf(t, reply).Timestamp)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, MessagePong, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "dance"}))
	assert.Equal(t, MessageError, readMessage(t, conn).Type)
}

func TestWebSocketClosedOnStop(t *testing.T) {
	gate := newFakeGate()
	s := newTestServer(gate)
	s.WebSocket().Start(context.Background())

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	readMessage(t, conn)
	readMessage(t, conn)

	s.WebSocket().Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return s.WebSocket().GetConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	gate := newFakeGate()
	s := newTestServer(gate)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	require.Eventually(t, func() bool {
		gate.mu.Lock()
		defer gate.mu.Unlock()
		return len(gate.subscribers) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
