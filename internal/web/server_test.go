package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/orbit/internal/auth"
	"github.com/codefionn/orbit/internal/hub"
	"github.com/codefionn/orbit/internal/logger"
	"github.com/codefionn/orbit/internal/protocol"
	"github.com/codefionn/orbit/internal/state"
)

const testToken = "orbit-test-token"

type testServer struct {
	srv   *Server
	hub   *hub.Hub
	store *state.Store
}

func newTestServer(t *testing.T, tweaks ...func(*Options)) *testServer {
	t.Helper()

	verifier, err := auth.NewStaticTokenVerifier(testToken, "tester")
	require.NoError(t, err)

	store := state.NewStore(state.Default())
	h := hub.New(hub.NewRegistry())
	opts := protocol.DefaultOptions()
	opts.Logger = logger.NewWithWriter(logger.LevelNone, io.Discard, "test")
	engine := protocol.NewEngine(store, h, protocol.CompleterFunc(func(_ context.Context, prompt string) (string, error) {
		return "echo: " + prompt, nil
	}), opts)

	serverOpts := Options{WebSocketPath: "/ws/mcp", SendBuffer: 16}
	for _, tweak := range tweaks {
		tweak(&serverOpts)
	}
	srv := NewServer(serverOpts, verifier, h, engine)
	return &testServer{srv: srv, hub: h, store: store}
}

func wsURL(base, query string) string {
	u := "ws" + strings.TrimPrefix(base, "http") + "/ws/mcp"
	if query != "" {
		u += "?" + query
	}
	return u
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
		return closeErr.Code
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, StatusMessage, body["status"])
}

func TestHealthReportsSessions(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.srv.Handler())
	defer ts.Close()

	conn := dial(t, wsURL(ts.URL, "token="+testToken), nil)
	assert.Equal(t, protocol.EventInit, readEvent(t, conn)["type"])

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status    string `json:"status"`
		Sessions  int    `json:"sessions"`
		Delivered uint64 `json:"delivered"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Sessions)
	assert.GreaterOrEqual(t, body.Delivered, uint64(1))
}

func TestRejectedWebSocketGetsPolicyViolation(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.srv.Handler())
	defer ts.Close()

	for _, query := range []string{"", "token=wrong"} {
		conn := dial(t, wsURL(ts.URL, query), nil)
		assert.Equal(t, websocket.ClosePolicyViolation, readCloseCode(t, conn), "query %q", query)
		assert.Equal(t, 0, s.hub.Registry().Len())
	}
	assert.Equal(t, uint64(0), s.hub.Stats().Delivered)
}

func TestRejectedPlainRequestIsForbidden(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ws/mcp?token=wrong")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdmittedConnectionReceivesInit(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.srv.Handler())
	defer ts.Close()

	conn := dial(t, wsURL(ts.URL, "token="+testToken), nil)
	ev := readEvent(t, conn)
	assert.Equal(t, protocol.EventInit, ev["type"])
	data := ev["data"].(map[string]interface{})
	assert.Equal(t, string(state.StatusIdle), data["status"])
	assert.Equal(t, state.TaskWaiting, data["current_task"])
	assert.Equal(t, 1, s.hub.Registry().Len())
}

func TestBearerHeaderIsAccepted(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).srv.Handler())
	defer ts.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+testToken)
	conn := dial(t, wsURL(ts.URL, ""), header)
	assert.Equal(t, protocol.EventInit, readEvent(t, conn)["type"])
}

func TestHaltReachesEveryConnection(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.srv.Handler())
	defer ts.Close()

	a := dial(t, wsURL(ts.URL, "token="+testToken), nil)
	b := dial(t, wsURL(ts.URL, "token="+testToken), nil)
	readEvent(t, a)
	readEvent(t, b)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"HALT_SIGNAL"}`)))

	for _, conn := range []*websocket.Conn{a, b} {
		alert := readEvent(t, conn)
		assert.Equal(t, protocol.EventAlert, alert["type"])
		assert.Equal(t, protocol.AlertHalted, alert["msg"])

		update := readEvent(t, conn)
		assert.Equal(t, protocol.EventStateUpdate, update["type"])
		assert.Equal(t, string(state.StatusHalted), update["data"].(map[string]interface{})["status"])
	}
	assert.Equal(t, state.StatusHalted, s.store.Snapshot().Status)
}

func TestPromptOverWebSocket(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).srv.Handler())
	defer ts.Close()

	conn := dial(t, wsURL(ts.URL, "token="+testToken), nil)
	readEvent(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"AI_PROMPT","payload":{"text":"status?"}}`)))

	busy := readEvent(t, conn)
	assert.Equal(t, string(state.StatusBusy), busy["data"].(map[string]interface{})["status"])
	response := readEvent(t, conn)
	assert.Equal(t, protocol.EventAIResponse, response["type"])
	assert.Equal(t, "echo: status?", response["data"].(map[string]interface{})["text"])
	idle := readEvent(t, conn)
	assert.Equal(t, string(state.StatusIdle), idle["data"].(map[string]interface{})["status"])
}

func TestDisconnectRemovesSession(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.srv.Handler())
	defer ts.Close()

	conn := dial(t, wsURL(ts.URL, "token="+testToken), nil)
	readEvent(t, conn)
	require.Equal(t, 1, s.hub.Registry().Len())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	assert.Eventually(t, func() bool { return s.hub.Registry().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServeShutdownClosesSessions(t *testing.T) {
	s := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.srv.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	conn := dial(t, wsURL(base, "token="+testToken), nil)
	readEvent(t, conn)

	cancel()
	assert.Equal(t, websocket.CloseGoingAway, readCloseCode(t, conn))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
	assert.Equal(t, 0, s.hub.Registry().Len())
}

func TestCredentialExtraction(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/mcp?token=q", nil)
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "q", credential(r), "query parameter wins")

	r = httptest.NewRequest(http.MethodGet, "/ws/mcp", nil)
	r.Header.Set("Authorization", "bearer  h ")
	assert.Equal(t, "h", credential(r))

	r = httptest.NewRequest(http.MethodGet, "/ws/mcp", nil)
	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, credential(r))
}

func TestLoadTLSConfigMissingFiles(t *testing.T) {
	_, err := LoadTLSConfig("missing.crt", "missing.key", "")
	assert.Error(t, err)
}
