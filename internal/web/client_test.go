package web

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/orbit/internal/consts"
	"github.com/codefionn/orbit/internal/hub"
	"github.com/codefionn/orbit/internal/protocol"
)

// countingConn accepts every write
type countingConn struct {
	writes atomic.Int64
}

func (c *countingConn) WriteMessage([]byte) error { c.writes.Add(1); return nil }
func (c *countingConn) Close(int, string) error   { return nil }

// acceptRaw serves a bare websocket endpoint and hands each server side
// connection to the test
func acceptRaw(t *testing.T) (*httptest.Server, <-chan *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
	}))
	t.Cleanup(ts.Close)
	return ts, accepted
}

func TestBroadcastIsNotDelayedByPeerThatStopsReading(t *testing.T) {
	ts, accepted := acceptRaw(t)
	// the client never reads, so the server's writes eventually stall
	client := dial(t, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}

	registry := hub.NewRegistry()
	h := hub.New(registry)
	stalled := hub.NewSession("stalled", nil, newWSConn(serverConn, 0), 2)
	sink := &countingConn{}
	fast := hub.NewSession("fast", nil, sink, 16)
	defer fast.Close()
	require.NoError(t, registry.Add(stalled))
	require.NoError(t, registry.Add(fast))

	payload := bytes.Repeat([]byte("x"), 4<<20)
	const rounds = 10
	for i := 0; i < rounds; i++ {
		start := time.Now()
		h.Broadcast(payload)
		assert.Less(t, time.Since(start), time.Second, "broadcast %d", i)
	}

	assert.True(t, stalled.Closed())
	assert.Equal(t, uint64(1), h.Stats().Evicted)
	assert.Equal(t, 1, registry.Len())
	assert.Eventually(t, func() bool { return sink.writes.Load() == rounds }, 2*time.Second, 10*time.Millisecond)

	// dropping the peer unblocks the pending write and the close frame
	client.Close()
	waited := make(chan struct{})
	go func() {
		stalled.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(consts.WriteWait + 2*time.Second):
		t.Fatal("stalled session never finished closing")
	}
}

func TestKeepalivePingsClient(t *testing.T) {
	s := newTestServer(t, func(o *Options) { o.PingPeriod = 20 * time.Millisecond })
	ts := httptest.NewServer(s.srv.Handler())
	defer ts.Close()

	conn := dial(t, wsURL(ts.URL, "token="+testToken), nil)
	pings := make(chan struct{}, 16)
	conn.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	// control frames are only processed while reading
	frames := make(chan []byte, 16)
	go func() {
		defer close(frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	}()

	select {
	case data := <-frames:
		assert.Contains(t, string(data), protocol.EventInit)
	case <-time.After(2 * time.Second):
		t.Fatal("no INIT frame")
	}

	for i := 0; i < 3; i++ {
		select {
		case <-pings:
		case <-time.After(2 * time.Second):
			t.Fatalf("ping %d never arrived", i)
		}
	}
	// answered pings keep the session admitted
	assert.Equal(t, 1, s.hub.Registry().Len())
}
