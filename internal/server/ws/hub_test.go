package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/vaultdash/internal/domain"
)

func TestFrameRoundTrip(t *testing.T) {
	frame, err := EncodeFrame(domain.ChannelTx, []byte(`{"id":"t1","status":"confirmed","blockNumber":12}`))
	require.NoError(t, err)

	typ, payload, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, "tx", typ)
	assert.Equal(t, "confirmed", payload["status"])
	assert.Equal(t, float64(12), payload["blockNumber"])
}

func TestEncodeFrameRejectsNonJSON(t *testing.T) {
	_, err := EncodeFrame(domain.ChannelSnapshot, []byte("not json"))
	assert.Error(t, err)
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, domain.ChannelTx, channelName("tx"))
	assert.Equal(t, domain.ChannelWallet, channelName(domain.ChannelWallet))
}

type chanBus struct{ ch chan []byte }

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	if channel == domain.ChannelSnapshot {
		return b.ch, nil
	}
	return make(chan []byte), nil
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (string, map[string]any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	typ, payload, err := DecodeFrame(data)
	require.NoError(t, err)
	return typ, payload
}

func TestHubPushesCurrentThenLocalEvents(t *testing.T) {
	hub := NewHub(Config{
		Current: func(context.Context) (domain.Snapshot, error) {
			return domain.Snapshot{Seq: 3, ChainID: 8453}, nil
		},
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	conn := dial(t, srv)

	typ, payload := readFrame(t, conn)
	assert.Equal(t, "snapshot", typ)
	assert.Equal(t, float64(3), payload["seq"])

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Publish(ctx, domain.ChannelTx, []byte(`{"status":"submitted"}`)))
	typ, payload = readFrame(t, conn)
	assert.Equal(t, "tx", typ)
	assert.Equal(t, "submitted", payload["status"])
}

func TestHubHonoursUnsubscribe(t *testing.T) {
	hub := NewHub(Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	msg, _ := json.Marshal(subscribeMsg{Action: "unsubscribe", Channels: []string{"tx"}})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))

	// Wait until the read pump has applied the change.
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			return !c.isSubscribed(domain.ChannelTx)
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, domain.ChannelTx, []byte(`{"status":"confirmed"}`)))
	require.NoError(t, hub.Publish(ctx, domain.ChannelWallet, []byte(`{"type":"connected"}`)))

	typ, _ := readFrame(t, conn)
	assert.Equal(t, "wallet", typ, "the tx event was filtered out")
}

func TestHubRelaysBus(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 1)}
	hub := NewHub(Config{Bus: bus}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	bus.ch <- []byte(`{"seq":9}`)
	typ, payload := readFrame(t, conn)
	assert.Equal(t, "snapshot", typ)
	assert.Equal(t, float64(9), payload["seq"])
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub(Config{AllowedOrigins: []string{"http://localhost:3000"}}, nil)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, hub.checkOrigin(req))
	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, hub.checkOrigin(req))
}

// stoppedHub returns a hub whose Run has already returned.
func stoppedHub(t *testing.T, cfg Config, logger *slog.Logger) *Hub {
	t.Helper()
	hub := NewHub(cfg, logger)
	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(ran)
	}()
	cancel()
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	return hub
}

func TestHandleWSAfterRunReturns(t *testing.T) {
	hub := stoppedHub(t, Config{}, nil)

	returned := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(returned)
		hub.HandleWS(w, r)
	}))
	defer srv.Close()
	conn := dial(t, srv)

	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("HandleWS blocked on a stopped hub")
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "the connection is closed")
	assert.Equal(t, 0, hub.ClientCount())
}

func TestReadPumpExitsAfterRunReturns(t *testing.T) {
	hub := stoppedHub(t, Config{}, nil)

	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := hub.upgrader.Upgrade(w, r, nil)
		if err == nil {
			conns <- conn
		}
	}))
	defer srv.Close()
	peer := dial(t, srv)
	serverConn := <-conns

	c := &client{hub: hub, conn: serverConn, send: make(chan []byte, 1), subs: map[string]bool{}}
	exited := make(chan struct{})
	go func() {
		c.readPump()
		close(exited)
	}()
	require.NoError(t, peer.Close())

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("readPump blocked unregistering from a stopped hub")
	}
}

func TestPublishAfterRunReturns(t *testing.T) {
	hub := stoppedHub(t, Config{}, nil)
	err := hub.Publish(context.Background(), domain.ChannelTx, []byte(`{"status":"confirmed"}`))
	assert.ErrorIs(t, err, errHubStopped)
}

// syncBuffer is a bytes.Buffer safe for a logger and a test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRelayLogsDropCauseSeparately(t *testing.T) {
	logs := &syncBuffer{}
	bus := &chanBus{ch: make(chan []byte)}
	// Run is not started, so nothing drains the broadcast queue.
	hub := NewHub(Config{Bus: bus}, slog.New(slog.NewTextHandler(logs, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.subscribeToChannel(ctx, domain.ChannelSnapshot)

	for i := 0; i < cap(hub.broadcast); i++ {
		bus.ch <- []byte(`{"seq":1}`)
	}
	bus.ch <- []byte(`{"seq":2}`)
	bus.ch <- []byte("not json")

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "dropping undecodable event")
	}, 5*time.Second, 10*time.Millisecond)

	out := logs.String()
	assert.Equal(t, 1, strings.Count(out, "broadcast queue full, dropping event"))
	assert.Equal(t, 1, strings.Count(out, "dropping undecodable event"))
	assert.Len(t, hub.broadcast, cap(hub.broadcast))
}
