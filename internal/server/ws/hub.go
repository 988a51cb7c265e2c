// Package ws pushes snapshot, transaction and wallet events to dashboard
// clients over websockets. Each event is a protobuf Struct in a binary frame:
//
//	{"type": "snapshot", "channel": "ch:vault:snapshot", "payload": {...}}
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/vaultdash/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

// Channels every client receives unless it narrows its subscription.
var defaultChannels = []string{
	domain.ChannelSnapshot,
	domain.ChannelTx,
	domain.ChannelWallet,
}

// client is one websocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
}

// subscribeMsg narrows or widens a client's channels. Short names
// ("snapshot", "tx", "wallet") are accepted.
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// Config configures a Hub.
type Config struct {
	// Bus, when set, is the event source; otherwise events arrive through
	// Publish.
	Bus domain.SignalBus
	// Current, when set, supplies the snapshot sent to each new client.
	Current func(ctx context.Context) (domain.Snapshot, error)
	// AllowedOrigins limits websocket origins; empty allows all.
	AllowedOrigins []string
}

// Hub fans events out to connected clients.
type Hub struct {
	cfg        Config
	upgrader   websocket.Upgrader
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	// done is closed when Run returns; register and unregister sends give
	// up on it instead of blocking forever.
	done     chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex
	logger   *slog.Logger
}

type broadcastMsg struct {
	channel string
	frame   []byte
}

// NewHub creates a Hub.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		cfg:        cfg,
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Run is the hub's event loop. It exits when ctx is cancelled and closes
// every client connection.
func (h *Hub) Run(ctx context.Context) error {
	defer h.stopOnce.Do(func() { close(h.done) })

	if h.cfg.Bus != nil {
		for _, ch := range defaultChannels {
			go h.subscribeToChannel(ctx, ch)
		}
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("total_clients", h.ClientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("total_clients", h.ClientCount()))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.isSubscribed(msg.channel) {
					continue
				}
				select {
				case c.send <- msg.frame:
				default:
					h.logger.Warn("dropping message for slow client", slog.String("channel", msg.channel))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish queues payload for every client subscribed to channel. It lets the
// hub stand in for the bus when the process runs without Redis. It never
// blocks; a full queue is an error.
func (h *Hub) Publish(ctx context.Context, channel string, payload []byte) error {
	frame, err := EncodeFrame(channel, payload)
	if err != nil {
		return err
	}
	select {
	case <-h.done:
		return errHubStopped
	default:
	}
	select {
	case h.broadcast <- broadcastMsg{channel: channel, frame: frame}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errBroadcastFull
	}
}

var (
	errBroadcastFull = errors.New("ws: broadcast queue full")
	errHubStopped    = errors.New("ws: hub stopped")
)

var _ domain.Publisher = (*Hub)(nil)

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) subscribeToChannel(ctx context.Context, channel string) {
	msgCh, err := h.cfg.Bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("subscribe failed", slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}
	h.logger.Info("subscribed to channel", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("channel subscription closed", slog.String("channel", channel))
				return
			}
			err := h.Publish(ctx, channel, data)
			switch {
			case err == nil, ctx.Err() != nil:
			case errors.Is(err, errHubStopped):
				return
			case errors.Is(err, errBroadcastFull):
				h.logger.Warn("broadcast queue full, dropping event", slog.String("channel", channel))
			default:
				h.logger.Warn("dropping undecodable event", slog.String("channel", channel), slog.String("error", err.Error()))
			}
		}
	}
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool, len(defaultChannels)),
	}
	for _, ch := range defaultChannels {
		c.subs[ch] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.sendCurrent(r.Context())

	go c.writePump()
	go c.readPump()
}

// sendCurrent primes a new client with the latest snapshot.
func (c *client) sendCurrent(ctx context.Context) {
	if c.hub.cfg.Current == nil {
		return
	}
	snap, err := c.hub.cfg.Current(ctx)
	if err != nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	frame, err := EncodeFrame(domain.ChannelSnapshot, payload)
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range msg.Channels {
		ch := channelName(name)
		switch msg.Action {
		case "subscribe":
			c.subs[ch] = true
		case "unsubscribe":
			delete(c.subs, ch)
		}
	}
}

func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel]
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// channelName expands a short channel name.
func channelName(name string) string {
	if strings.HasPrefix(name, "ch:") {
		return name
	}
	return "ch:vault:" + name
}

// EncodeFrame wraps a JSON payload in the protobuf envelope sent to clients.
func EncodeFrame(channel string, payload []byte) ([]byte, error) {
	var body any
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("ws: decode %s payload: %w", channel, err)
	}
	st, err := structpb.NewStruct(map[string]any{
		"type":    strings.TrimPrefix(channel, "ch:vault:"),
		"channel": channel,
		"payload": body,
	})
	if err != nil {
		return nil, fmt.Errorf("ws: build %s frame: %w", channel, err)
	}
	return proto.Marshal(st)
}

// DecodeFrame is the inverse of EncodeFrame.
func DecodeFrame(frame []byte) (eventType string, payload map[string]any, err error) {
	var st structpb.Struct
	if err := proto.Unmarshal(frame, &st); err != nil {
		return "", nil, fmt.Errorf("ws: decode frame: %w", err)
	}
	m := st.AsMap()
	eventType, _ = m["type"].(string)
	if eventType == "" {
		return "", nil, errors.New("ws: frame has no type")
	}
	payload, _ = m["payload"].(map[string]any)
	return eventType, payload, nil
}
