package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/whha111/meme-perp-dex-sub000/internal/event"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is the envelope pushed to websocket clients.
type wsMessage struct {
	Topic string      `json:"topic"`
	Data  interface{} `json:"data"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans risk events out to websocket subscribers: liquidations, ADL
// fills, funding settlements, snapshots, and tier alerts. A slow client
// is disconnected rather than allowed to backpressure the bus.
type Hub struct {
	bus *event.Bus
	log zerolog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func NewHub(bus *event.Bus, log zerolog.Logger) *Hub {
	return &Hub{
		bus:     bus,
		log:     log,
		clients: make(map[*wsClient]struct{}),
	}
}

// Run pumps bus events into connected clients until the bus channels
// close or the process exits.
func (h *Hub) Run() {
	topics := []string{
		event.TopicLiquidation,
		event.TopicADL,
		event.TopicFunding,
		event.TopicSnapshot,
		event.TopicRiskAlert,
	}
	for _, topic := range topics {
		go h.pump(topic, h.bus.Subscribe(topic, 256))
	}
}

func (h *Hub) pump(topic string, ch <-chan interface{}) {
	for evt := range ch {
		data, err := json.Marshal(wsMessage{Topic: topic, Data: evt})
		if err != nil {
			h.log.Error().Err(err).Str("topic", topic).Msg("marshal ws event")
			continue
		}
		h.broadcast(data)
	}
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow consumer: drop the connection, not the bus.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// ServeWS upgrades the connection and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 64)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(client)
	go h.readLoop(client)
}

func (h *Hub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (h *Hub) readLoop(c *wsClient) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
