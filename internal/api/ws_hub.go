package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// WSMessage is a JSON message sent to WebSocket clients: either a
// broadcast engine event or the reply to a message the client sent.
type WSMessage struct {
	Type     string           `json:"type"`
	Event    *model.Event     `json:"event,omitempty"`
	Response *engine.Response `json:"response,omitempty"`
}

// HandlerFunc runs one engine message.
type HandlerFunc func(ctx context.Context, msg engine.Message) engine.Response

type client struct {
	conn *websocket.Conn
	send chan []byte
}

type reply struct {
	to   *client
	data []byte
}

// WSHub manages WebSocket connections. It broadcasts engine events to all
// connected clients and runs engine messages that clients send.
type WSHub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	direct     chan reply
	register   chan *client
	unregister chan *client
	done       chan struct{}
	handle     HandlerFunc
}

// NewWSHub creates a new WebSocket hub. handle may be nil, in which case
// inbound messages are ignored.
func NewWSHub(handle HandlerFunc) *WSHub {
	return &WSHub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		direct:     make(chan reply, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		handle:     handle,
	}
}

// SetHandler sets the inbound message handler. Call before Run.
func (h *WSHub) SetHandler(handle HandlerFunc) {
	h.handle = handle
}

// Run is the hub's event loop. It returns when ctx is done, after closing
// every client.
func (h *WSHub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			slog.Info("ws client connected", "total", len(h.clients))

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow consumer.
					h.drop(c)
				}
			}

		case r := <-h.direct:
			if !h.clients[r.to] {
				continue
			}
			select {
			case r.to.send <- r.data:
			default:
				h.drop(r.to)
			}

		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return nil
		}
	}
}

func (h *WSHub) drop(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

// Publish broadcasts events to all clients. It implements audit.Sink and
// never blocks: events are dropped when the buffer is full.
func (h *WSHub) Publish(_ context.Context, events []model.Event) error {
	for i := range events {
		data, err := json.Marshal(WSMessage{Type: "event", Event: &events[i]})
		if err != nil {
			slog.Warn("ws event encode failed", "type", string(events[i].Type), "err", err)
			continue
		}
		select {
		case h.broadcast <- data:
		default:
			// Drop if buffer full to avoid blocking the engine.
		}
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump runs inbound messages and detects disconnects.
func (h *WSHub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if h.handle == nil {
			continue
		}

		var msg engine.Message
		var resp engine.Response
		if err := json.Unmarshal(data, &msg); err != nil {
			resp = engine.Response{Success: false, Error: "invalid message"}
		} else {
			resp = h.handle(context.Background(), msg)
		}
		out, err := json.Marshal(WSMessage{Type: "response", Response: &resp})
		if err != nil {
			slog.Warn("ws response encode failed", "type", msg.Type, "err", err)
			continue
		}
		select {
		case h.direct <- reply{to: c, data: out}:
		case <-h.done:
			return
		}
	}
}

// writePump is the only writer on the connection.
func (h *WSHub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
