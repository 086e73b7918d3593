package status

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"minerwatch/logger"
	"minerwatch/uptime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// feedWriteTimeout bounds one broadcast write so a stalled client cannot
// wedge the hub loop.
const feedWriteTimeout = 10 * time.Second

type feedClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *feedClient) send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Feed pushes a message to every connected websocket client after each
// uptime tick. It implements uptime.Publisher.
type Feed struct {
	mu        sync.RWMutex
	clients   map[*feedClient]struct{}
	broadcast chan []byte
	register  chan *feedClient
	unregist  chan *feedClient
	done      chan struct{}
}

var _ uptime.Publisher = (*Feed)(nil)

// NewFeed creates the feed hub. Call Run in a goroutine before serving.
func NewFeed() *Feed {
	return &Feed{
		clients:   make(map[*feedClient]struct{}),
		broadcast: make(chan []byte, 256),
		register:  make(chan *feedClient),
		unregist:  make(chan *feedClient),
		done:      make(chan struct{}),
	}
}

// Run owns the client set until ctx is cancelled, then closes every
// connection and exits.
func (f *Feed) Run(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			for client := range f.clients {
				client.conn.Close()
				delete(f.clients, client)
			}
			f.mu.Unlock()
			return

		case client := <-f.register:
			f.mu.Lock()
			f.clients[client] = struct{}{}
			n := len(f.clients)
			f.mu.Unlock()
			logger.Debug("feed client connected", "clients", n)

		case client := <-f.unregist:
			f.mu.Lock()
			if _, ok := f.clients[client]; ok {
				delete(f.clients, client)
				client.conn.Close()
			}
			n := len(f.clients)
			f.mu.Unlock()
			logger.Debug("feed client disconnected", "clients", n)

		case msg := <-f.broadcast:
			f.mu.RLock()
			for client := range f.clients {
				if err := client.send(msg); err != nil {
					logger.Debug("feed write failed", "error", err)
				}
			}
			f.mu.RUnlock()
		}
	}
}

// PublishTick serialises a tick summary and broadcasts it. Drops the
// message when the buffer is full rather than blocking the engine.
func (f *Feed) PublishTick(sum uptime.TickSummary) {
	msg, err := json.Marshal(map[string]any{
		"type": "tick",
		"tick": sum,
	})
	if err != nil {
		logger.Error("tick marshal failed", "error", err)
		return
	}
	select {
	case f.broadcast <- msg:
	default:
	}
}

// Handle upgrades the request and keeps the client registered until it
// disconnects.
func (f *Feed) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("feed upgrade failed", "error", err)
		return
	}
	client := &feedClient{conn: conn}
	select {
	case f.register <- client:
	case <-f.done:
		conn.Close()
		return
	}
	go f.read(client)
}

// read drains incoming frames so pings and close frames are processed.
func (f *Feed) read(client *feedClient) {
	defer func() {
		select {
		case f.unregist <- client:
		case <-f.done:
			client.conn.Close()
		}
	}()
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("feed read failed", "error", err)
			}
			return
		}
	}
}
