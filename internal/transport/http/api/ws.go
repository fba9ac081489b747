package apihttp

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"compass/internal/logger"
	pricecache "compass/internal/prices"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same-origin policy is left to the reverse proxy; the API itself is
	// local-first.
	CheckOrigin: func(*http.Request) bool { return true },
}

// PriceHub pushes every accepted cache write to connected websocket
// clients. Slow clients get disconnected rather than stalling the fan-out.
type PriceHub struct {
	cache *pricecache.Cache

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	broadcast chan []byte
	obsID     int
	startOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewPriceHub(cache *pricecache.Cache) *PriceHub {
	return &PriceHub{
		cache:     cache,
		clients:   make(map[*wsClient]struct{}),
		broadcast: make(chan []byte, 256),
	}
}

// Start hooks the hub into the cache and runs the fan-out loop until ctx
// cancels.
func (h *PriceHub) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		h.obsID = h.cache.AddObserver(pricecache.ObserverFunc(func(asset pricecache.Asset) {
			msg, err := json.Marshal(gin.H{"type": "price", "asset": asset})
			if err != nil {
				return
			}
			select {
			case h.broadcast <- msg:
			default:
				// fan-out backlog, drop the tick; the next one supersedes it
			}
		}))
		go h.run(ctx)
	})
}

func (h *PriceHub) run(ctx context.Context) {
	defer h.cache.RemoveObserver(h.obsID)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *PriceHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// HandleConnection upgrades the request and streams price updates. The
// first frame is a full snapshot so a fresh client does not wait for the
// next tick.
func (h *PriceHub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("websocket upgrade failed: %v", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 64)}

	if snapshot, err := json.Marshal(gin.H{"type": "snapshot", "assets": h.cache.All()}); err == nil {
		client.send <- snapshot
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writePump(client)
	go h.readPump(client)
}

func (h *PriceHub) readPump(client *wsClient) {
	defer h.drop(client)
	client.conn.SetReadLimit(512)
	_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		// inbound frames are ignored; the stream is one-way
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *PriceHub) writePump(client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *PriceHub) drop(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	client.conn.Close()
}
