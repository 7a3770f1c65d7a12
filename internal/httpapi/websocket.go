package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/relaybot-dev/relaybot/internal/logger"
)

// EventBroadcaster fans operator-relevant events (connection-state
// transitions, plugin errors) out to every connected /ws/events client,
// adapted from the teacher's websocket.Hub broadcast-to-all loop:
// slow clients get dropped rather than allowed to block the broadcaster.
type EventBroadcaster struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

const clientSendBuffer = 32

// NewEventBroadcaster constructs an empty broadcaster; call Run
// nowhere — unlike the teacher's Hub this one has no goroutine of its
// own, Broadcast fans out directly since register/unregister only ever
// happen from HTTP handler goroutines with their own lock already.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{clients: make(map[*wsClient]struct{})}
}

// Broadcast sends an event to every currently-connected client. Any
// client whose send buffer is already full is dropped rather than
// allowed to stall the broadcast for everyone else.
func (b *EventBroadcaster) Broadcast(event string, payload interface{}) {
	msg, err := json.Marshal(gin.H{"event": event, "data": payload, "at": time.Now()})
	if err != nil {
		logger.HTTP().Warn().Err(err).Msg("failed to marshal operator event")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- msg:
		default:
			delete(b.clients, c)
			close(c.send)
		}
	}
}

func (b *EventBroadcaster) register(c *wsClient) {
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
}

func (b *EventBroadcaster) unregister(c *wsClient) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEventsFeed upgrades an operator's connection and streams
// events until they disconnect or their buffer overflows.
func (s *Server) handleEventsFeed(c *gin.Context) {
	if s.deps.EventsFeed == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "events feed not wired"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.HTTP().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, clientSendBuffer)}
	s.deps.EventsFeed.register(client)
	defer s.deps.EventsFeed.unregister(client)

	go client.drainInbound()
	client.writeLoop()
}

// drainInbound discards anything the client sends; this feed is
// one-directional, but gorilla requires reads to notice a closed
// connection promptly.
func (c *wsClient) drainInbound() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.conn.Close()
			return
		}
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
