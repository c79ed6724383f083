package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/adt-sh/adt/internal/agent"
	"github.com/adt-sh/adt/internal/audit"
	"github.com/adt-sh/adt/internal/auth"
	"github.com/adt-sh/adt/internal/common/logger"
	"github.com/adt-sh/adt/internal/core"
	"github.com/adt-sh/adt/internal/events/bus"
)

const (
	writeWait = 10 * time.Second
	// idlePing is how long a socket may stay silent before the server
	// sends an application-level ping.
	idlePing      = 30 * time.Second
	sendQueueSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Localhost gateway; the browser dashboard connects from file:// or
	// a dev server origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is a client-to-server command frame.
type wsMessage struct {
	Command string `json:"command"`
	Project string `json:"project,omitempty"`
	Task    string `json:"task,omitempty"`
	Token   string `json:"token,omitempty"`
}

// Hub fans bus events out to connected WebSocket clients.
type Hub struct {
	core *core.Core
	log  *logger.Logger

	mu      sync.Mutex
	clients map[*wsClient]bool
	busSub  bus.Subscription
}

func newHub(c *core.Core, log *logger.Logger) *Hub {
	h := &Hub{core: c, log: log, clients: make(map[*wsClient]bool)}

	if c.Bus != nil {
		sub, err := c.Bus.Subscribe(">", h.onBusEvent)
		if err != nil {
			log.WithError(err).Error("failed to subscribe websocket hub")
		} else {
			h.busSub = sub
		}
	}
	return h
}

// onBusEvent serializes a bus event and broadcasts it to every client.
func (h *Hub) onBusEvent(ctx context.Context, e *bus.Event) error {
	frame, err := json.Marshal(map[string]any{
		"type":      e.Type,
		"timestamp": e.Timestamp,
		"project":   e.Project,
		"data":      h.core.Scrubber.ScrubMap(e.Data),
	})
	if err != nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.trySend(frame)
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every client, used at shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	if h.busSub != nil {
		_ = h.busSub.Unsubscribe()
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// wsClient is one connected WebSocket.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  *logger.Logger
	role auth.Role

	mu        sync.Mutex
	subs      map[string]func()
	lastRead  time.Time
	closeOnce sync.Once
}

// handleWebSocket upgrades the connection and starts the pumps. A token
// may arrive via the Authorization header, the token query parameter, or
// an auth command as the first message; unauthenticated sockets are
// read-only viewers.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	role := auth.RoleViewer
	if info := tokenInfo(c); info != nil {
		role = info.Role
	}

	client := &wsClient{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, sendQueueSize),
		log:      s.log,
		role:     role,
		subs:     make(map[string]func()),
		lastRead: time.Now(),
	}
	s.hub.register(client)
	s.core.Audit.MustRecord(audit.Event{
		Action:    audit.ActionChannelWebsocketConnect,
		ActorType: audit.ActorUser,
		ActorIP:   c.ClientIP(),
		Channel:   "websocket",
	})

	go client.writePump()
	go client.readPump()

	client.greet()
}

// greet sends the connected frame with current counts.
func (c *wsClient) greet() {
	taskStats, err := c.hub.core.Tasks.Stats()
	if err != nil {
		c.log.WithError(err).Warn("failed to load task stats for greeting")
	}
	c.sendJSON(map[string]any{
		"type": "connected",
		"data": map[string]any{
			"agents": len(c.hub.core.Agents.List()),
			"tasks":  taskStats,
		},
	})
}

func (c *wsClient) sendJSON(v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.trySend(frame)
}

// trySend queues a frame, dropping it if the client cannot keep up.
func (c *wsClient) trySend(frame []byte) {
	select {
	case c.send <- frame:
	default:
	}
}

func (c *wsClient) readPump() {
	defer c.close()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.mu.Lock()
		c.lastRead = time.Now()
		c.mu.Unlock()

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendJSON(map[string]any{"type": "error", "error": "malformed message"})
			continue
		}
		c.handleCommand(&msg)
	}
}

func (c *wsClient) handleCommand(msg *wsMessage) {
	switch msg.Command {
	case "ping":
		c.sendJSON(map[string]any{"type": "pong"})

	case "auth":
		info, err := c.hub.core.Auth.ValidateToken(msg.Token)
		if err != nil {
			c.sendJSON(map[string]any{"type": "error", "error": "invalid token"})
			return
		}
		c.role = info.Role
		c.sendJSON(map[string]any{"type": "authenticated", "role": string(info.Role)})

	case "status":
		taskStats, err := c.hub.core.Tasks.Stats()
		if err != nil {
			c.sendJSON(map[string]any{"type": "error", "error": "status unavailable"})
			return
		}
		c.sendJSON(map[string]any{
			"type": "status",
			"data": map[string]any{
				"agents":  c.hub.core.Agents.List(),
				"tasks":   taskStats,
				"clients": c.hub.ClientCount(),
			},
		})

	case "subscribe":
		if msg.Project == "" {
			c.sendJSON(map[string]any{"type": "error", "error": "project required"})
			return
		}
		c.mu.Lock()
		_, already := c.subs[msg.Project]
		if !already {
			c.subs[msg.Project] = c.hub.core.Streamer.Subscribe(msg.Project, func(project, content string) {
				c.sendJSON(map[string]any{
					"type":    "agent.output",
					"project": project,
					"content": content,
				})
			})
		}
		c.mu.Unlock()
		c.sendJSON(map[string]any{"type": "subscribed", "project": msg.Project})

	case "unsubscribe":
		c.mu.Lock()
		if cancel, ok := c.subs[msg.Project]; ok {
			delete(c.subs, msg.Project)
			cancel()
		}
		c.mu.Unlock()
		c.sendJSON(map[string]any{"type": "unsubscribed", "project": msg.Project})

	case "spawn":
		if !c.role.HasPermission(auth.PermAgentsSpawn) {
			c.sendJSON(map[string]any{"type": "error", "error": "insufficient role"})
			return
		}
		if msg.Project == "" {
			c.sendJSON(map[string]any{"type": "error", "error": "project required"})
			return
		}
		_, err := c.hub.core.Agents.Spawn(context.Background(), msg.Project, agent.SpawnOptions{Task: msg.Task})
		if err != nil {
			c.sendJSON(map[string]any{"type": "error", "error": err.Error()})
			return
		}
		c.sendJSON(map[string]any{"type": "agent.spawned", "project": msg.Project})

	default:
		c.sendJSON(map[string]any{"type": "error", "error": "unknown command"})
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(idlePing)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.mu.Lock()
			idle := time.Since(c.lastRead)
			c.mu.Unlock()
			if idle < idlePing {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
				return
			}
		}
	}
}

// close tears down the socket, its streaming subscriptions and its hub
// registration. Safe to call more than once.
func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		for project, cancel := range c.subs {
			delete(c.subs, project)
			cancel()
		}
		c.mu.Unlock()

		c.hub.unregister(c)
		if err := c.conn.Close(); err == nil {
			c.hub.core.Audit.MustRecord(audit.Event{
				Action:    audit.ActionChannelWebsocketDisconnect,
				ActorType: audit.ActorUser,
				Channel:   "websocket",
			})
		}
		c.log.Debug("websocket closed", zap.Int("clients", c.hub.ClientCount()))
	})
}
