package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"amp-controller/internal/models"
	"amp-controller/internal/observability"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	clientBuffer = 16
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans tick reports out to websocket subscribers. A slow subscriber
// loses reports rather than delaying the control loop.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *logrus.Logger
	metrics  *observability.Metrics

	mutex   sync.RWMutex
	clients map[*wsClient]struct{}
}

func NewHub(metrics *observability.Metrics, logger *logrus.Logger) *Hub {
	return &Hub{
		logger:  logger,
		metrics: metrics,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *Hub) Report(report models.TickReport) {
	payload, err := json.Marshal(report)
	if err != nil {
		h.logger.Errorf("Failed to encode tick report: %v", err)
		return
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.metrics.ReportDropped("websocket")
		}
	}
}

func (h *Hub) Clients() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mutex.Lock()
	h.clients[c] = struct{}{}
	h.mutex.Unlock()
	h.logger.Infof("Tick stream subscriber connected from %s", r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)
}

// readPump only watches for the peer going away; subscribers send nothing.
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.mutex.Lock()
		delete(h.clients, c)
		close(c.send)
		h.mutex.Unlock()
		c.conn.Close()
		h.logger.Info("Tick stream subscriber disconnected")
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debugf("Tick stream read error: %v", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Debugf("Tick stream write error: %v", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
