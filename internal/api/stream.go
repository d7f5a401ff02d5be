package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"prediction-exchange/internal/bus"
	"prediction-exchange/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	clientBuffer   = 256
)

func (h *Handlers) upgrader() websocket.Upgrader {
	allowed := h.cfg.Server.AllowedOrigins
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, a := range allowed {
				if a == "*" || strings.EqualFold(a, origin) {
					return true
				}
			}
			return false
		},
	}
}

// streamCommand is what a client sends down the socket.
type streamCommand struct {
	Action string   `json:"action"` // subscribe | unsubscribe
	Topics []string `json:"topics"`
}

// controlMessage is a non-envelope frame sent to the client: subscription
// acks and the book snapshots that anchor the sequence stream.
type controlMessage struct {
	Type     string              `json:"type"` // subscribed | unsubscribed | snapshot | error
	Topics   []string            `json:"topics,omitempty"`
	Sequence uint64              `json:"sequence,omitempty"` // topic sequence as of the snapshot
	Topic    string              `json:"topic,omitempty"`
	Snapshot *types.BookSnapshot `json:"snapshot,omitempty"`
	Error    *types.Error        `json:"error,omitempty"`
}

// wsClient bridges one WebSocket connection to a bus subscription. The
// write pump is the single writer on the connection; the read pump only
// parses commands and feeds the send channel.
type wsClient struct {
	conn   *websocket.Conn
	sub    *bus.Subscription
	send   chan []byte
	userID string

	handlers *Handlers
	logger   *slog.Logger
}

// HandleWebSocket upgrades the connection and starts the stream. The
// client begins with no topics and subscribes explicitly.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	up := h.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	c := &wsClient{
		conn:     conn,
		sub:      h.bus.Subscribe(clientBuffer),
		send:     make(chan []byte, clientBuffer),
		userID:   userID(r),
		handlers: h,
		logger:   h.logger.With("remote", conn.RemoteAddr().String()),
	}
	go c.writePump()
	go c.readPump()
}

func (c *wsClient) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("marshal stream message", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		// The write pump is stalled; the envelope drop is recoverable via
		// the sequence-gap protocol, so do not block the reader.
	}
}

// writePump is the sole writer on the connection: outbound control frames,
// bus envelopes, and keepalive pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case env, ok := <-c.sub.C():
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				c.logger.Error("marshal envelope", "error", err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
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

func (c *wsClient) readPump() {
	defer func() {
		c.sub.Close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket error", "error", err)
			}
			return
		}
		var cmd streamCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.enqueue(controlMessage{Type: "error",
				Error: types.E(types.CodeValidation, "malformed stream command")})
			continue
		}
		c.handleCommand(cmd)
	}
}

func (c *wsClient) handleCommand(cmd streamCommand) {
	switch cmd.Action {
	case "subscribe":
		var accepted []string
		for _, topic := range cmd.Topics {
			if !c.authorized(topic) {
				c.enqueue(controlMessage{Type: "error", Topic: topic,
					Error: types.E(types.CodeNotOwner, "private topics require matching X-User-ID")})
				continue
			}
			accepted = append(accepted, topic)
		}
		if len(accepted) == 0 {
			return
		}
		c.sub.Add(accepted...)
		c.enqueue(controlMessage{Type: "subscribed", Topics: accepted})
		// Anchor each market subscription with a current snapshot and the
		// topic sequence, so the client can detect the first gap.
		for _, topic := range accepted {
			c.sendSnapshot(topic)
		}
	case "unsubscribe":
		c.sub.Remove(cmd.Topics...)
		c.enqueue(controlMessage{Type: "unsubscribed", Topics: cmd.Topics})
	default:
		c.enqueue(controlMessage{Type: "error",
			Error: types.Ef(types.CodeValidation, "unknown action %q", cmd.Action)})
	}
}

// authorized restricts user:* topics to the connection's own identity.
func (c *wsClient) authorized(topic string) bool {
	if !strings.HasPrefix(topic, "user:") {
		return true
	}
	return c.userID != "" && topic == bus.TopicUser(c.userID)
}

// sendSnapshot anchors a market or per-outcome topic with current books.
func (c *wsClient) sendSnapshot(topic string) {
	marketID, outcomes, ok := bookTopic(topic)
	if !ok {
		return
	}
	slug, ok := c.handlers.slugForMarketID(marketID)
	if !ok {
		return
	}
	for _, oc := range outcomes {
		snap, err := c.handlers.gw.OrderBook(context.Background(), slug, string(oc))
		if err != nil {
			c.logger.Warn("snapshot for subscription", "topic", topic, "error", err)
			return
		}
		c.enqueue(controlMessage{
			Type:     "snapshot",
			Topic:    topic,
			Sequence: c.handlers.bus.Sequence(topic),
			Snapshot: &snap,
		})
	}
}

// bookTopic parses "market:<id>" and "market:<id>:<outcome>" topics.
// Trade topics need no snapshot.
func bookTopic(topic string) (marketID string, outcomes []types.Outcome, ok bool) {
	parts := strings.Split(topic, ":")
	if parts[0] != "market" || len(parts) < 2 {
		return "", nil, false
	}
	switch {
	case len(parts) == 2:
		return parts[1], []types.Outcome{types.YES, types.NO}, true
	case len(parts) == 3 && types.Outcome(parts[2]).Valid():
		return parts[1], []types.Outcome{types.Outcome(parts[2])}, true
	default:
		return "", nil, false
	}
}
