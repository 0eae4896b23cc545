package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mossy-p/meshchat/internal/middleware"
	"github.com/mossy-p/meshchat/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// Client is one UI connection streaming the transcript
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	log  *zap.Logger
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no origin
			return origin == "" || slices.Contains(allowedOrigins, origin)
		},
	}
}

// HandleChat upgrades to a websocket that pushes every transcript entry and
// accepts outbound messages as SendMessageRequest frames.
func HandleChat(room ChatRoom, allowedOrigins []string, log *zap.Logger) gin.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:   uuid.New().String(),
			Conn: conn,
			Send: make(chan []byte, sendBuffer),
		}
		client.log = log.With(zap.String("client", client.ID))

		entries, unsubscribe := room.Transcript().Subscribe()
		backlog := room.Transcript().Messages()

		ctx, cancel := context.WithCancel(context.Background())
		client.log.Info("ui client connected",
			zap.String("user", c.GetString(middleware.UserIDKey)),
			zap.Int("backlog", len(backlog)))

		go client.writePump(entries, backlog)
		go func() {
			defer func() {
				cancel()
				unsubscribe()
				close(client.Send)
			}()
			client.readPump(ctx, room)
		}()
	}
}

func (c *Client) readPump(ctx context.Context, room ChatRoom) {
	defer func() {
		c.Conn.Close()
		c.log.Info("ui client disconnected")
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", zap.Error(err))
			}
			return
		}

		var req models.SendMessageRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.push(models.StreamEvent{Type: models.StreamEventError, Error: "Invalid message frame"})
			continue
		}
		if err := binding.Validator.ValidateStruct(&req); err != nil {
			c.push(models.StreamEvent{Type: models.StreamEventError, Error: err.Error()})
			continue
		}

		d, err := room.Send(ctx, req)
		if err != nil {
			_, body := sendError(err)
			msg, _ := body["error"].(string)
			c.push(models.StreamEvent{Type: models.StreamEventError, Error: msg})
			continue
		}
		c.push(models.StreamEvent{
			Type:      models.StreamEventDelivery,
			Message:   &d.Message,
			Delivered: d.Delivered,
			Warning:   d.Warning,
		})
	}
}

func (c *Client) writePump(entries <-chan models.ChatMessage, backlog []models.ChatMessage) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	seen := make(map[string]struct{}, len(backlog))
	for i := range backlog {
		seen[backlog[i].ID] = struct{}{}
		if !c.write(models.StreamEvent{Type: models.StreamEventMessage, Message: &backlog[i]}) {
			return
		}
	}

	for {
		select {
		case msg, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			if _, dup := seen[msg.ID]; dup {
				continue
			}
			if !c.write(models.StreamEvent{Type: models.StreamEventMessage, Message: &msg}) {
				return
			}

		case data, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(ev models.StreamEvent) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("encode stream event", zap.Error(err))
		return true
	}
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Debug("write failed", zap.Error(err))
		return false
	}
	return true
}

func (c *Client) push(ev models.StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("encode stream event", zap.Error(err))
		return
	}

	select {
	case c.Send <- data:
	default:
		c.log.Warn("client buffer full, dropping event", zap.String("type", string(ev.Type)))
	}
}
