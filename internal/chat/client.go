package chat

import (
	"context"
	"log"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Client is one realtime connection bound to the hub. UserID is fixed at
// upgrade time from the authenticated request; the meeting binding happens on
// join_meeting.
type Client struct {
	ID       string
	UserID   string
	UserName string
	Hub      *Hub

	conn       *websocket.Conn
	outbox     chan Envelope
	messageLim *rate.Limiter
	typingLim  *rate.Limiter
}

func NewClient(conn *websocket.Conn, userID, userName string) *Client {
	return &Client{
		ID:       uuid.NewString(),
		UserID:   userID,
		UserName: userName,
		conn:     conn,
		outbox:   make(chan Envelope, 64),
	}
}

func (c *Client) SetMessageLimiter(requests int, window time.Duration) {
	c.messageLim = rate.NewLimiter(rate.Every(window/time.Duration(requests)), requests)
}

func (c *Client) SetTypingLimiter(requests int, window time.Duration) {
	c.typingLim = rate.NewLimiter(rate.Every(window/time.Duration(requests)), requests)
}

// send queues an envelope for delivery. Never blocks: a slow or stalled
// client loses events instead of holding up the room.
func (c *Client) send(env Envelope) {
	select {
	case c.outbox <- env:
	default:
		slog.Warn("dropping event for slow client",
			"event", env.Event,
			"socket_id", c.ID,
			"user_id", c.UserID)
	}
}

func (c *Client) sendError(message string) {
	c.send(NewEnvelope(EventError, ErrorEvent{Message: message}))
}

// closeOutbox is called by the hub once the client is unregistered, which
// ends the write pump.
func (c *Client) closeOutbox() {
	close(c.outbox)
}

// ReadPump reads frames off the websocket and hands them to the hub one at a
// time, preserving per-connection event order. It returns when the transport
// drops, which counts as an implicit disconnect.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		// Unregistering must survive request-context cancellation so the
		// session row still gets closed.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Hub.Unregister(cleanupCtx, c)
		c.conn.CloseNow()
	}()

	for {
		msgType, p, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure &&
				status != websocket.StatusGoingAway &&
				status != -1 {
				log.Printf("read error on %s: %v", c.ID, err)
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}

		c.Hub.Handle(ctx, c, p)
	}
}

// WritePump serializes outbound events to the websocket.
func (c *Client) WritePump(ctx context.Context) {
	for {
		select {
		case env, ok := <-c.outbox:
			if !ok {
				c.conn.Close(websocket.StatusNormalClosure, "connection closed")
				return
			}

			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, c.conn, env)
			cancel()
			if err != nil {
				slog.WarnContext(ctx, "failed to write event",
					"error", err,
					"event", env.Event,
					"socket_id", c.ID)
			}

		case <-ctx.Done():
			c.conn.Close(websocket.StatusGoingAway, "context cancelled")
			return
		}
	}
}
