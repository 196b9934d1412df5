package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"shardchat/internal/domain"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// MessageSender is the write path a push channel drives. Satisfied by
// node.Service.
type MessageSender interface {
	SendMessage(ctx context.Context, fromID, toID int64, content string) (*domain.Message, error)
}

type Client struct {
	registry *Registry
	sender   MessageSender
	conn     *websocket.Conn
	shardID  int

	// userID is set by a register envelope; only the read pump touches it.
	userID int64

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func NewClient(registry *Registry, sender MessageSender, conn *websocket.Conn, shardID int) *Client {
	return &Client{
		registry: registry,
		sender:   sender,
		conn:     conn,
		shardID:  shardID,
		send:     make(chan []byte, sendBuffer),
	}
}

// ReadPump consumes envelopes from the connection until it closes, then
// unbinds the client from the registry.
func (c *Client) ReadPump() {
	defer func() {
		c.registry.Remove(c)
		c.shutdown()
		c.conn.Close()
		if c.userID != 0 {
			log.Printf("[shard %d] user %d disconnected", c.shardID, c.userID)
		}
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[shard %d] websocket read error: %v", c.shardID, err)
			}
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.replyError("malformed envelope")
			continue
		}
		c.handle(context.Background(), env)
	}
}

// handle dispatches one incoming envelope. The kind set is closed; anything
// unknown is answered with an error envelope and has no side effects.
func (c *Client) handle(ctx context.Context, env domain.Envelope) {
	switch env.Kind {
	case domain.EnvelopeRegister:
		if env.UserID <= 0 {
			c.replyError("user id must be positive")
			return
		}
		c.userID = env.UserID
		c.registry.Bind(env.UserID, c)
		c.reply(domain.Envelope{
			Kind:    domain.EnvelopeRegistered,
			UserID:  env.UserID,
			ShardID: c.shardID,
		})

	case domain.EnvelopeSendMessage:
		msg, err := c.sender.SendMessage(ctx, env.FromID, env.ToID, env.Content)
		if err != nil {
			if errors.Is(err, domain.ErrValidation) {
				c.replyError(err.Error())
			} else {
				log.Printf("[shard %d] websocket send failed: %v", c.shardID, err)
				c.replyError("failed to send message")
			}
			return
		}
		c.reply(domain.Envelope{
			Kind:    domain.EnvelopeMessageSent,
			Message: msg,
		})

	default:
		c.replyError(fmt.Sprintf("unknown kind %q", env.Kind))
	}
}

func (c *Client) reply(env domain.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		log.Printf("[shard %d] failed to marshal reply: %v", c.shardID, err)
		return
	}
	if !c.enqueue(payload) {
		log.Printf("[shard %d] dropped reply %s: channel unavailable", c.shardID, env.Kind)
	}
}

func (c *Client) replyError(msg string) {
	c.reply(domain.Envelope{
		Kind:  domain.EnvelopeError,
		Error: msg,
	})
}

// enqueue hands a payload to the write pump. Returns false when the client
// is shut down or its buffer is full; a slow consumer loses pushes rather
// than blocking the caller.
func (c *Client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// WritePump drains the send channel onto the connection and keeps the
// connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
