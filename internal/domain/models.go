package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type Message struct {
	ID        uuid.UUID `json:"id"`
	FromID    int64     `json:"from_id"`
	ToID      int64     `json:"to_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	ShardID   int       `json:"shard_id"`
}

type User struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	ShardID int    `json:"shard_id"`
}

// EnvelopeKind tags frames on the push channel. The set is closed: anything
// outside it is answered with EnvelopeError and has no side effects.
type EnvelopeKind string

const (
	// client -> server
	EnvelopeRegister    EnvelopeKind = "register"
	EnvelopeSendMessage EnvelopeKind = "sendMessage"

	// server -> client
	EnvelopeRegistered  EnvelopeKind = "registered"
	EnvelopeMessage     EnvelopeKind = "message"
	EnvelopeMessageSent EnvelopeKind = "messageSent"
	EnvelopeError       EnvelopeKind = "error"
)

// Envelope is the frame exchanged over a push channel. Fields are populated
// depending on Kind; unused ones are omitted on the wire.
type Envelope struct {
	Kind    EnvelopeKind `json:"kind"`
	UserID  int64        `json:"user_id,omitempty"`
	FromID  int64        `json:"from_id,omitempty"`
	ToID    int64        `json:"to_id,omitempty"`
	Content string       `json:"content,omitempty"`
	ShardID int          `json:"shard_id,omitempty"`
	Message *Message     `json:"message,omitempty"`
	Error   string       `json:"error,omitempty"`
}

var (
	// ErrValidation marks malformed input. Rejected before any side effect.
	ErrValidation = errors.New("invalid request")

	// ErrShardUnavailable means every endpoint of a shard failed.
	ErrShardUnavailable = errors.New("shard unavailable")
)
