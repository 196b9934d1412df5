package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"shardchat/internal/domain"
)

// MessageRepository reads and writes one shard's messages table. The same
// type serves both the primary and the backup store; replication constructs
// one instance per connection.
type MessageRepository struct {
	db *sql.DB
}

func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Insert(ctx context.Context, msg *domain.Message) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, from_id, to_id, content, created_at, shard_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.ID, msg.FromID, msg.ToID, msg.Content, msg.CreatedAt, msg.ShardID)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// MessagesFor returns messages sent or received by userID, most recent first.
func (r *MessageRepository) MessagesFor(ctx context.Context, userID int64, limit int) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, from_id, to_id, content, created_at, shard_id
		FROM messages
		WHERE from_id = $1 OR to_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return scanMessages(rows)
}

// Conversation returns messages between userID and otherID in chronological
// order, oldest first.
func (r *MessageRepository) Conversation(ctx context.Context, userID, otherID int64, limit int) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, from_id, to_id, content, created_at, shard_id
		FROM messages
		WHERE (from_id = $1 AND to_id = $2) OR (from_id = $2 AND to_id = $1)
		ORDER BY created_at ASC
		LIMIT $3
	`, userID, otherID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation: %w", err)
	}
	return scanMessages(rows)
}

// CreatedSince returns messages created at or after the given instant. Used
// by the replication loop's sliding window.
func (r *MessageRepository) CreatedSince(ctx context.Context, since time.Time) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, from_id, to_id, content, created_at, shard_id
		FROM messages
		WHERE created_at >= $1
		ORDER BY created_at ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent messages: %w", err)
	}
	return scanMessages(rows)
}

// Upsert applies a replicated message to the backup store. On conflict only
// the content is overwritten: sender, recipient and timestamp are a message's
// identity and the backup must never reassign them.
func (r *MessageRepository) Upsert(ctx context.Context, msg *domain.Message) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, from_id, to_id, content, created_at, shard_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content
	`, msg.ID, msg.FromID, msg.ToID, msg.Content, msg.CreatedAt, msg.ShardID)
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}
	return nil
}

func (r *MessageRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func scanMessages(rows *sql.Rows) ([]*domain.Message, error) {
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(&msg.ID, &msg.FromID, &msg.ToID, &msg.Content, &msg.CreatedAt, &msg.ShardID); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}
