// Package replication keeps a shard's backup store trailing its primary.
// The loop copies with a sliding time window wider than its tick, so every
// recent write is applied at least once; upserts make reapplication
// harmless. Consistency is eventual, with typically sub-minute lag.
package replication

import (
	"context"
	"log"
	"time"

	"shardchat/internal/domain"
)

const (
	// DefaultInterval is the tick between replication passes.
	DefaultInterval = 5 * time.Second

	// DefaultWindow is how far back each pass reaches for messages. It
	// deliberately overlaps many ticks to tolerate delay; a pass missed
	// during an outage longer than the window is not retried.
	DefaultWindow = time.Minute

	// DefaultRetryDelay paces initialization retries while either store
	// is unreachable.
	DefaultRetryDelay = 5 * time.Second
)

type MessageSource interface {
	CreatedSince(ctx context.Context, since time.Time) ([]*domain.Message, error)
	Ping(ctx context.Context) error
}

type MessageTarget interface {
	Upsert(ctx context.Context, msg *domain.Message) error
	Ping(ctx context.Context) error
}

type UserSource interface {
	All(ctx context.Context) ([]*domain.User, error)
}

type UserTarget interface {
	Upsert(ctx context.Context, u *domain.User) error
}

type Manager struct {
	shardID int

	messages MessageSource
	users    UserSource

	backupMessages MessageTarget
	backupUsers    UserTarget

	interval   time.Duration
	window     time.Duration
	retryDelay time.Duration

	now func() time.Time
}

func NewManager(shardID int, messages MessageSource, users UserSource, backupMessages MessageTarget, backupUsers UserTarget) *Manager {
	return &Manager{
		shardID:        shardID,
		messages:       messages,
		users:          users,
		backupMessages: backupMessages,
		backupUsers:    backupUsers,
		interval:       DefaultInterval,
		window:         DefaultWindow,
		retryDelay:     DefaultRetryDelay,
		now:            time.Now,
	}
}

// Start verifies connectivity to both stores, then runs the replication
// loop until ctx is cancelled. Tick errors are logged and absorbed; the
// loop never terminates on a transient failure.
func (m *Manager) Start(ctx context.Context) {
	for {
		if err := m.verify(ctx); err == nil {
			break
		} else {
			log.Printf("[shard %d] replication init failed, retrying in %v: %v", m.shardID, m.retryDelay, err)
		}

		select {
		case <-time.After(m.retryDelay):
		case <-ctx.Done():
			return
		}
	}

	log.Printf("[shard %d] replication started (interval %v, window %v)", m.shardID, m.interval, m.window)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tick(ctx)
		case <-ctx.Done():
			log.Printf("[shard %d] replication stopped", m.shardID)
			return
		}
	}
}

// verify pings primary and backup before the loop starts, so it never runs
// against a connection that was broken from the outset.
func (m *Manager) verify(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.retryDelay)
	defer cancel()

	if err := m.messages.Ping(ctx); err != nil {
		return err
	}
	return m.backupMessages.Ping(ctx)
}

func (m *Manager) tick(ctx context.Context) {
	m.copyUsers(ctx)
	m.copyRecentMessages(ctx)
}

func (m *Manager) copyUsers(ctx context.Context) {
	users, err := m.users.All(ctx)
	if err != nil {
		log.Printf("[shard %d] replication: failed to read users: %v", m.shardID, err)
		return
	}
	for _, u := range users {
		if err := m.backupUsers.Upsert(ctx, u); err != nil {
			log.Printf("[shard %d] replication: failed to upsert user %d: %v", m.shardID, u.ID, err)
		}
	}
}

func (m *Manager) copyRecentMessages(ctx context.Context) {
	since := m.now().Add(-m.window)
	msgs, err := m.messages.CreatedSince(ctx, since)
	if err != nil {
		log.Printf("[shard %d] replication: failed to read recent messages: %v", m.shardID, err)
		return
	}
	for _, msg := range msgs {
		if err := m.backupMessages.Upsert(ctx, msg); err != nil {
			log.Printf("[shard %d] replication: failed to upsert message %s: %v", m.shardID, msg.ID, err)
		}
	}
}
