// Package node implements one shard's service: the durable write path, the
// cache-aside read path, and best-effort real-time push.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"shardchat/internal/cache"
	"shardchat/internal/domain"

	"github.com/google/uuid"
)

const (
	DefaultLimit = 50
	cacheTTL     = 60 * time.Second
)

type MessageStore interface {
	Insert(ctx context.Context, msg *domain.Message) error
	MessagesFor(ctx context.Context, userID int64, limit int) ([]*domain.Message, error)
	Conversation(ctx context.Context, userID, otherID int64, limit int) ([]*domain.Message, error)
}

type UserStore interface {
	All(ctx context.Context) ([]*domain.User, error)
}

// Pusher delivers a payload to a connected user. Returns false when the user
// has no live channel; delivery is best-effort either way.
type Pusher interface {
	Push(userID int64, payload []byte) bool
}

type EventPublisher interface {
	PublishMessageCreated(ctx context.Context, msg *domain.Message) error
}

type Service struct {
	shardID   int
	messages  MessageStore
	users     UserStore
	cache     cache.Cache
	pusher    Pusher
	publisher EventPublisher // nil when no broker is configured

	ttl time.Duration

	// overridable for tests
	now   func() time.Time
	newID func() uuid.UUID
}

func NewService(shardID int, messages MessageStore, users UserStore, c cache.Cache, pusher Pusher, publisher EventPublisher) *Service {
	return &Service{
		shardID:   shardID,
		messages:  messages,
		users:     users,
		cache:     c,
		pusher:    pusher,
		publisher: publisher,
		ttl:       cacheTTL,
		now:       time.Now,
		newID:     uuid.New,
	}
}

func (s *Service) ShardID() int {
	return s.shardID
}

// SendMessage persists a message to this shard's primary store and pushes it
// to the recipient if connected. The store insert is the durability boundary;
// everything after it is best-effort.
func (s *Service) SendMessage(ctx context.Context, fromID, toID int64, content string) (*domain.Message, error) {
	if fromID <= 0 || toID <= 0 {
		return nil, fmt.Errorf("%w: sender and recipient ids must be positive", domain.ErrValidation)
	}
	if content == "" {
		return nil, fmt.Errorf("%w: content must not be empty", domain.ErrValidation)
	}

	msg := &domain.Message{
		ID:        s.newID(),
		FromID:    fromID,
		ToID:      toID,
		Content:   content,
		CreatedAt: s.now().UTC(),
		ShardID:   s.shardID,
	}

	if err := s.messages.Insert(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}

	// Both key orders, unconditionally: either user may have the pair
	// cached, under any limit.
	if err := s.cache.DeletePattern(ctx,
		cache.ConversationPattern(fromID, toID),
		cache.ConversationPattern(toID, fromID),
	); err != nil {
		log.Printf("[shard %d] cache invalidation failed for message %s: %v", s.shardID, msg.ID, err)
	}

	s.pushToRecipient(msg)

	if s.publisher != nil {
		if err := s.publisher.PublishMessageCreated(ctx, msg); err != nil {
			log.Printf("[shard %d] event publish failed for message %s: %v", s.shardID, msg.ID, err)
		}
	}

	return msg, nil
}

func (s *Service) pushToRecipient(msg *domain.Message) {
	payload, err := json.Marshal(domain.Envelope{
		Kind:    domain.EnvelopeMessage,
		Message: msg,
	})
	if err != nil {
		log.Printf("[shard %d] failed to marshal push payload: %v", s.shardID, err)
		return
	}
	if s.pusher.Push(msg.ToID, payload) {
		log.Printf("[shard %d] pushed message %s to user %d", s.shardID, msg.ID, msg.ToID)
	}
}

// MessagesFor returns userID's messages, most recent first, cache-aside.
func (s *Service) MessagesFor(ctx context.Context, userID int64, limit int) ([]*domain.Message, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user id must be positive", domain.ErrValidation)
	}
	limit = normalizeLimit(limit)

	key := cache.InboxKey(userID, limit)
	if msgs, ok := s.cachedMessages(ctx, key); ok {
		return msgs, nil
	}

	msgs, err := s.messages.MessagesFor(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	s.storeMessages(ctx, key, msgs)
	return msgs, nil
}

// Conversation returns the messages between two users in chronological
// order, cache-aside.
func (s *Service) Conversation(ctx context.Context, userID, otherID int64, limit int) ([]*domain.Message, error) {
	if userID <= 0 || otherID <= 0 {
		return nil, fmt.Errorf("%w: user ids must be positive", domain.ErrValidation)
	}
	limit = normalizeLimit(limit)

	key := cache.ConversationKey(userID, otherID, limit)
	if msgs, ok := s.cachedMessages(ctx, key); ok {
		return msgs, nil
	}

	msgs, err := s.messages.Conversation(ctx, userID, otherID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}

	s.storeMessages(ctx, key, msgs)
	return msgs, nil
}

func (s *Service) Users(ctx context.Context) ([]*domain.User, error) {
	users, err := s.users.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read users: %w", err)
	}
	return users, nil
}

// cachedMessages reads and decodes a cached result set. Any cache error is
// treated as a miss.
func (s *Service) cachedMessages(ctx context.Context, key string) ([]*domain.Message, bool) {
	val, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		log.Printf("[shard %d] cache get failed for %s: %v", s.shardID, key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var msgs []*domain.Message
	if err := json.Unmarshal([]byte(val), &msgs); err != nil {
		log.Printf("[shard %d] dropping undecodable cache entry %s: %v", s.shardID, key, err)
		return nil, false
	}
	return msgs, true
}

func (s *Service) storeMessages(ctx context.Context, key string, msgs []*domain.Message) {
	val, err := json.Marshal(msgs)
	if err != nil {
		log.Printf("[shard %d] failed to marshal cache entry %s: %v", s.shardID, key, err)
		return
	}
	if err := s.cache.SetTTL(ctx, key, string(val), s.ttl); err != nil {
		log.Printf("[shard %d] cache set failed for %s: %v", s.shardID, key, err)
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}
