package ws

import (
	"context"
	"encoding/json"
	"path"
	"testing"
	"time"

	"shardchat/internal/domain"
	"shardchat/internal/node"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	messages []*domain.Message
}

func (s *memStore) Insert(ctx context.Context, msg *domain.Message) error {
	s.messages = append(s.messages, msg)
	return nil
}

func (s *memStore) MessagesFor(ctx context.Context, userID int64, limit int) ([]*domain.Message, error) {
	var out []*domain.Message
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if s.messages[i].FromID == userID || s.messages[i].ToID == userID {
			out = append(out, s.messages[i])
		}
	}
	return out, nil
}

func (s *memStore) Conversation(ctx context.Context, userID, otherID int64, limit int) ([]*domain.Message, error) {
	var out []*domain.Message
	for _, msg := range s.messages {
		if len(out) == limit {
			break
		}
		if (msg.FromID == userID && msg.ToID == otherID) || (msg.FromID == otherID && msg.ToID == userID) {
			out = append(out, msg)
		}
	}
	return out, nil
}

type memUsers struct{}

func (memUsers) All(ctx context.Context) ([]*domain.User, error) { return nil, nil }

type memCache struct {
	entries map[string]string
}

func (c *memCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, ok := c.entries[key]
	return val, ok, nil
}

func (c *memCache) SetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	c.entries[key] = value
	return nil
}

func (c *memCache) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

func (c *memCache) DeletePattern(ctx context.Context, patterns ...string) error {
	for _, pattern := range patterns {
		for key := range c.entries {
			if ok, _ := path.Match(pattern, key); ok {
				delete(c.entries, key)
			}
		}
	}
	return nil
}

// A registered recipient receives a push in the same request cycle as the
// sender's write, and the durable conversation agrees with it.
func TestSendDeliversPushToRegisteredRecipient(t *testing.T) {
	registry := NewRegistry()
	svc := node.NewService(1, &memStore{}, memUsers{}, &memCache{entries: map[string]string{}}, registry, nil)

	sender := NewClient(registry, svc, nil, 1)
	recipient := NewClient(registry, svc, nil, 1)

	ctx := context.Background()
	sender.handle(ctx, domain.Envelope{Kind: domain.EnvelopeRegister, UserID: 1})
	recipient.handle(ctx, domain.Envelope{Kind: domain.EnvelopeRegister, UserID: 2})
	assert.Equal(t, domain.EnvelopeRegistered, nextReply(t, sender).Kind)
	assert.Equal(t, domain.EnvelopeRegistered, nextReply(t, recipient).Kind)

	sender.handle(ctx, domain.Envelope{
		Kind:    domain.EnvelopeSendMessage,
		FromID:  1,
		ToID:    2,
		Content: "Hello!",
	})

	// Sender gets the delivery confirmation.
	confirmation := nextReply(t, sender)
	assert.Equal(t, domain.EnvelopeMessageSent, confirmation.Kind)
	require.NotNil(t, confirmation.Message)
	assert.Equal(t, "Hello!", confirmation.Message.Content)

	// Recipient gets the push.
	var push domain.Envelope
	select {
	case payload := <-recipient.send:
		require.NoError(t, json.Unmarshal(payload, &push))
	default:
		t.Fatal("recipient received no push")
	}
	assert.Equal(t, domain.EnvelopeMessage, push.Kind)
	require.NotNil(t, push.Message)
	assert.Equal(t, "Hello!", push.Message.Content)
	assert.Equal(t, int64(1), push.Message.FromID)

	// The durable read path agrees.
	msgs, err := svc.Conversation(ctx, 1, 2, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello!", msgs[0].Content)
	assert.Equal(t, confirmation.Message.ID, msgs[0].ID)
}

// A send to an unregistered user still succeeds; the read path is the
// reliability fallback.
func TestSendToOfflineRecipient(t *testing.T) {
	registry := NewRegistry()
	svc := node.NewService(1, &memStore{}, memUsers{}, &memCache{entries: map[string]string{}}, registry, nil)

	sender := NewClient(registry, svc, nil, 1)
	sender.handle(context.Background(), domain.Envelope{
		Kind:    domain.EnvelopeSendMessage,
		FromID:  1,
		ToID:    2,
		Content: "anyone home?",
	})

	assert.Equal(t, domain.EnvelopeMessageSent, nextReply(t, sender).Kind)

	msgs, err := svc.MessagesFor(context.Background(), 2, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
