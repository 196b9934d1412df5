// Package cache is the volatile read-path store. Entries carry a bounded TTL
// and are additionally invalidated explicitly by writes that affect them; a
// cache failure is never fatal, readers degrade to the durable store.
package cache

import (
	"context"
	"fmt"
	"time"
)

type Cache interface {
	// Get returns the cached value and whether the key was present.
	Get(ctx context.Context, key string) (string, bool, error)
	SetTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePattern removes every key matching the glob patterns. Used to
	// invalidate a whole query shape regardless of its limit argument.
	DeletePattern(ctx context.Context, patterns ...string) error
}

// InboxKey is the cache key for a user's message list. The limit is part of
// the key: a result cached for one limit must never satisfy another.
func InboxKey(userID int64, limit int) string {
	return fmt.Sprintf("inbox:%d:%d", userID, limit)
}

// ConversationKey is the cache key for the (userID, otherID, limit)
// conversation query. It is order-sensitive: writers delete both orders.
func ConversationKey(userID, otherID int64, limit int) string {
	return fmt.Sprintf("conv:%d:%d:%d", userID, otherID, limit)
}

// ConversationPattern matches every cached limit variant of the
// (userID, otherID) conversation shape.
func ConversationPattern(userID, otherID int64) string {
	return fmt.Sprintf("conv:%d:%d:*", userID, otherID)
}
