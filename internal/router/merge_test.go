package router

import (
	"testing"
	"time"

	"shardchat/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgAt(fromID, toID int64, content string, at time.Time) *domain.Message {
	return &domain.Message{
		ID:        uuid.New(),
		FromID:    fromID,
		ToID:      toID,
		Content:   content,
		CreatedAt: at,
	}
}

func TestMergeConversationsSortsAscending(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	first := []*domain.Message{
		msgAt(1, 2, "third", base.Add(2*time.Second)),
		msgAt(1, 2, "first", base),
	}
	second := []*domain.Message{
		msgAt(2, 1, "second", base.Add(time.Second)),
	}

	merged := MergeConversations(first, second)
	require.Len(t, merged, 3)
	assert.Equal(t, "first", merged[0].Content)
	assert.Equal(t, "second", merged[1].Content)
	assert.Equal(t, "third", merged[2].Content)
}

func TestMergeConversationsDeduplicates(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// Same sender, recipient and timestamp: one logical message held by
	// both shards, under different storage ids.
	first := []*domain.Message{msgAt(1, 2, "hi", at)}
	second := []*domain.Message{msgAt(1, 2, "hi", at)}

	merged := MergeConversations(first, second)
	require.Len(t, merged, 1)
	// First occurrence wins.
	assert.Equal(t, first[0].ID, merged[0].ID)
}

func TestMergeConversationsIsIdempotent(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	first := []*domain.Message{
		msgAt(1, 2, "a", base),
		msgAt(1, 2, "c", base.Add(2*time.Second)),
	}
	second := []*domain.Message{
		msgAt(2, 1, "b", base.Add(time.Second)),
	}

	once := MergeConversations(first, second)
	twice := MergeConversations(first, second)
	require.Equal(t, once, twice)

	// Merging an already-merged list with itself changes nothing either.
	again := MergeConversations(once, once)
	assert.Equal(t, once, again)
}

func TestMergeConversationsTiesKeepConcatOrder(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// Distinct messages (different direction) with equal timestamps.
	fromUserShard := []*domain.Message{msgAt(1, 2, "from sender shard", at)}
	fromOtherShard := []*domain.Message{msgAt(2, 1, "from other shard", at)}

	merged := MergeConversations(fromUserShard, fromOtherShard)
	require.Len(t, merged, 2)
	assert.Equal(t, "from sender shard", merged[0].Content)
	assert.Equal(t, "from other shard", merged[1].Content)
}

func TestMergeConversationsEmptyInputs(t *testing.T) {
	assert.Empty(t, MergeConversations(nil, nil))

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	only := []*domain.Message{msgAt(1, 2, "solo", at)}
	merged := MergeConversations(only, nil)
	require.Len(t, merged, 1)
	assert.Equal(t, "solo", merged[0].Content)
}
