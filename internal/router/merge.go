package router

import (
	"sort"

	"shardchat/internal/domain"
)

// messageIdentity is the dedup key for merged conversation results. Two
// shards can hold the same logical message (replication overlap), so merge
// collapses on sender, recipient and timestamp rather than storage id.
type messageIdentity struct {
	fromID int64
	toID   int64
	at     int64
}

// MergeConversations concatenates two per-shard conversation results,
// deduplicates them (first occurrence wins) and sorts ascending by creation
// time. The sort is stable, so equal timestamps keep concatenation order.
func MergeConversations(first, second []*domain.Message) []*domain.Message {
	combined := make([]*domain.Message, 0, len(first)+len(second))
	combined = append(combined, first...)
	combined = append(combined, second...)

	seen := make(map[messageIdentity]struct{}, len(combined))
	merged := combined[:0]
	for _, msg := range combined {
		key := messageIdentity{
			fromID: msg.FromID,
			toID:   msg.ToID,
			at:     msg.CreatedAt.UnixNano(),
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, msg)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	return merged
}
